package admin

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"github.com/walbd/walb/logformat"
	"github.com/walbd/walb/snapshot"
)

const executeMethod = "/walb.admin.AdminService/Execute"

// Client is a thin typed wrapper around the single Execute RPC, mirroring
// the teacher's client/main.go pattern of a handful of methods built atop
// one grpc.ClientConn (there: pb.NewRandomNumberServiceClient; here: a
// hand-written equivalent since no generated stub exists for this
// service).
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an established connection. Callers are responsible for
// dialing with grpc.NewClient (or grpc.Dial) and closing conn themselves.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Execute sends req and returns the raw Response, for callers that need a
// command this wrapper has no named method for.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	resp := new(Response)
	if err := c.conn.Invoke(ctx, executeMethod, req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return resp, nil
}

// responseError turns a non-ErrNone Response.Err into a Go error.
func responseError(resp *Response) error {
	if resp.Err == ErrNone {
		return nil
	}
	if resp.ErrText != "" {
		return fmt.Errorf("admin: %s: %s", resp.Err, resp.ErrText)
	}
	return fmt.Errorf("admin: %s", resp.Err)
}

func (c *Client) simpleU64(ctx context.Context, cmd Command) (uint64, error) {
	resp, err := c.Execute(ctx, &Request{Command: cmd})
	if err != nil {
		return 0, err
	}
	return resp.ValU64, responseError(resp)
}

func (c *Client) GetOldestLSID(ctx context.Context) (uint64, error) { return c.simpleU64(ctx, CmdGetOldestLSID) }
func (c *Client) GetWrittenLSID(ctx context.Context) (uint64, error) {
	return c.simpleU64(ctx, CmdGetWrittenLSID)
}
func (c *Client) GetPermanentLSID(ctx context.Context) (uint64, error) {
	return c.simpleU64(ctx, CmdGetPermanentLSID)
}
func (c *Client) GetCompletedLSID(ctx context.Context) (uint64, error) {
	return c.simpleU64(ctx, CmdGetCompletedLSID)
}
func (c *Client) GetLogUsage(ctx context.Context) (uint64, error) { return c.simpleU64(ctx, CmdGetLogUsage) }
func (c *Client) GetLogCapacity(ctx context.Context) (uint64, error) {
	return c.simpleU64(ctx, CmdGetLogCapacity)
}

func (c *Client) SetOldestLSID(ctx context.Context, target uint64) error {
	resp, err := c.Execute(ctx, &Request{Command: CmdSetOldestLSID, ValU64: target})
	if err != nil {
		return err
	}
	return responseError(resp)
}

func (c *Client) IsLogOverflow(ctx context.Context) (bool, error) {
	resp, err := c.Execute(ctx, &Request{Command: CmdIsLogOverflow})
	if err != nil {
		return false, err
	}
	return resp.ValInt != 0, responseError(resp)
}

func (c *Client) TakeCheckpoint(ctx context.Context) error {
	resp, err := c.Execute(ctx, &Request{Command: CmdTakeCheckpoint})
	if err != nil {
		return err
	}
	return responseError(resp)
}

func (c *Client) GetCheckpointIntervalMs(ctx context.Context) (uint32, error) {
	resp, err := c.Execute(ctx, &Request{Command: CmdGetCheckpointInterval})
	if err != nil {
		return 0, err
	}
	return resp.ValU32, responseError(resp)
}

func (c *Client) SetCheckpointIntervalMs(ctx context.Context, ms uint32) error {
	resp, err := c.Execute(ctx, &Request{Command: CmdSetCheckpointInterval, ValU32: ms})
	if err != nil {
		return err
	}
	return responseError(resp)
}

func (c *Client) CreateSnapshot(ctx context.Context, name string, lsid uint64) error {
	resp, err := c.Execute(ctx, &Request{Command: CmdCreateSnapshot, BufIn: encodeSnapshotCreate(name, lsid)})
	if err != nil {
		return err
	}
	return responseError(resp)
}

func (c *Client) DeleteSnapshot(ctx context.Context, name string) error {
	resp, err := c.Execute(ctx, &Request{Command: CmdDeleteSnapshot, BufIn: []byte(name)})
	if err != nil {
		return err
	}
	return responseError(resp)
}

func (c *Client) DeleteSnapshotRange(ctx context.Context, begin, end uint64) (int, error) {
	resp, err := c.Execute(ctx, &Request{Command: CmdDeleteSnapshotRange, ValU64: begin, ValU64B: end})
	if err != nil {
		return 0, err
	}
	return int(resp.ValInt), responseError(resp)
}

func (c *Client) GetSnapshot(ctx context.Context, name string) (logformat.SnapshotRecord, error) {
	resp, err := c.Execute(ctx, &Request{Command: CmdGetSnapshot, BufIn: []byte(name)})
	if err != nil {
		return logformat.SnapshotRecord{}, err
	}
	if err := responseError(resp); err != nil {
		return logformat.SnapshotRecord{}, err
	}
	return decodeSnapshotRecord(resp.BufOut)
}

func (c *Client) NumSnapshotRange(ctx context.Context, begin, end uint64) (int, error) {
	resp, err := c.Execute(ctx, &Request{Command: CmdNumSnapshotRange, ValU64: begin, ValU64B: end})
	if err != nil {
		return 0, err
	}
	return int(resp.ValInt), responseError(resp)
}

func (c *Client) ListSnapshotRange(ctx context.Context, begin, end uint64, limit int) (entries []snapshot.Entry, next uint64, hasMore bool, err error) {
	resp, err := c.Execute(ctx, &Request{Command: CmdListSnapshotRange, ValU64: begin, ValU64B: end, ValU32: uint32(limit)})
	if err != nil {
		return nil, 0, false, err
	}
	if err := responseError(resp); err != nil {
		return nil, 0, false, err
	}
	entries, err = decodeEntries(resp.BufOut)
	return entries, resp.ValU64, resp.ValInt != 0, err
}

func (c *Client) ListSnapshotFrom(ctx context.Context, from uint64, limit int) (entries []snapshot.Entry, next uint64, hasMore bool, err error) {
	resp, err := c.Execute(ctx, &Request{Command: CmdListSnapshotFrom, ValU64: from, ValU32: uint32(limit)})
	if err != nil {
		return nil, 0, false, err
	}
	if err := responseError(resp); err != nil {
		return nil, 0, false, err
	}
	entries, err = decodeEntries(resp.BufOut)
	return entries, resp.ValU64, resp.ValInt != 0, err
}

func (c *Client) Resize(ctx context.Context, newSizeLBS uint64) error {
	resp, err := c.Execute(ctx, &Request{Command: CmdResize, ValU64: newSizeLBS})
	if err != nil {
		return err
	}
	return responseError(resp)
}

func (c *Client) ClearLog(ctx context.Context) error {
	resp, err := c.Execute(ctx, &Request{Command: CmdClearLog})
	if err != nil {
		return err
	}
	return responseError(resp)
}

func (c *Client) Freeze(ctx context.Context, timeoutSec uint32) error {
	resp, err := c.Execute(ctx, &Request{Command: CmdFreeze, ValU32: timeoutSec})
	if err != nil {
		return err
	}
	return responseError(resp)
}

func (c *Client) Melt(ctx context.Context) error {
	resp, err := c.Execute(ctx, &Request{Command: CmdMelt})
	if err != nil {
		return err
	}
	return responseError(resp)
}

func (c *Client) IsFrozen(ctx context.Context) (bool, error) {
	resp, err := c.Execute(ctx, &Request{Command: CmdIsFrozen})
	if err != nil {
		return false, err
	}
	return resp.ValInt != 0, responseError(resp)
}

func (c *Client) Version(ctx context.Context) (uint32, error) {
	resp, err := c.Execute(ctx, &Request{Command: CmdVersion})
	if err != nil {
		return 0, err
	}
	return resp.ValU32, responseError(resp)
}

func (c *Client) GetGeo(ctx context.Context) (Geo, error) {
	resp, err := c.Execute(ctx, &Request{Command: CmdGetGeo})
	if err != nil {
		return Geo{}, err
	}
	if err := responseError(resp); err != nil {
		return Geo{}, err
	}
	return DecodeGeo(resp.BufOut)
}
