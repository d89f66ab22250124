package admin

import (
	"context"
	"errors"

	"github.com/walbd/walb/lsid"
	"github.com/walbd/walb/logformat"
	"github.com/walbd/walb/snapshot"
	"github.com/walbd/walb/walberrors"
)

// Cursors is the narrow slice of lsid.Controller the admin surface reads
// and mutates (GET_*_LSID, GET_LOG_USAGE/CAPACITY, IS_LOG_OVERFLOW,
// SET_OLDEST_LSID).
type Cursors interface {
	Oldest() uint64
	Written() uint64
	Permanent() uint64
	Completed() uint64
	LogUsage() uint64
	LogCapacity() uint64
	IsLogOverflow() bool
	SetOldest(target uint64, validate lsid.HeaderValidator) error
}

// Dispatcher implements Server, translating wire Requests into calls
// against the engine's cursors, checkpoint loop, snapshot store, freeze
// interlock, and resize/clear_log paths. Resize/ClearLog/Freeze/Melt and
// the checkpoint/snapshot operations are function fields rather than
// interfaces because their real implementations (freeze.Resize,
// freeze.Interlock.ClearLog, checkpoint.Loop.TakeCheckpoint,
// snapshot.Store's methods) take or close over a bundle of device/
// geometry parameters that only the top-level engine knows how to
// assemble; Cursors alone maps cleanly onto lsid.Controller as-is.
type Dispatcher struct {
	Cursors Cursors
	Header  lsid.HeaderValidator

	TakeCheckpoint          func(ctx context.Context) error
	GetCheckpointIntervalMs func() uint32
	SetCheckpointIntervalMs func(ms uint32) error

	SnapshotAdd       func(name string, lsid uint64) (snapshot.Entry, error)
	SnapshotDel       func(name string) error
	SnapshotDelRange  func(begin, end uint64) (int, error)
	SnapshotGet       func(name string) (logformat.SnapshotRecord, bool)
	SnapshotNumRange  func(begin, end uint64) int
	SnapshotListRange func(begin, end uint64, limit int) ([]snapshot.Entry, uint64, bool)
	SnapshotListFrom  func(from uint64, limit int) ([]snapshot.Entry, uint64, bool)

	Resize   func(newSizeLBS uint64) error
	ClearLog func() error
	Freeze   func(timeoutSec int) error
	Melt     func() error
	IsFrozen func() bool

	DeviceSizeLBS func() uint64
}

// Execute dispatches req to the matching engine operation and returns a
// populated Response. Engine-level failures, unrecognized commands, and
// malformed payloads all surface as Response.Err (ErrInvalid for the last
// two), matching spec.md §6's request/response error channel; the error
// return is always nil.
func (d *Dispatcher) Execute(ctx context.Context, req *Request) (*Response, error) {
	switch req.Command {
	case CmdGetOldestLSID:
		return &Response{ValU64: d.Cursors.Oldest()}, nil
	case CmdGetWrittenLSID:
		return &Response{ValU64: d.Cursors.Written()}, nil
	case CmdGetPermanentLSID:
		return &Response{ValU64: d.Cursors.Permanent()}, nil
	case CmdGetCompletedLSID:
		return &Response{ValU64: d.Cursors.Completed()}, nil
	case CmdSetOldestLSID:
		if err := d.Cursors.SetOldest(req.ValU64, d.Header); err != nil {
			return errResponse(err), nil
		}
		return &Response{}, nil
	case CmdGetLogUsage:
		return &Response{ValU64: d.Cursors.LogUsage()}, nil
	case CmdGetLogCapacity:
		return &Response{ValU64: d.Cursors.LogCapacity()}, nil
	case CmdIsLogOverflow:
		return &Response{ValInt: boolToInt(d.Cursors.IsLogOverflow())}, nil

	case CmdTakeCheckpoint:
		if err := d.TakeCheckpoint(ctx); err != nil {
			return &Response{Err: ErrIO, ErrText: err.Error()}, nil
		}
		return &Response{}, nil
	case CmdGetCheckpointInterval:
		return &Response{ValU32: d.GetCheckpointIntervalMs()}, nil
	case CmdSetCheckpointInterval:
		if err := d.SetCheckpointIntervalMs(req.ValU32); err != nil {
			return errResponse(err), nil
		}
		return &Response{}, nil

	case CmdCreateSnapshot:
		name, lsidVal, err := decodeSnapshotCreate(req.BufIn)
		if err != nil {
			return &Response{Err: ErrInvalid, ErrText: err.Error()}, nil
		}
		if _, err := d.SnapshotAdd(name, lsidVal); err != nil {
			return errResponse(err), nil
		}
		return &Response{}, nil
	case CmdDeleteSnapshot:
		if err := d.SnapshotDel(string(req.BufIn)); err != nil {
			return errResponse(err), nil
		}
		return &Response{}, nil
	case CmdDeleteSnapshotRange:
		n, err := d.SnapshotDelRange(req.ValU64, req.ValU64B)
		if err != nil {
			return errResponse(err), nil
		}
		return &Response{ValInt: int32(n)}, nil
	case CmdGetSnapshot:
		rec, ok := d.SnapshotGet(string(req.BufIn))
		if !ok {
			return &Response{Err: ErrNotFound}, nil
		}
		return &Response{BufOut: encodeSnapshotRecord(rec)}, nil
	case CmdNumSnapshotRange:
		return &Response{ValInt: int32(d.SnapshotNumRange(req.ValU64, req.ValU64B))}, nil
	case CmdListSnapshotRange:
		entries, next, hasMore := d.SnapshotListRange(req.ValU64, req.ValU64B, int(req.ValU32))
		resp := &Response{BufOut: encodeEntries(entries), ValU64: next}
		if hasMore {
			resp.ValInt = 1
		}
		return resp, nil
	case CmdListSnapshotFrom:
		entries, next, hasMore := d.SnapshotListFrom(req.ValU64, int(req.ValU32))
		resp := &Response{BufOut: encodeEntries(entries), ValU64: next}
		if hasMore {
			resp.ValInt = 1
		}
		return resp, nil

	case CmdResize:
		if err := d.Resize(req.ValU64); err != nil {
			return errResponse(err), nil
		}
		return &Response{}, nil
	case CmdClearLog:
		if err := d.ClearLog(); err != nil {
			return &Response{Err: ErrIO, ErrText: err.Error()}, nil
		}
		return &Response{}, nil
	case CmdFreeze:
		if err := d.Freeze(int(req.ValU32)); err != nil {
			return errResponse(err), nil
		}
		return &Response{}, nil
	case CmdMelt:
		if err := d.Melt(); err != nil {
			return errResponse(err), nil
		}
		return &Response{}, nil
	case CmdIsFrozen:
		return &Response{ValInt: boolToInt(d.IsFrozen())}, nil

	case CmdVersion:
		return &Response{ValU32: EngineVersion}, nil
	case CmdGetGeo:
		return &Response{BufOut: encodeGeo(d.DeviceSizeLBS())}, nil
	default:
		return &Response{Err: ErrInvalid, ErrText: "unknown command"}, nil
	}
}

func boolToInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// errResponse maps a walberrors sentinel (or any other error) to the
// errno-flavored Response.Err taxonomy spec.md §7 describes.
func errResponse(err error) *Response {
	code := ErrInvalid
	switch {
	case errors.Is(err, walberrors.ErrNotFound):
		code = ErrNotFound
	case errors.Is(err, walberrors.ErrExists):
		code = ErrExists
	case errors.Is(err, walberrors.ErrNoSpace):
		code = ErrNoSpace
	case errors.Is(err, walberrors.ErrInvalidRange), errors.Is(err, walberrors.ErrInvalidName):
		code = ErrInvalid
	case errors.Is(err, walberrors.ErrStateRace):
		code = ErrAgain
	case errors.Is(err, walberrors.ErrIOFailure):
		code = ErrIO
	}
	return &Response{Err: code, ErrText: err.Error()}
}

// encodeGeo builds GETGEO's buf_out: {cylinders, heads, sectors, start},
// per spec.md §6's fixed geometry formula.
func encodeGeo(sizeLBS uint64) []byte {
	return encodeGeoFields(sizeLBS>>6, 4, 16, 4)
}
