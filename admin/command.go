// Package admin implements the WAL engine's administrative command set
// (spec.md §6) as a single gRPC control channel: one Request message
// carrying {command, val_int, val_u32, val_u64, buf_in} dispatches to one
// of the commands below and returns one Response message carrying
// {val_u64, val_u32, val_int, buf_out, error_code}.
//
// gRPC service wiring is grounded on the teacher's server/main.go
// (grpc.NewServer, graceful shutdown) and client/main.go (grpc.NewClient),
// generalized from the teacher's single RandomNumberService RPC to a
// dispatch-on-command-field shape matching the admin surface spec.md
// describes as "dispatch on a single control channel" rather than one RPC
// method per command. Wire encoding is hand-written protobuf (varint/
// length-delimited field encoding via google.golang.org/protobuf/encoding/
// protowire) rather than protoc-generated stubs, since no .proto source
// accompanies the teacher's own generated pb package.
package admin

// Command identifies one administrative operation.
type Command uint32

const (
	CmdGetOldestLSID Command = iota + 1
	CmdGetWrittenLSID
	CmdGetPermanentLSID
	CmdGetCompletedLSID
	CmdSetOldestLSID
	CmdGetLogUsage
	CmdGetLogCapacity
	CmdIsLogOverflow
	CmdTakeCheckpoint
	CmdGetCheckpointInterval
	CmdSetCheckpointInterval
	CmdCreateSnapshot
	CmdDeleteSnapshot
	CmdDeleteSnapshotRange
	CmdGetSnapshot
	CmdNumSnapshotRange
	CmdListSnapshotRange
	CmdListSnapshotFrom
	CmdResize
	CmdClearLog
	CmdFreeze
	CmdMelt
	CmdIsFrozen
	CmdVersion
	CmdGetGeo
)

func (c Command) String() string {
	switch c {
	case CmdGetOldestLSID:
		return "GET_OLDEST_LSID"
	case CmdGetWrittenLSID:
		return "GET_WRITTEN_LSID"
	case CmdGetPermanentLSID:
		return "GET_PERMANENT_LSID"
	case CmdGetCompletedLSID:
		return "GET_COMPLETED_LSID"
	case CmdSetOldestLSID:
		return "SET_OLDEST_LSID"
	case CmdGetLogUsage:
		return "GET_LOG_USAGE"
	case CmdGetLogCapacity:
		return "GET_LOG_CAPACITY"
	case CmdIsLogOverflow:
		return "IS_LOG_OVERFLOW"
	case CmdTakeCheckpoint:
		return "TAKE_CHECKPOINT"
	case CmdGetCheckpointInterval:
		return "GET_CHECKPOINT_INTERVAL"
	case CmdSetCheckpointInterval:
		return "SET_CHECKPOINT_INTERVAL"
	case CmdCreateSnapshot:
		return "CREATE_SNAPSHOT"
	case CmdDeleteSnapshot:
		return "DELETE_SNAPSHOT"
	case CmdDeleteSnapshotRange:
		return "DELETE_SNAPSHOT_RANGE"
	case CmdGetSnapshot:
		return "GET_SNAPSHOT"
	case CmdNumSnapshotRange:
		return "NUM_OF_SNAPSHOT_RANGE"
	case CmdListSnapshotRange:
		return "LIST_SNAPSHOT_RANGE"
	case CmdListSnapshotFrom:
		return "LIST_SNAPSHOT_FROM"
	case CmdResize:
		return "RESIZE"
	case CmdClearLog:
		return "CLEAR_LOG"
	case CmdFreeze:
		return "FREEZE"
	case CmdMelt:
		return "MELT"
	case CmdIsFrozen:
		return "IS_FROZEN"
	case CmdVersion:
		return "VERSION"
	case CmdGetGeo:
		return "GETGEO"
	default:
		return "UNKNOWN"
	}
}

// ErrorCode mirrors the errno-flavored error taxonomy spec.md §6/§7 use for
// the admin surface.
type ErrorCode uint32

const (
	ErrNone ErrorCode = iota
	ErrInvalid
	ErrNotFound
	ErrExists
	ErrNoSpace
	ErrIO
	ErrAgain
)

func (e ErrorCode) String() string {
	switch e {
	case ErrNone:
		return ""
	case ErrInvalid:
		return "EINVAL"
	case ErrNotFound:
		return "ENOENT"
	case ErrExists:
		return "EEXIST"
	case ErrNoSpace:
		return "ENOSPC"
	case ErrIO:
		return "EIO"
	case ErrAgain:
		return "EAGAIN"
	default:
		return "UNKNOWN"
	}
}

// EngineVersion is reported by the VERSION admin command.
const EngineVersion uint32 = 1
