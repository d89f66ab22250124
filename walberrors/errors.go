// Package walberrors enumerates the behavioral error kinds of the WAL engine.
package walberrors

import "errors"

var (
	// ErrReadOnly is returned by any admission path once the engine has
	// latched read-only (log-overflow, an L write failure, or a set_oldest
	// pointing at a header that no longer validates).
	ErrReadOnly = errors.New("walb: engine is read-only")

	// ErrLogOverflow is returned by reserve when latest-oldest would exceed
	// ring_buffer_size.
	ErrLogOverflow = errors.New("walb: log device overflow")

	// ErrNotFound covers unknown snapshot names and absent records.
	ErrNotFound = errors.New("walb: not found")

	// ErrExists is returned when a snapshot name is already taken.
	ErrExists = errors.New("walb: already exists")

	// ErrNoSpace is returned when the snapshot sector region has no free slot.
	ErrNoSpace = errors.New("walb: no space left")

	// ErrInvalidRange covers set_oldest/resize/list requests outside their
	// permitted bounds.
	ErrInvalidRange = errors.New("walb: invalid range")

	// ErrInvalidName is returned by the snapshot name validator.
	ErrInvalidName = errors.New("walb: invalid snapshot name")

	// ErrStateRace is returned when a freeze/melt operation loses a race
	// against a timeout-driven melt.
	ErrStateRace = errors.New("walb: state race")

	// ErrMetadataInvalid is returned at attach when neither superblock copy
	// validates.
	ErrMetadataInvalid = errors.New("walb: superblock metadata invalid")

	// ErrChecksumMismatch is returned by codecs on a failed CRC check.
	ErrChecksumMismatch = errors.New("walb: checksum mismatch")

	// ErrClosed is returned by any operation attempted after Close/detach.
	ErrClosed = errors.New("walb: device closed")

	// ErrIOFailure covers a Transient-D failure: a data-device submission
	// error surfaced to the caller without latching the engine read-only.
	ErrIOFailure = errors.New("walb: I/O failure")
)
