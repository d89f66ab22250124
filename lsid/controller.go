// Package lsid implements the seven-cursor LSID state machine: admission,
// durability tracking, and space accounting for the log ring.
//
// All seven cursors are protected by one mutex, per spec.md's Design Notes
// ("coarse spinlock over many cursors... splitting is unsafe, I1 straddles
// cursors"). This mirrors the teacher's own preference for a single
// critical section over closely related counters — compare
// asyncloguploader/shard.go's Shard.mu, which guards GetData/Reset
// together rather than per-field locks.
package lsid

import (
	"sync"
	"sync/atomic"

	"github.com/walbd/walb/walberrors"
)

// Set is an immutable snapshot of the seven cursors, used by
// Controller.Snapshot/Restore for clear-log rollback.
type Set struct {
	Oldest       uint64
	PrevWritten  uint64
	Written      uint64
	Permanent    uint64
	Completed    uint64
	Flush        uint64
	Latest       uint64
}

// HeaderValidator checks whether the log-pack header stored at lsid still
// validates (used by SetOldest per spec.md §4.1). Implemented by the
// caller (the engine owns the actual L reads); lsid stays free of I/O.
type HeaderValidator func(lsid uint64) bool

// Controller is the seven-cursor LSID state machine.
type Controller struct {
	mu             sync.Mutex
	cursors        Set
	ringBufferSize uint64

	readOnly atomic.Bool
}

// New creates a controller seeded from an initial Set (typically loaded
// from the superblock plus a full ring scan at attach).
func New(initial Set, ringBufferSize uint64) *Controller {
	return &Controller{cursors: initial, ringBufferSize: ringBufferSize}
}

// IsReadOnly reports the latched read-only flag. This is a one-way atomic:
// once set, only a successful clear_log sequence (via ClearReadOnly) unsets
// it.
func (c *Controller) IsReadOnly() bool { return c.readOnly.Load() }

// SetReadOnly latches the engine read-only. Idempotent.
func (c *Controller) SetReadOnly() { c.readOnly.Store(true) }

// ClearReadOnly is used only by a successful clear_log sequence.
func (c *Controller) ClearReadOnly() { c.readOnly.Store(false) }

// Reserve atomically returns the start LSID for n physical blocks and
// advances Latest by n, provided doing so would not violate I2
// (latest-oldest <= ring_buffer_size). On overflow it latches read-only
// and returns ErrLogOverflow.
func (c *Controller) Reserve(n uint64) (uint64, error) {
	if c.readOnly.Load() {
		return 0, walberrors.ErrReadOnly
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.cursors.Latest
	next := start + n
	if next-c.cursors.Oldest > c.ringBufferSize {
		c.readOnly.Store(true)
		return 0, walberrors.ErrLogOverflow
	}
	c.cursors.Latest = next
	return start, nil
}

// AdvanceCompleted monotonically bumps Completed; non-monotonic calls are
// no-ops, per spec.md §4.1.
func (c *Controller) AdvanceCompleted(upTo uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if upTo > c.cursors.Completed {
		c.cursors.Completed = upTo
	}
}

// AdvanceWritten monotonically bumps Written.
func (c *Controller) AdvanceWritten(upTo uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if upTo > c.cursors.Written {
		c.cursors.Written = upTo
	}
}

// AdvancePermanent monotonically bumps Permanent.
func (c *Controller) AdvancePermanent(upTo uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if upTo > c.cursors.Permanent {
		c.cursors.Permanent = upTo
	}
}

// AdvanceFlush monotonically bumps Flush.
func (c *Controller) AdvanceFlush(upTo uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if upTo > c.cursors.Flush {
		c.cursors.Flush = upTo
	}
}

// SetOldest implements spec.md §4.1's admission rule: permitted iff
// lsid == written, or (oldest <= lsid < written AND the header at lsid
// still validates). validate is called with the lock NOT held, since it
// may need to perform I/O; the caller is responsible for giving it a
// consistent view (the header at a given LSID never changes once written).
func (c *Controller) SetOldest(target uint64, validate HeaderValidator) error {
	c.mu.Lock()
	written := c.cursors.Written
	oldest := c.cursors.Oldest
	c.mu.Unlock()

	switch {
	case target == written:
		// always permitted
	case oldest <= target && target < written:
		if validate == nil || !validate(target) {
			c.readOnly.Store(true)
			return walberrors.ErrInvalidRange
		}
	default:
		return walberrors.ErrInvalidRange
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// SetOldest never moves oldest backward; a caller racing a
	// concurrent advance simply observes the newer value.
	if target > c.cursors.Oldest {
		c.cursors.Oldest = target
	}
	return nil
}

// MarkCheckpoint snapshots Written into PrevWritten, called by the
// checkpoint loop right before syncing the superblock.
func (c *Controller) MarkCheckpoint(writtenAtSync uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors.PrevWritten = writtenAtSync
}

// Snapshot returns a copy of the current cursor set.
func (c *Controller) Snapshot() Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors
}

// Restore overwrites the cursor set wholesale — used for clear_log rollback
// on failure, and for a successful clear_log's "zero all cursors" step.
func (c *Controller) Restore(s Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors = s
}

// SetRingBufferSize updates the ring size backing the overflow check,
// used by clear_log when the ring grows along with L.
func (c *Controller) SetRingBufferSize(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ringBufferSize = n
}

// LogUsage returns latest - oldest (GET_LOG_USAGE).
func (c *Controller) LogUsage() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors.Latest - c.cursors.Oldest
}

// LogCapacity returns the ring_buffer_size (GET_LOG_CAPACITY).
func (c *Controller) LogCapacity() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ringBufferSize
}

// IsLogOverflow reports whether latest-oldest has ever exceeded capacity;
// in practice this is equivalent to IsReadOnly-via-overflow, but exposed
// separately because a read-only latch can also originate from an L write
// failure (spec.md §7).
func (c *Controller) IsLogOverflow() bool {
	c.mu.Lock()
	usage := c.cursors.Latest - c.cursors.Oldest
	limit := c.ringBufferSize
	c.mu.Unlock()
	return usage > limit
}

// Oldest, Written, Permanent, Completed, Latest, Flush are narrow getters
// for the admin surface (GET_OLDEST_LSID etc.) and for the redo engine.
func (c *Controller) Oldest() uint64 { c.mu.Lock(); defer c.mu.Unlock(); return c.cursors.Oldest }
func (c *Controller) Written() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors.Written
}
func (c *Controller) Permanent() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors.Permanent
}
func (c *Controller) Completed() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors.Completed
}
func (c *Controller) Latest() uint64 { c.mu.Lock(); defer c.mu.Unlock(); return c.cursors.Latest }
func (c *Controller) Flush() uint64  { c.mu.Lock(); defer c.mu.Unlock(); return c.cursors.Flush }

// CheckInvariants verifies I1/I2 hold; used by tests.
func (c *Controller) CheckInvariants() bool {
	c.mu.Lock()
	s := c.cursors
	ring := c.ringBufferSize
	c.mu.Unlock()

	if !(s.Oldest <= s.PrevWritten && s.PrevWritten <= s.Written &&
		s.Written <= s.Permanent && s.Permanent <= s.Completed &&
		s.Completed <= s.Latest) {
		return false
	}
	if s.Flush > s.Latest {
		return false
	}
	if s.Latest-s.Oldest > ring {
		return false
	}
	return true
}
