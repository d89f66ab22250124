// Package freeze implements the three-state freeze/melt interlock (§4.6)
// that quiesces write admission and the checkpoint loop for administrative
// operations (clear_log, resize), plus clear_log and resize themselves.
//
// The quiesce-then-restore-on-failure sequencing is grounded on the
// teacher's Logger.Close drain sequence (asyncloguploader/logger.go):
// stop the ticker, signal done, drain in-flight work, then release —
// generalized here from a one-way shutdown to a reversible pause/resume.
package freeze

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/walbd/walb/blockdev"
	"github.com/walbd/walb/logformat"
	"github.com/walbd/walb/lsid"
	"github.com/walbd/walb/snapshot"
	"github.com/walbd/walb/walberrors"
)

// MaxFreezeTimeoutSec is the clamp on freeze(timeout_sec), per spec.md §4.6.
const MaxFreezeTimeoutSec = 86400

// State is the freeze interlock's three-state machine.
type State int32

const (
	StateMelted State = iota
	StateFreezed
	StateFreezedWithTimeout
)

func (s State) String() string {
	switch s {
	case StateMelted:
		return "MELTED"
	case StateFreezed:
		return "FREEZED"
	case StateFreezedWithTimeout:
		return "FREEZED_WITH_TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Admission is implemented by iocore.Pipeline: Pause blocks new admissions,
// Resume releases them.
type Admission interface {
	Pause()
	Resume()
}

// Checkpointer is implemented by checkpoint.Loop.
type Checkpointer interface {
	Start()
	Stop()
}

// Interlock owns the freeze state machine. One Interlock guards one
// attached device's admission and checkpoint loop.
type Interlock struct {
	mu          sync.Mutex // freeze_lock: serializes Freeze/Melt/ClearLog
	state       atomic.Int32
	timer       *time.Timer
	admission   Admission
	checkpoints Checkpointer
}

// New constructs an Interlock in the MELTED state.
func New(admission Admission, checkpoints Checkpointer) *Interlock {
	return &Interlock{admission: admission, checkpoints: checkpoints}
}

// State reports the current freeze state.
func (f *Interlock) State() State { return State(f.state.Load()) }

// Freeze pauses admission and the checkpoint loop. timeoutSec == 0 means
// manual (no scheduled melt); otherwise a melt task is scheduled after
// timeoutSec, clamped to MaxFreezeTimeoutSec.
func (f *Interlock) Freeze(timeoutSec int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if State(f.state.Load()) != StateMelted {
		return fmt.Errorf("freeze: already frozen (state=%s)", f.State())
	}

	f.admission.Pause()
	f.checkpoints.Stop()

	if timeoutSec <= 0 {
		f.state.Store(int32(StateFreezed))
		return nil
	}
	if timeoutSec > MaxFreezeTimeoutSec {
		timeoutSec = MaxFreezeTimeoutSec
	}
	f.state.Store(int32(StateFreezedWithTimeout))
	f.timer = time.AfterFunc(time.Duration(timeoutSec)*time.Second, f.timeoutMelt)
	return nil
}

// timeoutMelt runs when a scheduled freeze timeout fires.
func (f *Interlock) timeoutMelt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if State(f.state.Load()) != StateFreezedWithTimeout {
		return // already melted manually or superseded
	}
	f.timer = nil
	f.meltLocked()
}

// Melt cancels any pending melt task and restarts checkpointing and
// admission. Returns walberrors.ErrStateRace if the timeout task fired (or
// is firing) concurrently — the caller lost the race, though the engine
// still melts via the timer.
func (f *Interlock) Melt() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch State(f.state.Load()) {
	case StateFreezed:
		f.meltLocked()
		return nil
	case StateFreezedWithTimeout:
		if f.timer != nil && !f.timer.Stop() {
			return walberrors.ErrStateRace
		}
		f.timer = nil
		f.meltLocked()
		return nil
	default:
		return fmt.Errorf("freeze: not frozen (state=%s)", f.State())
	}
}

// meltLocked resumes admission and checkpointing and returns to MELTED.
// Caller holds f.mu.
func (f *Interlock) meltLocked() {
	f.checkpoints.Start()
	f.admission.Resume()
	f.state.Store(int32(StateMelted))
}

// ClearLogParams bundles everything ClearLog needs to rewrite the
// superblock and invalidate the log ring.
type ClearLogParams struct {
	Ctrl            *lsid.Controller
	LogDev          blockdev.Device
	Snapshots       *snapshot.Store
	SectorSize      int
	PrimarySector   uint64
	SecondarySector uint64
	RingStart       uint64
	NewRingSize     uint64 // 0 keeps the existing ring size
	Template        logformat.Superblock
}

// ClearLog implements spec.md §4.6's clear_log: requires the interlock be
// frozen, captures the current cursor set for rollback, zeros all cursors,
// optionally grows the ring, regenerates uuid/salt, rewrites the
// superblock, invalidates LSID 0's header, drops all snapshots, clears the
// read-only latch, and melts. On any failure the captured cursor set is
// restored and the engine remains read-only.
func (f *Interlock) ClearLog(p ClearLogParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if State(f.state.Load()) == StateMelted {
		return fmt.Errorf("freeze: clear_log requires freeze")
	}

	captured := p.Ctrl.Snapshot()
	rollback := func(cause error) error {
		p.Ctrl.Restore(captured)
		p.Ctrl.SetReadOnly()
		return fmt.Errorf("freeze: clear_log failed, restored prior LSID set: %w", cause)
	}

	if p.NewRingSize > 0 {
		p.Ctrl.SetRingBufferSize(p.NewRingSize)
	}
	p.Ctrl.Restore(lsid.Set{})

	newUUID := uuid.New()
	saltSource := uuid.New()
	salt := binary.LittleEndian.Uint32(saltSource[:4])

	sb := p.Template
	copy(sb.UUID[:], newUUID[:])
	sb.LogChecksumSalt = salt
	sb.OldestLSID = 0
	sb.WrittenLSID = 0
	if p.NewRingSize > 0 {
		sb.RingBufferSize = p.NewRingSize
	}

	buf := sb.Marshal(p.SectorSize)
	if _, err := p.LogDev.WriteVectored([][]byte{buf}, int64(p.PrimarySector)*int64(p.SectorSize)); err != nil {
		return rollback(err)
	}
	if err := p.LogDev.Flush(); err != nil {
		return rollback(err)
	}
	if _, err := p.LogDev.WriteVectored([][]byte{buf}, int64(p.SecondarySector)*int64(p.SectorSize)); err != nil {
		return rollback(err)
	}
	if err := p.LogDev.Flush(); err != nil {
		return rollback(err)
	}

	zero := make([]byte, p.SectorSize)
	if _, err := p.LogDev.WriteVectored([][]byte{zero}, int64(p.RingStart)*int64(p.SectorSize)); err != nil {
		return rollback(err)
	}

	if p.Snapshots != nil {
		for _, e := range p.Snapshots.Entries() {
			_ = p.Snapshots.Del(e.Name) // best-effort; a concurrent Del racing us is not an error here
		}
	}

	p.Ctrl.ClearReadOnly()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.meltLocked()
	return nil
}

// ResizeParams bundles what Resize needs to grow the device and persist it.
type ResizeParams struct {
	LogDev          blockdev.Device
	SectorSize      int
	PrimarySector   uint64
	SecondarySector uint64
	Superblock      *logformat.Superblock
	DataCapacityLBS uint64
}

// Resize implements spec.md §4.6's resize: grow-only, bounded by D's
// capacity, republishing device_size via both superblock copies.
func Resize(p ResizeParams, newSizeLBS uint64) error {
	if newSizeLBS < p.Superblock.DeviceSize {
		return fmt.Errorf("%w: resize only grows (have %d, want %d)", walberrors.ErrInvalidRange, p.Superblock.DeviceSize, newSizeLBS)
	}
	if newSizeLBS > p.DataCapacityLBS {
		return fmt.Errorf("%w: new size %d exceeds data device capacity %d", walberrors.ErrInvalidRange, newSizeLBS, p.DataCapacityLBS)
	}

	p.Superblock.DeviceSize = newSizeLBS
	buf := p.Superblock.Marshal(p.SectorSize)

	if _, err := p.LogDev.WriteVectored([][]byte{buf}, int64(p.PrimarySector)*int64(p.SectorSize)); err != nil {
		return fmt.Errorf("freeze: resize: write primary superblock: %w", err)
	}
	if err := p.LogDev.Flush(); err != nil {
		return fmt.Errorf("freeze: resize: flush primary superblock: %w", err)
	}
	if _, err := p.LogDev.WriteVectored([][]byte{buf}, int64(p.SecondarySector)*int64(p.SectorSize)); err != nil {
		return fmt.Errorf("freeze: resize: write secondary superblock: %w", err)
	}
	if err := p.LogDev.Flush(); err != nil {
		return fmt.Errorf("freeze: resize: flush secondary superblock: %w", err)
	}
	return nil
}
