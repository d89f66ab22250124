// Package checkpoint implements the periodic superblock sync loop (§4.4):
// a cooperative background worker that snapshots the durable LSID state
// into the duplicated primary/secondary superblock sectors, bounding
// startup redo time.
//
// The ticker-plus-done-channel worker and the CAS-guarded start/stop pair
// are grounded on the teacher's Logger.tickerWorker/flushWorker split and
// Logger.Close's "CompareAndSwap then drain" shutdown sequence
// (asyncloguploader/logger.go).
package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/walbd/walb/blockdev"
	"github.com/walbd/walb/logformat"
	"github.com/walbd/walb/lsid"
	"github.com/walbd/walb/telemetry"
)

// State is the checkpoint loop's lifecycle state, reported by Loop.State.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
	StateWaiting // a manual TakeCheckpoint is in progress, ticker paused
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateWaiting:
		return "WAITING"
	default:
		return "UNKNOWN"
	}
}

// Loop owns the periodic checkpoint timer and the superblock write path.
type Loop struct {
	logDev     blockdev.Device
	ctrl       *lsid.Controller
	sectorSize int

	primarySector   uint64
	secondarySector uint64

	template logformat.Superblock // UUID, salt, device geometry: unchanging fields

	interval time.Duration
	ticker   *time.Ticker
	done     chan struct{}
	stopped  chan struct{}

	mu sync.Mutex // serializes concurrent TakeCheckpoint calls

	state atomic.Int32

	counters telemetry.Counters
}

// New constructs a checkpoint Loop. template carries the superblock's
// static fields (UUID, format version, sector size, salt, device size);
// only OldestLSID/WrittenLSID are refreshed on each sync.
func New(logDev blockdev.Device, ctrl *lsid.Controller, sectorSize int, primarySector, secondarySector uint64, template logformat.Superblock, interval time.Duration, counters telemetry.Counters) *Loop {
	return &Loop{
		logDev:          logDev,
		ctrl:            ctrl,
		sectorSize:      sectorSize,
		primarySector:   primarySector,
		secondarySector: secondarySector,
		template:        template,
		interval:        interval,
		done:            make(chan struct{}),
		stopped:         make(chan struct{}),
		counters:        counters,
	}
}

// Start begins the periodic checkpoint loop. A zero interval disables the
// ticker; TakeCheckpoint remains available for manual/administrative use
// (the TAKE_CHECKPOINT admin command).
func (l *Loop) Start() {
	if !l.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return // already running
	}
	if l.interval <= 0 {
		return
	}
	l.done = make(chan struct{})
	l.stopped = make(chan struct{})
	l.ticker = time.NewTicker(l.interval)
	go l.run()
}

func (l *Loop) run() {
	defer close(l.stopped)
	for {
		select {
		case <-l.ticker.C:
			_ = l.TakeCheckpoint(context.Background())
		case <-l.done:
			l.ticker.Stop()
			return
		}
	}
}

// TakeCheckpoint synchronously writes a fresh superblock reflecting the
// current oldest/written LSID pair, per spec.md §4.4: snapshot
// written_lsid into prev_written, write the primary copy, flush, write the
// secondary copy, flush. A crash between the two writes still leaves one
// valid copy to redo from.
func (l *Loop) TakeCheckpoint(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.state.Swap(int32(StateWaiting))
	defer l.state.Store(prev)

	written := l.ctrl.Written()
	oldest := l.ctrl.Oldest()
	l.ctrl.MarkCheckpoint(written)

	sb := l.template
	sb.OldestLSID = oldest
	sb.WrittenLSID = written

	buf := sb.Marshal(l.sectorSize)

	if _, err := l.logDev.WriteVectored([][]byte{buf}, int64(l.primarySector)*int64(l.sectorSize)); err != nil {
		return fmt.Errorf("checkpoint: write primary superblock: %w", err)
	}
	if err := l.logDev.Flush(); err != nil {
		return fmt.Errorf("checkpoint: flush after primary superblock: %w", err)
	}
	if _, err := l.logDev.WriteVectored([][]byte{buf}, int64(l.secondarySector)*int64(l.sectorSize)); err != nil {
		return fmt.Errorf("checkpoint: write secondary superblock: %w", err)
	}
	if err := l.logDev.Flush(); err != nil {
		return fmt.Errorf("checkpoint: flush after secondary superblock: %w", err)
	}

	if l.counters.CheckpointsTaken != nil {
		l.counters.CheckpointsTaken.Add(ctx, 1)
	}
	return nil
}

// Stop drains the loop and blocks until the background goroutine exits.
// Idempotent.
func (l *Loop) Stop() {
	if !l.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		if State(l.state.Load()) == StateStopped {
			return
		}
	}
	select {
	case <-l.done:
		// already signaled
	default:
		close(l.done)
	}
	if l.ticker != nil {
		<-l.stopped
	}
	l.state.Store(int32(StateStopped))
}

// State reports the loop's current lifecycle state.
func (l *Loop) State() State { return State(l.state.Load()) }

// Interval returns the current checkpoint tick interval, for the
// GET_CHECKPOINT_INTERVAL admin command.
func (l *Loop) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// SetInterval updates the tick interval for the SET_CHECKPOINT_INTERVAL
// admin command, resetting the live ticker if the loop is running.
func (l *Loop) SetInterval(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interval = d
	if l.ticker != nil && d > 0 {
		l.ticker.Reset(d)
	}
}
