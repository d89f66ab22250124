// Package iocore implements the write pipeline: admission (coalescing host
// writes into a log pack and reserving an LSID range), dual submission of
// the pack to the log device (L) and the data device (D), completion
// cursor advancement, and backpressure.
//
// The pending-sector counter and poll-with-timeout backpressure are grounded
// on the teacher's Shard/ShardCollection readiness bookkeeping
// (asyncloguploader/shard.go, shard_collection.go) generalized from
// in-memory buffer fullness to in-flight D-write sectors; the periodic
// flush racing time-vs-threshold mirrors Logger's tickerWorker/flushWorker
// split (asyncloguploader/logger.go).
package iocore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/walbd/walb/blockdev"
	"github.com/walbd/walb/logformat"
	"github.com/walbd/walb/lsid"
	"github.com/walbd/walb/telemetry"
	"github.com/walbd/walb/walbconfig"
	"github.com/walbd/walb/walberrors"
)

// WriteRequest is one host-visible write or discard admitted into the
// pipeline.
type WriteRequest struct {
	Offset  uint64 // host-visible offset, in LBS units
	Data    []byte // nil for Discard
	Discard bool
	FUA     bool // force-unit-access: host ack requires Permanent >= record end
}

// Pipeline is the write pipeline for one attached device.
type Pipeline struct {
	cfg    walbconfig.Config
	lsids  *lsid.Controller
	logDev blockdev.Device
	dataDev blockdev.Device

	ringStart uint64 // sectors, start of the ring region on L
	ringSize  uint64 // sectors
	salt      uint32
	physicalBS int

	pendingSectors atomic.Int64

	mu sync.Mutex // serializes admission to keep LSID reservation and pack submission order-consistent

	unflushedPB  atomic.Int64 // physical blocks written to L since last flush
	dAcked       uint64       // highest end-LSID D has acknowledged; guarded by mu
	flushDone    chan struct{}
	flushStopped chan struct{}

	paused atomic.Bool // set by the freeze interlock to quiesce admission

	counters telemetry.Counters
}

// New constructs a Pipeline over already-opened L and D devices, assuming
// the LSID controller has been seeded from the superblock/redo pass.
func New(cfg walbconfig.Config, lsids *lsid.Controller, logDev, dataDev blockdev.Device, ringStart, ringSize uint64, salt uint32) *Pipeline {
	p := &Pipeline{
		cfg:         cfg,
		lsids:       lsids,
		logDev:      logDev,
		dataDev:     dataDev,
		ringStart:   ringStart,
		ringSize:    ringSize,
		salt:        salt,
		physicalBS:  cfg.SectorSize,
		flushDone:   make(chan struct{}),
		flushStopped: make(chan struct{}),
	}
	if cfg.LogFlushIntervalMs > 0 {
		go p.flushTicker()
	}
	return p
}

// recordPlan is an admitted request paired with its assigned logformat.Record.
type recordPlan struct {
	req WriteRequest
	rec logformat.Record
}

// Admit builds one log pack from reqs, reserves its LSID range, and
// submits it to L and D. It blocks until both submissions acknowledge
// (synchronous acknowledgment model; FUA additionally waits for an
// L-flush before returning).
//
// Admit serializes internally: only one pack is under construction at a
// time, matching spec.md's admission-order LSID monotonicity guarantee.
func (p *Pipeline) Admit(reqs []WriteRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	p.waitWhileFrozen()
	if err := p.waitForBackpressure(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	plans, totalPB, err := p.planRecords(reqs)
	if err != nil {
		return err
	}
	if totalPB > uint64(p.cfg.MaxLogpackPB) {
		return fmt.Errorf("iocore: pack of %d physical blocks exceeds MaxLogpackPB %d", totalPB, p.cfg.MaxLogpackPB)
	}

	packSectors := uint64(1) + totalPB
	startLSID, err := p.lsids.Reserve(packSectors)
	if err != nil {
		return err
	}

	header := &logformat.PackHeader{LogpackLSID: startLSID, TotalIOSize: uint32(totalPB)}
	lsidLocal := uint16(1)
	for i := range plans {
		plans[i].rec.LSID = startLSID + uint64(lsidLocal)
		plans[i].rec.LSIDLocal = lsidLocal
		if !plans[i].rec.IsDiscard() && !plans[i].rec.IsPadding() {
			lsidLocal += uint16(plans[i].rec.IOSizeInPhysicalBlocks(p.physicalBS))
		}
		header.Records = append(header.Records, plans[i].rec)
	}

	if err := p.submitToL(header, plans); err != nil {
		p.lsids.SetReadOnly()
		return fmt.Errorf("%w: %v", walberrors.ErrReadOnly, err)
	}
	endLSID := startLSID + packSectors
	p.lsids.AdvanceCompleted(endLSID)

	var pendingLBS int64
	for _, pl := range plans {
		pendingLBS += int64(pl.rec.IOSize)
	}
	p.pendingSectors.Add(pendingLBS)
	if err := p.submitToD(plans); err != nil {
		// Transient-D: surfaced to caller, engine stays writable.
		p.pendingSectors.Add(-pendingLBS)
		return fmt.Errorf("%w: %v", walberrors.ErrIOFailure, err)
	}
	p.pendingSectors.Add(-pendingLBS)
	// D has acknowledged through endLSID, but I1 (written <= permanent)
	// forbids advancing Written until a flush has made L durable at least
	// that far; dAcked just remembers the high-water mark for flushL to
	// pick up, here or on a later flush.
	p.dAcked = endLSID

	p.unflushedPB.Add(int64(packSectors))
	needsFUAFlush := false
	for _, pl := range plans {
		if pl.req.FUA {
			needsFUAFlush = true
		}
	}
	if needsFUAFlush || p.unflushedPB.Load() >= int64(p.cfg.LogFlushIntervalPB) {
		if err := p.flushL(endLSID); err != nil {
			p.lsids.SetReadOnly()
			return fmt.Errorf("%w: %v", walberrors.ErrReadOnly, err)
		}
	}

	if p.counters.PacksAdmitted != nil {
		p.counters.PacksAdmitted.Add(context.Background(), 1)
	}
	return nil
}

// planRecords converts requests into records with checksums and payload
// buffers. A pack that straddles the ring's wrap point is not padded to
// avoid the wrap; submitToL instead splits the L write across the boundary.
func (p *Pipeline) planRecords(reqs []WriteRequest) ([]recordPlan, uint64, error) {
	plans := make([]recordPlan, 0, len(reqs))
	var totalPB uint64

	for _, req := range reqs {
		if req.Discard {
			plans = append(plans, recordPlan{req: req, rec: logformat.Record{
				Flags: logformat.FlagExist | logformat.FlagDiscard,
				Offset: req.Offset,
			}})
			continue
		}
		if len(req.Data)%logformat.LBS != 0 {
			return nil, 0, fmt.Errorf("iocore: payload length %d not a multiple of LBS", len(req.Data))
		}
		ioSizeLBS := uint32(len(req.Data) / logformat.LBS)
		rec := logformat.Record{
			Flags:  logformat.FlagExist,
			Offset: req.Offset,
			IOSize: ioSizeLBS,
		}
		rec.Checksum = logformat.Checksum(req.Data, p.salt)
		plans = append(plans, recordPlan{req: req, rec: rec})
		totalPB += uint64(rec.IOSizeInPhysicalBlocks(p.physicalBS))
	}
	return plans, totalPB, nil
}

// submitToL writes the header sector and payload sectors to L, splitting
// into two segments when the pack straddles the ring's wrap point.
func (p *Pipeline) submitToL(header *logformat.PackHeader, plans []recordPlan) error {
	buf, err := header.Marshal(p.physicalBS, p.salt)
	if err != nil {
		return err
	}
	for _, pl := range plans {
		if pl.rec.IsDiscard() || pl.rec.IsPadding() {
			continue
		}
		buf = append(buf, pl.req.Data...)
	}

	packSectors := int64(len(buf) / p.physicalBS)
	startOffset := logformat.Offset(header.LogpackLSID, p.ringStart, p.ringSize)
	endSector := (header.LogpackLSID % p.ringSize) + uint64(packSectors)

	if endSector <= p.ringSize {
		_, err := p.logDev.WriteVectored([][]byte{buf}, int64(startOffset)*int64(p.physicalBS))
		return err
	}

	// Wraps: split at the ring boundary.
	firstSectors := p.ringSize - (header.LogpackLSID % p.ringSize)
	splitByte := int(firstSectors) * p.physicalBS
	if _, err := p.logDev.WriteVectored([][]byte{buf[:splitByte]}, int64(startOffset)*int64(p.physicalBS)); err != nil {
		return err
	}
	_, err = p.logDev.WriteVectored([][]byte{buf[splitByte:]}, int64(p.ringStart)*int64(p.physicalBS))
	return err
}

// submitToD writes each record's payload to D at its host-visible offset,
// optionally sorted by offset for sequential throughput. Discard records
// issue a DISCARD instead of a write; padding records carry no D work.
func (p *Pipeline) submitToD(plans []recordPlan) error {
	ordered := plans
	if p.cfg.IsSortDataIO {
		ordered = make([]recordPlan, len(plans))
		copy(ordered, plans)
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].rec.Offset < ordered[j].rec.Offset })
	}

	var wg sync.WaitGroup
	errs := make([]error, len(ordered))
	for i, pl := range ordered {
		if pl.rec.IsPadding() {
			continue
		}
		wg.Add(1)
		go func(i int, pl recordPlan) {
			defer wg.Done()
			off := int64(pl.rec.Offset) * int64(logformat.LBS)
			if pl.rec.IsDiscard() {
				errs[i] = p.dataDev.Discard(off, int64(pl.rec.IOSize)*int64(logformat.LBS))
				return
			}
			_, errs[i] = p.dataDev.WriteVectored([][]byte{pl.req.Data}, off)
		}(i, pl)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// flushL issues an L-flush and advances Permanent to upTo, then catches
// Written up to whatever D has already acknowledged (never past Permanent,
// per I1: written <= permanent).
func (p *Pipeline) flushL(upTo uint64) error {
	if err := p.logDev.Flush(); err != nil {
		return err
	}
	p.lsids.AdvancePermanent(upTo)
	written := p.dAcked
	if upTo < written {
		written = upTo
	}
	p.lsids.AdvanceWritten(written)
	p.unflushedPB.Store(0)
	if p.counters.LFlushes != nil {
		p.counters.LFlushes.Add(context.Background(), 1)
	}
	return nil
}

// waitForBackpressure blocks admission while PendingSectors() exceeds
// MaxPendingSectors, resuming once it falls below MinPendingSectors or
// QueueStopTimeout elapses (spec.md §4.2).
func (p *Pipeline) waitForBackpressure() error {
	if uint64(p.pendingSectors.Load()) <= p.cfg.MaxPendingSectors {
		return nil
	}
	if p.counters.BackpressureHit != nil {
		p.counters.BackpressureHit.Add(context.Background(), 1)
	}
	deadline := time.Now().Add(p.cfg.QueueStopTimeout)
	for time.Now().Before(deadline) {
		if uint64(p.pendingSectors.Load()) <= p.cfg.MinPendingSectors {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return nil // timeout elapses: admission proceeds regardless, per spec
}

// PendingSectors returns the current count of LBS sectors submitted to D
// but not yet acknowledged.
func (p *Pipeline) PendingSectors() uint64 { return uint64(p.pendingSectors.Load()) }

// FlushPending issues a final L-flush for any pack admitted since the last
// flush, catching Permanent (and, transitively, Written) up to the highest
// L-submitted LSID. Called at detach so a clean Close never leaves I1
// satisfied only because Written lagged behind un-flushed data.
func (p *Pipeline) FlushPending() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unflushedPB.Load() == 0 {
		return nil
	}
	return p.flushL(p.lsids.Completed())
}

// Pause quiesces admission: Admit blocks new packs until Resume is called.
// Reads bypass the pipeline entirely and are unaffected. Used by the
// freeze interlock.
func (p *Pipeline) Pause() { p.paused.Store(true) }

// Resume releases admission paused by Pause.
func (p *Pipeline) Resume() { p.paused.Store(false) }

// waitWhileFrozen blocks Admit while the pipeline is paused.
func (p *Pipeline) waitWhileFrozen() {
	for p.paused.Load() {
		time.Sleep(time.Millisecond)
	}
}

// flushTicker issues a time-driven L-flush every LogFlushIntervalMs,
// independent of the byte-threshold flush in Admit. Mirrors the teacher's
// tickerWorker/flushWorker split (logger.go).
func (p *Pipeline) flushTicker() {
	ticker := time.NewTicker(p.cfg.LogFlushIntervalMs)
	defer ticker.Stop()
	defer close(p.flushStopped)

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if p.unflushedPB.Load() > 0 {
				_ = p.flushL(p.lsids.Completed())
			}
			p.mu.Unlock()
		case <-p.flushDone:
			return
		}
	}
}

// Close stops the background flush ticker.
func (p *Pipeline) Close() {
	select {
	case <-p.flushDone:
		// already closed
	default:
		close(p.flushDone)
		if p.cfg.LogFlushIntervalMs > 0 {
			<-p.flushStopped
		}
	}
}
