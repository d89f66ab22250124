// Package redo implements the sequential startup replay of log packs into
// the data device, from the last-known written LSID through to the end of
// valid log.
//
// The scan-until-invalid-header loop and partial-tail truncation are
// grounded on cobaltdb's WAL.Recover/readRecord (stop on the first
// checksum failure, treat it as end-of-log) and HundDB's
// ReconstructMemtable/processBlock fragment-reassembly shape (replay a
// validated prefix of a partially-written unit, discard the remainder).
package redo

import (
	"fmt"

	"github.com/walbd/walb/blockdev"
	"github.com/walbd/walb/logformat"
	"github.com/walbd/walb/lsid"
)

// Result summarizes one redo pass.
type Result struct {
	PacksReplayed   int
	RecordsReplayed int
	FinalLSID       uint64 // cursor after the last valid pack; every cursor but Oldest converges here
	PartialTail     bool   // true if the final pack was truncated by checksum failure
}

// Engine replays log packs from L into D at attach time.
type Engine struct {
	logDev     blockdev.Device
	dataDev    blockdev.Device
	ringStart  uint64
	ringSize   uint64
	salt       uint32
	physicalBS int
}

// New constructs a redo Engine over the given devices and ring geometry.
func New(logDev, dataDev blockdev.Device, ringStart, ringSize uint64, salt uint32, physicalBS int) *Engine {
	return &Engine{logDev: logDev, dataDev: dataDev, ringStart: ringStart, ringSize: ringSize, salt: salt, physicalBS: physicalBS}
}

// Run executes the redo algorithm (§4.3) starting at writtenLSID, and
// advances every cursor in ctrl except Oldest to the end-of-log position on
// successful completion. The scan is strictly sequential and
// single-threaded; no host I/O may be admitted while Run executes.
func (e *Engine) Run(writtenLSID uint64, ctrl *lsid.Controller) (Result, error) {
	cursor := writtenLSID
	var result Result

	for {
		header, ok, err := e.readValidHeader(cursor)
		if err != nil {
			return result, err
		}
		if !ok {
			break // end of valid log
		}

		validRecords, partial := e.replayPack(header)
		result.PacksReplayed++
		result.RecordsReplayed += validRecords

		packSectors := header.PackSizeSectors(e.physicalBS)
		if partial {
			header.TruncateRecords(validRecords)
			if err := e.rewriteHeader(header); err != nil {
				return result, fmt.Errorf("redo: rewrite truncated header at lsid %d: %w", cursor, err)
			}
			result.PartialTail = true
			// Only the truncated records' physical blocks remain valid;
			// recompute pack size from the surviving prefix.
			packSectors = header.PackSizeSectors(e.physicalBS)
			cursor += packSectors
			break
		}

		cursor += packSectors
	}

	result.FinalLSID = cursor
	ctrl.Restore(lsid.Set{
		Oldest:      ctrl.Snapshot().Oldest,
		PrevWritten: cursor,
		Written:     cursor,
		Permanent:   cursor,
		Completed:   cursor,
		Flush:       cursor,
		Latest:      cursor,
	})
	return result, nil
}

// readValidHeader reads and validates the pack header at lsid. ok is false
// (with a nil error) when the header fails validation — the normal,
// expected way the scan terminates at end-of-log.
func (e *Engine) readValidHeader(lsidAt uint64) (*logformat.PackHeader, bool, error) {
	off := logformat.Offset(lsidAt, e.ringStart, e.ringSize)
	buf := make([]byte, e.physicalBS)
	if _, err := e.logDev.ReadAt(buf, int64(off)*int64(e.physicalBS)); err != nil {
		return nil, false, fmt.Errorf("redo: read header at lsid %d: %w", lsidAt, err)
	}

	header, err := logformat.DecodePackHeader(buf, e.salt)
	if err != nil {
		return nil, false, nil
	}
	if header.LogpackLSID != lsidAt {
		return nil, false, nil
	}
	return header, true, nil
}

// replayPack writes every is_exist record's payload to D and issues
// discards, stopping at the first record whose payload checksum fails.
// Returns the count of fully-valid records and whether the pack is a
// partial tail.
func (e *Engine) replayPack(header *logformat.PackHeader) (int, bool) {
	for i, rec := range header.Records {
		if rec.IsPadding() {
			continue
		}
		if rec.IsDiscard() {
			off := int64(rec.Offset) * int64(logformat.LBS)
			length := int64(rec.IOSize) * int64(logformat.LBS)
			if err := e.dataDev.Discard(off, length); err != nil {
				return i, true
			}
			continue
		}

		payloadSectors := rec.IOSizeInPhysicalBlocks(e.physicalBS)
		payloadOff := logformat.Offset(header.LogpackLSID+uint64(rec.LSIDLocal), e.ringStart, e.ringSize)
		buf := make([]byte, payloadSectors*uint32(e.physicalBS))
		if _, err := e.logDev.ReadAt(buf, int64(payloadOff)*int64(e.physicalBS)); err != nil {
			return i, true
		}
		if logformat.Checksum(buf, e.salt) != rec.Checksum {
			return i, true
		}

		payload := buf[:int(rec.IOSize)*logformat.LBS]
		dOff := int64(rec.Offset) * int64(logformat.LBS)
		if _, err := e.dataDev.WriteVectored([][]byte{payload}, dOff); err != nil {
			return i, true
		}
	}
	return len(header.Records), false
}

// rewriteHeader re-marshals the truncated header and writes it back to L
// at its original offset (partial-tail fixup, §4.3 step 4).
func (e *Engine) rewriteHeader(header *logformat.PackHeader) error {
	buf, err := header.Marshal(e.physicalBS, e.salt)
	if err != nil {
		return err
	}
	off := logformat.Offset(header.LogpackLSID, e.ringStart, e.ringSize)
	_, err = e.logDev.WriteVectored([][]byte{buf}, int64(off)*int64(e.physicalBS))
	return err
}
