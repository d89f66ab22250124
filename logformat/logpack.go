package logformat

import (
	"encoding/binary"
	"fmt"

	"github.com/walbd/walb/walberrors"
)

// PackHeader is the header sector of one log pack: pack-level metadata plus
// up to NRecordsInSector(sectorSize) per-write records.
type PackHeader struct {
	LogpackLSID   uint64
	TotalIOSize   uint32 // sectors, payload only (excludes the header sector)
	NRecords      uint16
	HeaderCRC     uint32
	Records       []Record
}

// PackSizeSectors returns 1 (header) + the physical-block footprint of all
// records, per spec.md's invariant pack_size_in_sectors = 1 + Σ io_size_pb.
func (h *PackHeader) PackSizeSectors(physicalBS int) uint64 {
	var total uint64
	for _, r := range h.Records {
		total += uint64(r.IOSizeInPhysicalBlocks(physicalBS))
	}
	return 1 + total
}

// Marshal encodes the header into a zero-padded sector-sized buffer, with
// each record's checksum already filled in (Checksum over its payload).
func (h *PackHeader) Marshal(sectorSize int, salt uint32) ([]byte, error) {
	maxRecords := NRecordsInSector(sectorSize)
	if len(h.Records) > maxRecords {
		return nil, fmt.Errorf("logformat: %d records exceeds per-sector max %d", len(h.Records), maxRecords)
	}
	buf := make([]byte, sectorSize)

	binary.LittleEndian.PutUint64(buf[0:8], h.LogpackLSID)
	binary.LittleEndian.PutUint32(buf[8:12], h.TotalIOSize)
	binary.LittleEndian.PutUint16(buf[12:14], uint16(len(h.Records)))
	// buf[14:16] reserved
	// buf[16:20] header checksum, filled below

	recOff := PackHeaderFixedSize
	for _, r := range h.Records {
		r.marshalInto(buf[recOff : recOff+RecordSize])
		recOff += RecordSize
	}

	binary.LittleEndian.PutUint32(buf[16:20], 0)
	crc := Checksum(buf, salt)
	binary.LittleEndian.PutUint32(buf[16:20], crc)
	h.HeaderCRC = crc
	return buf, nil
}

// DecodePackHeader parses a pack header sector and validates its checksum.
// It does not check LogpackLSID: callers compare it against the LSID they
// expected the pack to begin at (the redo cursor, or the set_oldest
// target) and treat a mismatch like a bad checksum (end of valid log /
// corruption).
func DecodePackHeader(buf []byte, salt uint32) (*PackHeader, error) {
	if len(buf) < PackHeaderFixedSize {
		return nil, fmt.Errorf("logformat: pack header sector too small")
	}
	sectorSize := len(buf)
	storedCRC := binary.LittleEndian.Uint32(buf[16:20])
	if !VerifyChecksum(buf, 16, storedCRC, salt) {
		return nil, fmt.Errorf("%w: logpack header", walberrors.ErrChecksumMismatch)
	}

	h := &PackHeader{
		LogpackLSID: binary.LittleEndian.Uint64(buf[0:8]),
		TotalIOSize: binary.LittleEndian.Uint32(buf[8:12]),
		NRecords:    binary.LittleEndian.Uint16(buf[12:14]),
		HeaderCRC:   storedCRC,
	}

	maxRecords := NRecordsInSector(sectorSize)
	if int(h.NRecords) > maxRecords {
		return nil, fmt.Errorf("logformat: pack header declares %d records, max %d", h.NRecords, maxRecords)
	}

	h.Records = make([]Record, 0, h.NRecords)
	recOff := PackHeaderFixedSize
	for i := uint16(0); i < h.NRecords; i++ {
		r := decodeRecord(buf[recOff : recOff+RecordSize])
		r.LSID = h.LogpackLSID + uint64(r.LSIDLocal)
		h.Records = append(h.Records, r)
		recOff += RecordSize
	}
	return h, nil
}

// TruncateRecords rewrites NRecords (and the Records slice) to the given
// prefix length, for partial-tail fixup during redo. Callers must
// re-Marshal and rewrite the sector afterward.
func (h *PackHeader) TruncateRecords(n int) {
	if n < 0 {
		n = 0
	}
	if n > len(h.Records) {
		n = len(h.Records)
	}
	h.Records = h.Records[:n]
	h.NRecords = uint16(n)
}

// Offset maps an LSID onto L's physical sector offset: the ring begins at
// ringStart and wraps every ringSize sectors.
func Offset(lsid uint64, ringStart, ringSize uint64) uint64 {
	return ringStart + (lsid % ringSize)
}
