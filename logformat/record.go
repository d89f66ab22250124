package logformat

import "encoding/binary"

// Record is one log-pack record entry: metadata about a single host write
// (or discard/padding) folded into the pack's header sector. Field layout
// mirrors HundDB's WALHeader — fixed-size scalar fields at fixed offsets,
// little-endian, CRC over the payload kept alongside rather than inside it.
type Record struct {
	Flags     byte // FlagExist | FlagPadding | FlagDiscard
	LSIDLocal uint16
	Offset    uint64 // host-visible offset, in LBS units
	IOSize    uint32 // in LBS units
	Checksum  uint32 // over the record's payload sectors, salted
	LSID      uint64 // logpack_lsid + LSIDLocal, denormalized for convenience
}

func (r Record) IsExist() bool   { return r.Flags&FlagExist != 0 }
func (r Record) IsPadding() bool { return r.Flags&FlagPadding != 0 }
func (r Record) IsDiscard() bool { return r.Flags&FlagDiscard != 0 }

// marshalInto writes the record's 32-byte wire form to buf[0:RecordSize].
func (r Record) marshalInto(buf []byte) {
	buf[0] = r.Flags
	buf[1] = 0 // reserved
	binary.LittleEndian.PutUint16(buf[2:4], r.LSIDLocal)
	binary.LittleEndian.PutUint64(buf[4:12], r.Offset)
	binary.LittleEndian.PutUint32(buf[12:16], r.IOSize)
	binary.LittleEndian.PutUint32(buf[16:20], r.Checksum)
	binary.LittleEndian.PutUint64(buf[20:28], r.LSID)
	// buf[28:32] reserved/padding to RecordSize.
}

func decodeRecord(buf []byte) Record {
	return Record{
		Flags:     buf[0],
		LSIDLocal: binary.LittleEndian.Uint16(buf[2:4]),
		Offset:    binary.LittleEndian.Uint64(buf[4:12]),
		IOSize:    binary.LittleEndian.Uint32(buf[12:16]),
		Checksum:  binary.LittleEndian.Uint32(buf[16:20]),
		LSID:      binary.LittleEndian.Uint64(buf[20:28]),
	}
}

// IOSizeInPhysicalBlocks converts an LBS-unit IOSize to physical blocks
// given the ratio between physical and logical block sizes.
func (r Record) IOSizeInPhysicalBlocks(physicalBS int) uint32 {
	ratio := uint32(physicalBS / LBS)
	if ratio == 0 {
		ratio = 1
	}
	if r.IsPadding() || r.IsDiscard() {
		return 0
	}
	blocks := r.IOSize / ratio
	if r.IOSize%ratio != 0 {
		blocks++
	}
	return blocks
}
