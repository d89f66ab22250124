package logformat

import (
	"encoding/binary"
	"fmt"

	"github.com/walbd/walb/walberrors"
)

// FormatVersion identifies the on-disk layout. Bumped whenever the
// checksum algorithm or field layout changes (supplemental field recovered
// from the original walb.c superblock, not present in the distilled spec).
const FormatVersion uint32 = 1

// Superblock is the one-sector record kept in duplicate at the primary and
// secondary offsets of L.
type Superblock struct {
	Checksum             uint32
	FormatVersion        uint32
	SectorSize           uint32
	SnapshotMetadataSize uint32 // sectors
	UUID                 [UUIDSize]byte
	StartOffset          uint64
	RingBufferSize       uint64
	OldestLSID           uint64
	WrittenLSID          uint64
	DeviceSize           uint64 // LBS units
	LogChecksumSalt      uint32
	Name                 [DiskNameLen]byte
}

// Marshal encodes sb into a zero-padded sector-sized buffer.
func (sb *Superblock) Marshal(sectorSize int) []byte {
	buf := make([]byte, sectorSize)
	sb.encodeInto(buf)
	binary.LittleEndian.PutUint32(buf[0:4], 0)
	sum := Checksum(buf[:SuperblockFixedSize], 0)
	binary.LittleEndian.PutUint32(buf[0:4], sum)
	return buf
}

func (sb *Superblock) encodeInto(buf []byte) {
	off := 4 // checksum written last
	binary.LittleEndian.PutUint32(buf[off:off+4], sb.FormatVersion)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], sb.SectorSize)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], sb.SnapshotMetadataSize)
	off += 4
	copy(buf[off:off+UUIDSize], sb.UUID[:])
	off += UUIDSize
	binary.LittleEndian.PutUint64(buf[off:off+8], sb.StartOffset)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], sb.RingBufferSize)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], sb.OldestLSID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], sb.WrittenLSID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], sb.DeviceSize)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], sb.LogChecksumSalt)
	off += 4
	copy(buf[off:off+DiskNameLen], sb.Name[:])
}

// DecodeSuperblock parses and validates a superblock sector. It returns
// walberrors.ErrMetadataInvalid if the checksum does not match (salt is
// always 0 for the superblock, per spec).
func DecodeSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) < SuperblockFixedSize {
		return nil, fmt.Errorf("logformat: superblock sector too small: %d bytes", len(buf))
	}
	wantSum := binary.LittleEndian.Uint32(buf[0:4])
	if !VerifyChecksum(buf[:SuperblockFixedSize], 0, wantSum, 0) {
		return nil, fmt.Errorf("%w: superblock checksum", walberrors.ErrMetadataInvalid)
	}

	sb := &Superblock{Checksum: wantSum}
	off := 4
	sb.FormatVersion = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	sb.SectorSize = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	sb.SnapshotMetadataSize = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	copy(sb.UUID[:], buf[off:off+UUIDSize])
	off += UUIDSize
	sb.StartOffset = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	sb.RingBufferSize = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	sb.OldestLSID = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	sb.WrittenLSID = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	sb.DeviceSize = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	sb.LogChecksumSalt = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	copy(sb.Name[:], buf[off:off+DiskNameLen])

	return sb, nil
}

// PrimarySectorIndex returns the sector index of the primary superblock
// given the physical sector size, matching walb.c's PAGE_SIZE/sector_size
// placement.
func PrimarySectorIndex(sectorSize int) uint64 {
	const pageSize = 4096
	return uint64(pageSize / sectorSize)
}

// SecondarySectorIndex returns the sector index of the secondary
// superblock: primary, then the snapshot-metadata region.
func SecondarySectorIndex(sectorSize int, snapshotMetadataSectors uint32) uint64 {
	return PrimarySectorIndex(sectorSize) + 1 + uint64(snapshotMetadataSectors)
}

// RingStartSector returns the first sector of the log ring: one sector
// past the secondary superblock.
func RingStartSector(sectorSize int, snapshotMetadataSectors uint32) uint64 {
	return SecondarySectorIndex(sectorSize, snapshotMetadataSectors) + 1
}
