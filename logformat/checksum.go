package logformat

import "encoding/binary"

// Checksum computes the 32-bit additive-XOR checksum used throughout the
// on-log format: the running sum of little-endian 32-bit words, XORed with
// salt. This is the compatibility constant spec.md's Design Notes call out
// (an implementation starting fresh could switch to CRC-32C instead,
// provided the salt mixing is preserved and the format version is bumped —
// see DESIGN.md for why this engine keeps the additive-XOR variant).
//
// The field being checksummed must be zeroed in buf before calling this
// (per spec: "checksum field treated as zero").
func Checksum(buf []byte, salt uint32) uint32 {
	var sum uint32
	full := len(buf) / 4
	for i := 0; i < full; i++ {
		sum += binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	if rem := len(buf) % 4; rem != 0 {
		var last [4]byte
		copy(last[:], buf[full*4:])
		sum += binary.LittleEndian.Uint32(last[:])
	}
	return sum ^ salt
}

// VerifyChecksum recomputes the checksum of buf with the stored checksum
// field (at [off:off+4]) zeroed, and compares against want.
func VerifyChecksum(buf []byte, off int, want, salt uint32) bool {
	tmp := make([]byte, len(buf))
	copy(tmp, buf)
	binary.LittleEndian.PutUint32(tmp[off:off+4], 0)
	return Checksum(tmp, salt) == want
}
