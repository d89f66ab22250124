package logformat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuperblock_RoundTrip(t *testing.T) {
	t.Run("EncodeThenDecodeYieldsOriginal", func(t *testing.T) {
		sb := &Superblock{
			FormatVersion:        FormatVersion,
			SectorSize:           4096,
			SnapshotMetadataSize: 16,
			RingBufferSize:       1 << 20,
			OldestLSID:           0,
			WrittenLSID:          128,
			DeviceSize:           1 << 21,
			LogChecksumSalt:      0xdeadbeef,
		}
		copy(sb.Name[:], "test-walb-device")

		buf := sb.Marshal(4096)
		require.Len(t, buf, 4096)

		got, err := DecodeSuperblock(buf)
		require.NoError(t, err)
		assert.Equal(t, sb.FormatVersion, got.FormatVersion)
		assert.Equal(t, sb.SectorSize, got.SectorSize)
		assert.Equal(t, sb.RingBufferSize, got.RingBufferSize)
		assert.Equal(t, sb.WrittenLSID, got.WrittenLSID)
		assert.Equal(t, sb.LogChecksumSalt, got.LogChecksumSalt)
	})

	t.Run("CorruptedChecksumIsRejected", func(t *testing.T) {
		sb := &Superblock{SectorSize: 4096}
		buf := sb.Marshal(4096)
		buf[50] ^= 0xFF // flip a byte inside the fixed region

		_, err := DecodeSuperblock(buf)
		assert.Error(t, err)
	})
}

func TestPackHeader_RoundTrip(t *testing.T) {
	t.Run("I4_EncodeThenDecodeYieldsOriginal", func(t *testing.T) {
		h := &PackHeader{
			LogpackLSID: 1000,
			Records: []Record{
				{Flags: FlagExist, LSIDLocal: 1, Offset: 0, IOSize: 8, Checksum: 42, LSID: 1001},
				{Flags: FlagExist | FlagDiscard, LSIDLocal: 0, Offset: 64, IOSize: 4},
			},
		}

		buf, err := h.Marshal(4096, 0x1234)
		require.NoError(t, err)

		got, err := DecodePackHeader(buf, 0x1234)
		require.NoError(t, err)
		assert.Equal(t, h.LogpackLSID, got.LogpackLSID)
		require.Len(t, got.Records, 2)
		assert.True(t, got.Records[0].IsExist())
		assert.Equal(t, uint64(1001), got.Records[0].LSID)
		assert.True(t, got.Records[1].IsDiscard())
	})

	t.Run("WrongSaltFailsChecksum", func(t *testing.T) {
		h := &PackHeader{LogpackLSID: 5}
		buf, err := h.Marshal(4096, 1)
		require.NoError(t, err)

		_, err = DecodePackHeader(buf, 2)
		assert.Error(t, err)
	})

	t.Run("TooManyRecordsRejected", func(t *testing.T) {
		h := &PackHeader{Records: make([]Record, NRecordsInSector(4096)+1)}
		_, err := h.Marshal(4096, 0)
		assert.Error(t, err)
	})
}

func TestPackHeader_TruncateRecords(t *testing.T) {
	h := &PackHeader{Records: []Record{{Flags: FlagExist}, {Flags: FlagExist}, {Flags: FlagExist}}}
	h.TruncateRecords(2)
	assert.Len(t, h.Records, 2)
	assert.Equal(t, uint16(2), h.NRecords)
}

func TestOffset_RingWrap(t *testing.T) {
	cases := []struct {
		lsid, ringStart, ringSize, want uint64
	}{
		{0, 10, 100, 10},
		{100, 10, 100, 10},
		{150, 10, 100, 60},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Offset(c.lsid, c.ringStart, c.ringSize))
	}
}

func TestSnapshotSector_RoundTrip(t *testing.T) {
	s := &SnapshotSector{}
	copy(s.Records[1].Name[:], "daily")
	s.Records[1].LSID = 42
	s.Records[1].Timestamp = 1700000000
	s.SetLive(1, true)

	buf := s.Marshal(4096, 7)
	got, err := DecodeSnapshotSector(buf, 7)
	require.NoError(t, err)
	assert.True(t, got.IsLive(1))
	assert.Equal(t, "daily", got.Records[1].NameString())
	assert.Equal(t, uint64(42), got.Records[1].LSID)
}
