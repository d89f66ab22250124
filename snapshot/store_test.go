package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walbd/walb/blockdev"
	"github.com/walbd/walb/walberrors"
)

const testSectorSize = 512
const testSalt = 0xBEEF

func newTestStore(t *testing.T, nSectors uint32) (*Store, *blockdev.MemDevice) {
	t.Helper()
	dev := blockdev.NewMemDevice(int64(nSectors)*testSectorSize, testSectorSize)
	s, err := Open(dev, 0, nSectors, testSectorSize, testSalt)
	require.NoError(t, err)
	return s, dev
}

func TestAdd_ThenGet(t *testing.T) {
	s, _ := newTestStore(t, 1)

	entry, err := s.Add("daily", 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), entry.LSID)

	rec, ok := s.Get("daily")
	require.True(t, ok)
	assert.Equal(t, uint64(100), rec.LSID)
	assert.Equal(t, "daily", rec.NameString())
}

func TestAdd_DuplicateNameRejected(t *testing.T) {
	s, _ := newTestStore(t, 1)

	_, err := s.Add("daily", 100)
	require.NoError(t, err)

	_, err = s.Add("daily", 200)
	assert.ErrorIs(t, err, walberrors.ErrExists)
}

func TestAdd_NoSpaceWhenSectorFull(t *testing.T) {
	s, _ := newTestStore(t, 1)
	max := s.maxPerSector

	for i := 0; i < max; i++ {
		_, err := s.Add(nameFor(i), uint64(i))
		require.NoError(t, err)
	}

	_, err := s.Add("overflow", 9999)
	assert.ErrorIs(t, err, walberrors.ErrNoSpace)
}

func TestDel_RemovesAndFreesSlot(t *testing.T) {
	s, _ := newTestStore(t, 1)

	_, err := s.Add("daily", 100)
	require.NoError(t, err)
	require.NoError(t, s.Del("daily"))

	_, ok := s.Get("daily")
	assert.False(t, ok)

	// Slot should be reusable.
	_, err = s.Add("weekly", 200)
	assert.NoError(t, err)
}

func TestDel_UnknownNameReturnsNotFound(t *testing.T) {
	s, _ := newTestStore(t, 1)
	assert.ErrorIs(t, s.Del("missing"), walberrors.ErrNotFound)
}

func TestDelRange_RemovesMatchingLSIDs(t *testing.T) {
	s, _ := newTestStore(t, 1)

	_, _ = s.Add("a", 10)
	_, _ = s.Add("b", 20)
	_, _ = s.Add("c", 30)

	n, err := s.DelRange(10, 25)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, 1, s.Count())
	_, ok := s.Get("c")
	assert.True(t, ok)
}

func TestListRange_ReturnsOrderedByLSID(t *testing.T) {
	s, _ := newTestStore(t, 1)

	_, _ = s.Add("c", 30)
	_, _ = s.Add("a", 10)
	_, _ = s.Add("b", 20)

	entries, next, hasMore := s.ListRange(0, 100, 0)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(31), next)
	assert.False(t, hasMore)
	assert.Equal(t, []uint64{10, 20, 30}, []uint64{entries[0].LSID, entries[1].LSID, entries[2].LSID})
}

func TestListFrom_PaginatesWithNextLSID(t *testing.T) {
	s, _ := newTestStore(t, 1)

	for i := 0; i < 5; i++ {
		_, err := s.Add(nameFor(i), uint64(i*10))
		require.NoError(t, err)
	}

	page1, next1, more1 := s.ListFrom(0, 2)
	require.Len(t, page1, 2)
	assert.True(t, more1)
	assert.Equal(t, uint64(11), next1)

	page2, next2, more2 := s.ListFrom(next1, 2)
	require.Len(t, page2, 2)
	assert.True(t, more2)
	assert.Equal(t, uint64(31), next2)

	page3, _, more3 := s.ListFrom(next2, 2)
	require.Len(t, page3, 1)
	assert.False(t, more3)
}

func TestNRecordsRange_CountsMatchingEntries(t *testing.T) {
	s, _ := newTestStore(t, 1)
	_, _ = s.Add("a", 10)
	_, _ = s.Add("b", 20)
	_, _ = s.Add("c", 30)

	assert.Equal(t, 2, s.NRecordsRange(10, 25))
	assert.Equal(t, 3, s.NRecordsRange(0, 1000))
}

func TestOpen_ReloadsPersistedState(t *testing.T) {
	s, dev := newTestStore(t, 1)
	_, err := s.Add("daily", 100)
	require.NoError(t, err)

	reopened, err := Open(dev, 0, 1, testSectorSize, testSalt)
	require.NoError(t, err)

	rec, ok := reopened.Get("daily")
	require.True(t, ok)
	assert.Equal(t, uint64(100), rec.LSID)
}

func TestAdd_SpansMultipleSectors(t *testing.T) {
	s, _ := newTestStore(t, 2)
	max := s.maxPerSector

	for i := 0; i < max+1; i++ {
		_, err := s.Add(nameFor(i), uint64(i))
		require.NoError(t, err)
	}
	assert.Equal(t, max+1, s.Count())
}

func nameFor(i int) string {
	return string(rune('a'+i%26)) + string(rune('A'+(i/26)%26))
}
