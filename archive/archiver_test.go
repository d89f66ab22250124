package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walbd/walb/telemetry"
	"github.com/walbd/walb/walbconfig"
)

func testCounters(t *testing.T) telemetry.Counters {
	t.Helper()
	c, err := telemetry.NewCounters(telemetry.Meter("archive-test"))
	require.NoError(t, err)
	return c
}

func TestObjectName_IncludesPrefixAndZeroPaddedLSID(t *testing.T) {
	a := &Archiver{cfg: walbconfig.ArchiveConfig{ObjectPrefix: "walb/dev0/"}}
	assert.Equal(t, "walb/dev0/pack-00000000000000000042", a.objectName(42))
}

func TestObjectName_NoPrefix(t *testing.T) {
	a := &Archiver{}
	assert.Equal(t, "pack-00000000000000000000", a.objectName(0))
}

func TestEnqueue_DropsWhenQueueFull(t *testing.T) {
	counters := testCounters(t)
	a := &Archiver{queue: make(chan Pack, 1), counters: counters}

	a.Enqueue(Pack{LSID: 1, Data: []byte("a")})
	a.Enqueue(Pack{LSID: 2, Data: []byte("b")}) // queue full, must not block

	assert.Len(t, a.queue, 1)
	got := <-a.queue
	assert.Equal(t, uint64(1), got.LSID)
}

func TestNewChunkManager_DefaultsMaxChunks(t *testing.T) {
	cm := newChunkManager(0)
	assert.Equal(t, 32, cm.maxChunksPerCompose)

	cm = newChunkManager(8)
	assert.Equal(t, 8, cm.maxChunksPerCompose)
}

func TestChunkManager_SingleCompose_RejectsEmptyChunks(t *testing.T) {
	cm := newChunkManager(32)
	err := cm.singleCompose(nil, nil, "bucket", "object", nil)
	assert.Error(t, err)
}

func TestChunkManager_SingleCompose_RejectsTooManyChunks(t *testing.T) {
	cm := newChunkManager(2)
	err := cm.singleCompose(nil, nil, "bucket", "object", []string{"a", "b", "c"})
	assert.Error(t, err)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(walbconfig.ArchiveConfig{}, testCounters(t))
	assert.Error(t, err)
}
