package iocore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walbd/walb/blockdev"
	"github.com/walbd/walb/lsid"
	"github.com/walbd/walb/walbconfig"
)

func testConfig() walbconfig.Config {
	cfg := walbconfig.Default("mem-l", "mem-d")
	cfg.SectorSize = 512
	cfg.LogicalBlockSize = 512
	cfg.RingBufferSize = 100
	cfg.LogFlushIntervalMs = 0 // disable background ticker for deterministic tests
	cfg.LogFlushIntervalPB = 1 << 20
	return cfg
}

func newTestPipeline(t *testing.T) (*Pipeline, *blockdev.MemDevice, *blockdev.MemDevice, *lsid.Controller) {
	t.Helper()
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	logDev := blockdev.NewMemDevice(int64(cfg.RingBufferSize)*int64(cfg.SectorSize), cfg.SectorSize)
	dataDev := blockdev.NewMemDevice(1<<20, cfg.SectorSize)
	ctrl := lsid.New(lsid.Set{}, cfg.RingBufferSize)

	p := New(cfg, ctrl, logDev, dataDev, 0, cfg.RingBufferSize, 0xABCD)
	t.Cleanup(p.Close)
	return p, logDev, dataDev, ctrl
}

func TestAdmit_SingleWriteAdvancesCursorsAndReachesD(t *testing.T) {
	p, _, dataDev, ctrl := newTestPipeline(t)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0xA5
	}

	err := p.Admit([]WriteRequest{{Offset: 0, Data: payload}})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), ctrl.Completed()) // 1 header + 1 payload sector
	// Written must never outrun Permanent (I1); a non-FUA write below the
	// flush threshold leaves both at 0 until a flush catches them up.
	assert.Equal(t, uint64(0), ctrl.Written())
	assert.True(t, ctrl.CheckInvariants())

	got := make([]byte, 512)
	_, err = dataDev.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	assert.Equal(t, uint64(0), p.PendingSectors())

	require.NoError(t, p.FlushPending())
	assert.Equal(t, uint64(2), ctrl.Written())
	assert.Equal(t, uint64(2), ctrl.Permanent())
	assert.True(t, ctrl.CheckInvariants())
}

func TestAdmit_DiscardIssuesNoPayloadButAdvancesLSID(t *testing.T) {
	p, _, dataDev, ctrl := newTestPipeline(t)

	_, err := dataDev.WriteVectored([][]byte{{0xFF}}, 0)
	require.NoError(t, err)

	err = p.Admit([]WriteRequest{{Offset: 0, Discard: true}})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), ctrl.Completed()) // header sector only
	assert.True(t, ctrl.CheckInvariants())
}

func TestAdmit_FUARequestTriggersImmediateFlush(t *testing.T) {
	p, _, _, ctrl := newTestPipeline(t)

	err := p.Admit([]WriteRequest{{Offset: 0, Data: make([]byte, 512), FUA: true}})
	require.NoError(t, err)

	assert.Equal(t, ctrl.Written(), ctrl.Permanent())
}

func TestAdmit_MultipleWritesAreMonotonicInLSID(t *testing.T) {
	p, _, _, ctrl := newTestPipeline(t)

	for i := 0; i < 5; i++ {
		err := p.Admit([]WriteRequest{{Offset: uint64(i), Data: make([]byte, 512)}})
		require.NoError(t, err)
	}

	assert.Equal(t, uint64(10), ctrl.Latest()) // 5 packs * (1 header + 1 payload)
	assert.True(t, ctrl.CheckInvariants())
}

func TestAdmit_RejectsNonLBSAlignedPayload(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)

	err := p.Admit([]WriteRequest{{Offset: 0, Data: make([]byte, 100)}})
	assert.Error(t, err)
}

func TestAdmit_OverflowSetsReadOnly(t *testing.T) {
	cfg := testConfig()
	cfg.RingBufferSize = 2 // room for exactly one 2-sector pack
	require.NoError(t, cfg.Validate())

	logDev := blockdev.NewMemDevice(int64(cfg.RingBufferSize)*int64(cfg.SectorSize), cfg.SectorSize)
	dataDev := blockdev.NewMemDevice(1<<20, cfg.SectorSize)
	ctrl := lsid.New(lsid.Set{}, cfg.RingBufferSize)
	p := New(cfg, ctrl, logDev, dataDev, 0, cfg.RingBufferSize, 0)
	defer p.Close()

	err := p.Admit([]WriteRequest{{Offset: 0, Data: make([]byte, 512)}})
	require.NoError(t, err)

	err = p.Admit([]WriteRequest{{Offset: 1, Data: make([]byte, 512)}})
	assert.Error(t, err)
	assert.True(t, ctrl.IsReadOnly())
}

func TestPause_BlocksAdmitUntilResume(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	p.Pause()

	admitted := make(chan error, 1)
	go func() {
		admitted <- p.Admit([]WriteRequest{{Offset: 0, Data: make([]byte, 512)}})
	}()

	select {
	case <-admitted:
		t.Fatal("Admit returned while paused")
	case <-time.After(20 * time.Millisecond):
	}

	p.Resume()
	select {
	case err := <-admitted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Admit never resumed after Resume")
	}
}

func TestWaitForBackpressure_ResumesOnceBelowMin(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	p.cfg.MaxPendingSectors = 1
	p.cfg.MinPendingSectors = 0
	p.cfg.QueueStopTimeout = 50 * time.Millisecond

	p.pendingSectors.Store(5)
	go func() {
		time.Sleep(5 * time.Millisecond)
		p.pendingSectors.Store(0)
	}()

	start := time.Now()
	err := p.waitForBackpressure()
	require.NoError(t, err)
	assert.Less(t, time.Since(start), p.cfg.QueueStopTimeout)
}
