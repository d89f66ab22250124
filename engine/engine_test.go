package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walbd/walb/blockdev"
	"github.com/walbd/walb/iocore"
	"github.com/walbd/walb/walbconfig"
)

func testConfig() walbconfig.Config {
	cfg := walbconfig.Default("mem-l", "mem-d")
	cfg.SectorSize = 512
	cfg.LogicalBlockSize = 512
	cfg.RingBufferSize = 100
	cfg.SnapshotMetadataSize = 1
	cfg.LogFlushIntervalMs = 0
	return cfg
}

func newTestDevices(t *testing.T) (*blockdev.MemDevice, *blockdev.MemDevice) {
	t.Helper()
	logDev := blockdev.NewMemDevice(200*512, 512)
	dataDev := blockdev.NewMemDevice(1<<20, 512)
	return logDev, dataDev
}

// keepOpen wraps a MemDevice so that Device.Close leaves it readable,
// letting a second Device attach to the same backing memory.
type keepOpen struct{ *blockdev.MemDevice }

func (keepOpen) Close() error { return nil }

func TestFormat_WriteThenReadRoundTrip(t *testing.T) {
	cfg := testConfig()
	logDev, dataDev := newTestDevices(t)

	d, err := Format(cfg, logDev, dataDev)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0x5A
	}
	require.NoError(t, d.Write([]iocore.WriteRequest{{Offset: 0, Data: payload}}))

	got := make([]byte, 512)
	_, err = d.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	assert.True(t, d.Cursors().CheckInvariants())
}

func TestFormat_ThenAttachReplaysLog(t *testing.T) {
	cfg := testConfig()
	memLog, memData := newTestDevices(t)
	logDev, dataDev := keepOpen{memLog}, keepOpen{memData}

	d, err := Format(cfg, logDev, dataDev)
	require.NoError(t, err)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0x7E
	}
	// FUA forces an immediate L-flush, so Permanent (and thus Written, which
	// I1 forbids from outrunning it) is already caught up by the time the
	// checkpoint below snapshots it.
	require.NoError(t, d.Write([]iocore.WriteRequest{{Offset: 0, Data: payload, FUA: true}}))
	require.NoError(t, d.Admin().TakeCheckpoint(context.Background()))

	writtenBefore := d.Cursors().Written()
	require.NoError(t, d.Close())

	d2, err := Attach(cfg, logDev, dataDev)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d2.Close() })

	assert.Equal(t, writtenBefore, d2.Cursors().Written())
	assert.True(t, d2.Cursors().CheckInvariants())

	got := make([]byte, 512)
	_, err = d2.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFormat_CheckpointRecordsPrevWritten(t *testing.T) {
	cfg := testConfig()
	logDev, dataDev := newTestDevices(t)

	d, err := Format(cfg, logDev, dataDev)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	require.NoError(t, d.Write([]iocore.WriteRequest{{Offset: 0, Data: make([]byte, 512)}}))
	require.NoError(t, d.Admin().TakeCheckpoint(context.Background()))

	assert.Equal(t, d.Cursors().Written(), d.Cursors().Snapshot().PrevWritten)
}

func TestFormat_ResizeGrowsDeviceSize(t *testing.T) {
	cfg := testConfig()
	logDev, dataDev := newTestDevices(t)

	d, err := Format(cfg, logDev, dataDev)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	// Format sizes the device to all of D; lower the recorded size so D
	// has capacity left for the resize to grow into.
	d.sb.DeviceSize -= 64
	before := d.Admin().DeviceSizeLBS()
	require.NoError(t, d.Admin().Resize(before+64))
	assert.Equal(t, before+64, d.deviceSizeLBS())
}

func TestFormat_FreezeMeltClearLog(t *testing.T) {
	cfg := testConfig()
	logDev, dataDev := newTestDevices(t)

	d, err := Format(cfg, logDev, dataDev)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	require.NoError(t, d.Write([]iocore.WriteRequest{{Offset: 0, Data: make([]byte, 512)}}))

	require.NoError(t, d.Admin().Freeze(0))
	assert.True(t, d.Admin().IsFrozen())

	require.NoError(t, d.Admin().ClearLog())
	assert.False(t, d.Admin().IsFrozen())
	assert.Equal(t, uint64(0), d.Cursors().Written())
	assert.Equal(t, uint64(0), d.Cursors().Oldest())
	assert.False(t, d.Cursors().IsLogOverflow())
}
