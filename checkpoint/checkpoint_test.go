package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walbd/walb/blockdev"
	"github.com/walbd/walb/logformat"
	"github.com/walbd/walb/lsid"
	"github.com/walbd/walb/telemetry"
)

const testSectorSize = 512

func newTestLoop(t *testing.T, interval time.Duration) (*Loop, *blockdev.MemDevice, *lsid.Controller) {
	t.Helper()
	logDev := blockdev.NewMemDevice(64*testSectorSize, testSectorSize)
	ctrl := lsid.New(lsid.Set{Oldest: 0, Written: 100}, 1000)
	template := logformat.Superblock{
		FormatVersion:        logformat.FormatVersion,
		SectorSize:           testSectorSize,
		SnapshotMetadataSize: 1,
		RingBufferSize:       1000,
	}
	loop := New(logDev, ctrl, testSectorSize, 1, 3, template, interval, telemetry.Counters{})
	t.Cleanup(loop.Stop)
	return loop, logDev, ctrl
}

func TestTakeCheckpoint_WritesBothSuperblockCopies(t *testing.T) {
	loop, logDev, _ := newTestLoop(t, 0)

	require.NoError(t, loop.TakeCheckpoint(context.Background()))

	primary := make([]byte, testSectorSize)
	_, err := logDev.ReadAt(primary, int64(loop.primarySector)*testSectorSize)
	require.NoError(t, err)
	sbPrimary, err := logformat.DecodeSuperblock(primary)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), sbPrimary.WrittenLSID)

	secondary := make([]byte, testSectorSize)
	_, err = logDev.ReadAt(secondary, int64(loop.secondarySector)*testSectorSize)
	require.NoError(t, err)
	sbSecondary, err := logformat.DecodeSuperblock(secondary)
	require.NoError(t, err)
	assert.Equal(t, sbPrimary.WrittenLSID, sbSecondary.WrittenLSID)
}

func TestTakeCheckpoint_UpdatesPrevWritten(t *testing.T) {
	loop, _, ctrl := newTestLoop(t, 0)

	require.NoError(t, loop.TakeCheckpoint(context.Background()))
	assert.Equal(t, uint64(100), ctrl.Snapshot().PrevWritten)
}

func TestLoop_StartStopIsIdempotent(t *testing.T) {
	loop, _, _ := newTestLoop(t, 5*time.Millisecond)

	loop.Start()
	assert.Eventually(t, func() bool { return loop.State() == StateRunning }, time.Second, time.Millisecond)

	loop.Stop()
	assert.Equal(t, StateStopped, loop.State())

	// Second Stop must not panic or block.
	loop.Stop()
	assert.Equal(t, StateStopped, loop.State())
}

func TestSetInterval_UpdatesAndResetsRunningTicker(t *testing.T) {
	loop, _, _ := newTestLoop(t, time.Hour)
	loop.Start()
	assert.Eventually(t, func() bool { return loop.State() == StateRunning }, time.Second, time.Millisecond)

	loop.SetInterval(5 * time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, loop.Interval())
}

func TestLoop_TickerTakesCheckpointsPeriodically(t *testing.T) {
	loop, logDev, ctrl := newTestLoop(t, 5*time.Millisecond)
	loop.Start()

	assert.Eventually(t, func() bool {
		buf := make([]byte, testSectorSize)
		_, err := logDev.ReadAt(buf, int64(loop.primarySector)*testSectorSize)
		if err != nil {
			return false
		}
		sb, err := logformat.DecodeSuperblock(buf)
		return err == nil && sb.WrittenLSID == ctrl.Written()
	}, time.Second, 2*time.Millisecond)
}
