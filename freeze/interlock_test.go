package freeze

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walbd/walb/blockdev"
	"github.com/walbd/walb/logformat"
	"github.com/walbd/walb/lsid"
	"github.com/walbd/walb/snapshot"
	"github.com/walbd/walb/walberrors"
)

const testSectorSize = 512

type fakeAdmission struct {
	paused bool
}

func (f *fakeAdmission) Pause()  { f.paused = true }
func (f *fakeAdmission) Resume() { f.paused = false }

type fakeCheckpointer struct {
	running bool
}

func (f *fakeCheckpointer) Start() { f.running = true }
func (f *fakeCheckpointer) Stop()  { f.running = false }

func TestFreeze_ManualPausesAdmissionAndCheckpoints(t *testing.T) {
	admission := &fakeAdmission{}
	cp := &fakeCheckpointer{running: true}
	f := New(admission, cp)

	require.NoError(t, f.Freeze(0))
	assert.Equal(t, StateFreezed, f.State())
	assert.True(t, admission.paused)
	assert.False(t, cp.running)
}

func TestFreeze_AlreadyFrozenRejected(t *testing.T) {
	f := New(&fakeAdmission{}, &fakeCheckpointer{running: true})
	require.NoError(t, f.Freeze(0))
	assert.Error(t, f.Freeze(0))
}

func TestMelt_ResumesAdmissionAndCheckpoints(t *testing.T) {
	admission := &fakeAdmission{}
	cp := &fakeCheckpointer{running: true}
	f := New(admission, cp)

	require.NoError(t, f.Freeze(0))
	require.NoError(t, f.Melt())

	assert.Equal(t, StateMelted, f.State())
	assert.False(t, admission.paused)
	assert.True(t, cp.running)
}

func TestMelt_NotFrozenRejected(t *testing.T) {
	f := New(&fakeAdmission{}, &fakeCheckpointer{})
	assert.Error(t, f.Melt())
}

func TestFreeze_WithTimeoutEntersFreezedWithTimeoutState(t *testing.T) {
	f := New(&fakeAdmission{}, &fakeCheckpointer{running: true})
	require.NoError(t, f.Freeze(3600))
	assert.Equal(t, StateFreezedWithTimeout, f.State())
}

func TestFreeze_TimeoutMeltsAutomatically(t *testing.T) {
	admission := &fakeAdmission{}
	cp := &fakeCheckpointer{running: true}
	f := New(admission, cp)

	f.mu.Lock()
	f.state.Store(int32(StateFreezedWithTimeout))
	f.timer = time.AfterFunc(5*time.Millisecond, f.timeoutMelt)
	f.mu.Unlock()

	assert.Eventually(t, func() bool { return f.State() == StateMelted }, time.Second, time.Millisecond)
	assert.False(t, admission.paused)
	assert.True(t, cp.running)
}

func TestMelt_LosesRaceAgainstFiredTimer(t *testing.T) {
	f := New(&fakeAdmission{}, &fakeCheckpointer{running: true})
	f.mu.Lock()
	f.state.Store(int32(StateFreezedWithTimeout))
	f.mu.Unlock()

	f.mu.Lock()
	f.timer = time.NewTimer(0)
	<-f.timer.C // drain so the next Stop() call observes "already fired"
	f.mu.Unlock()

	err := f.Melt()
	assert.ErrorIs(t, err, walberrors.ErrStateRace)
}

func newClearLogParams(t *testing.T, logDev *blockdev.MemDevice, ctrl *lsid.Controller) ClearLogParams {
	t.Helper()
	store, err := snapshot.Open(logDev, 10, 1, testSectorSize, 0)
	require.NoError(t, err)
	return ClearLogParams{
		Ctrl:            ctrl,
		LogDev:          logDev,
		Snapshots:       store,
		SectorSize:      testSectorSize,
		PrimarySector:   1,
		SecondarySector: 3,
		RingStart:       20,
		Template: logformat.Superblock{
			FormatVersion:        logformat.FormatVersion,
			SectorSize:           testSectorSize,
			SnapshotMetadataSize: 1,
			RingBufferSize:       1000,
		},
	}
}

func TestClearLog_RequiresFreeze(t *testing.T) {
	logDev := blockdev.NewMemDevice(64*testSectorSize, testSectorSize)
	ctrl := lsid.New(lsid.Set{Written: 50}, 1000)
	f := New(&fakeAdmission{}, &fakeCheckpointer{running: true})

	err := f.ClearLog(newClearLogParams(t, logDev, ctrl))
	assert.Error(t, err)
}

func TestClearLog_ZeroesCursorsAndMelts(t *testing.T) {
	logDev := blockdev.NewMemDevice(64*testSectorSize, testSectorSize)
	ctrl := lsid.New(lsid.Set{Oldest: 10, Written: 50, Latest: 50}, 1000)
	admission := &fakeAdmission{}
	cp := &fakeCheckpointer{running: true}
	f := New(admission, cp)

	require.NoError(t, f.Freeze(0))
	require.NoError(t, f.ClearLog(newClearLogParams(t, logDev, ctrl)))

	assert.Equal(t, lsid.Set{}, ctrl.Snapshot())
	assert.False(t, ctrl.IsReadOnly())
	assert.Equal(t, StateMelted, f.State())
	assert.False(t, admission.paused)
	assert.True(t, cp.running)

	primary := make([]byte, testSectorSize)
	_, err := logDev.ReadAt(primary, 1*testSectorSize)
	require.NoError(t, err)
	sb, err := logformat.DecodeSuperblock(primary)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), sb.WrittenLSID)
	assert.Equal(t, uint64(0), sb.OldestLSID)
}

func TestResize_OnlyGrows(t *testing.T) {
	logDev := blockdev.NewMemDevice(64*testSectorSize, testSectorSize)
	sb := &logformat.Superblock{DeviceSize: 1000, SectorSize: testSectorSize}

	params := ResizeParams{
		LogDev:          logDev,
		SectorSize:      testSectorSize,
		PrimarySector:   1,
		SecondarySector: 3,
		Superblock:      sb,
		DataCapacityLBS: 5000,
	}

	assert.ErrorIs(t, Resize(params, 500), walberrors.ErrInvalidRange)

	require.NoError(t, Resize(params, 2000))
	assert.Equal(t, uint64(2000), sb.DeviceSize)
}

func TestResize_RejectsExceedingDataCapacity(t *testing.T) {
	logDev := blockdev.NewMemDevice(64*testSectorSize, testSectorSize)
	sb := &logformat.Superblock{DeviceSize: 1000, SectorSize: testSectorSize}

	params := ResizeParams{
		LogDev:          logDev,
		SectorSize:      testSectorSize,
		PrimarySector:   1,
		SecondarySector: 3,
		Superblock:      sb,
		DataCapacityLBS: 1500,
	}

	assert.ErrorIs(t, Resize(params, 2000), walberrors.ErrInvalidRange)
}
