package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCursorSource struct{}

func (fakeCursorSource) Oldest() uint64      { return 1 }
func (fakeCursorSource) Written() uint64     { return 2 }
func (fakeCursorSource) Permanent() uint64   { return 3 }
func (fakeCursorSource) Completed() uint64   { return 4 }
func (fakeCursorSource) Latest() uint64      { return 5 }
func (fakeCursorSource) Flush() uint64       { return 6 }
func (fakeCursorSource) LogUsage() uint64    { return 4 }
func (fakeCursorSource) LogCapacity() uint64 { return 1000 }

func TestRegisterCursorGauges_DoesNotPanicAgainstNoopProvider(t *testing.T) {
	meter := Meter("test")
	assert.NotPanics(t, func() {
		RegisterCursorGauges(meter, fakeCursorSource{})
	})
}

func TestNewCounters_RegistersAllInstruments(t *testing.T) {
	meter := Meter("test")
	counters, err := NewCounters(meter)
	require.NoError(t, err)

	assert.NotNil(t, counters.PacksAdmitted)
	assert.NotNil(t, counters.PacksRedone)
	assert.NotNil(t, counters.LFlushes)
	assert.NotNil(t, counters.BackpressureHit)
	assert.NotNil(t, counters.ChecksumErrors)
	assert.NotNil(t, counters.CheckpointsTaken)
	assert.NotNil(t, counters.ArchiveUploads)
	assert.NotNil(t, counters.ArchiveFailures)
}

func TestRegisterLogUsageWarningGauge_DoesNotPanic(t *testing.T) {
	meter := Meter("test")
	assert.NotPanics(t, func() {
		RegisterLogUsageWarningGauge(meter, fakeCursorSource{}, 90)
	})
}

func TestRegisterLogUsageWarningGauge_DisabledWhenZero(t *testing.T) {
	meter := Meter("test")
	assert.NotPanics(t, func() {
		RegisterLogUsageWarningGauge(meter, fakeCursorSource{}, 0)
	})
}
