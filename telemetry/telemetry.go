// Package telemetry provides OpenTelemetry meter and tracer accessors, the
// LSID cursor and log-usage gauges, and the counter set that the checkpoint
// loop and the archival path increment. The observable-gauge
// registration pattern (a callback reading live state on each collection)
// is grounded on akashi's trace.WAL.registerMetrics.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/walbd/walb"

// Meter returns the package-scoped meter for the given component name,
// e.g. Meter("checkpoint") or Meter("redo").
func Meter(component string) metric.Meter {
	return otel.Meter(instrumentationName + "/" + component)
}

// Tracer returns the package-scoped tracer for the given component name.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationName + "/" + component)
}

// CursorSource is implemented by lsid.Controller; kept narrow here so
// telemetry does not import lsid, avoiding an import cycle with the
// engine's top-level wiring.
type CursorSource interface {
	Oldest() uint64
	Written() uint64
	Permanent() uint64
	Completed() uint64
	Latest() uint64
	Flush() uint64
	LogUsage() uint64
	LogCapacity() uint64
}

// RegisterCursorGauges installs observable gauges tracking all seven LSID
// cursors plus log usage/capacity. Errors from metric registration are
// non-fatal (mirrors the teacher's `_, _ = meter.Int64ObservableGauge(...)`
// discard-error pattern); a failed registration simply leaves that gauge
// unreported.
func RegisterCursorGauges(meter metric.Meter, src CursorSource) {
	register := func(name, desc string, read func() uint64) {
		_, _ = meter.Int64ObservableGauge(name,
			metric.WithDescription(desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(read()))
				return nil
			}),
		)
	}

	register("walb.lsid.oldest", "Oldest retained LSID", src.Oldest)
	register("walb.lsid.written", "Highest LSID durable on D", src.Written)
	register("walb.lsid.permanent", "Highest LSID flushed on L", src.Permanent)
	register("walb.lsid.completed", "Highest LSID fully committed to L", src.Completed)
	register("walb.lsid.latest", "Highest LSID allocated", src.Latest)
	register("walb.lsid.flush", "Last LSID for which an L-flush was issued", src.Flush)
	register("walb.log.usage", "latest - oldest, in physical blocks", src.LogUsage)
	register("walb.log.capacity", "ring_buffer_size, in physical blocks", src.LogCapacity)
}

// RegisterLogUsageWarningGauge installs an observable gauge that reports
// 1 once log usage crosses warnPercent of capacity and 0 otherwise,
// mirroring walb.c's driver-level "log device is almost full" warning
// (spec.md §5 supplemental feature 2). warnPercent <= 0 disables the gauge.
func RegisterLogUsageWarningGauge(meter metric.Meter, src CursorSource, warnPercent int) {
	if warnPercent <= 0 {
		return
	}
	_, _ = meter.Int64ObservableGauge("walb.log.usage_warning",
		metric.WithDescription("1 if log usage has crossed the configured warning threshold"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			capacity := src.LogCapacity()
			if capacity == 0 {
				o.Observe(0)
				return nil
			}
			usagePercent := int(src.LogUsage() * 100 / capacity)
			if usagePercent >= warnPercent {
				o.Observe(1)
			} else {
				o.Observe(0)
			}
			return nil
		}),
	)
}

// Counters bundles monotonic counters incremented inline, avoiding a
// meter.Int64Counter lookup per op. The checkpoint loop, the archiver and
// the engine's set_oldest archival step increment theirs; the pipeline
// increments its counters only when its counters field is set, which
// iocore.New does not do, and PacksRedone/ChecksumErrors have no caller.
type Counters struct {
	PacksAdmitted    metric.Int64Counter
	PacksRedone      metric.Int64Counter
	LFlushes         metric.Int64Counter
	BackpressureHit  metric.Int64Counter
	ChecksumErrors   metric.Int64Counter
	CheckpointsTaken metric.Int64Counter
	ArchiveUploads   metric.Int64Counter
	ArchiveFailures  metric.Int64Counter
}

// NewCounters creates and registers the counter set on meter. Registration
// errors are logged by the caller via the returned error; callers in a
// best-effort telemetry path may choose to ignore it.
func NewCounters(meter metric.Meter) (Counters, error) {
	var c Counters
	var err error

	if c.PacksAdmitted, err = meter.Int64Counter("walb.iocore.packs_admitted"); err != nil {
		return c, err
	}
	if c.PacksRedone, err = meter.Int64Counter("walb.redo.packs_replayed"); err != nil {
		return c, err
	}
	if c.LFlushes, err = meter.Int64Counter("walb.iocore.l_flushes"); err != nil {
		return c, err
	}
	if c.BackpressureHit, err = meter.Int64Counter("walb.iocore.backpressure_events"); err != nil {
		return c, err
	}
	if c.ChecksumErrors, err = meter.Int64Counter("walb.checksum_errors"); err != nil {
		return c, err
	}
	if c.CheckpointsTaken, err = meter.Int64Counter("walb.checkpoint.taken"); err != nil {
		return c, err
	}
	if c.ArchiveUploads, err = meter.Int64Counter("walb.archive.uploads"); err != nil {
		return c, err
	}
	if c.ArchiveFailures, err = meter.Int64Counter("walb.archive.failures"); err != nil {
		return c, err
	}
	return c, nil
}
