package reconciler

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type loopMetricsState struct {
	once       sync.Once
	cycleSkips metric.Int64Counter
	active     metric.Int64Counter
	skipped    metric.Int64Counter
	reconciled metric.Int64Counter
	failed     metric.Int64Counter
	noSnapshot metric.Int64Counter
	duration   metric.Float64Histogram
}

var loopMetrics loopMetricsState

func initLoopMetrics() {
	loopMetrics.once.Do(func() {
		meter := otel.Meter("calcifer.reconciler")

		loopMetrics.cycleSkips, _ = meter.Int64Counter("cycles.skipped",
			metric.WithDescription("Cycles skipped because infrastructure was unhealthy"))
		loopMetrics.active, _ = meter.Int64Counter("devices.active",
			metric.WithDescription("Active output devices seen per cycle"))
		loopMetrics.skipped, _ = meter.Int64Counter("devices.skipped",
			metric.WithDescription("Converged devices left alone"))
		loopMetrics.reconciled, _ = meter.Int64Counter("devices.reconciled",
			metric.WithDescription("Non-converged devices commanded"))
		loopMetrics.failed, _ = meter.Int64Counter("devices.failed",
			metric.WithDescription("Devices that failed to reconcile"))
		loopMetrics.noSnapshot, _ = meter.Int64Counter("devices.no_snapshot",
			metric.WithDescription("Index entries without a twin snapshot"))
		loopMetrics.duration, _ = meter.Float64Histogram("cycle.duration",
			metric.WithDescription("Reconciliation cycle duration"),
			metric.WithUnit("s"))
	})
}

func recordCycleSkipped(ctx context.Context) {
	initLoopMetrics()

	if loopMetrics.cycleSkips != nil {
		loopMetrics.cycleSkips.Add(ctx, 1)
	}
}

func recordCycle(ctx context.Context, active, skipped, reconciled, failed, missing int, elapsed time.Duration) {
	initLoopMetrics()

	if loopMetrics.active == nil {
		return
	}

	loopMetrics.active.Add(ctx, int64(active))
	loopMetrics.skipped.Add(ctx, int64(skipped))
	loopMetrics.reconciled.Add(ctx, int64(reconciled))
	loopMetrics.failed.Add(ctx, int64(failed))
	loopMetrics.noSnapshot.Add(ctx, int64(missing))
	loopMetrics.duration.Record(ctx, elapsed.Seconds())
}
