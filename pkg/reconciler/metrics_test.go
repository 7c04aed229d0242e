package reconciler

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

var metricReader *sdkmetric.ManualReader

// TestMain installs a collectable meter provider before any test can touch
// the package instruments; they bind to the global provider exactly once.
func TestMain(m *testing.M) {
	metricReader = sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(metricReader)))

	os.Exit(m.Run())
}

func collectMetrics(t *testing.T) metricdata.ResourceMetrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, metricReader.Collect(context.Background(), &rm))

	return rm
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)

			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}

			return total
		}
	}

	return 0
}

func histogramCount(t *testing.T, rm metricdata.ResourceMetrics, name string) uint64 {
	t.Helper()

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}

			hist, ok := m.Data.(metricdata.Histogram[float64])
			require.True(t, ok, "%s is not a float64 histogram", name)

			var total uint64
			for _, dp := range hist.DataPoints {
				total += dp.Count
			}

			return total
		}
	}

	return 0
}

func TestCycleRecordsDeviceCountersAndDuration(t *testing.T) {
	twins := newMemTwins()
	events := &recordingBus{}
	ctx := context.Background()

	diverged := models.DeviceID{ControllerID: "esp", ComponentID: "light"}
	converged := models.DeviceID{ControllerID: "esp", ComponentID: "fan"}

	require.NoError(t, twins.SaveDesired(ctx, models.DesiredDeviceState{
		ID: diverged, Type: models.DeviceTypeRelay, Value: models.NewRelayValue(true),
	}))

	speed, err := models.NewFanValue(2)
	require.NoError(t, err)
	require.NoError(t, twins.SaveDesired(ctx, models.DesiredDeviceState{
		ID: converged, Type: models.DeviceTypeFan, Value: speed,
	}))
	require.NoError(t, twins.SaveReported(ctx, models.ReportedDeviceState{
		ID: converged, Type: models.DeviceTypeFan, Value: &speed,
		ReportedAt: time.Now(), Known: true,
	}))

	before := collectMetrics(t)

	loop := NewLoop(twins, events, &fakeGate{healthy: true}, time.Second, logger.NewTestLogger(io.Discard))
	loop.Cycle(ctx)

	after := collectMetrics(t)

	assert.Equal(t, counterValue(t, before, "devices.skipped")+1,
		counterValue(t, after, "devices.skipped"), "the converged device counts as skipped")
	assert.Equal(t, counterValue(t, before, "devices.reconciled")+1,
		counterValue(t, after, "devices.reconciled"), "the diverged device counts as reconciled")
	assert.Equal(t, counterValue(t, before, "devices.active")+2,
		counterValue(t, after, "devices.active"))
	assert.Equal(t, histogramCount(t, before, "cycle.duration")+1,
		histogramCount(t, after, "cycle.duration"), "every completed cycle records its duration")
}

func TestSkippedCycleRecordsWarningCounter(t *testing.T) {
	before := collectMetrics(t)

	loop := NewLoop(newMemTwins(), &recordingBus{}, &fakeGate{healthy: false},
		time.Second, logger.NewTestLogger(io.Discard))
	loop.Cycle(context.Background())

	after := collectMetrics(t)

	assert.Equal(t, counterValue(t, before, "cycles.skipped")+1,
		counterValue(t, after, "cycles.skipped"))
}
