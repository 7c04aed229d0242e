package bus

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type busMetricsState struct {
	once       sync.Once
	dispatched metric.Int64Counter
}

var busMetrics busMetricsState

func recordEventDispatched(ctx context.Context, eventType string) {
	busMetrics.once.Do(func() {
		meter := otel.Meter("calcifer.bus")

		counter, err := meter.Int64Counter("events.dispatched",
			metric.WithDescription("Events delivered to listeners"))
		if err != nil {
			return
		}

		busMetrics.dispatched = counter
	})

	if busMetrics.dispatched == nil {
		return
	}

	busMetrics.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventType)))
}
