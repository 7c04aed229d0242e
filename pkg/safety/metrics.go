package safety

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type safetyMetricsState struct {
	once      sync.Once
	evaluated metric.Int64Counter
	refused   metric.Int64Counter
	modified  metric.Int64Counter
	accepted  metric.Int64Counter
	duration  metric.Float64Histogram
}

var safetyMetrics safetyMetricsState

func initSafetyMetrics() {
	safetyMetrics.once.Do(func() {
		meter := otel.Meter("calcifer.safety")

		counter := func(name, desc string) metric.Int64Counter {
			c, err := meter.Int64Counter(name, metric.WithDescription(desc))
			if err != nil {
				return nil
			}

			return c
		}

		safetyMetrics.evaluated = counter("rules.evaluated", "Rules that applied and were evaluated")
		safetyMetrics.refused = counter("rules.refused", "Rule evaluations ending in refusal")
		safetyMetrics.modified = counter("rules.modified", "Rule evaluations that modified the proposed value")
		safetyMetrics.accepted = counter("rules.accepted", "Rule evaluations that accepted the proposed value")

		if h, err := meter.Float64Histogram("evaluation.duration",
			metric.WithDescription("Safety chain evaluation duration"), metric.WithUnit("ms")); err == nil {
			safetyMetrics.duration = h
		}
	})
}

func recordRuleOutcome(ctx context.Context, outcome, ruleID string) {
	initSafetyMetrics()

	var counter metric.Int64Counter

	switch outcome {
	case "evaluated":
		counter = safetyMetrics.evaluated
	case "refused":
		counter = safetyMetrics.refused
	case "modified":
		counter = safetyMetrics.modified
	case "accepted":
		counter = safetyMetrics.accepted
	}

	if counter == nil {
		return
	}

	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", ruleID)))
}

func recordEvaluationDuration(ctx context.Context, d time.Duration) {
	initSafetyMetrics()

	if safetyMetrics.duration == nil {
		return
	}

	safetyMetrics.duration.Record(ctx, float64(d)/float64(time.Millisecond))
}
