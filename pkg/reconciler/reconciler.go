/*
 * Copyright 2025 the Calcifer Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package reconciler

import (
	"context"
	"time"

	"github.com/dmgiangi/calcifer-sub000/pkg/bus"
	"github.com/dmgiangi/calcifer-sub000/pkg/correlation"
	"github.com/dmgiangi/calcifer-sub000/pkg/health"
	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
	"github.com/dmgiangi/calcifer-sub000/pkg/twin"
)

const defaultInterval = 5 * time.Second

// Gate is the health surface the loop consults and reports into.
type Gate interface {
	Healthy() bool
	ReportFailure(component health.Component, err error)
}

// Loop periodically walks the active-output index and re-issues commands for
// devices whose reported state has not converged on the desired state. It
// runs on a single goroutine; a slow cycle delays the next tick instead of
// overlapping it.
type Loop struct {
	twins    twin.Store
	events   bus.Publisher
	gate     Gate
	interval time.Duration
	log      logger.Logger
}

func NewLoop(twins twin.Store, events bus.Publisher, gate Gate, interval time.Duration, log logger.Logger) *Loop {
	if interval <= 0 {
		interval = defaultInterval
	}

	return &Loop{
		twins:    twins,
		events:   events,
		gate:     gate,
		interval: interval,
		log:      log.WithComponent("reconciler"),
	}
}

// Run ticks until the context ends.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cycle(ctx)
		}
	}
}

// Cycle runs one reconciliation pass. When infrastructure is down the whole
// pass is skipped; commanding devices from stale state is worse than
// commanding them late. A single device failing never fails the pass.
func (l *Loop) Cycle(ctx context.Context) {
	if !l.gate.Healthy() {
		l.log.Warn().Msg("infrastructure unhealthy, skipping reconciliation cycle")
		recordCycleSkipped(ctx)

		return
	}

	start := time.Now()

	desireds, err := l.twins.FindAllActiveOutputDevices(ctx)
	if err != nil {
		l.log.Error().Err(err).Msg("failed to list active output devices")
		l.gate.ReportFailure(health.ComponentTwinStore, err)

		return
	}

	var skipped, reconciled, failed, missing int

	for _, desired := range desireds {
		switch outcome := l.reconcileDevice(ctx, desired); outcome {
		case deviceConverged:
			skipped++
		case deviceCommanded:
			reconciled++
		case deviceFailed:
			failed++
		case deviceMissing:
			missing++
		}
	}

	recordCycle(ctx, len(desireds), skipped, reconciled, failed, missing, time.Since(start))

	if reconciled > 0 || failed > 0 || missing > 0 {
		l.log.Info().
			Int("active", len(desireds)).
			Int("skipped", skipped).
			Int("reconciled", reconciled).
			Int("failed", failed).
			Int("missing_snapshot", missing).
			Msg("reconciliation cycle complete")
	}
}

type deviceOutcome int

const (
	deviceConverged deviceOutcome = iota
	deviceCommanded
	deviceFailed
	deviceMissing
)

func (l *Loop) reconcileDevice(ctx context.Context, desired models.DesiredDeviceState) deviceOutcome {
	snapshot, err := l.twins.FindSnapshot(ctx, desired.ID)
	if err != nil {
		l.log.Error().Err(err).Str("device", desired.ID.String()).Msg("failed to read twin snapshot")
		return deviceFailed
	}

	if snapshot == nil || snapshot.Desired == nil {
		l.log.Warn().Str("device", desired.ID.String()).Msg("active index entry without snapshot")
		return deviceMissing
	}

	if snapshot.Converged() {
		return deviceConverged
	}

	cycleCtx, correlationID := correlation.Ensure(ctx)

	l.events.Publish(cycleCtx, models.DeviceCommandEvent{
		ID:            snapshot.ID,
		Type:          snapshot.Type,
		Value:         snapshot.Desired.Value,
		CorrelationID: correlationID,
	})

	return deviceCommanded
}
