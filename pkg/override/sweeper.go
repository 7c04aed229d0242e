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

package override

import (
	"context"
	"time"

	"github.com/dmgiangi/calcifer-sub000/pkg/audit"
	"github.com/dmgiangi/calcifer-sub000/pkg/bus"
	"github.com/dmgiangi/calcifer-sub000/pkg/correlation"
	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

const defaultSweepInterval = time.Minute

// Sweeper removes lapsed overrides. Reads already filter expiry logically,
// so the sweeper only reclaims storage and triggers the reconciliation that
// returns affected devices to user intent.
type Sweeper struct {
	store    *Store
	events   bus.Publisher
	recorder audit.Recorder
	interval time.Duration
	log      logger.Logger
}

func NewSweeper(store *Store, events bus.Publisher, recorder audit.Recorder, interval time.Duration, log logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	return &Sweeper{
		store:    store,
		events:   events,
		recorder: recorder,
		interval: interval,
		log:      log.WithComponent("override-sweeper"),
	}
}

// Run sweeps on the configured interval until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep removes every lapsed override. Each expiry gets its own correlation
// id, an audit entry, and an OverrideExpired event.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.store.FindExpired(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list expired overrides")
		return
	}

	for _, o := range expired {
		sweepCtx, correlationID := correlation.Ensure(ctx)

		existed, err := s.store.DeleteByTargetAndCategory(sweepCtx, o.TargetID, o.Category)
		if err != nil {
			s.log.Error().Err(err).Str("override", o.ID).Msg("failed to delete expired override")
			continue
		}

		if !existed {
			continue
		}

		s.log.Info().
			Str("override", o.ID).
			Str("target", o.TargetID).
			Str("category", string(o.Category)).
			Msg("override expired")

		s.recorder.Record(sweepCtx, models.AuditEntry{
			Decision: models.DecisionOverrideExpired,
			Actor:    "system:sweeper",
			Reason:   "override TTL elapsed",
			Context: map[string]any{
				"target":   o.TargetID,
				"category": string(o.Category),
			},
		})

		s.events.Publish(sweepCtx, models.OverrideExpired{Override: o, CorrelationID: correlationID})
	}
}
