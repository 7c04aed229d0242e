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

package ingest

import (
	"context"
	"time"

	"github.com/dmgiangi/calcifer-sub000/pkg/audit"
	"github.com/dmgiangi/calcifer-sub000/pkg/bus"
	"github.com/dmgiangi/calcifer-sub000/pkg/correlation"
	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
	"github.com/dmgiangi/calcifer-sub000/pkg/twin"
)

// IntentService accepts user intent. Intent is always recorded, even when a
// safety rule will later refuse to act on it; the record preserves what the
// user asked for.
type IntentService struct {
	twins    twin.Store
	events   bus.Publisher
	recorder audit.Recorder
	log      logger.Logger

	nowFunc func() time.Time
}

func NewIntentService(twins twin.Store, events bus.Publisher, recorder audit.Recorder, log logger.Logger) *IntentService {
	return &IntentService{
		twins:    twins,
		events:   events,
		recorder: recorder,
		log:      log.WithComponent("intent"),
		nowFunc:  time.Now,
	}
}

// Submit validates and stores the intent, audits it, and publishes
// UserIntentChanged to trigger reconciliation.
func (s *IntentService) Submit(ctx context.Context, intent models.UserIntent, actor string) error {
	if intent.RequestedAt.IsZero() {
		intent.RequestedAt = s.nowFunc().UTC()
	}

	if err := intent.Validate(); err != nil {
		return err
	}

	if err := s.twins.SaveIntent(ctx, intent); err != nil {
		return err
	}

	deviceID := intent.ID
	newValue := intent.Value

	s.recorder.Record(ctx, models.AuditEntry{
		Decision: models.DecisionIntentReceived,
		Actor:    actor,
		DeviceID: &deviceID,
		NewValue: &newValue,
	})

	s.events.Publish(ctx, models.UserIntentChanged{
		Intent:        intent,
		CorrelationID: correlation.FromContext(ctx),
	})

	return nil
}
