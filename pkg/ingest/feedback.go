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

// Package ingest turns raw controller frames into twin state: actuator
// feedback becomes reported state, temperature frames become cached
// readings. Frames are deduplicated, parsed strictly, and dead-lettered when
// they cannot be applied.
package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dmgiangi/calcifer-sub000/pkg/audit"
	"github.com/dmgiangi/calcifer-sub000/pkg/bus"
	"github.com/dmgiangi/calcifer-sub000/pkg/correlation"
	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
	"github.com/dmgiangi/calcifer-sub000/pkg/twin"
)

// DeadLetterSink persists frames that exhausted their retries.
type DeadLetterSink interface {
	InsertDeadLetter(ctx context.Context, source, key, payload, errMsg string, attempts int) error
}

// FeedbackHandler applies actuator feedback to the twin's reported state.
type FeedbackHandler struct {
	twins       twin.Store
	filter      *IdempotencyFilter
	deadLetters DeadLetterSink
	events      bus.Publisher
	recorder    audit.Recorder
	log         logger.Logger

	nowFunc func() time.Time
}

func NewFeedbackHandler(
	twins twin.Store,
	filter *IdempotencyFilter,
	deadLetters DeadLetterSink,
	events bus.Publisher,
	recorder audit.Recorder,
	log logger.Logger,
) *FeedbackHandler {
	return &FeedbackHandler{
		twins:       twins,
		filter:      filter,
		deadLetters: deadLetters,
		events:      events,
		recorder:    recorder,
		log:         log.WithComponent("feedback-ingest"),
		nowFunc:     time.Now,
	}
}

// Handle processes one feedback frame. Duplicates are dropped, malformed
// frames are dead-lettered immediately, store write failures are retried
// with backoff before dead-lettering.
func (h *FeedbackHandler) Handle(ctx context.Context, frame models.ActuatorFeedbackReceived) {
	key := frame.MessageID
	if key == "" {
		key = DeduplicationKey(
			frame.ControllerID+":"+frame.ComponentID,
			h.nowFunc().UTC().Truncate(time.Second).Format(time.RFC3339),
			frame.Payload,
		)
	}

	if !h.filter.FirstSeen(ctx, key) {
		h.log.Debug().Str("key", key).Msg("duplicate feedback frame dropped")
		return
	}

	state, err := parseFeedback(frame, h.nowFunc().UTC())
	if err != nil {
		h.log.Warn().Err(err).
			Str("controller", frame.ControllerID).
			Str("component", frame.ComponentID).
			Str("payload", frame.Payload).
			Msg("unparseable feedback frame")
		h.deadLetter(ctx, frame, key, err, 1)

		return
	}

	err = withRetry(ctx, func() error {
		return h.twins.SaveReported(ctx, state)
	})
	if err != nil {
		h.log.Error().Err(err).Str("device", state.ID.String()).Msg("failed to persist reported state")
		h.deadLetter(ctx, frame, key, err, retryAttempts)

		return
	}

	h.auditConvergence(ctx, state)

	h.events.Publish(ctx, models.ReportedStateChanged{
		State:         state,
		CorrelationID: correlation.FromContext(ctx),
	})
}

func (h *FeedbackHandler) deadLetter(ctx context.Context, frame models.ActuatorFeedbackReceived, key string, cause error, attempts int) {
	payload := frame.ControllerID + "/" + frame.HandlerType + "/" + frame.ComponentID + " " + frame.Payload

	if err := h.deadLetters.InsertDeadLetter(ctx, "feedback", key, payload, cause.Error(), attempts); err != nil {
		h.log.Error().Err(err).Str("key", key).Msg("failed to dead-letter feedback frame")
	}
}

// auditConvergence records whether the device has converged on its desired
// state after this report.
func (h *FeedbackHandler) auditConvergence(ctx context.Context, state models.ReportedDeviceState) {
	snapshot, err := h.twins.FindSnapshot(ctx, state.ID)
	if err != nil || snapshot == nil || snapshot.Desired == nil {
		return
	}

	decision := models.DecisionDeviceDiverged
	if snapshot.Converged() {
		decision = models.DecisionDeviceConverged
	}

	deviceID := state.ID

	h.recorder.Record(ctx, models.AuditEntry{
		Decision: decision,
		Actor:    "device:" + state.ID.ControllerID,
		DeviceID: &deviceID,
		NewValue: state.Value,
	})
}

// parseFeedback maps a raw frame to a typed reported state. Handler types
// and payload grammars are the controller firmware's, not ours.
func parseFeedback(frame models.ActuatorFeedbackReceived, at time.Time) (models.ReportedDeviceState, error) {
	id := models.DeviceID{ControllerID: frame.ControllerID, ComponentID: frame.ComponentID}
	if id.ControllerID == "" || id.ComponentID == "" {
		return models.ReportedDeviceState{}, models.ErrInvalidDeviceID
	}

	var (
		value models.DeviceValue
		dtype models.DeviceType
	)

	switch strings.ToLower(frame.HandlerType) {
	case "digital_output":
		on, err := parseRelayPayload(frame.Payload)
		if err != nil {
			return models.ReportedDeviceState{}, err
		}

		value = models.NewRelayValue(on)
		dtype = models.DeviceTypeRelay

	case "fan":
		speed, err := strconv.Atoi(strings.TrimSpace(frame.Payload))
		if err != nil {
			return models.ReportedDeviceState{}, fmt.Errorf("fan payload %q: %w", frame.Payload, err)
		}

		value, err = models.NewFanValue(speed)
		if err != nil {
			return models.ReportedDeviceState{}, err
		}

		dtype = models.DeviceTypeFan

	default:
		return models.ReportedDeviceState{}, fmt.Errorf("%w: handler type %q", models.ErrUnknownDeviceType, frame.HandlerType)
	}

	return models.ReportedDeviceState{
		ID:         id,
		Type:       dtype,
		Value:      &value,
		ReportedAt: at,
		Known:      true,
	}, nil
}

func parseRelayPayload(payload string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case "1", "true", "on":
		return true, nil
	case "0", "false", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%w: relay payload %q", models.ErrTypeValueMismatch, payload)
	}
}
