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

// Package calculator derives a device's desired state from the inputs that
// compete for it: the winning override if one is active, the user's intent
// otherwise, both filtered through the safety rule engine. The calculator
// never persists or publishes; the reconciler does that with its result.
package calculator

import (
	"context"

	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
	"github.com/dmgiangi/calcifer-sub000/pkg/safety"
)

// OverrideResolver resolves the override governing a device, if any.
type OverrideResolver interface {
	ResolveEffectiveForDevice(ctx context.Context, deviceID models.DeviceID, system *models.FunctionalSystem) (*models.EffectiveOverride, error)
}

// Calculator computes desired state.
type Calculator struct {
	overrides OverrideResolver
	engine    *safety.Engine
	builder   *safety.ContextBuilder
	log       logger.Logger
}

func New(overrides OverrideResolver, engine *safety.Engine, builder *safety.ContextBuilder, log logger.Logger) *Calculator {
	return &Calculator{
		overrides: overrides,
		engine:    engine,
		builder:   builder,
		log:       log.WithComponent("state-calculator"),
	}
}

// Calculate derives the desired state for the snapshot's device. system may
// be nil for unassigned devices. A system-scoped override whose value kind
// cannot drive this device is ignored for it.
func (c *Calculator) Calculate(ctx context.Context, snapshot *models.DeviceTwinSnapshot, system *models.FunctionalSystem) (models.CalculationResult, error) {
	effective, err := c.overrides.ResolveEffectiveForDevice(ctx, snapshot.ID, system)
	if err != nil {
		return models.CalculationResult{}, err
	}

	if effective != nil && !effective.Override.Value.MatchesType(snapshot.Type) {
		if !effective.IsFromSystem {
			c.log.Warn().
				Str("device", snapshot.ID.String()).
				Str("override", effective.Override.ID).
				Msg("device override value kind does not match device type, ignoring")
		}

		effective = nil
	}

	proposed, source := c.propose(snapshot, effective)
	if proposed.IsZero() {
		return models.CalcResultNoValue("no intent and no override"), nil
	}

	sc, err := c.builder.Build(ctx, snapshot.ID, snapshot.Type, proposed, system)
	if err != nil {
		return models.CalculationResult{}, err
	}

	evaluation := c.engine.Evaluate(ctx, sc)

	switch evaluation.Outcome {
	case models.SafetyRefused:
		return models.CalcResultSafetyRefused(evaluation.Reason, evaluation.RuleID), nil

	case models.SafetyModified:
		desired := models.DesiredDeviceState{ID: snapshot.ID, Type: snapshot.Type, Value: evaluation.Final}
		return models.CalcResultSafetyModified(desired, evaluation.Original, evaluation.RuleID, evaluation.Reason), nil

	default:
		desired := models.DesiredDeviceState{ID: snapshot.ID, Type: snapshot.Type, Value: proposed}

		if source == models.CalcFromOverride {
			return models.CalcResultFromOverride(desired,
				effective.Override.Category, effective.IsFromSystem, effective.Override.Reason), nil
		}

		return models.CalcResultFromIntent(desired), nil
	}
}

// propose picks the value competing for desired state: override beats
// intent.
func (c *Calculator) propose(snapshot *models.DeviceTwinSnapshot, effective *models.EffectiveOverride) (models.DeviceValue, models.CalculationKind) {
	if effective != nil {
		return effective.Override.Value, models.CalcFromOverride
	}

	if snapshot.Intent != nil {
		return snapshot.Intent.Value, models.CalcFromIntent
	}

	return models.DeviceValue{}, models.CalcNoValue
}
