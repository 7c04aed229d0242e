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
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmgiangi/calcifer-sub000/pkg/audit"
	"github.com/dmgiangi/calcifer-sub000/pkg/bus"
	"github.com/dmgiangi/calcifer-sub000/pkg/correlation"
	"github.com/dmgiangi/calcifer-sub000/pkg/db"
	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
	"github.com/dmgiangi/calcifer-sub000/pkg/safety"
)

// SystemResolver locates functional systems during validation.
type SystemResolver interface {
	Get(ctx context.Context, id uuid.UUID) (*models.FunctionalSystem, error)
	FindByDevice(ctx context.Context, deviceID models.DeviceID) (*models.FunctionalSystem, error)
}

// Request is an override application request, before safety validation.
type Request struct {
	TargetID  string
	Scope     models.OverrideScope
	Category  models.OverrideCategory
	Value     models.DeviceValue
	Reason    string
	TTL       *time.Duration
	CreatedBy string
}

// Pipeline validates override requests through the safety engine before they
// reach the store. Safety rules outrank every override category: an
// emergency override that violates an interlock is still blocked.
type Pipeline struct {
	store    *Store
	engine   *safety.Engine
	builder  *safety.ContextBuilder
	systems  SystemResolver
	events   bus.Publisher
	recorder audit.Recorder
	log      logger.Logger

	nowFunc func() time.Time
}

func NewPipeline(
	store *Store,
	engine *safety.Engine,
	builder *safety.ContextBuilder,
	systems SystemResolver,
	events bus.Publisher,
	recorder audit.Recorder,
	log logger.Logger,
) *Pipeline {
	return &Pipeline{
		store:    store,
		engine:   engine,
		builder:  builder,
		systems:  systems,
		events:   events,
		recorder: recorder,
		log:      log.WithComponent("override-pipeline"),
		nowFunc:  time.Now,
	}
}

// Apply validates the request and, when not blocked, persists the resulting
// override and publishes OverrideApplied. A safety modification is persisted
// with the modified value and reported as such.
func (p *Pipeline) Apply(ctx context.Context, req Request) (models.OverrideValidationResult, error) {
	return p.run(ctx, req, true)
}

// ValidateOnly runs the same validation without persisting or publishing.
func (p *Pipeline) ValidateOnly(ctx context.Context, req Request) (models.OverrideValidationResult, error) {
	return p.run(ctx, req, false)
}

func (p *Pipeline) run(ctx context.Context, req Request, persist bool) (models.OverrideValidationResult, error) {
	candidate := models.Override{
		ID:        models.OverrideID(req.TargetID, req.Category),
		TargetID:  req.TargetID,
		Scope:     req.Scope,
		Category:  req.Category,
		Value:     req.Value,
		Reason:    req.Reason,
		CreatedBy: req.CreatedBy,
		CreatedAt: p.nowFunc().UTC(),
	}

	if req.TTL != nil {
		expires := candidate.CreatedAt.Add(*req.TTL)
		candidate.ExpiresAt = &expires
	}

	if err := candidate.Validate(); err != nil {
		return models.OverrideValidationResult{}, err
	}

	var (
		evaluation models.SafetyEvaluation
		err        error
	)

	switch req.Scope {
	case models.OverrideScopeDevice:
		evaluation, err = p.validateDevice(ctx, req)
	case models.OverrideScopeSystem:
		evaluation, err = p.validateSystem(ctx, req)
	default:
		return models.OverrideValidationResult{}, fmt.Errorf("%w: %q", models.ErrUnknownOverrideScope, req.Scope)
	}

	if err != nil {
		return models.OverrideValidationResult{}, err
	}

	original := req.Value

	switch evaluation.Outcome {
	case models.SafetyRefused:
		p.auditBlocked(ctx, candidate, evaluation)

		return models.OverrideValidationResult{
			Kind:          models.OverrideOutcomeBlocked,
			OriginalValue: &original,
			BlockingRules: []string{evaluation.RuleID},
			Reason:        evaluation.Reason,
		}, nil

	case models.SafetyModified:
		candidate.Value = evaluation.Final

		if persist {
			if err := p.persist(ctx, candidate); err != nil {
				return models.OverrideValidationResult{}, err
			}
		}

		modified := evaluation.Final

		return models.OverrideValidationResult{
			Kind:          models.OverrideOutcomeModified,
			Override:      &candidate,
			OriginalValue: &original,
			ModifiedValue: &modified,
			ModifyingRule: []string{evaluation.RuleID},
			Reason:        evaluation.Reason,
		}, nil

	default:
		if persist {
			if err := p.persist(ctx, candidate); err != nil {
				return models.OverrideValidationResult{}, err
			}
		}

		return models.OverrideValidationResult{
			Kind:     models.OverrideOutcomeApplied,
			Override: &candidate,
		}, nil
	}
}

func (p *Pipeline) validateDevice(ctx context.Context, req Request) (models.SafetyEvaluation, error) {
	deviceID, err := models.ParseDeviceID(req.TargetID)
	if err != nil {
		return models.SafetyEvaluation{}, err
	}

	system, err := p.systems.FindByDevice(ctx, deviceID)
	if err != nil {
		return models.SafetyEvaluation{}, err
	}

	deviceType, err := p.deviceTypeFor(ctx, deviceID, req.Value)
	if err != nil {
		return models.SafetyEvaluation{}, err
	}

	sc, err := p.builder.Build(ctx, deviceID, deviceType, req.Value, system)
	if err != nil {
		return models.SafetyEvaluation{}, err
	}

	return p.engine.Evaluate(ctx, sc), nil
}

// validateSystem evaluates the override against every output member the
// value can drive. Any refusal blocks the whole override; otherwise the most
// restrictive modification becomes the final value.
func (p *Pipeline) validateSystem(ctx context.Context, req Request) (models.SafetyEvaluation, error) {
	systemID, err := uuid.Parse(req.TargetID)
	if err != nil {
		return models.SafetyEvaluation{}, fmt.Errorf("%w: system target %q", models.ErrInvalidDeviceID, req.TargetID)
	}

	system, err := p.systems.Get(ctx, systemID)
	if err != nil {
		return models.SafetyEvaluation{}, err
	}

	final := req.Value
	outcome := models.SafetyEvaluation{Outcome: models.SafetyAccepted, Final: final, Original: req.Value}

	for _, memberID := range system.DeviceIDs {
		snapshot, err := p.builder.Build(ctx, memberID, req.Value.Kind().DeviceType(), req.Value, system)
		if err != nil {
			return models.SafetyEvaluation{}, err
		}

		if snapshot.Current != nil && !req.Value.MatchesType(snapshot.Current.Type) {
			continue
		}

		evaluation := p.engine.Evaluate(ctx, snapshot)

		switch evaluation.Outcome {
		case models.SafetyRefused:
			return evaluation, nil
		case models.SafetyModified:
			if moreRestrictive(evaluation.Final, final) {
				final = evaluation.Final
				outcome = evaluation
				outcome.Original = req.Value
				outcome.Final = final
			}
		}
	}

	return outcome, nil
}

// moreRestrictive orders device values by how strongly they limit actuation:
// off beats on, a lower fan speed beats a higher one.
func moreRestrictive(a, b models.DeviceValue) bool {
	switch a.Kind() {
	case models.ValueKindRelay:
		return !a.RelayOn() && b.RelayOn()
	case models.ValueKindFan:
		return a.FanSpeed() < b.FanSpeed()
	default:
		return false
	}
}

// deviceTypeFor resolves the device's type from its twin record, falling
// back to the value's natural type for devices never seen before.
func (p *Pipeline) deviceTypeFor(ctx context.Context, deviceID models.DeviceID, value models.DeviceValue) (models.DeviceType, error) {
	snapshot, err := p.builder.Snapshot(ctx, deviceID)
	if err != nil {
		return "", err
	}

	if snapshot != nil {
		if !value.MatchesType(snapshot.Type) {
			return "", fmt.Errorf("%w: device is %s", models.ErrTypeValueMismatch, snapshot.Type)
		}

		return snapshot.Type, nil
	}

	return value.Kind().DeviceType(), nil
}

func (p *Pipeline) persist(ctx context.Context, o models.Override) error {
	saved, err := p.store.Save(ctx, o)
	if err != nil {
		return err
	}

	correlationID := correlation.FromContext(ctx)

	p.recorder.Record(ctx, models.AuditEntry{
		Decision: models.DecisionOverrideApplied,
		Actor:    o.CreatedBy,
		NewValue: &o.Value,
		Reason:   o.Reason,
		Context: map[string]any{
			"target":   o.TargetID,
			"scope":    string(o.Scope),
			"category": string(o.Category),
		},
	})

	p.events.Publish(ctx, models.OverrideApplied{Override: *saved, CorrelationID: correlationID})

	return nil
}

func (p *Pipeline) auditBlocked(ctx context.Context, o models.Override, evaluation models.SafetyEvaluation) {
	p.recorder.Record(ctx, models.AuditEntry{
		Decision: models.DecisionOverrideBlocked,
		Actor:    o.CreatedBy,
		NewValue: &o.Value,
		Reason:   evaluation.Reason,
		Context: map[string]any{
			"target":        o.TargetID,
			"category":      string(o.Category),
			"blocking_rule": evaluation.RuleID,
		},
	})
}

// Cancel removes an override and publishes OverrideCancelled so the targets
// get reconciled back to intent. Returns db.ErrOverrideNotFound when the
// (target, category) pair has no override.
func (p *Pipeline) Cancel(ctx context.Context, targetID string, category models.OverrideCategory) error {
	existing, err := p.store.FindByTargetAndCategory(ctx, targetID, category)
	if err != nil {
		return err
	}

	existed, err := p.store.DeleteByTargetAndCategory(ctx, targetID, category)
	if err != nil {
		return err
	}

	if !existed {
		return db.ErrOverrideNotFound
	}

	p.log.Info().Str("target", targetID).Str("category", string(category)).Msg("override cancelled")
	p.events.Publish(ctx, models.OverrideCancelled{
		Override:      *existing,
		CorrelationID: correlation.FromContext(ctx),
	})

	return nil
}

// ListActive returns the target's active overrides, highest category first.
func (p *Pipeline) ListActive(ctx context.Context, targetID string) ([]models.Override, error) {
	return p.store.FindActiveByTarget(ctx, targetID)
}

// ResolveEffective resolves the winning override for a bare target id.
func (p *Pipeline) ResolveEffective(ctx context.Context, targetID string) (*models.Override, error) {
	return p.store.FindEffectiveByTarget(ctx, targetID)
}
