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

// Package reconciler drives devices toward their desired state: the
// coordinator recomputes and persists desired state for one device, the
// periodic loop re-issues commands for devices whose reported state has not
// converged.
package reconciler

import (
	"context"
	"sync"

	"github.com/dmgiangi/calcifer-sub000/pkg/audit"
	"github.com/dmgiangi/calcifer-sub000/pkg/bus"
	"github.com/dmgiangi/calcifer-sub000/pkg/calculator"
	"github.com/dmgiangi/calcifer-sub000/pkg/correlation"
	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
	"github.com/dmgiangi/calcifer-sub000/pkg/twin"
)

// SystemResolver locates the system owning a device.
type SystemResolver interface {
	FindByDevice(ctx context.Context, deviceID models.DeviceID) (*models.FunctionalSystem, error)
}

// Coordinator serializes desired-state recomputation per device. Concurrent
// triggers for the same device (intent write racing an override expiry) run
// one at a time; triggers for different devices run in parallel.
type Coordinator struct {
	twins    twin.Store
	systems  SystemResolver
	calc     *calculator.Calculator
	events   bus.Publisher
	recorder audit.Recorder
	log      logger.Logger

	mu    sync.Mutex
	locks map[models.DeviceID]*sync.Mutex
}

func NewCoordinator(
	twins twin.Store,
	systems SystemResolver,
	calc *calculator.Calculator,
	events bus.Publisher,
	recorder audit.Recorder,
	log logger.Logger,
) *Coordinator {
	return &Coordinator{
		twins:    twins,
		systems:  systems,
		calc:     calc,
		events:   events,
		recorder: recorder,
		log:      log.WithComponent("coordinator"),
		locks:    make(map[models.DeviceID]*sync.Mutex),
	}
}

func (c *Coordinator) lockFor(id models.DeviceID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[id] = lock
	}

	return lock
}

// Reconcile recomputes the device's desired state and persists the outcome.
// A device with no twin record yields DeviceNotFound; a safety refusal
// leaves the previous desired state untouched.
func (c *Coordinator) Reconcile(ctx context.Context, deviceID models.DeviceID) (models.ReconciliationResult, error) {
	lock := c.lockFor(deviceID)
	lock.Lock()
	defer lock.Unlock()

	snapshot, err := c.twins.FindSnapshot(ctx, deviceID)
	if err != nil {
		return models.ReconciliationResult{}, err
	}

	if snapshot == nil {
		return models.ReconciliationResult{Kind: models.ReconcileNotFound}, nil
	}

	system, err := c.systems.FindByDevice(ctx, deviceID)
	if err != nil {
		return models.ReconciliationResult{}, err
	}

	result, err := c.calc.Calculate(ctx, snapshot, system)
	if err != nil {
		return models.ReconciliationResult{}, err
	}

	switch result.Kind {
	case models.CalcSafetyRefused:
		c.auditRefusal(ctx, snapshot, result)

		return models.ReconciliationResult{
			Kind:           models.ReconcileRefused,
			Reason:         result.Reason,
			BlockingRuleID: result.BlockingRuleID,
		}, nil

	case models.CalcNoValue:
		return models.ReconciliationResult{Kind: models.ReconcileNoChange, Reason: result.Reason}, nil
	}

	desired := *result.Desired

	if snapshot.Desired != nil && snapshot.Desired.Value.Equal(desired.Value) {
		return models.ReconciliationResult{Kind: models.ReconcileNoChange, Desired: &desired}, nil
	}

	if err := c.twins.SaveDesired(ctx, desired); err != nil {
		return models.ReconciliationResult{}, err
	}

	c.auditCalculated(ctx, snapshot, result)

	c.events.Publish(ctx, models.DesiredStateCalculated{
		Desired:       desired,
		Source:        result.Kind,
		Reason:        result.Reason,
		CorrelationID: correlation.FromContext(ctx),
	})

	return models.ReconciliationResult{Kind: models.ReconcileUpdated, Desired: &desired}, nil
}

func (c *Coordinator) auditRefusal(ctx context.Context, snapshot *models.DeviceTwinSnapshot, result models.CalculationResult) {
	deviceID := snapshot.ID

	var previous *models.DeviceValue
	if snapshot.Desired != nil {
		previous = &snapshot.Desired.Value
	}

	c.recorder.Record(ctx, models.AuditEntry{
		Decision:      models.DecisionIntentRejected,
		Actor:         "system:coordinator",
		DeviceID:      &deviceID,
		PreviousValue: previous,
		Reason:        result.Reason,
		Context:       map[string]any{"blocking_rule": result.BlockingRuleID},
	})
}

func (c *Coordinator) auditCalculated(ctx context.Context, snapshot *models.DeviceTwinSnapshot, result models.CalculationResult) {
	deviceID := snapshot.ID

	var previous *models.DeviceValue
	if snapshot.Desired != nil {
		previous = &snapshot.Desired.Value
	}

	newValue := result.Desired.Value

	entry := models.AuditEntry{
		Decision:      models.DecisionDesiredCalculated,
		Actor:         "system:coordinator",
		DeviceID:      &deviceID,
		PreviousValue: previous,
		NewValue:      &newValue,
		Reason:        result.Reason,
		Context:       map[string]any{"source": string(result.Kind)},
	}

	c.recorder.Record(ctx, entry)

	if result.Kind == models.CalcSafetyModified {
		c.recorder.Record(ctx, models.AuditEntry{
			Decision: models.DecisionIntentModified,
			Actor:    "system:coordinator",
			DeviceID: &deviceID,
			NewValue: &newValue,
			Reason:   result.Reason,
			Context:  map[string]any{"modifying_rule": result.BlockingRuleID},
		})
	}
}
