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

package safety

import (
	"context"
	"strings"

	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

// Rule ids of the built-in hardcoded safety rules.
const (
	RulePumpFireInterlock = "PUMP_FIRE_INTERLOCK"
	RuleFirePumpInterlock = "FIRE_PUMP_INTERLOCK"
	RuleMaxFanSpeed       = "MAX_FAN_SPEED"
)

// PumpFireInterlock refuses switching a fire device off while the related
// pump's desired state is on. Water must stop circulating only after the
// fire is out.
type PumpFireInterlock struct{}

func (PumpFireInterlock) ID() string                    { return RulePumpFireInterlock }
func (PumpFireInterlock) Name() string                  { return "pump/fire interlock" }
func (PumpFireInterlock) Category() models.RuleCategory { return models.RuleHardcodedSafety }
func (PumpFireInterlock) Priority() int                 { return 10 }

func (PumpFireInterlock) AppliesTo(sc models.SafetyContext) bool {
	return strings.Contains(strings.ToLower(sc.DeviceID.ComponentID), "fire") &&
		sc.Proposed.Kind() == models.ValueKindRelay
}

func (r PumpFireInterlock) Evaluate(_ context.Context, sc models.SafetyContext) (models.RuleDecision, error) {
	if sc.Proposed.RelayOn() {
		return models.AcceptDecision(), nil
	}

	pump := sc.RelatedMatching("pump")
	if pump != nil && pump.Desired != nil && pump.Desired.Value.RelayOn() {
		return models.RefuseDecision(r.ID(),
			"fire cannot be switched off while the pump is on",
			"related pump desired state is relay(true)"), nil
	}

	return models.AcceptDecision(), nil
}

// FirePumpInterlock forces the pump back on when something tries to switch it
// off while the related fire device's desired state is still on.
type FirePumpInterlock struct{}

func (FirePumpInterlock) ID() string                    { return RuleFirePumpInterlock }
func (FirePumpInterlock) Name() string                  { return "fire/pump interlock" }
func (FirePumpInterlock) Category() models.RuleCategory { return models.RuleHardcodedSafety }
func (FirePumpInterlock) Priority() int                 { return 10 }

func (FirePumpInterlock) AppliesTo(sc models.SafetyContext) bool {
	return strings.Contains(strings.ToLower(sc.DeviceID.ComponentID), "pump") &&
		sc.Proposed.Kind() == models.ValueKindRelay
}

func (r FirePumpInterlock) Evaluate(_ context.Context, sc models.SafetyContext) (models.RuleDecision, error) {
	if sc.Proposed.RelayOn() {
		return models.AcceptDecision(), nil
	}

	fire := sc.RelatedMatching("fire")
	if fire != nil && fire.Desired != nil && fire.Desired.Value.RelayOn() {
		return models.ModifyDecision(r.ID(), sc.Proposed, models.NewRelayValue(true),
			"pump kept on while fire is on"), nil
	}

	return models.AcceptDecision(), nil
}

func (FirePumpInterlock) SuggestCorrection(models.SafetyContext) (models.DeviceValue, bool) {
	return models.NewRelayValue(true), true
}

// MaxFanSpeed clamps fan speeds to a configured ceiling.
type MaxFanSpeed struct {
	MaxAllowed int
}

// NewMaxFanSpeed builds the clamp rule; non-positive ceilings fall back to
// the type range maximum.
func NewMaxFanSpeed(maxAllowed int) MaxFanSpeed {
	if maxAllowed <= 0 || maxAllowed > models.MaxFanSpeed {
		maxAllowed = models.MaxFanSpeed
	}

	return MaxFanSpeed{MaxAllowed: maxAllowed}
}

func (MaxFanSpeed) ID() string                    { return RuleMaxFanSpeed }
func (MaxFanSpeed) Name() string                  { return "maximum fan speed" }
func (MaxFanSpeed) Category() models.RuleCategory { return models.RuleHardcodedSafety }
func (MaxFanSpeed) Priority() int                 { return 20 }

func (MaxFanSpeed) AppliesTo(sc models.SafetyContext) bool {
	return sc.DeviceType == models.DeviceTypeFan && sc.Proposed.Kind() == models.ValueKindFan
}

func (r MaxFanSpeed) Evaluate(_ context.Context, sc models.SafetyContext) (models.RuleDecision, error) {
	speed := sc.Proposed.FanSpeed()
	if speed <= r.MaxAllowed {
		return models.AcceptDecision(), nil
	}

	clamped, err := models.NewFanValue(r.MaxAllowed)
	if err != nil {
		return models.RuleDecision{}, err
	}

	return models.ModifyDecision(r.ID(), sc.Proposed, clamped, "fan speed clamped to maximum"), nil
}

func (r MaxFanSpeed) SuggestCorrection(models.SafetyContext) (models.DeviceValue, bool) {
	clamped, err := models.NewFanValue(r.MaxAllowed)
	if err != nil {
		return models.DeviceValue{}, false
	}

	return clamped, true
}

// HardcodedRules returns the built-in rule set.
func HardcodedRules(maxFanSpeed int) []Rule {
	return []Rule{
		PumpFireInterlock{},
		FirePumpInterlock{},
		NewMaxFanSpeed(maxFanSpeed),
	}
}
