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

package models

import (
	"fmt"
	"strings"
	"time"
)

// OverrideScope distinguishes device-targeted from system-targeted overrides.
type OverrideScope string

const (
	OverrideScopeDevice OverrideScope = "DEVICE"
	OverrideScopeSystem OverrideScope = "SYSTEM"
)

func ParseOverrideScope(s string) (OverrideScope, error) {
	switch sc := OverrideScope(strings.ToUpper(s)); sc {
	case OverrideScopeDevice, OverrideScopeSystem:
		return sc, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOverrideScope, s)
	}
}

// OverrideCategory orders overrides by priority: MANUAL < SCHEDULED <
// MAINTENANCE < EMERGENCY (ascending).
type OverrideCategory string

const (
	OverrideManual      OverrideCategory = "MANUAL"
	OverrideScheduled   OverrideCategory = "SCHEDULED"
	OverrideMaintenance OverrideCategory = "MAINTENANCE"
	OverrideEmergency   OverrideCategory = "EMERGENCY"
)

// OverrideCategories lists all categories in ascending priority order.
var OverrideCategories = []OverrideCategory{
	OverrideManual, OverrideScheduled, OverrideMaintenance, OverrideEmergency,
}

func ParseOverrideCategory(s string) (OverrideCategory, error) {
	switch c := OverrideCategory(strings.ToUpper(s)); c {
	case OverrideManual, OverrideScheduled, OverrideMaintenance, OverrideEmergency:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOverrideCategory, s)
	}
}

// Rank returns the category's position in the precedence order; higher wins.
func (c OverrideCategory) Rank() int {
	switch c {
	case OverrideManual:
		return 0
	case OverrideScheduled:
		return 1
	case OverrideMaintenance:
		return 2
	case OverrideEmergency:
		return 3
	default:
		return -1
	}
}

// RuleCategory is the ordered tag set the safety engine and reporting share.
// Only SystemSafety and HardcodedSafety participate in the engine; the lower
// categories mirror override categories for reporting.
type RuleCategory string

const (
	RuleUserIntent      RuleCategory = "USER_INTENT"
	RuleManual          RuleCategory = "MANUAL"
	RuleScheduled       RuleCategory = "SCHEDULED"
	RuleMaintenance     RuleCategory = "MAINTENANCE"
	RuleEmergency       RuleCategory = "EMERGENCY"
	RuleSystemSafety    RuleCategory = "SYSTEM_SAFETY"
	RuleHardcodedSafety RuleCategory = "HARDCODED_SAFETY"
)

func (c RuleCategory) Rank() int {
	switch c {
	case RuleUserIntent:
		return 0
	case RuleManual:
		return 1
	case RuleScheduled:
		return 2
	case RuleMaintenance:
		return 3
	case RuleEmergency:
		return 4
	case RuleSystemSafety:
		return 5
	case RuleHardcodedSafety:
		return 6
	default:
		return -1
	}
}

// OverrideID builds the primary id "<targetId>:<category>". The target id is
// either a device wire id or a system UUID.
func OverrideID(targetID string, category OverrideCategory) string {
	return targetID + ":" + string(category)
}

// Override asserts a desired value at a precedence category, shadowing user
// intent. At most one override is active per (target, category); a new write
// for the same pair replaces the previous one.
type Override struct {
	ID        string           `json:"id"`
	TargetID  string           `json:"target_id"`
	Scope     OverrideScope    `json:"scope"`
	Category  OverrideCategory `json:"category"`
	Value     DeviceValue      `json:"value"`
	Reason    string           `json:"reason"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	CreatedBy string           `json:"created_by"`
	Version   int64            `json:"version"`
}

// Expired reports whether the override has lapsed at the given instant.
// Absent ExpiresAt means permanent.
func (o Override) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

func (o Override) Validate() error {
	if o.TargetID == "" {
		return fmt.Errorf("%w: empty target", ErrInvalidDeviceID)
	}

	if _, err := ParseOverrideScope(string(o.Scope)); err != nil {
		return err
	}

	if _, err := ParseOverrideCategory(string(o.Category)); err != nil {
		return err
	}

	if o.Value.IsZero() {
		return ErrNoValue
	}

	if o.Reason == "" {
		return ErrEmptyOverrideReason
	}

	return nil
}

// EffectiveOverride is the result of override resolution for a device:
// the winning override plus whether it came from the enclosing system.
type EffectiveOverride struct {
	Override     Override `json:"override"`
	IsFromSystem bool     `json:"is_from_system"`
}
