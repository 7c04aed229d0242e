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
	"time"

	"github.com/google/uuid"
)

// DecisionType is the closed set of auditable decisions.
type DecisionType string

const (
	DecisionIntentReceived      DecisionType = "INTENT_RECEIVED"
	DecisionIntentRejected      DecisionType = "INTENT_REJECTED"
	DecisionIntentModified      DecisionType = "INTENT_MODIFIED"
	DecisionDesiredCalculated   DecisionType = "DESIRED_CALCULATED"
	DecisionOverrideApplied     DecisionType = "OVERRIDE_APPLIED"
	DecisionOverrideBlocked     DecisionType = "OVERRIDE_BLOCKED"
	DecisionOverrideExpired     DecisionType = "OVERRIDE_EXPIRED"
	DecisionSafetyRuleActivated DecisionType = "SAFETY_RULE_ACTIVATED"
	DecisionDeviceConverged     DecisionType = "DEVICE_CONVERGED"
	DecisionDeviceDiverged      DecisionType = "DEVICE_DIVERGED"
	DecisionFallbackActivated   DecisionType = "FALLBACK_ACTIVATED"
	DecisionFailSafeApplied     DecisionType = "FAIL_SAFE_APPLIED"
)

// AuditEntry is one append-only record of a control-plane decision.
type AuditEntry struct {
	ID            uuid.UUID      `json:"id"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp"`
	DeviceID      *DeviceID      `json:"device_id,omitempty"`
	SystemID      *uuid.UUID     `json:"system_id,omitempty"`
	Decision      DecisionType   `json:"decision_type"`
	Actor         string         `json:"actor"`
	PreviousValue *DeviceValue   `json:"previous_value,omitempty"`
	NewValue      *DeviceValue   `json:"new_value,omitempty"`
	Reason        string         `json:"reason"`
	Context       map[string]any `json:"context,omitempty"`
}

// AuditQuery selects audit entries. Exactly one of CorrelationID, DeviceID,
// SystemID, or Decision drives the lookup; the time range applies to the
// timestamp-indexed lookups.
type AuditQuery struct {
	CorrelationID string
	DeviceID      *DeviceID
	SystemID      *uuid.UUID
	Decision      DecisionType
	From          time.Time
	To            time.Time
	Limit         int
}
