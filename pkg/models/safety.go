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

// SafetyContext is the immutable input to a safety evaluation. Related holds
// twin snapshots of the other devices in the same functional system.
type SafetyContext struct {
	DeviceID   DeviceID
	DeviceType DeviceType
	Current    *DeviceTwinSnapshot
	Proposed   DeviceValue
	System     *FunctionalSystem
	Related    map[DeviceID]*DeviceTwinSnapshot
	Metadata   map[string]any
}

// WithProposed returns a copy of the context carrying a new proposed value.
// Used by the engine to thread modifications through the rule chain.
func (c SafetyContext) WithProposed(v DeviceValue) SafetyContext {
	c.Proposed = v
	return c
}

// RelatedMatching returns the first related snapshot whose component id
// contains the given pattern (case-insensitive). Interlock rules use this to
// find the peer device.
func (c SafetyContext) RelatedMatching(pattern string) *DeviceTwinSnapshot {
	for id, snap := range c.Related {
		if strings.Contains(strings.ToLower(id.ComponentID), strings.ToLower(pattern)) {
			return snap
		}
	}

	return nil
}

// RuleDecisionKind discriminates a single rule's verdict.
type RuleDecisionKind string

const (
	RuleAccepted RuleDecisionKind = "ACCEPTED"
	RuleRefused  RuleDecisionKind = "REFUSED"
	RuleModified RuleDecisionKind = "MODIFIED"
)

// RuleDecision is the closed result type of one rule evaluation.
type RuleDecision struct {
	Kind     RuleDecisionKind
	RuleID   string
	Reason   string
	Detail   string
	Original DeviceValue
	Modified DeviceValue
}

func AcceptDecision() RuleDecision {
	return RuleDecision{Kind: RuleAccepted}
}

func RefuseDecision(ruleID, reason, detail string) RuleDecision {
	return RuleDecision{Kind: RuleRefused, RuleID: ruleID, Reason: reason, Detail: detail}
}

func ModifyDecision(ruleID string, original, modified DeviceValue, reason string) RuleDecision {
	return RuleDecision{
		Kind:     RuleModified,
		RuleID:   ruleID,
		Reason:   reason,
		Original: original,
		Modified: modified,
	}
}

// SafetyOutcome discriminates the engine-level evaluation result.
type SafetyOutcome string

const (
	SafetyAccepted SafetyOutcome = "ACCEPTED"
	SafetyModified SafetyOutcome = "MODIFIED"
	SafetyRefused  SafetyOutcome = "REFUSED"
)

// SafetyEvaluation is the aggregate outcome of running the rule chain.
// Evaluated lists the ids of every rule that applied, in evaluation order.
type SafetyEvaluation struct {
	Outcome   SafetyOutcome
	Final     DeviceValue
	Original  DeviceValue
	RuleID    string
	Reason    string
	Detail    string
	Evaluated []string
}

// RuleAction is what a configurable rule does when its condition matches.
type RuleAction string

const (
	RuleActionAccept RuleAction = "ACCEPT"
	RuleActionRefuse RuleAction = "REFUSE"
	RuleActionModify RuleAction = "MODIFY"
)

func ParseRuleAction(s string) (RuleAction, error) {
	switch a := RuleAction(strings.ToUpper(s)); a {
	case RuleActionAccept, RuleActionRefuse, RuleActionModify:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRuleAction, s)
	}
}

// ConfigurableRule is a persisted, expression-backed safety rule. Condition
// and Expression are evaluated in the sandboxed expression environment.
type ConfigurableRule struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Category    RuleCategory `json:"category"`
	Priority    int          `json:"priority"`
	Enabled     bool         `json:"enabled"`
	Condition   string       `json:"condition"`
	Action      RuleAction   `json:"action"`
	Expression  string       `json:"expression"`
	Reason      string       `json:"reason"`
	Version     int64        `json:"version"`
	UpdatedAt   time.Time    `json:"updated_at"`
}
