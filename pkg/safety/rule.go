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

// Package safety evaluates ordered safety rules against a proposed device
// value. Hardcoded rules are value types; configurable rules are CEL
// expressions evaluated in a sandbox.
package safety

import (
	"context"

	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

// Rule is one safety rule. Rules are ordered by category descending then
// priority ascending (lower priority value runs earlier within a category);
// ties keep registration order.
type Rule interface {
	ID() string
	Name() string
	Category() models.RuleCategory
	Priority() int

	// AppliesTo reports whether the rule has anything to say about the
	// context. Non-applicable rules are skipped and not recorded.
	AppliesTo(sc models.SafetyContext) bool

	// Evaluate returns the rule's verdict. An error is converted by the
	// engine to a refusal (fail closed).
	Evaluate(ctx context.Context, sc models.SafetyContext) (models.RuleDecision, error)
}

// CorrectionSuggester is an optional capability: a rule that can propose a
// value which would pass it.
type CorrectionSuggester interface {
	SuggestCorrection(sc models.SafetyContext) (models.DeviceValue, bool)
}
