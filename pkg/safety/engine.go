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
	"fmt"
	"sort"
	"time"

	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

// Engine runs the ordered rule chain. failOpen controls what an evaluator
// error means: false (default) refuses the proposed value, true skips the
// broken rule.
type Engine struct {
	rules    []Rule
	failOpen bool
	log      logger.Logger
}

func NewEngine(log logger.Logger, failOpen bool) *Engine {
	return &Engine{failOpen: failOpen, log: log.WithComponent("safety-engine")}
}

// Register adds rules and re-sorts the chain: category descending, priority
// ascending, registration order on ties.
func (e *Engine) Register(rules ...Rule) {
	e.rules = append(e.rules, rules...)

	sort.SliceStable(e.rules, func(i, j int) bool {
		ci, cj := e.rules[i].Category().Rank(), e.rules[j].Category().Rank()
		if ci != cj {
			return ci > cj
		}

		return e.rules[i].Priority() < e.rules[j].Priority()
	})
}

// Rules returns the chain in evaluation order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)

	return out
}

// Evaluate runs the full chain against the context.
func (e *Engine) Evaluate(ctx context.Context, sc models.SafetyContext) models.SafetyEvaluation {
	return e.evaluate(ctx, sc, e.rules)
}

// EvaluateHardcodedOnly restricts the chain to HARDCODED_SAFETY rules. Used
// when the expression engine is unavailable.
func (e *Engine) EvaluateHardcodedOnly(ctx context.Context, sc models.SafetyContext) models.SafetyEvaluation {
	hardcoded := make([]Rule, 0, len(e.rules))

	for _, rule := range e.rules {
		if rule.Category() == models.RuleHardcodedSafety {
			hardcoded = append(hardcoded, rule)
		}
	}

	return e.evaluate(ctx, sc, hardcoded)
}

func (e *Engine) evaluate(ctx context.Context, sc models.SafetyContext, rules []Rule) models.SafetyEvaluation {
	started := time.Now()
	defer func() { recordEvaluationDuration(ctx, time.Since(started)) }()

	original := sc.Proposed
	current := sc.Proposed
	evaluated := make([]string, 0, len(rules))

	for _, rule := range rules {
		scoped := sc.WithProposed(current)

		if !rule.AppliesTo(scoped) {
			continue
		}

		evaluated = append(evaluated, rule.ID())
		recordRuleOutcome(ctx, "evaluated", rule.ID())

		decision, err := e.safeEvaluate(ctx, rule, scoped)
		if err != nil {
			if e.failOpen {
				e.log.Warn().Err(err).Str("rule", rule.ID()).Msg("rule evaluation failed, skipping (fail-open)")
				continue
			}

			e.log.Error().Err(err).Str("rule", rule.ID()).Msg("rule evaluation failed, refusing (fail-closed)")
			recordRuleOutcome(ctx, "refused", rule.ID())

			return models.SafetyEvaluation{
				Outcome:   models.SafetyRefused,
				Original:  original,
				RuleID:    rule.ID(),
				Reason:    "evaluation failed",
				Detail:    err.Error(),
				Evaluated: evaluated,
			}
		}

		switch decision.Kind {
		case models.RuleRefused:
			recordRuleOutcome(ctx, "refused", rule.ID())

			return models.SafetyEvaluation{
				Outcome:   models.SafetyRefused,
				Original:  original,
				RuleID:    decision.RuleID,
				Reason:    decision.Reason,
				Detail:    decision.Detail,
				Evaluated: evaluated,
			}
		case models.RuleModified:
			recordRuleOutcome(ctx, "modified", rule.ID())

			current = decision.Modified
		case models.RuleAccepted:
			recordRuleOutcome(ctx, "accepted", rule.ID())
		}
	}

	if current.Equal(original) {
		return models.SafetyEvaluation{
			Outcome:   models.SafetyAccepted,
			Final:     current,
			Original:  original,
			Evaluated: evaluated,
		}
	}

	return models.SafetyEvaluation{
		Outcome:   models.SafetyModified,
		Final:     current,
		Original:  original,
		Evaluated: evaluated,
	}
}

// safeEvaluate shields the chain from panicking rules; a panic is an
// evaluation error and follows the fail-closed path.
func (e *Engine) safeEvaluate(ctx context.Context, rule Rule, sc models.SafetyContext) (decision models.RuleDecision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule %s panicked: %v", rule.ID(), r)
		}
	}()

	return rule.Evaluate(ctx, sc)
}
