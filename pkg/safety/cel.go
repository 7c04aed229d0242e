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
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

// expressionTimeout bounds a single expression evaluation. The program is
// compiled with interrupt checks so a runaway expression stops at the
// deadline instead of hanging the chain.
const expressionTimeout = 100 * time.Millisecond

var (
	ErrConditionNotBool   = errors.New("rule condition did not evaluate to a boolean")
	ErrExpressionNotValue = errors.New("rule expression did not evaluate to a device value")
)

// newRuleEnv builds the sandboxed expression environment. Only the fixed
// binding set is visible; CEL itself admits no method invocation on bound
// values, no static access, and no construction of unregistered types.
func newRuleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("deviceId", cel.StringType),
		cel.Variable("deviceType", cel.StringType),
		cel.Variable("proposedValue", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("currentValue", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("reportedValue", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("systemType", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// celRule is a configurable rule backed by compiled CEL programs.
type celRule struct {
	cfg       models.ConfigurableRule
	condition cel.Program
	modify    cel.Program
}

// CompileRule compiles a persisted configurable rule. Compile errors make
// the rule unusable and are returned to the loader.
func CompileRule(cfg models.ConfigurableRule) (Rule, error) {
	env, err := newRuleEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to build rule environment: %w", err)
	}

	condition, err := compileProgram(env, cfg.Condition)
	if err != nil {
		return nil, fmt.Errorf("rule %s condition: %w", cfg.ID, err)
	}

	rule := &celRule{cfg: cfg, condition: condition}

	if cfg.Action == models.RuleActionModify {
		modify, err := compileProgram(env, cfg.Expression)
		if err != nil {
			return nil, fmt.Errorf("rule %s expression: %w", cfg.ID, err)
		}

		rule.modify = modify
	}

	return rule, nil
}

func compileProgram(env *cel.Env, src string) (cel.Program, error) {
	ast, issues := env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}

	return env.Program(ast, cel.InterruptCheckFrequency(64))
}

// LoadRules compiles persisted rules, skipping (and logging) those that fail
// to compile so one broken rule cannot take the engine down.
func LoadRules(cfgs []models.ConfigurableRule, log logger.Logger) []Rule {
	rules := make([]Rule, 0, len(cfgs))

	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}

		rule, err := CompileRule(cfg)
		if err != nil {
			log.Error().Err(err).Str("rule", cfg.ID).Msg("disabling configurable rule: compile failed")
			continue
		}

		rules = append(rules, rule)
	}

	return rules
}

func (r *celRule) ID() string                    { return r.cfg.ID }
func (r *celRule) Name() string                  { return r.cfg.Name }
func (r *celRule) Category() models.RuleCategory { return r.cfg.Category }
func (r *celRule) Priority() int                 { return r.cfg.Priority }

// AppliesTo evaluates the condition. An evaluation error reports true so
// that Evaluate re-runs the condition and surfaces the error through the
// engine's fail-closed path.
func (r *celRule) AppliesTo(sc models.SafetyContext) bool {
	matched, err := r.conditionMatches(context.Background(), sc)
	if err != nil {
		return true
	}

	return matched
}

func (r *celRule) Evaluate(ctx context.Context, sc models.SafetyContext) (models.RuleDecision, error) {
	matched, err := r.conditionMatches(ctx, sc)
	if err != nil {
		return models.RuleDecision{}, err
	}

	if !matched {
		return models.AcceptDecision(), nil
	}

	switch r.cfg.Action {
	case models.RuleActionAccept:
		return models.AcceptDecision(), nil
	case models.RuleActionRefuse:
		return models.RefuseDecision(r.cfg.ID, r.cfg.Reason, "condition matched"), nil
	case models.RuleActionModify:
		modified, err := r.evalModify(ctx, sc)
		if err != nil {
			return models.RuleDecision{}, err
		}

		if modified.Equal(sc.Proposed) {
			return models.AcceptDecision(), nil
		}

		return models.ModifyDecision(r.cfg.ID, sc.Proposed, modified, r.cfg.Reason), nil
	default:
		return models.RuleDecision{}, fmt.Errorf("%w: %q", models.ErrUnknownRuleAction, r.cfg.Action)
	}
}

func (r *celRule) conditionMatches(ctx context.Context, sc models.SafetyContext) (bool, error) {
	out, err := evalProgram(ctx, r.condition, ruleActivation(sc))
	if err != nil {
		return false, err
	}

	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrConditionNotBool, r.cfg.ID)
	}

	return matched, nil
}

func (r *celRule) evalModify(ctx context.Context, sc models.SafetyContext) (models.DeviceValue, error) {
	out, err := evalProgram(ctx, r.modify, ruleActivation(sc))
	if err != nil {
		return models.DeviceValue{}, err
	}

	asMap, ok := out.(map[string]any)
	if !ok {
		return models.DeviceValue{}, fmt.Errorf("%w: %s", ErrExpressionNotValue, r.cfg.ID)
	}

	value, err := models.DeviceValueFromMap(asMap)
	if err != nil {
		return models.DeviceValue{}, fmt.Errorf("rule %s: %w", r.cfg.ID, err)
	}

	return value, nil
}

func evalProgram(ctx context.Context, prg cel.Program, activation map[string]any) (any, error) {
	evalCtx, cancel := context.WithTimeout(ctx, expressionTimeout)
	defer cancel()

	out, _, err := prg.ContextEval(evalCtx, activation)
	if err != nil {
		return nil, err
	}

	native, err := out.ConvertToNative(reflect.TypeOf(map[string]any(nil)))
	if err == nil {
		return native, nil
	}

	return out.Value(), nil
}

// ruleActivation binds the fixed variable set from the evaluation context.
func ruleActivation(sc models.SafetyContext) map[string]any {
	orEmpty := func(m map[string]any) map[string]any {
		if m == nil {
			return map[string]any{}
		}

		return m
	}

	var current, reported map[string]any

	if sc.Current != nil {
		if sc.Current.Desired != nil {
			current = sc.Current.Desired.Value.AsMap()
		}

		if sc.Current.Reported != nil && sc.Current.Reported.Value != nil {
			reported = sc.Current.Reported.Value.AsMap()
		}
	}

	systemType := ""
	if sc.System != nil {
		systemType = string(sc.System.Type)
	}

	return map[string]any{
		"deviceId":      sc.DeviceID.String(),
		"deviceType":    string(sc.DeviceType),
		"proposedValue": orEmpty(sc.Proposed.AsMap()),
		"currentValue":  orEmpty(current),
		"reportedValue": orEmpty(reported),
		"systemType":    systemType,
		"metadata":      orEmpty(sc.Metadata),
	}
}
