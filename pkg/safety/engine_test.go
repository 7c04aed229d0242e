package safety

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

func testEngine(t *testing.T, failOpen bool, rules ...Rule) *Engine {
	t.Helper()

	engine := NewEngine(logger.NewTestLogger(io.Discard), failOpen)
	engine.Register(rules...)

	return engine
}

func fireContext(t *testing.T, fireOff bool, pumpOn bool) models.SafetyContext {
	t.Helper()

	fireID := models.DeviceID{ControllerID: "esp", ComponentID: "fire"}
	pumpID := models.DeviceID{ControllerID: "esp", ComponentID: "pump"}

	related := map[models.DeviceID]*models.DeviceTwinSnapshot{
		pumpID: {
			ID:   pumpID,
			Type: models.DeviceTypeRelay,
			Desired: &models.DesiredDeviceState{
				ID: pumpID, Type: models.DeviceTypeRelay, Value: models.NewRelayValue(pumpOn),
			},
		},
	}

	return models.SafetyContext{
		DeviceID:   fireID,
		DeviceType: models.DeviceTypeRelay,
		Proposed:   models.NewRelayValue(!fireOff),
		Related:    related,
	}
}

func TestPumpFireInterlockRefusesFireOffWhilePumpOn(t *testing.T) {
	engine := testEngine(t, false, HardcodedRules(0)...)

	result := engine.Evaluate(context.Background(), fireContext(t, true, true))

	require.Equal(t, models.SafetyRefused, result.Outcome)
	assert.Equal(t, RulePumpFireInterlock, result.RuleID)
	assert.Contains(t, result.Evaluated, RulePumpFireInterlock)
}

func TestPumpFireInterlockAcceptsFireOffWhilePumpOff(t *testing.T) {
	engine := testEngine(t, false, HardcodedRules(0)...)

	result := engine.Evaluate(context.Background(), fireContext(t, true, false))

	assert.Equal(t, models.SafetyAccepted, result.Outcome)
}

func TestFirePumpInterlockForcesPumpOn(t *testing.T) {
	engine := testEngine(t, false, HardcodedRules(0)...)

	pumpID := models.DeviceID{ControllerID: "esp", ComponentID: "pump"}
	fireID := models.DeviceID{ControllerID: "esp", ComponentID: "fire"}

	sc := models.SafetyContext{
		DeviceID:   pumpID,
		DeviceType: models.DeviceTypeRelay,
		Proposed:   models.NewRelayValue(false),
		Related: map[models.DeviceID]*models.DeviceTwinSnapshot{
			fireID: {
				ID:   fireID,
				Type: models.DeviceTypeRelay,
				Desired: &models.DesiredDeviceState{
					ID: fireID, Type: models.DeviceTypeRelay, Value: models.NewRelayValue(true),
				},
			},
		},
	}

	result := engine.Evaluate(context.Background(), sc)

	require.Equal(t, models.SafetyModified, result.Outcome)
	assert.True(t, result.Final.Equal(models.NewRelayValue(true)))
	assert.True(t, result.Original.Equal(models.NewRelayValue(false)))
}

func TestMaxFanSpeedClamps(t *testing.T) {
	engine := testEngine(t, false, NewMaxFanSpeed(3))

	proposed, err := models.NewFanValue(4)
	require.NoError(t, err)

	sc := models.SafetyContext{
		DeviceID:   models.DeviceID{ControllerID: "esp", ComponentID: "fan"},
		DeviceType: models.DeviceTypeFan,
		Proposed:   proposed,
	}

	result := engine.Evaluate(context.Background(), sc)

	require.Equal(t, models.SafetyModified, result.Outcome)
	assert.Equal(t, 3, result.Final.FanSpeed())

	within, err := models.NewFanValue(2)
	require.NoError(t, err)

	result = engine.Evaluate(context.Background(), sc.WithProposed(within))
	assert.Equal(t, models.SafetyAccepted, result.Outcome)
}

type erroringRule struct{ id string }

func (r erroringRule) ID() string                    { return r.id }
func (erroringRule) Name() string                    { return "erroring" }
func (erroringRule) Category() models.RuleCategory   { return models.RuleSystemSafety }
func (erroringRule) Priority() int                   { return 0 }
func (erroringRule) AppliesTo(models.SafetyContext) bool { return true }

func (erroringRule) Evaluate(context.Context, models.SafetyContext) (models.RuleDecision, error) {
	return models.RuleDecision{}, errors.New("boom")
}

type panickingRule struct{ erroringRule }

func (panickingRule) Evaluate(context.Context, models.SafetyContext) (models.RuleDecision, error) {
	panic("unexpected")
}

func TestEngineFailsClosedOnRuleError(t *testing.T) {
	engine := testEngine(t, false, erroringRule{id: "BROKEN"})

	sc := models.SafetyContext{
		DeviceID:   models.DeviceID{ControllerID: "esp", ComponentID: "light"},
		DeviceType: models.DeviceTypeRelay,
		Proposed:   models.NewRelayValue(true),
	}

	result := engine.Evaluate(context.Background(), sc)

	require.Equal(t, models.SafetyRefused, result.Outcome)
	assert.Equal(t, "BROKEN", result.RuleID)
	assert.Equal(t, "evaluation failed", result.Reason)
}

func TestEngineFailOpenSkipsBrokenRule(t *testing.T) {
	engine := testEngine(t, true, erroringRule{id: "BROKEN"})

	sc := models.SafetyContext{
		DeviceID:   models.DeviceID{ControllerID: "esp", ComponentID: "light"},
		DeviceType: models.DeviceTypeRelay,
		Proposed:   models.NewRelayValue(true),
	}

	result := engine.Evaluate(context.Background(), sc)
	assert.Equal(t, models.SafetyAccepted, result.Outcome)
}

func TestEngineRecoversPanickingRule(t *testing.T) {
	engine := testEngine(t, false, panickingRule{erroringRule{id: "PANIC"}})

	sc := models.SafetyContext{
		DeviceID:   models.DeviceID{ControllerID: "esp", ComponentID: "light"},
		DeviceType: models.DeviceTypeRelay,
		Proposed:   models.NewRelayValue(true),
	}

	result := engine.Evaluate(context.Background(), sc)

	require.Equal(t, models.SafetyRefused, result.Outcome)
	assert.Equal(t, "PANIC", result.RuleID)
}

type orderProbe struct {
	id       string
	category models.RuleCategory
	priority int
	seen     *[]string
}

func (r orderProbe) ID() string                      { return r.id }
func (r orderProbe) Name() string                    { return r.id }
func (r orderProbe) Category() models.RuleCategory   { return r.category }
func (r orderProbe) Priority() int                   { return r.priority }
func (orderProbe) AppliesTo(models.SafetyContext) bool { return true }

func (r orderProbe) Evaluate(context.Context, models.SafetyContext) (models.RuleDecision, error) {
	*r.seen = append(*r.seen, r.id)
	return models.AcceptDecision(), nil
}

func TestRuleOrdering(t *testing.T) {
	var seen []string

	engine := testEngine(t, false,
		orderProbe{id: "sys-5", category: models.RuleSystemSafety, priority: 5, seen: &seen},
		orderProbe{id: "hard-20", category: models.RuleHardcodedSafety, priority: 20, seen: &seen},
		orderProbe{id: "hard-10a", category: models.RuleHardcodedSafety, priority: 10, seen: &seen},
		orderProbe{id: "hard-10b", category: models.RuleHardcodedSafety, priority: 10, seen: &seen},
	)

	sc := models.SafetyContext{
		DeviceID:   models.DeviceID{ControllerID: "esp", ComponentID: "light"},
		DeviceType: models.DeviceTypeRelay,
		Proposed:   models.NewRelayValue(true),
	}

	result := engine.Evaluate(context.Background(), sc)

	require.Equal(t, models.SafetyAccepted, result.Outcome)
	assert.Equal(t, []string{"hard-10a", "hard-10b", "hard-20", "sys-5"}, seen)
}

func TestEvaluateHardcodedOnly(t *testing.T) {
	var seen []string

	engine := testEngine(t, false,
		orderProbe{id: "sys", category: models.RuleSystemSafety, priority: 0, seen: &seen},
		orderProbe{id: "hard", category: models.RuleHardcodedSafety, priority: 0, seen: &seen},
	)

	sc := models.SafetyContext{
		DeviceID:   models.DeviceID{ControllerID: "esp", ComponentID: "light"},
		DeviceType: models.DeviceTypeRelay,
		Proposed:   models.NewRelayValue(true),
	}

	engine.EvaluateHardcodedOnly(context.Background(), sc)
	assert.Equal(t, []string{"hard"}, seen)
}
