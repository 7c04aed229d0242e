package override

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmgiangi/calcifer-sub000/pkg/db"
	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
	"github.com/dmgiangi/calcifer-sub000/pkg/safety"
)

type fakeSystems struct {
	byID     map[uuid.UUID]*models.FunctionalSystem
	byDevice map[models.DeviceID]*models.FunctionalSystem
}

func (f *fakeSystems) Get(_ context.Context, id uuid.UUID) (*models.FunctionalSystem, error) {
	system, ok := f.byID[id]
	if !ok {
		return nil, db.ErrSystemNotFound
	}

	return system, nil
}

func (f *fakeSystems) FindByDevice(_ context.Context, deviceID models.DeviceID) (*models.FunctionalSystem, error) {
	return f.byDevice[deviceID], nil
}

type fakeTwins struct {
	snapshots map[models.DeviceID]*models.DeviceTwinSnapshot
}

func (f *fakeTwins) FindSnapshot(_ context.Context, id models.DeviceID) (*models.DeviceTwinSnapshot, error) {
	return f.snapshots[id], nil
}

type fakeTemps struct {
	readings map[models.DeviceID]*models.TemperatureReading
}

func (f *fakeTemps) FindReading(_ context.Context, id models.DeviceID) (*models.TemperatureReading, error) {
	return f.readings[id], nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []any
}

func (b *recordingBus) Publish(_ context.Context, event any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (a *recordingAudit) Record(_ context.Context, entry models.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *recordingAudit) decisions() []models.DecisionType {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]models.DecisionType, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Decision)
	}

	return out
}

type pipelineFixture struct {
	pipeline *Pipeline
	store    *Store
	systems  *fakeSystems
	twins    *fakeTwins
	bus      *recordingBus
	audit    *recordingAudit
}

func newPipelineFixture(t *testing.T, rules ...safety.Rule) *pipelineFixture {
	t.Helper()

	log := logger.NewTestLogger(io.Discard)
	store, _, _ := testStore(t)

	engine := safety.NewEngine(log, false)
	engine.Register(rules...)

	twins := &fakeTwins{snapshots: make(map[models.DeviceID]*models.DeviceTwinSnapshot)}
	temps := &fakeTemps{readings: make(map[models.DeviceID]*models.TemperatureReading)}
	builder := safety.NewContextBuilder(twins, temps, log)

	systems := &fakeSystems{
		byID:     make(map[uuid.UUID]*models.FunctionalSystem),
		byDevice: make(map[models.DeviceID]*models.FunctionalSystem),
	}

	events := &recordingBus{}
	recorder := &recordingAudit{}

	return &pipelineFixture{
		pipeline: NewPipeline(store, engine, builder, systems, events, recorder, log),
		store:    store,
		systems:  systems,
		twins:    twins,
		bus:      events,
		audit:    recorder,
	}
}

func (f *pipelineFixture) addSystem(system *models.FunctionalSystem) {
	f.systems.byID[system.ID] = system

	for _, deviceID := range system.DeviceIDs {
		f.systems.byDevice[deviceID] = system
	}
}

func relayRequest(target string, on bool) Request {
	return Request{
		TargetID:  target,
		Scope:     models.OverrideScopeDevice,
		Category:  models.OverrideManual,
		Value:     models.NewRelayValue(on),
		Reason:    "test override",
		CreatedBy: "user:mario",
	}
}

func TestApplyDeviceOverrideAccepted(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	result, err := f.pipeline.Apply(ctx, relayRequest("esp:light", true))
	require.NoError(t, err)
	require.Equal(t, models.OverrideOutcomeApplied, result.Kind)

	stored, err := f.store.FindEffectiveByTarget(ctx, "esp:light")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Value.RelayOn())

	require.Len(t, f.bus.events, 1)
	applied, ok := f.bus.events[0].(models.OverrideApplied)
	require.True(t, ok)
	assert.Equal(t, "esp:light", applied.Override.TargetID)

	assert.Equal(t, []models.DecisionType{models.DecisionOverrideApplied}, f.audit.decisions())
}

func TestApplyDeviceOverrideBlockedByInterlock(t *testing.T) {
	f := newPipelineFixture(t, safety.HardcodedRules(0)...)
	ctx := context.Background()

	fire := models.DeviceID{ControllerID: "esp", ComponentID: "fire"}
	pump := models.DeviceID{ControllerID: "esp", ComponentID: "pump"}

	system := &models.FunctionalSystem{
		ID: uuid.New(), Type: models.SystemTypeTermocamino, Name: "boiler",
		DeviceIDs: []models.DeviceID{fire, pump},
	}
	f.addSystem(system)

	f.twins.snapshots[pump] = &models.DeviceTwinSnapshot{
		ID: pump, Type: models.DeviceTypeRelay,
		Desired: &models.DesiredDeviceState{ID: pump, Type: models.DeviceTypeRelay, Value: models.NewRelayValue(true)},
	}

	// An emergency override still cannot defeat a hardcoded interlock.
	req := relayRequest(fire.String(), false)
	req.Category = models.OverrideEmergency

	result, err := f.pipeline.Apply(ctx, req)
	require.NoError(t, err)
	require.Equal(t, models.OverrideOutcomeBlocked, result.Kind)
	assert.Equal(t, []string{safety.RulePumpFireInterlock}, result.BlockingRules)

	stored, err := f.store.FindEffectiveByTarget(ctx, fire.String())
	require.NoError(t, err)
	assert.Nil(t, stored, "blocked override must not be persisted")

	assert.Empty(t, f.bus.events)
	assert.Equal(t, []models.DecisionType{models.DecisionOverrideBlocked}, f.audit.decisions())
}

func TestApplyFanOverrideModifiedByClamp(t *testing.T) {
	f := newPipelineFixture(t, safety.NewMaxFanSpeed(2))
	ctx := context.Background()

	fan := models.DeviceID{ControllerID: "esp", ComponentID: "fan"}
	f.twins.snapshots[fan] = &models.DeviceTwinSnapshot{ID: fan, Type: models.DeviceTypeFan}

	speed, err := models.NewFanValue(4)
	require.NoError(t, err)

	result, err := f.pipeline.Apply(ctx, Request{
		TargetID: fan.String(), Scope: models.OverrideScopeDevice,
		Category: models.OverrideManual, Value: speed,
		Reason: "boost", CreatedBy: "user:mario",
	})
	require.NoError(t, err)
	require.Equal(t, models.OverrideOutcomeModified, result.Kind)
	assert.Equal(t, 4, result.OriginalValue.FanSpeed())
	assert.Equal(t, 2, result.ModifiedValue.FanSpeed())

	stored, err := f.store.FindEffectiveByTarget(ctx, fan.String())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 2, stored.Value.FanSpeed(), "the modified value is what persists")
}

func TestApplyRejectsValueTypeMismatch(t *testing.T) {
	f := newPipelineFixture(t)

	fan := models.DeviceID{ControllerID: "esp", ComponentID: "fan"}
	f.twins.snapshots[fan] = &models.DeviceTwinSnapshot{ID: fan, Type: models.DeviceTypeFan}

	_, err := f.pipeline.Apply(context.Background(), relayRequest(fan.String(), true))
	assert.ErrorIs(t, err, models.ErrTypeValueMismatch)
}

func TestValidateOnlyDoesNotPersist(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	result, err := f.pipeline.ValidateOnly(ctx, relayRequest("esp:light", true))
	require.NoError(t, err)
	assert.Equal(t, models.OverrideOutcomeApplied, result.Kind)

	stored, err := f.store.FindEffectiveByTarget(ctx, "esp:light")
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.Empty(t, f.bus.events)
}

func TestApplySystemOverrideMostRestrictiveModification(t *testing.T) {
	f := newPipelineFixture(t, safety.NewMaxFanSpeed(2))
	ctx := context.Background()

	fanA := models.DeviceID{ControllerID: "esp", ComponentID: "fan-a"}
	fanB := models.DeviceID{ControllerID: "esp", ComponentID: "fan-b"}

	system := &models.FunctionalSystem{
		ID: uuid.New(), Type: models.SystemTypeHVAC, Name: "ventilation",
		DeviceIDs: []models.DeviceID{fanA, fanB},
	}
	f.addSystem(system)

	f.twins.snapshots[fanA] = &models.DeviceTwinSnapshot{ID: fanA, Type: models.DeviceTypeFan}
	f.twins.snapshots[fanB] = &models.DeviceTwinSnapshot{ID: fanB, Type: models.DeviceTypeFan}

	speed, err := models.NewFanValue(4)
	require.NoError(t, err)

	result, err := f.pipeline.Apply(ctx, Request{
		TargetID: system.ID.String(), Scope: models.OverrideScopeSystem,
		Category: models.OverrideMaintenance, Value: speed,
		Reason: "filter maintenance", CreatedBy: "user:mario",
	})
	require.NoError(t, err)
	require.Equal(t, models.OverrideOutcomeModified, result.Kind)
	assert.Equal(t, 2, result.ModifiedValue.FanSpeed())

	stored, err := f.store.FindEffectiveByTarget(ctx, system.ID.String())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.OverrideScopeSystem, stored.Scope)
}

func TestApplySystemOverrideBlockedByAnyMember(t *testing.T) {
	f := newPipelineFixture(t, safety.HardcodedRules(0)...)
	ctx := context.Background()

	fire := models.DeviceID{ControllerID: "esp", ComponentID: "fire"}
	pump := models.DeviceID{ControllerID: "esp", ComponentID: "pump"}

	system := &models.FunctionalSystem{
		ID: uuid.New(), Type: models.SystemTypeTermocamino, Name: "boiler",
		DeviceIDs: []models.DeviceID{fire, pump},
	}
	f.addSystem(system)

	f.twins.snapshots[fire] = &models.DeviceTwinSnapshot{ID: fire, Type: models.DeviceTypeRelay}
	f.twins.snapshots[pump] = &models.DeviceTwinSnapshot{
		ID: pump, Type: models.DeviceTypeRelay,
		Desired: &models.DesiredDeviceState{ID: pump, Type: models.DeviceTypeRelay, Value: models.NewRelayValue(true)},
	}

	result, err := f.pipeline.Apply(ctx, Request{
		TargetID: system.ID.String(), Scope: models.OverrideScopeSystem,
		Category: models.OverrideManual, Value: models.NewRelayValue(false),
		Reason: "shut everything down", CreatedBy: "user:mario",
	})
	require.NoError(t, err)
	assert.Equal(t, models.OverrideOutcomeBlocked, result.Kind)
}

func TestCancelPublishesAndErrorsWhenMissing(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	err := f.pipeline.Cancel(ctx, "esp:light", models.OverrideManual)
	assert.ErrorIs(t, err, db.ErrOverrideNotFound)

	_, err = f.pipeline.Apply(ctx, relayRequest("esp:light", true))
	require.NoError(t, err)

	require.NoError(t, f.pipeline.Cancel(ctx, "esp:light", models.OverrideManual))

	var cancelled bool
	for _, ev := range f.bus.events {
		if _, ok := ev.(models.OverrideCancelled); ok {
			cancelled = true
		}
	}

	assert.True(t, cancelled, "cancellation must publish OverrideCancelled")
}

func TestSweeperExpiresAndPublishes(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	lapsed := deviceOverride("esp:light", models.OverrideScheduled)
	expiresAt := time.Now().Add(-time.Minute)
	lapsed.ExpiresAt = &expiresAt

	_, err := f.store.Save(ctx, lapsed)
	require.NoError(t, err)

	sweeper := NewSweeper(f.store, f.bus, f.audit, time.Minute, logger.NewTestLogger(io.Discard))
	sweeper.Sweep(ctx)

	remaining, err := f.store.FindExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	require.Len(t, f.bus.events, 1)
	expired, ok := f.bus.events[0].(models.OverrideExpired)
	require.True(t, ok)
	assert.Equal(t, "esp:light", expired.Override.TargetID)
	assert.NotEmpty(t, expired.CorrelationID)

	assert.Equal(t, []models.DecisionType{models.DecisionOverrideExpired}, f.audit.decisions())
}
