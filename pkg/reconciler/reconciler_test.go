package reconciler

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmgiangi/calcifer-sub000/pkg/calculator"
	"github.com/dmgiangi/calcifer-sub000/pkg/health"
	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
	"github.com/dmgiangi/calcifer-sub000/pkg/safety"
)

type memTwins struct {
	mu       sync.Mutex
	intents  map[models.DeviceID]models.UserIntent
	reported map[models.DeviceID]models.ReportedDeviceState
	desired  map[models.DeviceID]models.DesiredDeviceState
	listErr  error
}

func newMemTwins() *memTwins {
	return &memTwins{
		intents:  make(map[models.DeviceID]models.UserIntent),
		reported: make(map[models.DeviceID]models.ReportedDeviceState),
		desired:  make(map[models.DeviceID]models.DesiredDeviceState),
	}
}

func (m *memTwins) SaveIntent(_ context.Context, intent models.UserIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[intent.ID] = intent

	return nil
}

func (m *memTwins) SaveReported(_ context.Context, state models.ReportedDeviceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reported[state.ID] = state

	return nil
}

func (m *memTwins) SaveDesired(_ context.Context, state models.DesiredDeviceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.desired[state.ID] = state

	return nil
}

func (m *memTwins) RemoveDesired(_ context.Context, id models.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.desired, id)

	return nil
}

func (m *memTwins) FindIntent(_ context.Context, id models.DeviceID) (*models.UserIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if intent, ok := m.intents[id]; ok {
		return &intent, nil
	}

	return nil, nil
}

func (m *memTwins) FindReported(_ context.Context, id models.DeviceID) (*models.ReportedDeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.reported[id]; ok {
		return &state, nil
	}

	return nil, nil
}

func (m *memTwins) FindDesired(_ context.Context, id models.DeviceID) (*models.DesiredDeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.desired[id]; ok {
		return &state, nil
	}

	return nil, nil
}

func (m *memTwins) FindSnapshot(_ context.Context, id models.DeviceID) (*models.DeviceTwinSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := &models.DeviceTwinSnapshot{ID: id}

	if intent, ok := m.intents[id]; ok {
		snapshot.Intent = &intent
		snapshot.Type = intent.Type
	}

	if state, ok := m.reported[id]; ok {
		snapshot.Reported = &state
		snapshot.Type = state.Type
	}

	if state, ok := m.desired[id]; ok {
		snapshot.Desired = &state
		snapshot.Type = state.Type
	}

	if snapshot.Intent == nil && snapshot.Reported == nil && snapshot.Desired == nil {
		return nil, nil
	}

	return snapshot, nil
}

func (m *memTwins) FindAllActiveOutputDevices(context.Context) ([]models.DesiredDeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listErr != nil {
		return nil, m.listErr
	}

	out := make([]models.DesiredDeviceState, 0, len(m.desired))
	for _, state := range m.desired {
		out = append(out, state)
	}

	return out, nil
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

func (b *recordingBus) commands() []models.DeviceCommandEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []models.DeviceCommandEvent

	for _, ev := range b.events {
		if cmd, ok := ev.(models.DeviceCommandEvent); ok {
			out = append(out, cmd)
		}
	}

	return out
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

type noSystems struct{}

func (noSystems) FindByDevice(context.Context, models.DeviceID) (*models.FunctionalSystem, error) {
	return nil, nil
}

type noOverrides struct{}

func (noOverrides) ResolveEffectiveForDevice(context.Context, models.DeviceID, *models.FunctionalSystem) (*models.EffectiveOverride, error) {
	return nil, nil
}

type fakeTemps struct{}

func (fakeTemps) FindReading(context.Context, models.DeviceID) (*models.TemperatureReading, error) {
	return nil, nil
}

type coordinatorFixture struct {
	coordinator *Coordinator
	twins       *memTwins
	bus         *recordingBus
	audit       *recordingAudit
}

func newCoordinatorFixture(t *testing.T, rules ...safety.Rule) *coordinatorFixture {
	t.Helper()

	log := logger.NewTestLogger(io.Discard)
	twins := newMemTwins()

	engine := safety.NewEngine(log, false)
	engine.Register(rules...)

	builder := safety.NewContextBuilder(twins, fakeTemps{}, log)
	calc := calculator.New(noOverrides{}, engine, builder, log)

	events := &recordingBus{}
	recorder := &recordingAudit{}

	return &coordinatorFixture{
		coordinator: NewCoordinator(twins, noSystems{}, calc, events, recorder, log),
		twins:       twins,
		bus:         events,
		audit:       recorder,
	}
}

func lightIntent(on bool) models.UserIntent {
	id := models.DeviceID{ControllerID: "esp", ComponentID: "light"}

	return models.UserIntent{
		ID: id, Type: models.DeviceTypeRelay,
		Value: models.NewRelayValue(on), RequestedAt: time.Now(),
	}
}

func TestReconcileFromIntentWritesDesired(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	intent := lightIntent(true)
	require.NoError(t, f.twins.SaveIntent(ctx, intent))

	result, err := f.coordinator.Reconcile(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, models.ReconcileUpdated, result.Kind)

	desired, err := f.twins.FindDesired(ctx, intent.ID)
	require.NoError(t, err)
	require.NotNil(t, desired)
	assert.True(t, desired.Value.RelayOn())

	require.Len(t, f.bus.events, 1)
	calculated, ok := f.bus.events[0].(models.DesiredStateCalculated)
	require.True(t, ok)
	assert.Equal(t, models.CalcFromIntent, calculated.Source)

	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, models.DecisionDesiredCalculated, f.audit.entries[0].Decision)
}

func TestReconcileUnknownDevice(t *testing.T) {
	f := newCoordinatorFixture(t)

	result, err := f.coordinator.Reconcile(context.Background(),
		models.DeviceID{ControllerID: "esp", ComponentID: "ghost"})
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileNotFound, result.Kind)
	assert.Empty(t, f.bus.events)
}

func TestReconcileNoChangeWhenDesiredEqual(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	intent := lightIntent(true)
	require.NoError(t, f.twins.SaveIntent(ctx, intent))

	first, err := f.coordinator.Reconcile(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, models.ReconcileUpdated, first.Kind)

	second, err := f.coordinator.Reconcile(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReconcileNoChange, second.Kind)
	assert.Len(t, f.bus.events, 1, "an unchanged desired state must not re-publish")
}

func TestReconcileSafetyRefusalKeepsPreviousDesired(t *testing.T) {
	f := newCoordinatorFixture(t, safety.HardcodedRules(0)...)
	ctx := context.Background()

	fire := models.DeviceID{ControllerID: "esp", ComponentID: "fire"}
	pump := models.DeviceID{ControllerID: "esp", ComponentID: "pump"}

	// Pump is committed on; fire is currently desired on.
	require.NoError(t, f.twins.SaveDesired(ctx, models.DesiredDeviceState{
		ID: pump, Type: models.DeviceTypeRelay, Value: models.NewRelayValue(true),
	}))
	require.NoError(t, f.twins.SaveDesired(ctx, models.DesiredDeviceState{
		ID: fire, Type: models.DeviceTypeRelay, Value: models.NewRelayValue(true),
	}))

	// The user wants the fire off while the pump still runs.
	require.NoError(t, f.twins.SaveIntent(ctx, models.UserIntent{
		ID: fire, Type: models.DeviceTypeRelay,
		Value: models.NewRelayValue(false), RequestedAt: time.Now(),
	}))

	// Wire the interlock through a system containing both devices.
	system := &models.FunctionalSystem{
		Type: models.SystemTypeTermocamino, Name: "boiler",
		DeviceIDs: []models.DeviceID{fire, pump},
	}

	coordinator := NewCoordinator(f.twins, fixedSystem{system}, rebuildCalc(t, f.twins, safety.HardcodedRules(0)...),
		f.bus, f.audit, logger.NewTestLogger(io.Discard))

	result, err := coordinator.Reconcile(ctx, fire)
	require.NoError(t, err)
	require.Equal(t, models.ReconcileRefused, result.Kind)
	assert.Equal(t, safety.RulePumpFireInterlock, result.BlockingRuleID)

	// Previous desired state survives.
	desired, err := f.twins.FindDesired(ctx, fire)
	require.NoError(t, err)
	require.NotNil(t, desired)
	assert.True(t, desired.Value.RelayOn())

	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, models.DecisionIntentRejected, f.audit.entries[0].Decision)
}

type fixedSystem struct{ system *models.FunctionalSystem }

func (f fixedSystem) FindByDevice(context.Context, models.DeviceID) (*models.FunctionalSystem, error) {
	return f.system, nil
}

func rebuildCalc(t *testing.T, twins *memTwins, rules ...safety.Rule) *calculator.Calculator {
	t.Helper()

	log := logger.NewTestLogger(io.Discard)
	engine := safety.NewEngine(log, false)
	engine.Register(rules...)

	return calculator.New(noOverrides{}, engine, safety.NewContextBuilder(twins, fakeTemps{}, log), log)
}

type fakeGate struct {
	healthy  bool
	failures []health.Component
}

func (g *fakeGate) Healthy() bool { return g.healthy }

func (g *fakeGate) ReportFailure(component health.Component, _ error) {
	g.failures = append(g.failures, component)
}

func TestCycleCommandsNonConvergedDevices(t *testing.T) {
	twins := newMemTwins()
	events := &recordingBus{}
	ctx := context.Background()

	diverged := models.DeviceID{ControllerID: "esp", ComponentID: "light"}
	converged := models.DeviceID{ControllerID: "esp", ComponentID: "fan"}

	require.NoError(t, twins.SaveDesired(ctx, models.DesiredDeviceState{
		ID: diverged, Type: models.DeviceTypeRelay, Value: models.NewRelayValue(true),
	}))

	speed, err := models.NewFanValue(2)
	require.NoError(t, err)
	require.NoError(t, twins.SaveDesired(ctx, models.DesiredDeviceState{
		ID: converged, Type: models.DeviceTypeFan, Value: speed,
	}))
	require.NoError(t, twins.SaveReported(ctx, models.ReportedDeviceState{
		ID: converged, Type: models.DeviceTypeFan, Value: &speed,
		ReportedAt: time.Now(), Known: true,
	}))

	loop := NewLoop(twins, events, &fakeGate{healthy: true}, time.Second, logger.NewTestLogger(io.Discard))
	loop.Cycle(ctx)

	commands := events.commands()
	require.Len(t, commands, 1)
	assert.Equal(t, diverged, commands[0].ID)
	assert.NotEmpty(t, commands[0].CorrelationID)
}

func TestCycleSkipsWhenUnhealthy(t *testing.T) {
	twins := newMemTwins()
	events := &recordingBus{}
	ctx := context.Background()

	require.NoError(t, twins.SaveDesired(ctx, models.DesiredDeviceState{
		ID:    models.DeviceID{ControllerID: "esp", ComponentID: "light"},
		Type:  models.DeviceTypeRelay,
		Value: models.NewRelayValue(true),
	}))

	loop := NewLoop(twins, events, &fakeGate{healthy: false}, time.Second, logger.NewTestLogger(io.Discard))
	loop.Cycle(ctx)

	assert.Empty(t, events.events)
}

func TestCycleReportsTwinStoreFailure(t *testing.T) {
	twins := newMemTwins()
	twins.listErr = errors.New("store down")
	gate := &fakeGate{healthy: true}

	loop := NewLoop(twins, &recordingBus{}, gate, time.Second, logger.NewTestLogger(io.Discard))
	loop.Cycle(context.Background())

	assert.Equal(t, []health.Component{health.ComponentTwinStore}, gate.failures)
}
