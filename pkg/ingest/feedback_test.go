package ingest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmgiangi/calcifer-sub000/pkg/kv"
	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
	"github.com/dmgiangi/calcifer-sub000/pkg/twin"
)

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

type deadLetterRecord struct {
	source, key, payload, errMsg string
	attempts                     int
}

type recordingDeadLetters struct {
	records []deadLetterRecord
}

func (d *recordingDeadLetters) InsertDeadLetter(_ context.Context, source, key, payload, errMsg string, attempts int) error {
	d.records = append(d.records, deadLetterRecord{source, key, payload, errMsg, attempts})
	return nil
}

type feedbackFixture struct {
	handler     *FeedbackHandler
	twins       twin.Store
	bus         *recordingBus
	audit       *recordingAudit
	deadLetters *recordingDeadLetters
}

func newFeedbackFixture(t *testing.T) *feedbackFixture {
	t.Helper()

	log := logger.NewTestLogger(io.Discard)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewRedisStoreFromClient(client, log)
	t.Cleanup(func() { _ = store.Close() })

	twins := twin.NewStore(store, log)
	events := &recordingBus{}
	recorder := &recordingAudit{}
	deadLetters := &recordingDeadLetters{}

	handler := NewFeedbackHandler(twins, NewIdempotencyFilter(store, log), deadLetters, events, recorder, log)

	return &feedbackFixture{
		handler:     handler,
		twins:       twins,
		bus:         events,
		audit:       recorder,
		deadLetters: deadLetters,
	}
}

func relayFrame(messageID, payload string) models.ActuatorFeedbackReceived {
	return models.ActuatorFeedbackReceived{
		ControllerID: "esp",
		HandlerType:  "digital_output",
		ComponentID:  "light",
		Payload:      payload,
		MessageID:    messageID,
	}
}

func TestHandleAppliesRelayFeedback(t *testing.T) {
	f := newFeedbackFixture(t)
	ctx := context.Background()

	f.handler.Handle(ctx, relayFrame("m-1", "1"))

	reported, err := f.twins.FindReported(ctx, models.DeviceID{ControllerID: "esp", ComponentID: "light"})
	require.NoError(t, err)
	require.NotNil(t, reported)
	assert.True(t, reported.Known)
	require.NotNil(t, reported.Value)
	assert.True(t, reported.Value.RelayOn())

	require.Len(t, f.bus.events, 1)
	changed, ok := f.bus.events[0].(models.ReportedStateChanged)
	require.True(t, ok)
	assert.True(t, changed.State.Value.RelayOn())
}

func TestHandleDropsDuplicateMessageID(t *testing.T) {
	f := newFeedbackFixture(t)
	ctx := context.Background()

	f.handler.Handle(ctx, relayFrame("m-1", "1"))
	f.handler.Handle(ctx, relayFrame("m-1", "1"))

	assert.Len(t, f.bus.events, 1, "duplicate frame must not re-publish")
}

func TestHandleParsesFanSpeed(t *testing.T) {
	f := newFeedbackFixture(t)
	ctx := context.Background()

	f.handler.Handle(ctx, models.ActuatorFeedbackReceived{
		ControllerID: "esp", HandlerType: "fan", ComponentID: "vent",
		Payload: "3", MessageID: "m-2",
	})

	reported, err := f.twins.FindReported(ctx, models.DeviceID{ControllerID: "esp", ComponentID: "vent"})
	require.NoError(t, err)
	require.NotNil(t, reported)
	assert.Equal(t, models.DeviceTypeFan, reported.Type)
	assert.Equal(t, 3, reported.Value.FanSpeed())
}

func TestHandleDeadLettersMalformedFrame(t *testing.T) {
	f := newFeedbackFixture(t)
	ctx := context.Background()

	f.handler.Handle(ctx, relayFrame("m-3", "whoosh"))

	require.Len(t, f.deadLetters.records, 1)
	assert.Equal(t, "feedback", f.deadLetters.records[0].source)
	assert.Empty(t, f.bus.events)

	f.handler.Handle(ctx, models.ActuatorFeedbackReceived{
		ControllerID: "esp", HandlerType: "servo", ComponentID: "arm",
		Payload: "90", MessageID: "m-4",
	})

	assert.Len(t, f.deadLetters.records, 2, "unknown handler type is dead-lettered")
}

func TestHandleAuditsConvergence(t *testing.T) {
	f := newFeedbackFixture(t)
	ctx := context.Background()

	id := models.DeviceID{ControllerID: "esp", ComponentID: "light"}
	require.NoError(t, f.twins.SaveDesired(ctx, models.DesiredDeviceState{
		ID: id, Type: models.DeviceTypeRelay, Value: models.NewRelayValue(true),
	}))

	f.handler.Handle(ctx, relayFrame("m-5", "1"))

	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, models.DecisionDeviceConverged, f.audit.entries[0].Decision)

	f.handler.Handle(ctx, relayFrame("m-6", "0"))

	require.Len(t, f.audit.entries, 2)
	assert.Equal(t, models.DecisionDeviceDiverged, f.audit.entries[1].Decision)
}

func TestIdempotencyFilterFailsOpen(t *testing.T) {
	log := logger.NewTestLogger(io.Discard)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewRedisStoreFromClient(client, log)

	filter := NewIdempotencyFilter(store, log)

	assert.True(t, filter.FirstSeen(context.Background(), "k"))
	assert.False(t, filter.FirstSeen(context.Background(), "k"))

	// Marker window elapses: the key is claimable again.
	mr.FastForward(markerTTL + time.Second)
	assert.True(t, filter.FirstSeen(context.Background(), "k"))

	// Store down: frames pass through rather than vanish.
	_ = store.Close()
	assert.True(t, filter.FirstSeen(context.Background(), "k"))
}

func TestWithRetryRecovers(t *testing.T) {
	attempts := 0

	err := withRetry(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestWithRetryStopsAfterTwoRetries(t *testing.T) {
	attempts := 0
	boom := errors.New("persistent")

	err := withRetry(context.Background(), func() error {
		attempts++
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, attempts, "one initial attempt plus two retries")
}

func TestWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := withRetry(ctx, func() error { return errors.New("always") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIntentServiceSubmit(t *testing.T) {
	f := newFeedbackFixture(t)
	ctx := context.Background()

	svc := NewIntentService(f.twins, f.bus, f.audit, logger.NewTestLogger(io.Discard))

	id := models.DeviceID{ControllerID: "esp", ComponentID: "light"}
	err := svc.Submit(ctx, models.UserIntent{
		ID: id, Type: models.DeviceTypeRelay, Value: models.NewRelayValue(true),
	}, "user:mario")
	require.NoError(t, err)

	intent, err := f.twins.FindIntent(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.False(t, intent.RequestedAt.IsZero())

	require.Len(t, f.bus.events, 1)
	_, ok := f.bus.events[0].(models.UserIntentChanged)
	assert.True(t, ok)

	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, models.DecisionIntentReceived, f.audit.entries[0].Decision)
}

func TestIntentServiceRejectsInvalid(t *testing.T) {
	f := newFeedbackFixture(t)

	svc := NewIntentService(f.twins, f.bus, f.audit, logger.NewTestLogger(io.Discard))

	err := svc.Submit(context.Background(), models.UserIntent{
		ID:   models.DeviceID{ControllerID: "esp", ComponentID: "sensor"},
		Type: models.DeviceTypeTemperatureSensor,
		// sensors take no intent
		Value: models.NewRelayValue(true),
	}, "user:mario")
	assert.Error(t, err)
}
