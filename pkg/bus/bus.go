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

// Package bus is the in-process event bus tying intent ingress, twin writes,
// reconciliation, audit, and command dispatch together. Publication is
// blocking on a bounded queue (caller-runs backpressure); listeners run on a
// fixed worker pool.
package bus

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
)

const (
	defaultQueueCapacity = 100
	defaultWorkers       = 8
	shutdownGracePeriod  = 30 * time.Second
)

// Publisher is the narrow publish-side interface components depend on.
type Publisher interface {
	Publish(ctx context.Context, event any)
}

// Handler consumes one event. Handlers may block on I/O; they must honor the
// context for cancellation.
type Handler func(ctx context.Context, event any)

type envelope struct {
	ctx   context.Context
	event any
}

// Bus is a typed, ordered, in-process pub/sub. Events published from inside
// a listener are buffered and enqueued only after that listener returns, so
// downstream listeners always observe the publishing listener's completed
// work.
type Bus struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]Handler
	queue    chan envelope
	workers  int
	log      logger.Logger

	closed   chan struct{}
	closeOne sync.Once
	wg       sync.WaitGroup
}

// Config sizes the bus.
type Config struct {
	QueueCapacity int `json:"queue_capacity"`
	Workers       int `json:"workers"`
}

func New(cfg Config, log logger.Logger) *Bus {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	return &Bus{
		handlers: make(map[reflect.Type][]Handler),
		queue:    make(chan envelope, capacity),
		workers:  workers,
		log:      log.WithComponent("event-bus"),
		closed:   make(chan struct{}),
	}
}

// Subscribe registers fn for events of type T. Registration happens during
// wiring, before Start.
func Subscribe[T any](b *Bus, fn func(ctx context.Context, event T)) {
	var zero T
	eventType := reflect.TypeOf(zero)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], func(ctx context.Context, event any) {
		fn(ctx, event.(T))
	})
}

// Start launches the worker pool.
func (b *Bus) Start() {
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)

		go func() {
			defer b.wg.Done()
			b.work()
		}()
	}
}

func (b *Bus) work() {
	for {
		select {
		case env := <-b.queue:
			b.dispatch(env)
		case <-b.closed:
			b.drain()
			return
		}
	}
}

// drain empties what was enqueued before close. The queue channel itself is
// never closed: publishers may still be inside enqueue's select.
func (b *Bus) drain() {
	for {
		select {
		case env := <-b.queue:
			b.dispatch(env)
		default:
			return
		}
	}
}

type pendingKey struct{}

type pendingList struct {
	mu     sync.Mutex
	events []envelope
}

func (b *Bus) dispatch(env envelope) {
	b.mu.RLock()
	handlers := b.handlers[reflect.TypeOf(env.event)]
	b.mu.RUnlock()

	for _, handler := range handlers {
		pending := &pendingList{}
		ctx := context.WithValue(env.ctx, pendingKey{}, pending)

		b.invoke(ctx, handler, env.event)

		// Events the listener published are delivered strictly after it
		// returned.
		pending.mu.Lock()
		buffered := pending.events
		pending.events = nil
		pending.mu.Unlock()

		for _, buf := range buffered {
			b.enqueue(buf)
		}
	}
}

// invoke shields the pool from panicking listeners.
func (b *Bus) invoke(ctx context.Context, handler Handler, event any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).
				Str("event", reflect.TypeOf(event).String()).
				Msg("listener panicked")
		}
	}()

	handler(ctx, event)
	recordEventDispatched(ctx, reflect.TypeOf(event).String())
}

// Publish enqueues an event. Called from inside a listener it defers the
// enqueue until the listener returns; otherwise it blocks while the queue is
// full. Publishing on a closed bus drops the event.
func (b *Bus) Publish(ctx context.Context, event any) {
	if pending, ok := ctx.Value(pendingKey{}).(*pendingList); ok {
		pending.mu.Lock()
		pending.events = append(pending.events, envelope{ctx: detach(ctx), event: event})
		pending.mu.Unlock()

		return
	}

	b.enqueue(envelope{ctx: detach(ctx), event: event})
}

func (b *Bus) enqueue(env envelope) {
	select {
	case <-b.closed:
		b.log.Warn().Str("event", reflect.TypeOf(env.event).String()).Msg("bus closed, dropping event")
		return
	default:
	}

	select {
	case b.queue <- env:
	case <-b.closed:
		b.log.Warn().Str("event", reflect.TypeOf(env.event).String()).Msg("bus closed, dropping event")
	}
}

// detach keeps the context's values (correlation id) but drops its deadline
// and cancellation, so queued events survive the publisher's request scope.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// Close stops accepting events and drains in-flight listeners, bounded by
// the grace period.
func (b *Bus) Close() {
	b.closeOne.Do(func() {
		close(b.closed)
	})

	done := make(chan struct{})

	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGracePeriod):
		b.log.Warn().Msg("shutdown grace period elapsed with listeners still running")
	}
}
