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

// Package health gates state-changing work on infrastructure availability.
// The reconciler and the API consult the gate before acting; transports and
// stores report failures into it.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
)

// Component names the infrastructure dependencies the gate tracks.
type Component string

const (
	ComponentTwinStore     Component = "twin-store"
	ComponentDocumentStore Component = "document-store"
	ComponentMessaging     Component = "messaging"
)

// Prober checks one component's liveness.
type Prober func(ctx context.Context) error

// Reporter is the narrow failure-reporting interface handed to transports
// and stores.
type Reporter interface {
	ReportFailure(component Component, err error)
	ReportRecovery(component Component)
}

type componentState struct {
	healthy   bool
	lastError string
	changedAt time.Time
}

// Gate aggregates per-component health into a single go/no-go signal. All
// tracked components must be healthy for the gate to open.
type Gate struct {
	mu     sync.RWMutex
	states map[Component]*componentState
	probes map[Component]Prober
	log    logger.Logger

	nowFunc func() time.Time
}

func NewGate(log logger.Logger) *Gate {
	return &Gate{
		states:  make(map[Component]*componentState),
		probes:  make(map[Component]Prober),
		log:     log.WithComponent("health-gate"),
		nowFunc: time.Now,
	}
}

// Track registers a component, optionally with a probe for active checks.
// Components start healthy; the first failure closes the gate.
func (g *Gate) Track(component Component, probe Prober) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.states[component] = &componentState{healthy: true, changedAt: g.nowFunc()}

	if probe != nil {
		g.probes[component] = probe
	}
}

// ReportFailure marks a component unhealthy. Called by transports and stores
// when an operation against that component fails.
func (g *Gate) ReportFailure(component Component, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.states[component]
	if !ok {
		state = &componentState{}
		g.states[component] = state
	}

	if state.healthy {
		g.log.Warn().Err(err).Str("component", string(component)).Msg("component became unhealthy")
	}

	state.healthy = false
	state.changedAt = g.nowFunc()

	if err != nil {
		state.lastError = err.Error()
	}
}

// ReportRecovery marks a component healthy again.
func (g *Gate) ReportRecovery(component Component) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.states[component]
	if !ok {
		state = &componentState{}
		g.states[component] = state
	}

	if !state.healthy {
		g.log.Info().Str("component", string(component)).Msg("component recovered")
	}

	state.healthy = true
	state.lastError = ""
	state.changedAt = g.nowFunc()
}

// Healthy reports whether every tracked component is healthy.
func (g *Gate) Healthy() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, state := range g.states {
		if !state.healthy {
			return false
		}
	}

	return true
}

// ComponentStatus is a point-in-time view of one component, for the
// readiness endpoint.
type ComponentStatus struct {
	Component Component `json:"component"`
	Healthy   bool      `json:"healthy"`
	LastError string    `json:"lastError,omitempty"`
	ChangedAt time.Time `json:"changedAt"`
}

// Status snapshots all tracked components.
func (g *Gate) Status() []ComponentStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]ComponentStatus, 0, len(g.states))

	for component, state := range g.states {
		out = append(out, ComponentStatus{
			Component: component,
			Healthy:   state.healthy,
			LastError: state.lastError,
			ChangedAt: state.changedAt,
		})
	}

	return out
}

// Probe runs the registered probes once and folds the results into the gate.
func (g *Gate) Probe(ctx context.Context) {
	g.mu.RLock()
	probes := make(map[Component]Prober, len(g.probes))

	for component, probe := range g.probes {
		probes[component] = probe
	}
	g.mu.RUnlock()

	for component, probe := range probes {
		if err := probe(ctx); err != nil {
			g.ReportFailure(component, err)
			continue
		}

		g.ReportRecovery(component)
	}
}

// Run probes on the given interval until the context ends.
func (g *Gate) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Probe(ctx)
		}
	}
}
