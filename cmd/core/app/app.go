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

// Package app assembles the control plane: stores, event bus, safety engine,
// reconciler, ingest, wire adapter, and the HTTP API.
package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/dmgiangi/calcifer-sub000/pkg/api"
	"github.com/dmgiangi/calcifer-sub000/pkg/audit"
	"github.com/dmgiangi/calcifer-sub000/pkg/bus"
	"github.com/dmgiangi/calcifer-sub000/pkg/calculator"
	"github.com/dmgiangi/calcifer-sub000/pkg/config"
	"github.com/dmgiangi/calcifer-sub000/pkg/db"
	"github.com/dmgiangi/calcifer-sub000/pkg/health"
	"github.com/dmgiangi/calcifer-sub000/pkg/ingest"
	"github.com/dmgiangi/calcifer-sub000/pkg/kv"
	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
	"github.com/dmgiangi/calcifer-sub000/pkg/override"
	"github.com/dmgiangi/calcifer-sub000/pkg/reconciler"
	"github.com/dmgiangi/calcifer-sub000/pkg/registry"
	"github.com/dmgiangi/calcifer-sub000/pkg/safety"
	"github.com/dmgiangi/calcifer-sub000/pkg/twin"
	"github.com/dmgiangi/calcifer-sub000/pkg/wire"
)

// Run builds the control plane from the config file and serves until the
// process receives SIGINT or SIGTERM.
func Run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meterProvider, metricsHandler, err := initMetrics(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	defer func() { _ = meterProvider.Shutdown(context.Background()) }()

	// Stores.
	store, err := kv.NewRedisStore(ctx, cfg.Redis, log)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer func() { _ = store.Close() }()

	database, err := db.New(ctx, &cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer database.Close()

	natsConn, err := wire.Connect(cfg.NATS, log)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}
	defer natsConn.Close()

	// Health gate over the three infrastructure dependencies.
	gate := health.NewGate(log)
	gate.Track(health.ComponentTwinStore, store.Ping)
	gate.Track(health.ComponentDocumentStore, database.Ping)
	gate.Track(health.ComponentMessaging, func(context.Context) error {
		if status := natsConn.Status(); status != nats.CONNECTED {
			return fmt.Errorf("nats connection is %s", status)
		}

		return nil
	})

	events := bus.New(cfg.Bus, log)

	// Domain services.
	twins := twin.NewStore(store, log)
	temps := twin.NewTemperatureStore(store, log)
	recorder := audit.NewService(database, log)
	systems := registry.NewService(database, log)

	engine := safety.NewEngine(log, cfg.Safety.FailOpen)
	engine.Register(safety.HardcodedRules(cfg.Safety.MaxFanSpeed)...)

	ruleConfigs, err := database.ListSafetyRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load configurable safety rules: %w", err)
	}

	engine.Register(safety.LoadRules(ruleConfigs, log)...)

	builder := safety.NewContextBuilder(twins, temps, log)

	overrides := override.NewStore(database, store, log)
	pipeline := override.NewPipeline(overrides, engine, builder, systems, events, recorder, log)
	sweeper := override.NewSweeper(overrides, events, recorder, cfg.Sweeper.Interval, log)

	calc := calculator.New(overrides, engine, builder, log)
	coordinator := reconciler.NewCoordinator(twins, systems, calc, events, recorder, log)
	loop := reconciler.NewLoop(twins, events, gate, cfg.Reconciler.Interval, log)

	feedback := ingest.NewFeedbackHandler(twins, ingest.NewIdempotencyFilter(store, log), database, events, recorder, log)
	temperatures := ingest.NewTemperatureHandler(temps, log)
	intents := ingest.NewIntentService(twins, events, recorder, log)

	adapter := wire.NewAdapter(natsConn, events, gate, log)

	wireListeners(events, coordinator, systems, feedback, temperatures, adapter, gate, log)

	server := api.NewServer(cfg.API.ListenAddr, api.Services{
		Intents:   intents,
		Twins:     twins,
		Overrides: pipeline,
		Systems:   systems,
		Audit:     recorder,
		Health:    gate,
		Metrics:   metricsHandler,
	}, log)

	// Start everything.
	events.Start()

	if err := adapter.Start(); err != nil {
		return fmt.Errorf("failed to subscribe to wire subjects: %w", err)
	}

	go loop.Run(ctx)
	go sweeper.Run(ctx)
	go gate.Run(ctx, cfg.Health.ProbeInterval)

	serverErr := make(chan error, 1)

	go func() { serverErr <- server.Start() }()

	log.Info().Msg("calcifer core started")

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
	}

	log.Info().Msg("shutting down")

	shutdownCtx := context.Background()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api shutdown incomplete")
	}

	adapter.Close()
	events.Close()

	return nil
}

// wireListeners binds the event flow: inbound frames to ingest, state changes
// to the coordinator, calculated state to the command path.
func wireListeners(
	events *bus.Bus,
	coordinator *reconciler.Coordinator,
	systems *registry.Service,
	feedback *ingest.FeedbackHandler,
	temperatures *ingest.TemperatureHandler,
	adapter *wire.Adapter,
	gate *health.Gate,
	log logger.Logger,
) {
	reconcile := func(ctx context.Context, deviceID models.DeviceID) {
		if _, err := coordinator.Reconcile(ctx, deviceID); err != nil {
			log.Error().Err(err).Str("device", deviceID.String()).Msg("reconciliation failed")
		}
	}

	// Overrides target either one device or every member of a system.
	reconcileTarget := func(ctx context.Context, o models.Override) {
		if o.Scope == models.OverrideScopeDevice {
			deviceID, err := models.ParseDeviceID(o.TargetID)
			if err != nil {
				log.Error().Err(err).Str("target", o.TargetID).Msg("unparseable override target")
				return
			}

			reconcile(ctx, deviceID)

			return
		}

		system, err := systemForTarget(ctx, systems, o.TargetID)
		if err != nil {
			log.Error().Err(err).Str("target", o.TargetID).Msg("failed to resolve override system")
			return
		}

		for _, deviceID := range system.DeviceIDs {
			reconcile(ctx, deviceID)
		}
	}

	bus.Subscribe(events, func(ctx context.Context, event models.UserIntentChanged) {
		reconcile(ctx, event.Intent.ID)
	})

	// A reported-state write re-checks convergence for the device.
	bus.Subscribe(events, func(ctx context.Context, event models.ReportedStateChanged) {
		reconcile(ctx, event.State.ID)
	})

	bus.Subscribe(events, func(ctx context.Context, event models.OverrideApplied) {
		reconcileTarget(ctx, event.Override)
	})

	bus.Subscribe(events, func(ctx context.Context, event models.OverrideCancelled) {
		reconcileTarget(ctx, event.Override)
	})

	bus.Subscribe(events, func(ctx context.Context, event models.OverrideExpired) {
		reconcileTarget(ctx, event.Override)
	})

	bus.Subscribe(events, func(ctx context.Context, event models.ActuatorFeedbackReceived) {
		feedback.Handle(ctx, event)
	})

	bus.Subscribe(events, func(ctx context.Context, event models.TemperatureReadingReceived) {
		temperatures.Handle(ctx, event)
	})

	// Push the command out as soon as the desired state changes; the
	// reconciler loop re-emits for devices that have not converged.
	bus.Subscribe(events, func(ctx context.Context, event models.DesiredStateCalculated) {
		if !gate.Healthy() {
			return
		}

		events.Publish(ctx, models.DeviceCommandEvent{
			ID:            event.Desired.ID,
			Type:          event.Desired.Type,
			Value:         event.Desired.Value,
			CorrelationID: event.CorrelationID,
		})
	})

	bus.Subscribe(events, adapter.HandleCommand)
}

func systemForTarget(ctx context.Context, systems *registry.Service, targetID string) (*models.FunctionalSystem, error) {
	systemID, err := uuid.Parse(targetID)
	if err != nil {
		return nil, fmt.Errorf("override target %q is not a system id: %w", targetID, err)
	}

	return systems.Get(ctx, systemID)
}
