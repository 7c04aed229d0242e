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

// Package api provides the HTTP control surface: intent submission, twin
// reads, override management, system registry CRUD, audit queries, and
// health endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/dmgiangi/calcifer-sub000/pkg/correlation"
	"github.com/dmgiangi/calcifer-sub000/pkg/health"
	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
	"github.com/dmgiangi/calcifer-sub000/pkg/override"
)

const (
	actorHeader       = "X-Actor"
	correlationHeader = "X-Correlation-Id"

	defaultActor = "user:anonymous"

	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// IntentService accepts user intent for a device.
type IntentService interface {
	Submit(ctx context.Context, intent models.UserIntent, actor string) error
}

// TwinReader reads twin snapshots.
type TwinReader interface {
	FindSnapshot(ctx context.Context, id models.DeviceID) (*models.DeviceTwinSnapshot, error)
}

// OverrideService validates, applies, and cancels overrides.
type OverrideService interface {
	Apply(ctx context.Context, req override.Request) (models.OverrideValidationResult, error)
	ValidateOnly(ctx context.Context, req override.Request) (models.OverrideValidationResult, error)
	Cancel(ctx context.Context, targetID string, category models.OverrideCategory) error
	ListActive(ctx context.Context, targetID string) ([]models.Override, error)
}

// SystemService is the functional-system registry surface.
type SystemService interface {
	Create(ctx context.Context, system models.FunctionalSystem) (*models.FunctionalSystem, error)
	Get(ctx context.Context, id uuid.UUID) (*models.FunctionalSystem, error)
	List(ctx context.Context) ([]*models.FunctionalSystem, error)
	FindByDevice(ctx context.Context, deviceID models.DeviceID) (*models.FunctionalSystem, error)
	UpdateConfiguration(ctx context.Context, id uuid.UUID, configuration map[string]any, failSafe map[string]models.DeviceValue, expectedVersion int64) (*models.FunctionalSystem, error)
	AddDevice(ctx context.Context, id uuid.UUID, deviceID models.DeviceID) error
	RemoveDevice(ctx context.Context, id uuid.UUID, deviceID models.DeviceID) error
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
}

// AuditReader queries the audit log.
type AuditReader interface {
	Query(ctx context.Context, q models.AuditQuery) ([]*models.AuditEntry, error)
}

// HealthView is the gate surface the API consults.
type HealthView interface {
	Healthy() bool
	Status() []health.ComponentStatus
}

// Services bundles the collaborators the server dispatches to. Metrics is
// the exposition handler; nil disables the endpoint.
type Services struct {
	Intents   IntentService
	Twins     TwinReader
	Overrides OverrideService
	Systems   SystemService
	Audit     AuditReader
	Health    HealthView
	Metrics   http.Handler
}

// Server is the HTTP API server.
type Server struct {
	svc      Services
	router   *mux.Router
	server   *http.Server
	validate *validator.Validate
	log      logger.Logger
}

func NewServer(listenAddr string, svc Services, log logger.Logger) *Server {
	s := &Server{
		svc:      svc,
		router:   mux.NewRouter(),
		validate: validator.New(),
		log:      log.WithComponent("api"),
	}

	s.server = &http.Server{
		Addr:              listenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.setupRoutes()

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.correlationMiddleware)

	s.router.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)

	if s.svc.Metrics != nil {
		s.router.Handle("/metrics", s.svc.Metrics).Methods(http.MethodGet)
	}

	devices := s.router.PathPrefix("/devices/{controllerId}/{componentId}").Subrouter()
	devices.HandleFunc("/intent", s.gated(s.handleSubmitIntent)).Methods(http.MethodPost)
	devices.HandleFunc("/twin", s.handleGetTwin).Methods(http.MethodGet)
	devices.HandleFunc("/overrides", s.handleListDeviceOverrides).Methods(http.MethodGet)
	devices.HandleFunc("/override/{category}", s.gated(s.handleApplyDeviceOverride)).Methods(http.MethodPut)
	devices.HandleFunc("/override/{category}", s.handleCancelDeviceOverride).Methods(http.MethodDelete)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/systems", s.handleCreateSystem).Methods(http.MethodPost)
	v1.HandleFunc("/systems", s.handleListSystems).Methods(http.MethodGet)
	v1.HandleFunc("/systems/{id}", s.handleGetSystem).Methods(http.MethodGet)
	v1.HandleFunc("/systems/{id}", s.handleDeleteSystem).Methods(http.MethodDelete)
	v1.HandleFunc("/systems/{id}/configuration", s.handlePatchConfiguration).Methods(http.MethodPatch)
	v1.HandleFunc("/systems/{id}/devices", s.handleAddDevice).Methods(http.MethodPost)
	v1.HandleFunc("/systems/{id}/devices/{controllerId}/{componentId}", s.handleRemoveDevice).Methods(http.MethodDelete)
	v1.HandleFunc("/systems/{id}/override/{category}", s.gated(s.handleApplySystemOverride)).Methods(http.MethodPut)
	v1.HandleFunc("/systems/{id}/override/{category}", s.handleCancelSystemOverride).Methods(http.MethodDelete)
	v1.HandleFunc("/audit", s.handleQueryAudit).Methods(http.MethodGet)
}

// correlationMiddleware attaches a correlation id to every request, honoring
// one supplied by the caller, and echoes it on the response.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if id := r.Header.Get(correlationHeader); id != "" {
			ctx = correlation.With(ctx, id)
		}

		ctx, correlationID := correlation.Ensure(ctx)
		w.Header().Set(correlationHeader, correlationID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// gated rejects state-changing requests while infrastructure is down, so a
// caller learns immediately instead of waiting on a command that cannot be
// delivered.
func (s *Server) gated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.svc.Health.Healthy() {
			s.writeProblem(w, r, http.StatusServiceUnavailable, codeInfrastructureDown,
				"infrastructure unavailable", "one or more required components are unhealthy")
			return
		}

		next(w, r)
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("api server listening")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

type readinessResponse struct {
	Ready      bool                     `json:"ready"`
	Components []health.ComponentStatus `json:"components"`
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK

	ready := s.svc.Health.Healthy()
	if !ready {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, readinessResponse{
		Ready:      ready,
		Components: s.svc.Health.Status(),
	})
}

func actorFrom(r *http.Request) string {
	if actor := r.Header.Get(actorHeader); actor != "" {
		return actor
	}

	return defaultActor
}

func deviceIDFrom(r *http.Request) (models.DeviceID, error) {
	vars := mux.Vars(r)
	return models.NewDeviceID(vars["controllerId"], vars["componentId"])
}
