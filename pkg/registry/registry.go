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

// Package registry manages functional systems: named groups of devices that
// cooperate (a boiler with its pump and fire relay, a ventilation zone) and
// share configuration and fail-safe defaults. A device belongs to at most
// one system.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

// Repository is the persistence surface the registry needs.
type Repository interface {
	CreateSystem(ctx context.Context, system *models.FunctionalSystem) error
	GetSystem(ctx context.Context, id uuid.UUID) (*models.FunctionalSystem, error)
	ListSystems(ctx context.Context) ([]*models.FunctionalSystem, error)
	FindSystemByDevice(ctx context.Context, deviceID models.DeviceID) (*models.FunctionalSystem, error)
	UpdateSystemConfiguration(ctx context.Context, id uuid.UUID, configuration map[string]any, failSafe map[string]models.DeviceValue, expectedVersion int64) (*models.FunctionalSystem, error)
	AddDeviceToSystem(ctx context.Context, id uuid.UUID, deviceID models.DeviceID) error
	RemoveDeviceFromSystem(ctx context.Context, id uuid.UUID, deviceID models.DeviceID) error
	DeleteSystem(ctx context.Context, id uuid.UUID) (bool, error)
}

// Service is the system registry.
type Service struct {
	repo Repository
	log  logger.Logger
}

func NewService(repo Repository, log logger.Logger) *Service {
	return &Service{repo: repo, log: log.WithComponent("registry")}
}

// Create validates and persists a new system. Membership conflicts surface
// as db.ErrDeviceAlreadyAssigned.
func (s *Service) Create(ctx context.Context, system models.FunctionalSystem) (*models.FunctionalSystem, error) {
	if system.ID == uuid.Nil {
		system.ID = uuid.New()
	}

	if err := system.Validate(); err != nil {
		return nil, fmt.Errorf("invalid system: %w", err)
	}

	now := time.Now().UTC()
	system.CreatedAt = now
	system.UpdatedAt = now
	system.Version = 1

	if err := s.repo.CreateSystem(ctx, &system); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("system_id", system.ID.String()).
		Str("type", string(system.Type)).
		Int("devices", len(system.DeviceIDs)).
		Msg("functional system created")

	return &system, nil
}

// Get returns a system by id, or db.ErrSystemNotFound.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.FunctionalSystem, error) {
	return s.repo.GetSystem(ctx, id)
}

// List returns all systems.
func (s *Service) List(ctx context.Context) ([]*models.FunctionalSystem, error) {
	return s.repo.ListSystems(ctx)
}

// FindByDevice returns the system owning the device, or (nil, nil) when the
// device is unassigned.
func (s *Service) FindByDevice(ctx context.Context, deviceID models.DeviceID) (*models.FunctionalSystem, error) {
	return s.repo.FindSystemByDevice(ctx, deviceID)
}

// UpdateConfiguration replaces a system's configuration and fail-safe
// defaults under optimistic concurrency. A stale version surfaces as
// db.ErrVersionConflict.
func (s *Service) UpdateConfiguration(ctx context.Context, id uuid.UUID, configuration map[string]any, failSafe map[string]models.DeviceValue, expectedVersion int64) (*models.FunctionalSystem, error) {
	updated, err := s.repo.UpdateSystemConfiguration(ctx, id, configuration, failSafe, expectedVersion)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("system_id", id.String()).
		Int64("version", updated.Version).
		Msg("system configuration updated")

	return updated, nil
}

// AddDevice assigns a device to a system. A device already owned elsewhere
// surfaces as db.ErrDeviceAlreadyAssigned.
func (s *Service) AddDevice(ctx context.Context, id uuid.UUID, deviceID models.DeviceID) error {
	if deviceID.IsZero() {
		return models.ErrInvalidDeviceID
	}

	return s.repo.AddDeviceToSystem(ctx, id, deviceID)
}

// RemoveDevice detaches a device from a system.
func (s *Service) RemoveDevice(ctx context.Context, id uuid.UUID, deviceID models.DeviceID) error {
	return s.repo.RemoveDeviceFromSystem(ctx, id, deviceID)
}

// Delete removes a system and its memberships.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.repo.DeleteSystem(ctx, id)
}
