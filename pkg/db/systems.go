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

package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

const pgUniqueViolation = "23505"

// CreateSystem inserts a functional system and its device memberships in one
// transaction. A device already owned by another system aborts the whole
// insert with ErrDeviceAlreadyAssigned.
func (db *DB) CreateSystem(ctx context.Context, system *models.FunctionalSystem) error {
	configJSON, err := json.Marshal(system.Configuration)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	failSafeJSON, err := json.Marshal(system.FailSafeDefaults)
	if err != nil {
		return fmt.Errorf("failed to marshal fail-safe defaults: %w", err)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO functional_systems
			(id, type, name, configuration, fail_safe_defaults, created_at, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		system.ID, system.Type, system.Name, configJSON, failSafeJSON,
		system.CreatedAt, system.UpdatedAt, system.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert functional system: %w", err)
	}

	for _, deviceID := range system.DeviceIDs {
		_, err = tx.Exec(ctx,
			`INSERT INTO system_devices (device_id, system_id) VALUES ($1,$2)`,
			deviceID.String(), system.ID,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return fmt.Errorf("%w: %s", ErrDeviceAlreadyAssigned, deviceID)
			}

			return fmt.Errorf("failed to insert system device: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit system insert: %w", err)
	}

	return nil
}

// GetSystem loads one functional system with its device memberships.
func (db *DB) GetSystem(ctx context.Context, id uuid.UUID) (*models.FunctionalSystem, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, type, name, configuration, fail_safe_defaults, created_at, updated_at, version
		FROM functional_systems WHERE id = $1`, id)

	system, err := scanSystem(row)
	if err != nil {
		return nil, err
	}

	if err := db.loadSystemDevices(ctx, system); err != nil {
		return nil, err
	}

	return system, nil
}

// ListSystems loads all functional systems with memberships.
func (db *DB) ListSystems(ctx context.Context) ([]*models.FunctionalSystem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, type, name, configuration, fail_safe_defaults, created_at, updated_at, version
		FROM functional_systems ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}
	defer rows.Close()

	var systems []*models.FunctionalSystem

	for rows.Next() {
		system, err := scanSystem(rows)
		if err != nil {
			return nil, err
		}

		systems = append(systems, system)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}

	for _, system := range systems {
		if err := db.loadSystemDevices(ctx, system); err != nil {
			return nil, err
		}
	}

	return systems, nil
}

// FindSystemByDevice returns the system owning the device, or nil when the
// device is unassigned.
func (db *DB) FindSystemByDevice(ctx context.Context, deviceID models.DeviceID) (*models.FunctionalSystem, error) {
	var systemID uuid.UUID

	err := db.pool.QueryRow(ctx,
		`SELECT system_id FROM system_devices WHERE device_id = $1`, deviceID.String()).Scan(&systemID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}

	return db.GetSystem(ctx, systemID)
}

// UpdateSystemConfiguration replaces the configuration and fail-safe maps
// under optimistic version control. A stale expectedVersion yields
// ErrVersionConflict.
func (db *DB) UpdateSystemConfiguration(
	ctx context.Context, id uuid.UUID, configuration map[string]any,
	failSafe map[string]models.DeviceValue, expectedVersion int64,
) (*models.FunctionalSystem, error) {
	configJSON, err := json.Marshal(configuration)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal configuration: %w", err)
	}

	failSafeJSON, err := json.Marshal(failSafe)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fail-safe defaults: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE functional_systems
		SET configuration = $1, fail_safe_defaults = $2, updated_at = $3, version = version + 1
		WHERE id = $4 AND version = $5`,
		configJSON, failSafeJSON, time.Now().UTC(), id, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update configuration: %w", err)
	}

	if tag.RowsAffected() == 0 {
		if _, err := db.GetSystem(ctx, id); err != nil {
			return nil, err
		}

		return nil, fmt.Errorf("%w: system %s expected version %d", ErrVersionConflict, id, expectedVersion)
	}

	return db.GetSystem(ctx, id)
}

// AddDeviceToSystem attaches a device, bumping the system version. Exclusive
// membership is enforced by the system_devices primary key.
func (db *DB) AddDeviceToSystem(ctx context.Context, id uuid.UUID, deviceID models.DeviceID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO system_devices (device_id, system_id) VALUES ($1,$2)`,
		deviceID.String(), id,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrDeviceAlreadyAssigned, deviceID)
		}

		return fmt.Errorf("failed to insert system device: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE functional_systems SET updated_at = $1, version = version + 1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to bump system version: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSystemNotFound, id)
	}

	return tx.Commit(ctx)
}

// RemoveDeviceFromSystem detaches a device, bumping the system version.
func (db *DB) RemoveDeviceFromSystem(ctx context.Context, id uuid.UUID, deviceID models.DeviceID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`DELETE FROM system_devices WHERE device_id = $1 AND system_id = $2`,
		deviceID.String(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete system device: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE functional_systems SET updated_at = $1, version = version + 1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to bump system version: %w", err)
	}

	return tx.Commit(ctx)
}

// DeleteSystem removes a system and its memberships. Returns false when the
// system did not exist.
func (db *DB) DeleteSystem(ctx context.Context, id uuid.UUID) (bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM system_devices WHERE system_id = $1`, id); err != nil {
		return false, fmt.Errorf("failed to delete system devices: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM functional_systems WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete functional system: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit system delete: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (db *DB) loadSystemDevices(ctx context.Context, system *models.FunctionalSystem) error {
	rows, err := db.pool.Query(ctx,
		`SELECT device_id FROM system_devices WHERE system_id = $1 ORDER BY device_id`, system.ID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("%w: %w", ErrFailedToScan, err)
		}

		deviceID, err := models.ParseDeviceID(raw)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFailedToScan, err)
		}

		system.DeviceIDs = append(system.DeviceIDs, deviceID)
	}

	return rows.Err()
}

func scanSystem(row pgx.Row) (*models.FunctionalSystem, error) {
	var (
		system       models.FunctionalSystem
		configJSON   []byte
		failSafeJSON []byte
	)

	err := row.Scan(
		&system.ID, &system.Type, &system.Name, &configJSON, &failSafeJSON,
		&system.CreatedAt, &system.UpdatedAt, &system.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSystemNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
	}

	if err := json.Unmarshal(configJSON, &system.Configuration); err != nil {
		return nil, fmt.Errorf("%w: configuration: %w", ErrFailedToScan, err)
	}

	if err := json.Unmarshal(failSafeJSON, &system.FailSafeDefaults); err != nil {
		return nil, fmt.Errorf("%w: fail-safe defaults: %w", ErrFailedToScan, err)
	}

	return &system, nil
}
