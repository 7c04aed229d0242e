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
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS functional_systems (
		id                 UUID PRIMARY KEY,
		type               TEXT NOT NULL,
		name               TEXT NOT NULL,
		configuration      JSONB NOT NULL DEFAULT '{}',
		fail_safe_defaults JSONB NOT NULL DEFAULT '{}',
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL,
		version            BIGINT NOT NULL
	)`,
	// Primary key on device_id enforces exclusive membership: a device can
	// belong to at most one functional system.
	`CREATE TABLE IF NOT EXISTS system_devices (
		device_id TEXT PRIMARY KEY,
		system_id UUID NOT NULL REFERENCES functional_systems(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_system_devices_system ON system_devices (system_id)`,
	`CREATE TABLE IF NOT EXISTS overrides (
		id         TEXT PRIMARY KEY,
		target_id  TEXT NOT NULL,
		scope      TEXT NOT NULL,
		category   TEXT NOT NULL,
		value      JSONB NOT NULL,
		reason     TEXT NOT NULL,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		created_by TEXT NOT NULL,
		version    BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_overrides_target ON overrides (target_id)`,
	`CREATE INDEX IF NOT EXISTS idx_overrides_expires ON overrides (expires_at) WHERE expires_at IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS audit_entries (
		id             UUID PRIMARY KEY,
		correlation_id TEXT NOT NULL,
		ts             TIMESTAMPTZ NOT NULL,
		device_id      TEXT,
		system_id      UUID,
		decision       TEXT NOT NULL,
		actor          TEXT NOT NULL,
		previous_value JSONB,
		new_value      JSONB,
		reason         TEXT NOT NULL,
		context        JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_entries (correlation_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_device ON audit_entries (device_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_system ON audit_entries (system_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_decision ON audit_entries (decision, ts)`,
	`CREATE TABLE IF NOT EXISTS safety_rules (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category    TEXT NOT NULL,
		priority    INT NOT NULL,
		enabled     BOOLEAN NOT NULL DEFAULT TRUE,
		condition   TEXT NOT NULL,
		action      TEXT NOT NULL,
		expression  TEXT NOT NULL DEFAULT '',
		reason      TEXT NOT NULL DEFAULT '',
		version     BIGINT NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		id         BIGSERIAL PRIMARY KEY,
		source     TEXT NOT NULL,
		key        TEXT NOT NULL,
		payload    TEXT NOT NULL,
		error      TEXT NOT NULL,
		attempts   INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

func (db *DB) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: %w", ErrFailedToInit, err)
		}
	}

	return nil
}
