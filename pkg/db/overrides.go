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

	"github.com/jackc/pgx/v5"

	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

const overrideColumns = `id, target_id, scope, category, value, reason, expires_at, created_at, created_by, version`

// UpsertOverride writes an override; a collision on (targetId, category)
// replaces the previous row and bumps its version.
func (db *DB) UpsertOverride(ctx context.Context, override *models.Override) (*models.Override, error) {
	valueJSON, err := json.Marshal(override.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal override value: %w", err)
	}

	row := db.pool.QueryRow(ctx,
		`INSERT INTO overrides (`+overrideColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,1)
		ON CONFLICT (id) DO UPDATE SET
			value      = EXCLUDED.value,
			reason     = EXCLUDED.reason,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at,
			created_by = EXCLUDED.created_by,
			version    = overrides.version + 1
		RETURNING `+overrideColumns,
		override.ID, override.TargetID, override.Scope, override.Category,
		valueJSON, override.Reason, override.ExpiresAt, override.CreatedAt, override.CreatedBy,
	)

	return scanOverride(row)
}

// GetOverride loads one override by (target, category).
func (db *DB) GetOverride(ctx context.Context, targetID string, category models.OverrideCategory) (*models.Override, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+overrideColumns+` FROM overrides WHERE id = $1`,
		models.OverrideID(targetID, category),
	)

	return scanOverride(row)
}

// ListOverridesByTarget loads all non-expired overrides for a target.
// Expiration is filtered logically at read time; the sweeper removes rows
// physically.
func (db *DB) ListOverridesByTarget(ctx context.Context, targetID string, now time.Time) ([]models.Override, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+overrideColumns+` FROM overrides
		WHERE target_id = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		targetID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}
	defer rows.Close()

	return scanOverrides(rows)
}

// ListExpiredOverrides loads every override whose expiry is past.
func (db *DB) ListExpiredOverrides(ctx context.Context, now time.Time) ([]models.Override, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+overrideColumns+` FROM overrides
		WHERE expires_at IS NOT NULL AND expires_at <= $1`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}
	defer rows.Close()

	return scanOverrides(rows)
}

// DeleteOverride removes one override, reporting whether a row existed.
func (db *DB) DeleteOverride(ctx context.Context, targetID string, category models.OverrideCategory) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM overrides WHERE id = $1`, models.OverrideID(targetID, category))
	if err != nil {
		return false, fmt.Errorf("failed to delete override: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// DeleteOverridesByTarget removes all overrides for a target.
func (db *DB) DeleteOverridesByTarget(ctx context.Context, targetID string) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM overrides WHERE target_id = $1`, targetID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete overrides: %w", err)
	}

	return tag.RowsAffected(), nil
}

func scanOverrides(rows pgx.Rows) ([]models.Override, error) {
	var overrides []models.Override

	for rows.Next() {
		override, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}

		overrides = append(overrides, *override)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}

	return overrides, nil
}

func scanOverride(row pgx.Row) (*models.Override, error) {
	var (
		override  models.Override
		valueJSON []byte
	)

	err := row.Scan(
		&override.ID, &override.TargetID, &override.Scope, &override.Category,
		&valueJSON, &override.Reason, &override.ExpiresAt, &override.CreatedAt,
		&override.CreatedBy, &override.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOverrideNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
	}

	if err := json.Unmarshal(valueJSON, &override.Value); err != nil {
		return nil, fmt.Errorf("%w: override value: %w", ErrFailedToScan, err)
	}

	return &override, nil
}
