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
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

const auditColumns = `id, correlation_id, ts, device_id, system_id, decision, actor, previous_value, new_value, reason, context`

// InsertAuditEntries appends audit rows in one batch.
func (db *DB) InsertAuditEntries(ctx context.Context, entries []*models.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}

	for _, entry := range entries {
		if entry == nil {
			continue
		}

		prevJSON, err := marshalNullable(entry.PreviousValue)
		if err != nil {
			return err
		}

		newJSON, err := marshalNullable(entry.NewValue)
		if err != nil {
			return err
		}

		ctxJSON, err := json.Marshal(entry.Context)
		if err != nil {
			return fmt.Errorf("failed to marshal audit context: %w", err)
		}

		var deviceID *string
		if entry.DeviceID != nil {
			s := entry.DeviceID.String()
			deviceID = &s
		}

		batch.Queue(
			`INSERT INTO audit_entries (`+auditColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			entry.ID, entry.CorrelationID, entry.Timestamp, deviceID, entry.SystemID,
			entry.Decision, entry.Actor, prevJSON, newJSON, entry.Reason, ctxJSON,
		)
	}

	br := db.pool.SendBatch(ctx, batch)
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to insert audit entries: %w", err)
	}

	return nil
}

// QueryAudit selects entries by whichever filter the query sets, ordered by
// timestamp ascending.
func (db *DB) QueryAudit(ctx context.Context, query models.AuditQuery) ([]*models.AuditEntry, error) {
	sql := `SELECT ` + auditColumns + ` FROM audit_entries WHERE 1=1`

	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	switch {
	case query.CorrelationID != "":
		sql += ` AND correlation_id = ` + arg(query.CorrelationID)
	case query.DeviceID != nil:
		sql += ` AND device_id = ` + arg(query.DeviceID.String())
	case query.SystemID != nil:
		sql += ` AND system_id = ` + arg(*query.SystemID)
	case query.Decision != "":
		sql += ` AND decision = ` + arg(string(query.Decision))
	}

	if !query.From.IsZero() {
		sql += ` AND ts >= ` + arg(query.From)
	}

	if !query.To.IsZero() {
		sql += ` AND ts <= ` + arg(query.To)
	}

	sql += ` ORDER BY ts ASC`

	if query.Limit > 0 {
		sql += ` LIMIT ` + arg(query.Limit)
	}

	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry

	for rows.Next() {
		var (
			entry     models.AuditEntry
			deviceRaw *string
			prevJSON  []byte
			newJSON   []byte
			ctxJSON   []byte
		)

		err := rows.Scan(
			&entry.ID, &entry.CorrelationID, &entry.Timestamp, &deviceRaw, &entry.SystemID,
			&entry.Decision, &entry.Actor, &prevJSON, &newJSON, &entry.Reason, &ctxJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
		}

		if deviceRaw != nil {
			deviceID, err := models.ParseDeviceID(*deviceRaw)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
			}

			entry.DeviceID = &deviceID
		}

		if entry.PreviousValue, err = unmarshalNullable(prevJSON); err != nil {
			return nil, err
		}

		if entry.NewValue, err = unmarshalNullable(newJSON); err != nil {
			return nil, err
		}

		if len(ctxJSON) > 0 {
			if err := json.Unmarshal(ctxJSON, &entry.Context); err != nil {
				return nil, fmt.Errorf("%w: audit context: %w", ErrFailedToScan, err)
			}
		}

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}

	return entries, nil
}

func marshalNullable(value *models.DeviceValue) ([]byte, error) {
	if value == nil {
		return nil, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device value: %w", err)
	}

	return data, nil
}

func unmarshalNullable(data []byte) (*models.DeviceValue, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var value models.DeviceValue
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("%w: device value: %w", ErrFailedToScan, err)
	}

	return &value, nil
}
