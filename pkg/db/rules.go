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
	"time"

	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

const ruleColumns = `id, name, description, category, priority, enabled, condition, action, expression, reason, version, updated_at`

// ListSafetyRules loads every enabled configurable rule.
func (db *DB) ListSafetyRules(ctx context.Context) ([]models.ConfigurableRule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM safety_rules WHERE enabled ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}
	defer rows.Close()

	var rules []models.ConfigurableRule

	for rows.Next() {
		var rule models.ConfigurableRule

		err := rows.Scan(
			&rule.ID, &rule.Name, &rule.Description, &rule.Category, &rule.Priority,
			&rule.Enabled, &rule.Condition, &rule.Action, &rule.Expression,
			&rule.Reason, &rule.Version, &rule.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
		}

		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}

	return rules, nil
}

// UpsertSafetyRule writes a configurable rule, bumping its version on
// replacement.
func (db *DB) UpsertSafetyRule(ctx context.Context, rule *models.ConfigurableRule) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO safety_rules (`+ruleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1,$11)
		ON CONFLICT (id) DO UPDATE SET
			name        = EXCLUDED.name,
			description = EXCLUDED.description,
			category    = EXCLUDED.category,
			priority    = EXCLUDED.priority,
			enabled     = EXCLUDED.enabled,
			condition   = EXCLUDED.condition,
			action      = EXCLUDED.action,
			expression  = EXCLUDED.expression,
			reason      = EXCLUDED.reason,
			version     = safety_rules.version + 1,
			updated_at  = EXCLUDED.updated_at`,
		rule.ID, rule.Name, rule.Description, rule.Category, rule.Priority,
		rule.Enabled, rule.Condition, rule.Action, rule.Expression, rule.Reason,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert safety rule: %w", err)
	}

	return nil
}
