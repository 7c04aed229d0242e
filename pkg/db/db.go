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

// Package db is the durable document store: functional systems, overrides,
// audit entries, configurable safety rules, and the dead-letter sink live in
// PostgreSQL. The hot twin state does not; see pkg/twin.
package db

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
)

// Config holds the PostgreSQL connection settings.
type Config struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Database        string        `json:"database"`
	Username        string        `json:"username"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxConnections  int32         `json:"max_connections"`
	MinConnections  int32         `json:"min_connections"`
	MaxConnLifetime time.Duration `json:"max_conn_lifetime"`
	ApplicationName string        `json:"application_name"`
}

// DB wraps the pgx pool and exposes per-entity persistence methods.
type DB struct {
	pool *pgxpool.Pool
	log  logger.Logger
}

// New dials the configured database and runs migrations.
func New(ctx context.Context, cfg *Config, log logger.Logger) (*DB, error) {
	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	database := &DB{pool: pool, log: log.WithComponent("db")}

	if err := database.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return database, nil
}

// NewFromPool wraps an existing pool without running migrations.
func NewFromPool(pool *pgxpool.Pool, log logger.Logger) *DB {
	return &DB{pool: pool, log: log.WithComponent("db")}
}

func newPool(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	port := cfg.Port
	if port == 0 {
		port = 5432
	}

	connURL := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", cfg.Host, port),
		Path:   "/" + cfg.Database,
	}

	if cfg.Username != "" {
		if cfg.Password != "" {
			connURL.User = url.UserPassword(cfg.Username, cfg.Password)
		} else {
			connURL.User = url.User(cfg.Username)
		}
	}

	query := connURL.Query()

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	query.Set("sslmode", sslMode)

	if cfg.ApplicationName != "" {
		query.Set("application_name", cfg.ApplicationName)
	}

	connURL.RawQuery = query.Encode()

	poolConfig, err := pgxpool.ParseConfig(connURL.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedOpenDB, err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = cfg.MaxConnections
	}

	if cfg.MinConnections > 0 {
		poolConfig.MinConns = cfg.MinConnections
	}

	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedOpenDB, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %w", ErrFailedOpenDB, err)
	}

	return pool, nil
}

// Ping checks database liveness.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close releases the pool.
func (db *DB) Close() {
	db.pool.Close()
}
