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

// Package config loads the service configuration: JSON file over built-in
// defaults, with a small set of environment overrides for secrets and
// endpoints.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmgiangi/calcifer-sub000/pkg/bus"
	"github.com/dmgiangi/calcifer-sub000/pkg/db"
	"github.com/dmgiangi/calcifer-sub000/pkg/kv"
	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/wire"
)

// Config is the full service configuration.
type Config struct {
	Logger     logger.Config    `json:"logger"`
	Redis      kv.Config        `json:"redis"`
	Database   db.Config        `json:"database"`
	NATS       wire.Config      `json:"nats"`
	Bus        bus.Config       `json:"bus"`
	API        APIConfig        `json:"api"`
	Reconciler ReconcilerConfig `json:"reconciler"`
	Sweeper    SweeperConfig    `json:"sweeper"`
	Safety     SafetyConfig     `json:"safety"`
	Health     HealthConfig     `json:"health"`
}

type APIConfig struct {
	ListenAddr string `json:"listen_addr"`
}

type ReconcilerConfig struct {
	Interval time.Duration `json:"interval"`
}

type SweeperConfig struct {
	Interval time.Duration `json:"interval"`
}

type SafetyConfig struct {
	// FailOpen skips rules that error instead of refusing the proposed
	// value. Production keeps this false.
	FailOpen    bool `json:"fail_open"`
	MaxFanSpeed int  `json:"max_fan_speed"`
}

type HealthConfig struct {
	ProbeInterval time.Duration `json:"probe_interval"`
}

// Defaults returns the configuration for a local single-node deployment.
func Defaults() Config {
	return Config{
		Logger: logger.Config{Level: "info"},
		Redis: kv.Config{
			Address: "localhost:6379",
		},
		Database: db.Config{
			Host:            "localhost",
			Port:            5432,
			Database:        "calcifer",
			Username:        "calcifer",
			SSLMode:         "disable",
			MaxConnections:  10,
			ApplicationName: "calcifer-core",
		},
		NATS: wire.Config{
			URL:            "nats://localhost:4222",
			Name:           "calcifer-core",
			ConnectTimeout: 5 * time.Second,
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
		},
		Bus: bus.Config{
			QueueCapacity: 100,
			Workers:       8,
		},
		API: APIConfig{ListenAddr: ":8090"},
		Reconciler: ReconcilerConfig{
			Interval: 5 * time.Second,
		},
		Sweeper: SweeperConfig{
			Interval: time.Minute,
		},
		Safety: SafetyConfig{
			FailOpen:    false,
			MaxFanSpeed: 4,
		},
		Health: HealthConfig{
			ProbeInterval: 15 * time.Second,
		},
	}
}

// Load reads the JSON config file over the defaults and applies environment
// overrides. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}

		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets deployments inject endpoints and secrets without
// writing them into the config file.
func applyEnvOverrides(cfg *Config) {
	overrides := map[string]*string{
		"CALCIFER_REDIS_ADDRESS":  &cfg.Redis.Address,
		"CALCIFER_REDIS_PASSWORD": &cfg.Redis.Password,
		"CALCIFER_DB_HOST":        &cfg.Database.Host,
		"CALCIFER_DB_PASSWORD":    &cfg.Database.Password,
		"CALCIFER_NATS_URL":       &cfg.NATS.URL,
		"CALCIFER_LISTEN_ADDR":    &cfg.API.ListenAddr,
		"CALCIFER_LOG_LEVEL":      &cfg.Logger.Level,
	}

	for name, target := range overrides {
		if value, ok := os.LookupEnv(name); ok && value != "" {
			*target = value
		}
	}
}
