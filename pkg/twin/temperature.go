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

package twin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmgiangi/calcifer-sub000/pkg/kv"
	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

// readingTTL bounds how long a cached reading stays relevant. A sensor that
// goes quiet simply disappears from safety-rule metadata.
const readingTTL = 15 * time.Minute

// TemperatureStore caches the latest reading per sensor. Readings are
// deliberately not twin fields: sensors report continuously and carry no
// intent or desired state.
type TemperatureStore struct {
	store kv.Store
	log   logger.Logger
}

func NewTemperatureStore(store kv.Store, log logger.Logger) *TemperatureStore {
	return &TemperatureStore{store: store, log: log.WithComponent("temperature-store")}
}

func readingKey(controllerID, sensorName string) string {
	return "sensor:" + controllerID + ":" + sensorName + ":temperature"
}

// SaveReading overwrites the cached reading for the sensor.
func (s *TemperatureStore) SaveReading(ctx context.Context, reading models.TemperatureReading) error {
	data, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to marshal temperature reading: %w", err)
	}

	return s.store.Put(ctx, readingKey(reading.ControllerID, reading.SensorName), data, readingTTL)
}

// FindReading returns the cached reading, or nil when the sensor has not
// reported within the TTL.
func (s *TemperatureStore) FindReading(ctx context.Context, id models.DeviceID) (*models.TemperatureReading, error) {
	raw, ok, err := s.store.Get(ctx, readingKey(id.ControllerID, id.ComponentID))
	if err != nil || !ok {
		return nil, err
	}

	var reading models.TemperatureReading
	if err := json.Unmarshal(raw, &reading); err != nil {
		return nil, fmt.Errorf("failed to unmarshal temperature reading for %s: %w", id, err)
	}

	return &reading, nil
}
