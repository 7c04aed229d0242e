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

package safety

import (
	"context"

	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

// SnapshotReader is the twin read surface the builder needs.
type SnapshotReader interface {
	FindSnapshot(ctx context.Context, id models.DeviceID) (*models.DeviceTwinSnapshot, error)
}

// TemperatureReader surfaces the latest cached reading per sensor.
type TemperatureReader interface {
	FindReading(ctx context.Context, id models.DeviceID) (*models.TemperatureReading, error)
}

// ContextBuilder assembles the evaluation context for a proposed value:
// the device's own snapshot, snapshots of the other devices in its system,
// and temperature metadata from the system's sensors.
type ContextBuilder struct {
	twins SnapshotReader
	temps TemperatureReader
	log   logger.Logger
}

func NewContextBuilder(twins SnapshotReader, temps TemperatureReader, log logger.Logger) *ContextBuilder {
	return &ContextBuilder{twins: twins, temps: temps, log: log.WithComponent("safety-context")}
}

// Snapshot reads the device's own twin snapshot.
func (b *ContextBuilder) Snapshot(ctx context.Context, id models.DeviceID) (*models.DeviceTwinSnapshot, error) {
	return b.twins.FindSnapshot(ctx, id)
}

// Build assembles the context. system may be nil for unassigned devices.
// A missing related snapshot or sensor reading narrows the context instead
// of failing the evaluation; twin-store errors do fail it.
func (b *ContextBuilder) Build(
	ctx context.Context,
	deviceID models.DeviceID,
	deviceType models.DeviceType,
	proposed models.DeviceValue,
	system *models.FunctionalSystem,
) (models.SafetyContext, error) {
	sc := models.SafetyContext{
		DeviceID:   deviceID,
		DeviceType: deviceType,
		Proposed:   proposed,
		System:     system,
	}

	current, err := b.twins.FindSnapshot(ctx, deviceID)
	if err != nil {
		return models.SafetyContext{}, err
	}

	sc.Current = current

	if system == nil {
		return sc, nil
	}

	sc.Related = make(map[models.DeviceID]*models.DeviceTwinSnapshot)
	sc.Metadata = make(map[string]any)

	for key, value := range system.Configuration {
		sc.Metadata[key] = value
	}

	for _, memberID := range system.OtherDevices(deviceID) {
		snapshot, err := b.twins.FindSnapshot(ctx, memberID)
		if err != nil {
			return models.SafetyContext{}, err
		}

		if snapshot == nil {
			continue
		}

		sc.Related[memberID] = snapshot

		if snapshot.Type == models.DeviceTypeTemperatureSensor {
			b.addTemperature(ctx, sc.Metadata, memberID)
		}
	}

	return sc, nil
}

func (b *ContextBuilder) addTemperature(ctx context.Context, metadata map[string]any, sensorID models.DeviceID) {
	reading, err := b.temps.FindReading(ctx, sensorID)
	if err != nil {
		b.log.Warn().Err(err).Str("sensor", sensorID.String()).Msg("failed to read cached temperature")
		return
	}

	if reading == nil {
		return
	}

	metadata["temperature."+reading.SensorName] = reading.Celsius
}
