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

package ingest

import (
	"context"

	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
	"github.com/dmgiangi/calcifer-sub000/pkg/twin"
)

// TemperatureHandler caches inbound sensor readings for safety-rule
// metadata. Readings are fire-and-forget: a failed cache write is logged and
// the frame dropped, the next reading supersedes it anyway.
type TemperatureHandler struct {
	temps *twin.TemperatureStore
	log   logger.Logger
}

func NewTemperatureHandler(temps *twin.TemperatureStore, log logger.Logger) *TemperatureHandler {
	return &TemperatureHandler{temps: temps, log: log.WithComponent("temperature-ingest")}
}

func (h *TemperatureHandler) Handle(ctx context.Context, event models.TemperatureReadingReceived) {
	if err := h.temps.SaveReading(ctx, event.Reading); err != nil {
		h.log.Warn().Err(err).
			Str("controller", event.Reading.ControllerID).
			Str("sensor", event.Reading.SensorName).
			Msg("failed to cache temperature reading")
	}
}
