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

package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SystemType enumerates the supported functional system kinds.
type SystemType string

const (
	SystemTypeTermocamino SystemType = "TERMOCAMINO"
	SystemTypeHVAC        SystemType = "HVAC"
	SystemTypeIrrigation  SystemType = "IRRIGATION"
	SystemTypeGeneric     SystemType = "GENERIC"
)

func ParseSystemType(s string) (SystemType, error) {
	switch t := SystemType(strings.ToUpper(s)); t {
	case SystemTypeTermocamino, SystemTypeHVAC, SystemTypeIrrigation, SystemTypeGeneric:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSystemType, s)
	}
}

// FunctionalSystem groups devices into one logical installation (a stove, an
// HVAC zone). Membership is exclusive: a device belongs to at most one
// system. Version increments on every mutation (optimistic concurrency).
type FunctionalSystem struct {
	ID               uuid.UUID              `json:"id"`
	Type             SystemType             `json:"type"`
	Name             string                 `json:"name"`
	Configuration    map[string]any         `json:"configuration"`
	DeviceIDs        []DeviceID             `json:"device_ids"`
	FailSafeDefaults map[string]DeviceValue `json:"fail_safe_defaults"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	Version          int64                  `json:"version"`
}

func (s *FunctionalSystem) HasDevice(id DeviceID) bool {
	for _, d := range s.DeviceIDs {
		if d == id {
			return true
		}
	}

	return false
}

// OtherDevices returns the member devices except the given one.
func (s *FunctionalSystem) OtherDevices(id DeviceID) []DeviceID {
	out := make([]DeviceID, 0, len(s.DeviceIDs))

	for _, d := range s.DeviceIDs {
		if d != id {
			out = append(out, d)
		}
	}

	return out
}

func (s *FunctionalSystem) Validate() error {
	if s.Name == "" {
		return ErrEmptySystemName
	}

	if _, err := ParseSystemType(string(s.Type)); err != nil {
		return err
	}

	return nil
}
