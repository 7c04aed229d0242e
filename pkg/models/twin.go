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
	"time"
)

// UserIntent records what the user asked a device to do.
type UserIntent struct {
	ID          DeviceID    `json:"id"`
	Type        DeviceType  `json:"type"`
	Value       DeviceValue `json:"value"`
	RequestedAt time.Time   `json:"requested_at"`
}

func (i UserIntent) Validate() error {
	if i.ID.IsZero() {
		return ErrInvalidDeviceID
	}

	if i.Value.IsZero() {
		return ErrNoValue
	}

	if !i.Value.MatchesType(i.Type) {
		return fmt.Errorf("%w: intent %s carries %s", ErrTypeValueMismatch, i.Type, i.Value)
	}

	if i.RequestedAt.IsZero() {
		return ErrMissingTimestamp
	}

	return nil
}

// ReportedDeviceState is the last state a device reported. Known=false means
// the device has not reported yet; an unknown reported state must never count
// as evidence of convergence.
type ReportedDeviceState struct {
	ID         DeviceID     `json:"id"`
	Type       DeviceType   `json:"type"`
	Value      *DeviceValue `json:"value,omitempty"`
	ReportedAt time.Time    `json:"reported_at"`
	Known      bool         `json:"known"`
}

func (r ReportedDeviceState) Validate() error {
	if r.ID.IsZero() {
		return ErrInvalidDeviceID
	}

	if r.Known {
		if r.Value == nil || r.Value.IsZero() {
			return ErrNoValue
		}

		if !r.Value.MatchesType(r.Type) {
			return fmt.Errorf("%w: reported %s carries %s", ErrTypeValueMismatch, r.Type, r.Value)
		}
	}

	if r.ReportedAt.IsZero() {
		return ErrMissingTimestamp
	}

	return nil
}

// DesiredDeviceState is the target the reconciler drives a device toward.
type DesiredDeviceState struct {
	ID    DeviceID    `json:"id"`
	Type  DeviceType  `json:"type"`
	Value DeviceValue `json:"value"`
}

func (d DesiredDeviceState) Validate() error {
	if d.ID.IsZero() {
		return ErrInvalidDeviceID
	}

	if d.Value.IsZero() {
		return ErrNoValue
	}

	if !d.Value.MatchesType(d.Type) {
		return fmt.Errorf("%w: desired %s carries %s", ErrTypeValueMismatch, d.Type, d.Value)
	}

	return nil
}

// DeviceTwinSnapshot is an atomic read of the three twin fields. Any subset
// may be absent.
type DeviceTwinSnapshot struct {
	ID       DeviceID             `json:"id"`
	Type     DeviceType           `json:"type"`
	Intent   *UserIntent          `json:"intent,omitempty"`
	Reported *ReportedDeviceState `json:"reported,omitempty"`
	Desired  *DesiredDeviceState  `json:"desired,omitempty"`
}

// Converged reports whether the device has reached its desired state:
// reported must be known and equal to desired. Unknown reported is always
// non-converged.
func (s DeviceTwinSnapshot) Converged() bool {
	if s.Desired == nil || s.Reported == nil {
		return false
	}

	if !s.Reported.Known || s.Reported.Value == nil {
		return false
	}

	return s.Reported.Value.Equal(s.Desired.Value)
}

// Validate enforces the cross-field type invariant: every present field must
// carry the snapshot's device type. A violation is an invariant breach, not
// recoverable input error.
func (s DeviceTwinSnapshot) Validate() error {
	if s.Intent != nil && s.Intent.Type != s.Type {
		return fmt.Errorf("%w: intent is %s, snapshot is %s", ErrSnapshotTypeSkew, s.Intent.Type, s.Type)
	}

	if s.Reported != nil && s.Reported.Type != s.Type {
		return fmt.Errorf("%w: reported is %s, snapshot is %s", ErrSnapshotTypeSkew, s.Reported.Type, s.Type)
	}

	if s.Desired != nil && s.Desired.Type != s.Type {
		return fmt.Errorf("%w: desired is %s, snapshot is %s", ErrSnapshotTypeSkew, s.Desired.Type, s.Type)
	}

	return nil
}

// TemperatureReading is the parsed form of an inbound temperature frame.
// Readings are not part of the twin; the last one per sensor is cached and
// surfaced to safety rules through SafetyContext metadata.
type TemperatureReading struct {
	ControllerID string    `json:"controller_id"`
	SensorType   string    `json:"sensor_type"`
	SensorName   string    `json:"sensor_name"`
	Celsius      float64   `json:"celsius"`
	ReportedAt   time.Time `json:"reported_at"`
}
