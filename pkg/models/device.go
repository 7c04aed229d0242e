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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DeviceID identifies a single component on a controller. The wire form is
// "controllerId:componentId".
type DeviceID struct {
	ControllerID string `json:"controller_id"`
	ComponentID  string `json:"component_id"`
}

// NewDeviceID builds a DeviceID, rejecting empty parts.
func NewDeviceID(controllerID, componentID string) (DeviceID, error) {
	if controllerID == "" || componentID == "" {
		return DeviceID{}, fmt.Errorf("%w: controller=%q component=%q",
			ErrInvalidDeviceID, controllerID, componentID)
	}

	return DeviceID{ControllerID: controllerID, ComponentID: componentID}, nil
}

// ParseDeviceID parses the "controllerId:componentId" wire form.
func ParseDeviceID(s string) (DeviceID, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return DeviceID{}, fmt.Errorf("%w: %q", ErrInvalidDeviceID, s)
	}

	return NewDeviceID(parts[0], parts[1])
}

func (d DeviceID) String() string {
	return d.ControllerID + ":" + d.ComponentID
}

func (d DeviceID) IsZero() bool {
	return d.ControllerID == "" && d.ComponentID == ""
}

// Capability classifies whether a device type can be driven (OUTPUT) or only
// observed (INPUT). Only OUTPUT devices participate in reconciliation.
type Capability string

const (
	CapabilityInput  Capability = "INPUT"
	CapabilityOutput Capability = "OUTPUT"
)

// DeviceType is the closed set of device kinds the control plane knows.
type DeviceType string

const (
	DeviceTypeRelay             DeviceType = "RELAY"
	DeviceTypeFan               DeviceType = "FAN"
	DeviceTypeTemperatureSensor DeviceType = "TEMPERATURE_SENSOR"
)

// ParseDeviceType validates a device type tag.
func ParseDeviceType(s string) (DeviceType, error) {
	switch t := DeviceType(strings.ToUpper(s)); t {
	case DeviceTypeRelay, DeviceTypeFan, DeviceTypeTemperatureSensor:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDeviceType, s)
	}
}

func (t DeviceType) Capability() Capability {
	if t == DeviceTypeTemperatureSensor {
		return CapabilityInput
	}

	return CapabilityOutput
}

func (t DeviceType) IsOutput() bool {
	return t.Capability() == CapabilityOutput
}

// ValueKind discriminates the DeviceValue union.
type ValueKind string

const (
	ValueKindRelay ValueKind = "relay"
	ValueKindFan   ValueKind = "fan"
)

// DeviceType returns the output device type a value of this kind drives.
func (k ValueKind) DeviceType() DeviceType {
	if k == ValueKindFan {
		return DeviceTypeFan
	}

	return DeviceTypeRelay
}

// MaxFanSpeed is the upper bound of the fan speed range (inclusive).
const MaxFanSpeed = 4

// DeviceValue is a closed tagged union: Relay(bool) | Fan(int 0..4).
// The zero value is "no value"; construction through the NewXxx functions
// enforces range and tag consistency.
type DeviceValue struct {
	kind  ValueKind
	on    bool
	speed int
}

// NewRelayValue builds a relay value.
func NewRelayValue(on bool) DeviceValue {
	return DeviceValue{kind: ValueKindRelay, on: on}
}

// NewFanValue builds a fan value, enforcing the 0..MaxFanSpeed range.
func NewFanValue(speed int) (DeviceValue, error) {
	if speed < 0 || speed > MaxFanSpeed {
		return DeviceValue{}, fmt.Errorf("%w: %d", ErrFanSpeedOutOfRange, speed)
	}

	return DeviceValue{kind: ValueKindFan, speed: speed}, nil
}

func (v DeviceValue) Kind() ValueKind { return v.kind }
func (v DeviceValue) IsZero() bool    { return v.kind == "" }

// RelayOn reports the relay state; false when the value is not a relay.
func (v DeviceValue) RelayOn() bool { return v.kind == ValueKindRelay && v.on }

// FanSpeed reports the fan speed; 0 when the value is not a fan.
func (v DeviceValue) FanSpeed() int {
	if v.kind != ValueKindFan {
		return 0
	}

	return v.speed
}

func (v DeviceValue) Equal(o DeviceValue) bool {
	return v.kind == o.kind && v.on == o.on && v.speed == o.speed
}

// MatchesType reports type-value consistency: a RELAY state must carry a
// relay value, a FAN state a fan value.
func (v DeviceValue) MatchesType(t DeviceType) bool {
	switch v.kind {
	case ValueKindRelay:
		return t == DeviceTypeRelay
	case ValueKindFan:
		return t == DeviceTypeFan
	default:
		return false
	}
}

func (v DeviceValue) String() string {
	switch v.kind {
	case ValueKindRelay:
		return "relay(" + strconv.FormatBool(v.on) + ")"
	case ValueKindFan:
		return "fan(" + strconv.Itoa(v.speed) + ")"
	default:
		return "none"
	}
}

// AsMap exposes the value to the rule expression sandbox.
func (v DeviceValue) AsMap() map[string]any {
	switch v.kind {
	case ValueKindRelay:
		return map[string]any{"kind": string(ValueKindRelay), "on": v.on}
	case ValueKindFan:
		return map[string]any{"kind": string(ValueKindFan), "speed": int64(v.speed)}
	default:
		return nil
	}
}

// DeviceValueFromMap converts the sandbox map form back to a DeviceValue.
func DeviceValueFromMap(m map[string]any) (DeviceValue, error) {
	switch m["kind"] {
	case string(ValueKindRelay):
		on, _ := m["on"].(bool)
		return NewRelayValue(on), nil
	case string(ValueKindFan):
		switch speed := m["speed"].(type) {
		case int64:
			return NewFanValue(int(speed))
		case int:
			return NewFanValue(speed)
		case float64:
			return NewFanValue(int(speed))
		}

		return DeviceValue{}, ErrFanSpeedOutOfRange
	default:
		return DeviceValue{}, ErrNoValue
	}
}

type deviceValueJSON struct {
	Kind  ValueKind `json:"kind"`
	On    *bool     `json:"on,omitempty"`
	Speed *int      `json:"speed,omitempty"`
}

func (v DeviceValue) MarshalJSON() ([]byte, error) {
	if v.IsZero() {
		return []byte("null"), nil
	}

	out := deviceValueJSON{Kind: v.kind}

	switch v.kind {
	case ValueKindRelay:
		on := v.on
		out.On = &on
	case ValueKindFan:
		speed := v.speed
		out.Speed = &speed
	}

	return json.Marshal(out)
}

func (v *DeviceValue) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = DeviceValue{}
		return nil
	}

	var in deviceValueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	switch in.Kind {
	case ValueKindRelay:
		on := false
		if in.On != nil {
			on = *in.On
		}

		*v = NewRelayValue(on)

		return nil
	case ValueKindFan:
		if in.Speed == nil {
			return ErrFanSpeedOutOfRange
		}

		parsed, err := NewFanValue(*in.Speed)
		if err != nil {
			return err
		}

		*v = parsed

		return nil
	default:
		return fmt.Errorf("%w: kind %q", ErrNoValue, in.Kind)
	}
}
