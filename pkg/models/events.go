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

// Bus event payloads. Every event carries the correlation id of the inbound
// path that caused it.

// UserIntentChanged is published when an intent is created or replaced.
type UserIntentChanged struct {
	Intent        UserIntent
	CorrelationID string
}

// ActuatorFeedbackReceived is the raw inbound feedback frame before parsing.
// MessageID may be empty; the idempotency filter then derives a key.
type ActuatorFeedbackReceived struct {
	ControllerID  string
	HandlerType   string
	ComponentID   string
	Payload       string
	MessageID     string
	CorrelationID string
}

// ReportedStateChanged is published after a reported-state write.
type ReportedStateChanged struct {
	State         ReportedDeviceState
	CorrelationID string
}

// DesiredStateCalculated is published after a desired-state write.
type DesiredStateCalculated struct {
	Desired       DesiredDeviceState
	Source        CalculationKind
	Reason        string
	CorrelationID string
}

// OverrideApplied is published when the validation pipeline persists an
// override.
type OverrideApplied struct {
	Override      Override
	CorrelationID string
}

// OverrideCancelled is published when an override is explicitly removed.
type OverrideCancelled struct {
	Override      Override
	CorrelationID string
}

// OverrideExpired is published by the expiration sweeper.
type OverrideExpired struct {
	Override      Override
	CorrelationID string
}

// DeviceCommandEvent asks the wire adapter to drive a device to a value.
type DeviceCommandEvent struct {
	ID            DeviceID
	Type          DeviceType
	Value         DeviceValue
	CorrelationID string
}

// TemperatureReadingReceived is published for every parsed temperature frame.
type TemperatureReadingReceived struct {
	Reading       TemperatureReading
	CorrelationID string
}
