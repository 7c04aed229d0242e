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

import "errors"

var (

	// Device identity and values.

	ErrInvalidDeviceID    = errors.New("invalid device id")
	ErrUnknownDeviceType  = errors.New("unknown device type")
	ErrFanSpeedOutOfRange = errors.New("fan speed out of range")
	ErrNoValue            = errors.New("device value is empty")
	ErrTypeValueMismatch  = errors.New("device value does not match device type")

	// Twin state.

	ErrMissingTimestamp = errors.New("missing timestamp")
	ErrSnapshotTypeSkew = errors.New("twin snapshot fields disagree on device type")

	// Systems.

	ErrInvalidSystemType = errors.New("unknown functional system type")
	ErrEmptySystemName   = errors.New("functional system name is empty")

	// Overrides and rules.

	ErrUnknownOverrideScope    = errors.New("unknown override scope")
	ErrUnknownOverrideCategory = errors.New("unknown override category")
	ErrUnknownRuleAction       = errors.New("unknown rule action")
	ErrEmptyOverrideReason     = errors.New("override reason is empty")
)
