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

// CalculationKind discriminates the state calculator's result.
type CalculationKind string

const (
	CalcFromIntent     CalculationKind = "FROM_INTENT"
	CalcFromOverride   CalculationKind = "FROM_OVERRIDE"
	CalcSafetyModified CalculationKind = "SAFETY_MODIFIED"
	CalcSafetyRefused  CalculationKind = "SAFETY_REFUSED"
	CalcNoValue        CalculationKind = "NO_VALUE"
)

// CalculationResult is the closed result of the state calculator. Desired is
// set for FromIntent, FromOverride and SafetyModified.
type CalculationResult struct {
	Kind             CalculationKind
	Desired          *DesiredDeviceState
	Original         *DeviceValue
	Reason           string
	BlockingRuleID   string
	OverrideCategory OverrideCategory
	IsFromSystem     bool
}

func CalcResultFromIntent(desired DesiredDeviceState) CalculationResult {
	return CalculationResult{Kind: CalcFromIntent, Desired: &desired}
}

func CalcResultFromOverride(desired DesiredDeviceState, category OverrideCategory, fromSystem bool, reason string) CalculationResult {
	return CalculationResult{
		Kind:             CalcFromOverride,
		Desired:          &desired,
		OverrideCategory: category,
		IsFromSystem:     fromSystem,
		Reason:           reason,
	}
}

func CalcResultSafetyModified(desired DesiredDeviceState, original DeviceValue, ruleID, reason string) CalculationResult {
	return CalculationResult{
		Kind:           CalcSafetyModified,
		Desired:        &desired,
		Original:       &original,
		BlockingRuleID: ruleID,
		Reason:         reason,
	}
}

func CalcResultSafetyRefused(reason, blockingRuleID string) CalculationResult {
	return CalculationResult{Kind: CalcSafetyRefused, Reason: reason, BlockingRuleID: blockingRuleID}
}

func CalcResultNoValue(reason string) CalculationResult {
	return CalculationResult{Kind: CalcNoValue, Reason: reason}
}

// OverrideValidationKind discriminates the override pipeline's result.
type OverrideValidationKind string

const (
	OverrideOutcomeApplied  OverrideValidationKind = "APPLIED"
	OverrideOutcomeBlocked  OverrideValidationKind = "BLOCKED"
	OverrideOutcomeModified OverrideValidationKind = "MODIFIED"
)

// OverrideValidationResult is the closed result of validating an override
// request through the safety engine.
type OverrideValidationResult struct {
	Kind          OverrideValidationKind
	Override      *Override
	OriginalValue *DeviceValue
	ModifiedValue *DeviceValue
	BlockingRules []string
	ModifyingRule []string
	Reason        string
	Warnings      []string
}

// ReconciliationKind discriminates a coordinator run's outcome.
type ReconciliationKind string

const (
	ReconcileUpdated  ReconciliationKind = "UPDATED"
	ReconcileRefused  ReconciliationKind = "REFUSED"
	ReconcileNoChange ReconciliationKind = "NO_CHANGE"
	ReconcileNotFound ReconciliationKind = "DEVICE_NOT_FOUND"
)

// ReconciliationResult reports what a coordinator run did for one device.
type ReconciliationResult struct {
	Kind           ReconciliationKind
	Desired        *DesiredDeviceState
	Reason         string
	BlockingRuleID string
}
