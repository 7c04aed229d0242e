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

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/dmgiangi/calcifer-sub000/pkg/models"
	"github.com/dmgiangi/calcifer-sub000/pkg/override"
)

type intentRequest struct {
	Type  string             `json:"type" validate:"required"`
	Value models.DeviceValue `json:"value"`
}

type systemAssociation struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type intentResponse struct {
	Intent models.UserIntent  `json:"intent"`
	System *systemAssociation `json:"system,omitempty"`
}

func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	deviceID, err := deviceIDFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, codeValidation, "invalid request", err.Error())
		return
	}

	if err := s.validate.Struct(&req); err != nil {
		s.writeError(w, r, err)
		return
	}

	deviceType, err := models.ParseDeviceType(req.Type)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	intent := models.UserIntent{
		ID:          deviceID,
		Type:        deviceType,
		Value:       req.Value,
		RequestedAt: time.Now().UTC(),
	}

	if err := s.svc.Intents.Submit(r.Context(), intent, actorFrom(r)); err != nil {
		s.writeError(w, r, err)
		return
	}

	response := intentResponse{Intent: intent}

	// Best effort: the intent is accepted whether or not the lookup works.
	if system, err := s.svc.Systems.FindByDevice(r.Context(), deviceID); err == nil && system != nil {
		response.System = &systemAssociation{
			ID:   system.ID.String(),
			Name: system.Name,
			Type: string(system.Type),
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

type twinResponse struct {
	models.DeviceTwinSnapshot
	Converged bool `json:"converged"`
}

func (s *Server) handleGetTwin(w http.ResponseWriter, r *http.Request) {
	deviceID, err := deviceIDFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	snapshot, err := s.svc.Twins.FindSnapshot(r.Context(), deviceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if snapshot == nil {
		s.writeProblem(w, r, http.StatusNotFound, codeNotFound, "resource not found",
			"device "+deviceID.String()+" has no twin")
		return
	}

	s.writeJSON(w, http.StatusOK, twinResponse{
		DeviceTwinSnapshot: *snapshot,
		Converged:          snapshot.Converged(),
	})
}

type overrideRequest struct {
	Type       string             `json:"type" validate:"required"`
	Value      models.DeviceValue `json:"value"`
	Reason     string             `json:"reason" validate:"required"`
	TTLSeconds *int64             `json:"ttlSeconds" validate:"omitempty,gt=0"`
}

type overrideResponse struct {
	Outcome        models.OverrideValidationKind `json:"outcome"`
	Override       *models.Override              `json:"override,omitempty"`
	OriginalValue  *models.DeviceValue           `json:"originalValue,omitempty"`
	ModifiedValue  *models.DeviceValue           `json:"modifiedValue,omitempty"`
	ModifyingRules []string                      `json:"modifyingRules,omitempty"`
	Reason         string                        `json:"reason,omitempty"`
}

func (s *Server) handleApplyDeviceOverride(w http.ResponseWriter, r *http.Request) {
	deviceID, err := deviceIDFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.applyOverride(w, r, deviceID.String(), models.OverrideScopeDevice)
}

func (s *Server) handleCancelDeviceOverride(w http.ResponseWriter, r *http.Request) {
	deviceID, err := deviceIDFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.cancelOverride(w, r, deviceID.String())
}

func (s *Server) handleListDeviceOverrides(w http.ResponseWriter, r *http.Request) {
	deviceID, err := deviceIDFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	active, err := s.svc.Overrides.ListActive(r.Context(), deviceID.String())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, active)
}

// applyOverride is shared between the device and system endpoints; only the
// target and scope differ.
func (s *Server) applyOverride(w http.ResponseWriter, r *http.Request, targetID string, scope models.OverrideScope) {
	category, err := models.ParseOverrideCategory(mux.Vars(r)["category"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, codeValidation, "invalid request", err.Error())
		return
	}

	if err := s.validate.Struct(&req); err != nil {
		s.writeError(w, r, err)
		return
	}

	request := override.Request{
		TargetID:  targetID,
		Scope:     scope,
		Category:  category,
		Value:     req.Value,
		Reason:    req.Reason,
		CreatedBy: actorFrom(r),
	}

	if req.TTLSeconds != nil {
		ttl := time.Duration(*req.TTLSeconds) * time.Second
		request.TTL = &ttl
	}

	run := s.svc.Overrides.Apply
	if r.URL.Query().Get("validateOnly") == "true" {
		run = s.svc.Overrides.ValidateOnly
	}

	result, err := run(r.Context(), request)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if result.Kind == models.OverrideOutcomeBlocked {
		s.writeJSON(w, http.StatusConflict, Problem{
			Title:         "override blocked by safety rules",
			Status:        http.StatusConflict,
			Detail:        result.Reason,
			ErrorCode:     codeSafetyBlock,
			CorrelationID: w.Header().Get(correlationHeader),
			BlockingRules: result.BlockingRules,
		})

		return
	}

	s.writeJSON(w, http.StatusOK, overrideResponse{
		Outcome:        result.Kind,
		Override:       result.Override,
		OriginalValue:  result.OriginalValue,
		ModifiedValue:  result.ModifiedValue,
		ModifyingRules: result.ModifyingRule,
		Reason:         result.Reason,
	})
}

func (s *Server) cancelOverride(w http.ResponseWriter, r *http.Request, targetID string) {
	category, err := models.ParseOverrideCategory(mux.Vars(r)["category"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.svc.Overrides.Cancel(r.Context(), targetID, category); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
