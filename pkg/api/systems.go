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

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

type systemCreateRequest struct {
	Name             string                        `json:"name" validate:"required"`
	Type             string                        `json:"type" validate:"required"`
	Configuration    map[string]any                `json:"configuration"`
	DeviceIDs        []string                      `json:"deviceIds" validate:"omitempty,dive,required"`
	FailSafeDefaults map[string]models.DeviceValue `json:"failSafeDefaults"`
}

func (s *Server) handleCreateSystem(w http.ResponseWriter, r *http.Request) {
	var req systemCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, codeValidation, "invalid request", err.Error())
		return
	}

	if err := s.validate.Struct(&req); err != nil {
		s.writeError(w, r, err)
		return
	}

	systemType, err := models.ParseSystemType(req.Type)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	deviceIDs := make([]models.DeviceID, 0, len(req.DeviceIDs))

	for _, raw := range req.DeviceIDs {
		deviceID, err := models.ParseDeviceID(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		deviceIDs = append(deviceIDs, deviceID)
	}

	created, err := s.svc.Systems.Create(r.Context(), models.FunctionalSystem{
		Name:             req.Name,
		Type:             systemType,
		Configuration:    req.Configuration,
		DeviceIDs:        deviceIDs,
		FailSafeDefaults: req.FailSafeDefaults,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListSystems(w http.ResponseWriter, r *http.Request) {
	systems, err := s.svc.Systems.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, systems)
}

func (s *Server) handleGetSystem(w http.ResponseWriter, r *http.Request) {
	id, err := systemIDFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	system, err := s.svc.Systems.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, system)
}

func (s *Server) handleDeleteSystem(w http.ResponseWriter, r *http.Request) {
	id, err := systemIDFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	deleted, err := s.svc.Systems.Delete(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if !deleted {
		s.writeProblem(w, r, http.StatusNotFound, codeNotFound, "resource not found",
			"system "+id.String()+" does not exist")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type configurationPatchRequest struct {
	Configuration    map[string]any                `json:"configuration"`
	FailSafeDefaults map[string]models.DeviceValue `json:"failSafeDefaults"`
	Version          int64                         `json:"version" validate:"required,gt=0"`
}

func (s *Server) handlePatchConfiguration(w http.ResponseWriter, r *http.Request) {
	id, err := systemIDFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req configurationPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, codeValidation, "invalid request", err.Error())
		return
	}

	if err := s.validate.Struct(&req); err != nil {
		s.writeError(w, r, err)
		return
	}

	updated, err := s.svc.Systems.UpdateConfiguration(r.Context(), id,
		req.Configuration, req.FailSafeDefaults, req.Version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, updated)
}

type addDeviceRequest struct {
	ControllerID string `json:"controllerId" validate:"required"`
	ComponentID  string `json:"componentId" validate:"required"`
}

func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	id, err := systemIDFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req addDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeProblem(w, r, http.StatusBadRequest, codeValidation, "invalid request", err.Error())
		return
	}

	if err := s.validate.Struct(&req); err != nil {
		s.writeError(w, r, err)
		return
	}

	deviceID, err := models.NewDeviceID(req.ControllerID, req.ComponentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.svc.Systems.AddDevice(r.Context(), id, deviceID); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	id, err := systemIDFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	deviceID, err := deviceIDFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.svc.Systems.RemoveDevice(r.Context(), id, deviceID); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApplySystemOverride(w http.ResponseWriter, r *http.Request) {
	id, err := systemIDFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.applyOverride(w, r, id.String(), models.OverrideScopeSystem)
}

func (s *Server) handleCancelSystemOverride(w http.ResponseWriter, r *http.Request) {
	id, err := systemIDFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.cancelOverride(w, r, id.String())
}

func systemIDFrom(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, errInvalidSystemID
	}

	return id, nil
}
