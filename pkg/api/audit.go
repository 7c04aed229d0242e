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
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

const defaultAuditLimit = 100

// handleQueryAudit serves GET /v1/audit. Exactly one of correlationId,
// deviceId, systemId, or decisionType selects the index; from/to bound the
// timestamp where the index supports it.
func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	query := models.AuditQuery{
		CorrelationID: params.Get("correlationId"),
		Limit:         defaultAuditLimit,
	}

	if raw := params.Get("deviceId"); raw != "" {
		deviceID, err := models.ParseDeviceID(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		query.DeviceID = &deviceID
	}

	if raw := params.Get("systemId"); raw != "" {
		systemID, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, r, errInvalidSystemID)
			return
		}

		query.SystemID = &systemID
	}

	if raw := params.Get("decisionType"); raw != "" {
		query.Decision = models.DecisionType(raw)
	}

	for name, target := range map[string]*time.Time{"from": &query.From, "to": &query.To} {
		raw := params.Get(name)
		if raw == "" {
			continue
		}

		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeProblem(w, r, http.StatusBadRequest, codeValidation, "invalid request",
				name+" must be RFC 3339: "+err.Error())
			return
		}

		*target = parsed
	}

	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeProblem(w, r, http.StatusBadRequest, codeValidation, "invalid request",
				"limit must be a positive integer")
			return
		}

		query.Limit = limit
	}

	entries, err := s.svc.Audit.Query(r.Context(), query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, entries)
}
