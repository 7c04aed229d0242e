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
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/dmgiangi/calcifer-sub000/pkg/correlation"
	"github.com/dmgiangi/calcifer-sub000/pkg/db"
	"github.com/dmgiangi/calcifer-sub000/pkg/kv"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

var errInvalidSystemID = errors.New("invalid system id")

// Closed error code set of the problem document contract.
const (
	codeValidation         = "VALIDATION_ERROR"
	codeNotFound           = "NOT_FOUND"
	codeConflict           = "CONFLICT"
	codeSafetyBlock        = "SAFETY_BLOCK"
	codeInfrastructureDown = "INFRASTRUCTURE_DOWN"
	codeInternal           = "INTERNAL_ERROR"
)

// Problem is the structured error document every failing request returns.
type Problem struct {
	Title         string   `json:"title"`
	Status        int      `json:"status"`
	Detail        string   `json:"detail"`
	ErrorCode     string   `json:"errorCode"`
	CorrelationID string   `json:"correlationId"`
	BlockingRules []string `json:"blockingRules,omitempty"`
}

func (s *Server) writeProblem(w http.ResponseWriter, r *http.Request, status int, code, title, detail string) {
	s.writeJSON(w, status, Problem{
		Title:         title,
		Status:        status,
		Detail:        detail,
		ErrorCode:     code,
		CorrelationID: correlation.FromContext(r.Context()),
	})
}

// writeError maps a domain error onto the closed problem code set.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, title := classify(err)

	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).
			Str("path", r.URL.Path).
			Str("correlation_id", correlation.FromContext(r.Context())).
			Msg("request failed")
	}

	s.writeProblem(w, r, status, code, title, err.Error())
}

func classify(err error) (status int, code, title string) {
	var validationErrs validator.ValidationErrors

	switch {
	case errors.Is(err, db.ErrSystemNotFound),
		errors.Is(err, db.ErrOverrideNotFound):
		return http.StatusNotFound, codeNotFound, "resource not found"

	case errors.Is(err, db.ErrVersionConflict),
		errors.Is(err, db.ErrDeviceAlreadyAssigned),
		errors.Is(err, kv.ErrTxConflict):
		return http.StatusConflict, codeConflict, "conflicting update"

	case errors.Is(err, kv.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, codeInfrastructureDown, "infrastructure unavailable"

	case errors.As(err, &validationErrs),
		errors.Is(err, errInvalidSystemID),
		errors.Is(err, models.ErrInvalidDeviceID),
		errors.Is(err, models.ErrUnknownDeviceType),
		errors.Is(err, models.ErrFanSpeedOutOfRange),
		errors.Is(err, models.ErrNoValue),
		errors.Is(err, models.ErrTypeValueMismatch),
		errors.Is(err, models.ErrMissingTimestamp),
		errors.Is(err, models.ErrInvalidSystemType),
		errors.Is(err, models.ErrEmptySystemName),
		errors.Is(err, models.ErrUnknownOverrideScope),
		errors.Is(err, models.ErrUnknownOverrideCategory),
		errors.Is(err, models.ErrEmptyOverrideReason):
		return http.StatusBadRequest, codeValidation, "invalid request"

	default:
		return http.StatusInternalServerError, codeInternal, "internal error"
	}
}
