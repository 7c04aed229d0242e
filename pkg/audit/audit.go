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

// Package audit records every decision the control plane takes about device
// state into an append-only trail, keyed by correlation id so a single user
// action can be traced end to end.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmgiangi/calcifer-sub000/pkg/correlation"
	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

// Recorder is the write-side interface the rest of the control plane depends
// on. Recording never returns an error: an audit failure must not fail the
// decision it describes.
type Recorder interface {
	Record(ctx context.Context, entry models.AuditEntry)
}

// Repository is the persistence surface the service needs.
type Repository interface {
	InsertAuditEntries(ctx context.Context, entries []*models.AuditEntry) error
	QueryAudit(ctx context.Context, q models.AuditQuery) ([]*models.AuditEntry, error)
}

// Service persists and queries audit entries.
type Service struct {
	repo Repository
	log  logger.Logger

	nowFunc func() time.Time
}

func NewService(repo Repository, log logger.Logger) *Service {
	return &Service{
		repo:    repo,
		log:     log.WithComponent("audit"),
		nowFunc: time.Now,
	}
}

// Record fills in the entry's id, timestamp, and correlation id (from the
// context when the entry carries none) and persists it. Failures are logged
// and swallowed.
func (s *Service) Record(ctx context.Context, entry models.AuditEntry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.nowFunc().UTC()
	}

	if entry.CorrelationID == "" {
		entry.CorrelationID = correlation.FromContext(ctx)
	}

	if err := s.repo.InsertAuditEntries(ctx, []*models.AuditEntry{&entry}); err != nil {
		s.log.Error().Err(err).
			Str("decision", string(entry.Decision)).
			Str("correlation_id", entry.CorrelationID).
			Msg("failed to persist audit entry")
	}
}

// Query returns entries matching the filter, oldest first.
func (s *Service) Query(ctx context.Context, q models.AuditQuery) ([]*models.AuditEntry, error) {
	return s.repo.QueryAudit(ctx, q)
}
