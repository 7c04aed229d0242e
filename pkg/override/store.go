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

// Package override manages value overrides: category-ranked assertions that
// shadow user intent on a device or a whole system until cancelled or
// expired.
package override

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/dmgiangi/calcifer-sub000/pkg/kv"
	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

const (
	cacheKeyPrefix = "override:active:"
	cacheTTL       = 30 * time.Second
)

// Repository is the durable side of the store.
type Repository interface {
	UpsertOverride(ctx context.Context, override *models.Override) (*models.Override, error)
	GetOverride(ctx context.Context, targetID string, category models.OverrideCategory) (*models.Override, error)
	ListOverridesByTarget(ctx context.Context, targetID string, now time.Time) ([]models.Override, error)
	ListExpiredOverrides(ctx context.Context, now time.Time) ([]models.Override, error)
	DeleteOverride(ctx context.Context, targetID string, category models.OverrideCategory) (bool, error)
	DeleteOverridesByTarget(ctx context.Context, targetID string) (int64, error)
}

// Store is the override store: PostgreSQL is the source of truth, with a
// short-lived per-target cache in the hot store. Cache failures degrade to
// direct reads, never to errors.
type Store struct {
	repo  Repository
	cache kv.Store
	log   logger.Logger

	nowFunc func() time.Time
}

func NewStore(repo Repository, cache kv.Store, log logger.Logger) *Store {
	return &Store{
		repo:    repo,
		cache:   cache,
		log:     log.WithComponent("override-store"),
		nowFunc: time.Now,
	}
}

// Save validates and upserts an override. Writing the same (target,
// category) pair replaces the previous override and bumps its version.
func (s *Store) Save(ctx context.Context, o models.Override) (*models.Override, error) {
	if o.ID == "" {
		o.ID = models.OverrideID(o.TargetID, o.Category)
	}

	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.nowFunc().UTC()
	}

	if err := o.Validate(); err != nil {
		return nil, err
	}

	saved, err := s.repo.UpsertOverride(ctx, &o)
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, o.TargetID)

	return saved, nil
}

// FindByTargetAndCategory returns one override regardless of expiry, or
// db.ErrOverrideNotFound.
func (s *Store) FindByTargetAndCategory(ctx context.Context, targetID string, category models.OverrideCategory) (*models.Override, error) {
	return s.repo.GetOverride(ctx, targetID, category)
}

// FindActiveByTarget returns the target's unexpired overrides ordered by
// category rank, highest first.
func (s *Store) FindActiveByTarget(ctx context.Context, targetID string) ([]models.Override, error) {
	if cached, ok := s.readCache(ctx, targetID); ok {
		return cached, nil
	}

	active, err := s.repo.ListOverridesByTarget(ctx, targetID, s.nowFunc().UTC())
	if err != nil {
		return nil, err
	}

	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Category.Rank() > active[j].Category.Rank()
	})

	s.writeCache(ctx, targetID, active)

	return active, nil
}

// FindEffectiveByTarget returns the highest-category active override for the
// target, or nil when none is active.
func (s *Store) FindEffectiveByTarget(ctx context.Context, targetID string) (*models.Override, error) {
	active, err := s.FindActiveByTarget(ctx, targetID)
	if err != nil || len(active) == 0 {
		return nil, err
	}

	return &active[0], nil
}

// FindExpired lists overrides whose expiry has lapsed, for the sweeper.
func (s *Store) FindExpired(ctx context.Context) ([]models.Override, error) {
	return s.repo.ListExpiredOverrides(ctx, s.nowFunc().UTC())
}

// DeleteByTargetAndCategory removes one override and reports whether it
// existed.
func (s *Store) DeleteByTargetAndCategory(ctx context.Context, targetID string, category models.OverrideCategory) (bool, error) {
	existed, err := s.repo.DeleteOverride(ctx, targetID, category)
	if err != nil {
		return false, err
	}

	s.invalidate(ctx, targetID)

	return existed, nil
}

// DeleteAllByTarget removes every override for the target.
func (s *Store) DeleteAllByTarget(ctx context.Context, targetID string) (int64, error) {
	deleted, err := s.repo.DeleteOverridesByTarget(ctx, targetID)
	if err != nil {
		return 0, err
	}

	s.invalidate(ctx, targetID)

	return deleted, nil
}

// ResolveEffectiveForDevice resolves the override governing a device,
// merging device-scoped overrides with those of its enclosing system. The
// highest category wins; on equal categories the device-scoped override
// wins. Returns nil when nothing is active.
func (s *Store) ResolveEffectiveForDevice(ctx context.Context, deviceID models.DeviceID, system *models.FunctionalSystem) (*models.EffectiveOverride, error) {
	device, err := s.FindEffectiveByTarget(ctx, deviceID.String())
	if err != nil {
		return nil, err
	}

	var fromSystem *models.Override

	if system != nil {
		fromSystem, err = s.FindEffectiveByTarget(ctx, system.ID.String())
		if err != nil {
			return nil, err
		}
	}

	switch {
	case device == nil && fromSystem == nil:
		return nil, nil
	case fromSystem == nil:
		return &models.EffectiveOverride{Override: *device}, nil
	case device == nil:
		return &models.EffectiveOverride{Override: *fromSystem, IsFromSystem: true}, nil
	case fromSystem.Category.Rank() > device.Category.Rank():
		return &models.EffectiveOverride{Override: *fromSystem, IsFromSystem: true}, nil
	default:
		return &models.EffectiveOverride{Override: *device}, nil
	}
}

func cacheKey(targetID string) string {
	return cacheKeyPrefix + targetID
}

func (s *Store) readCache(ctx context.Context, targetID string) ([]models.Override, bool) {
	raw, ok, err := s.cache.Get(ctx, cacheKey(targetID))
	if err != nil {
		s.log.Warn().Err(err).Str("target", targetID).Msg("override cache read failed")
		return nil, false
	}

	if !ok {
		return nil, false
	}

	var active []models.Override
	if err := json.Unmarshal(raw, &active); err != nil {
		s.log.Warn().Err(err).Str("target", targetID).Msg("corrupt override cache entry")
		return nil, false
	}

	// An override can lapse inside the cache window; expiry is re-checked on
	// every read.
	now := s.nowFunc().UTC()
	unexpired := active[:0]

	for _, o := range active {
		if !o.Expired(now) {
			unexpired = append(unexpired, o)
		}
	}

	return unexpired, true
}

func (s *Store) writeCache(ctx context.Context, targetID string, active []models.Override) {
	data, err := json.Marshal(active)
	if err != nil {
		return
	}

	if err := s.cache.Put(ctx, cacheKey(targetID), data, cacheTTL); err != nil {
		s.log.Warn().Err(err).Str("target", targetID).Msg("override cache write failed")
	}
}

func (s *Store) invalidate(ctx context.Context, targetID string) {
	if err := s.cache.Delete(ctx, cacheKey(targetID)); err != nil {
		s.log.Warn().Err(err).Str("target", targetID).Msg("override cache invalidation failed")
	}
}
