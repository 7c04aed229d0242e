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

// Package kv provides the hot key-value store used for twin state, the
// active-output index, idempotency markers, and short-lived caches.
package kv

import (
	"context"
	"time"
)

// HashUpdate is the mutation a hash transaction applies: fields to set and
// fields to remove, decided from the record's current contents.
type HashUpdate struct {
	Set    map[string]string
	Delete []string
}

// Store is the hot-store contract. Hash records back the per-device twin,
// sets back secondary indexes, and plain keys with TTL back markers and
// caches.
type Store interface {
	// GetHash reads all fields of a hash record. A missing record yields an
	// empty map, not an error.
	GetHash(ctx context.Context, key string) (map[string]string, error)

	// GetHashField reads one field. The boolean reports presence.
	GetHashField(ctx context.Context, key, field string) (string, bool, error)

	// UpdateHash applies fn atomically against the record's current fields
	// using optimistic concurrency. Concurrent writers cause a bounded number
	// of retries; exhaustion surfaces ErrTxConflict.
	UpdateHash(ctx context.Context, key string, fn func(fields map[string]string) (HashUpdate, error)) error

	// AddToSet / RemoveFromSet / SetMembers maintain a secondary index set.
	AddToSet(ctx context.Context, key, member string) error
	RemoveFromSet(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Get retrieves a plain value. The boolean reports presence.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores a plain value with an optional TTL; zero means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a plain value.
	Delete(ctx context.Context, key string) error

	// SetIfAbsent performs a conditional set with TTL and reports whether the
	// key was newly set. Used by the idempotency filter.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Ping checks store liveness.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
