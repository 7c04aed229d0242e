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

package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/dmgiangi/calcifer-sub000/pkg/kv"
	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
)

const (
	markerPrefix = "idem:feedback:"
	markerTTL    = 5 * time.Minute
)

// IdempotencyFilter deduplicates inbound frames within a time window using
// conditional-set markers. A marker-store failure lets the frame through:
// processing twice is recoverable, dropping silently is not.
type IdempotencyFilter struct {
	store kv.Store
	log   logger.Logger
}

func NewIdempotencyFilter(store kv.Store, log logger.Logger) *IdempotencyFilter {
	return &IdempotencyFilter{store: store, log: log.WithComponent("idempotency")}
}

// FirstSeen claims the key and reports whether this frame is new.
func (f *IdempotencyFilter) FirstSeen(ctx context.Context, key string) bool {
	fresh, err := f.store.SetIfAbsent(ctx, markerPrefix+key, []byte("1"), markerTTL)
	if err != nil {
		f.log.Warn().Err(err).Str("key", key).Msg("idempotency marker unavailable, processing anyway")
		return true
	}

	return fresh
}

// DeduplicationKey derives a key for frames that carry no message id: a
// digest of the frame's identifying content.
func DeduplicationKey(deviceID, timestamp, payload string) string {
	sum := sha256.Sum256([]byte(deviceID + "|" + timestamp + "|" + payload))
	return hex.EncodeToString(sum[:])
}
