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

// Package twin is the three-state digital twin store: user intent, reported
// state, and desired state per device, held as distinct fields of one hash
// record so writes to different fields never clobber each other.
package twin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dmgiangi/calcifer-sub000/pkg/kv"
	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

const (
	keyPrefix        = "device:"
	activeOutputsKey = "index:active:outputs"

	fieldType     = "type"
	fieldIntent   = "intent"
	fieldReported = "reported"
	fieldDesired  = "desired"
	fieldVersion  = "version"
)

// Store is the twin store contract.
type Store interface {
	SaveIntent(ctx context.Context, intent models.UserIntent) error
	SaveReported(ctx context.Context, state models.ReportedDeviceState) error
	SaveDesired(ctx context.Context, state models.DesiredDeviceState) error
	RemoveDesired(ctx context.Context, id models.DeviceID) error
	FindIntent(ctx context.Context, id models.DeviceID) (*models.UserIntent, error)
	FindReported(ctx context.Context, id models.DeviceID) (*models.ReportedDeviceState, error)
	FindDesired(ctx context.Context, id models.DeviceID) (*models.DesiredDeviceState, error)
	FindSnapshot(ctx context.Context, id models.DeviceID) (*models.DeviceTwinSnapshot, error)
	FindAllActiveOutputDevices(ctx context.Context) ([]models.DesiredDeviceState, error)
}

// KVStore is the twin store over a kv.Store. The active-output index set is
// maintained on every desired write.
type KVStore struct {
	store kv.Store
	log   logger.Logger
}

func NewStore(store kv.Store, log logger.Logger) *KVStore {
	return &KVStore{store: store, log: log.WithComponent("twin-store")}
}

func deviceKey(id models.DeviceID) string {
	return keyPrefix + id.ControllerID + ":" + id.ComponentID
}

func (s *KVStore) SaveIntent(ctx context.Context, intent models.UserIntent) error {
	if err := intent.Validate(); err != nil {
		return err
	}

	return s.saveField(ctx, intent.ID, intent.Type, fieldIntent, intent)
}

func (s *KVStore) SaveReported(ctx context.Context, state models.ReportedDeviceState) error {
	if err := state.Validate(); err != nil {
		return err
	}

	return s.saveField(ctx, state.ID, state.Type, fieldReported, state)
}

// SaveDesired writes the desired field and adds the device to the
// active-output index. Index maintenance is idempotent.
func (s *KVStore) SaveDesired(ctx context.Context, state models.DesiredDeviceState) error {
	if err := state.Validate(); err != nil {
		return err
	}

	if err := s.saveField(ctx, state.ID, state.Type, fieldDesired, state); err != nil {
		return err
	}

	return s.store.AddToSet(ctx, activeOutputsKey, state.ID.String())
}

// RemoveDesired clears the desired field and the index entry.
func (s *KVStore) RemoveDesired(ctx context.Context, id models.DeviceID) error {
	err := s.store.UpdateHash(ctx, deviceKey(id), func(fields map[string]string) (kv.HashUpdate, error) {
		return kv.HashUpdate{
			Set:    map[string]string{fieldVersion: nextVersion(fields)},
			Delete: []string{fieldDesired},
		}, nil
	})
	if err != nil {
		return err
	}

	return s.store.RemoveFromSet(ctx, activeOutputsKey, id.String())
}

func (s *KVStore) saveField(ctx context.Context, id models.DeviceID, deviceType models.DeviceType, field string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal twin %s: %w", field, err)
	}

	return s.store.UpdateHash(ctx, deviceKey(id), func(fields map[string]string) (kv.HashUpdate, error) {
		if existing, ok := fields[fieldType]; ok && existing != string(deviceType) {
			return kv.HashUpdate{}, fmt.Errorf("%w: record is %s, write is %s",
				models.ErrSnapshotTypeSkew, existing, deviceType)
		}

		return kv.HashUpdate{Set: map[string]string{
			field:        string(data),
			fieldType:    string(deviceType),
			fieldVersion: nextVersion(fields),
		}}, nil
	})
}

func nextVersion(fields map[string]string) string {
	version, _ := strconv.ParseInt(fields[fieldVersion], 10, 64)
	return strconv.FormatInt(version+1, 10)
}

func (s *KVStore) FindIntent(ctx context.Context, id models.DeviceID) (*models.UserIntent, error) {
	var intent models.UserIntent
	ok, err := s.findField(ctx, id, fieldIntent, &intent)
	if err != nil || !ok {
		return nil, err
	}

	return &intent, nil
}

func (s *KVStore) FindReported(ctx context.Context, id models.DeviceID) (*models.ReportedDeviceState, error) {
	var state models.ReportedDeviceState
	ok, err := s.findField(ctx, id, fieldReported, &state)
	if err != nil || !ok {
		return nil, err
	}

	return &state, nil
}

func (s *KVStore) FindDesired(ctx context.Context, id models.DeviceID) (*models.DesiredDeviceState, error) {
	var state models.DesiredDeviceState
	ok, err := s.findField(ctx, id, fieldDesired, &state)
	if err != nil || !ok {
		return nil, err
	}

	return &state, nil
}

func (s *KVStore) findField(ctx context.Context, id models.DeviceID, field string, out any) (bool, error) {
	raw, ok, err := s.store.GetHashField(ctx, deviceKey(id), field)
	if err != nil || !ok {
		return false, err
	}

	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("failed to unmarshal twin %s for %s: %w", field, id, err)
	}

	return true, nil
}

// FindSnapshot reads all twin fields in one atomic multi-field read. A device
// with no record yields nil. A cross-field type mismatch is an invariant
// breach and is surfaced, not repaired.
func (s *KVStore) FindSnapshot(ctx context.Context, id models.DeviceID) (*models.DeviceTwinSnapshot, error) {
	fields, err := s.store.GetHash(ctx, deviceKey(id))
	if err != nil {
		return nil, err
	}

	if len(fields) == 0 {
		return nil, nil
	}

	snapshot := &models.DeviceTwinSnapshot{ID: id, Type: models.DeviceType(fields[fieldType])}

	if raw, ok := fields[fieldIntent]; ok {
		var intent models.UserIntent
		if err := json.Unmarshal([]byte(raw), &intent); err != nil {
			return nil, fmt.Errorf("failed to unmarshal intent for %s: %w", id, err)
		}

		snapshot.Intent = &intent
	}

	if raw, ok := fields[fieldReported]; ok {
		var reported models.ReportedDeviceState
		if err := json.Unmarshal([]byte(raw), &reported); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reported for %s: %w", id, err)
		}

		snapshot.Reported = &reported
	}

	if raw, ok := fields[fieldDesired]; ok {
		var desired models.DesiredDeviceState
		if err := json.Unmarshal([]byte(raw), &desired); err != nil {
			return nil, fmt.Errorf("failed to unmarshal desired for %s: %w", id, err)
		}

		snapshot.Desired = &desired
	}

	if err := snapshot.Validate(); err != nil {
		return nil, err
	}

	return snapshot, nil
}

// FindAllActiveOutputDevices lists the desired states of every device on the
// active-output index. Index entries whose desired field has vanished are
// skipped and logged; the reconciler counts them as inconsistencies.
func (s *KVStore) FindAllActiveOutputDevices(ctx context.Context) ([]models.DesiredDeviceState, error) {
	members, err := s.store.SetMembers(ctx, activeOutputsKey)
	if err != nil {
		return nil, err
	}

	out := make([]models.DesiredDeviceState, 0, len(members))

	for _, member := range members {
		id, err := models.ParseDeviceID(member)
		if err != nil {
			s.log.Warn().Str("member", member).Msg("malformed device id on active-output index")
			continue
		}

		desired, err := s.FindDesired(ctx, id)
		if err != nil {
			return nil, err
		}

		if desired == nil {
			s.log.Warn().Str("device", member).Msg("index entry without desired state")
			continue
		}

		out = append(out, *desired)
	}

	return out, nil
}
