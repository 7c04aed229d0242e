package registry

import (
	"context"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmgiangi/calcifer-sub000/pkg/db"
	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
	"github.com/dmgiangi/calcifer-sub000/pkg/models"
)

type fakeRepo struct {
	systems map[uuid.UUID]*models.FunctionalSystem
	owners  map[models.DeviceID]uuid.UUID
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		systems: make(map[uuid.UUID]*models.FunctionalSystem),
		owners:  make(map[models.DeviceID]uuid.UUID),
	}
}

func (f *fakeRepo) CreateSystem(_ context.Context, system *models.FunctionalSystem) error {
	for _, deviceID := range system.DeviceIDs {
		if _, taken := f.owners[deviceID]; taken {
			return db.ErrDeviceAlreadyAssigned
		}
	}

	for _, deviceID := range system.DeviceIDs {
		f.owners[deviceID] = system.ID
	}

	clone := *system
	f.systems[system.ID] = &clone

	return nil
}

func (f *fakeRepo) GetSystem(_ context.Context, id uuid.UUID) (*models.FunctionalSystem, error) {
	system, ok := f.systems[id]
	if !ok {
		return nil, db.ErrSystemNotFound
	}

	return system, nil
}

func (f *fakeRepo) ListSystems(context.Context) ([]*models.FunctionalSystem, error) {
	out := make([]*models.FunctionalSystem, 0, len(f.systems))
	for _, system := range f.systems {
		out = append(out, system)
	}

	return out, nil
}

func (f *fakeRepo) FindSystemByDevice(_ context.Context, deviceID models.DeviceID) (*models.FunctionalSystem, error) {
	id, ok := f.owners[deviceID]
	if !ok {
		return nil, nil
	}

	return f.systems[id], nil
}

func (f *fakeRepo) UpdateSystemConfiguration(_ context.Context, id uuid.UUID, configuration map[string]any, failSafe map[string]models.DeviceValue, expectedVersion int64) (*models.FunctionalSystem, error) {
	system, ok := f.systems[id]
	if !ok {
		return nil, db.ErrSystemNotFound
	}

	if system.Version != expectedVersion {
		return nil, db.ErrVersionConflict
	}

	system.Configuration = configuration
	system.FailSafeDefaults = failSafe
	system.Version++

	return system, nil
}

func (f *fakeRepo) AddDeviceToSystem(_ context.Context, id uuid.UUID, deviceID models.DeviceID) error {
	if _, taken := f.owners[deviceID]; taken {
		return db.ErrDeviceAlreadyAssigned
	}

	system, ok := f.systems[id]
	if !ok {
		return db.ErrSystemNotFound
	}

	f.owners[deviceID] = id
	system.DeviceIDs = append(system.DeviceIDs, deviceID)
	system.Version++

	return nil
}

func (f *fakeRepo) RemoveDeviceFromSystem(_ context.Context, id uuid.UUID, deviceID models.DeviceID) error {
	delete(f.owners, deviceID)

	if system, ok := f.systems[id]; ok {
		kept := system.DeviceIDs[:0]

		for _, d := range system.DeviceIDs {
			if d != deviceID {
				kept = append(kept, d)
			}
		}

		system.DeviceIDs = kept
		system.Version++
	}

	return nil
}

func (f *fakeRepo) DeleteSystem(_ context.Context, id uuid.UUID) (bool, error) {
	system, ok := f.systems[id]
	if !ok {
		return false, nil
	}

	for _, deviceID := range system.DeviceIDs {
		delete(f.owners, deviceID)
	}

	delete(f.systems, id)

	return true, nil
}

func testService(t *testing.T) (*Service, *fakeRepo) {
	t.Helper()

	repo := newFakeRepo()

	return NewService(repo, logger.NewTestLogger(io.Discard)), repo
}

func termocamino(devices ...models.DeviceID) models.FunctionalSystem {
	return models.FunctionalSystem{
		Type:      models.SystemTypeTermocamino,
		Name:      "living room boiler",
		DeviceIDs: devices,
	}
}

func TestCreateAssignsIDAndVersion(t *testing.T) {
	svc, _ := testService(t)

	created, err := svc.Create(context.Background(), termocamino(
		models.DeviceID{ControllerID: "esp", ComponentID: "pump"},
	))
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.EqualValues(t, 1, created.Version)
	assert.False(t, created.CreatedAt.IsZero())
}

func TestCreateRejectsInvalidSystem(t *testing.T) {
	svc, _ := testService(t)

	_, err := svc.Create(context.Background(), models.FunctionalSystem{Type: "BOGUS", Name: "x"})
	assert.ErrorIs(t, err, models.ErrInvalidSystemType)
}

func TestExclusiveMembership(t *testing.T) {
	svc, _ := testService(t)
	pump := models.DeviceID{ControllerID: "esp", ComponentID: "pump"}

	first, err := svc.Create(context.Background(), termocamino(pump))
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), termocamino(pump))
	assert.ErrorIs(t, err, db.ErrDeviceAlreadyAssigned)

	other, err := svc.Create(context.Background(), termocamino())
	require.NoError(t, err)

	err = svc.AddDevice(context.Background(), other.ID, pump)
	assert.ErrorIs(t, err, db.ErrDeviceAlreadyAssigned)

	// Detaching from the first system frees the device.
	require.NoError(t, svc.RemoveDevice(context.Background(), first.ID, pump))
	assert.NoError(t, svc.AddDevice(context.Background(), other.ID, pump))
}

func TestFindByDeviceUnassigned(t *testing.T) {
	svc, _ := testService(t)

	system, err := svc.FindByDevice(context.Background(), models.DeviceID{ControllerID: "esp", ComponentID: "orphan"})
	require.NoError(t, err)
	assert.Nil(t, system)
}

func TestUpdateConfigurationVersionConflict(t *testing.T) {
	svc, _ := testService(t)

	created, err := svc.Create(context.Background(), termocamino())
	require.NoError(t, err)

	updated, err := svc.UpdateConfiguration(context.Background(), created.ID,
		map[string]any{"mode": "winter"}, nil, created.Version)
	require.NoError(t, err)
	assert.EqualValues(t, 2, updated.Version)

	_, err = svc.UpdateConfiguration(context.Background(), created.ID,
		map[string]any{"mode": "summer"}, nil, created.Version)
	assert.ErrorIs(t, err, db.ErrVersionConflict)
}
