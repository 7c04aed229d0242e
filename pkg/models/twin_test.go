package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDeviceID(t *testing.T, s string) DeviceID {
	t.Helper()

	id, err := ParseDeviceID(s)
	require.NoError(t, err)

	return id
}

func TestSnapshotConvergence(t *testing.T) {
	id := DeviceID{ControllerID: "esp", ComponentID: "pump"}
	on := NewRelayValue(true)
	off := NewRelayValue(false)

	desired := &DesiredDeviceState{ID: id, Type: DeviceTypeRelay, Value: on}

	tests := []struct {
		name     string
		reported *ReportedDeviceState
		desired  *DesiredDeviceState
		want     bool
	}{
		{
			name:     "known and equal",
			reported: &ReportedDeviceState{ID: id, Type: DeviceTypeRelay, Value: &on, Known: true},
			desired:  desired,
			want:     true,
		},
		{
			name:     "known and divergent",
			reported: &ReportedDeviceState{ID: id, Type: DeviceTypeRelay, Value: &off, Known: true},
			desired:  desired,
			want:     false,
		},
		{
			name:     "unknown reported never converges",
			reported: &ReportedDeviceState{ID: id, Type: DeviceTypeRelay, Known: false},
			desired:  desired,
			want:     false,
		},
		{name: "no reported", desired: desired, want: false},
		{
			name:     "no desired",
			reported: &ReportedDeviceState{ID: id, Type: DeviceTypeRelay, Value: &on, Known: true},
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := DeviceTwinSnapshot{ID: id, Type: DeviceTypeRelay, Reported: tt.reported, Desired: tt.desired}
			assert.Equal(t, tt.want, snap.Converged())
		})
	}
}

func TestSnapshotValidateTypeSkew(t *testing.T) {
	id := mustDeviceID(t, "esp:fan")
	fan, err := NewFanValue(2)
	require.NoError(t, err)

	snap := DeviceTwinSnapshot{
		ID:   id,
		Type: DeviceTypeFan,
		Intent: &UserIntent{
			ID: id, Type: DeviceTypeRelay, Value: NewRelayValue(true), RequestedAt: time.Now(),
		},
		Desired: &DesiredDeviceState{ID: id, Type: DeviceTypeFan, Value: fan},
	}

	assert.ErrorIs(t, snap.Validate(), ErrSnapshotTypeSkew)

	snap.Intent = nil
	assert.NoError(t, snap.Validate())
}

func TestIntentValidate(t *testing.T) {
	id := mustDeviceID(t, "esp:light")

	intent := UserIntent{ID: id, Type: DeviceTypeRelay, Value: NewRelayValue(true), RequestedAt: time.Now()}
	assert.NoError(t, intent.Validate())

	fan, err := NewFanValue(1)
	require.NoError(t, err)

	intent.Value = fan
	assert.ErrorIs(t, intent.Validate(), ErrTypeValueMismatch)

	intent = UserIntent{ID: id, Type: DeviceTypeRelay, Value: NewRelayValue(true)}
	assert.ErrorIs(t, intent.Validate(), ErrMissingTimestamp)
}

func TestReportedValidate(t *testing.T) {
	id := mustDeviceID(t, "esp:light")
	on := NewRelayValue(true)

	unknown := ReportedDeviceState{ID: id, Type: DeviceTypeRelay, Known: false, ReportedAt: time.Now()}
	assert.NoError(t, unknown.Validate())

	known := ReportedDeviceState{ID: id, Type: DeviceTypeRelay, Known: true, ReportedAt: time.Now()}
	assert.ErrorIs(t, known.Validate(), ErrNoValue)

	known.Value = &on
	assert.NoError(t, known.Validate())
}
