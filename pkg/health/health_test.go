package health

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmgiangi/calcifer-sub000/pkg/logger"
)

func testGate(t *testing.T) *Gate {
	t.Helper()
	return NewGate(logger.NewTestLogger(io.Discard))
}

func TestGateStartsHealthy(t *testing.T) {
	g := testGate(t)
	g.Track(ComponentTwinStore, nil)
	g.Track(ComponentMessaging, nil)

	assert.True(t, g.Healthy())
}

func TestSingleFailureClosesGate(t *testing.T) {
	g := testGate(t)
	g.Track(ComponentTwinStore, nil)
	g.Track(ComponentMessaging, nil)

	g.ReportFailure(ComponentMessaging, errors.New("broker unreachable"))

	assert.False(t, g.Healthy())

	g.ReportRecovery(ComponentMessaging)
	assert.True(t, g.Healthy())
}

func TestStatusCarriesLastError(t *testing.T) {
	g := testGate(t)
	g.Track(ComponentDocumentStore, nil)
	g.ReportFailure(ComponentDocumentStore, errors.New("connection refused"))

	status := g.Status()
	require.Len(t, status, 1)
	assert.False(t, status[0].Healthy)
	assert.Equal(t, "connection refused", status[0].LastError)
}

func TestProbeFoldsResults(t *testing.T) {
	g := testGate(t)

	probeErr := errors.New("ping failed")
	failing := true

	g.Track(ComponentTwinStore, func(context.Context) error {
		if failing {
			return probeErr
		}

		return nil
	})

	g.Probe(context.Background())
	assert.False(t, g.Healthy())

	failing = false
	g.Probe(context.Background())
	assert.True(t, g.Healthy())
}
