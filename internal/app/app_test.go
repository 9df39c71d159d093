package app

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rmfleet/rmfleet/internal/eventbus"
	"github.com/rmfleet/rmfleet/internal/identity"
	"github.com/rmfleet/rmfleet/internal/monitor"
	"github.com/rmfleet/rmfleet/internal/pool"
	"github.com/rmfleet/rmfleet/internal/resilience"
)

func newTestApp(t *testing.T) *Application {
	t.Helper()
	a := New(Config{
		Broker:     "mqtts://broker:443",
		ConfigDir:  t.TempDir(),
		PoolConfig: pool.DefaultConfig(),
	}, zap.NewNop())
	t.Cleanup(a.Shutdown)
	return a
}

func TestSubscriptionPriorityRanksCriticalNodesHighest(t *testing.T) {
	a := newTestApp(t)

	a.Monitor.AddNode("n-normal", monitor.Normal, nil)
	a.Monitor.AddNode("n-critical", monitor.Critical, nil)

	critical := a.subscriptionPriority("n-critical")
	normal := a.subscriptionPriority("n-normal")

	assert.Greater(t, critical, normal)
}

func TestSubscriptionPriorityUnknownNodeIsZero(t *testing.T) {
	a := newTestApp(t)
	assert.Equal(t, 0, a.subscriptionPriority("never-added"))
}

func TestKnownReflectsIdentityStore(t *testing.T) {
	a := newTestApp(t)

	assert.False(t, a.Known("n1"))

	require.NoError(t, a.Identity.Add(identity.NodeIdentity{
		NodeID: "n1", CertPath: "c", KeyPath: "k", RootCAPath: "r",
	}))

	assert.True(t, a.Known("n1"))
	assert.False(t, a.Known("ghost"))
}

func TestPublishEventDoesNotPanicWithNoClients(t *testing.T) {
	a := newTestApp(t)

	assert.NotPanics(t, func() {
		a.publishEvent(eventbus.ConnectorEvent{Type: eventbus.EventNodeConnected, NodeID: "n1"})
	})
	assert.Equal(t, 0, a.Hub.ClientCount())
}

func TestOnBreakerStateChangeIncrementsTripsOnOpen(t *testing.T) {
	a := newTestApp(t)

	before := testutil.ToFloat64(a.Metrics.BreakerTrips.WithLabelValues("n1"))
	a.onBreakerStateChange("n1")(resilience.StateClosed, resilience.StateOpen)
	after := testutil.ToFloat64(a.Metrics.BreakerTrips.WithLabelValues("n1"))

	assert.Equal(t, before+1, after)
}
