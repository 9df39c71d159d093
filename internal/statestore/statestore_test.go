package statestore

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewTruncatesActiveConfig(t *testing.T) {
	dir := t.TempDir()
	start := time.Now()

	s := New(dir, "mqtts://broker", dir, start, zap.NewNop())
	assert.Empty(t, s.active.Nodes)

	raw, err := os.ReadFile(dir + "/active_config.json")
	require.NoError(t, err)
	var onDisk ActiveConfig
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, "mqtts://broker", onDisk.Broker)
}

func TestOnConnectedUpdatesActiveAndHistory(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "mqtts://broker", dir, time.Now(), zap.NewNop())

	s.OnConnected("n1", "/certs/n1.crt", "/certs/n1.key")

	ns, ok := s.active.Nodes["n1"]
	require.True(t, ok)
	assert.Equal(t, "connected", ns.Status)
	assert.Nil(t, ns.DisconnectedAt)

	events := s.history.Nodes["n1"]
	require.Len(t, events, 1)
	assert.Equal(t, "connected", events[0].Action)
}

func TestOnDisconnectedStampsActiveAndAppendsHistory(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "mqtts://broker", dir, time.Now(), zap.NewNop())

	s.OnConnected("n1", "/certs/n1.crt", "/certs/n1.key")
	s.OnDisconnected("n1")

	ns := s.active.Nodes["n1"]
	assert.Equal(t, "disconnected", ns.Status)
	assert.NotNil(t, ns.DisconnectedAt)

	events := s.history.Nodes["n1"]
	require.Len(t, events, 2)
	assert.Equal(t, "disconnected", events[1].Action)
}

func TestShutdownTruncatesActiveAgain(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "mqtts://broker", dir, time.Now(), zap.NewNop())
	s.OnConnected("n1", "/certs/n1.crt", "/certs/n1.key")

	s.Shutdown()

	assert.Empty(t, s.active.Nodes)
	assert.Len(t, s.history.Nodes["n1"], 1) // history survives shutdown
}

func TestSessionIDDerivesFromSessionStartTS(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New(dir, "mqtts://broker", dir, start, zap.NewNop())

	assert.Equal(t, start.Format(time.RFC3339Nano), s.SessionID())
}
