package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/rmfleet/rmfleet/internal/identity"
	"github.com/rmfleet/rmfleet/internal/session"
)

// fakeSession is a Handle test double requiring no real broker.
type fakeSession struct {
	nodeID      string
	connectErr  error
	connected   int32
	connectHits int32
}

func (f *fakeSession) Connect() error {
	atomic.AddInt32(&f.connectHits, 1)
	if f.connectErr != nil {
		return f.connectErr
	}
	atomic.StoreInt32(&f.connected, 1)
	return nil
}
func (f *fakeSession) Disconnect()      { atomic.StoreInt32(&f.connected, 0) }
func (f *fakeSession) Reconnect() error { return f.Connect() }
func (f *fakeSession) IsConnected() bool {
	return atomic.LoadInt32(&f.connected) == 1
}
func (f *fakeSession) Publish(topic string, payload []byte, qos byte, topicSuffix string) error {
	return nil
}
func (f *fakeSession) Subscribe(topic string, qos byte, handler session.MessageHandler) error {
	return nil
}
func (f *fakeSession) Unsubscribe(topic string) error { return nil }
func (f *fakeSession) NodeID() string                 { return f.nodeID }
func (f *fakeSession) CertPath() string                { return "/certs/" + f.nodeID + ".crt" }
func (f *fakeSession) KeyPath() string                 { return "/certs/" + f.nodeID + ".key" }

func nodeIdentities(ids ...string) []identity.NodeIdentity {
	out := make([]identity.NodeIdentity, len(ids))
	for i, id := range ids {
		out[i] = identity.NodeIdentity{NodeID: id, CertPath: "/c", KeyPath: "/k", RootCAPath: "/r"}
	}
	return out
}

func TestBringUpZeroNodesYieldsZeroZero(t *testing.T) {
	p := New(DefaultConfig(), zap.NewNop(), func(ni identity.NodeIdentity) (Handle, error) {
		t.Fatal("sessionFactory should not be called for zero nodes")
		return nil, nil
	}, nil, nil)
	defer p.Shutdown()

	successful, total := p.BringUp(context.Background(), nil)
	assert.Equal(t, 0, successful)
	assert.Equal(t, 0, total)
}

func TestBringUpAllSucceed(t *testing.T) {
	var connectedNodes []string
	p := New(DefaultConfig(), zap.NewNop(),
		func(ni identity.NodeIdentity) (Handle, error) {
			return &fakeSession{nodeID: ni.NodeID}, nil
		},
		func(nodeID string, sess Handle) { connectedNodes = append(connectedNodes, nodeID) },
		nil,
	)
	defer p.Shutdown()

	successful, total := p.BringUp(context.Background(), nodeIdentities("n1", "n2", "n3"))
	assert.Equal(t, 3, successful)
	assert.Equal(t, 3, total)
	assert.Len(t, connectedNodes, 3)

	for _, id := range []string{"n1", "n2", "n3"} {
		st, ok := p.State(id)
		assert.True(t, ok)
		assert.Equal(t, StateConnected, st)
	}
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CircuitBreakerThreshold = 3
	cfg.MaxRetries = 0
	cfg.CircuitBreakerTimeout = time.Hour

	p := New(cfg, zap.NewNop(), func(ni identity.NodeIdentity) (Handle, error) {
		return &fakeSession{nodeID: ni.NodeID, connectErr: errors.New("tls rejected")}, nil
	}, nil, nil)
	defer p.Shutdown()

	for i := 0; i < 3; i++ {
		p.BringUp(context.Background(), nodeIdentities("bad"))
	}

	st, ok := p.State("bad")
	assert.True(t, ok)
	assert.Equal(t, StateCircuitOpen, st)
}

func TestBackoffDelayFormula(t *testing.T) {
	d0 := backoffDelay(1.5, 0, 0)
	assert.Equal(t, time.Second, d0) // 1.5^0 == 1

	d1 := backoffDelay(2.0, 3, 0)
	assert.Equal(t, 8*time.Second, d1) // 2^3 == 8
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "circuit_open", StateCircuitOpen.String())
}
