package facade

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeSession struct {
	connected    bool
	reconnectErr error
	publishErr   error
	publishedTo  []string
}

func (f *fakeSession) IsConnected() bool { return f.connected }
func (f *fakeSession) Reconnect() error {
	if f.reconnectErr == nil {
		f.connected = true
	}
	return f.reconnectErr
}
func (f *fakeSession) Publish(topic string, payload []byte, qos byte, topicSuffix string) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.publishedTo = append(f.publishedTo, topic)
	return nil
}

func TestPublishToNodesComposesTopic(t *testing.T) {
	sess := &fakeSession{connected: true}
	f := New(zap.NewNop(), func(nodeID string) (PublishSession, bool) { return sess, true }, nil, nil)

	results := f.PublishToNodes([]string{"n1"}, SuffixConfig, []byte(`{}`), 0)

	assert.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, []string{"node/n1/config"}, sess.publishedTo)
}

func TestPublishReconnectsWhenDisconnected(t *testing.T) {
	sess := &fakeSession{connected: false}
	f := New(zap.NewNop(), func(nodeID string) (PublishSession, bool) { return sess, true }, nil, nil)

	results := f.PublishToNodes([]string{"n1"}, SuffixParamsLocal, []byte(`{}`), 0)

	assert.True(t, results[0].Success)
	assert.True(t, sess.connected)
}

func TestPublishFailsAfterExhaustingRetries(t *testing.T) {
	sess := &fakeSession{connected: true, publishErr: errors.New("broker rejected")}
	f := New(zap.NewNop(), func(nodeID string) (PublishSession, bool) { return sess, true }, nil, nil)

	results := f.PublishToNodes([]string{"n1"}, SuffixAlert, []byte(`{}`), 0)

	assert.False(t, results[0].Success)
	assert.Error(t, results[0].Err)
}

func TestResolveTargetsDefaultsToConnectedNodes(t *testing.T) {
	sess := &fakeSession{connected: true}
	f := New(zap.NewNop(), func(nodeID string) (PublishSession, bool) { return sess, true }, func() []string {
		return []string{"n1", "n2"}
	}, nil)

	results := f.PublishToNodes(nil, SuffixTSData, []byte(`{}`), 0)
	assert.Len(t, results, 2)
}

func TestUnknownNodeFails(t *testing.T) {
	f := New(zap.NewNop(), func(nodeID string) (PublishSession, bool) { return nil, false }, nil, nil)

	results := f.PublishToNodes([]string{"ghost"}, SuffixAlert, []byte(`{}`), 0)
	assert.False(t, results[0].Success)
}

func TestUnknownIdentityRejected(t *testing.T) {
	sess := &fakeSession{connected: true}
	f := New(zap.NewNop(), func(nodeID string) (PublishSession, bool) { return sess, true }, nil,
		func(nodeID string) bool { return nodeID == "n1" })

	results := f.PublishToNodes([]string{"n1", "ghost"}, SuffixAlert, []byte(`{}`), 0)

	assert.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
}

func TestOTAStatusHookFiresOnSuccessfulPublish(t *testing.T) {
	sess := &fakeSession{connected: true}
	f := New(zap.NewNop(), func(nodeID string) (PublishSession, bool) { return sess, true }, nil, nil)

	var gotNodeID string
	var gotPayload map[string]interface{}
	f.SetOTAStatusHook(func(nodeID string, payload map[string]interface{}) {
		gotNodeID = nodeID
		gotPayload = payload
	})

	_, err := f.PublishJSON([]string{"n1"}, SuffixOTAStatus, map[string]interface{}{
		"ota_job_id": "job-1",
		"status":     "success",
	}, 0)

	assert.NoError(t, err)
	assert.Equal(t, "n1", gotNodeID)
	assert.Equal(t, "success", gotPayload["status"])
}

func TestPublishMetricsHooksFireOnAttemptAndFailure(t *testing.T) {
	sess := &fakeSession{connected: true, publishErr: errors.New("broker rejected")}
	f := New(zap.NewNop(), func(nodeID string) (PublishSession, bool) { return sess, true }, nil, nil)

	attempts, failures := 0, 0
	f.SetMetricsHooks(func() { attempts++ }, func() { failures++ })

	f.PublishToNodes([]string{"n1"}, SuffixAlert, []byte(`{}`), 0)

	assert.Equal(t, publishMaxAttempts, attempts)
	assert.Equal(t, 1, failures)
}

func TestTLVFrameKeys(t *testing.T) {
	frame := TLVFrame("req-1", RolePrimary, 7, "payload")
	assert.Equal(t, "req-1", frame[TLVRequestID])
	assert.Equal(t, RolePrimary, frame[TLVRole])
	assert.Equal(t, 7, frame[TLVCommandCode])
	assert.Equal(t, "payload", frame[TLVCommandData])
}
