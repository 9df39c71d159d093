package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeUnsubscriber struct {
	unsubscribed []string
}

func (f *fakeUnsubscriber) Unsubscribe(topic string) error {
	f.unsubscribed = append(f.unsubscribed, topic)
	return nil
}

func TestSubscribeNodeTopicsRecordsEntries(t *testing.T) {
	m := New(zap.NewNop(), 0)

	err := m.SubscribeNodeTopics("n1", []string{"a", "b"}, 5, func(nodeID, suffix string) error {
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, m.Count())
	assert.Equal(t, 2, m.CountForNode("n1"))
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	m := New(zap.NewNop(), 0)

	_ = m.SubscribeNodeTopics("n1", []string{"a", "b", "c"}, 1, func(string, string) error { return nil })
	before := m.Count()

	err := m.UnsubscribeNodeTopics("n1", []string{"a", "b", "c"}, func(string, string) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, before-3, m.Count())
	assert.Equal(t, 0, m.Count())
}

func TestGlobalCapEvictsLowestPriority(t *testing.T) {
	m := New(zap.NewNop(), 3)
	sess := &fakeUnsubscriber{}
	m.RegisterSession("low", sess)

	_ = m.SubscribeNodeTopics("low", []string{"a", "b", "c"}, 1, func(string, string) error { return nil })
	assert.Equal(t, 3, m.Count())

	err := m.SubscribeNodeTopics("high", []string{"x"}, 10, func(string, string) error { return nil })
	assert.NoError(t, err)

	assert.Equal(t, 3, m.Count())
	assert.Len(t, sess.unsubscribed, 1)
	assert.Equal(t, 1, m.CountForNode("high"))
	assert.Equal(t, 2, m.CountForNode("low"))
}

func TestSubscribeFailureAbandonsRemainingTopicsForNode(t *testing.T) {
	m := New(zap.NewNop(), 0)

	calls := 0
	err := m.SubscribeNodeTopics("n1", []string{"a", "b", "c"}, 1, func(nodeID, suffix string) error {
		calls++
		if suffix == "b" {
			return assertErr
		}
		return nil
	})

	assert.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, m.CountForNode("n1")) // only "a" recorded before the failure on "b"
}

var assertErr = &subscribeError{"boom"}

type subscribeError struct{ msg string }

func (e *subscribeError) Error() string { return e.msg }

func TestUnregisterSessionRemovesAllEntries(t *testing.T) {
	m := New(zap.NewNop(), 0)
	_ = m.SubscribeNodeTopics("n1", []string{"a", "b"}, 1, func(string, string) error { return nil })
	m.RegisterSession("n1", &fakeUnsubscriber{})

	m.UnregisterSession("n1")
	assert.Equal(t, 0, m.CountForNode("n1"))
}
