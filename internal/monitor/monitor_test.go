package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestAddNodeSeedsProfile(t *testing.T) {
	m := New(zap.NewNop(), 0, nil)
	m.AddNode("n1", Normal, []string{"params/remote"})

	p, ok := m.Profile("n1")
	assert.True(t, ok)
	assert.Equal(t, Normal, p.Level)
	assert.Equal(t, 1, m.Count())

	m.Stop()
}

func TestRecordNodeErrorForcesCritical(t *testing.T) {
	m := New(zap.NewNop(), 0, nil)
	m.AddNode("n1", Normal, nil)

	m.RecordNodeError("n1")

	p, ok := m.Profile("n1")
	assert.True(t, ok)
	assert.Equal(t, Critical, p.Level)
	assert.Equal(t, 0, p.ConsecutiveSuccesses)
	assert.Equal(t, 1, p.ErrorCount)

	m.Stop()
}

func TestAdjustLevelPromotesOnErrors(t *testing.T) {
	m := New(zap.NewNop(), 0, nil)
	p := &Profile{NodeID: "n1", Level: Normal, ErrorCount: 1, ConsecutiveSuccesses: 0}
	m.adjustLevelLocked(p)
	assert.Equal(t, High, p.Level)
}

func TestAdjustLevelDemotesOnSustainedSuccess(t *testing.T) {
	m := New(zap.NewNop(), 0, nil)

	p := &Profile{NodeID: "n1", Level: High, ConsecutiveSuccesses: 10, LastActivityTS: time.Now()}
	m.adjustLevelLocked(p)
	assert.Equal(t, Normal, p.Level)

	p2 := &Profile{NodeID: "n2", Level: Normal, ConsecutiveSuccesses: 10, ErrorCount: 0, LastActivityTS: time.Now()}
	m.adjustLevelLocked(p2)
	assert.Equal(t, Low, p2.Level)
}

func TestAdjustLevelInactivityPromotesToHigh(t *testing.T) {
	m := New(zap.NewNop(), 0, nil)
	p := &Profile{NodeID: "n1", Level: Minimal, LastActivityTS: time.Now().Add(-400 * time.Second)}
	m.adjustLevelLocked(p)
	assert.Equal(t, High, p.Level)
}

func TestGetPriorityNodesOrdering(t *testing.T) {
	m := New(zap.NewNop(), 0, nil)
	now := time.Now()

	m.AddNode("low-err", Normal, nil)
	m.AddNode("high-err", Normal, nil)
	m.AddNode("critical", Critical, nil)

	m.mu.Lock()
	m.profiles["low-err"].ErrorCount = 1
	m.profiles["low-err"].LastActivityTS = now
	m.profiles["high-err"].ErrorCount = 5
	m.profiles["high-err"].LastActivityTS = now
	m.mu.Unlock()

	order := m.GetPriorityNodes()
	assert.Equal(t, "critical", order[0])
	assert.Equal(t, "high-err", order[1])
	assert.Equal(t, "low-err", order[2])

	m.Stop()
}

func TestMaxConcurrentMonitorsQueuesExcess(t *testing.T) {
	m := New(zap.NewNop(), 1, nil)
	m.AddNode("n1", Normal, nil)
	m.AddNode("n2", Normal, nil)

	m.mu.Lock()
	running := len(m.running)
	queued := len(m.queue)
	m.mu.Unlock()

	assert.Equal(t, 1, running)
	assert.Equal(t, 1, queued)

	m.Stop()
}

func TestRemoveNodeStopsTaskAndDequeues(t *testing.T) {
	m := New(zap.NewNop(), 1, nil)
	m.AddNode("n1", Normal, nil)
	m.AddNode("n2", Normal, nil)

	m.RemoveNode("n2")
	m.mu.Lock()
	_, queued := indexOf(m.queue, "n2")
	m.mu.Unlock()
	assert.False(t, queued)

	m.Stop()
}

func indexOf(list []string, v string) (int, bool) {
	for i, s := range list {
		if s == v {
			return i, true
		}
	}
	return -1, false
}
