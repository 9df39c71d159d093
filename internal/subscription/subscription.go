// Package subscription implements the Selective Subscription Manager
// a globally-capped set of per-node (topic_suffix, priority)
// subscriptions with priority-based eviction when the cap is reached.
package subscription

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Unsubscriber is the narrow view of a session the manager needs to evict
// a subscription. internal/session.Session satisfies this.
type Unsubscriber interface {
	Unsubscribe(topic string) error
}

// entry is one active (node_id, topic_suffix) subscription.
type entry struct {
	nodeID      string
	topicSuffix string
	priority    int
}

func (e entry) key() string { return e.nodeID + "\x00" + e.topicSuffix }

// Manager owns every active subscription record. maxSubscriptions is a
// global cap across all nodes.
type Manager struct {
	logger           *zap.Logger
	maxSubscriptions int // 0 = unbounded

	mu       sync.Mutex
	entries  map[string]entry // key -> entry
	sessions map[string]Unsubscriber

	onEvict func(nodeID, topicSuffix string)
}

// SetEvictCallback installs a hook invoked once per evicted subscription,
// used to mirror SubscriptionEvicts into the Metrics Registry and the
// Event Mirror.
func (m *Manager) SetEvictCallback(fn func(nodeID, topicSuffix string)) {
	m.onEvict = fn
}

// New builds a Manager. The Unsubscriber used to evict subscriptions on a
// node's underlying session is supplied per node via RegisterSession.
func New(logger *zap.Logger, maxSubscriptions int) *Manager {
	return &Manager{
		logger:           logger,
		maxSubscriptions: maxSubscriptions,
		entries:          make(map[string]entry),
		sessions:         make(map[string]Unsubscriber),
	}
}

// RegisterSession associates a node id with the session used to issue
// evictions. Must be called before SubscribeNodeTopics for that node.
func (m *Manager) RegisterSession(nodeID string, sess Unsubscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[nodeID] = sess
}

// UnregisterSession drops a node's eviction target and removes all of its
// subscription bookkeeping (the session itself is assumed already gone).
func (m *Manager) UnregisterSession(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, nodeID)
	for key, e := range m.entries {
		if e.nodeID == nodeID {
			delete(m.entries, key)
		}
	}
}

// SubscribeFunc performs the actual qos-0 subscribe against a node's
// session for one topic suffix.
type SubscribeFunc func(nodeID, topicSuffix string) error

// SubscribeNodeTopics evicts lowest-priority
// subscriptions globally if needed to make room, then subscribe each topic
// at qos 0, recording priority.
func (m *Manager) SubscribeNodeTopics(nodeID string, topics []string, priority int, subscribe SubscribeFunc) error {
	m.mu.Lock()
	if m.maxSubscriptions > 0 {
		needed := m.countNewLocked(nodeID, topics)
		room := m.maxSubscriptions - len(m.entries)
		if needed > room {
			m.evictLocked(needed - room)
		}
	}
	m.mu.Unlock()

	for _, suffix := range topics {
		if err := subscribe(nodeID, suffix); err != nil {
			if m.logger != nil {
				m.logger.Warn("subscribe failed, abandoning remaining topics for node",
					zap.String("node_id", nodeID), zap.String("topic_suffix", suffix), zap.Error(err))
			}
			return err
		}
		m.mu.Lock()
		e := entry{nodeID: nodeID, topicSuffix: suffix, priority: priority}
		m.entries[e.key()] = e
		m.mu.Unlock()
	}
	return nil
}

// countNewLocked counts how many of topics are not already subscribed for
// nodeID. Caller must hold m.mu.
func (m *Manager) countNewLocked(nodeID string, topics []string) int {
	n := 0
	for _, t := range topics {
		k := entry{nodeID: nodeID, topicSuffix: t}.key()
		if _, exists := m.entries[k]; !exists {
			n++
		}
	}
	return n
}

// evictLocked unsubscribes the n globally-lowest-priority entries. Caller
// must hold m.mu.
func (m *Manager) evictLocked(n int) {
	if n <= 0 || len(m.entries) == 0 {
		return
	}

	victims := make([]entry, 0, len(m.entries))
	for _, e := range m.entries {
		victims = append(victims, e)
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].priority < victims[j].priority
	})
	if n > len(victims) {
		n = len(victims)
	}

	for _, v := range victims[:n] {
		delete(m.entries, v.key())
		if sess, ok := m.sessions[v.nodeID]; ok {
			topic := "node/" + v.nodeID + "/" + v.topicSuffix
			if err := sess.Unsubscribe(topic); err != nil && m.logger != nil {
				m.logger.Warn("eviction unsubscribe failed",
					zap.String("node_id", v.nodeID), zap.String("topic_suffix", v.topicSuffix), zap.Error(err))
			}
		}
		if m.onEvict != nil {
			m.onEvict(v.nodeID, v.topicSuffix)
		}
	}
}

// UnsubscribeNodeTopics removes subscription records for the given topics
// without touching other nodes' entries.
func (m *Manager) UnsubscribeNodeTopics(nodeID string, topics []string, unsubscribe SubscribeFunc) error {
	for _, suffix := range topics {
		if unsubscribe != nil {
			if err := unsubscribe(nodeID, suffix); err != nil {
				return err
			}
		}
		m.mu.Lock()
		delete(m.entries, (entry{nodeID: nodeID, topicSuffix: suffix}).key())
		m.mu.Unlock()
	}
	return nil
}

// Count returns the current global subscription count.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// CountForNode returns the current subscription count for one node.
func (m *Manager) CountForNode(nodeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.nodeID == nodeID {
			n++
		}
	}
	return n
}
