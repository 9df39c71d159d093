// Package monitor implements the Adaptive Monitor: a per-node
// MonitoringProfile with a dynamically adjusted health-check tier, and the
// priority ordering used by the Subscription Manager when slots are scarce.
package monitor

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level is a monitoring tier; its default check interval is defined by
// defaultIntervals below unless a profile sets CustomIntervalSeconds.
type Level int

const (
	Critical Level = iota
	High
	Normal
	Low
	Minimal
)

func (l Level) String() string {
	switch l {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	case Minimal:
		return "minimal"
	default:
		return "unknown"
	}
}

// defaultIntervals holds the default check cadence per tier, chosen relative to the
// broker's 20s keep-alive.
var defaultIntervals = map[Level]time.Duration{
	Critical: 15 * time.Second,
	High:     25 * time.Second,
	Normal:   45 * time.Second,
	Low:      120 * time.Second,
	Minimal:  300 * time.Second,
}

const inactivityPromoteThreshold = 300 * time.Second

// Profile is one node's monitoring state.
type Profile struct {
	NodeID                string
	Level                 Level
	LastActivityTS        time.Time
	ErrorCount            int
	ConsecutiveSuccesses  int
	TopicsOfInterest      map[string]struct{}
	CustomIntervalSeconds int // 0 = use the level default
}

// Interval returns the effective check cadence for this profile.
func (p *Profile) Interval() time.Duration {
	if p.CustomIntervalSeconds > 0 {
		return time.Duration(p.CustomIntervalSeconds) * time.Second
	}
	return defaultIntervals[p.Level]
}

// HealthCheckFunc performs a lightweight liveness check for a node and
// reports whether it succeeded.
type HealthCheckFunc func(nodeID string) bool

// Monitor owns every Profile exclusively.
type Monitor struct {
	logger         *zap.Logger
	healthCheck    HealthCheckFunc
	maxConcurrent  int // 0 = unlimited
	onLevelChange  func(nodeID string, level Level)

	mu       sync.Mutex
	profiles map[string]*Profile
	running  map[string]chan struct{} // nodeID -> stop channel, for active monitor tasks
	queue    []string                 // nodes waiting for a monitor slot

	wg sync.WaitGroup
}

// New builds a Monitor. maxConcurrentMonitors caps how many per-node
// monitor tasks run simultaneously (0 = unlimited); excess nodes queue
// until a slot frees.
func New(logger *zap.Logger, maxConcurrentMonitors int, healthCheck HealthCheckFunc) *Monitor {
	return &Monitor{
		logger:        logger,
		healthCheck:   healthCheck,
		maxConcurrent: maxConcurrentMonitors,
		profiles:      make(map[string]*Profile),
		running:       make(map[string]chan struct{}),
	}
}

// SetLevelChangeCallback installs a hook invoked every time a node's tier
// is set (seeded by AddNode or reassigned by a health check), so a caller
// can mirror the current tier into the Metrics Registry. Not safe to call
// concurrently with AddNode/checkAndAdjust.
func (m *Monitor) SetLevelChangeCallback(fn func(nodeID string, level Level)) {
	m.onLevelChange = fn
}

func (m *Monitor) notifyLevel(nodeID string, level Level) {
	if m.onLevelChange != nil {
		m.onLevelChange(nodeID, level)
	}
}

// AddNode seeds a MonitoringProfile and starts (or queues) its monitor task.
// initialLevel lets bring-up seed priority tiers (scenario 1: the first few
// connected nodes start at High, the rest at Normal).
func (m *Monitor) AddNode(nodeID string, initialLevel Level, topics []string) {
	m.mu.Lock()
	if _, exists := m.profiles[nodeID]; exists {
		m.mu.Unlock()
		return
	}
	topicSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		topicSet[t] = struct{}{}
	}
	m.profiles[nodeID] = &Profile{
		NodeID:           nodeID,
		Level:            initialLevel,
		LastActivityTS:   time.Now(),
		TopicsOfInterest: topicSet,
	}
	m.mu.Unlock()

	m.notifyLevel(nodeID, initialLevel)
	m.startOrQueue(nodeID)
}

// RemoveNode stops a node's monitor task and forgets its profile.
func (m *Monitor) RemoveNode(nodeID string) {
	m.mu.Lock()
	if stop, ok := m.running[nodeID]; ok {
		close(stop)
		delete(m.running, nodeID)
	}
	delete(m.profiles, nodeID)
	m.removeFromQueue(nodeID)
	m.mu.Unlock()
}

func (m *Monitor) removeFromQueue(nodeID string) {
	for i, id := range m.queue {
		if id == nodeID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

func (m *Monitor) startOrQueue(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxConcurrent > 0 && len(m.running) >= m.maxConcurrent {
		m.queue = append(m.queue, nodeID)
		return
	}
	m.startLocked(nodeID)
}

func (m *Monitor) startLocked(nodeID string) {
	stop := make(chan struct{})
	m.running[nodeID] = stop
	m.wg.Add(1)
	go m.runTask(nodeID, stop)
}

func (m *Monitor) promoteFromQueue() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return
	}
	if m.maxConcurrent > 0 && len(m.running) >= m.maxConcurrent {
		return
	}
	nodeID := m.queue[0]
	m.queue = m.queue[1:]
	if _, exists := m.profiles[nodeID]; exists {
		m.startLocked(nodeID)
	}
}

// runTask is the per-node periodic health-check-and-adjust loop.
func (m *Monitor) runTask(nodeID string, stop chan struct{}) {
	defer m.wg.Done()
	defer m.promoteFromQueue()

	for {
		m.mu.Lock()
		profile, exists := m.profiles[nodeID]
		var interval time.Duration
		if exists {
			interval = profile.Interval()
		}
		m.mu.Unlock()
		if !exists {
			return
		}

		timer := time.NewTimer(interval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		m.checkAndAdjust(nodeID)
	}
}

func (m *Monitor) checkAndAdjust(nodeID string) {
	ok := true
	if m.healthCheck != nil {
		ok = m.healthCheck(nodeID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.profiles[nodeID]
	if !exists {
		return
	}

	p.LastActivityTS = time.Now()

	if ok {
		p.ConsecutiveSuccesses++
	} else {
		p.ErrorCount++
		p.ConsecutiveSuccesses = 0
	}

	m.adjustLevelLocked(p)
	m.notifyLevel(nodeID, p.Level)
}

// adjustLevelLocked applies the tier-adjustment rules.
// Caller must hold m.mu.
func (m *Monitor) adjustLevelLocked(p *Profile) {
	if p.ErrorCount > 0 && p.ConsecutiveSuccesses < 3 {
		p.Level = High
	}

	if p.ConsecutiveSuccesses >= 10 {
		if p.Level == High {
			p.Level = Normal
		} else if p.Level == Normal && p.ErrorCount == 0 {
			p.Level = Low
		}
	}

	if time.Since(p.LastActivityTS) > inactivityPromoteThreshold {
		if p.Level > High {
			p.Level = High
		}
	}

	if p.ConsecutiveSuccesses >= 20 && p.ErrorCount > 0 {
		p.ErrorCount--
	}
}

// RecordNodeError is the external error signal: forces Critical
// and resets consecutive successes.
func (m *Monitor) RecordNodeError(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.profiles[nodeID]
	if !exists {
		return
	}
	p.Level = Critical
	p.ConsecutiveSuccesses = 0
	p.ErrorCount++
	m.notifyLevel(nodeID, p.Level)
}

// Profile returns a copy of a node's monitoring profile.
func (m *Monitor) Profile(nodeID string) (Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[nodeID]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

// Count returns the number of monitored nodes.
func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.profiles)
}

// GetPriorityNodes orders nodes by (level tier, then -error_count, then
// ascending last_activity_ts), so the sickest nodes sort first. This
// ordering is the basis for subscription allocation when slots are scarce.
func (m *Monitor) GetPriorityNodes() []string {
	m.mu.Lock()
	profiles := make([]*Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		profiles = append(profiles, p)
	}
	m.mu.Unlock()

	sort.Slice(profiles, func(i, j int) bool {
		a, b := profiles[i], profiles[j]
		if a.Level != b.Level {
			return a.Level < b.Level // Critical(0) first
		}
		if a.ErrorCount != b.ErrorCount {
			return a.ErrorCount > b.ErrorCount // higher error count first (-error_count ascending)
		}
		return a.LastActivityTS.Before(b.LastActivityTS)
	})

	out := make([]string, len(profiles))
	for i, p := range profiles {
		out[i] = p.NodeID
	}
	return out
}

// Stop halts every monitor task. Safe to call once at shutdown.
func (m *Monitor) Stop() {
	m.mu.Lock()
	for _, stop := range m.running {
		close(stop)
	}
	m.running = make(map[string]chan struct{})
	m.mu.Unlock()

	m.wg.Wait()
}
