// Package pool implements the Connection Pool: rate-limited,
// bounded-concurrency bring-up of many MQTT sessions with a per-node circuit
// breaker and background health sweeps.
package pool

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rmfleet/rmfleet/internal/identity"
	"github.com/rmfleet/rmfleet/internal/session"
)

// Handle is the subset of *session.Session the Pool and its collaborators
// depend on. Depending on an interface rather than the concrete type lets
// tests supply a fake session with no real broker (sessionFactory is
// injected precisely for this reason).
type Handle interface {
	Connect() error
	Disconnect()
	Reconnect() error
	IsConnected() bool
	Publish(topic string, payload []byte, qos byte, topicSuffix string) error
	Subscribe(topic string, qos byte, handler session.MessageHandler) error
	Unsubscribe(topic string) error
	NodeID() string
	CertPath() string
	KeyPath() string
}

var _ Handle = (*session.Session)(nil)

// State is one of the five session states.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateCircuitOpen
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Stats is the per-node connection bookkeeping exposed to callers.
type Stats struct {
	Attempts            int64
	Successful          int64
	Failed              int64
	ConsecutiveFailures int64
	LastAttemptTS       time.Time
	LastSuccessTS       time.Time
	ConnectStartTS      time.Time
}

// Uptime derives uptime while Connected; zero otherwise.
func (s Stats) Uptime(state State) time.Duration {
	if state != StateConnected || s.ConnectStartTS.IsZero() {
		return 0
	}
	return time.Since(s.ConnectStartTS)
}

// Config enumerates the Connection Pool tunables.
type Config struct {
	MaxConcurrentConnections int // 0 = unlimited
	ConnectionRateLimit      int // connects/sec, 0 = unlimited
	BatchSize                int // 0 = single pass over all nodes
	CircuitBreakerThreshold  int64
	CircuitBreakerTimeout    time.Duration
	ConnectionTimeout        time.Duration
	OperationTimeout         time.Duration
	HealthCheckInterval      time.Duration
	HealthSweepSubsetSize    int // open question (a): explicitly configurable, not hard-coded
	MaxRetries               int
	RetryBackoffBase         float64
	JitterRange              float64
	ESPKeepAliveTime         time.Duration
}

// DefaultConfig returns reasonable production defaults.
func DefaultConfig() Config {
	return Config{
		CircuitBreakerThreshold: 3,
		CircuitBreakerTimeout:   120 * time.Second,
		ConnectionTimeout:       8 * time.Second,
		OperationTimeout:        6 * time.Second,
		HealthCheckInterval:     25 * time.Second,
		HealthSweepSubsetSize:   10,
		MaxRetries:              2,
		RetryBackoffBase:        1.5,
		JitterRange:             0.2,
		ESPKeepAliveTime:        20 * time.Second,
	}
}

// OnConnected and OnDisconnected notify collaborators (the Monitor, the
// Subscription Manager, the Session State Store) of bring-up/teardown
// without the Pool holding a back-reference to them.
type OnConnected func(nodeID string, sess Handle)
type OnDisconnected func(nodeID string)

// Pool is the single writer of SessionState, ConnectionStats and the live
// sessions map.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]Handle
	states   map[string]State
	stats    map[string]*Stats
	breakers map[string]*gobreaker.CircuitBreaker
	openedAt map[string]time.Time

	sem     chan struct{} // nil if unbounded
	limiter *rate.Limiter

	sessionFactory func(ni identity.NodeIdentity) (Handle, error)

	onConnected    OnConnected
	onDisconnected OnDisconnected
	onConnectAttempt func()

	shutdown chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// New builds a Pool. sessionFactory is injected so tests can supply fake
// sessions without a real broker.
func New(cfg Config, logger *zap.Logger, sessionFactory func(identity.NodeIdentity) (Handle, error), onConnected OnConnected, onDisconnected OnDisconnected) *Pool {
	var sem chan struct{}
	if cfg.MaxConcurrentConnections > 0 {
		sem = make(chan struct{}, cfg.MaxConcurrentConnections)
	}

	limit := rate.Inf
	burst := 1
	if cfg.ConnectionRateLimit > 0 {
		limit = rate.Limit(cfg.ConnectionRateLimit)
		burst = cfg.ConnectionRateLimit
	}

	p := &Pool{
		cfg:            cfg,
		logger:         logger,
		sessions:       make(map[string]Handle),
		states:         make(map[string]State),
		stats:          make(map[string]*Stats),
		breakers:       make(map[string]*gobreaker.CircuitBreaker),
		openedAt:       make(map[string]time.Time),
		sem:            sem,
		limiter:        rate.NewLimiter(limit, burst),
		sessionFactory: sessionFactory,
		onConnected:    onConnected,
		onDisconnected: onDisconnected,
		shutdown:       make(chan struct{}),
	}

	p.wg.Add(1)
	go p.healthSweepLoop()

	return p
}

// SetConnectAttemptHook installs a counter invoked once per connect
// attempt (including retries), used to mirror ConnectAttempts into the
// Metrics Registry.
func (p *Pool) SetConnectAttemptHook(fn func()) {
	p.onConnectAttempt = fn
}

// BringUp attempts to connect every (node_id, cert, key) tuple and returns
// (successful, total). Bring-up of 0 nodes yields (0, 0) without touching
// the broker.
func (p *Pool) BringUp(ctx context.Context, nodes []identity.NodeIdentity) (int, int) {
	total := len(nodes)
	if total == 0 {
		return 0, 0
	}

	batchSize := p.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = total
	}

	successful := 0
	for i := 0; i < total; i += batchSize {
		end := i + batchSize
		if end > total {
			end = total
		}
		successful += p.bringUpBatch(ctx, nodes[i:end])

		if end < total {
			time.Sleep(100 * time.Millisecond)
		}
	}

	return successful, total
}

func (p *Pool) bringUpBatch(ctx context.Context, batch []identity.NodeIdentity) int {
	g, gctx := errgroup.WithContext(ctx)
	var successCount int64
	var mu sync.Mutex

	for _, ni := range batch {
		ni := ni
		g.Go(func() error {
			if p.connectOne(gctx, ni) {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(successCount)
}

// connectOne runs the bring-up sequence for a single
// node, serialized end-to-end by the per-node breaker's single-writer
// discipline (the Pool never consults/mutates a node's breaker concurrently
// with itself).
func (p *Pool) connectOne(ctx context.Context, ni identity.NodeIdentity) bool {
	breaker := p.getOrCreateBreaker(ni.NodeID)

	if breaker.State() == gobreaker.StateOpen {
		return false // step 1: skip while the breaker timer has not expired
	}

	if p.sem != nil {
		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-ctx.Done():
			return false
		}
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return false
	}

	p.setState(ni.NodeID, StateConnecting)
	p.touchStats(ni.NodeID, func(s *Stats) {})

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if p.onConnectAttempt != nil {
			p.onConnectAttempt()
		}
		_, err := breaker.Execute(func() (interface{}, error) {
			return nil, p.attemptConnect(ni)
		})

		if err == nil {
			p.setState(ni.NodeID, StateConnected)
			p.touchStats(ni.NodeID, func(s *Stats) {
				s.Successful++
				s.ConsecutiveFailures = 0
				s.LastSuccessTS = time.Now()
				s.ConnectStartTS = time.Now()
			})
			p.mu.RLock()
			sess := p.sessions[ni.NodeID]
			p.mu.RUnlock()
			if p.onConnected != nil && sess != nil {
				p.onConnected(ni.NodeID, sess)
			}
			return true
		}

		lastErr = err
		p.touchStats(ni.NodeID, func(s *Stats) {
			s.Failed++
			s.ConsecutiveFailures++
		})

		if breaker.State() == gobreaker.StateOpen {
			p.setState(ni.NodeID, StateCircuitOpen)
			p.mu.Lock()
			p.openedAt[ni.NodeID] = time.Now()
			p.mu.Unlock()
			return false
		}

		if attempt == p.cfg.MaxRetries {
			break
		}

		delay := backoffDelay(p.cfg.RetryBackoffBase, attempt, p.cfg.JitterRange)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}
	}

	p.setState(ni.NodeID, StateFailed)
	if lastErr != nil {
		p.logger.Debug("connect failed", zap.String("node_id", ni.NodeID), zap.Error(lastErr))
	}
	return false
}

// backoffDelay computes retry_backoff_base^attempt + uniform(0, jitter_range)
// seconds.
func backoffDelay(base float64, attempt int, jitterRange float64) time.Duration {
	seconds := math.Pow(base, float64(attempt))
	if jitterRange > 0 {
		seconds += rand.Float64() * jitterRange
	}
	return time.Duration(seconds * float64(time.Second))
}

func (p *Pool) attemptConnect(ni identity.NodeIdentity) error {
	p.mu.RLock()
	sess, exists := p.sessions[ni.NodeID]
	p.mu.RUnlock()

	if !exists {
		var err error
		sess, err = p.sessionFactory(ni)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.sessions[ni.NodeID] = sess
		p.mu.Unlock()
	}

	// The session enforces cfg.ConnectionTimeout internally via its own
	// client options; no separate context deadline is needed here.
	return sess.Connect()
}

func (p *Pool) getOrCreateBreaker(nodeID string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.breakers[nodeID]; ok {
		return b
	}

	threshold := p.cfg.CircuitBreakerThreshold
	settings := gobreaker.Settings{
		Name:        fmt.Sprintf("node-%s", nodeID),
		MaxRequests: 1,
		Timeout:     p.cfg.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int64(counts.ConsecutiveFailures) >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("circuit breaker state change",
				zap.String("node", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	b := gobreaker.NewCircuitBreaker(settings)
	p.breakers[nodeID] = b
	return b
}

func (p *Pool) setState(nodeID string, s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[nodeID] = s
}

func (p *Pool) touchStats(nodeID string, fn func(*Stats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stats[nodeID]
	if !ok {
		s = &Stats{}
		p.stats[nodeID] = s
	}
	s.Attempts++
	s.LastAttemptTS = time.Now()
	fn(s)
}

// State returns a node's current session state.
func (p *Pool) State(nodeID string) (State, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.states[nodeID]
	return s, ok
}

// Stats returns a copy of a node's connection statistics.
func (p *Pool) Stats(nodeID string) (Stats, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.stats[nodeID]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// Session returns the live session for a connected node.
func (p *Pool) Session(nodeID string) (Handle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[nodeID]
	return s, ok
}

// ConnectedNodeIDs returns all nodes currently in StateConnected.
func (p *Pool) ConnectedNodeIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for id, s := range p.states {
		if s == StateConnected {
			out = append(out, id)
		}
	}
	return out
}

// healthSweepLoop periodically probes a bounded, configurable subset of
// Connected sessions rather than the whole fleet at once.
func (p *Pool) healthSweepLoop() {
	defer p.wg.Done()

	interval := p.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 25 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.shutdown:
			return
		case <-ticker.C:
			p.sweepOnce()
		}
	}
}

func (p *Pool) sweepOnce() {
	subsetSize := p.cfg.HealthSweepSubsetSize
	if subsetSize <= 0 {
		subsetSize = 10
	}

	candidates := p.ConnectedNodeIDs()
	if len(candidates) > subsetSize {
		candidates = candidates[:subsetSize]
	}

	for _, nodeID := range candidates {
		sess, ok := p.Session(nodeID)
		if !ok {
			continue
		}
		if !sess.IsConnected() {
			p.setState(nodeID, StateFailed)
			p.mu.Lock()
			delete(p.sessions, nodeID)
			p.mu.Unlock()
			if p.onDisconnected != nil {
				p.onDisconnected(nodeID)
			}
		}
	}
}

// Shutdown stops background tasks and fire-and-forgets disconnects; must
// complete within ~1s and never surface broker disconnect errors.
func (p *Pool) Shutdown() {
	p.once.Do(func() {
		close(p.shutdown)
	})
	p.wg.Wait()

	p.mu.Lock()
	sessions := make([]Handle, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]Handle)
	p.states = make(map[string]State)
	p.mu.Unlock()

	for _, s := range sessions {
		go s.Disconnect()
	}
}
