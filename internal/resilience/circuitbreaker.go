// Package resilience implements the publish/probe circuit breaker used by
// a single MQTT session to shield node/<id>/... calls from hammering a
// node that is already failing. The connection-level breaker (per-node
// connect attempts during bring-up) lives in the pool package on top of
// gobreaker; gobreaker's window-of-requests accounting doesn't fit here
// publish and probe calls on one session are already serialized by
// session.pubMu, so a breaker with no concurrency bookkeeping of its own
// is enough.
package resilience

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned when Call is rejected because the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is one of the breaker's three states.
type State int32

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is notified on every transition. session.New installs one
// that mirrors trips into the Metrics Registry and the Event Mirror.
type StateChangeFunc func(from, to State)

// CircuitBreaker guards one session's publish/probe path: closed lets every
// call through, open rejects outright until timeout elapses, half-open
// allows exactly one trial call to decide the next transition.
type CircuitBreaker struct {
	failureThreshold int64
	timeout          time.Duration
	onStateChange    StateChangeFunc

	state           int32
	failures        int64
	lastFailureTime int64 // UnixNano
}

// NewCircuitBreaker builds a breaker that opens after failureThreshold
// consecutive failures and waits timeout before allowing a half-open probe.
func NewCircuitBreaker(failureThreshold int64, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{failureThreshold: failureThreshold, timeout: timeout}
}

// OnStateChange installs the transition callback. Must be called before
// the breaker is used concurrently.
func (cb *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	cb.onStateChange = fn
}

// Call executes fn under breaker protection.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.canExecute() {
		return ErrCircuitOpen
	}

	if err := fn(); err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) canExecute() bool {
	switch State(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		return true
	case StateOpen:
		last := atomic.LoadInt64(&cb.lastFailureTime)
		if time.Since(time.Unix(0, last)) < cb.timeout {
			return false
		}
		if atomic.CompareAndSwapInt32(&cb.state, int32(StateOpen), int32(StateHalfOpen)) {
			atomic.StoreInt64(&cb.failures, 0)
			cb.notify(StateOpen, StateHalfOpen)
		}
		return true
	case StateHalfOpen:
		return atomic.LoadInt64(&cb.failures) == 0
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordFailure() {
	failures := atomic.AddInt64(&cb.failures, 1)
	atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())

	from := State(atomic.LoadInt32(&cb.state))
	if from == StateHalfOpen || (from == StateClosed && failures >= cb.failureThreshold) {
		if atomic.CompareAndSwapInt32(&cb.state, int32(from), int32(StateOpen)) {
			cb.notify(from, StateOpen)
		}
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch State(atomic.LoadInt32(&cb.state)) {
	case StateHalfOpen:
		atomic.StoreInt32(&cb.state, int32(StateClosed))
		atomic.StoreInt64(&cb.failures, 0)
		cb.notify(StateHalfOpen, StateClosed)
	case StateClosed:
		atomic.StoreInt64(&cb.failures, 0)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

// GetState returns the breaker's current state.
func (cb *CircuitBreaker) GetState() State {
	return State(atomic.LoadInt32(&cb.state))
}
