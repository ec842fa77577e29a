// Package circuitbreaker fails fast on endpoints that keep failing. The
// router keeps one breaker per classifier endpoint and one per downstream
// model endpoint. A breaker never retries; it only refuses calls while open.
//
// State transitions:
//
//	Closed   → Open      when consecutive failures ≥ FailureThreshold
//	Open     → HalfOpen  after Timeout elapses
//	HalfOpen → Closed    when consecutive successes ≥ SuccessThreshold
//	HalfOpen → Open      on any failure
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker's current state.
type State int

const (
	// StateClosed lets calls through.
	StateClosed State = iota
	// StateOpen rejects calls immediately.
	StateOpen
	// StateHalfOpen lets calls through to probe recovery.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// OpenError wraps ErrCircuitOpen with the endpoint name.
type OpenError struct {
	Name  string
	Until time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s until %s", e.Name, e.Until.UTC().Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrCircuitOpen) match.
func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// Settings configures a breaker. Zero values take defaults:
// FailureThreshold=5, SuccessThreshold=1, Timeout=30s.
type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// CircuitBreaker guards a single endpoint.
type CircuitBreaker struct {
	name string

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openUntil        time.Time

	now      func() time.Time
	onChange func(name string, s State)
}

// New creates a breaker for the named endpoint.
func New(name string, s Settings) *CircuitBreaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 1
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: s.FailureThreshold,
		successThreshold: s.SuccessThreshold,
		timeout:          s.Timeout,
		now:              time.Now,
	}
}

// OnStateChange registers fn to be called, with the lock released, after
// every state transition. It must be set before the breaker is shared.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, s State)) {
	cb.onChange = fn
}

// Name returns the guarded endpoint name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state, moving Open to HalfOpen when the timeout
// has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	s, changed := cb.resolveState()
	cb.mu.Unlock()
	cb.notify(changed, s)
	return s
}

// resolveState must be called with cb.mu held.
func (cb *CircuitBreaker) resolveState() (State, bool) {
	if cb.state == StateOpen && cb.now().After(cb.openUntil) {
		cb.state = StateHalfOpen
		cb.successCount = 0
		return cb.state, true
	}
	return cb.state, false
}

func (cb *CircuitBreaker) notify(changed bool, s State) {
	if changed && cb.onChange != nil {
		cb.onChange(cb.name, s)
	}
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	return cb.State() != StateOpen
}

// RecordSuccess notifies the breaker that a call succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	changed := false
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
			changed = true
		}
	case StateClosed:
		cb.failureCount = 0
	}
	s := cb.state
	cb.mu.Unlock()
	cb.notify(changed, s)
}

// RecordFailure notifies the breaker that a call failed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	changed := false
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.state = StateOpen
			cb.openUntil = cb.now().Add(cb.timeout)
			changed = true
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.openUntil = cb.now().Add(cb.timeout)
		cb.successCount = 0
		changed = true
	}
	s := cb.state
	cb.mu.Unlock()
	cb.notify(changed, s)
}

// Execute runs fn unless the circuit is open, recording its outcome. An open
// circuit returns an *OpenError without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		cb.mu.Lock()
		until := cb.openUntil
		cb.mu.Unlock()
		return &OpenError{Name: cb.name, Until: until}
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}
