// Package resiliency provides the circuit breaker that isolates each
// subscriber of the fabric from its neighbours.
package resiliency

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 10 * time.Second
)

// ErrCircuitOpen is matched by every error returned while a breaker fails fast.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError is returned by Execute when the breaker rejects a call.
type CircuitOpenError struct {
	Name    string
	State   State
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s until %s", e.Name, e.State, e.RetryAt.Format(time.RFC3339Nano))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Options configures a CircuitBreaker. Zero values take defaults.
type Options struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	Clock            clock.Clock
	// OnStateChange is called outside the breaker lock after every transition.
	OnStateChange func(name string, from, to State)
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = DefaultResetTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Snapshot is a point-in-time view of a breaker for diagnostics.
type Snapshot struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure"`
}

// CircuitBreaker implements a closed/open/half-open state machine around a
// single callable.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	opts         Options
	state        State
	failureCount int
	lastFailure  time.Time
	probing      bool
}

func NewCircuitBreaker(name string, opts Options) *CircuitBreaker {
	return &CircuitBreaker{
		name:  name,
		opts:  opts.withDefaults(),
		state: StateClosed,
	}
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the breaker admits the call. The error returned by fn is
// passed back unchanged after it has been recorded.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	callErr := fn()
	if callErr != nil {
		cb.onFailure(probe)
	} else {
		cb.onSuccess(probe)
	}
	return callErr
}

// admit decides whether a call may proceed. It reports whether the call is
// the single half-open probe.
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	now := cb.opts.Clock.Now()

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return false, nil

	case StateOpen:
		retryAt := cb.lastFailure.Add(cb.opts.ResetTimeout)
		if now.Before(retryAt) {
			cb.mu.Unlock()
			return false, &CircuitOpenError{Name: cb.name, State: StateOpen, RetryAt: retryAt}
		}
		cb.probing = true
		from := cb.transition(StateHalfOpen)
		cb.mu.Unlock()
		cb.notify(from, StateHalfOpen)
		return true, nil

	default: // half-open
		if cb.probing {
			cb.mu.Unlock()
			return false, &CircuitOpenError{Name: cb.name, State: StateHalfOpen, RetryAt: now}
		}
		cb.probing = true
		cb.mu.Unlock()
		return true, nil
	}
}

func (cb *CircuitBreaker) onSuccess(probe bool) {
	cb.mu.Lock()
	cb.failureCount = 0
	if !probe || cb.state != StateHalfOpen {
		cb.mu.Unlock()
		return
	}
	cb.probing = false
	from := cb.transition(StateClosed)
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

func (cb *CircuitBreaker) onFailure(probe bool) {
	cb.mu.Lock()
	cb.lastFailure = cb.opts.Clock.Now()

	if probe && cb.state == StateHalfOpen {
		cb.probing = false
		from := cb.transition(StateOpen)
		cb.mu.Unlock()
		cb.notify(from, StateOpen)
		return
	}

	cb.failureCount++
	if cb.state == StateClosed && cb.failureCount >= cb.opts.FailureThreshold {
		from := cb.transition(StateOpen)
		cb.mu.Unlock()
		cb.notify(from, StateOpen)
		return
	}
	cb.mu.Unlock()
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) State {
	from := cb.state
	cb.state = to
	if to == StateClosed {
		cb.failureCount = 0
	}
	return from
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.opts.OnStateChange != nil && from != to {
		cb.opts.OnStateChange(cb.name, from, to)
	}
}

// State returns the current state without advancing it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:         cb.name,
		State:        cb.state.String(),
		FailureCount: cb.failureCount,
		LastFailure:  cb.lastFailure,
	}
}
