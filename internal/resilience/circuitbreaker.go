// Package resilience provides the circuit breaker that protects Brewhaven
// from a failing credential issuer.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [CredentialGuard] wraps a credential fetcher with one. Neither ever retries:
// a rejected or failed call is reported to the caller once.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the last failure.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through. Enough
	// successful probes close the breaker; one failed probe opens it again.
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
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Defaults applied by [NewCircuitBreaker] for zero config fields.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultProbes       = 1
)

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log records and health checks.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: [DefaultMaxFailures].
	MaxFailures int

	// ResetTimeout is how long the breaker stays open after the last failure.
	// Default: [DefaultResetTimeout].
	ResetTimeout time.Duration

	// Probes is both the number of concurrent half-open calls allowed and the
	// number of successes needed to close again. Default: [DefaultProbes].
	Probes int

	// IsFailure decides whether a non-nil error counts against the breaker.
	// Errors it rejects are neither failures nor successes. Default: every
	// error except context cancellation.
	IsFailure func(error) bool

	// Clock returns the current time. Default: [time.Now].
	Clock func() time.Time
}

// CircuitBreaker guards calls to one dependency.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int // consecutive failures while closed
	openedAt  time.Time
	inFlight  int // half-open probes currently running
	successes int // successful half-open probes

	// gen is bumped on every state change.
	gen uint64
}

// NewCircuitBreaker creates a closed [CircuitBreaker]. Zero config fields are
// replaced with the package defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.Probes <= 0 {
		cfg.Probes = DefaultProbes
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn unless the breaker rejects the call, in which case it
// returns [ErrCircuitOpen] without calling fn. fn's error is returned as is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	gen, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(gen, err)
	return err
}

// admit decides whether a call may run and returns the state generation it
// was admitted in.
func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.cooledDown() {
		cb.setState(StateHalfOpen)
	}
	switch cb.state {
	case StateOpen:
		return 0, ErrCircuitOpen
	case StateHalfOpen:
		if cb.inFlight+cb.successes >= cb.cfg.Probes {
			return 0, ErrCircuitOpen
		}
		cb.inFlight++
	}
	return cb.gen, nil
}

// settle records the outcome of a call admitted in generation gen. Outcomes
// from an earlier generation are ignored.
func (cb *CircuitBreaker) settle(gen uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if gen != cb.gen {
		return
	}
	probe := cb.state == StateHalfOpen
	if probe {
		cb.inFlight--
	}

	switch {
	case err == nil:
		if !probe {
			cb.failures = 0
			return
		}
		cb.successes++
		if cb.successes >= cb.cfg.Probes {
			cb.setState(StateClosed)
		}
	case cb.cfg.IsFailure(err):
		if probe {
			cb.trip()
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
		}
	}
}

// trip opens the breaker. cb.mu must be held.
func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.cfg.Clock()
	cb.setState(StateOpen)
}

// cooledDown reports whether an open breaker may probe again. cb.mu must be
// held.
func (cb *CircuitBreaker) cooledDown() bool {
	return cb.cfg.Clock().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

// setState switches state and clears the counters of the state being left.
// cb.mu must be held.
func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.gen++
	cb.failures, cb.inFlight, cb.successes = 0, 0, 0

	log := slog.With("breaker", cb.cfg.Name, "from", prev.String(), "to", next.String())
	if next == StateOpen {
		log.Warn("circuit breaker opened", "retry_after", cb.cfg.ResetTimeout)
	} else {
		log.Info("circuit breaker state changed")
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the switch itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cooledDown() {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.failures = 0
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// Check reports an error wrapping [ErrCircuitOpen] while the breaker rejects
// calls. Its signature matches health.Checker.Check.
func (cb *CircuitBreaker) Check(_ context.Context) error {
	if cb.State() == StateOpen {
		return fmt.Errorf("%s: %w", cb.cfg.Name, ErrCircuitOpen)
	}
	return nil
}
