// Package breaker implements the shared circuit breaker protecting the
// Azure DevOps dependency.
//
// The breaker is a three-state latch (closed, open, half-open). Consecutive
// server-side failures open it; after a cooldown a single probe request is
// admitted, and its result decides whether the circuit closes again. Cooldown
// expiry is evaluated lazily at call time, never by a background timer.
//
// Client-side failures (4xx-class) are reported as OutcomePermanent and leave
// breaker state untouched: retrying them is futile, but they prove the
// dependency is reachable.
package breaker

import (
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
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

// Outcome classifies one completed call attempt.
type Outcome int

const (
	// OutcomeSuccess is a call that completed normally.
	OutcomeSuccess Outcome = iota
	// OutcomeTransient is a server-side failure: timeout, connection error,
	// or 5xx response. Only transient failures count toward opening.
	OutcomeTransient
	// OutcomePermanent is a client-side failure (bad input, auth). It never
	// affects breaker state.
	OutcomePermanent
	// OutcomeAbandoned is an attempt the caller cancelled before it completed.
	// It carries no signal about the dependency; its only effect is releasing
	// a claimed probe slot.
	OutcomeAbandoned
)

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive transient failures that
	// opens the breaker.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before admitting a probe.
	Cooldown time.Duration

	// OnStateChange is invoked (outside the lock) after a state transition.
	OnStateChange func(from, to State)
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

// Verdict is the result of an admission check.
type Verdict struct {
	Allowed bool
	State   State // state observed at check time; identifies why a call was denied
}

// Breaker is a thread-safe circuit breaker. One instance guards one
// downstream dependency; all concurrent callers share it.
type Breaker struct {
	cfg Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool

	now func() time.Time // injectable clock for tests
}

// Option configures the Breaker.
type Option func(*Breaker)

// WithClock sets the time source (useful for testing cooldown expiry).
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a Breaker. Zero or negative config fields fall back to defaults.
func New(cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	b := &Breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Precheck reports whether a call may proceed. In the half-open state the
// first caller claims the single probe slot; every other caller is denied
// exactly as if the breaker were open. A denied call must NOT be reported
// via Record.
func (b *Breaker) Precheck() Verdict {
	b.mu.Lock()
	from := b.state
	b.maybeHalfOpen()
	to := b.state

	var v Verdict
	switch b.state {
	case StateClosed:
		v = Verdict{Allowed: true, State: StateClosed}
	case StateHalfOpen:
		if b.probeInFlight {
			v = Verdict{Allowed: false, State: StateHalfOpen}
		} else {
			b.probeInFlight = true
			v = Verdict{Allowed: true, State: StateHalfOpen}
		}
	default: // StateOpen
		v = Verdict{Allowed: false, State: StateOpen}
	}
	b.mu.Unlock()

	b.notify(from, to)
	return v
}

// Record reports the outcome of a call that was admitted by Precheck.
// Exactly one Record call is expected per admitted attempt.
func (b *Breaker) Record(outcome Outcome) {
	b.mu.Lock()
	from := b.state

	switch b.state {
	case StateHalfOpen:
		switch outcome {
		case OutcomeSuccess:
			// Probe succeeded: the dependency recovered.
			b.state = StateClosed
			b.consecutiveFailures = 0
			b.probeInFlight = false
		case OutcomeTransient:
			// Probe failed: reopen with a fresh cooldown.
			b.state = StateOpen
			b.openedAt = b.now()
			b.probeInFlight = false
		case OutcomePermanent, OutcomeAbandoned:
			// Either the dependency answered with a client-side error, or the
			// caller walked away before it answered. Neither proves recovery
			// nor failure: release the probe slot so the next caller may try.
			b.probeInFlight = false
		}
	case StateClosed:
		switch outcome {
		case OutcomeSuccess:
			b.consecutiveFailures = 0
		case OutcomeTransient:
			b.consecutiveFailures++
			if b.consecutiveFailures >= b.cfg.FailureThreshold {
				b.state = StateOpen
				b.openedAt = b.now()
			}
		}
	default:
		// StateOpen: a straggler from before the breaker opened. Nothing to
		// count; the open state already reflects the failure streak.
	}

	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// State returns the current state, applying lazy cooldown expiry first.
func (b *Breaker) State() State {
	b.mu.Lock()
	from := b.state
	b.maybeHalfOpen()
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return to
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// maybeHalfOpen transitions open -> half-open once the cooldown has elapsed.
// Must be called while holding b.mu.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = StateHalfOpen
		b.probeInFlight = false
	}
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
