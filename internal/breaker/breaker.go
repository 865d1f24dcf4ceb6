// Package breaker implements per-target circuit breakers that convert
// sustained failure of an external dependency into fast failure and timed
// recovery.
//
// Each breaker walks CLOSED -> OPEN -> HALF_OPEN. CLOSED counts outcomes in
// a rolling window and trips on consecutive failures. OPEN fails fast until
// the reset timeout elapses. HALF_OPEN admits exactly one probe: success
// closes the circuit and restores the base reset timeout, failure reopens it
// with the timeout doubled, up to a cap.
package breaker

import (
	"errors"
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

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Sentinel errors for admission decisions.
var (
	// ErrCircuitOpen is returned while the breaker is OPEN.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned in HALF_OPEN once the probe slot is
	// taken.
	ErrTooManyRequests = errors.New("circuit breaker probe in flight")
)

// Counts holds request outcome counters for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio returns failures over requests, zero when idle.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() {
	*c = Counts{}
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker is a single target's circuit breaker. Generations increment on
// every state change and window roll; a result reported against an older
// generation is discarded, so slow calls that straddle a transition cannot
// corrupt the new window's counts.
type Breaker struct {
	cfg *Config

	mu           sync.Mutex
	state        State
	generation   uint64
	counts       Counts
	expiry       time.Time
	resetTimeout time.Duration
	now          func() time.Time
}

// New builds a breaker in CLOSED state.
func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}

	b := &Breaker{
		cfg:          cfg,
		state:        StateClosed,
		resetTimeout: cfg.ResetTimeout,
		now:          time.Now,
	}
	b.toNewGeneration(b.now())
	return b
}

// Name returns the breaker's target name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// State returns the current state, applying any due timed transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, _ := b.currentState(b.now())
	return state
}

// Counts returns the counters of the current generation.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// ResetTimeout returns the current OPEN duration, reflecting any doubling
// from failed probes.
func (b *Breaker) ResetTimeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resetTimeout
}

// Execute runs fn if the breaker admits the call and records its outcome.
// A panic inside fn is recorded as a failure before re-panicking.
func (b *Breaker) Execute(fn func() error) error {
	generation, err := b.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = fn()
	b.afterRequest(generation, err == nil)
	return err
}

// Allow reports whether a call would currently be admitted, without
// reserving the HALF_OPEN probe slot.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, _ := b.currentState(b.now())

	switch {
	case state == StateOpen:
		return ErrCircuitOpen
	case state == StateHalfOpen && b.counts.Requests >= 1:
		return ErrTooManyRequests
	}
	return nil
}

func (b *Breaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, generation := b.currentState(b.now())

	if state == StateOpen {
		return generation, ErrCircuitOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= 1 {
		return generation, ErrTooManyRequests
	}

	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) afterRequest(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, current := b.currentState(now)
	if generation != current {
		return
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onSuccess()
	case StateHalfOpen:
		// Probe succeeded: close and restore the base timeout.
		b.resetTimeout = b.cfg.ResetTimeout
		b.setState(StateClosed, now)
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onFailure()
		if b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// Probe failed: reopen for twice as long, capped.
		b.resetTimeout *= 2
		if b.resetTimeout > b.cfg.MaxResetTimeout {
			b.resetTimeout = b.cfg.MaxResetTimeout
		}
		b.setState(StateOpen, now)
	}
}

// currentState applies due timed transitions and returns state + generation.
// Callers hold the mutex.
func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.toNewGeneration(now)

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts.clear()

	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.resetTimeout)
	case StateHalfOpen:
		// No timed exit; the probe result decides.
		b.expiry = time.Time{}
	}
}
