// Package ratelimit provides per-class token buckets for throttling work
// admission.
//
// Budgets follow the pipeline's fractional-token rule: a class may spend a
// half token when its bucket holds at least half but less than one full
// token, which permits micro-bursts without raising the long-run average.
// Buckets store half-token units (two units per token) so the fractional
// spend stays integral for x/time/rate. Refill is lazy, driven by the clock
// on each consume; there is no background timer.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// halfUnitsPerToken is the bucket's internal scaling factor.
	halfUnitsPerToken = 2

	// burstMultiplier sizes burst capacity relative to the per-window
	// refill amount.
	burstMultiplier = 1.5
)

// DefaultParams is the budget applied to classes without an explicit one.
var DefaultParams = Params{Requests: 10, Window: time.Second}

// Params describes one class's token budget: Requests full tokens refilled
// per Window.
type Params struct {
	Requests int
	Window   time.Duration
}

// Validate checks that the parameters describe a usable bucket.
func (p Params) Validate() error {
	if p.Requests < 1 {
		return fmt.Errorf("requests must be at least 1, got %d", p.Requests)
	}
	if p.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", p.Window)
	}
	return nil
}

func (p Params) limit() rate.Limit {
	return rate.Limit(halfUnitsPerToken * float64(p.Requests) / p.Window.Seconds())
}

func (p Params) burstUnits() int {
	return halfUnitsPerToken * int(math.Ceil(float64(p.Requests)*burstMultiplier))
}

// ClassLimiter is the bucket for a single worker class.
type ClassLimiter struct {
	lim *rate.Limiter
	now func() time.Time
}

func newClassLimiter(p Params, now func() time.Time) *ClassLimiter {
	return &ClassLimiter{
		lim: rate.NewLimiter(p.limit(), p.burstUnits()),
		now: now,
	}
}

// Consume takes one full token when available. When the bucket holds at
// least half but less than one full token, the half token is spent instead.
// Returns false without consuming anything when neither is available.
func (l *ClassLimiter) Consume() bool {
	now := l.now()
	if l.lim.AllowN(now, halfUnitsPerToken) {
		return true
	}
	return l.lim.AllowN(now, 1)
}

// Tokens returns the full tokens currently available, fractional included.
func (l *ClassLimiter) Tokens() float64 {
	return l.lim.TokensAt(l.now()) / halfUnitsPerToken
}

// Registry holds the per-class limiters. Classes without a configured
// budget are created on first use from the default parameters.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*ClassLimiter
	defaults Params
	now      func() time.Time
}

// NewRegistry builds a registry with the given default budget.
func NewRegistry(defaults Params) (*Registry, error) {
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default rate parameters: %w", err)
	}

	return &Registry{
		limiters: make(map[string]*ClassLimiter),
		defaults: defaults,
		now:      time.Now,
	}, nil
}

// Configure installs a budget for class, replacing any existing limiter and
// its accumulated state with a full bucket.
func (r *Registry) Configure(class string, p Params) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid rate parameters for class %s: %w", class, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[class] = newClassLimiter(p, r.now)
	return nil
}

// Consume spends from the class's bucket, creating it on first use.
func (r *Registry) Consume(class string) bool {
	return r.limiter(class).Consume()
}

// Tokens reports the class's available full tokens.
func (r *Registry) Tokens(class string) float64 {
	return r.limiter(class).Tokens()
}

func (r *Registry) limiter(class string) *ClassLimiter {
	r.mu.RLock()
	l, ok := r.limiters[class]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok = r.limiters[class]; ok {
		return l
	}
	l = newClassLimiter(r.defaults, r.now)
	r.limiters[class] = l
	return l
}
