// Package resilience provides the circuit breakers and retry helper that
// guard every dependency boundary: the upstream stream, the primary store,
// the cache and the price oracle.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnavailable is returned when a breaker is open and the cooldown has
// not elapsed.
var ErrUnavailable = errors.New("circuit breaker is open")

// State is the breaker state.
type State int

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

// Clock lets tests drive breaker cooldowns.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Breaker is a three-state circuit breaker. Closed passes calls through and
// counts consecutive failures; open fails fast until the cooldown elapses;
// half-open probes and closes after enough consecutive successes.
type Breaker struct {
	name             string
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	clock            Clock
	logger           *zap.Logger

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	nextAttemptAt time.Time
	onChange      func(name string, s State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock injects a clock, used by tests.
func WithClock(c Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithSuccessThreshold overrides the number of half-open successes required
// to close (default 2).
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) { b.successThreshold = n }
}

// WithStateHook registers a callback fired on every state transition,
// outside the breaker lock.
func WithStateHook(fn func(name string, s State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// NewBreaker creates a breaker that opens after failureThreshold
// consecutive failures and stays open for cooldown.
func NewBreaker(name string, failureThreshold int, cooldown time.Duration, logger *zap.Logger, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		successThreshold: 2,
		cooldown:         cooldown,
		clock:            systemClock{},
		logger:           logger,
		state:            StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the dependency this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, promoting open to half-open when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && !b.clock.Now().Before(b.nextAttemptAt) {
		b.transitionLocked(StateHalfOpen)
		b.successes = 0
	}
	return b.state
}

// Execute runs fn under the breaker. When the breaker is open and the
// cooldown has not elapsed it fails fast with ErrUnavailable.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.allow() {
		return fmt.Errorf("%s: %w", b.name, ErrUnavailable)
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// ExecuteWithFallback runs fn under the breaker; on any error, including
// fast failure, it runs fallback instead.
func (b *Breaker) ExecuteWithFallback(ctx context.Context, fn, fallback func(context.Context) error) error {
	if err := b.Execute(ctx, fn); err != nil {
		return fallback(ctx)
	}
	return nil
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case StateClosed, StateHalfOpen:
		return true
	default:
		return false
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.successes++
			if b.successes >= b.successThreshold {
				b.transitionLocked(StateClosed)
				b.logger.Info("circuit breaker closed after recovery",
					zap.String("dependency", b.name))
			}
		}
		return
	}

	b.failures++
	if b.state == StateHalfOpen {
		// A single failure while probing re-opens immediately.
		b.nextAttemptAt = b.clock.Now().Add(b.cooldown)
		b.transitionLocked(StateOpen)
		b.logger.Warn("circuit breaker re-opened during probe",
			zap.String("dependency", b.name),
			zap.Error(err))
		return
	}
	if b.state == StateClosed && b.failures >= b.failureThreshold {
		b.nextAttemptAt = b.clock.Now().Add(b.cooldown)
		b.transitionLocked(StateOpen)
		b.logger.Error("circuit breaker opened",
			zap.String("dependency", b.name),
			zap.Int("failures", b.failures),
			zap.Error(err))
	}
}

func (b *Breaker) transitionLocked(s State) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		name, hook := b.name, b.onChange
		go hook(name, s)
	}
}

// Reset forces the breaker closed. Used by operators and tests.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes = 0
	b.transitionLocked(StateClosed)
}

// Set is the named breaker family guarding the service's dependencies.
type Set struct {
	Upstream *Breaker
	Store    *Breaker
	Cache    *Breaker
	Oracle   *Breaker
}

// NewSet builds the four standard breakers with their default
// thresholds and cooldowns.
func NewSet(logger *zap.Logger, opts ...Option) *Set {
	return &Set{
		Upstream: NewBreaker("upstream-stream", 5, 5*time.Minute, logger, opts...),
		Store:    NewBreaker("primary-store", 5, 2*time.Minute, logger, opts...),
		Cache:    NewBreaker("cache", 3, 1*time.Minute, logger, opts...),
		Oracle:   NewBreaker("oracle", 5, 5*time.Minute, logger, opts...),
	}
}
