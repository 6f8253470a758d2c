package client

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/formsync/internal/config"
)

// ErrBreakerOpen is returned by Breaker.Allow while the breaker rejects calls.
var ErrBreakerOpen = errors.New("client: circuit breaker is open")

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all requests through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets trial requests through until enough succeed.
	BreakerHalfOpen
	// BreakerOpen rejects all requests immediately.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minRateSamples is the number of calls a window needs before its error rate
// can trip the breaker.
const minRateSamples = 10

// Breaker guards the Open Forms API. It opens after FailureThreshold
// consecutive failures, or when the error rate within ErrorRateWindow
// reaches ErrorRateThreshold, and closes again after SuccessThreshold
// successful trial requests. It is safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	cfg      config.CircuitBreakerConfig
	state    BreakerState
	failures int
	trials   int
	openedAt time.Time

	windowStart    time.Time
	windowCalls    int
	windowFailures int

	now      func() time.Time
	onChange func(BreakerState)
}

// NewBreaker creates a breaker from cfg, filling in defaults for zero values.
// onChange, if non-nil, is called with the new state on every transition,
// while the breaker lock is held.
func NewBreaker(cfg config.CircuitBreakerConfig, onChange func(BreakerState)) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b := &Breaker{cfg: cfg, now: time.Now, onChange: onChange}
	b.windowStart = b.now()
	return b
}

// Allow returns nil if a request may proceed, or ErrBreakerOpen.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireOpen()
	if b.state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// Success records a request that reached the backend and was answered.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.countWindow(false)
	case BreakerHalfOpen:
		b.trials++
		if b.trials >= b.cfg.SuccessThreshold {
			b.transition(BreakerClosed)
		}
	}
}

// Failure records a transport failure or a server error.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		b.countWindow(true)
		if b.failures >= b.cfg.FailureThreshold || b.rateExceeded() {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transition(BreakerOpen)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireOpen()
	return b.state
}

func (b *Breaker) expireOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.cfg.Timeout {
		b.transition(BreakerHalfOpen)
	}
}

func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	b.state = to
	b.failures = 0
	b.trials = 0
	b.windowStart = b.now()
	b.windowCalls, b.windowFailures = 0, 0
	if to == BreakerOpen {
		b.openedAt = b.now()
	}
	if b.onChange != nil {
		b.onChange(to)
	}
}

func (b *Breaker) countWindow(failed bool) {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.cfg.ErrorRateWindow {
		b.windowStart = b.now()
		b.windowCalls, b.windowFailures = 0, 0
	}
	b.windowCalls++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) rateExceeded() bool {
	if b.cfg.ErrorRateThreshold <= 0 || b.cfg.ErrorRateWindow <= 0 {
		return false
	}
	if b.windowCalls < minRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowCalls) >= b.cfg.ErrorRateThreshold
}
