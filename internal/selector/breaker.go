package selector

import (
	"sync"
	"time"

	"github.com/rendis/genflow/pkg/schema"
)

// BreakerState is the state of the background health breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // probe and delegate
	BreakerOpen                         // skip the background entirely
	BreakerHalfOpen                     // let one submission test the background
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the health breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive background failures that
	// opens the breaker. Zero disables the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before one submission is
	// allowed to probe again.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 3, Cooldown: 30 * time.Second}
}

// Breaker tracks consecutive failures of the background context so that a
// dead background does not cost every submission a probe timeout.
type Breaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	state       BreakerState
	failures    int
	lastFailure time.Time
	probing     bool
	now         func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether the background may be tried. In half-open state only
// one caller at a time is let through.
func (b *Breaker) Allow() error {
	if b == nil || b.cfg.FailureThreshold <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh()
	switch b.state {
	case BreakerOpen:
		return schema.NewErrorf(schema.ErrCodeUnavailable,
			"background skipped after %d consecutive failures", b.failures).
			WithDetails(map[string]any{
				"state":              b.state.String(),
				"cooldown_remaining": (b.cfg.Cooldown - b.now().Sub(b.lastFailure)).String(),
			})
	case BreakerHalfOpen:
		if b.probing {
			return schema.NewError(schema.ErrCodeUnavailable, "background probe already in progress")
		}
		b.probing = true
	}
	return nil
}

// Success closes the breaker.
func (b *Breaker) Success() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.state = BreakerClosed
}

// Failure records a background failure and returns the new state.
func (b *Breaker) Failure() BreakerState {
	if b == nil {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	b.probing = false
	if b.cfg.FailureThreshold > 0 && (b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold) {
		b.state = BreakerOpen
	}
	return b.state
}

// State returns the current state, moving open to half-open once the
// cooldown has passed.
func (b *Breaker) State() BreakerState {
	if b == nil {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

func (b *Breaker) refresh() {
	if b.state == BreakerOpen && b.now().Sub(b.lastFailure) >= b.cfg.Cooldown {
		b.state = BreakerHalfOpen
		b.probing = false
	}
}
