package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrRateLimitExceeded is returned when a request is rejected outright or
// the wait ceiling is hit before admission.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Strategy selects the admission algorithm.
type Strategy string

const (
	TokenBucket   Strategy = "token_bucket"
	FixedWindow   Strategy = "fixed_window"
	SlidingWindow Strategy = "sliding_window"
	Concurrency   Strategy = "concurrency"
)

// Behavior controls what happens when a request exceeds the limit.
type Behavior string

const (
	// Reject fails the request immediately.
	Reject Behavior = "reject"
	// Wait blocks the calling turn until admitted or MaxWait elapses.
	Wait Behavior = "wait"
)

// Config configures a Limiter.
type Config struct {
	Strategy   Strategy      `json:"strategy" mapstructure:"strategy"`
	Capacity   float64       `json:"capacity" mapstructure:"capacity"`       // bucket capacity or window limit
	RefillRate float64       `json:"refill_rate" mapstructure:"refill_rate"` // tokens per second (token bucket)
	Window     time.Duration `json:"window" mapstructure:"window"`
	Behavior   Behavior      `json:"behavior" mapstructure:"behavior"`
	MaxWait    time.Duration `json:"max_wait" mapstructure:"max_wait"`
	PollEvery  time.Duration `json:"poll_every" mapstructure:"poll_every"`
	KeyFields  []string      `json:"key_fields" mapstructure:"key_fields"`
}

// DefaultConfig returns a permissive token bucket: 60 requests burst,
// refilled one per second, rejecting on exhaustion.
func DefaultConfig() Config {
	return Config{
		Strategy:   TokenBucket,
		Capacity:   60,
		RefillRate: 1,
		Window:     time.Minute,
		Behavior:   Reject,
		MaxWait:    30 * time.Second,
		PollEvery:  100 * time.Millisecond,
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter gates dispatch attempts per composite key. Keys are independent:
// each carries its own counters behind its own lock, so unrelated
// conversations never serialize on one another.
type Limiter struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	states map[string]*keyState
}

// New creates a Limiter from a config.
func New(cfg Config, logger zerolog.Logger) *Limiter {
	if cfg.Strategy == "" {
		cfg.Strategy = TokenBucket
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 100 * time.Millisecond
	}
	return &Limiter{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		states: make(map[string]*keyState),
	}
}

// Key builds the composite limiter key from the configured metadata fields,
// in order. Fields absent from the metadata contribute nothing; when no
// configured field is present the fixed global key is used.
func (l *Limiter) Key(metadata map[string]string) string {
	var parts []string
	for _, field := range l.cfg.KeyFields {
		if value, ok := metadata[field]; ok && value != "" {
			parts = append(parts, fmt.Sprintf("%s:%s", field, value))
		}
	}
	if len(parts) == 0 {
		return "global"
	}
	return strings.Join(parts, "|")
}

// CheckAndConsume admits or rejects one request of the given cost. With
// Behavior Wait it blocks, polling until tokens are available, the context
// is cancelled, or MaxWait elapses.
func (l *Limiter) CheckAndConsume(ctx context.Context, key string, cost float64) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}

	decision := l.tryConsume(key, cost)
	if decision.Allowed || l.cfg.Behavior != Wait {
		if !decision.Allowed {
			l.logger.Debug().Str("key", key).Msg("Rate limit rejected request")
			return decision, ErrRateLimitExceeded
		}
		return decision, nil
	}

	deadline := l.now().Add(l.cfg.MaxWait)
	ticker := time.NewTicker(l.cfg.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return decision, ctx.Err()
		case <-ticker.C:
		}

		decision = l.tryConsume(key, cost)
		if decision.Allowed {
			return decision, nil
		}
		if l.now().After(deadline) {
			l.logger.Debug().Str("key", key).Dur("max_wait", l.cfg.MaxWait).Msg("Rate limit wait ceiling hit")
			return decision, ErrRateLimitExceeded
		}
	}
}

// Leave releases one concurrency slot. It is a no-op for the other
// strategies.
func (l *Limiter) Leave(key string) {
	if l.cfg.Strategy != Concurrency {
		return
	}
	state := l.state(key)
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.concurrent > 0 {
		state.concurrent--
	}
}

func (l *Limiter) tryConsume(key string, cost float64) Decision {
	state := l.state(key)
	state.mu.Lock()
	defer state.mu.Unlock()

	now := l.now()
	switch l.cfg.Strategy {
	case FixedWindow:
		return state.fixedWindow(now, l.cfg, cost)
	case SlidingWindow:
		return state.slidingWindow(now, l.cfg, cost)
	case Concurrency:
		return state.concurrency(l.cfg, cost)
	default:
		return state.tokenBucket(now, l.cfg, cost)
	}
}

func (l *Limiter) state(key string) *keyState {
	l.mu.RLock()
	state, ok := l.states[key]
	l.mu.RUnlock()
	if ok {
		return state
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if state, ok = l.states[key]; ok {
		return state
	}
	state = newKeyState(l.cfg, l.now())
	l.states[key] = state
	return state
}
