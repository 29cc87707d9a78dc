package ratelimit

import (
	"sync"
	"time"
)

// keyState carries the per-key counters for whichever strategy the limiter
// runs. Each key has its own lock.
type keyState struct {
	mu sync.Mutex

	// token bucket
	tokens     float64
	lastRefill time.Time

	// fixed / sliding window
	count       float64
	prevCount   float64
	windowStart time.Time

	// concurrency
	concurrent float64
}

func newKeyState(cfg Config, now time.Time) *keyState {
	return &keyState{
		tokens:      cfg.Capacity,
		lastRefill:  now,
		windowStart: now,
	}
}

// tokenBucket refills lazily from elapsed time, clamped to capacity, and
// consumes when enough tokens are available.
func (s *keyState) tokenBucket(now time.Time, cfg Config, cost float64) Decision {
	elapsed := now.Sub(s.lastRefill).Seconds()
	if elapsed > 0 {
		s.tokens += elapsed * cfg.RefillRate
		if s.tokens > cfg.Capacity {
			s.tokens = cfg.Capacity
		}
		s.lastRefill = now
	}

	if s.tokens >= cost {
		s.tokens -= cost
		return Decision{Allowed: true, Remaining: s.tokens}
	}

	var retryAfter time.Duration
	if cfg.RefillRate > 0 {
		retryAfter = time.Duration((cost - s.tokens) / cfg.RefillRate * float64(time.Second))
	}
	return Decision{Remaining: s.tokens, RetryAfter: retryAfter, ResetAt: now.Add(retryAfter)}
}

func (s *keyState) fixedWindow(now time.Time, cfg Config, cost float64) Decision {
	if now.Sub(s.windowStart) >= cfg.Window {
		s.count = 0
		s.windowStart = now
	}

	resetAt := s.windowStart.Add(cfg.Window)
	if s.count+cost <= cfg.Capacity {
		s.count += cost
		return Decision{Allowed: true, Remaining: cfg.Capacity - s.count, ResetAt: resetAt}
	}
	return Decision{Remaining: cfg.Capacity - s.count, RetryAfter: resetAt.Sub(now), ResetAt: resetAt}
}

// slidingWindow blends the previous window's count, weighted by how much of
// it still overlaps the sliding interval, with the current window's count.
func (s *keyState) slidingWindow(now time.Time, cfg Config, cost float64) Decision {
	elapsed := now.Sub(s.windowStart)
	for elapsed >= cfg.Window {
		s.prevCount = s.count
		s.count = 0
		s.windowStart = s.windowStart.Add(cfg.Window)
		elapsed = now.Sub(s.windowStart)
		if elapsed >= cfg.Window {
			// Idle for more than a full window; previous count no longer
			// overlaps.
			s.prevCount = 0
			s.windowStart = now
			elapsed = 0
			break
		}
	}

	weight := 1 - elapsed.Seconds()/cfg.Window.Seconds()
	effective := s.prevCount*weight + s.count

	resetAt := s.windowStart.Add(cfg.Window)
	if effective+cost <= cfg.Capacity {
		s.count += cost
		return Decision{Allowed: true, Remaining: cfg.Capacity - effective - cost, ResetAt: resetAt}
	}
	return Decision{Remaining: cfg.Capacity - effective, RetryAfter: resetAt.Sub(now), ResetAt: resetAt}
}

func (s *keyState) concurrency(cfg Config, cost float64) Decision {
	if s.concurrent+cost <= cfg.Capacity {
		s.concurrent += cost
		return Decision{Allowed: true, Remaining: cfg.Capacity - s.concurrent}
	}
	return Decision{Remaining: cfg.Capacity - s.concurrent}
}
