package ratelimit

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.Disabled)
}

// fakeClock lets tests advance limiter time deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	l := New(cfg, testLogger())
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l.now = clock.Now
	return l, clock
}

func TestTokenBucket(t *testing.T) {
	t.Run("should allow up to capacity then reject", func(t *testing.T) {
		l, _ := newTestLimiter(Config{Strategy: TokenBucket, Capacity: 3, RefillRate: 1, Behavior: Reject})

		for i := 0; i < 3; i++ {
			d, err := l.CheckAndConsume(context.Background(), "k", 1)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		}

		d, err := l.CheckAndConsume(context.Background(), "k", 1)
		assert.ErrorIs(t, err, ErrRateLimitExceeded)
		assert.False(t, d.Allowed)
		assert.Greater(t, d.RetryAfter, time.Duration(0))
	})

	t.Run("should refill lazily from elapsed time", func(t *testing.T) {
		l, clock := newTestLimiter(Config{Strategy: TokenBucket, Capacity: 2, RefillRate: 1, Behavior: Reject})

		for i := 0; i < 2; i++ {
			_, err := l.CheckAndConsume(context.Background(), "k", 1)
			require.NoError(t, err)
		}
		_, err := l.CheckAndConsume(context.Background(), "k", 1)
		require.ErrorIs(t, err, ErrRateLimitExceeded)

		clock.Advance(1500 * time.Millisecond)

		d, err := l.CheckAndConsume(context.Background(), "k", 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("should never exceed capacity or go negative", func(t *testing.T) {
		l, clock := newTestLimiter(Config{Strategy: TokenBucket, Capacity: 5, RefillRate: 10, Behavior: Reject})

		for i := 0; i < 100; i++ {
			d, _ := l.CheckAndConsume(context.Background(), "k", 1)
			assert.LessOrEqual(t, d.Remaining, 5.0)
			assert.GreaterOrEqual(t, d.Remaining, 0.0)
			if i%7 == 0 {
				clock.Advance(time.Duration(i%3) * time.Second)
			}
		}
	})

	t.Run("should isolate keys", func(t *testing.T) {
		l, _ := newTestLimiter(Config{Strategy: TokenBucket, Capacity: 1, RefillRate: 0, Behavior: Reject})

		_, err := l.CheckAndConsume(context.Background(), "a", 1)
		require.NoError(t, err)
		_, err = l.CheckAndConsume(context.Background(), "a", 1)
		require.ErrorIs(t, err, ErrRateLimitExceeded)

		d, err := l.CheckAndConsume(context.Background(), "b", 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})
}

func TestFixedWindow(t *testing.T) {
	t.Run("should reset the counter when the window elapses", func(t *testing.T) {
		l, clock := newTestLimiter(Config{Strategy: FixedWindow, Capacity: 2, Window: time.Minute, Behavior: Reject})

		for i := 0; i < 2; i++ {
			_, err := l.CheckAndConsume(context.Background(), "k", 1)
			require.NoError(t, err)
		}
		_, err := l.CheckAndConsume(context.Background(), "k", 1)
		require.ErrorIs(t, err, ErrRateLimitExceeded)

		clock.Advance(61 * time.Second)

		d, err := l.CheckAndConsume(context.Background(), "k", 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("should report the remaining budget on rejection", func(t *testing.T) {
		l, _ := newTestLimiter(Config{Strategy: FixedWindow, Capacity: 3, Window: time.Minute, Behavior: Reject})

		_, err := l.CheckAndConsume(context.Background(), "k", 1)
		require.NoError(t, err)

		d, err := l.CheckAndConsume(context.Background(), "k", 3)
		require.ErrorIs(t, err, ErrRateLimitExceeded)
		assert.False(t, d.Allowed)
		assert.InDelta(t, 2, d.Remaining, 1e-9)
	})
}

func TestSlidingWindow(t *testing.T) {
	t.Run("should weigh the previous window into the budget", func(t *testing.T) {
		l, clock := newTestLimiter(Config{Strategy: SlidingWindow, Capacity: 10, Window: time.Minute, Behavior: Reject})

		for i := 0; i < 10; i++ {
			_, err := l.CheckAndConsume(context.Background(), "k", 1)
			require.NoError(t, err)
		}

		// 30s into the next window half the previous count still applies:
		// effective = 10*0.5 = 5, leaving room for 5 more.
		clock.Advance(90 * time.Second)

		allowed := 0
		for i := 0; i < 10; i++ {
			d, _ := l.CheckAndConsume(context.Background(), "k", 1)
			if d.Allowed {
				allowed++
			}
		}
		assert.Equal(t, 5, allowed)
	})

	t.Run("should forget counts after a long idle period", func(t *testing.T) {
		l, clock := newTestLimiter(Config{Strategy: SlidingWindow, Capacity: 2, Window: time.Minute, Behavior: Reject})

		for i := 0; i < 2; i++ {
			_, err := l.CheckAndConsume(context.Background(), "k", 1)
			require.NoError(t, err)
		}

		clock.Advance(5 * time.Minute)

		d, err := l.CheckAndConsume(context.Background(), "k", 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})
}

func TestConcurrency(t *testing.T) {
	t.Run("should admit again after leave", func(t *testing.T) {
		l, _ := newTestLimiter(Config{Strategy: Concurrency, Capacity: 2, Behavior: Reject})

		for i := 0; i < 2; i++ {
			_, err := l.CheckAndConsume(context.Background(), "k", 1)
			require.NoError(t, err)
		}
		_, err := l.CheckAndConsume(context.Background(), "k", 1)
		require.ErrorIs(t, err, ErrRateLimitExceeded)

		l.Leave("k")

		d, err := l.CheckAndConsume(context.Background(), "k", 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})
}

func TestWaitBehavior(t *testing.T) {
	t.Run("should block until tokens are available", func(t *testing.T) {
		cfg := Config{
			Strategy:   TokenBucket,
			Capacity:   1,
			RefillRate: 50,
			Behavior:   Wait,
			MaxWait:    2 * time.Second,
			PollEvery:  5 * time.Millisecond,
		}
		l := New(cfg, testLogger())

		_, err := l.CheckAndConsume(context.Background(), "k", 1)
		require.NoError(t, err)

		start := time.Now()
		d, err := l.CheckAndConsume(context.Background(), "k", 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("should fail when the wait ceiling is hit", func(t *testing.T) {
		cfg := Config{
			Strategy:   TokenBucket,
			Capacity:   1,
			RefillRate: 0,
			Behavior:   Wait,
			MaxWait:    30 * time.Millisecond,
			PollEvery:  5 * time.Millisecond,
		}
		l := New(cfg, testLogger())

		_, err := l.CheckAndConsume(context.Background(), "k", 1)
		require.NoError(t, err)

		_, err = l.CheckAndConsume(context.Background(), "k", 1)
		assert.ErrorIs(t, err, ErrRateLimitExceeded)
	})

	t.Run("should abort on context cancellation", func(t *testing.T) {
		cfg := Config{
			Strategy:   TokenBucket,
			Capacity:   1,
			RefillRate: 0,
			Behavior:   Wait,
			MaxWait:    10 * time.Second,
			PollEvery:  5 * time.Millisecond,
		}
		l := New(cfg, testLogger())

		_, err := l.CheckAndConsume(context.Background(), "k", 1)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err = l.CheckAndConsume(ctx, "k", 1)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestCompositeKey(t *testing.T) {
	t.Run("should join configured fields in order", func(t *testing.T) {
		l := New(Config{KeyFields: []string{"userId", "tenantId"}}, testLogger())

		key := l.Key(map[string]string{"tenantId": "t1", "userId": "u1", "extra": "x"})

		assert.Equal(t, "userId:u1|tenantId:t1", key)
	})

	t.Run("should fall back to the global key", func(t *testing.T) {
		l := New(Config{KeyFields: []string{"userId"}}, testLogger())

		assert.Equal(t, "global", l.Key(map[string]string{"other": "v"}))
		assert.Equal(t, "global", l.Key(nil))
	})
}
