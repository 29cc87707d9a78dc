package chatclient

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher turns an outgoing request into a response, selecting among a
// primary pool and, once the pool is exhausted, a fallback chain. Transient
// failures are retried against the same handle with exponential backoff;
// non-transient failures skip immediately to the next handle.
type Dispatcher struct {
	pool        *Pool
	fallback    *Pool
	maxAttempts int
	baseDelay   time.Duration
	logger      zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Pool        *Pool
	Fallback    *Pool
	MaxAttempts int
	BaseDelay   time.Duration
	Logger      zerolog.Logger
}

// NewDispatcher creates a dispatcher over a primary pool and an optional
// fallback chain.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Pool == nil || cfg.Pool.Size() == 0 {
		return nil, fmt.Errorf("dispatcher requires a non-empty primary pool")
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &Dispatcher{
		pool:        cfg.Pool,
		fallback:    cfg.Fallback,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		logger:      cfg.Logger,
		sleep:       sleepCtx,
	}, nil
}

// Dispatch executes a completion request and returns the response with its
// computed cost.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	var lastErr error

	for _, pool := range d.pools() {
		result, err := d.dispatchPool(ctx, pool, req)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %w", ErrAllProvidersExhausted, lastErr)
}

// DispatchStream executes a streaming request. The returned stream emits
// running cost estimates per chunk and the authoritative cost on the final
// chunk.
func (d *Dispatcher) DispatchStream(ctx context.Context, req Request) (Stream, error) {
	var lastErr error

	for _, pool := range d.pools() {
		for _, idx := range pool.order() {
			handle := pool.Handles[idx]
			stream, err := d.openStream(ctx, handle, req)
			if err == nil {
				return &costStream{inner: stream, rates: handle.Rates, model: req.Model}, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		}
	}

	return nil, fmt.Errorf("%w: %w", ErrAllProvidersExhausted, lastErr)
}

func (d *Dispatcher) pools() []*Pool {
	pools := []*Pool{d.pool}
	if d.fallback != nil && d.fallback.Size() > 0 {
		pools = append(pools, d.fallback)
	}
	return pools
}

func (d *Dispatcher) dispatchPool(ctx context.Context, pool *Pool, req Request) (*Result, error) {
	var lastErr error

	for _, idx := range pool.order() {
		handle := pool.Handles[idx]
		resp, err := d.trySend(ctx, handle, req)
		if err == nil {
			cost := handle.Rates.Compute(resp.Usage, resp.Model)
			return &Result{Response: resp, Cost: cost, Handle: handle.Name}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		d.logger.Warn().
			Str("handle", handle.Name).
			Err(err).
			Msg("Handle failed, moving to next pool member")
	}

	return nil, lastErr
}

// trySend retries transient failures on one handle with exponential backoff.
func (d *Dispatcher) trySend(ctx context.Context, handle Handle, req Request) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		resp, err := handle.Backend.Send(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return nil, err
		}
		if attempt == d.maxAttempts-1 {
			break
		}

		delay := d.baseDelay * (1 << attempt)
		d.logger.Debug().
			Str("handle", handle.Name).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after transient error")
		if err := d.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, lastErr
}

func (d *Dispatcher) openStream(ctx context.Context, handle Handle, req Request) (Stream, error) {
	var lastErr error

	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		stream, err := handle.Backend.SendStream(ctx, req)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
		if attempt == d.maxAttempts-1 {
			break
		}
		if err := d.sleep(ctx, d.baseDelay*(1<<attempt)); err != nil {
			return nil, err
		}
	}

	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// costStream decorates a backend stream with cost figures.
type costStream struct {
	inner Stream
	rates CostRates
	model string

	chars int
}

func (s *costStream) Recv() (Update, error) {
	update, err := s.inner.Recv()
	if err != nil {
		return update, err
	}

	model := update.Model
	if model == "" {
		model = s.model
	}

	if update.Done && update.Usage != nil {
		update.Cost = s.rates.Compute(*update.Usage, model)
		update.CostFinal = true
		return update, nil
	}

	s.chars += len(update.Delta)
	estimate := Usage{OutputTokens: (s.chars + 3) / 4}
	update.Cost = s.rates.Compute(estimate, model)
	return update, nil
}

func (s *costStream) Close() error {
	return s.inner.Close()
}
