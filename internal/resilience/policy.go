package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Config controls one Policy. One Policy, and therefore one breaker, exists
// per downstream dependency.
type Config struct {
	Name             string
	Timeout          time.Duration // per attempt; zero disables
	MaxAttempts      int
	BaseBackoff      time.Duration
	Multiplier       float64
	MaxBackoff       time.Duration
	Jitter           float64 // fraction of the delay, applied ±
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// DefaultConfig returns the settings used for a dependency when nothing is
// configured.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		Timeout:          30 * time.Second,
		MaxAttempts:      3,
		BaseBackoff:      time.Second,
		Multiplier:       2,
		MaxBackoff:       30 * time.Second,
		Jitter:           0.2,
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// ErrAttemptTimeout is returned when a single attempt exceeds Config.Timeout.
// It wraps context.DeadlineExceeded and is treated as transient.
var ErrAttemptTimeout = fmt.Errorf("attempt timed out: %w", context.DeadlineExceeded)

// Policy wraps calls to one external dependency with a per-attempt timeout,
// bounded exponential backoff on transient errors and a circuit breaker.
type Policy struct {
	cfg       Config
	breaker   *CircuitBreaker
	logger    *slog.Logger
	transient func(error) bool
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates a Policy from cfg.
func New(cfg Config, logger *slog.Logger) *Policy {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Policy{
		cfg:       cfg,
		breaker:   NewCircuitBreaker(cfg.Name, cfg.FailureThreshold, cfg.RecoveryTimeout, logger),
		logger:    logger.With("subsystem", "resilience", "dependency", cfg.Name),
		transient: IsTransient,
		sleep:     sleepContext,
	}
}

// Name returns the dependency name.
func (p *Policy) Name() string { return p.cfg.Name }

// Breaker returns the policy's circuit breaker.
func (p *Policy) Breaker() *CircuitBreaker { return p.breaker }

// State returns the breaker state.
func (p *Policy) State() State { return p.breaker.State() }

// Reset forces the breaker closed.
func (p *Policy) Reset() { p.breaker.Reset() }

// Execute runs op under the policy. The breaker is consulted once before the
// first attempt and receives exactly one outcome per call: success, or a
// failure after a fatal error or exhausted retries. A call abandoned because
// ctx ended records nothing.
func (p *Policy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := p.breaker.Allow(); err != nil {
		p.logger.Warn("call rejected, circuit open")
		return fmt.Errorf("%s: %w", p.cfg.Name, err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		lastErr = p.attempt(ctx, op)
		if lastErr == nil {
			p.breaker.RecordSuccess()
			return nil
		}
		if ctx.Err() != nil {
			p.breaker.release()
			return lastErr
		}
		if !p.transient(lastErr) {
			p.logger.Warn("call failed with fatal error", "attempt", attempt, "error", lastErr)
			break
		}
		if attempt == p.cfg.MaxAttempts {
			p.logger.Warn("call failed, retries exhausted", "attempts", attempt, "error", lastErr)
			break
		}

		delay := p.backoff(attempt)
		p.logger.Warn("transient failure, retrying", "attempt", attempt, "retry_in", delay.String(), "error", lastErr)
		if err := p.sleep(ctx, delay); err != nil {
			p.breaker.release()
			return lastErr
		}
	}

	p.breaker.RecordFailure()
	return lastErr
}

// Do is Execute for operations that return a value. Values produced by an
// attempt that already timed out are dropped.
func Do[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		mu     sync.Mutex
		result T
	)
	err := p.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result = v
		return nil
	})
	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// attempt runs op once under the per-attempt timeout. The operation runs on
// its own goroutine so an operation that ignores its context still times out.
func (p *Policy) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if p.cfg.Timeout <= 0 {
		return op(ctx)
	}

	actx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(actx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %w", ErrAttemptTimeout, err)
		}
		return err
	case <-actx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrAttemptTimeout
	}
}

// backoff returns base * multiplier^(attempt-1), capped at MaxBackoff, with
// optional jitter.
func (p *Policy) backoff(attempt int) time.Duration {
	d := float64(p.cfg.BaseBackoff) * math.Pow(p.cfg.Multiplier, float64(attempt-1))
	if p.cfg.MaxBackoff > 0 && d > float64(p.cfg.MaxBackoff) {
		d = float64(p.cfg.MaxBackoff)
	}
	if p.cfg.Jitter > 0 {
		d += d * p.cfg.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		return p.cfg.BaseBackoff
	}
	return time.Duration(d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
