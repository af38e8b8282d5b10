// Package resilience supplies the retry-with-backoff and circuit-breaker
// primitives used by the WAL, sink, and checkpoint stages whenever they
// touch the filesystem: a slow disk or a flaky mount should degrade a
// worker, never wedge it.
package resilience

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/rlx-reconstruct/internal/errorsx"
)

// RetryConfig controls RetryWithBackoff.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig matches the durability budget for WAL/sink flushes:
// three attempts, capped at five seconds between tries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// RetryWithBackoff runs operation until it succeeds, the context is
// cancelled, or MaxAttempts is exhausted. Only errorsx-retryable
// conditions (IoError) are retried; anything else returns immediately.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, logger *zap.Logger, operation func() error) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			if attempt > 1 {
				logger.Info("operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}
		if !errorsx.IsRetryable(err) {
			return err
		}

		lastErr = err
		if attempt == cfg.MaxAttempts {
			break
		}

		logger.Warn("retryable operation failed, backing off",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return errorsx.Wrap(lastErr, errorsx.IoError, "operation failed after retries").
		WithDetail("attempts", cfg.MaxAttempts)
}

// CircuitBreaker wraps sony/gobreaker with the naming and logging the
// rest of this tree expects (a zap logger, named breakers per stage).
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// NewCircuitBreaker builds a breaker that opens after consecutiveFailures
// failures in a row and stays open for recoveryTimeout before probing
// again with a single half-open request.
func NewCircuitBreaker(name string, consecutiveFailures uint32, recoveryTimeout time.Duration, logger *zap.Logger) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     recoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings), logger: logger}
}

// Execute runs operation through the breaker. A tripped breaker returns
// gobreaker.ErrOpenState without calling operation.
func (c *CircuitBreaker) Execute(operation func() error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, operation()
	})
	return err
}

// State reports the breaker's current state for health/metrics reporting.
func (c *CircuitBreaker) State() gobreaker.State {
	return c.cb.State()
}

// TimeoutWrapper bounds operation to timeout, returning ctx.Err() if it
// does not complete in time. Used around checkpoint fsync so a stuck
// disk cannot starve the supervisor's shutdown deadline.
func TimeoutWrapper(ctx context.Context, timeout time.Duration, operation func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- operation(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
