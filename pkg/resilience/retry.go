package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"findash/pkg/domain"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// ErrTransient marks a failure worth retrying, such as an HTTP 5xx answer.
var ErrTransient = errors.New("transient failure")

// Transient wraps err so that IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err is worth another attempt: timeouts, breaker
// rejections, network errors and errors marked with Transient. Business errors
// never are, and neither is a cancelled caller.
func IsTransient(err error) bool {
	if err == nil || domain.IsBusiness(err) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransient) ||
		domain.IsTimeout(err) ||
		domain.IsCircuitOpen(err) ||
		domain.IsUnavailable(err) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Fallback supplies a degraded answer once the dependency cannot be used. cause is
// the error that triggered it. Returning an error (for example a not-found) is allowed.
type Fallback[T any] func(ctx context.Context, cause error) (T, error)

// Do calls fn against the executor's dependency: each attempt passes the circuit
// breaker and gets its own timeout, and transient failures are retried with backoff.
// When the breaker rejects, fallback (if any) answers instead of further attempts.
// When attempts run out the error wraps domain.ErrUnavailable, unless the policy
// allows falling back then too.
func Do[T any](ctx context.Context, e *Executor, fn func(ctx context.Context) (T, error), fallback Fallback[T]) (T, error) {
	var zero T
	call := func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	}

	var (
		attempt int
		stop    error
	)
	operation := func() (T, error) {
		attempt++
		result, err := e.attempt(ctx, call)
		if err == nil {
			value, _ := result.(T)
			return value, nil
		}
		if (domain.IsCircuitOpen(err) && fallback != nil) || !IsTransient(err) {
			stop = e.unexpected(err, attempt)
			return zero, backoff.Permanent(stop)
		}
		return zero, err
	}

	value, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(e.policy.Retry.BackOff()),
		backoff.WithMaxTries(uint(e.policy.Retry.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			e.logger.Debug("retrying call",
				zap.String("dependency", e.name),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
			e.metrics.RecordRetry(e.name, attempt)
		}),
	)

	switch {
	case err == nil:
		return value, nil
	case stop != nil:
		if domain.IsCircuitOpen(stop) && fallback != nil {
			return runFallback(ctx, e, fallback, stop)
		}
		return zero, stop
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return zero, err
	}

	e.logger.Warn("retries exhausted",
		zap.String("dependency", e.name),
		zap.Int("attempts", attempt),
		zap.Error(err),
	)
	if e.policy.FallbackOnExhausted && fallback != nil {
		return runFallback(ctx, e, fallback, err)
	}
	return zero, fmt.Errorf("%w: %s after %d attempts: %w", domain.ErrUnavailable, e.name, attempt, err)
}

// unexpected marks errors outside the taxonomy as domain.ErrUnexpected and logs them.
func (e *Executor) unexpected(err error, attempt int) error {
	if IsTransient(err) || domain.IsBusiness(err) || errors.Is(err, context.Canceled) {
		return err
	}
	e.logger.Error("call failed with unexpected error",
		zap.String("dependency", e.name),
		zap.Int("attempt", attempt),
		zap.Error(err),
	)
	if errors.Is(err, domain.ErrUnexpected) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrUnexpected, err)
}

func runFallback[T any](ctx context.Context, e *Executor, fallback Fallback[T], cause error) (T, error) {
	e.metrics.RecordFallback(e.name)
	e.logger.Info("using fallback",
		zap.String("dependency", e.name),
		zap.NamedError("cause", cause),
	)
	return fallback(ctx, cause)
}
