package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"findash/pkg/domain"
	"findash/pkg/logging"
	"findash/pkg/metrics"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Executor guards calls against one named dependency with the decorators of its Policy.
// It is safe for concurrent use; the breaker it uses is shared through the Registry.
type Executor struct {
	name    string
	policy  Policy
	cb      *gobreaker.CircuitBreaker
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// NewExecutor creates an executor for the named dependency.
func NewExecutor(name string, policy Policy, registry *Registry) *Executor {
	return NewExecutorWithMetrics(name, policy, registry, metrics.NoOpCollector{})
}

// NewExecutorWithMetrics creates an executor with a custom metrics collector.
func NewExecutorWithMetrics(name string, policy Policy, registry *Registry, metricsCollector metrics.MetricsCollector) *Executor {
	if registry == nil {
		registry = NewRegistryWithMetrics(metricsCollector)
	}
	if policy.Retry.MaxAttempts < 1 {
		policy.Retry.MaxAttempts = 1
	}

	logger := logging.Global().Named("resilience").Named(name)
	logger.Debug("executor initialized",
		zap.String("dependency", name),
		zap.Duration("timeout", policy.Timeout),
		zap.Int("max_attempts", policy.Retry.MaxAttempts),
		zap.Duration("initial_backoff", policy.Retry.InitialBackoff),
		zap.Bool("fallback_on_exhausted", policy.FallbackOnExhausted),
	)

	return &Executor{
		name:    name,
		policy:  policy,
		cb:      registry.Breaker(name, policy.CircuitBreaker),
		metrics: metrics.OrNoOp(metricsCollector),
		logger:  logger,
	}
}

// State returns the current state of the dependency's breaker.
func (e *Executor) State() metrics.CircuitState {
	return toCircuitState(e.cb.State())
}

// attempt runs fn once through the circuit breaker with the attempt timeout applied.
// A breaker rejection is returned as domain.ErrCircuitOpen and an expired attempt as
// domain.ErrTimeout; fn is not invoked at all when the breaker rejects.
func (e *Executor) attempt(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	start := time.Now()

	result, err := e.cb.Execute(func() (interface{}, error) {
		return e.timed(ctx, fn)
	})

	duration := time.Since(start)
	if err == nil {
		e.metrics.RecordBackendCall(e.name, "success", duration)
		return result, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		e.logger.Warn("circuit breaker open - request rejected",
			zap.String("dependency", e.name),
			zap.String("state", e.cb.State().String()),
		)
		err = fmt.Errorf("%w: %s", domain.ErrCircuitOpen, e.name)
	}
	e.metrics.RecordBackendCall(e.name, domain.ClassifyError(err), duration)
	return nil, err
}

// timed applies the attempt timeout. fn runs in its own goroutine so that an attempt
// which ignores its context still returns on time.
func (e *Executor) timed(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if e.policy.Timeout <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, e.policy.Timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome{v, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, e.timeoutError()
		}
		return out.value, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, e.timeoutError()
		}
		return nil, ctx.Err()
	}
}

func (e *Executor) timeoutError() error {
	e.logger.Warn("operation timeout",
		zap.String("dependency", e.name),
		zap.Duration("timeout", e.policy.Timeout),
	)
	return fmt.Errorf("%w: %s after %v", domain.ErrTimeout, e.name, e.policy.Timeout)
}
