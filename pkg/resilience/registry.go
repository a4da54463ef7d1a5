package resilience

import (
	"context"
	"errors"
	"sync"

	"findash/pkg/domain"
	"findash/pkg/logging"
	"findash/pkg/metrics"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Registry owns exactly one circuit breaker per dependency name. Every caller of a
// dependency must obtain its breaker here so that failures are counted in one place.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	metrics  metrics.MetricsCollector
	logger   *logging.Logger
}

// NewRegistry creates an empty breaker registry.
func NewRegistry() *Registry {
	return NewRegistryWithMetrics(metrics.NoOpCollector{})
}

// NewRegistryWithMetrics creates an empty breaker registry reporting state changes to m.
func NewRegistryWithMetrics(m metrics.MetricsCollector) *Registry {
	return &Registry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		metrics:  metrics.OrNoOp(m),
		logger:   logging.Global().Named("resilience"),
	}
}

// Breaker returns the breaker of the named dependency, creating it from config on
// first use. Later calls with a different config get the existing breaker.
func (r *Registry) Breaker(name string, config CircuitBreakerConfig) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	logger := r.logger.Named(name)
	logger.Info("circuit breaker initialized",
		zap.String("dependency", name),
		zap.Uint32("max_requests", config.MaxRequests),
		zap.Uint32("minimum_calls", config.MinimumCalls),
		zap.Float64("failure_ratio", config.FailureRatio),
		zap.Duration("circuit_interval", config.Interval),
		zap.Duration("circuit_timeout", config.Timeout),
	)

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return config.shouldTrip(Counts{
				Requests:             counts.Requests,
				TotalSuccesses:       counts.TotalSuccesses,
				TotalFailures:        counts.TotalFailures,
				ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
				ConsecutiveFailures:  counts.ConsecutiveFailures,
			})
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("dependency", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			r.metrics.RecordCircuitState(name, toCircuitState(to))
		},
		// Not found and invalid input are answers, and a cancelled caller says nothing
		// about the dependency. Neither counts against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || domain.IsBusiness(err) || errors.Is(err, context.Canceled)
		},
	}

	cb := gobreaker.NewCircuitBreaker(settings)
	r.breakers[name] = cb
	r.metrics.RecordCircuitState(name, metrics.CircuitClosed)
	return cb
}

// State returns the current state of the named breaker. Unknown names are closed.
func (r *Registry) State(name string) metrics.CircuitState {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()

	if !ok {
		return metrics.CircuitClosed
	}
	return toCircuitState(cb.State())
}

// States returns the state of every registered breaker, keyed by dependency name.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = toCircuitState(cb.State()).String()
	}
	return states
}

func toCircuitState(s gobreaker.State) metrics.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}
