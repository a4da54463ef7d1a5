package metrics

import (
	"time"
)

// MetricsCollector defines the interface for collecting composite and backend metrics.
// Implementations can export metrics to various backends (Prometheus, in-memory).
type MetricsCollector interface {
	// Backend client
	RecordBackendCall(dependency string, outcome string, duration time.Duration)
	RecordRetry(dependency string, attempt int)
	RecordFallback(dependency string)

	// Circuit breaker
	RecordCircuitState(dependency string, state CircuitState)

	// Command channel
	RecordPublish(topic string, success bool, duration time.Duration)
	RecordQueueDepth(topic string, depth int)
	RecordRedelivery(topic string)
	RecordDeadLetter(topic string)

	// Consumers
	RecordConsume(topic string, outcome string, duration time.Duration)

	// Aggregator
	RecordAggregate(partial bool, duration time.Duration)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is probing whether the dependency recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector is a no-op implementation of MetricsCollector.
// It's used as the default collector when metrics are not needed.
type NoOpCollector struct{}

func (NoOpCollector) RecordBackendCall(dependency string, outcome string, duration time.Duration) {}
func (NoOpCollector) RecordRetry(dependency string, attempt int)                                 {}
func (NoOpCollector) RecordFallback(dependency string)                                           {}
func (NoOpCollector) RecordCircuitState(dependency string, state CircuitState)                   {}
func (NoOpCollector) RecordPublish(topic string, success bool, duration time.Duration)           {}
func (NoOpCollector) RecordQueueDepth(topic string, depth int)                                   {}
func (NoOpCollector) RecordRedelivery(topic string)                                              {}
func (NoOpCollector) RecordDeadLetter(topic string)                                              {}
func (NoOpCollector) RecordConsume(topic string, outcome string, duration time.Duration)         {}
func (NoOpCollector) RecordAggregate(partial bool, duration time.Duration)                       {}

// OrNoOp returns c, or a NoOpCollector when c is nil.
func OrNoOp(c MetricsCollector) MetricsCollector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}
