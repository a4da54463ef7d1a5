package memory

import (
	"sync"
	"time"

	"findash/pkg/metrics"
)

// MemoryCollector implements MetricsCollector for in-memory testing and the
// /metrics/json endpoint.
type MemoryCollector struct {
	mu sync.RWMutex

	dependencies map[string]*DependencyMetrics
	topics       map[string]*TopicMetrics

	aggregates        int64
	partialAggregates int64
}

// DependencyMetrics holds metrics for one backend dependency.
type DependencyMetrics struct {
	Calls        int64
	Outcomes     map[string]int64
	Retries      int64
	Fallbacks    int64
	Latencies    []time.Duration
	Circuit      metrics.CircuitState
	CircuitOpens int64
}

// TopicMetrics holds metrics for one command topic.
type TopicMetrics struct {
	Published     int64
	PublishErrors int64
	QueueDepth    int
	Redeliveries  int64
	DeadLetters   int64
	Consumed      map[string]int64
}

// NewMemoryCollector creates a new in-memory metrics collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		dependencies: make(map[string]*DependencyMetrics),
		topics:       make(map[string]*TopicMetrics),
	}
}

// dependency must be called with mu held.
func (mc *MemoryCollector) dependency(name string) *DependencyMetrics {
	dm, ok := mc.dependencies[name]
	if !ok {
		dm = &DependencyMetrics{Outcomes: make(map[string]int64)}
		mc.dependencies[name] = dm
	}
	return dm
}

// topic must be called with mu held.
func (mc *MemoryCollector) topic(name string) *TopicMetrics {
	tm, ok := mc.topics[name]
	if !ok {
		tm = &TopicMetrics{Consumed: make(map[string]int64)}
		mc.topics[name] = tm
	}
	return tm
}

// RecordBackendCall records one attempt against a dependency.
func (mc *MemoryCollector) RecordBackendCall(dependency string, outcome string, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	dm := mc.dependency(dependency)
	dm.Calls++
	dm.Outcomes[outcome]++
	dm.Latencies = append(dm.Latencies, duration)
}

// RecordRetry records a retry attempt.
func (mc *MemoryCollector) RecordRetry(dependency string, attempt int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.dependency(dependency).Retries++
}

// RecordFallback records a fallback invocation.
func (mc *MemoryCollector) RecordFallback(dependency string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.dependency(dependency).Fallbacks++
}

// RecordCircuitState records the current circuit breaker state.
func (mc *MemoryCollector) RecordCircuitState(dependency string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	dm := mc.dependency(dependency)
	if dm.Circuit != metrics.CircuitOpen && state == metrics.CircuitOpen {
		dm.CircuitOpens++
	}
	dm.Circuit = state
}

// RecordPublish records a command publish.
func (mc *MemoryCollector) RecordPublish(topic string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	tm := mc.topic(topic)
	if success {
		tm.Published++
	} else {
		tm.PublishErrors++
	}
}

// RecordQueueDepth records the pending command count of a topic.
func (mc *MemoryCollector) RecordQueueDepth(topic string, depth int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.topic(topic).QueueDepth = depth
}

// RecordRedelivery records a redelivered command.
func (mc *MemoryCollector) RecordRedelivery(topic string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.topic(topic).Redeliveries++
}

// RecordDeadLetter records a command given up on.
func (mc *MemoryCollector) RecordDeadLetter(topic string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.topic(topic).DeadLetters++
}

// RecordConsume records a consumer outcome.
func (mc *MemoryCollector) RecordConsume(topic string, outcome string, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.topic(topic).Consumed[outcome]++
}

// RecordAggregate records a dashboard read.
func (mc *MemoryCollector) RecordAggregate(partial bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.aggregates++
	if partial {
		mc.partialAggregates++
	}
}

// Snapshot is a copy of the current metrics.
type Snapshot struct {
	Dependencies      map[string]DependencyMetrics
	Topics            map[string]TopicMetrics
	Aggregates        int64
	PartialAggregates int64
}

// Snapshot returns a copy of the current metrics state.
func (mc *MemoryCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	snapshot := Snapshot{
		Dependencies:      make(map[string]DependencyMetrics, len(mc.dependencies)),
		Topics:            make(map[string]TopicMetrics, len(mc.topics)),
		Aggregates:        mc.aggregates,
		PartialAggregates: mc.partialAggregates,
	}

	for name, dm := range mc.dependencies {
		c := *dm
		c.Outcomes = make(map[string]int64, len(dm.Outcomes))
		for k, v := range dm.Outcomes {
			c.Outcomes[k] = v
		}
		c.Latencies = append([]time.Duration(nil), dm.Latencies...)
		snapshot.Dependencies[name] = c
	}
	for name, tm := range mc.topics {
		c := *tm
		c.Consumed = make(map[string]int64, len(tm.Consumed))
		for k, v := range tm.Consumed {
			c.Consumed[k] = v
		}
		snapshot.Topics[name] = c
	}

	return snapshot
}

// Dependency returns a copy of the metrics of one dependency, or nil.
func (mc *MemoryCollector) Dependency(name string) *DependencyMetrics {
	s := mc.Snapshot()
	if dm, ok := s.Dependencies[name]; ok {
		return &dm
	}
	return nil
}

// Topic returns a copy of the metrics of one topic, or nil.
func (mc *MemoryCollector) Topic(name string) *TopicMetrics {
	s := mc.Snapshot()
	if tm, ok := s.Topics[name]; ok {
		return &tm
	}
	return nil
}

// Reset clears all collected metrics.
func (mc *MemoryCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.dependencies = make(map[string]*DependencyMetrics)
	mc.topics = make(map[string]*TopicMetrics)
	mc.aggregates = 0
	mc.partialAggregates = 0
}
