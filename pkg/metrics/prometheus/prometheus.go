package prometheus

import (
	"time"

	"findash/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector for Prometheus.
type PrometheusCollector struct {
	namespace string

	// Backend client
	backendCalls   *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	fallbacks      *prometheus.CounterVec

	// Circuit breaker
	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	// Command channel
	published      *prometheus.CounterVec
	publishLatency *prometheus.HistogramVec
	queueDepth     *prometheus.GaugeVec
	redeliveries   *prometheus.CounterVec
	deadLetters    *prometheus.CounterVec

	// Consumers
	consumed       *prometheus.CounterVec
	consumeLatency *prometheus.HistogramVec

	// Aggregator
	aggregates       *prometheus.CounterVec
	aggregateLatency prometheus.Histogram
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	latencyBuckets := prometheus.ExponentialBuckets(0.0005, 2, 15) // 0.5ms to ~8s

	return &PrometheusCollector{
		namespace: namespace,
		backendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Total number of backend call attempts per dependency and outcome",
			},
			[]string{"dependency", "outcome"},
		),
		backendLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_call_duration_seconds",
				Help:      "Backend call attempt latency",
				Buckets:   latencyBuckets,
			},
			[]string{"dependency"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_retries_total",
				Help:      "Total number of backend call retries per dependency",
			},
			[]string{"dependency"},
		),
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_fallbacks_total",
				Help:      "Total number of fallback invocations per dependency",
			},
			[]string{"dependency"},
		),
		circuitOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_opens_total",
				Help:      "Total number of circuit breaker opens per dependency",
			},
			[]string{"dependency"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
			},
			[]string{"dependency"},
		),
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_published_total",
				Help:      "Total number of command publishes per topic and status",
			},
			[]string{"topic", "status"},
		),
		publishLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_publish_duration_seconds",
				Help:      "Command publish latency",
				Buckets:   latencyBuckets,
			},
			[]string{"topic"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "command_queue_depth",
				Help:      "Pending commands per topic",
			},
			[]string{"topic"},
		),
		redeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "command_redeliveries_total",
				Help:      "Total number of command redeliveries per topic",
			},
			[]string{"topic"},
		),
		deadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "command_dead_letters_total",
				Help:      "Total number of commands given up on per topic",
			},
			[]string{"topic"},
		),
		consumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_consumed_total",
				Help:      "Total number of consumed commands per topic and outcome",
			},
			[]string{"topic", "outcome"},
		),
		consumeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_consume_duration_seconds",
				Help:      "Command apply latency",
				Buckets:   latencyBuckets,
			},
			[]string{"topic"},
		),
		aggregates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dashboard_reads_total",
				Help:      "Total number of dashboard reads, partial=true when expenses were dropped",
			},
			[]string{"partial"},
		),
		aggregateLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dashboard_read_duration_seconds",
				Help:      "Dashboard read latency",
				Buckets:   latencyBuckets,
			},
		),
	}
}

func (pc *PrometheusCollector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		pc.backendCalls,
		pc.backendLatency,
		pc.retries,
		pc.fallbacks,
		pc.circuitOpens,
		pc.circuitState,
		pc.published,
		pc.publishLatency,
		pc.queueDepth,
		pc.redeliveries,
		pc.deadLetters,
		pc.consumed,
		pc.consumeLatency,
		pc.aggregates,
		pc.aggregateLatency,
	}
}

// Register registers all metrics with the given Prometheus registry.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	for _, collector := range pc.collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// Describe implements prometheus.Collector so the whole collector can be registered at once.
func (pc *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range pc.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (pc *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, c := range pc.collectors() {
		c.Collect(ch)
	}
}

// RecordBackendCall records one backend call attempt.
func (pc *PrometheusCollector) RecordBackendCall(dependency string, outcome string, duration time.Duration) {
	pc.backendCalls.WithLabelValues(dependency, outcome).Inc()
	pc.backendLatency.WithLabelValues(dependency).Observe(duration.Seconds())
}

// RecordRetry records a retry.
func (pc *PrometheusCollector) RecordRetry(dependency string, attempt int) {
	pc.retries.WithLabelValues(dependency).Inc()
}

// RecordFallback records a fallback invocation.
func (pc *PrometheusCollector) RecordFallback(dependency string) {
	pc.fallbacks.WithLabelValues(dependency).Inc()
}

// RecordCircuitState records the current circuit breaker state.
func (pc *PrometheusCollector) RecordCircuitState(dependency string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(dependency).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(dependency).Inc()
	}
}

// RecordPublish records a command publish.
func (pc *PrometheusCollector) RecordPublish(topic string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	pc.published.WithLabelValues(topic, status).Inc()
	pc.publishLatency.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordQueueDepth records the pending command count of a topic.
func (pc *PrometheusCollector) RecordQueueDepth(topic string, depth int) {
	pc.queueDepth.WithLabelValues(topic).Set(float64(depth))
}

// RecordRedelivery records a redelivered command.
func (pc *PrometheusCollector) RecordRedelivery(topic string) {
	pc.redeliveries.WithLabelValues(topic).Inc()
}

// RecordDeadLetter records a command given up on.
func (pc *PrometheusCollector) RecordDeadLetter(topic string) {
	pc.deadLetters.WithLabelValues(topic).Inc()
}

// RecordConsume records a consumer outcome.
func (pc *PrometheusCollector) RecordConsume(topic string, outcome string, duration time.Duration) {
	pc.consumed.WithLabelValues(topic, outcome).Inc()
	pc.consumeLatency.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordAggregate records a dashboard read.
func (pc *PrometheusCollector) RecordAggregate(partial bool, duration time.Duration) {
	label := "false"
	if partial {
		label = "true"
	}
	pc.aggregates.WithLabelValues(label).Inc()
	pc.aggregateLatency.Observe(duration.Seconds())
}
