// Package memory provides an in-process command channel: one bounded queue and one
// worker per (topic, group, partition).
package memory

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"findash/pkg/command"
	"findash/pkg/logging"
	"findash/pkg/metrics"

	"go.uber.org/zap"
)

// ChannelConfig configures the in-process channel.
type ChannelConfig struct {
	// Partitions per topic (default: 4)
	Partitions int

	// QueueSize is the bounded queue size of each partition (default: 1000)
	QueueSize int

	// MaxWaitTime is the max time Publish waits on a full partition before failing
	// with ErrQueueFull. 0 means fail immediately (default: 100ms)
	MaxWaitTime time.Duration

	// MaxRedeliveries is how many times a failed message is redelivered before it is
	// dead-lettered (default: 3)
	MaxRedeliveries int

	// RedeliveryDelay is the wait before each redelivery (default: 100ms)
	RedeliveryDelay time.Duration

	// HandlerTimeout bounds one handler invocation (default: 10s)
	HandlerTimeout time.Duration

	// Logger is the parent logger. Defaults to the global logger.
	Logger *logging.Logger
}

// DefaultChannelConfig returns the default configuration.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Partitions:      4,
		QueueSize:       1000,
		MaxWaitTime:     100 * time.Millisecond,
		MaxRedeliveries: 3,
		RedeliveryDelay: 100 * time.Millisecond,
		HandlerTimeout:  10 * time.Second,
	}
}

// enqueueRetryInterval is how often a publish re-checks full partitions.
const enqueueRetryInterval = time.Millisecond

// Channel is an in-process, partitioned, at-least-once command channel.
// Messages with the same key are handled in publish order within each group.
type Channel struct {
	config  ChannelConfig
	metrics metrics.MetricsCollector
	logger  *logging.Logger

	// mu is held for reading for the whole of a publish and for writing by Close,
	// so no message is enqueued after the workers have drained.
	mu      sync.RWMutex
	topics  map[string][]*group
	started bool

	// enqueueMu makes the capacity check and the sends of one publish atomic.
	enqueueMu sync.Mutex

	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	closeOnce  sync.Once

	// Statistics (accessed atomically)
	published    int64
	delivered    int64
	redelivered  int64
	deadLettered int64
	dropped      int64
	rejected     int64
	pending      int64
	nextID       int64

	metricsTicker *time.Ticker
	metricsStop   chan struct{}
}

// group is one consumer group of a topic.
type group struct {
	topic   string
	name    string
	handler command.Handler
	queues  []chan command.Message
}

// NewChannel creates a new in-process channel.
func NewChannel(config ChannelConfig) *Channel {
	return NewChannelWithMetrics(config, metrics.NoOpCollector{})
}

// NewChannelWithMetrics creates a new in-process channel with custom metrics collector.
func NewChannelWithMetrics(config ChannelConfig, metricsCollector metrics.MetricsCollector) *Channel {
	// Apply defaults
	defaults := DefaultChannelConfig()
	if config.Partitions <= 0 {
		config.Partitions = defaults.Partitions
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.MaxWaitTime < 0 {
		config.MaxWaitTime = 0
	}
	if config.MaxRedeliveries < 0 {
		config.MaxRedeliveries = 0
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = defaults.HandlerTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Channel{
		config:        config,
		metrics:       metrics.OrNoOp(metricsCollector),
		logger:        config.Logger.OrGlobal().Named("channel"),
		topics:        make(map[string][]*group),
		ctx:           ctx,
		cancelFunc:    cancel,
		metricsTicker: time.NewTicker(5 * time.Second), // Report queue depth every 5s
		metricsStop:   make(chan struct{}),
	}
}

// Subscribe registers handler for topic under the consumer group. It must be called
// before Start.
func (c *Channel) Subscribe(topic, groupName string, handler command.Handler) error {
	if err := command.ValidateName(topic); err != nil {
		return err
	}
	if err := command.ValidateName(groupName); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed() {
		return command.ErrChannelClosed
	}
	if c.started {
		return command.ErrAlreadyStarted
	}

	g := &group{
		topic:   topic,
		name:    groupName,
		handler: handler,
		queues:  make([]chan command.Message, c.config.Partitions),
	}
	for i := range g.queues {
		g.queues[i] = make(chan command.Message, c.config.QueueSize)
	}
	c.topics[topic] = append(c.topics[topic], g)

	c.logger.Info("subscribed",
		zap.String("topic", topic),
		zap.String("group", groupName),
		zap.Int("partitions", c.config.Partitions),
	)
	return nil
}

// Start launches one worker per partition of every group.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed() {
		return command.ErrChannelClosed
	}
	if c.started {
		return command.ErrAlreadyStarted
	}
	c.started = true

	for _, groups := range c.topics {
		for _, g := range groups {
			for p, queue := range g.queues {
				c.wg.Add(1)
				go c.worker(g, p, queue)
			}
		}
	}

	go c.reportMetrics()
	return nil
}

// Publish enqueues msg on its partition in every group of topic, or in none of them.
// If a partition is full, it waits up to MaxWaitTime before failing with ErrQueueFull.
// Messages published to a topic without groups are discarded.
func (c *Channel) Publish(ctx context.Context, topic string, msg command.Message) error {
	start := time.Now()
	err := c.publish(ctx, topic, msg)
	c.metrics.RecordPublish(topic, err == nil, time.Since(start))
	return err
}

func (c *Channel) publish(ctx context.Context, topic string, msg command.Message) error {
	// Check if caller's context is cancelled
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.isClosed() {
		return command.ErrChannelClosed
	}

	groups := c.topics[topic]
	if len(groups) == 0 {
		atomic.AddInt64(&c.dropped, 1)
		c.logger.Warn("no subscribers, message discarded",
			zap.String("topic", topic),
			zap.String("key", msg.Key),
		)
		return nil
	}

	partition := command.Partition(msg.Key, c.config.Partitions)
	msg.Partition = partition
	msg.ID = strconv.FormatInt(atomic.AddInt64(&c.nextID, 1), 10)

	deadline := time.Now().Add(c.config.MaxWaitTime)
	for !c.tryEnqueue(groups, partition, msg) {
		if !time.Now().Before(deadline) {
			atomic.AddInt64(&c.rejected, 1)
			c.logger.Warn("partition full, publish rejected",
				zap.String("topic", topic),
				zap.Int("partition", partition),
			)
			return command.ErrQueueFull
		}

		timer := time.NewTimer(enqueueRetryInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	atomic.AddInt64(&c.published, 1)
	return nil
}

// tryEnqueue adds msg to partition in every group, or to none when any is full.
// Only publishers add to queues, so room seen under enqueueMu is still there for
// the sends.
func (c *Channel) tryEnqueue(groups []*group, partition int, msg command.Message) bool {
	c.enqueueMu.Lock()
	defer c.enqueueMu.Unlock()

	for _, g := range groups {
		q := g.queues[partition]
		if len(q) == cap(q) {
			return false
		}
	}
	for _, g := range groups {
		atomic.AddInt64(&c.pending, 1)
		g.queues[partition] <- msg
	}
	return true
}

// worker handles the messages of one partition of one group in order.
func (c *Channel) worker(g *group, partition int, queue chan command.Message) {
	defer c.wg.Done()

	for {
		select {
		case msg := <-queue:
			c.deliver(g, msg)
		case <-c.ctx.Done():
			// Drain remaining items in queue before exiting
			for {
				select {
				case msg := <-queue:
					c.deliver(g, msg)
				default:
					return
				}
			}
		}
	}
}

// deliver runs the handler, redelivering on failure until MaxRedeliveries is used up.
func (c *Channel) deliver(g *group, msg command.Message) {
	defer atomic.AddInt64(&c.pending, -1)

	for attempt := 1; ; attempt++ {
		msg.Attempt = attempt
		err := c.handle(g, msg)
		if err == nil {
			atomic.AddInt64(&c.delivered, 1)
			return
		}

		logger := c.logger.With(
			zap.String("topic", g.topic),
			zap.String("group", g.name),
			zap.Int("partition", msg.Partition),
			zap.String("key", msg.Key),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt > c.config.MaxRedeliveries || c.isClosed() {
			atomic.AddInt64(&c.deadLettered, 1)
			c.metrics.RecordDeadLetter(g.topic)
			logger.Error("message dead-lettered", zap.ByteString("value", msg.Value))
			return
		}

		atomic.AddInt64(&c.redelivered, 1)
		c.metrics.RecordRedelivery(g.topic)
		logger.Warn("handler failed, redelivering", zap.Duration("delay", c.config.RedeliveryDelay))

		if c.config.RedeliveryDelay > 0 {
			timer := time.NewTimer(c.config.RedeliveryDelay)
			select {
			case <-timer.C:
			case <-c.ctx.Done():
				timer.Stop()
			}
		}
	}
}

func (c *Channel) handle(g *group, msg command.Message) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.HandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked",
				zap.String("topic", g.topic),
				zap.String("group", g.name),
				zap.Any("panic", r),
			)
			err = errHandlerPanic
		}
	}()

	return g.handler(ctx, msg)
}

// Flush waits for all pending messages to be handled or until timeout.
func (c *Channel) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if atomic.LoadInt64(&c.pending) == 0 {
			return nil
		}

		if time.Now().After(deadline) {
			return ErrFlushTimeout
		}

		time.Sleep(5 * time.Millisecond)
	}
}

// Close stops accepting messages and waits for workers to finish the queued ones.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		// Waits for in-flight publishes; later ones see the channel closed.
		c.mu.Lock()
		started := c.started
		// Signal workers to stop after draining queues
		c.cancelFunc()
		c.mu.Unlock()

		c.metricsTicker.Stop()
		if started {
			close(c.metricsStop)
		}

		c.wg.Wait()
	})
	return nil
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

// reportMetrics periodically reports queue depth per topic.
func (c *Channel) reportMetrics() {
	for {
		select {
		case <-c.metricsTicker.C:
			for topic, depth := range c.queueDepths() {
				c.metrics.RecordQueueDepth(topic, depth)
			}
		case <-c.metricsStop:
			return
		}
	}
}

func (c *Channel) queueDepths() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	depths := make(map[string]int, len(c.topics))
	for topic, groups := range c.topics {
		for _, g := range groups {
			for _, q := range g.queues {
				depths[topic] += len(q)
			}
		}
	}
	return depths
}

// Stats returns current statistics about the channel.
func (c *Channel) Stats() ChannelStats {
	depth := 0
	for _, d := range c.queueDepths() {
		depth += d
	}
	return ChannelStats{
		QueueDepth:   depth,
		Pending:      atomic.LoadInt64(&c.pending),
		Published:    atomic.LoadInt64(&c.published),
		Delivered:    atomic.LoadInt64(&c.delivered),
		Redelivered:  atomic.LoadInt64(&c.redelivered),
		DeadLettered: atomic.LoadInt64(&c.deadLettered),
		Dropped:      atomic.LoadInt64(&c.dropped),
		Rejected:     atomic.LoadInt64(&c.rejected),
	}
}
