// Package redis provides a command channel on Redis Streams. Each partition of a topic
// is one stream, each consumer group a Redis consumer group on every partition stream.
// Entries are acknowledged only after the handler succeeds or gives up, and a
// consumer re-reads its own pending entries on start, so delivery is at least once.
package redis

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"findash/pkg/command"
	"findash/pkg/domain"
	"findash/pkg/logging"
	"findash/pkg/metrics"

	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// Stream entry fields.
const (
	fieldKey   = "key"
	fieldValue = "value"
	fieldError = "error"
)

// ChannelConfig configures the Redis Streams channel.
type ChannelConfig struct {
	// Addr is the Redis server address for single node mode.
	// Examples: "localhost:6379", "redis.example.com:6379"
	Addr string
	// ClusterAddrs is a list of Redis cluster node addresses.
	// If set, cluster mode is enabled automatically.
	ClusterAddrs []string
	Username     string
	Password     string
	// DB is the Redis database number (0-15).
	// Note: In cluster mode, only DB 0 is supported.
	DB int

	// KeyPrefix prefixes every stream key (default: "findash:cmd")
	KeyPrefix string

	// Partitions per topic (default: 4). Publishers and consumers must agree.
	Partitions int

	// Consumer names this process within its consumer groups (default: hostname).
	// Keep it stable across restarts so a restarted process re-reads its own
	// unacknowledged entries.
	Consumer string

	// ClaimMinIdle is how long an entry must sit unacknowledged under another
	// consumer before this one claims it (default: 1m)
	ClaimMinIdle time.Duration

	// ClaimInterval is how often idle entries of other consumers are claimed
	// (default: 30s)
	ClaimInterval time.Duration

	// BatchSize is the maximum number of entries read at once (default: 16)
	BatchSize int64

	// Block is how long one read waits for new entries (default: 2s)
	Block time.Duration

	// MaxRedeliveries is how many times a failed entry is redelivered before it is
	// moved to the dead-letter stream (default: 3)
	MaxRedeliveries int

	// RedeliveryDelay is the wait before each redelivery (default: 100ms)
	RedeliveryDelay time.Duration

	// HandlerTimeout bounds one handler invocation (default: 10s)
	HandlerTimeout time.Duration

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// Logger is the parent logger. Defaults to the global logger.
	Logger *logging.Logger
}

// DefaultChannelConfig returns a configuration for a local Redis.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Addr:            "localhost:6379",
		KeyPrefix:       "findash:cmd",
		Partitions:      4,
		BatchSize:       16,
		Block:           2 * time.Second,
		MaxRedeliveries: 3,
		RedeliveryDelay: 100 * time.Millisecond,
		HandlerTimeout:  10 * time.Second,
		ClaimMinIdle:    time.Minute,
		ClaimInterval:   30 * time.Second,
		DialTimeout:     5 * time.Second,
		WriteTimeout:    3 * time.Second,
	}
}

// Channel is a command.Channel on Redis Streams.
type Channel struct {
	client  rueidis.Client
	config  ChannelConfig
	keys    *command.KeyPattern
	metrics metrics.MetricsCollector
	logger  *logging.Logger

	mu      sync.Mutex
	subs    []*subscription
	started bool

	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	closeOnce  sync.Once

	// Statistics (accessed atomically)
	published    int64
	delivered    int64
	redelivered  int64
	deadLettered int64
}

type subscription struct {
	topic   string
	group   string
	handler command.Handler
}

// NewChannel connects to Redis and creates a channel.
func NewChannel(config ChannelConfig, metricsCollector metrics.MetricsCollector) (*Channel, error) {
	var initAddress []string
	if len(config.ClusterAddrs) > 0 {
		initAddress = config.ClusterAddrs
	} else if config.Addr != "" {
		initAddress = []string{config.Addr}
	} else {
		return nil, fmt.Errorf("redis: no addresses configured (set Addr or ClusterAddrs)")
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:      initAddress,
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("redis: failed to create client: %w", err)
	}

	dialTimeout := config.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", err)
	}

	return NewChannelWithClient(client, config, metricsCollector), nil
}

// NewChannelWithClient creates a channel on an existing client. The channel owns the
// client and closes it on Close.
func NewChannelWithClient(client rueidis.Client, config ChannelConfig, metricsCollector metrics.MetricsCollector) *Channel {
	defaults := DefaultChannelConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.Partitions <= 0 {
		config.Partitions = defaults.Partitions
	}
	if config.Consumer == "" {
		config.Consumer = defaultConsumerName()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Block <= 0 {
		config.Block = defaults.Block
	}
	if config.MaxRedeliveries < 0 {
		config.MaxRedeliveries = 0
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = defaults.HandlerTimeout
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = defaults.ClaimMinIdle
	}
	if config.ClaimInterval <= 0 {
		config.ClaimInterval = defaults.ClaimInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Channel{
		client:     client,
		config:     config,
		keys:       command.NewKeyPattern(config.KeyPrefix, ":"),
		metrics:    metrics.OrNoOp(metricsCollector),
		logger:     config.Logger.OrGlobal().Named("channel").Named("redis"),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "consumer"
	}
	return host
}

// Publish appends msg to the stream of its partition.
func (c *Channel) Publish(ctx context.Context, topic string, msg command.Message) error {
	start := time.Now()
	err := c.publish(ctx, topic, msg)
	c.metrics.RecordPublish(topic, err == nil, time.Since(start))
	return err
}

func (c *Channel) publish(ctx context.Context, topic string, msg command.Message) error {
	select {
	case <-c.ctx.Done():
		return command.ErrChannelClosed
	default:
	}
	if err := command.ValidateName(topic); err != nil {
		return err
	}

	stream := c.keys.Stream(topic, command.Partition(msg.Key, c.config.Partitions))
	cmd := c.client.B().Xadd().Key(stream).Id("*").FieldValue().
		FieldValue(fieldKey, msg.Key).
		FieldValue(fieldValue, string(msg.Value)).
		Build()

	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: redis xadd %s: %w", domain.ErrUnavailable, stream, err)
	}

	atomic.AddInt64(&c.published, 1)
	return nil
}

// Subscribe registers handler for topic under the consumer group. It must be called
// before Start.
func (c *Channel) Subscribe(topic, group string, handler command.Handler) error {
	if err := command.ValidateName(topic); err != nil {
		return err
	}
	if err := command.ValidateName(group); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return command.ErrAlreadyStarted
	}
	c.subs = append(c.subs, &subscription{topic: topic, group: group, handler: handler})
	return nil
}

// Start creates the consumer groups and launches one reader per partition stream of
// every subscription.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.ctx.Done():
		return command.ErrChannelClosed
	default:
	}
	if c.started {
		return command.ErrAlreadyStarted
	}

	for _, sub := range c.subs {
		for p := 0; p < c.config.Partitions; p++ {
			if err := c.ensureGroup(ctx, c.keys.Stream(sub.topic, p), sub.group); err != nil {
				return err
			}
		}
	}

	c.started = true
	for _, sub := range c.subs {
		for p := 0; p < c.config.Partitions; p++ {
			c.wg.Add(1)
			go c.consume(sub, p)
		}
		c.logger.Info("consuming",
			zap.String("topic", sub.topic),
			zap.String("group", sub.group),
			zap.String("consumer", c.config.Consumer),
			zap.Int("partitions", c.config.Partitions),
		)
	}
	return nil
}

// ensureGroup creates the consumer group (and the stream) unless it exists.
func (c *Channel) ensureGroup(ctx context.Context, stream, group string) error {
	cmd := c.client.B().XgroupCreate().Key(stream).Group(group).Id("0").Mkstream().Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("redis: create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// consume reads one partition stream for one group until Close. It re-reads entries
// delivered to this consumer but never acknowledged before new entries, and
// periodically takes over entries left idle by other consumers.
func (c *Channel) consume(sub *subscription, partition int) {
	defer c.wg.Done()

	stream := c.keys.Stream(sub.topic, partition)
	logger := c.logger.With(
		zap.String("stream", stream),
		zap.String("group", sub.group),
	)

	cursor := "0" // pending entries first
	var lastClaim time.Time
	for {
		if c.ctx.Err() != nil {
			return
		}

		if time.Since(lastClaim) >= c.config.ClaimInterval {
			lastClaim = time.Now()
			claimed, err := c.claim(stream, sub.group)
			if err != nil && c.ctx.Err() == nil {
				logger.Warn("claim failed", zap.Error(err))
			}
			if claimed > 0 {
				logger.Info("claimed idle entries", zap.Int("count", claimed))
				cursor = "0"
			}
		}

		cmd := c.client.B().Xreadgroup().
			Group(sub.group, c.config.Consumer).
			Count(c.config.BatchSize).
			Block(c.config.Block.Milliseconds()).
			Streams().Key(stream).Id(cursor).
			Build()

		entries, err := c.client.Do(c.ctx, cmd).AsXRead()
		if err != nil {
			if rueidis.IsRedisNil(err) {
				continue
			}
			if c.ctx.Err() != nil {
				return
			}
			logger.Warn("read failed", zap.Error(err))
			c.pause(time.Second)
			continue
		}

		batch := entries[stream]
		if cursor != ">" && len(batch) == 0 {
			cursor = ">"
			continue
		}

		for _, entry := range batch {
			msg := command.Message{
				ID:        entry.ID,
				Key:       entry.FieldValues[fieldKey],
				Value:     []byte(entry.FieldValues[fieldValue]),
				Partition: partition,
			}
			c.deliver(sub, stream, msg)
			if cursor != ">" {
				cursor = entry.ID
			}
		}
	}
}

// claim moves entries idle for at least ClaimMinIdle from any consumer of group to
// this one, so they show up in its pending read. It returns how many were moved.
func (c *Channel) claim(stream, group string) (int, error) {
	minIdle := strconv.FormatInt(c.config.ClaimMinIdle.Milliseconds(), 10)
	start := "0-0"
	claimed := 0
	for {
		cmd := c.client.B().Xautoclaim().
			Key(stream).
			Group(group).
			Consumer(c.config.Consumer).
			MinIdleTime(minIdle).
			Start(start).
			Count(c.config.BatchSize).
			Justid().
			Build()

		reply, err := c.client.Do(c.ctx, cmd).ToArray()
		if err != nil {
			return claimed, fmt.Errorf("redis xautoclaim %s: %w", stream, err)
		}
		if len(reply) < 2 {
			return claimed, nil
		}
		ids, err := reply[1].AsStrSlice()
		if err != nil {
			return claimed, fmt.Errorf("redis xautoclaim %s: %w", stream, err)
		}
		claimed += len(ids)

		next, err := reply[0].ToString()
		if err != nil || next == "0-0" {
			return claimed, err
		}
		start = next
	}
}

// deliver runs the handler with redelivery, then acknowledges the entry. Entries that
// exhaust their redeliveries are copied to the dead-letter stream first.
func (c *Channel) deliver(sub *subscription, stream string, msg command.Message) {
	var err error
	for attempt := 1; ; attempt++ {
		msg.Attempt = attempt
		if err = c.handle(sub, msg); err == nil {
			atomic.AddInt64(&c.delivered, 1)
			break
		}

		logger := c.logger.With(
			zap.String("stream", stream),
			zap.String("group", sub.group),
			zap.String("id", msg.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if c.ctx.Err() != nil {
			// Left pending; re-read on next start.
			logger.Warn("closing, delivery abandoned")
			return
		}
		if attempt > c.config.MaxRedeliveries {
			c.deadLetter(sub, msg, err)
			break
		}

		atomic.AddInt64(&c.redelivered, 1)
		c.metrics.RecordRedelivery(sub.topic)
		logger.Warn("handler failed, redelivering", zap.Duration("delay", c.config.RedeliveryDelay))
		c.pause(c.config.RedeliveryDelay)
	}

	ack := c.client.B().Xack().Key(stream).Group(sub.group).Id(msg.ID).Build()
	if err := c.client.Do(context.Background(), ack).Error(); err != nil {
		c.logger.Error("ack failed",
			zap.String("stream", stream),
			zap.String("id", msg.ID),
			zap.Error(err),
		)
	}
}

func (c *Channel) handle(sub *subscription, msg command.Message) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.HandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return sub.handler(ctx, msg)
}

func (c *Channel) deadLetter(sub *subscription, msg command.Message, cause error) {
	atomic.AddInt64(&c.deadLettered, 1)
	c.metrics.RecordDeadLetter(sub.topic)

	dlq := c.keys.DeadLetter(sub.topic)
	cmd := c.client.B().Xadd().Key(dlq).Id("*").FieldValue().
		FieldValue(fieldKey, msg.Key).
		FieldValue(fieldValue, string(msg.Value)).
		FieldValue(fieldError, cause.Error()).
		Build()
	if err := c.client.Do(context.Background(), cmd).Error(); err != nil {
		c.logger.Error("dead-letter write failed", zap.String("stream", dlq), zap.Error(err))
	}

	c.logger.Error("message dead-lettered",
		zap.String("topic", sub.topic),
		zap.String("group", sub.group),
		zap.String("id", msg.ID),
		zap.String("dead_letter_stream", dlq),
		zap.Error(cause),
	)
}

func (c *Channel) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.ctx.Done():
	}
}

// Ping checks the connection.
func (c *Channel) Ping(ctx context.Context) error {
	if err := c.client.Do(ctx, c.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close stops the readers, waits for in-flight handlers and closes the client.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.cancelFunc()
		c.wg.Wait()
		c.client.Close()
	})
	return nil
}

// Stats returns current statistics about the channel.
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		Published:    atomic.LoadInt64(&c.published),
		Delivered:    atomic.LoadInt64(&c.delivered),
		Redelivered:  atomic.LoadInt64(&c.redelivered),
		DeadLettered: atomic.LoadInt64(&c.deadLettered),
	}
}

// ChannelStats provides statistics about channel operations.
type ChannelStats struct {
	Published    int64 `json:"published"`
	Delivered    int64 `json:"delivered"`
	Redelivered  int64 `json:"redelivered"`
	DeadLettered int64 `json:"deadLettered"`
}
