package command

import (
	"context"
	"errors"
	"fmt"

	"findash/pkg/domain"
)

var (
	// ErrQueueFull is returned by Publish when a partition stays full for longer than
	// the channel is willing to wait.
	ErrQueueFull = fmt.Errorf("%w: command queue full", domain.ErrUnavailable)

	// ErrChannelClosed is returned by Publish and Subscribe after Close.
	ErrChannelClosed = fmt.Errorf("%w: command channel closed", domain.ErrUnavailable)

	// ErrAlreadyStarted is returned by Subscribe after Start.
	ErrAlreadyStarted = errors.New("command: channel already started")

	// ErrInvalidName is returned for unusable topic or group names.
	ErrInvalidName = errors.New("command: invalid name")
)

// Message is one command on the channel.
type Message struct {
	// Key selects the partition. Messages with equal keys are delivered in order.
	Key string

	// Value is the encoded Envelope.
	Value []byte

	// ID, Partition and Attempt are set by the channel on delivery. Attempt starts at 1.
	ID        string
	Partition int
	Attempt   int
}

// Handler processes one delivered message. A non-nil error asks the channel to
// redeliver the message according to its policy.
type Handler func(ctx context.Context, msg Message) error

// Publisher publishes messages to a topic. Publish returns once the channel has
// accepted the message.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) error
}

// Subscriber registers handlers. Each consumer group receives every message of the
// topic once (at least once under redelivery).
type Subscriber interface {
	Subscribe(topic, group string, handler Handler) error
}

// Channel is a partitioned at-least-once command channel.
type Channel interface {
	Publisher
	Subscriber

	// Start begins delivery to the subscribed handlers.
	Start(ctx context.Context) error

	// Close stops delivery, finishing in-flight messages first.
	Close() error
}

// PublishAccount encodes cmd and publishes it to the accounts topic.
func PublishAccount(ctx context.Context, p Publisher, cmd AccountCommand) error {
	msg, err := cmd.Encode()
	if err != nil {
		return err
	}
	return p.Publish(ctx, AccountsTopic, msg)
}

// PublishExpense encodes cmd and publishes it to the expenses topic.
func PublishExpense(ctx context.Context, p Publisher, cmd ExpenseCommand) error {
	msg, err := cmd.Encode()
	if err != nil {
		return err
	}
	return p.Publish(ctx, ExpensesTopic, msg)
}
