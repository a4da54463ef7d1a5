package memory

import "errors"

// ChannelStats provides statistics about channel operations.
type ChannelStats struct {
	// QueueDepth is the current number of queued messages across all partitions
	QueueDepth int `json:"queueDepth"`

	// Pending is the number of queued or in-flight deliveries
	Pending int64 `json:"pending"`

	// Published is the total number of accepted publishes
	Published int64 `json:"published"`

	// Delivered is the total number of successfully handled deliveries
	Delivered int64 `json:"delivered"`

	// Redelivered is the total number of redeliveries after a handler failure
	Redelivered int64 `json:"redelivered"`

	// DeadLettered is the total number of messages given up on
	DeadLettered int64 `json:"deadLettered"`

	// Dropped is the total number of messages published to topics without groups
	Dropped int64 `json:"dropped"`

	// Rejected is the total number of publishes refused because a partition was full
	Rejected int64 `json:"rejected"`
}

// Errors returned by channel operations.
var (
	// ErrFlushTimeout is returned when Flush() times out waiting for queues to drain
	ErrFlushTimeout = errors.New("channel: flush timeout exceeded")

	errHandlerPanic = errors.New("channel: handler panicked")
)
