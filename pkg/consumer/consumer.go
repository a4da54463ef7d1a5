// Package consumer applies delivered commands to the entity stores.
//
// Delivery is at least once, so every apply is idempotent in effect: a redelivered
// CREATE hits the store's uniqueness constraint and is reported as a duplicate, a
// redelivered DELETE finds nothing to remove. Neither fails the message.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"findash/pkg/command"
	"findash/pkg/domain"
	"findash/pkg/logging"
	"findash/pkg/metrics"
	"findash/pkg/store"

	"go.uber.org/zap"
)

// Outcomes recorded per consumed message.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Config configures a consumer.
type Config struct {
	// Group is the consumer group the consumer subscribes under.
	Group string

	Logger  *logging.Logger
	Metrics metrics.MetricsCollector
}

// AccountConsumer applies account commands to an account store.
type AccountConsumer struct {
	store   store.AccountStore
	group   string
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// NewAccountConsumer creates an account consumer. The group defaults to "account-service".
func NewAccountConsumer(s store.AccountStore, config Config) *AccountConsumer {
	if config.Group == "" {
		config.Group = "account-service"
	}
	return &AccountConsumer{
		store:   s,
		group:   config.Group,
		metrics: metrics.OrNoOp(config.Metrics),
		logger:  config.Logger.OrGlobal().Named("consumer").Named("account"),
	}
}

// Register subscribes the consumer to the accounts topic.
func (c *AccountConsumer) Register(sub command.Subscriber) error {
	return sub.Subscribe(command.AccountsTopic, c.group, c.Handle)
}

// Handle decodes and applies one message. It is a command.Handler.
func (c *AccountConsumer) Handle(ctx context.Context, msg command.Message) error {
	start := time.Now()

	cmd, err := command.DecodeAccountCommand(msg.Value)
	if err == nil {
		err = c.Apply(ctx, cmd)
	}

	return finish(c.logger, c.metrics, command.AccountsTopic, msg, start, err)
}

// Apply applies one decoded command.
func (c *AccountConsumer) Apply(ctx context.Context, cmd command.AccountCommand) error {
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrEventProcessing, err)
	}

	switch cmd.Type {
	case command.Create:
		rec := store.NewAccountRecord(*cmd.Account)
		if err := c.store.Insert(ctx, rec); err != nil {
			return domain.Wrap(err, "account store", "insert")
		}
		c.logger.Debug("account created",
			zap.Int("account_id", cmd.Key),
			zap.String("record_id", rec.ID),
			zap.String("command_id", cmd.ID),
		)

	case command.Delete:
		if err := c.store.DeleteByAccountID(ctx, cmd.Key); err != nil {
			return domain.Wrap(err, "account store", "delete")
		}
		c.logger.Debug("account deleted",
			zap.Int("account_id", cmd.Key),
			zap.String("command_id", cmd.ID),
		)
	}
	return nil
}

// ExpenseConsumer applies expense commands to an expense store.
type ExpenseConsumer struct {
	store   store.ExpenseStore
	group   string
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// NewExpenseConsumer creates an expense consumer. The group defaults to "expense-service".
func NewExpenseConsumer(s store.ExpenseStore, config Config) *ExpenseConsumer {
	if config.Group == "" {
		config.Group = "expense-service"
	}
	return &ExpenseConsumer{
		store:   s,
		group:   config.Group,
		metrics: metrics.OrNoOp(config.Metrics),
		logger:  config.Logger.OrGlobal().Named("consumer").Named("expense"),
	}
}

// Register subscribes the consumer to the expenses topic.
func (c *ExpenseConsumer) Register(sub command.Subscriber) error {
	return sub.Subscribe(command.ExpensesTopic, c.group, c.Handle)
}

// Handle decodes and applies one message. It is a command.Handler.
func (c *ExpenseConsumer) Handle(ctx context.Context, msg command.Message) error {
	start := time.Now()

	cmd, err := command.DecodeExpenseCommand(msg.Value)
	if err == nil {
		err = c.Apply(ctx, cmd)
	}

	return finish(c.logger, c.metrics, command.ExpensesTopic, msg, start, err)
}

// Apply applies one decoded command. A DELETE without an expense id removes every
// expense of the account.
func (c *ExpenseConsumer) Apply(ctx context.Context, cmd command.ExpenseCommand) error {
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrEventProcessing, err)
	}

	switch {
	case cmd.Type == command.Create:
		rec := store.NewExpenseRecord(*cmd.Expense)
		if err := c.store.Insert(ctx, rec); err != nil {
			return domain.Wrap(err, "expense store", "insert")
		}
		c.logger.Debug("expense created",
			zap.Stringer("expense", cmd.Expense.Key()),
			zap.String("record_id", rec.ID),
			zap.String("command_id", cmd.ID),
		)

	case cmd.ExpenseID != nil:
		key := domain.ExpenseKey{AccountID: cmd.Key, ExpenseID: *cmd.ExpenseID}
		if err := c.store.Delete(ctx, key); err != nil {
			return domain.Wrap(err, "expense store", "delete")
		}
		c.logger.Debug("expense deleted",
			zap.Stringer("expense", key),
			zap.String("command_id", cmd.ID),
		)

	default:
		n, err := c.store.DeleteByAccountID(ctx, cmd.Key)
		if err != nil {
			return domain.Wrap(err, "expense store", "delete by account")
		}
		c.logger.Debug("expenses deleted",
			zap.Int("account_id", cmd.Key),
			zap.Int("count", n),
			zap.String("command_id", cmd.ID),
		)
	}
	return nil
}

// finish classifies the apply result, records it and decides what the channel sees.
// Duplicates are swallowed: the first delivery already applied the command.
// Rejected commands and store failures are returned so the channel redelivers and
// finally dead-letters them.
func finish(logger *logging.Logger, m metrics.MetricsCollector, topic string, msg command.Message, start time.Time, err error) error {
	outcome := OutcomeApplied
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrDuplicateKey):
		outcome = OutcomeDuplicate
	case errors.Is(err, domain.ErrEventProcessing):
		outcome = OutcomeRejected
	default:
		outcome = OutcomeFailed
	}
	m.RecordConsume(topic, outcome, time.Since(start))

	if err == nil {
		return nil
	}

	fields := []zap.Field{
		zap.String("topic", topic),
		zap.String("key", msg.Key),
		zap.String("message_id", msg.ID),
		zap.Int("attempt", msg.Attempt),
		zap.Error(err),
	}

	switch outcome {
	case OutcomeDuplicate:
		logger.Warn("command already applied", fields...)
		return nil
	case OutcomeRejected:
		logger.Error("command rejected", fields...)
	default:
		logger.Warn("command apply failed", fields...)
	}
	return err
}
