// Package composite is the dashboard composite: an aggregator that reads an account
// and its expenses in parallel, and a dispatcher that turns writes into commands.
package composite

import (
	"context"
	"time"

	"findash/pkg/domain"
	"findash/pkg/logging"
	"findash/pkg/metrics"
	"findash/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reader reads from the backend services. *backend.Client implements it.
type Reader interface {
	GetAccount(ctx context.Context, accountID, delay, faultPercent int) (domain.Account, error)
	GetExpenses(ctx context.Context, accountID int) ([]domain.Expense, error)
}

// Aggregator builds dashboard views.
type Aggregator struct {
	reader  Reader
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// NewAggregator creates an aggregator over reader.
func NewAggregator(reader Reader, logger *logging.Logger, m metrics.MetricsCollector) *Aggregator {
	return &Aggregator{
		reader:  reader,
		metrics: metrics.OrNoOp(m),
		logger:  logger.OrGlobal().Named("aggregator"),
	}
}

// Summary reads the account and its expenses concurrently and assembles the view.
//
// The account is required: its error fails the whole read unchanged. Expenses are
// optional: any error yields an empty list. delay and faultPercent are forwarded to
// the account service for fault injection.
func (a *Aggregator) Summary(ctx context.Context, accountID, delay, faultPercent int) (domain.DashboardAggregate, error) {
	ctx, span := telemetry.StartSpan(ctx, "dashboard.summary", attribute.Int(telemetry.AttrAccountID, accountID))
	defer span.End()

	if err := domain.ValidateAccountID(accountID); err != nil {
		telemetry.RecordError(span, err)
		return domain.DashboardAggregate{}, err
	}

	start := time.Now()

	var (
		account  domain.Account
		expenses []domain.Expense
		partial  bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		account, err = a.reader.GetAccount(gctx, accountID, delay, faultPercent)
		return err
	})
	g.Go(func() error {
		list, err := a.reader.GetExpenses(gctx, accountID)
		if err != nil {
			partial = true
			if gctx.Err() == nil {
				a.logger.Warn("expenses unavailable, returning none",
					zap.Int("account_id", accountID),
					zap.Error(err),
				)
			}
			return nil
		}
		expenses = list
		return nil
	})

	if err := g.Wait(); err != nil {
		telemetry.RecordError(span, err)
		a.logger.Debug("dashboard read failed",
			zap.Int("account_id", accountID),
			zap.String("error_type", domain.ClassifyError(err)),
			zap.Error(err),
		)
		return domain.DashboardAggregate{}, err
	}

	view := domain.NewDashboardAggregate(account, expenses)
	a.metrics.RecordAggregate(partial || view.Degraded, time.Since(start))
	span.SetAttributes(
		attribute.Bool(telemetry.AttrPartial, partial),
		attribute.Bool(telemetry.AttrDegraded, view.Degraded),
	)
	return view, nil
}
