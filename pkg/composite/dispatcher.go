package composite

import (
	"context"
	"reflect"
	"strings"

	"findash/pkg/command"
	"findash/pkg/domain"
	"findash/pkg/logging"
	"findash/pkg/telemetry"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dispatcher turns dashboard writes into commands. A write returns once every command
// it produced is accepted by the channel; applying them is left to the consumers.
// Nothing is compensated when only some publishes succeed.
type Dispatcher struct {
	publisher command.Publisher
	validate  *validator.Validate
	logger    *logging.Logger
}

// NewDispatcher creates a dispatcher publishing to p.
func NewDispatcher(p command.Publisher, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		publisher: p,
		validate:  newValidator(),
		logger:    logger.OrGlobal().Named("dispatcher"),
	}
}

// newValidator reports fields by their JSON names and knows payment modes.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Empty defaults to CASH.
	v.RegisterValidation("paymentmode", func(fl validator.FieldLevel) bool {
		mode := domain.PaymentMode(fl.Field().String())
		return mode == "" || mode.Valid()
	})
	return v
}

func (d *Dispatcher) check(v any) error {
	err := d.validate.Struct(v)
	if err == nil {
		return nil
	}
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return domain.InvalidInputf("%v", err)
	}
	fields := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		fields = append(fields, fe.Namespace()+" failed "+fe.Tag())
	}
	return domain.InvalidInputf("%s", strings.Join(fields, "; "))
}

// CreateAggregate publishes one account CREATE and one expense CREATE per expense, all
// keyed by the account id.
func (d *Dispatcher) CreateAggregate(ctx context.Context, agg domain.DashboardAggregate) error {
	ctx, span := telemetry.StartSpan(ctx, "dashboard.create",
		attribute.Int(telemetry.AttrAccountID, agg.Account.AccountID),
		attribute.Int(telemetry.AttrCommands, 1+len(agg.Expenses)),
	)
	defer span.End()

	if err := d.check(agg); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	accountID := agg.Account.AccountID
	account := domain.Account{AccountID: accountID, Name: agg.Account.Name}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return command.PublishAccount(gctx, d.publisher, command.NewAccountCreate(account))
	})
	for _, s := range agg.Expenses {
		expense := domain.ExpenseFromSummary(accountID, s)
		g.Go(func() error {
			return command.PublishExpense(gctx, d.publisher, command.NewExpenseCreate(expense))
		})
	}

	return d.finish(span, "create aggregate", accountID, g.Wait())
}

// CreateAccount publishes one account CREATE.
func (d *Dispatcher) CreateAccount(ctx context.Context, summary domain.AccountSummary) error {
	ctx, span := telemetry.StartSpan(ctx, "dashboard.account.create",
		attribute.Int(telemetry.AttrAccountID, summary.AccountID))
	defer span.End()

	if err := d.check(summary); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	account := domain.Account{AccountID: summary.AccountID, Name: summary.Name}
	err := command.PublishAccount(ctx, d.publisher, command.NewAccountCreate(account))
	return d.finish(span, "create account", summary.AccountID, err)
}

// DeleteAccount publishes an account DELETE and a bulk expense DELETE concurrently.
func (d *Dispatcher) DeleteAccount(ctx context.Context, accountID int) error {
	ctx, span := telemetry.StartSpan(ctx, "dashboard.account.delete",
		attribute.Int(telemetry.AttrAccountID, accountID))
	defer span.End()

	if err := domain.ValidateAccountID(accountID); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return command.PublishAccount(gctx, d.publisher, command.NewAccountDelete(accountID))
	})
	g.Go(func() error {
		return command.PublishExpense(gctx, d.publisher, command.NewExpensesDelete(accountID))
	})

	return d.finish(span, "delete account", accountID, g.Wait())
}

// CreateExpense publishes one expense CREATE for accountID.
func (d *Dispatcher) CreateExpense(ctx context.Context, accountID int, summary domain.ExpenseSummary) error {
	ctx, span := telemetry.StartSpan(ctx, "dashboard.expense.create",
		attribute.Int(telemetry.AttrAccountID, accountID),
		attribute.Int(telemetry.AttrExpenseID, summary.ExpenseID),
	)
	defer span.End()

	if err := domain.ValidateAccountID(accountID); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if err := d.check(summary); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	expense := domain.ExpenseFromSummary(accountID, summary)
	err := command.PublishExpense(ctx, d.publisher, command.NewExpenseCreate(expense))
	return d.finish(span, "create expense", accountID, err)
}

// DeleteExpense publishes one expense DELETE for (accountID, expenseID).
func (d *Dispatcher) DeleteExpense(ctx context.Context, accountID, expenseID int) error {
	ctx, span := telemetry.StartSpan(ctx, "dashboard.expense.delete",
		attribute.Int(telemetry.AttrAccountID, accountID),
		attribute.Int(telemetry.AttrExpenseID, expenseID),
	)
	defer span.End()

	if err := domain.ValidateAccountID(accountID); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if expenseID < 0 {
		err := domain.InvalidInputf("invalid expenseId: %d", expenseID)
		telemetry.RecordError(span, err)
		return err
	}

	err := command.PublishExpense(ctx, d.publisher, command.NewExpenseDelete(accountID, expenseID))
	return d.finish(span, "delete expense", accountID, err)
}

func (d *Dispatcher) finish(span trace.Span, op string, accountID int, err error) error {
	if err != nil {
		telemetry.RecordError(span, err)
		d.logger.Warn("publish failed",
			zap.String("operation", op),
			zap.Int("account_id", accountID),
			zap.String("error_type", domain.ClassifyError(err)),
			zap.Error(err),
		)
		return err
	}
	d.logger.Debug("published",
		zap.String("operation", op),
		zap.Int("account_id", accountID),
	)
	return nil
}
