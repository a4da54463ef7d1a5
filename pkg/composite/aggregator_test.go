package composite

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"findash/pkg/domain"
	"findash/pkg/logging"
	metricsmemory "findash/pkg/metrics/memory"
	"findash/pkg/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// fakeReader is a Reader with function hooks and call counters.
type fakeReader struct {
	account  func(ctx context.Context, accountID int) (domain.Account, error)
	expenses func(ctx context.Context, accountID int) ([]domain.Expense, error)

	accountCalls int64
	expenseCalls int64
}

func (f *fakeReader) GetAccount(ctx context.Context, accountID, delay, faultPercent int) (domain.Account, error) {
	atomic.AddInt64(&f.accountCalls, 1)
	if f.account != nil {
		return f.account(ctx, accountID)
	}
	return domain.Account{AccountID: accountID, Name: "Account", OriginAddress: "account:7001"}, nil
}

func (f *fakeReader) GetExpenses(ctx context.Context, accountID int) ([]domain.Expense, error) {
	atomic.AddInt64(&f.expenseCalls, 1)
	if f.expenses != nil {
		return f.expenses(ctx, accountID)
	}
	return nil, nil
}

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	original := otel.GetTracerProvider()
	sr := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(original) })
	return sr
}

func TestAggregator_Summary(t *testing.T) {
	mc := metricsmemory.NewMemoryCollector()
	reader := &fakeReader{
		expenses: func(ctx context.Context, accountID int) ([]domain.Expense, error) {
			return []domain.Expense{
				{AccountID: accountID, ExpenseID: 1, Amount: 10, OriginAddress: "expense:7002"},
				{AccountID: accountID, ExpenseID: 2, Amount: 20, OriginAddress: "expense:7002"},
			}, nil
		},
	}
	a := NewAggregator(reader, logging.NewNoOpLogger(), mc)

	view, err := a.Summary(context.Background(), 1, 0, 0)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if view.Account.AccountID != 1 || view.Account.Name != "Account" {
		t.Errorf("Unexpected account %+v", view.Account)
	}
	if len(view.Expenses) != 2 || view.Expenses[1].Amount != 20 {
		t.Errorf("Unexpected expenses %+v", view.Expenses)
	}
	if view.ServiceAddresses.Account != "account:7001" || view.ServiceAddresses.Expense != "expense:7002" {
		t.Errorf("Unexpected addresses %+v", view.ServiceAddresses)
	}
	if s := mc.Snapshot(); s.Aggregates != 1 || s.PartialAggregates != 0 {
		t.Errorf("Unexpected aggregate metrics %+v", s)
	}
}

func TestAggregator_InvalidIDMakesNoCalls(t *testing.T) {
	reader := &fakeReader{}
	a := NewAggregator(reader, logging.NewNoOpLogger(), nil)

	for _, id := range []int{0, -1} {
		_, err := a.Summary(context.Background(), id, 0, 0)
		if !domain.IsInvalidInput(err) {
			t.Errorf("Summary(%d): expected InvalidInput, got %v", id, err)
		}
	}
	if reader.accountCalls+reader.expenseCalls != 0 {
		t.Errorf("Expected no backend calls, got %d account and %d expense", reader.accountCalls, reader.expenseCalls)
	}
}

func TestAggregator_ExpensesOptional(t *testing.T) {
	mc := metricsmemory.NewMemoryCollector()
	reader := &fakeReader{
		expenses: func(ctx context.Context, accountID int) ([]domain.Expense, error) {
			return nil, domain.ErrUnavailable
		},
	}
	a := NewAggregator(reader, logging.NewNoOpLogger(), mc)

	view, err := a.Summary(context.Background(), 1, 0, 0)
	if err != nil {
		t.Fatalf("Expected expenses failure to be tolerated, got %v", err)
	}
	if view.Expenses == nil || len(view.Expenses) != 0 {
		t.Errorf("Expected empty non-nil expenses, got %#v", view.Expenses)
	}
	if view.ServiceAddresses.Expense != "" {
		t.Errorf("Expected empty expense address, got %q", view.ServiceAddresses.Expense)
	}
	if s := mc.Snapshot(); s.PartialAggregates != 1 {
		t.Errorf("Expected a partial aggregate, got %+v", s)
	}
}

func TestAggregator_AccountRequired(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"not found", domain.NotFoundf("No account found for accountId: 2")},
		{"invalid input", domain.InvalidInputf("Invalid accountId: 2")},
		{"unavailable", domain.ErrUnavailable},
		{"unexpected", domain.ErrUnexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &fakeReader{
				account: func(ctx context.Context, accountID int) (domain.Account, error) {
					return domain.Account{}, tt.err
				},
			}
			a := NewAggregator(reader, logging.NewNoOpLogger(), nil)

			_, err := a.Summary(context.Background(), 2, 0, 0)
			if !errors.Is(err, tt.err) {
				t.Errorf("Expected %v unchanged, got %v", tt.err, err)
			}
		})
	}
}

func TestAggregator_ReadsInParallel(t *testing.T) {
	const delay = 50 * time.Millisecond
	reader := &fakeReader{
		account: func(ctx context.Context, accountID int) (domain.Account, error) {
			time.Sleep(delay)
			return domain.Account{AccountID: accountID, Name: "a"}, nil
		},
		expenses: func(ctx context.Context, accountID int) ([]domain.Expense, error) {
			time.Sleep(delay)
			return nil, nil
		},
	}
	a := NewAggregator(reader, logging.NewNoOpLogger(), nil)

	start := time.Now()
	if _, err := a.Summary(context.Background(), 1, 0, 0); err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 2*delay {
		t.Errorf("Expected concurrent reads, took %v", elapsed)
	}
}

func TestAggregator_FallbackIsDegraded(t *testing.T) {
	mc := metricsmemory.NewMemoryCollector()
	reader := &fakeReader{
		account: func(ctx context.Context, accountID int) (domain.Account, error) {
			return domain.Account{AccountID: accountID, Name: "Fallback account 5", Fallback: true}, nil
		},
	}
	a := NewAggregator(reader, logging.NewNoOpLogger(), mc)

	view, err := a.Summary(context.Background(), 5, 0, 0)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if !view.Degraded {
		t.Error("Expected a degraded view")
	}
	if s := mc.Snapshot(); s.PartialAggregates != 1 {
		t.Errorf("Expected degraded view counted as partial, got %+v", s)
	}
}

func TestAggregator_Span(t *testing.T) {
	sr := withRecorder(t)
	a := NewAggregator(&fakeReader{}, logging.NewNoOpLogger(), nil)

	a.Summary(context.Background(), 3, 0, 0)
	a.Summary(context.Background(), 0, 0, 0)

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("Expected 2 spans, got %d", len(spans))
	}
	for i, id := range []int{3, 0} {
		span := spans[i]
		if span.Name() != "dashboard.summary" {
			t.Errorf("Unexpected span name %q", span.Name())
		}
		found := false
		for _, kv := range span.Attributes() {
			if kv == attribute.Int(telemetry.AttrAccountID, id) {
				found = true
			}
		}
		if !found {
			t.Errorf("Span %d missing account.id=%d: %v", i, id, span.Attributes())
		}
	}
	if spans[1].Status().Code != codes.Error {
		t.Error("Expected the invalid read's span to be marked failed")
	}
}
