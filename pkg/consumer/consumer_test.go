package consumer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"findash/pkg/command"
	"findash/pkg/command/memory"
	"findash/pkg/domain"
	"findash/pkg/logging"
	metricsmemory "findash/pkg/metrics/memory"
	"findash/pkg/store"
	storememory "findash/pkg/store/memory"
	"findash/pkg/store/mock"
)

func testConfig(mc *metricsmemory.MemoryCollector) Config {
	if mc == nil {
		return Config{Logger: logging.NewNoOpLogger()}
	}
	return Config{Logger: logging.NewNoOpLogger(), Metrics: mc}
}

func encode(t *testing.T, cmd interface{ Encode() (command.Message, error) }) command.Message {
	t.Helper()
	msg, err := cmd.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return msg
}

func TestAccountConsumer_Create(t *testing.T) {
	mc := metricsmemory.NewMemoryCollector()
	s := storememory.NewAccountStore()
	c := NewAccountConsumer(s, testConfig(mc))
	ctx := context.Background()

	msg := encode(t, command.NewAccountCreate(domain.Account{AccountID: 1, Name: "Checking", OriginAddress: "x"}))
	if err := c.Handle(ctx, msg); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	rec, err := s.FindByAccountID(ctx, 1)
	if err != nil {
		t.Fatalf("Account not stored: %v", err)
	}
	if rec.Version != 0 || rec.ID == "" || rec.Account.Name != "Checking" {
		t.Errorf("Unexpected record %+v", rec)
	}
	if tm := mc.Topic(command.AccountsTopic); tm == nil || tm.Consumed[OutcomeApplied] != 1 {
		t.Errorf("Unexpected topic metrics %+v", tm)
	}
}

func TestAccountConsumer_DuplicateCreate(t *testing.T) {
	mc := metricsmemory.NewMemoryCollector()
	s := storememory.NewAccountStore()
	c := NewAccountConsumer(s, testConfig(mc))
	ctx := context.Background()

	msg := encode(t, command.NewAccountCreate(domain.Account{AccountID: 1, Name: "first"}))
	c.Handle(ctx, msg)
	first, _ := s.FindByAccountID(ctx, 1)

	// Redelivery of the same command, then a different create for the same id.
	if err := c.Handle(ctx, msg); err != nil {
		t.Errorf("Expected redelivered create to be swallowed, got %v", err)
	}
	other := encode(t, command.NewAccountCreate(domain.Account{AccountID: 1, Name: "second"}))
	if err := c.Handle(ctx, other); err != nil {
		t.Errorf("Expected duplicate create to be swallowed, got %v", err)
	}

	got, _ := s.FindByAccountID(ctx, 1)
	if got.ID != first.ID || got.Account.Name != "first" || got.Version != 0 {
		t.Errorf("Duplicate create changed state: %+v", got)
	}
	if tm := mc.Topic(command.AccountsTopic); tm.Consumed[OutcomeDuplicate] != 2 {
		t.Errorf("Expected 2 duplicates recorded, got %v", tm.Consumed)
	}
}

func TestAccountConsumer_DeleteIdempotent(t *testing.T) {
	s := storememory.NewAccountStore()
	c := NewAccountConsumer(s, testConfig(nil))
	ctx := context.Background()

	c.Handle(ctx, encode(t, command.NewAccountCreate(domain.Account{AccountID: 1, Name: "a"})))

	del := encode(t, command.NewAccountDelete(1))
	for i := 0; i < 2; i++ {
		if err := c.Handle(ctx, del); err != nil {
			t.Fatalf("Delete %d failed: %v", i+1, err)
		}
		if s.Len() != 0 {
			t.Fatalf("Expected empty store after delete %d", i+1)
		}
	}
}

func TestAccountConsumer_Rejected(t *testing.T) {
	mc := metricsmemory.NewMemoryCollector()
	m := &mock.AccountStore{}
	c := NewAccountConsumer(m, testConfig(mc))
	ctx := context.Background()

	tests := []struct {
		name  string
		value string
	}{
		{"malformed json", `{"type":`},
		{"unknown type", `{"type":"UPDATE","key":1,"data":null}`},
		{"create without payload", `{"type":"CREATE","key":1,"data":null}`},
		{"key mismatch", `{"type":"CREATE","key":2,"data":{"accountId":1,"name":"a"}}`},
		{"invalid key", `{"type":"DELETE","key":0,"data":null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Handle(ctx, command.Message{Key: "1", Value: []byte(tt.value)})
			if !errors.Is(err, domain.ErrEventProcessing) {
				t.Errorf("Expected ErrEventProcessing, got %v", err)
			}
		})
	}

	if m.InsertCalls()+m.DeleteCalls() != 0 {
		t.Error("Expected rejected commands never to reach the store")
	}
	if tm := mc.Topic(command.AccountsTopic); tm.Consumed[OutcomeRejected] != int64(len(tests)) {
		t.Errorf("Expected %d rejections, got %v", len(tests), tm.Consumed)
	}
}

func TestAccountConsumer_StoreFailureReturned(t *testing.T) {
	storeErr := errors.New("connection refused")
	m := &mock.AccountStore{
		InsertFunc: func(ctx context.Context, rec *store.AccountRecord) error { return storeErr },
	}
	c := NewAccountConsumer(m, testConfig(nil))

	err := c.Handle(context.Background(), encode(t, command.NewAccountCreate(domain.Account{AccountID: 1})))
	if !errors.Is(err, storeErr) {
		t.Errorf("Expected store error for redelivery, got %v", err)
	}
	if err != nil && !strings.Contains(err.Error(), "account store insert") {
		t.Errorf("Expected failing operation in error, got %q", err.Error())
	}
}

func TestExpenseConsumer_CreateAndDelete(t *testing.T) {
	s := storememory.NewExpenseStore()
	c := NewExpenseConsumer(s, testConfig(nil))
	ctx := context.Background()

	for _, id := range []int{1, 2, 3} {
		cmd := command.NewExpenseCreate(domain.Expense{
			AccountID: 1, ExpenseID: id, Amount: 10, PaymentMode: domain.PaymentCard,
			TransactionTime: time.Date(2024, 1, id, 0, 0, 0, 0, time.UTC),
		})
		if err := c.Handle(ctx, encode(t, cmd)); err != nil {
			t.Fatalf("Create %d failed: %v", id, err)
		}
	}

	// Single delete, twice.
	single := encode(t, command.NewExpenseDelete(1, 2))
	for i := 0; i < 2; i++ {
		if err := c.Handle(ctx, single); err != nil {
			t.Fatalf("Single delete failed: %v", err)
		}
	}
	recs, _ := s.FindByAccountID(ctx, 1)
	if len(recs) != 2 || recs[0].Expense.ExpenseID != 1 || recs[1].Expense.ExpenseID != 3 {
		t.Fatalf("Unexpected expenses after single delete: %d", len(recs))
	}

	// Bulk delete, twice.
	bulk := encode(t, command.NewExpensesDelete(1))
	for i := 0; i < 2; i++ {
		if err := c.Handle(ctx, bulk); err != nil {
			t.Fatalf("Bulk delete failed: %v", err)
		}
	}
	if s.Len() != 0 {
		t.Errorf("Expected no expenses, got %d", s.Len())
	}
}

func TestExpenseConsumer_DuplicateCreate(t *testing.T) {
	s := storememory.NewExpenseStore()
	c := NewExpenseConsumer(s, testConfig(nil))
	ctx := context.Background()

	msg := encode(t, command.NewExpenseCreate(domain.Expense{AccountID: 1, ExpenseID: 1, Amount: 5, PaymentMode: domain.PaymentCash}))
	c.Handle(ctx, msg)
	if err := c.Handle(ctx, msg); err != nil {
		t.Errorf("Expected duplicate to be swallowed, got %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("Expected exactly 1 expense, got %d", s.Len())
	}
}

func TestConsumers_OverChannel(t *testing.T) {
	ch := memory.NewChannel(memory.ChannelConfig{
		MaxRedeliveries: 1,
		RedeliveryDelay: time.Millisecond,
		Logger:          logging.NewNoOpLogger(),
	})
	defer ch.Close()

	accounts := storememory.NewAccountStore()
	expenses := storememory.NewExpenseStore()
	if err := NewAccountConsumer(accounts, testConfig(nil)).Register(ch); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := NewExpenseConsumer(expenses, testConfig(nil)).Register(ch); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx := context.Background()
	command.PublishAccount(ctx, ch, command.NewAccountCreate(domain.Account{AccountID: 1, Name: "a"}))
	command.PublishExpense(ctx, ch, command.NewExpenseCreate(domain.Expense{AccountID: 1, ExpenseID: 1, PaymentMode: domain.PaymentCash}))
	ch.Flush(time.Second)

	if accounts.Len() != 1 || expenses.Len() != 1 {
		t.Fatalf("Expected 1 account and 1 expense, got %d and %d", accounts.Len(), expenses.Len())
	}

	command.PublishAccount(ctx, ch, command.NewAccountDelete(1))
	command.PublishExpense(ctx, ch, command.NewExpensesDelete(1))
	ch.Flush(time.Second)

	if accounts.Len() != 0 || expenses.Len() != 0 {
		t.Errorf("Expected empty stores, got %d and %d", accounts.Len(), expenses.Len())
	}
}
