package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"findash/pkg/domain"
	"findash/pkg/store"
)

func TestAccountStore_InsertFind(t *testing.T) {
	s := NewAccountStore()
	ctx := context.Background()

	rec := store.NewAccountRecord(domain.Account{AccountID: 1, Name: "Checking"})
	if err := s.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := s.FindByAccountID(ctx, 1)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if got.ID != rec.ID || got.Version != 0 || got.Account.Name != "Checking" {
		t.Errorf("Unexpected record %+v", got)
	}

	// Mutating the returned copy does not touch the store.
	got.Account.Name = "changed"
	again, _ := s.FindByAccountID(ctx, 1)
	if again.Account.Name != "Checking" {
		t.Errorf("Store shares state with callers: %q", again.Account.Name)
	}

	if _, err := s.FindByAccountID(ctx, 2); !domain.IsNotFound(err) {
		t.Errorf("Expected NotFound, got %v", err)
	}
}

func TestAccountStore_DuplicateInsert(t *testing.T) {
	s := NewAccountStore()
	ctx := context.Background()

	s.Insert(ctx, store.NewAccountRecord(domain.Account{AccountID: 1, Name: "first"}))
	err := s.Insert(ctx, store.NewAccountRecord(domain.Account{AccountID: 1, Name: "second"}))
	if !errors.Is(err, domain.ErrDuplicateKey) {
		t.Fatalf("Expected ErrDuplicateKey, got %v", err)
	}
	if !domain.IsInvalidInput(err) {
		t.Error("Expected duplicate key to be an invalid input variant")
	}

	got, _ := s.FindByAccountID(ctx, 1)
	if got.Account.Name != "first" || got.Version != 0 {
		t.Errorf("Duplicate insert changed the record: %+v", got)
	}
}

func TestAccountStore_OptimisticLock(t *testing.T) {
	s := NewAccountStore()
	ctx := context.Background()
	s.Insert(ctx, store.NewAccountRecord(domain.Account{AccountID: 1, Name: "original"}))

	a, _ := s.FindByAccountID(ctx, 1)
	b, _ := s.FindByAccountID(ctx, 1)

	a.Account.Name = "first writer"
	if err := s.Save(ctx, a); err != nil {
		t.Fatalf("First save failed: %v", err)
	}
	if a.Version != 1 {
		t.Errorf("Expected version 1 after save, got %d", a.Version)
	}

	b.Account.Name = "second writer"
	if err := s.Save(ctx, b); !errors.Is(err, domain.ErrOptimisticLock) {
		t.Fatalf("Expected ErrOptimisticLock, got %v", err)
	}

	got, _ := s.FindByAccountID(ctx, 1)
	if got.Account.Name != "first writer" || got.Version != 1 {
		t.Errorf("Expected only the first write, got %+v", got)
	}
}

func TestStores_SaveOfDeletedRecordIsStale(t *testing.T) {
	ctx := context.Background()

	accounts := NewAccountStore()
	accounts.Insert(ctx, store.NewAccountRecord(domain.Account{AccountID: 1, Name: "original"}))
	a, _ := accounts.FindByAccountID(ctx, 1)
	accounts.DeleteByAccountID(ctx, 1)
	if err := accounts.Save(ctx, a); !errors.Is(err, domain.ErrOptimisticLock) {
		t.Errorf("Expected ErrOptimisticLock for a deleted account, got %v", err)
	}

	expenses := NewExpenseStore()
	expense := domain.Expense{AccountID: 1, ExpenseID: 1, Amount: 5, PaymentMode: domain.PaymentUPI}
	expenses.Insert(ctx, store.NewExpenseRecord(expense))
	e, _ := expenses.Find(ctx, expense.Key())
	expenses.DeleteByAccountID(ctx, 1)
	if err := expenses.Save(ctx, e); !errors.Is(err, domain.ErrOptimisticLock) {
		t.Errorf("Expected ErrOptimisticLock for a deleted expense, got %v", err)
	}
}

func TestAccountStore_ConcurrentSaves(t *testing.T) {
	s := NewAccountStore()
	ctx := context.Background()
	s.Insert(ctx, store.NewAccountRecord(domain.Account{AccountID: 1}))

	var wg sync.WaitGroup
	var wins, locks int32
	for i := 0; i < 20; i++ {
		rec, _ := s.FindByAccountID(ctx, 1)
		wg.Add(1)
		go func(rec *store.AccountRecord) {
			defer wg.Done()
			switch err := s.Save(ctx, rec); {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, domain.ErrOptimisticLock):
				atomic.AddInt32(&locks, 1)
			}
		}(rec)
	}
	wg.Wait()

	if wins != 1 || locks != 19 {
		t.Errorf("Expected 1 winner and 19 lock failures, got %d and %d", wins, locks)
	}
}

func TestAccountStore_DeleteIdempotent(t *testing.T) {
	s := NewAccountStore()
	ctx := context.Background()
	s.Insert(ctx, store.NewAccountRecord(domain.Account{AccountID: 1}))

	for i := 0; i < 2; i++ {
		if err := s.DeleteByAccountID(ctx, 1); err != nil {
			t.Fatalf("Delete %d failed: %v", i+1, err)
		}
	}
	if s.Len() != 0 {
		t.Errorf("Expected empty store, got %d", s.Len())
	}
}

func TestExpenseStore_Operations(t *testing.T) {
	s := NewExpenseStore()
	ctx := context.Background()

	for _, id := range []int{3, 1, 2} {
		rec := store.NewExpenseRecord(domain.Expense{AccountID: 1, ExpenseID: id, Amount: float64(id)})
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	s.Insert(ctx, store.NewExpenseRecord(domain.Expense{AccountID: 2, ExpenseID: 1}))

	recs, err := s.FindByAccountID(ctx, 1)
	if err != nil {
		t.Fatalf("FindByAccountID failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("Expected 3 expenses, got %d", len(recs))
	}
	for i, rec := range recs {
		if rec.Expense.ExpenseID != i+1 {
			t.Errorf("Expected expense %d at %d, got %d", i+1, i, rec.Expense.ExpenseID)
		}
	}

	err = s.Insert(ctx, store.NewExpenseRecord(domain.Expense{AccountID: 1, ExpenseID: 2}))
	if !errors.Is(err, domain.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}

	key := domain.ExpenseKey{AccountID: 1, ExpenseID: 2}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Second delete failed: %v", err)
	}
	if _, err := s.Find(ctx, key); !domain.IsNotFound(err) {
		t.Errorf("Expected NotFound after delete, got %v", err)
	}

	n, err := s.DeleteByAccountID(ctx, 1)
	if err != nil || n != 2 {
		t.Errorf("Expected 2 deleted, got %d (%v)", n, err)
	}
	n, _ = s.DeleteByAccountID(ctx, 1)
	if n != 0 {
		t.Errorf("Expected bulk delete to be idempotent, deleted %d", n)
	}
	if s.Len() != 1 {
		t.Errorf("Expected the other account's expense to remain, got %d", s.Len())
	}
}

func TestExpenseStore_OptimisticLock(t *testing.T) {
	s := NewExpenseStore()
	ctx := context.Background()
	s.Insert(ctx, store.NewExpenseRecord(domain.Expense{AccountID: 1, ExpenseID: 1, Amount: 10}))

	key := domain.ExpenseKey{AccountID: 1, ExpenseID: 1}
	a, _ := s.Find(ctx, key)
	b, _ := s.Find(ctx, key)

	a.Expense.Amount = 20
	if err := s.Save(ctx, a); err != nil {
		t.Fatalf("First save failed: %v", err)
	}
	b.Expense.Amount = 30
	if err := s.Save(ctx, b); !errors.Is(err, domain.ErrOptimisticLock) {
		t.Fatalf("Expected ErrOptimisticLock, got %v", err)
	}

	got, _ := s.Find(ctx, key)
	if got.Expense.Amount != 20 || got.Version != 1 {
		t.Errorf("Expected only the first write, got %+v", got)
	}
}

func TestStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewAccountStore().Insert(ctx, store.NewAccountRecord(domain.Account{AccountID: 1})); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if _, err := NewExpenseStore().FindByAccountID(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestAccountStore_AccountIDs(t *testing.T) {
	s := NewAccountStore()
	ctx := context.Background()
	for _, id := range []int{5, 2, 9} {
		s.Insert(ctx, store.NewAccountRecord(domain.Account{AccountID: id}))
	}
	s.DeleteByAccountID(ctx, 9)

	ids, err := s.AccountIDs(ctx)
	if err != nil {
		t.Fatalf("AccountIDs failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 5 {
		t.Errorf("Expected [2 5], got %v", ids)
	}
}
