// Package mock provides store mocks with function hooks and call counters.
package mock

import (
	"context"
	"sync/atomic"

	"findash/pkg/domain"
	"findash/pkg/store"
)

// AccountStore is a mock implementation of store.AccountStore for testing.
// It allows injecting custom behavior for each method and tracks call counts.
type AccountStore struct {
	// Function hooks - set these to customize behavior
	FindFunc   func(ctx context.Context, accountID int) (*store.AccountRecord, error)
	InsertFunc func(ctx context.Context, rec *store.AccountRecord) error
	SaveFunc   func(ctx context.Context, rec *store.AccountRecord) error
	DeleteFunc func(ctx context.Context, accountID int) error

	// Call tracking (must use atomic operations for race-free access)
	findCalls   int64
	insertCalls int64
	saveCalls   int64
	deleteCalls int64
}

// FindByAccountID implements store.AccountStore. Defaults to NotFound.
func (m *AccountStore) FindByAccountID(ctx context.Context, accountID int) (*store.AccountRecord, error) {
	atomic.AddInt64(&m.findCalls, 1)
	if m.FindFunc != nil {
		return m.FindFunc(ctx, accountID)
	}
	return nil, domain.NotFoundf("no account found for accountId: %d", accountID)
}

// Insert implements store.AccountStore.
func (m *AccountStore) Insert(ctx context.Context, rec *store.AccountRecord) error {
	atomic.AddInt64(&m.insertCalls, 1)
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, rec)
	}
	return nil
}

// Save implements store.AccountStore.
func (m *AccountStore) Save(ctx context.Context, rec *store.AccountRecord) error {
	atomic.AddInt64(&m.saveCalls, 1)
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, rec)
	}
	return nil
}

// DeleteByAccountID implements store.AccountStore.
func (m *AccountStore) DeleteByAccountID(ctx context.Context, accountID int) error {
	atomic.AddInt64(&m.deleteCalls, 1)
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, accountID)
	}
	return nil
}

// FindCalls returns the number of FindByAccountID calls (thread-safe).
func (m *AccountStore) FindCalls() int { return int(atomic.LoadInt64(&m.findCalls)) }

// InsertCalls returns the number of Insert calls (thread-safe).
func (m *AccountStore) InsertCalls() int { return int(atomic.LoadInt64(&m.insertCalls)) }

// SaveCalls returns the number of Save calls (thread-safe).
func (m *AccountStore) SaveCalls() int { return int(atomic.LoadInt64(&m.saveCalls)) }

// DeleteCalls returns the number of DeleteByAccountID calls (thread-safe).
func (m *AccountStore) DeleteCalls() int { return int(atomic.LoadInt64(&m.deleteCalls)) }

// ExpenseStore is a mock implementation of store.ExpenseStore for testing.
type ExpenseStore struct {
	FindByAccountFunc   func(ctx context.Context, accountID int) ([]*store.ExpenseRecord, error)
	FindFunc            func(ctx context.Context, key domain.ExpenseKey) (*store.ExpenseRecord, error)
	InsertFunc          func(ctx context.Context, rec *store.ExpenseRecord) error
	SaveFunc            func(ctx context.Context, rec *store.ExpenseRecord) error
	DeleteByAccountFunc func(ctx context.Context, accountID int) (int, error)
	DeleteFunc          func(ctx context.Context, key domain.ExpenseKey) error

	findCalls   int64
	insertCalls int64
	saveCalls   int64
	deleteCalls int64
}

// FindByAccountID implements store.ExpenseStore. Defaults to no expenses.
func (m *ExpenseStore) FindByAccountID(ctx context.Context, accountID int) ([]*store.ExpenseRecord, error) {
	atomic.AddInt64(&m.findCalls, 1)
	if m.FindByAccountFunc != nil {
		return m.FindByAccountFunc(ctx, accountID)
	}
	return nil, nil
}

// Find implements store.ExpenseStore. Defaults to NotFound.
func (m *ExpenseStore) Find(ctx context.Context, key domain.ExpenseKey) (*store.ExpenseRecord, error) {
	atomic.AddInt64(&m.findCalls, 1)
	if m.FindFunc != nil {
		return m.FindFunc(ctx, key)
	}
	return nil, domain.NotFoundf("no expense found for %s", key)
}

// Insert implements store.ExpenseStore.
func (m *ExpenseStore) Insert(ctx context.Context, rec *store.ExpenseRecord) error {
	atomic.AddInt64(&m.insertCalls, 1)
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, rec)
	}
	return nil
}

// Save implements store.ExpenseStore.
func (m *ExpenseStore) Save(ctx context.Context, rec *store.ExpenseRecord) error {
	atomic.AddInt64(&m.saveCalls, 1)
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, rec)
	}
	return nil
}

// DeleteByAccountID implements store.ExpenseStore.
func (m *ExpenseStore) DeleteByAccountID(ctx context.Context, accountID int) (int, error) {
	atomic.AddInt64(&m.deleteCalls, 1)
	if m.DeleteByAccountFunc != nil {
		return m.DeleteByAccountFunc(ctx, accountID)
	}
	return 0, nil
}

// Delete implements store.ExpenseStore.
func (m *ExpenseStore) Delete(ctx context.Context, key domain.ExpenseKey) error {
	atomic.AddInt64(&m.deleteCalls, 1)
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, key)
	}
	return nil
}

// FindCalls returns the number of Find and FindByAccountID calls (thread-safe).
func (m *ExpenseStore) FindCalls() int { return int(atomic.LoadInt64(&m.findCalls)) }

// InsertCalls returns the number of Insert calls (thread-safe).
func (m *ExpenseStore) InsertCalls() int { return int(atomic.LoadInt64(&m.insertCalls)) }

// SaveCalls returns the number of Save calls (thread-safe).
func (m *ExpenseStore) SaveCalls() int { return int(atomic.LoadInt64(&m.saveCalls)) }

// DeleteCalls returns the number of Delete and DeleteByAccountID calls (thread-safe).
func (m *ExpenseStore) DeleteCalls() int { return int(atomic.LoadInt64(&m.deleteCalls)) }

var (
	_ store.AccountStore = (*AccountStore)(nil)
	_ store.ExpenseStore = (*ExpenseStore)(nil)
)
