// Package memory provides in-process entity stores. Records are copied on the way in
// and out so callers never share state with the store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"findash/pkg/domain"
	"findash/pkg/store"
)

// AccountStore is an in-memory store.AccountStore.
type AccountStore struct {
	// mu protects byID and byAccount
	mu        sync.RWMutex
	byID      map[string]*store.AccountRecord
	byAccount map[int]string
}

// NewAccountStore creates an empty account store.
func NewAccountStore() *AccountStore {
	return &AccountStore{
		byID:      make(map[string]*store.AccountRecord),
		byAccount: make(map[int]string),
	}
}

// FindByAccountID returns a copy of the record for accountID.
func (s *AccountStore) FindByAccountID(ctx context.Context, accountID int) (*store.AccountRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAccount[accountID]
	if !ok {
		return nil, domain.NotFoundf("no account found for accountId: %d", accountID)
	}
	rec := *s.byID[id]
	return &rec, nil
}

// Insert stores rec at version 0.
func (s *AccountStore) Insert(ctx context.Context, rec *store.AccountRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byAccount[rec.Account.AccountID]; ok {
		return fmt.Errorf("%w: accountId %d", domain.ErrDuplicateKey, rec.Account.AccountID)
	}
	if _, ok := s.byID[rec.ID]; ok {
		return fmt.Errorf("%w: id %s", domain.ErrDuplicateKey, rec.ID)
	}

	rec.Version = 0
	stored := *rec
	s.byID[rec.ID] = &stored
	s.byAccount[rec.Account.AccountID] = rec.ID
	return nil
}

// Save overwrites the record with the same id when rec.Version is current. A removed
// record fails like a stale one.
func (s *AccountStore) Save(ctx context.Context, rec *store.AccountRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[rec.ID]
	if !ok {
		return fmt.Errorf("%w: account %s no longer exists", domain.ErrOptimisticLock, rec.ID)
	}
	if current.Version != rec.Version {
		return fmt.Errorf("%w: account %s has version %d, got %d",
			domain.ErrOptimisticLock, rec.ID, current.Version, rec.Version)
	}
	if rec.Account.AccountID != current.Account.AccountID {
		if _, taken := s.byAccount[rec.Account.AccountID]; taken {
			return fmt.Errorf("%w: accountId %d", domain.ErrDuplicateKey, rec.Account.AccountID)
		}
		delete(s.byAccount, current.Account.AccountID)
		s.byAccount[rec.Account.AccountID] = rec.ID
	}

	rec.Version++
	stored := *rec
	s.byID[rec.ID] = &stored
	return nil
}

// DeleteByAccountID removes the account if present.
func (s *AccountStore) DeleteByAccountID(ctx context.Context, accountID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byAccount[accountID]; ok {
		delete(s.byID, id)
		delete(s.byAccount, accountID)
	}
	return nil
}

// AccountIDs returns every stored account id in ascending order.
func (s *AccountStore) AccountIDs(ctx context.Context) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int, 0, len(s.byAccount))
	for id := range s.byAccount {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// Len returns the number of stored accounts.
func (s *AccountStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// ExpenseStore is an in-memory store.ExpenseStore.
type ExpenseStore struct {
	mu    sync.RWMutex
	byID  map[string]*store.ExpenseRecord
	byKey map[domain.ExpenseKey]string
}

// NewExpenseStore creates an empty expense store.
func NewExpenseStore() *ExpenseStore {
	return &ExpenseStore{
		byID:  make(map[string]*store.ExpenseRecord),
		byKey: make(map[domain.ExpenseKey]string),
	}
}

// FindByAccountID returns copies of the expenses of accountID ordered by expense id.
func (s *ExpenseStore) FindByAccountID(ctx context.Context, accountID int) ([]*store.ExpenseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []*store.ExpenseRecord
	for key, id := range s.byKey {
		if key.AccountID == accountID {
			rec := *s.byID[id]
			recs = append(recs, &rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Expense.ExpenseID < recs[j].Expense.ExpenseID
	})
	return recs, nil
}

// Find returns a copy of one expense.
func (s *ExpenseStore) Find(ctx context.Context, key domain.ExpenseKey) (*store.ExpenseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, domain.NotFoundf("no expense found for %s", key)
	}
	rec := *s.byID[id]
	return &rec, nil
}

// Insert stores rec at version 0.
func (s *ExpenseStore) Insert(ctx context.Context, rec *store.ExpenseRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Expense.Key()
	if _, ok := s.byKey[key]; ok {
		return fmt.Errorf("%w: expense %s", domain.ErrDuplicateKey, key)
	}
	if _, ok := s.byID[rec.ID]; ok {
		return fmt.Errorf("%w: id %s", domain.ErrDuplicateKey, rec.ID)
	}

	rec.Version = 0
	stored := *rec
	s.byID[rec.ID] = &stored
	s.byKey[key] = rec.ID
	return nil
}

// Save overwrites the record with the same id when rec.Version is current. A removed
// record fails like a stale one.
func (s *ExpenseStore) Save(ctx context.Context, rec *store.ExpenseRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[rec.ID]
	if !ok {
		return fmt.Errorf("%w: expense %s no longer exists", domain.ErrOptimisticLock, rec.ID)
	}
	if current.Version != rec.Version {
		return fmt.Errorf("%w: expense %s has version %d, got %d",
			domain.ErrOptimisticLock, rec.ID, current.Version, rec.Version)
	}
	oldKey, newKey := current.Expense.Key(), rec.Expense.Key()
	if oldKey != newKey {
		if _, taken := s.byKey[newKey]; taken {
			return fmt.Errorf("%w: expense %s", domain.ErrDuplicateKey, newKey)
		}
		delete(s.byKey, oldKey)
		s.byKey[newKey] = rec.ID
	}

	rec.Version++
	stored := *rec
	s.byID[rec.ID] = &stored
	return nil
}

// DeleteByAccountID removes every expense of accountID.
func (s *ExpenseStore) DeleteByAccountID(ctx context.Context, accountID int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, id := range s.byKey {
		if key.AccountID == accountID {
			delete(s.byID, id)
			delete(s.byKey, key)
			n++
		}
	}
	return n, nil
}

// Delete removes one expense if present.
func (s *ExpenseStore) Delete(ctx context.Context, key domain.ExpenseKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[key]; ok {
		delete(s.byID, id)
		delete(s.byKey, key)
	}
	return nil
}

// Len returns the number of stored expenses.
func (s *ExpenseStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

var (
	_ store.AccountStore = (*AccountStore)(nil)
	_ store.ExpenseStore = (*ExpenseStore)(nil)
)
