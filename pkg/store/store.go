// Package store defines the versioned entity stores the event consumers write to.
//
// A record wraps an entity with an opaque id and a version. Insert writes version 0;
// Save overwrites only when the presented version is current and bumps it by one,
// failing with domain.ErrOptimisticLock otherwise, including when the record has been
// deleted in the meantime. Deletes of absent keys succeed.
package store

import (
	"context"

	"findash/pkg/domain"

	"github.com/google/uuid"
)

// AccountRecord is an account as stored.
type AccountRecord struct {
	ID      string
	Version int
	Account domain.Account
}

// ExpenseRecord is an expense as stored.
type ExpenseRecord struct {
	ID      string
	Version int
	Expense domain.Expense
}

// NewAccountRecord wraps a at version 0 under a fresh id.
func NewAccountRecord(a domain.Account) *AccountRecord {
	return &AccountRecord{ID: uuid.NewString(), Account: a}
}

// NewExpenseRecord wraps e at version 0 under a fresh id.
func NewExpenseRecord(e domain.Expense) *ExpenseRecord {
	return &ExpenseRecord{ID: uuid.NewString(), Expense: e}
}

// AccountStore holds account records, unique by account id.
type AccountStore interface {
	// FindByAccountID returns the record or domain.ErrNotFound.
	FindByAccountID(ctx context.Context, accountID int) (*AccountRecord, error)

	// Insert stores a new record at version 0. An existing account id fails with
	// domain.ErrDuplicateKey and leaves the stored record untouched.
	Insert(ctx context.Context, rec *AccountRecord) error

	// Save overwrites the record if rec.Version is current and increments rec.Version.
	Save(ctx context.Context, rec *AccountRecord) error

	// DeleteByAccountID removes the account. Absent accounts are not an error.
	DeleteByAccountID(ctx context.Context, accountID int) error
}

// AccountLister is implemented by account stores that can enumerate their ids, which
// is what a prefilter needs to warm up.
type AccountLister interface {
	AccountIDs(ctx context.Context) ([]int, error)
}

// ExpenseStore holds expense records, unique by (account id, expense id).
type ExpenseStore interface {
	// FindByAccountID returns the expenses of an account ordered by expense id.
	FindByAccountID(ctx context.Context, accountID int) ([]*ExpenseRecord, error)

	// Find returns one expense or domain.ErrNotFound.
	Find(ctx context.Context, key domain.ExpenseKey) (*ExpenseRecord, error)

	// Insert stores a new record at version 0. An existing logical key fails with
	// domain.ErrDuplicateKey.
	Insert(ctx context.Context, rec *ExpenseRecord) error

	// Save overwrites the record if rec.Version is current and increments rec.Version.
	Save(ctx context.Context, rec *ExpenseRecord) error

	// DeleteByAccountID removes every expense of an account and returns how many.
	DeleteByAccountID(ctx context.Context, accountID int) (int, error)

	// Delete removes one expense. Absent expenses are not an error.
	Delete(ctx context.Context, key domain.ExpenseKey) error
}
