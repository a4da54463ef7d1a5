// Package command defines the Create/Delete commands the dashboard publishes and the
// backends consume, their wire envelope, and the channel that carries them.
package command

import (
	"time"

	"findash/pkg/domain"

	"github.com/google/uuid"
)

// Type is the kind of a command.
type Type string

const (
	Create Type = "CREATE"
	Delete Type = "DELETE"
)

// Topics the commands are published to.
const (
	AccountsTopic = "accounts"
	ExpensesTopic = "expenses"
)

// AccountCommand creates or deletes one account.
// A Create carries the account; a Delete carries only the key.
type AccountCommand struct {
	ID        string
	Type      Type
	Key       int
	Account   *domain.Account
	CreatedAt time.Time
}

// ExpenseCommand creates or deletes expenses of one account.
// A Create carries the expense. A Delete with a nil ExpenseID removes every expense
// of the account; otherwise it removes the single expense (Key, *ExpenseID).
type ExpenseCommand struct {
	ID        string
	Type      Type
	Key       int
	Expense   *domain.Expense
	ExpenseID *int
	CreatedAt time.Time
}

// NewAccountCreate builds the command that creates account.
func NewAccountCreate(account domain.Account) AccountCommand {
	account.OriginAddress = ""
	account.Fallback = false
	return AccountCommand{
		ID:        uuid.NewString(),
		Type:      Create,
		Key:       account.AccountID,
		Account:   &account,
		CreatedAt: time.Now().UTC(),
	}
}

// NewAccountDelete builds the command that deletes an account.
func NewAccountDelete(accountID int) AccountCommand {
	return AccountCommand{
		ID:        uuid.NewString(),
		Type:      Delete,
		Key:       accountID,
		CreatedAt: time.Now().UTC(),
	}
}

// NewExpenseCreate builds the command that creates expense.
func NewExpenseCreate(expense domain.Expense) ExpenseCommand {
	expense.OriginAddress = ""
	return ExpenseCommand{
		ID:        uuid.NewString(),
		Type:      Create,
		Key:       expense.AccountID,
		Expense:   &expense,
		CreatedAt: time.Now().UTC(),
	}
}

// NewExpensesDelete builds the command that deletes every expense of an account.
func NewExpensesDelete(accountID int) ExpenseCommand {
	return ExpenseCommand{
		ID:        uuid.NewString(),
		Type:      Delete,
		Key:       accountID,
		CreatedAt: time.Now().UTC(),
	}
}

// NewExpenseDelete builds the command that deletes one expense.
func NewExpenseDelete(accountID, expenseID int) ExpenseCommand {
	return ExpenseCommand{
		ID:        uuid.NewString(),
		Type:      Delete,
		Key:       accountID,
		ExpenseID: &expenseID,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks that the command is well-formed.
func (c AccountCommand) Validate() error {
	switch c.Type {
	case Create:
		if c.Account == nil {
			return domain.InvalidInputf("account create without payload")
		}
		if c.Account.AccountID != c.Key {
			return domain.InvalidInputf("account create key %d does not match accountId %d", c.Key, c.Account.AccountID)
		}
	case Delete:
	default:
		return domain.InvalidInputf("unknown command type %q", c.Type)
	}
	return domain.ValidateAccountID(c.Key)
}

// Validate checks that the command is well-formed.
func (c ExpenseCommand) Validate() error {
	switch c.Type {
	case Create:
		if c.Expense == nil {
			return domain.InvalidInputf("expense create without payload")
		}
		if c.Expense.AccountID != c.Key {
			return domain.InvalidInputf("expense create key %d does not match accountId %d", c.Key, c.Expense.AccountID)
		}
	case Delete:
	default:
		return domain.InvalidInputf("unknown command type %q", c.Type)
	}
	return domain.ValidateAccountID(c.Key)
}
