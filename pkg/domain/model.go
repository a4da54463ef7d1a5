// Package domain holds the personal-finance entities, the dashboard view and the
// error taxonomy every other package speaks.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Account is the account entity as exchanged between services.
type Account struct {
	AccountID     int    `json:"accountId"`
	Name          string `json:"name"`
	OriginAddress string `json:"serviceAddress,omitempty"`

	// Fallback marks a placeholder produced by the backend client's fallback
	// instead of a real answer. Never serialized.
	Fallback bool `json:"-"`
}

// Category classifies an expense.
type Category struct {
	Name      string `json:"name"`
	Favourite bool   `json:"favourite"`
}

// PaymentMode enumerates how an expense was paid.
type PaymentMode string

const (
	PaymentCash       PaymentMode = "CASH"
	PaymentCard       PaymentMode = "CARD"
	PaymentUPI        PaymentMode = "UPI"
	PaymentNetBanking PaymentMode = "NET_BANKING"
	PaymentWallet     PaymentMode = "WALLET"
)

// Valid reports whether m is a known payment mode. The empty mode is not valid;
// callers default it to CASH before validating.
func (m PaymentMode) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentUPI, PaymentNetBanking, PaymentWallet:
		return true
	}
	return false
}

// UnmarshalJSON accepts payment modes case-insensitively.
func (m *PaymentMode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*m = PaymentMode(strings.ToUpper(strings.TrimSpace(s)))
	return nil
}

// Expense is the expense entity as exchanged between services.
// Its logical key is (AccountID, ExpenseID).
type Expense struct {
	AccountID       int         `json:"accountId"`
	ExpenseID       int         `json:"expenseId"`
	TransactionTime time.Time   `json:"transactionDateTime"`
	Amount          float64     `json:"amount"`
	Category        Category    `json:"category"`
	Description     string      `json:"description"`
	PaymentMode     PaymentMode `json:"paymentMode"`
	Notes           *string     `json:"notes,omitempty"`
	OriginAddress   string      `json:"serviceAddress,omitempty"`
}

// ExpenseKey is the logical key of an expense.
type ExpenseKey struct {
	AccountID int
	ExpenseID int
}

// Key returns the logical key of e.
func (e Expense) Key() ExpenseKey {
	return ExpenseKey{AccountID: e.AccountID, ExpenseID: e.ExpenseID}
}

func (k ExpenseKey) String() string {
	return fmt.Sprintf("%d/%d", k.AccountID, k.ExpenseID)
}

// ValidateAccountID rejects non-positive account ids.
func ValidateAccountID(accountID int) error {
	if accountID < 1 {
		return InvalidInputf("invalid accountId: %d", accountID)
	}
	return nil
}
