package domain

import "time"

// AccountSummary is the account part of the dashboard view.
type AccountSummary struct {
	AccountID int    `json:"accountId" validate:"gt=0"`
	Name      string `json:"name" validate:"required"`
}

// ExpenseSummary is one expense line of the dashboard view.
type ExpenseSummary struct {
	ExpenseID       int         `json:"expenseId" validate:"gte=0"`
	TransactionTime time.Time   `json:"transactionDateTime"`
	Amount          float64     `json:"amount"`
	Category        Category    `json:"category"`
	Description     string      `json:"description"`
	PaymentMode     PaymentMode `json:"paymentMode" validate:"paymentmode"`
	Notes           *string     `json:"notes,omitempty"`
}

// ServiceAddresses records which backend instances answered a dashboard read.
type ServiceAddresses struct {
	Account string `json:"account"`
	Expense string `json:"expense"`
}

// DashboardAggregate is the composite read view. It is built once per request
// by NewDashboardAggregate and never mutated afterwards.
type DashboardAggregate struct {
	Account          AccountSummary    `json:"account" validate:"required"`
	Expenses         []ExpenseSummary  `json:"expenses" validate:"dive"`
	ServiceAddresses *ServiceAddresses `json:"serviceAddresses,omitempty"`

	// Degraded is set when the account part came from a fallback.
	Degraded bool `json:"degraded,omitempty"`
}

// NewDashboardAggregate assembles the view from an account and its expenses.
// A nil expense slice yields an empty, non-nil expense list.
func NewDashboardAggregate(account Account, expenses []Expense) DashboardAggregate {
	summaries := make([]ExpenseSummary, 0, len(expenses))
	for _, e := range expenses {
		summaries = append(summaries, SummarizeExpense(e))
	}

	expenseAddress := ""
	if len(expenses) > 0 {
		expenseAddress = expenses[0].OriginAddress
	}

	return DashboardAggregate{
		Account: AccountSummary{
			AccountID: account.AccountID,
			Name:      account.Name,
		},
		Expenses: summaries,
		ServiceAddresses: &ServiceAddresses{
			Account: account.OriginAddress,
			Expense: expenseAddress,
		},
		Degraded: account.Fallback,
	}
}

// SummarizeExpense maps an expense onto its dashboard line.
func SummarizeExpense(e Expense) ExpenseSummary {
	return ExpenseSummary{
		ExpenseID:       e.ExpenseID,
		TransactionTime: e.TransactionTime,
		Amount:          e.Amount,
		Category:        e.Category,
		Description:     e.Description,
		PaymentMode:     e.PaymentMode,
		Notes:           e.Notes,
	}
}

// ExpenseFromSummary builds the expense entity a summary describes for accountID.
// Origin addresses are never carried on writes.
func ExpenseFromSummary(accountID int, s ExpenseSummary) Expense {
	mode := s.PaymentMode
	if mode == "" {
		mode = PaymentCash
	}
	return Expense{
		AccountID:       accountID,
		ExpenseID:       s.ExpenseID,
		TransactionTime: s.TransactionTime,
		Amount:          s.Amount,
		Category:        s.Category,
		Description:     s.Description,
		PaymentMode:     mode,
		Notes:           normalizeNotes(s.Notes),
	}
}

func normalizeNotes(notes *string) *string {
	if notes == nil || *notes == "" {
		return nil
	}
	n := *notes
	return &n
}
