// Package service holds the account and expense backends the dashboard reads from.
// Each one answers reads over HTTP and applies commands through its consumer.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"findash/pkg/domain"
	"findash/pkg/logging"
	"findash/pkg/store"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// ErrInjectedFault is the failure answered when fault injection fires.
var ErrInjectedFault = errors.New("injected fault")

// MaxDelay bounds the delay a caller may ask for.
const MaxDelay = 60 * time.Second

// Address returns "hostname/ip:port", the origin attached to every answer.
func Address(port int) string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	ip := "127.0.0.1"
	if addrs, err := net.LookupHost(host); err == nil && len(addrs) > 0 {
		ip = addrs[0]
	}
	return fmt.Sprintf("%s/%s:%d", host, ip, port)
}

// AccountHandler answers account reads.
type AccountHandler struct {
	accounts store.AccountStore
	address  string
	logger   *logging.Logger

	// roll returns a number in [1, 100]; replaced in tests.
	roll func() int
}

// NewAccountHandler creates a handler reading from accounts and reporting address
// as the origin.
func NewAccountHandler(accounts store.AccountStore, address string, logger *logging.Logger) *AccountHandler {
	return &AccountHandler{
		accounts: accounts,
		address:  address,
		logger:   logger.OrGlobal().Named("account-service"),
		roll:     func() int { return rand.IntN(100) + 1 },
	}
}

// Routes registers the account routes on r.
func (h *AccountHandler) Routes(r *mux.Router) {
	r.HandleFunc("/account/{accountId}", h.GetAccount).Methods(http.MethodGet)
}

// GetAccount answers GET /account/{accountId}?delay=&faultPercent=.
// delay sleeps that many seconds before answering; faultPercent fails that share of
// requests with a 500.
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.Atoi(mux.Vars(r)["accountId"])
	if err != nil {
		writeError(w, r, domain.InvalidInputf("invalid accountId: %s", mux.Vars(r)["accountId"]))
		return
	}
	delay, _ := strconv.Atoi(r.URL.Query().Get("delay"))
	faultPercent, _ := strconv.Atoi(r.URL.Query().Get("faultPercent"))

	h.logger.Debug("get account",
		zap.Int("account_id", accountID),
		zap.Int("delay", delay),
		zap.Int("fault_percent", faultPercent),
	)

	if err := domain.ValidateAccountID(accountID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := sleep(r.Context(), delay); err != nil {
		return
	}
	if err := h.injectFault(faultPercent); err != nil {
		h.logger.Info("fault injected", zap.Int("account_id", accountID), zap.Int("fault_percent", faultPercent))
		writeError(w, r, err)
		return
	}

	rec, err := h.accounts.FindByAccountID(r.Context(), accountID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	account := rec.Account
	account.OriginAddress = h.address
	writeJSON(w, http.StatusOK, account)
}

func (h *AccountHandler) injectFault(faultPercent int) error {
	if faultPercent <= 0 {
		return nil
	}
	if faultPercent > 100 {
		return domain.InvalidInputf("invalid faultPercent: %d", faultPercent)
	}
	if h.roll() <= faultPercent {
		return ErrInjectedFault
	}
	return nil
}

// ExpenseHandler answers expense reads.
type ExpenseHandler struct {
	expenses store.ExpenseStore
	address  string
	logger   *logging.Logger
}

// NewExpenseHandler creates a handler reading from expenses.
func NewExpenseHandler(expenses store.ExpenseStore, address string, logger *logging.Logger) *ExpenseHandler {
	return &ExpenseHandler{
		expenses: expenses,
		address:  address,
		logger:   logger.OrGlobal().Named("expense-service"),
	}
}

// Routes registers the expense routes on r.
func (h *ExpenseHandler) Routes(r *mux.Router) {
	r.HandleFunc("/expense", h.ListExpenses).Methods(http.MethodGet)
}

// ListExpenses answers GET /expense?accountId=. An account without expenses is an
// empty list, not an error.
func (h *ExpenseHandler) ListExpenses(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.Atoi(r.URL.Query().Get("accountId"))
	if err != nil {
		writeError(w, r, domain.InvalidInputf("invalid accountId: %s", r.URL.Query().Get("accountId")))
		return
	}
	if err := domain.ValidateAccountID(accountID); err != nil {
		writeError(w, r, err)
		return
	}

	recs, err := h.expenses.FindByAccountID(r.Context(), accountID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	expenses := make([]domain.Expense, 0, len(recs))
	for _, rec := range recs {
		e := rec.Expense
		e.OriginAddress = h.address
		expenses = append(expenses, e)
	}

	h.logger.Debug("list expenses", zap.Int("account_id", accountID), zap.Int("count", len(expenses)))
	writeJSON(w, http.StatusOK, expenses)
}

func sleep(ctx context.Context, seconds int) error {
	if seconds <= 0 {
		return nil
	}
	d := MaxDelay
	if seconds < int(MaxDelay/time.Second) {
		d = time.Duration(seconds) * time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	info := domain.NewErrorInfo(r.URL.Path, err)
	writeJSON(w, info.Status, info)
}
