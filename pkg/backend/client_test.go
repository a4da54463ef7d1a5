package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"findash/pkg/domain"
	"findash/pkg/metrics/memory"
	"findash/pkg/resilience"
)

// fakeBackend serves both account and expense endpoints with a configurable status.
type fakeBackend struct {
	status        atomic.Int32
	accountCalls  atomic.Int32
	expenseCalls  atomic.Int32
	expenseGate   chan struct{}
	lastAccountRQ atomic.Value
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	fb := &fakeBackend{}
	fb.status.Store(http.StatusOK)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/account/"):
			fb.accountCalls.Add(1)
			fb.lastAccountRQ.Store(r.URL.RawQuery)
			status := int(fb.status.Load())
			if status != http.StatusOK {
				w.WriteHeader(status)
				json.NewEncoder(w).Encode(domain.ErrorInfo{Status: status, Message: "backend says no"})
				return
			}
			json.NewEncoder(w).Encode(domain.Account{AccountID: 1, Name: "Savings", OriginAddress: "account/10.0.0.1:7001"})
		case r.URL.Path == "/expense":
			fb.expenseCalls.Add(1)
			if fb.expenseGate != nil {
				<-fb.expenseGate
			}
			if r.URL.Query().Get("accountId") != "1" {
				json.NewEncoder(w).Encode([]domain.Expense{})
				return
			}
			json.NewEncoder(w).Encode([]domain.Expense{
				{AccountID: 1, ExpenseID: 1, Amount: 12.5, PaymentMode: domain.PaymentCard, OriginAddress: "expense/10.0.0.2:7002"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return fb, srv
}

func testConfig(url string) Config {
	policy := resilience.DefaultPolicy().
		WithTimeout(time.Second).
		WithBackoff(time.Millisecond, time.Millisecond)
	policy.CircuitBreaker.ReadyToTrip = func(counts resilience.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}

	cfg := DefaultConfig()
	cfg.AccountURL = url
	cfg.ExpenseURL = url + "/"
	cfg.AccountPolicy = policy
	cfg.ExpensePolicy = policy.WithMaxAttempts(1)
	cfg.ServiceAddress = "dashboard/10.0.0.3:8080"
	cfg.HTTPClient = &http.Client{}
	return cfg
}

func TestClient_GetAccount(t *testing.T) {
	fb, srv := newFakeBackend(t)
	client := NewClient(testConfig(srv.URL), resilience.NewRegistry())
	defer client.Close()

	account, err := client.GetAccount(context.Background(), 1, 2, 30)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if account.Name != "Savings" || account.OriginAddress != "account/10.0.0.1:7001" {
		t.Errorf("Unexpected account %+v", account)
	}
	if account.Fallback {
		t.Error("Expected a real answer")
	}
	if q := fb.lastAccountRQ.Load(); q != "delay=2&faultPercent=30" {
		t.Errorf("Expected fault injection parameters to be passed, got %v", q)
	}
}

func TestClient_GetAccount_StatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		calls    int32
		expected func(error) bool
	}{
		{"not found", http.StatusNotFound, 1, domain.IsNotFound},
		{"invalid input", http.StatusUnprocessableEntity, 1, domain.IsInvalidInput},
		{"server error retried", http.StatusInternalServerError, 3, domain.IsUnavailable},
		{"bad request unexpected", http.StatusBadRequest, 1, func(err error) bool {
			return strings.Contains(err.Error(), domain.ErrUnexpected.Error())
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb, srv := newFakeBackend(t)
			fb.status.Store(int32(tt.status))
			client := NewClient(testConfig(srv.URL), resilience.NewRegistry())
			defer client.Close()

			_, err := client.GetAccount(context.Background(), 1, 0, 0)
			if err == nil || !tt.expected(err) {
				t.Errorf("Unexpected error %v", err)
			}
			if got := fb.accountCalls.Load(); got != tt.calls {
				t.Errorf("Expected %d calls, got %d", tt.calls, got)
			}
		})
	}
}

func TestClient_GetAccount_NotFoundMessage(t *testing.T) {
	fb, srv := newFakeBackend(t)
	fb.status.Store(http.StatusNotFound)
	client := NewClient(testConfig(srv.URL), resilience.NewRegistry())
	defer client.Close()

	_, err := client.GetAccount(context.Background(), 1, 0, 0)
	if !strings.Contains(err.Error(), "backend says no") {
		t.Errorf("Expected backend message in error, got %v", err)
	}
}

func TestClient_GetAccount_FallbackWhenOpen(t *testing.T) {
	fb, srv := newFakeBackend(t)
	fb.status.Store(http.StatusInternalServerError)

	mc := memory.NewMemoryCollector()
	cfg := testConfig(srv.URL)
	cfg.Metrics = mc
	client := NewClient(cfg, resilience.NewRegistry())
	defer client.Close()

	// Three failed attempts trip the breaker; nothing is left to retry with.
	_, err := client.GetAccount(context.Background(), 7, 0, 0)
	if !domain.IsUnavailable(err) {
		t.Fatalf("Expected unavailable, got %v", err)
	}
	calls := fb.accountCalls.Load()

	account, err := client.GetAccount(context.Background(), 7, 0, 0)
	if err != nil {
		t.Fatalf("Expected fallback, got %v", err)
	}
	if !account.Fallback || account.Name != "Fallback account 7" {
		t.Errorf("Expected fallback account, got %+v", account)
	}
	if account.OriginAddress != "dashboard/10.0.0.3:8080" {
		t.Errorf("Expected own address as origin, got %q", account.OriginAddress)
	}
	if fb.accountCalls.Load() != calls {
		t.Error("Expected open breaker to keep calls away from the backend")
	}
	if dm := mc.Dependency(AccountDependency); dm == nil || dm.Fallbacks != 1 {
		t.Errorf("Expected 1 fallback recorded, got %+v", dm)
	}
}

func TestClient_GetAccount_FallbackKnownMissing(t *testing.T) {
	fb, srv := newFakeBackend(t)
	fb.status.Store(http.StatusInternalServerError)
	client := NewClient(testConfig(srv.URL), resilience.NewRegistry())
	defer client.Close()

	client.GetAccount(context.Background(), 13, 0, 0)

	_, err := client.GetAccount(context.Background(), 13, 0, 0)
	if !domain.IsNotFound(err) {
		t.Errorf("Expected not found for known-missing id, got %v", err)
	}
}

func TestClient_GetAccount_FallbackLearnsNotFound(t *testing.T) {
	fb, srv := newFakeBackend(t)
	fb.status.Store(http.StatusNotFound)
	client := NewClient(testConfig(srv.URL), resilience.NewRegistry())
	defer client.Close()

	if _, err := client.GetAccount(context.Background(), 42, 0, 0); !domain.IsNotFound(err) {
		t.Fatalf("Expected not found, got %v", err)
	}

	fb.status.Store(http.StatusInternalServerError)
	client.GetAccount(context.Background(), 42, 0, 0)

	_, err := client.GetAccount(context.Background(), 42, 0, 0)
	if !domain.IsNotFound(err) {
		t.Errorf("Expected fallback to remember the not-found answer, got %v", err)
	}
}

func TestClient_GetExpenses(t *testing.T) {
	_, srv := newFakeBackend(t)
	client := NewClient(testConfig(srv.URL), resilience.NewRegistry())
	defer client.Close()

	expenses, err := client.GetExpenses(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetExpenses failed: %v", err)
	}
	if len(expenses) != 1 || expenses[0].PaymentMode != domain.PaymentCard {
		t.Errorf("Unexpected expenses %+v", expenses)
	}

	expenses, err = client.GetExpenses(context.Background(), 2)
	if err != nil {
		t.Fatalf("GetExpenses failed: %v", err)
	}
	if len(expenses) != 0 {
		t.Errorf("Expected no expenses, got %d", len(expenses))
	}
}

func TestClient_GetExpenses_CoalescesConcurrentReads(t *testing.T) {
	fb, srv := newFakeBackend(t)
	fb.expenseGate = make(chan struct{})
	client := NewClient(testConfig(srv.URL), resilience.NewRegistry())
	defer client.Close()

	const readers = 5
	var wg sync.WaitGroup
	errs := make(chan error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.GetExpenses(context.Background(), 1)
			errs <- err
		}()
	}

	// Let every reader join the in-flight request before it completes.
	time.Sleep(50 * time.Millisecond)
	close(fb.expenseGate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("GetExpenses failed: %v", err)
		}
	}
	if got := fb.expenseCalls.Load(); got != 1 {
		t.Errorf("Expected 1 backend call, got %d", got)
	}
}

func TestClient_GetExpenses_SharedReadSurvivesCancelledCaller(t *testing.T) {
	fb, srv := newFakeBackend(t)
	fb.expenseGate = make(chan struct{})
	client := NewClient(testConfig(srv.URL), resilience.NewRegistry())
	defer client.Close()

	first, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := client.GetExpenses(first, 1)
		firstErr <- err
	}()
	for fb.expenseCalls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	type result struct {
		expenses []domain.Expense
		err      error
	}
	second := make(chan result, 1)
	go func() {
		expenses, err := client.GetExpenses(context.Background(), 1)
		second <- result{expenses, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected cancelled caller to see context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Cancelled caller kept waiting for the shared read")
	}

	close(fb.expenseGate)
	got := <-second
	if got.err != nil {
		t.Fatalf("Expected the other caller to succeed, got %v", got.err)
	}
	if len(got.expenses) != 1 {
		t.Errorf("Expected 1 expense, got %d", len(got.expenses))
	}
	if calls := fb.expenseCalls.Load(); calls != 1 {
		t.Errorf("Expected 1 backend call, got %d", calls)
	}
}

func TestClient_GetExpenses_Unreachable(t *testing.T) {
	_, srv := newFakeBackend(t)
	cfg := testConfig(srv.URL)
	srv.Close()

	client := NewClient(cfg, resilience.NewRegistry())
	defer client.Close()

	if _, err := client.GetExpenses(context.Background(), 1); !domain.IsUnavailable(err) {
		t.Errorf("Expected unavailable, got %v", err)
	}
}
