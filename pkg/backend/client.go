// Package backend calls the account and expense services on behalf of the dashboard.
// Every read goes through a resilience.Executor for its dependency.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"findash/pkg/domain"
	"findash/pkg/logging"
	"findash/pkg/metrics"
	"findash/pkg/resilience"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Dependency names, shared with the breaker registry and metrics.
const (
	AccountDependency = "account"
	ExpenseDependency = "expense"
)

// Config configures the backend client.
type Config struct {
	// AccountURL is the base URL of the account service, e.g. http://account:7001
	AccountURL string

	// ExpenseURL is the base URL of the expense service.
	ExpenseURL string

	// AccountPolicy guards account reads.
	AccountPolicy resilience.Policy

	// ExpensePolicy guards expense reads. Expense reads have no fallback: the
	// dashboard degrades them to an empty list instead.
	ExpensePolicy resilience.Policy

	// ServiceAddress is this process's own address, reported as the origin of
	// fallback answers.
	ServiceAddress string

	// KnownMissing are account ids the fallback always reports as not found.
	KnownMissing []int

	// NegativeTTL is how long a not-found answer keeps an id known missing.
	NegativeTTL time.Duration

	// HTTPClient performs the requests. Defaults to a traced client.
	HTTPClient *http.Client

	// Logger is the parent logger. Defaults to the global logger.
	Logger *logging.Logger

	// Metrics receives call, retry and fallback metrics.
	Metrics metrics.MetricsCollector
}

// DefaultConfig returns a configuration for services on localhost.
func DefaultConfig() Config {
	expensePolicy := resilience.DefaultPolicy()
	expensePolicy.Retry.MaxAttempts = 1
	return Config{
		AccountURL:    "http://localhost:7001",
		ExpenseURL:    "http://localhost:7002",
		AccountPolicy: resilience.DefaultPolicy(),
		ExpensePolicy: expensePolicy,
		KnownMissing:  []int{13},
		NegativeTTL:   time.Minute,
	}
}

// Client reads accounts and expenses from their services.
type Client struct {
	config   Config
	http     *http.Client
	accounts *resilience.Executor
	expenses *resilience.Executor
	missing  *MissingSet
	group    singleflight.Group
	logger   *logging.Logger
}

// NewClient creates a client whose breakers live in registry.
func NewClient(config Config, registry *resilience.Registry) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	m := metrics.OrNoOp(config.Metrics)

	return &Client{
		config:   config,
		http:     httpClient,
		accounts: resilience.NewExecutorWithMetrics(AccountDependency, config.AccountPolicy, registry, m),
		expenses: resilience.NewExecutorWithMetrics(ExpenseDependency, config.ExpensePolicy, registry, m),
		missing:  NewMissingSet(config.KnownMissing, config.NegativeTTL),
		logger:   config.Logger.OrGlobal().Named("backend"),
	}
}

// GetAccount reads one account. delay and faultPercent are passed through to the
// account service for fault-injection testing.
//
// Not found and invalid input answers are returned as-is. When the breaker is open
// the answer is a placeholder marked Fallback, unless the id is known missing.
func (c *Client) GetAccount(ctx context.Context, accountID, delay, faultPercent int) (domain.Account, error) {
	endpoint := fmt.Sprintf("%s/account/%d?delay=%d&faultPercent=%d",
		strings.TrimRight(c.config.AccountURL, "/"), accountID, delay, faultPercent)

	account, err := resilience.Do(ctx, c.accounts, func(ctx context.Context) (domain.Account, error) {
		var account domain.Account
		err := c.get(ctx, endpoint, &account)
		return account, err
	}, c.accountFallback(accountID))

	switch {
	case err == nil && !account.Fallback:
		c.missing.Remove(accountID)
	case domain.IsNotFound(err):
		c.missing.Add(accountID)
	}
	return account, err
}

func (c *Client) accountFallback(accountID int) resilience.Fallback[domain.Account] {
	return func(ctx context.Context, cause error) (domain.Account, error) {
		if c.missing.Contains(accountID) {
			return domain.Account{}, domain.NotFoundf("Account Id: %d not found in fallback cache", accountID)
		}
		c.logger.Warn("returning fallback account",
			zap.Int("account_id", accountID),
			zap.NamedError("cause", cause),
		)
		return domain.Account{
			AccountID:     accountID,
			Name:          fmt.Sprintf("Fallback account %d", accountID),
			OriginAddress: c.config.ServiceAddress,
			Fallback:      true,
		}, nil
	}
}

// GetExpenses lists the expenses of an account. Identical concurrent reads share one
// request. The shared request is not cancelled with any one caller; each caller
// stops waiting when its own ctx is done.
func (c *Client) GetExpenses(ctx context.Context, accountID int) ([]domain.Expense, error) {
	endpoint := fmt.Sprintf("%s/expense?accountId=%d",
		strings.TrimRight(c.config.ExpenseURL, "/"), accountID)

	results := c.group.DoChan(endpoint, func() (interface{}, error) {
		return resilience.Do(context.WithoutCancel(ctx), c.expenses, func(ctx context.Context) ([]domain.Expense, error) {
			var expenses []domain.Expense
			err := c.get(ctx, endpoint, &expenses)
			return expenses, err
		}, nil)
	})

	var res singleflight.Result
	select {
	case res = <-results:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}

	expenses := res.Val.([]domain.Expense)
	if res.Shared {
		// Callers must not share a backing array.
		expenses = append([]domain.Expense(nil), expenses...)
	}
	return expenses, nil
}

// MissingStats reports the known-missing set.
func (c *Client) MissingStats() MissingSetStats {
	return c.missing.Stats()
}

// Close releases background resources.
func (c *Client) Close() error {
	return c.missing.Close()
}

// get performs one GET and maps the answer onto the error taxonomy:
// 404 is not found, 422 is invalid input, 5xx is transient, anything else unexpected.
func (c *Client) get(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %w", domain.ErrUnexpected, err)
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("calling backend", zap.String("url", endpoint))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%w: decode %s: %w", domain.ErrUnexpected, endpoint, err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return domain.NotFoundf("%s", errorMessage(body))
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return domain.InvalidInputf("%s", errorMessage(body))
	case resp.StatusCode >= http.StatusInternalServerError:
		return resilience.Transient(fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, endpoint, errorMessage(body)))
	default:
		c.logger.Warn("unexpected HTTP status",
			zap.Int("status", resp.StatusCode),
			zap.String("url", endpoint),
			zap.ByteString("body", body),
		)
		return fmt.Errorf("%w: HTTP %d from %s", domain.ErrUnexpected, resp.StatusCode, endpoint)
	}
}

// errorMessage extracts the message of an error body, or the raw body.
func errorMessage(body []byte) string {
	var info domain.ErrorInfo
	if err := json.Unmarshal(body, &info); err == nil && info.Message != "" {
		return info.Message
	}
	return strings.TrimSpace(string(body))
}
