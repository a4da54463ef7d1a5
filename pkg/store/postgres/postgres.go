// Package postgres provides the account and expense stores on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"findash/pkg/domain"
	"findash/pkg/store"

	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint violation.
const uniqueViolation = "23505"

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns default PostgreSQL configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "postgres",
		Database:        "findash",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DSN returns the lib/pq connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Open connects to PostgreSQL with a connection pool and pings it.
func Open(cfg Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id UUID PRIMARY KEY,
			version INTEGER NOT NULL DEFAULT 0,
			account_id INTEGER NOT NULL UNIQUE,
			name TEXT NOT NULL,
			origin_address TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS expenses (
			id UUID PRIMARY KEY,
			version INTEGER NOT NULL DEFAULT 0,
			account_id INTEGER NOT NULL,
			expense_id INTEGER NOT NULL,
			transaction_time TIMESTAMP WITH TIME ZONE NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			category_name TEXT NOT NULL DEFAULT '',
			category_favourite BOOLEAN NOT NULL DEFAULT FALSE,
			description TEXT NOT NULL DEFAULT '',
			payment_mode TEXT NOT NULL,
			notes TEXT,
			origin_address TEXT NOT NULL DEFAULT '',
			UNIQUE (account_id, expense_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_expenses_account_id ON expenses(account_id)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// translate maps driver errors onto the domain taxonomy.
func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s (%s)", domain.ErrDuplicateKey, what, pqErr.Constraint)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// AccountStore is a store.AccountStore on the accounts table.
type AccountStore struct {
	db *sql.DB
}

// NewAccountStore creates an account store on db.
func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

// FindByAccountID returns the account record or domain.ErrNotFound.
func (s *AccountStore) FindByAccountID(ctx context.Context, accountID int) (*store.AccountRecord, error) {
	query := `
		SELECT id, version, account_id, name, origin_address
		FROM accounts WHERE account_id = $1
	`

	var rec store.AccountRecord
	err := s.db.QueryRowContext(ctx, query, accountID).Scan(
		&rec.ID, &rec.Version, &rec.Account.AccountID, &rec.Account.Name, &rec.Account.OriginAddress,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("no account found for accountId: %d", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &rec, nil
}

// Insert stores rec at version 0.
func (s *AccountStore) Insert(ctx context.Context, rec *store.AccountRecord) error {
	query := `
		INSERT INTO accounts (id, version, account_id, name, origin_address)
		VALUES ($1, 0, $2, $3, $4)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Account.AccountID, rec.Account.Name, rec.Account.OriginAddress,
	)
	if err != nil {
		return translate(err, fmt.Sprintf("insert account %d", rec.Account.AccountID))
	}
	rec.Version = 0
	return nil
}

// Save overwrites the record when rec.Version is current.
func (s *AccountStore) Save(ctx context.Context, rec *store.AccountRecord) error {
	query := `
		UPDATE accounts
		SET version = version + 1, account_id = $3, name = $4, origin_address = $5
		WHERE id = $1 AND version = $2
	`

	res, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Version, rec.Account.AccountID, rec.Account.Name, rec.Account.OriginAddress,
	)
	if err != nil {
		return translate(err, fmt.Sprintf("save account %s", rec.ID))
	}
	if err := checkUpdated(res, "account", rec.ID, rec.Version); err != nil {
		return err
	}
	rec.Version++
	return nil
}

// DeleteByAccountID removes the account if present.
func (s *AccountStore) DeleteByAccountID(ctx context.Context, accountID int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("delete account %d: %w", accountID, err)
	}
	return nil
}

// AccountIDs returns every stored account id in ascending order.
func (s *AccountStore) AccountIDs(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id FROM accounts ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("list account ids: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExpenseStore is a store.ExpenseStore on the expenses table.
type ExpenseStore struct {
	db *sql.DB
}

// NewExpenseStore creates an expense store on db.
func NewExpenseStore(db *sql.DB) *ExpenseStore {
	return &ExpenseStore{db: db}
}

const expenseColumns = `id, version, account_id, expense_id, transaction_time, amount,
	category_name, category_favourite, description, payment_mode, notes, origin_address`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExpense(row rowScanner) (*store.ExpenseRecord, error) {
	var rec store.ExpenseRecord
	var notes sql.NullString
	e := &rec.Expense
	err := row.Scan(
		&rec.ID, &rec.Version, &e.AccountID, &e.ExpenseID, &e.TransactionTime, &e.Amount,
		&e.Category.Name, &e.Category.Favourite, &e.Description, &e.PaymentMode, &notes, &e.OriginAddress,
	)
	if err != nil {
		return nil, err
	}
	if notes.Valid {
		e.Notes = &notes.String
	}
	return &rec, nil
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// FindByAccountID returns the expenses of accountID ordered by expense id.
func (s *ExpenseStore) FindByAccountID(ctx context.Context, accountID int) ([]*store.ExpenseRecord, error) {
	query := `SELECT ` + expenseColumns + `
		FROM expenses WHERE account_id = $1
		ORDER BY expense_id
	`

	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("query expenses: %w", err)
	}
	defer rows.Close()

	var recs []*store.ExpenseRecord
	for rows.Next() {
		rec, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query expenses: %w", err)
	}
	return recs, nil
}

// Find returns one expense or domain.ErrNotFound.
func (s *ExpenseStore) Find(ctx context.Context, key domain.ExpenseKey) (*store.ExpenseRecord, error) {
	query := `SELECT ` + expenseColumns + `
		FROM expenses WHERE account_id = $1 AND expense_id = $2
	`

	rec, err := scanExpense(s.db.QueryRowContext(ctx, query, key.AccountID, key.ExpenseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("no expense found for %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("query expense: %w", err)
	}
	return rec, nil
}

// Insert stores rec at version 0.
func (s *ExpenseStore) Insert(ctx context.Context, rec *store.ExpenseRecord) error {
	query := `
		INSERT INTO expenses (` + expenseColumns + `)
		VALUES ($1, 0, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	e := rec.Expense
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, e.AccountID, e.ExpenseID, e.TransactionTime, e.Amount,
		e.Category.Name, e.Category.Favourite, e.Description, string(e.PaymentMode), nullable(e.Notes), e.OriginAddress,
	)
	if err != nil {
		return translate(err, fmt.Sprintf("insert expense %s", e.Key()))
	}
	rec.Version = 0
	return nil
}

// Save overwrites the record when rec.Version is current.
func (s *ExpenseStore) Save(ctx context.Context, rec *store.ExpenseRecord) error {
	query := `
		UPDATE expenses
		SET version = version + 1, account_id = $3, expense_id = $4, transaction_time = $5,
			amount = $6, category_name = $7, category_favourite = $8, description = $9,
			payment_mode = $10, notes = $11, origin_address = $12
		WHERE id = $1 AND version = $2
	`

	e := rec.Expense
	res, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Version, e.AccountID, e.ExpenseID, e.TransactionTime,
		e.Amount, e.Category.Name, e.Category.Favourite, e.Description,
		string(e.PaymentMode), nullable(e.Notes), e.OriginAddress,
	)
	if err != nil {
		return translate(err, fmt.Sprintf("save expense %s", rec.ID))
	}
	if err := checkUpdated(res, "expense", rec.ID, rec.Version); err != nil {
		return err
	}
	rec.Version++
	return nil
}

// DeleteByAccountID removes every expense of accountID.
func (s *ExpenseStore) DeleteByAccountID(ctx context.Context, accountID int) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM expenses WHERE account_id = $1`, accountID)
	if err != nil {
		return 0, fmt.Errorf("delete expenses of %d: %w", accountID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expenses of %d: %w", accountID, err)
	}
	return int(n), nil
}

// Delete removes one expense if present.
func (s *ExpenseStore) Delete(ctx context.Context, key domain.ExpenseKey) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM expenses WHERE account_id = $1 AND expense_id = $2`,
		key.AccountID, key.ExpenseID,
	)
	if err != nil {
		return fmt.Errorf("delete expense %s: %w", key, err)
	}
	return nil
}

// checkUpdated turns a versioned update that touched no row into an optimistic lock
// failure. A missing id looks the same as a stale version to the database.
func checkUpdated(res sql.Result, entity, id string, version int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save %s %s: %w", entity, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s is not at version %d", domain.ErrOptimisticLock, entity, id, version)
	}
	return nil
}

var (
	_ store.AccountStore = (*AccountStore)(nil)
	_ store.ExpenseStore = (*ExpenseStore)(nil)
)
