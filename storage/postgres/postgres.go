// Package postgres provides a PostgreSQL implementation of the billsync
// store interfaces. Conditional updates (versioned account writes, positive
// balance credit decrements) are expressed directly in SQL so no in-process
// locking is needed.
//
// Expected schema:
//
//	CREATE TABLE billing_accounts (
//	    user_id                  TEXT PRIMARY KEY,
//	    email                    TEXT NOT NULL DEFAULT '',
//	    plan                     TEXT NOT NULL DEFAULT 'free',
//	    trial_used               BOOLEAN NOT NULL DEFAULT FALSE,
//	    provider_customer_id     TEXT,
//	    provider_subscription_id TEXT,
//	    cancel_at_period_end     BOOLEAN NOT NULL DEFAULT FALSE,
//	    period_end               TIMESTAMPTZ,
//	    version                  BIGINT NOT NULL DEFAULT 1,
//	    updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE UNIQUE INDEX billing_accounts_customer_idx
//	    ON billing_accounts (provider_customer_id)
//	    WHERE provider_customer_id IS NOT NULL;
//
//	CREATE TABLE credit_balances (
//	    sub_account_id TEXT NOT NULL,
//	    kind           TEXT NOT NULL,
//	    balance        INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
//	    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (sub_account_id, kind)
//	);
//
//	CREATE TABLE usage_items (
//	    id             TEXT PRIMARY KEY,
//	    sub_account_id TEXT NOT NULL,
//	    kind           TEXT NOT NULL,
//	    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE INDEX usage_items_window_idx
//	    ON usage_items (sub_account_id, kind, created_at);
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/billsync/pkg/billsync"
)

// Store implements billsync.AccountStore, billsync.CreditLedger and
// billsync.UsageSource using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL store adapter.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetAccount implements billsync.AccountStore.
func (s *Store) GetAccount(ctx context.Context, userID string) (*billsync.Account, error) {
	return s.scanAccount(s.pool.QueryRow(ctx,
		`SELECT user_id, email, plan, trial_used, provider_customer_id,
			provider_subscription_id, cancel_at_period_end, period_end, version, updated_at
			FROM billing_accounts WHERE user_id = $1`,
		userID))
}

// GetAccountByCustomerID implements billsync.AccountStore.
func (s *Store) GetAccountByCustomerID(ctx context.Context, customerID string) (*billsync.Account, error) {
	return s.scanAccount(s.pool.QueryRow(ctx,
		`SELECT user_id, email, plan, trial_used, provider_customer_id,
			provider_subscription_id, cancel_at_period_end, period_end, version, updated_at
			FROM billing_accounts WHERE provider_customer_id = $1`,
		customerID))
}

func (s *Store) scanAccount(row pgx.Row) (*billsync.Account, error) {
	var account billsync.Account
	var customerID, subscriptionID *string
	var periodEnd *time.Time

	err := row.Scan(
		&account.UserID,
		&account.Email,
		&account.Plan,
		&account.TrialUsed,
		&customerID,
		&subscriptionID,
		&account.CancelAtPeriodEnd,
		&periodEnd,
		&account.Version,
		&account.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, billsync.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	if customerID != nil {
		account.ProviderCustomerID = *customerID
	}
	if subscriptionID != nil {
		account.ProviderSubscriptionID = *subscriptionID
	}
	account.PeriodEnd = periodEnd
	return &account, nil
}

// CreateAccount implements billsync.AccountStore.
func (s *Store) CreateAccount(ctx context.Context, account *billsync.Account) error {
	if account == nil || account.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO billing_accounts
			(user_id, email, plan, trial_used, provider_customer_id,
			 provider_subscription_id, cancel_at_period_end, period_end, version, updated_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, 1, $9)`,
		account.UserID, account.Email, string(account.Plan), account.TrialUsed,
		account.ProviderCustomerID, account.ProviderSubscriptionID,
		account.CancelAtPeriodEnd, account.PeriodEnd, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// UpdateAccount implements billsync.AccountStore. The whole update is a
// single conditional UPDATE so concurrent writers cannot interleave between
// the version check and the write.
func (s *Store) UpdateAccount(ctx context.Context, userID string, update billsync.AccountUpdate) error {
	var plan, customerID, subscriptionID *string
	if update.Plan != nil {
		p := string(*update.Plan)
		plan = &p
	}
	if update.ProviderCustomerID != nil {
		customerID = update.ProviderCustomerID
	}
	if update.ProviderSubscriptionID != nil {
		subscriptionID = update.ProviderSubscriptionID
	}

	// trial_used OR'd in rather than assigned: monotonic by construction.
	tag, err := s.pool.Exec(ctx,
		`UPDATE billing_accounts SET
			plan = COALESCE($2, plan),
			trial_used = trial_used OR COALESCE($3, FALSE),
			provider_customer_id = CASE WHEN $4::text IS NULL THEN provider_customer_id ELSE NULLIF($4, '') END,
			provider_subscription_id = CASE
				WHEN $8 THEN NULL
				WHEN $5::text IS NULL THEN provider_subscription_id
				ELSE NULLIF($5, '') END,
			cancel_at_period_end = CASE WHEN $8 THEN FALSE ELSE COALESCE($6, cancel_at_period_end) END,
			period_end = CASE WHEN $8 THEN NULL WHEN $7::timestamptz IS NULL THEN period_end ELSE $7 END,
			version = version + 1,
			updated_at = now()
			WHERE user_id = $1 AND ($9::bigint IS NULL OR version = $9)`,
		userID, plan, update.TrialUsed, customerID, subscriptionID,
		update.CancelAtPeriodEnd, update.PeriodEnd, update.ClearSubscription,
		update.ExpectVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing account from a version conflict.
		var exists bool
		if qerr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM billing_accounts WHERE user_id = $1)`,
			userID).Scan(&exists); qerr != nil {
			return fmt.Errorf("failed to update account: %w", qerr)
		}
		if !exists {
			return billsync.ErrAccountNotFound
		}
		return billsync.ErrVersionConflict
	}
	return nil
}

// GetBalance implements billsync.CreditLedger.
func (s *Store) GetBalance(ctx context.Context, subAccountID string, kind billsync.CreditKind) (int, error) {
	var balance int
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM credit_balances WHERE sub_account_id = $1 AND kind = $2`,
		subAccountID, string(kind)).Scan(&balance)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// DecrementIfPositive implements billsync.CreditLedger. The balance > 0
// predicate rides on the UPDATE itself, so of two racing decrements against
// a balance of 1 exactly one affects a row.
func (s *Store) DecrementIfPositive(ctx context.Context, subAccountID string, kind billsync.CreditKind) (int, error) {
	var balance int
	err := s.pool.QueryRow(ctx,
		`UPDATE credit_balances SET balance = balance - 1, updated_at = now()
			WHERE sub_account_id = $1 AND kind = $2 AND balance > 0
			RETURNING balance`,
		subAccountID, string(kind)).Scan(&balance)
	if err == pgx.ErrNoRows {
		return 0, billsync.ErrInsufficientCredits
	}
	if err != nil {
		return 0, fmt.Errorf("failed to decrement credits: %w", err)
	}
	return balance, nil
}

// Increment implements billsync.CreditLedger.
func (s *Store) Increment(ctx context.Context, subAccountID string, kind billsync.CreditKind, amount int) (int, error) {
	if amount <= 0 {
		return 0, billsync.ErrInvalidAmount
	}

	var balance int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO credit_balances (sub_account_id, kind, balance, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (sub_account_id, kind) DO UPDATE SET
				balance = credit_balances.balance + EXCLUDED.balance,
				updated_at = now()
			RETURNING balance`,
		subAccountID, string(kind), amount).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to increment credits: %w", err)
	}
	return balance, nil
}

// CountInWindow implements billsync.UsageSource with a live COUNT; it never
// drifts from reality at the cost of a read per check.
func (s *Store) CountInWindow(ctx context.Context, subAccountID string, kind billsync.CreditKind, from, to time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM usage_items
			WHERE sub_account_id = $1 AND kind = $2
			AND created_at >= $3 AND created_at < $4`,
		subAccountID, string(kind), from, to).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return count, nil
}

// RecordItem registers a created item for usage counting.
func (s *Store) RecordItem(ctx context.Context, subAccountID string, kind billsync.CreditKind, itemID string, createdAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_items (id, sub_account_id, kind, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING`,
		itemID, subAccountID, string(kind), createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record item: %w", err)
	}
	return nil
}
