package billsync

import (
	"context"
	"time"
)

// AccountStore defines the persistence contract for billing accounts.
// All methods use concrete types from this package to avoid import cycles.
type AccountStore interface {
	// GetAccount retrieves an account by internal user id.
	// Returns ErrAccountNotFound if no account exists.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// GetAccountByCustomerID retrieves an account by provider customer id.
	// Returns ErrAccountNotFound if no account carries that id.
	GetAccountByCustomerID(ctx context.Context, customerID string) (*Account, error)

	// CreateAccount stores a new account. The initial state at signup is
	// plan=free, trialUsed=false, version 1.
	CreateAccount(ctx context.Context, account *Account) error

	// UpdateAccount applies a partial update. When update.ExpectVersion is
	// set the write is conditional and ErrVersionConflict is returned on a
	// mismatch; the account version increments on every successful write.
	//
	// TrialUsed is monotonic: a store must ignore attempts to reset it.
	UpdateAccount(ctx context.Context, userID string, update AccountUpdate) error
}

// CreditLedger defines atomic prepaid-credit operations scoped to a
// sub-account (e.g. a business unit) and credit kind.
type CreditLedger interface {
	// GetBalance returns the current credit balance. A sub-account with no
	// ledger entry has balance 0 (not an error).
	GetBalance(ctx context.Context, subAccountID string, kind CreditKind) (int, error)

	// DecrementIfPositive atomically decrements the balance by one, but only
	// if it is currently positive. Returns the new balance, or
	// ErrInsufficientCredits when the balance was already zero. Two
	// concurrent calls against a balance of 1 must see exactly one succeed.
	DecrementIfPositive(ctx context.Context, subAccountID string, kind CreditKind) (int, error)

	// Increment atomically adds amount credits and returns the new balance.
	Increment(ctx context.Context, subAccountID string, kind CreditKind, amount int) (int, error)
}

// UsageSource counts already-created items for monthly quota checks.
// The count is live (a read per check) so it never drifts from reality.
type UsageSource interface {
	// CountInWindow returns how many items of the given kind the sub-account
	// created within [from, to).
	CountInWindow(ctx context.Context, subAccountID string, kind CreditKind, from, to time.Time) (int, error)
}
