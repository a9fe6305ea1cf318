// Package memory provides in-memory implementations of the billsync store
// interfaces. This implementation is primarily intended for testing and
// development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ledgerline/billsync/pkg/billsync"
)

// Store implements billsync.AccountStore, billsync.CreditLedger and
// billsync.UsageSource using mutex-guarded maps.
type Store struct {
	mu         sync.RWMutex
	accounts   map[string]*billsync.Account // by user id
	byCustomer map[string]string            // provider customer id -> user id
	credits    map[string]int               // subAccountID:kind -> balance
	items      map[string][]time.Time       // subAccountID:kind -> creation times
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		accounts:   make(map[string]*billsync.Account),
		byCustomer: make(map[string]string),
		credits:    make(map[string]int),
		items:      make(map[string][]time.Time),
	}
}

// GetAccount implements billsync.AccountStore.
func (s *Store) GetAccount(ctx context.Context, userID string) (*billsync.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[userID]
	if !ok {
		return nil, billsync.ErrAccountNotFound
	}

	// Return a copy to prevent external mutations.
	cp := *account
	return &cp, nil
}

// GetAccountByCustomerID implements billsync.AccountStore.
func (s *Store) GetAccountByCustomerID(ctx context.Context, customerID string) (*billsync.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.byCustomer[customerID]
	if !ok {
		return nil, billsync.ErrAccountNotFound
	}
	account, ok := s.accounts[userID]
	if !ok {
		return nil, billsync.ErrAccountNotFound
	}

	cp := *account
	return &cp, nil
}

// CreateAccount implements billsync.AccountStore.
func (s *Store) CreateAccount(ctx context.Context, account *billsync.Account) error {
	if account == nil || account.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.UserID]; exists {
		return fmt.Errorf("account %s already exists", account.UserID)
	}

	cp := *account
	if cp.Version == 0 {
		cp.Version = 1
	}
	cp.UpdatedAt = time.Now().UTC()
	s.accounts[cp.UserID] = &cp
	if cp.ProviderCustomerID != "" {
		s.byCustomer[cp.ProviderCustomerID] = cp.UserID
	}
	return nil
}

// UpdateAccount implements billsync.AccountStore.
func (s *Store) UpdateAccount(ctx context.Context, userID string, update billsync.AccountUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return billsync.ErrAccountNotFound
	}

	if update.ExpectVersion != nil && account.Version != *update.ExpectVersion {
		return billsync.ErrVersionConflict
	}

	if update.Plan != nil {
		account.Plan = *update.Plan
	}
	// TrialUsed is monotonic: ignore resets.
	if update.TrialUsed != nil && *update.TrialUsed {
		account.TrialUsed = true
	}
	if update.ProviderCustomerID != nil {
		if account.ProviderCustomerID != "" {
			delete(s.byCustomer, account.ProviderCustomerID)
		}
		account.ProviderCustomerID = *update.ProviderCustomerID
		if account.ProviderCustomerID != "" {
			s.byCustomer[account.ProviderCustomerID] = userID
		}
	}
	if update.ProviderSubscriptionID != nil {
		account.ProviderSubscriptionID = *update.ProviderSubscriptionID
	}
	if update.CancelAtPeriodEnd != nil {
		account.CancelAtPeriodEnd = *update.CancelAtPeriodEnd
	}
	if update.PeriodEnd != nil {
		end := *update.PeriodEnd
		account.PeriodEnd = &end
	}
	if update.ClearSubscription {
		account.ProviderSubscriptionID = ""
		account.CancelAtPeriodEnd = false
		account.PeriodEnd = nil
	}

	account.Version++
	account.UpdatedAt = time.Now().UTC()
	return nil
}

// GetBalance implements billsync.CreditLedger.
func (s *Store) GetBalance(ctx context.Context, subAccountID string, kind billsync.CreditKind) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.credits[creditKey(subAccountID, kind)], nil
}

// DecrementIfPositive implements billsync.CreditLedger.
func (s *Store) DecrementIfPositive(ctx context.Context, subAccountID string, kind billsync.CreditKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := creditKey(subAccountID, kind)
	balance := s.credits[key]
	if balance <= 0 {
		return 0, billsync.ErrInsufficientCredits
	}
	s.credits[key] = balance - 1
	return balance - 1, nil
}

// Increment implements billsync.CreditLedger.
func (s *Store) Increment(ctx context.Context, subAccountID string, kind billsync.CreditKind, amount int) (int, error) {
	if amount <= 0 {
		return 0, billsync.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := creditKey(subAccountID, kind)
	s.credits[key] += amount
	return s.credits[key], nil
}

// CountInWindow implements billsync.UsageSource.
func (s *Store) CountInWindow(ctx context.Context, subAccountID string, kind billsync.CreditKind, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, created := range s.items[creditKey(subAccountID, kind)] {
		if !created.Before(from) && created.Before(to) {
			count++
		}
	}
	return count, nil
}

// RecordItem registers a created item for usage counting. In production the
// count comes from the application's own tables; this exists so tests and
// examples can drive the live-count path.
func (s *Store) RecordItem(subAccountID string, kind billsync.CreditKind, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := creditKey(subAccountID, kind)
	s.items[key] = append(s.items[key], createdAt.UTC())
}

// Clear removes all data (useful for testing).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = make(map[string]*billsync.Account)
	s.byCustomer = make(map[string]string)
	s.credits = make(map[string]int)
	s.items = make(map[string][]time.Time)
}

func creditKey(subAccountID string, kind billsync.CreditKind) string {
	return fmt.Sprintf("%s:%s", subAccountID, kind)
}
