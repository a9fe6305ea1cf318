// Package firestore provides a Firestore implementation of the billsync
// store interfaces. Conditional writes (versioned account updates, positive
// balance credit decrements) run inside Firestore transactions.
package firestore

import (
	"context"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ledgerline/billsync/pkg/billsync"
)

// Store implements billsync.AccountStore, billsync.CreditLedger and
// billsync.UsageSource using Google Cloud Firestore.
type Store struct {
	client             *firestore.Client
	accountsCollection string
	creditsCollection  string
	usageCollection    string
}

// Config holds Firestore store configuration.
type Config struct {
	// AccountsCollection is the Firestore collection for billing accounts.
	// Default: "billing_accounts"
	AccountsCollection string

	// CreditsCollection is the Firestore collection for credit balances.
	// Default: "billing_credits"
	CreditsCollection string

	// UsageCollection is the Firestore collection for usage items.
	// Default: "billing_usage_items"
	UsageCollection string
}

// New creates a new Firestore store adapter.
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.AccountsCollection == "" {
		config.AccountsCollection = "billing_accounts"
	}
	if config.CreditsCollection == "" {
		config.CreditsCollection = "billing_credits"
	}
	if config.UsageCollection == "" {
		config.UsageCollection = "billing_usage_items"
	}

	return &Store{
		client:             client,
		accountsCollection: config.AccountsCollection,
		creditsCollection:  config.CreditsCollection,
		usageCollection:    config.UsageCollection,
	}, nil
}

// GetAccount implements billsync.AccountStore.
func (s *Store) GetAccount(ctx context.Context, userID string) (*billsync.Account, error) {
	snap, err := s.client.Collection(s.accountsCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billsync.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if !snap.Exists() {
		return nil, billsync.ErrAccountNotFound
	}
	return accountFromData(userID, snap.Data()), nil
}

// GetAccountByCustomerID implements billsync.AccountStore.
func (s *Store) GetAccountByCustomerID(ctx context.Context, customerID string) (*billsync.Account, error) {
	iter := s.client.Collection(s.accountsCollection).
		Where("providerCustomerId", "==", customerID).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err != nil {
		// The iterator reports exhaustion as an error; either way there is
		// no matching account.
		return nil, billsync.ErrAccountNotFound
	}
	return accountFromData(snap.Ref.ID, snap.Data()), nil
}

// CreateAccount implements billsync.AccountStore.
func (s *Store) CreateAccount(ctx context.Context, account *billsync.Account) error {
	if account == nil || account.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	doc := s.client.Collection(s.accountsCollection).Doc(account.UserID)
	_, err := doc.Create(ctx, accountData(account, 1))
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// UpdateAccount implements billsync.AccountStore. The read, version check
// and write happen inside one transaction.
func (s *Store) UpdateAccount(ctx context.Context, userID string, update billsync.AccountUpdate) error {
	doc := s.client.Collection(s.accountsCollection).Doc(userID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billsync.ErrAccountNotFound
			}
			return err
		}

		account := accountFromData(userID, snap.Data())
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
			account.ProviderCustomerID = *update.ProviderCustomerID
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

		return tx.Set(doc, accountData(account, account.Version+1))
	})
	if err != nil {
		return err
	}
	return nil
}

// GetBalance implements billsync.CreditLedger.
func (s *Store) GetBalance(ctx context.Context, subAccountID string, kind billsync.CreditKind) (int, error) {
	snap, err := s.creditDoc(subAccountID, kind).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, nil // No ledger entry means balance 0
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return getInt(snap.Data(), "balance"), nil
}

// DecrementIfPositive implements billsync.CreditLedger. The balance check
// and decrement run in one transaction; of two racing decrements against a
// balance of 1 exactly one commits.
func (s *Store) DecrementIfPositive(ctx context.Context, subAccountID string, kind billsync.CreditKind) (int, error) {
	doc := s.creditDoc(subAccountID, kind)
	var newBalance int

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		balance := 0
		if err == nil && snap.Exists() {
			balance = getInt(snap.Data(), "balance")
		}
		if balance <= 0 {
			return billsync.ErrInsufficientCredits
		}

		newBalance = balance - 1
		return tx.Set(doc, map[string]interface{}{
			"balance":   newBalance,
			"updatedAt": time.Now().UTC(),
		}, firestore.MergeAll)
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// Increment implements billsync.CreditLedger.
func (s *Store) Increment(ctx context.Context, subAccountID string, kind billsync.CreditKind, amount int) (int, error) {
	if amount <= 0 {
		return 0, billsync.ErrInvalidAmount
	}

	doc := s.creditDoc(subAccountID, kind)
	var newBalance int

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		balance := 0
		if err == nil && snap.Exists() {
			balance = getInt(snap.Data(), "balance")
		}

		newBalance = balance + amount
		return tx.Set(doc, map[string]interface{}{
			"balance":   newBalance,
			"updatedAt": time.Now().UTC(),
		}, firestore.MergeAll)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment credits: %w", err)
	}
	return newBalance, nil
}

// CountInWindow implements billsync.UsageSource using a server-side
// aggregation so only the count crosses the wire.
func (s *Store) CountInWindow(ctx context.Context, subAccountID string, kind billsync.CreditKind, from, to time.Time) (int, error) {
	query := s.client.Collection(s.usageCollection).
		Where("subAccountId", "==", subAccountID).
		Where("kind", "==", string(kind)).
		Where("createdAt", ">=", from).
		Where("createdAt", "<", to)

	results, err := query.NewAggregationQuery().WithCount("total").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}

	total, ok := results["total"]
	if !ok {
		return 0, fmt.Errorf("count aggregation returned no result")
	}
	value, ok := total.(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("unexpected count aggregation result type %T", total)
	}
	return int(value.GetIntegerValue()), nil
}

// RecordItem registers a created item for usage counting.
func (s *Store) RecordItem(ctx context.Context, subAccountID string, kind billsync.CreditKind, itemID string, createdAt time.Time) error {
	doc := s.client.Collection(s.usageCollection).Doc(itemID)
	_, err := doc.Set(ctx, map[string]interface{}{
		"subAccountId": subAccountID,
		"kind":         string(kind),
		"createdAt":    createdAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to record item: %w", err)
	}
	return nil
}

func (s *Store) creditDoc(subAccountID string, kind billsync.CreditKind) *firestore.DocumentRef {
	docID := fmt.Sprintf("%s_%s", subAccountID, kind)
	return s.client.Collection(s.creditsCollection).Doc(docID)
}

func accountData(account *billsync.Account, version int64) map[string]interface{} {
	data := map[string]interface{}{
		"email":                  account.Email,
		"plan":                   string(account.Plan),
		"trialUsed":              account.TrialUsed,
		"providerCustomerId":     account.ProviderCustomerID,
		"providerSubscriptionId": account.ProviderSubscriptionID,
		"cancelAtPeriodEnd":      account.CancelAtPeriodEnd,
		"version":                version,
		"updatedAt":              time.Now().UTC(),
	}
	if account.PeriodEnd != nil {
		data["periodEnd"] = *account.PeriodEnd
	} else {
		data["periodEnd"] = nil
	}
	return data
}

func accountFromData(userID string, data map[string]interface{}) *billsync.Account {
	account := &billsync.Account{
		UserID:                 userID,
		Email:                  getString(data, "email"),
		Plan:                   billsync.Plan(getString(data, "plan")),
		TrialUsed:              getBool(data, "trialUsed"),
		ProviderCustomerID:     getString(data, "providerCustomerId"),
		ProviderSubscriptionID: getString(data, "providerSubscriptionId"),
		CancelAtPeriodEnd:      getBool(data, "cancelAtPeriodEnd"),
		Version:                int64(getInt(data, "version")),
		UpdatedAt:              getTime(data, "updatedAt"),
	}
	if end, ok := data["periodEnd"].(time.Time); ok && !end.IsZero() {
		account.PeriodEnd = &end
	}
	return account
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
