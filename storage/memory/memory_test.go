package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ledgerline/billsync/pkg/billsync"
)

func TestStore_AccountLifecycle(t *testing.T) {
	ctx := context.Background()
	store := New()

	err := store.CreateAccount(ctx, &billsync.Account{
		UserID: "user_1",
		Email:  "owner@example.com",
		Plan:   billsync.PlanFree,
	})
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	account, err := store.GetAccount(ctx, "user_1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if account.Plan != billsync.PlanFree {
		t.Errorf("plan: got %s, want free", account.Plan)
	}
	if account.Version != 1 {
		t.Errorf("version: got %d, want 1", account.Version)
	}

	plan := billsync.PlanProfessional
	customerID := "cus_123"
	if err := store.UpdateAccount(ctx, "user_1", billsync.AccountUpdate{
		Plan:               &plan,
		ProviderCustomerID: &customerID,
	}); err != nil {
		t.Fatalf("UpdateAccount failed: %v", err)
	}

	account, err = store.GetAccount(ctx, "user_1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if account.Plan != billsync.PlanProfessional {
		t.Errorf("plan: got %s, want professional", account.Plan)
	}
	if account.Version != 2 {
		t.Errorf("version: got %d, want 2", account.Version)
	}

	byCustomer, err := store.GetAccountByCustomerID(ctx, "cus_123")
	if err != nil {
		t.Fatalf("GetAccountByCustomerID failed: %v", err)
	}
	if byCustomer.UserID != "user_1" {
		t.Errorf("customer lookup: got %s, want user_1", byCustomer.UserID)
	}

	if _, err := store.GetAccount(ctx, "missing"); !errors.Is(err, billsync.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestStore_UpdateAccount_VersionConflict(t *testing.T) {
	ctx := context.Background()
	store := New()

	if err := store.CreateAccount(ctx, &billsync.Account{UserID: "user_1"}); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	plan := billsync.PlanProfessional
	stale := int64(99)
	err := store.UpdateAccount(ctx, "user_1", billsync.AccountUpdate{
		Plan:          &plan,
		ExpectVersion: &stale,
	})
	if !errors.Is(err, billsync.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// The failed write must not change anything.
	account, err := store.GetAccount(ctx, "user_1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if account.Plan == billsync.PlanProfessional {
		t.Error("conflicting write must not apply")
	}

	current := account.Version
	if err := store.UpdateAccount(ctx, "user_1", billsync.AccountUpdate{
		Plan:          &plan,
		ExpectVersion: &current,
	}); err != nil {
		t.Fatalf("matching-version update failed: %v", err)
	}
}

func TestStore_UpdateAccount_TrialUsedIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := New()

	if err := store.CreateAccount(ctx, &billsync.Account{UserID: "user_1"}); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	used := true
	if err := store.UpdateAccount(ctx, "user_1", billsync.AccountUpdate{TrialUsed: &used}); err != nil {
		t.Fatalf("UpdateAccount failed: %v", err)
	}

	reset := false
	if err := store.UpdateAccount(ctx, "user_1", billsync.AccountUpdate{TrialUsed: &reset}); err != nil {
		t.Fatalf("UpdateAccount failed: %v", err)
	}

	account, err := store.GetAccount(ctx, "user_1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if !account.TrialUsed {
		t.Error("TrialUsed must survive a reset attempt")
	}
}

func TestStore_UpdateAccount_ClearSubscription(t *testing.T) {
	ctx := context.Background()
	store := New()

	end := time.Now().UTC().Add(30 * 24 * time.Hour)
	if err := store.CreateAccount(ctx, &billsync.Account{
		UserID:                 "user_1",
		Plan:                   billsync.PlanProfessional,
		ProviderSubscriptionID: "sub_123",
		CancelAtPeriodEnd:      true,
		PeriodEnd:              &end,
	}); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	plan := billsync.PlanFree
	if err := store.UpdateAccount(ctx, "user_1", billsync.AccountUpdate{
		Plan:              &plan,
		ClearSubscription: true,
	}); err != nil {
		t.Fatalf("UpdateAccount failed: %v", err)
	}

	account, err := store.GetAccount(ctx, "user_1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if account.ProviderSubscriptionID != "" {
		t.Errorf("subscription id not cleared: %q", account.ProviderSubscriptionID)
	}
	if account.CancelAtPeriodEnd {
		t.Error("cancelAtPeriodEnd not cleared")
	}
	if account.PeriodEnd != nil {
		t.Error("periodEnd not cleared")
	}
	if account.Plan != billsync.PlanFree {
		t.Errorf("plan: got %s, want free", account.Plan)
	}
}

func TestStore_CustomerIndexFollowsUpdates(t *testing.T) {
	ctx := context.Background()
	store := New()

	if err := store.CreateAccount(ctx, &billsync.Account{
		UserID:             "user_1",
		ProviderCustomerID: "cus_old",
	}); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	newID := "cus_new"
	if err := store.UpdateAccount(ctx, "user_1", billsync.AccountUpdate{
		ProviderCustomerID: &newID,
	}); err != nil {
		t.Fatalf("UpdateAccount failed: %v", err)
	}

	if _, err := store.GetAccountByCustomerID(ctx, "cus_old"); !errors.Is(err, billsync.ErrAccountNotFound) {
		t.Errorf("stale customer id still resolves: %v", err)
	}
	if _, err := store.GetAccountByCustomerID(ctx, "cus_new"); err != nil {
		t.Errorf("new customer id does not resolve: %v", err)
	}
}

func TestStore_CreditLedger(t *testing.T) {
	ctx := context.Background()
	store := New()

	balance, err := store.GetBalance(ctx, "biz_1", billsync.CreditInvoices)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 0 {
		t.Errorf("fresh balance: got %d, want 0", balance)
	}

	if _, err := store.Increment(ctx, "biz_1", billsync.CreditInvoices, 0); !errors.Is(err, billsync.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero increment, got %v", err)
	}

	balance, err = store.Increment(ctx, "biz_1", billsync.CreditInvoices, 2)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if balance != 2 {
		t.Errorf("balance after topup: got %d, want 2", balance)
	}

	balance, err = store.DecrementIfPositive(ctx, "biz_1", billsync.CreditInvoices)
	if err != nil {
		t.Fatalf("DecrementIfPositive failed: %v", err)
	}
	if balance != 1 {
		t.Errorf("balance after decrement: got %d, want 1", balance)
	}

	if _, err := store.DecrementIfPositive(ctx, "biz_1", billsync.CreditInvoices); err != nil {
		t.Fatalf("DecrementIfPositive failed: %v", err)
	}
	if _, err := store.DecrementIfPositive(ctx, "biz_1", billsync.CreditInvoices); !errors.Is(err, billsync.ErrInsufficientCredits) {
		t.Errorf("expected ErrInsufficientCredits at zero, got %v", err)
	}
}

func TestStore_DecrementIfPositive_Race(t *testing.T) {
	ctx := context.Background()
	store := New()

	if _, err := store.Increment(ctx, "biz_1", billsync.CreditInvoices, 1); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}

	const attempts = 50
	wins := make(chan struct{}, attempts)

	var g errgroup.Group
	for i := 0; i < attempts; i++ {
		g.Go(func() error {
			_, err := store.DecrementIfPositive(ctx, "biz_1", billsync.CreditInvoices)
			if err == nil {
				wins <- struct{}{}
				return nil
			}
			if errors.Is(err, billsync.ErrInsufficientCredits) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent decrement failed: %v", err)
	}
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Errorf("exactly one decrement must win, got %d", won)
	}

	balance, err := store.GetBalance(ctx, "biz_1", billsync.CreditInvoices)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 0 {
		t.Errorf("balance: got %d, want 0", balance)
	}
}

func TestStore_CountInWindow(t *testing.T) {
	ctx := context.Background()
	store := New()

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	store.RecordItem("biz_1", billsync.CreditInvoices, from)                    // inclusive lower bound
	store.RecordItem("biz_1", billsync.CreditInvoices, from.Add(12*time.Hour))  // inside
	store.RecordItem("biz_1", billsync.CreditInvoices, to)                      // exclusive upper bound
	store.RecordItem("biz_1", billsync.CreditInvoices, from.Add(-time.Second))  // before window
	store.RecordItem("biz_1", billsync.CreditExpenses, from.Add(time.Hour))     // other kind
	store.RecordItem("biz_other", billsync.CreditInvoices, from.Add(time.Hour)) // other sub-account

	count, err := store.CountInWindow(ctx, "biz_1", billsync.CreditInvoices, from, to)
	if err != nil {
		t.Fatalf("CountInWindow failed: %v", err)
	}
	if count != 2 {
		t.Errorf("count: got %d, want 2", count)
	}
}
