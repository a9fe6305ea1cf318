package stripe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerline/billsync/pkg/billing"
	"github.com/ledgerline/billsync/pkg/billsync"
)

func TestResolvePrice_StaticConfigWins(t *testing.T) {
	fake := newFakeAPI()
	provider, _, _ := newTestProvider(fake)

	priceID, err := provider.resolvePrice(context.Background(), billsync.PlanProfessional, billsync.PeriodMonthly)
	if err != nil {
		t.Fatalf("resolvePrice failed: %v", err)
	}
	if priceID != "price_pro_month" {
		t.Errorf("expected the configured price id, got %q", priceID)
	}
	if fake.createdProducts != 0 || fake.priceListCalls != 0 {
		t.Error("a configured price must not touch the catalog")
	}
}

func TestResolvePrice_CreatesCatalogOnce(t *testing.T) {
	fake := newFakeAPI()
	provider, _, _ := newTestProvider(fake)
	provider.config.Prices = nil

	priceID, err := provider.resolvePrice(context.Background(), billsync.PlanProfessional, billsync.PeriodMonthly)
	if err != nil {
		t.Fatalf("resolvePrice failed: %v", err)
	}
	if priceID == "" {
		t.Fatal("expected a created price id")
	}
	if fake.createdProducts != 1 {
		t.Errorf("expected 1 product created, got %d", fake.createdProducts)
	}
	if fake.createdPrices != 1 {
		t.Errorf("expected 1 price created, got %d", fake.createdPrices)
	}
	product, _ := fake.ProductByName(context.Background(), "Professional")
	if product == nil {
		t.Fatal("expected product named after the plan")
	}
	price := fake.prices[product.ID][0]
	if price.UnitAmount != 1500 || string(price.Currency) != "usd" || string(price.Recurring.Interval) != "month" {
		t.Errorf("unexpected price: amount=%d currency=%s interval=%s",
			price.UnitAmount, price.Currency, price.Recurring.Interval)
	}

	// Second resolution hits the cache, not the catalog.
	again, err := provider.resolvePrice(context.Background(), billsync.PlanProfessional, billsync.PeriodMonthly)
	if err != nil {
		t.Fatalf("second resolvePrice failed: %v", err)
	}
	if again != priceID {
		t.Errorf("expected cached id %q, got %q", priceID, again)
	}
	if fake.priceListCalls != 1 {
		t.Errorf("expected no second catalog search, list calls %d", fake.priceListCalls)
	}
}

func TestResolvePrice_ReusesMatchingPrice(t *testing.T) {
	fake := newFakeAPI()
	fake.products["Professional"] = &stripe.Product{ID: "prod_1", Name: "Professional"}
	fake.prices["prod_1"] = []*stripe.Price{
		{
			ID:         "price_wrong_amount",
			UnitAmount: 990,
			Currency:   "usd",
			Recurring:  &stripe.PriceRecurring{Interval: "month"},
		},
		{
			ID:         "price_existing",
			UnitAmount: 1500,
			Currency:   "usd",
			Recurring:  &stripe.PriceRecurring{Interval: "month"},
		},
	}
	provider, _, _ := newTestProvider(fake)
	provider.config.Prices = nil

	priceID, err := provider.resolvePrice(context.Background(), billsync.PlanProfessional, billsync.PeriodMonthly)
	if err != nil {
		t.Fatalf("resolvePrice failed: %v", err)
	}
	if priceID != "price_existing" {
		t.Errorf("expected the matching existing price, got %q", priceID)
	}
	if fake.createdPrices != 0 {
		t.Errorf("expected no price created, got %d", fake.createdPrices)
	}
}

func TestResolvePrice_NoAmountConfigured(t *testing.T) {
	provider, _, _ := newTestProvider(newFakeAPI())
	provider.config.Prices = nil

	if _, err := provider.resolvePrice(context.Background(), billsync.PlanEnterprise, billsync.PeriodMonthly); err == nil {
		t.Error("expected an error for a plan with neither price nor amount configured")
	}
}

func TestResolvePrice_ConcurrentCreatesSinglePrice(t *testing.T) {
	fake := newFakeAPI()
	provider, _, _ := newTestProvider(fake)
	provider.config.Prices = nil

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := provider.resolvePrice(context.Background(), billsync.PlanProfessional, billsync.PeriodYearly)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent resolvePrice failed: %v", err)
	}
	if fake.createdPrices != 1 {
		t.Errorf("expected exactly one price created under contention, got %d", fake.createdPrices)
	}
}

func TestEnsureCustomer(t *testing.T) {
	t.Run("stored id resolves", func(t *testing.T) {
		fake := newFakeAPI()
		fake.customersByID["cus_1"] = &stripe.Customer{ID: "cus_1", Email: "owner@example.com"}
		provider, _, _ := newTestProvider(fake)

		customer, err := provider.ensureCustomer(context.Background(), &billsync.Account{
			UserID:             "user_1",
			Email:              "owner@example.com",
			ProviderCustomerID: "cus_1",
		})
		if err != nil {
			t.Fatalf("ensureCustomer failed: %v", err)
		}
		if customer.ID != "cus_1" {
			t.Errorf("expected stored customer, got %q", customer.ID)
		}
		if len(fake.createdCustomers) != 0 {
			t.Error("expected no customer created")
		}
	})

	t.Run("stale id falls back to email", func(t *testing.T) {
		fake := newFakeAPI()
		fake.customersByEmail["owner@example.com"] = &stripe.Customer{ID: "cus_2", Email: "owner@example.com"}
		provider, _, _ := newTestProvider(fake)

		customer, err := provider.ensureCustomer(context.Background(), &billsync.Account{
			UserID:             "user_1",
			Email:              "owner@example.com",
			ProviderCustomerID: "cus_gone",
		})
		if err != nil {
			t.Fatalf("ensureCustomer failed: %v", err)
		}
		if customer.ID != "cus_2" {
			t.Errorf("expected email match, got %q", customer.ID)
		}
	})

	t.Run("creates when unknown", func(t *testing.T) {
		fake := newFakeAPI()
		provider, _, _ := newTestProvider(fake)

		customer, err := provider.ensureCustomer(context.Background(), &billsync.Account{
			UserID: "user_1",
			Email:  "owner@example.com",
		})
		if err != nil {
			t.Fatalf("ensureCustomer failed: %v", err)
		}
		if customer.ID == "" {
			t.Error("expected a created customer")
		}
		if len(fake.createdCustomers) != 1 {
			t.Fatalf("expected 1 create call, got %d", len(fake.createdCustomers))
		}
		if got := fake.createdCustomers[0].Metadata[metadataUserID]; got != "user_1" {
			t.Errorf("expected user_id metadata on the customer, got %q", got)
		}
	})

	t.Run("no email", func(t *testing.T) {
		provider, _, _ := newTestProvider(newFakeAPI())

		if _, err := provider.ensureCustomer(context.Background(), &billsync.Account{UserID: "user_1"}); !errors.Is(err, billing.ErrMissingBillingEmail) {
			t.Errorf("expected ErrMissingBillingEmail, got %v", err)
		}
	})
}

func TestNewProvider_Validation(t *testing.T) {
	if _, err := NewProvider(Config{}); !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Errorf("expected ErrProviderNotConfigured without stores, got %v", err)
	}
}

func TestSyncAccount_DowngradesWhenSubscriptionGone(t *testing.T) {
	fake := newFakeAPI()
	provider, store, _ := newTestProvider(fake)
	mustCreateAccount(t, store, &billsync.Account{
		UserID:                 "user_1",
		Email:                  "owner@example.com",
		Plan:                   billsync.PlanProfessional,
		ProviderSubscriptionID: "sub_missing",
	})

	plan, err := provider.SyncAccount(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("SyncAccount failed: %v", err)
	}
	if plan != billsync.PlanFree {
		t.Errorf("expected free after missing subscription, got %q", plan)
	}
	account, _ := store.GetAccount(context.Background(), "user_1")
	if account.Plan != billsync.PlanFree || account.ProviderSubscriptionID != "" {
		t.Errorf("expected local downgrade and cleared pointer, got plan=%q sub=%q",
			account.Plan, account.ProviderSubscriptionID)
	}
}

func TestSyncAccount_MirrorsProviderState(t *testing.T) {
	fake := newFakeAPI()
	fake.subscriptions["sub_1"] = &stripe.Subscription{
		ID:                "sub_1",
		Status:            stripe.SubscriptionStatusActive,
		CancelAtPeriodEnd: true,
		Metadata:          map[string]string{metadataPlan: "enterprise"},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{ID: "si_1", CurrentPeriodEnd: 1790000000}},
		},
	}
	provider, store, _ := newTestProvider(fake)
	mustCreateAccount(t, store, &billsync.Account{
		UserID:                 "user_1",
		Email:                  "owner@example.com",
		Plan:                   billsync.PlanProfessional,
		ProviderSubscriptionID: "sub_1",
	})

	plan, err := provider.SyncAccount(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("SyncAccount failed: %v", err)
	}
	if plan != billsync.PlanEnterprise {
		t.Errorf("expected enterprise, got %q", plan)
	}
	account, _ := store.GetAccount(context.Background(), "user_1")
	if account.Plan != billsync.PlanEnterprise || !account.CancelAtPeriodEnd || account.PeriodEnd == nil {
		t.Errorf("expected provider state mirrored, got %+v", account)
	}
}

// captureBillingMetrics records outbound API telemetry for assertions.
type captureBillingMetrics struct {
	billing.NoopMetrics
	apiCallDurations []string
}

func (m *captureBillingMetrics) RecordAPICallDuration(_, endpoint string, _ time.Duration) {
	m.apiCallDurations = append(m.apiCallDurations, endpoint)
}

func TestSyncAccount_PastDueReportsFree(t *testing.T) {
	fake := newFakeAPI()
	fake.subscriptions["sub_1"] = &stripe.Subscription{
		ID:       "sub_1",
		Status:   stripe.SubscriptionStatusPastDue,
		Metadata: map[string]string{metadataPlan: "professional"},
	}
	provider, store, _ := newTestProvider(fake)
	metrics := &captureBillingMetrics{}
	provider.metrics = metrics
	mustCreateAccount(t, store, &billsync.Account{
		UserID:                 "user_1",
		Email:                  "owner@example.com",
		Plan:                   billsync.PlanProfessional,
		ProviderSubscriptionID: "sub_1",
	})

	// A webhook update with past_due leaves the plan alone; a deliberate sync
	// reports and applies the currently entitled plan.
	plan, err := provider.SyncAccount(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("SyncAccount failed: %v", err)
	}
	if plan != billsync.PlanFree {
		t.Errorf("expected free for a past_due subscription, got %q", plan)
	}
	account, _ := store.GetAccount(context.Background(), "user_1")
	if account.Plan != billsync.PlanFree {
		t.Errorf("expected local plan reset, got %q", account.Plan)
	}
	if account.ProviderSubscriptionID != "sub_1" {
		t.Error("a past_due subscription may still recover; the pointer must survive")
	}

	found := false
	for _, endpoint := range metrics.apiCallDurations {
		if endpoint == "subscriptions.retrieve" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a subscriptions.retrieve duration sample, got %v", metrics.apiCallDurations)
	}
}
