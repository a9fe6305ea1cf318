package stripe

import (
	"context"
	"fmt"
	"sync"

	"github.com/stripe/stripe-go/v83"

	"github.com/ledgerline/billsync/pkg/billing"
	"github.com/ledgerline/billsync/pkg/billsync"
	"github.com/ledgerline/billsync/storage/memory"
)

var (
	_ api               = (*fakeAPI)(nil)
	_ billsync.Notifier = (*recordNotifier)(nil)
)

// fakeAPI is an in-memory stand-in for the Stripe API surface.
type fakeAPI struct {
	mu sync.Mutex

	customersByEmail map[string]*stripe.Customer
	customersByID    map[string]*stripe.Customer
	products         map[string]*stripe.Product // by name
	prices           map[string][]*stripe.Price // by product id
	subscriptions    map[string]*stripe.Subscription
	paymentIntents   map[string]*stripe.PaymentIntent

	createSubscriptionResult *stripe.Subscription
	createSubscriptionErr    error
	setupIntentResult        *stripe.SetupIntent

	createdCustomers     []*stripe.CustomerCreateParams
	createdSubscriptions []*stripe.SubscriptionCreateParams
	updatedSubscriptions map[string]*stripe.SubscriptionUpdateParams
	canceledSubs         []string
	createdProducts      int
	createdPrices        int
	priceListCalls       int
	intentStamps         map[string]*stripe.PaymentIntentUpdateParams
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		customersByEmail:     make(map[string]*stripe.Customer),
		customersByID:        make(map[string]*stripe.Customer),
		products:             make(map[string]*stripe.Product),
		prices:               make(map[string][]*stripe.Price),
		subscriptions:        make(map[string]*stripe.Subscription),
		paymentIntents:       make(map[string]*stripe.PaymentIntent),
		updatedSubscriptions: make(map[string]*stripe.SubscriptionUpdateParams),
		intentStamps:         make(map[string]*stripe.PaymentIntentUpdateParams),
	}
}

func (f *fakeAPI) CustomerByEmail(_ context.Context, email string) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.customersByEmail[email], nil
}

func (f *fakeAPI) Customer(_ context.Context, id string) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if customer, ok := f.customersByID[id]; ok {
		return customer, nil
	}
	return nil, fmt.Errorf("no such customer: %s", id)
}

func (f *fakeAPI) CreateCustomer(_ context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdCustomers = append(f.createdCustomers, params)
	customer := &stripe.Customer{ID: fmt.Sprintf("cus_fake_%d", len(f.createdCustomers))}
	if params.Email != nil {
		customer.Email = *params.Email
		f.customersByEmail[*params.Email] = customer
	}
	f.customersByID[customer.ID] = customer
	return customer, nil
}

func (f *fakeAPI) ProductByName(_ context.Context, name string) (*stripe.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.products[name], nil
}

func (f *fakeAPI) CreateProduct(_ context.Context, params *stripe.ProductCreateParams) (*stripe.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdProducts++
	product := &stripe.Product{ID: fmt.Sprintf("prod_fake_%d", f.createdProducts), Name: *params.Name}
	f.products[product.Name] = product
	return product, nil
}

func (f *fakeAPI) PricesForProduct(_ context.Context, productID string) ([]*stripe.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceListCalls++
	return f.prices[productID], nil
}

func (f *fakeAPI) CreatePrice(_ context.Context, params *stripe.PriceCreateParams) (*stripe.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdPrices++
	price := &stripe.Price{
		ID:         fmt.Sprintf("price_fake_%d", f.createdPrices),
		UnitAmount: *params.UnitAmount,
		Currency:   stripe.Currency(*params.Currency),
		Recurring: &stripe.PriceRecurring{
			Interval: stripe.PriceRecurringInterval(*params.Recurring.Interval),
		},
	}
	f.prices[*params.Product] = append(f.prices[*params.Product], price)
	return price, nil
}

func (f *fakeAPI) Subscription(_ context.Context, id string, _ *stripe.SubscriptionRetrieveParams) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subscriptions[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("no such subscription: %s", id)
}

func (f *fakeAPI) CreateSubscription(_ context.Context, params *stripe.SubscriptionCreateParams) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdSubscriptions = append(f.createdSubscriptions, params)
	if f.createSubscriptionErr != nil {
		return nil, f.createSubscriptionErr
	}
	return f.createSubscriptionResult, nil
}

func (f *fakeAPI) UpdateSubscription(_ context.Context, id string, params *stripe.SubscriptionUpdateParams) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updatedSubscriptions[id] = params
	if sub, ok := f.subscriptions[id]; ok {
		return sub, nil
	}
	return &stripe.Subscription{ID: id}, nil
}

func (f *fakeAPI) CancelSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceledSubs = append(f.canceledSubs, id)
	return &stripe.Subscription{ID: id, Status: stripe.SubscriptionStatusCanceled}, nil
}

func (f *fakeAPI) CreateSetupIntent(_ context.Context, _ *stripe.SetupIntentCreateParams) (*stripe.SetupIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setupIntentResult != nil {
		return f.setupIntentResult, nil
	}
	return &stripe.SetupIntent{ID: "seti_fake", ClientSecret: "seti_fake_secret"}, nil
}

func (f *fakeAPI) PaymentIntent(_ context.Context, id string) (*stripe.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if intent, ok := f.paymentIntents[id]; ok {
		return intent, nil
	}
	return nil, fmt.Errorf("no such payment intent: %s", id)
}

func (f *fakeAPI) UpdatePaymentIntent(_ context.Context, id string, params *stripe.PaymentIntentUpdateParams) (*stripe.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intentStamps[id] = params
	intent, ok := f.paymentIntents[id]
	if !ok {
		return nil, fmt.Errorf("no such payment intent: %s", id)
	}
	if intent.Metadata == nil {
		intent.Metadata = make(map[string]string)
	}
	for k, v := range params.Metadata {
		intent.Metadata[k] = v
	}
	return intent, nil
}

// recordNotifier captures notification calls for assertions.
type recordNotifier struct {
	mu         sync.Mutex
	downgrades []string
	purchases  []int
}

func (n *recordNotifier) SendDowngradeNotice(_ context.Context, email string, _ billsync.Plan) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.downgrades = append(n.downgrades, email)
	return nil
}

func (n *recordNotifier) SendCreditsPurchasedNotice(_ context.Context, _ string, qty int, _ int64, _ int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.purchases = append(n.purchases, qty)
	return nil
}

func newTestProvider(fake *fakeAPI) (*Provider, *memory.Store, *recordNotifier) {
	store := memory.New()
	notifier := &recordNotifier{}

	provider := &Provider{
		api:           fake,
		accounts:      store,
		ledger:        store,
		notifier:      notifier,
		logger:        &billsync.NoopLogger{},
		metrics:       &billing.NoopMetrics{},
		webhookSecret: []byte("whsec_test"),
		config: Config{
			Prices: map[billsync.Plan]map[billsync.BillingPeriod]string{
				billsync.PlanProfessional: {
					billsync.PeriodMonthly: "price_pro_month",
					billsync.PeriodYearly:  "price_pro_year",
				},
				billsync.PlanEnterprise: {
					billsync.PeriodMonthly: "price_ent_month",
					billsync.PeriodYearly:  "price_ent_year",
				},
			},
			Amounts: map[billsync.Plan]map[billsync.BillingPeriod]int64{
				billsync.PlanProfessional: {
					billsync.PeriodMonthly: 1500,
					billsync.PeriodYearly:  15000,
				},
			},
			Currency:  "usd",
			TrialDays: 14,
		},
		priceCache: make(map[string]string),
	}
	return provider, store, notifier
}
