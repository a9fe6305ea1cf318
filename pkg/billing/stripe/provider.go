// Package stripe implements the billing.Provider interface for Stripe.
package stripe

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/singleflight"

	"github.com/ledgerline/billsync/pkg/billing"
	"github.com/ledgerline/billsync/pkg/billing/internal"
	"github.com/ledgerline/billsync/pkg/billsync"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultCurrency          = "usd"
	defaultTrialDays         = 14

	metadataUserID   = "user_id"
	metadataPlan     = "plan"
	metadataType     = "type"
	metadataBusiness = "business_id"
	metadataKind     = "credit_kind"
	metadataQuantity = "quantity"

	// typeCreditTopup marks a payment intent as a prepaid-credit purchase.
	typeCreditTopup = "credit_topup"
	// metadataProcessed is stamped onto the payment intent after the credits
	// land. The provider object is the durable idempotency key across webhook
	// redeliveries and process restarts.
	metadataProcessed = "processed"
)

// Config extends billing.Config with Stripe-specific options.
type Config struct {
	billing.Config // Base config (Accounts, Ledger, Notifier, etc.)

	StripeAPIKey        string
	StripeWebhookSecret string

	// Prices statically maps (plan, period) to a Stripe price id. Entries
	// here short-circuit the search-or-create catalog path.
	Prices map[billsync.Plan]map[billsync.BillingPeriod]string

	// Amounts gives the charge per (plan, period) in integer minor units,
	// used to find or create a matching price when no static id exists.
	Amounts map[billsync.Plan]map[billsync.BillingPeriod]int64

	// Currency for created prices (default: "usd").
	Currency string

	// TrialDays is the trial length granted to first-time subscribers
	// (default: 14). Zero disables trials.
	TrialDays int64

	// ProductNames overrides the product name per plan. Defaults to the
	// capitalized plan name.
	ProductNames map[billsync.Plan]string
}

// Provider implements the billing.Provider interface for Stripe.
type Provider struct {
	api           api
	accounts      billsync.AccountStore
	ledger        billsync.CreditLedger
	notifier      billsync.Notifier
	logger        billsync.Logger
	metrics       billing.Metrics
	rateLimiter   *internal.RateLimiter
	webhookSecret []byte
	config        Config

	// Catalog resolution is deduplicated and cached: price ids are immutable
	// once found, and singleflight keeps concurrent first-use from creating
	// duplicate catalog objects in-process.
	catalogGroup singleflight.Group
	priceMu      sync.RWMutex
	priceCache   map[string]string
}

// NewProvider creates a new Stripe billing provider.
func NewProvider(config Config) (*Provider, error) {
	if config.Accounts == nil || config.Ledger == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	if config.Currency == "" {
		config.Currency = defaultCurrency
	}
	if config.TrialDays == 0 {
		config.TrialDays = defaultTrialDays
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	notifier := config.Notifier
	if notifier == nil {
		notifier = &billsync.NoopNotifier{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &billsync.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	client := stripe.NewClient(apiKey)

	return &Provider{
		api:           &liveAPI{client: client},
		accounts:      config.Accounts,
		ledger:        config.Ledger,
		notifier:      notifier,
		logger:        logger,
		metrics:       metrics,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		webhookSecret: []byte(strings.TrimSpace(config.StripeWebhookSecret)),
		config:        config,
		priceCache:    make(map[string]string),
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks.
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// productName resolves the catalog product name for a plan.
func (p *Provider) productName(plan billsync.Plan) string {
	if name, ok := p.config.ProductNames[plan]; ok {
		return name
	}
	return strings.ToUpper(string(plan)[:1]) + string(plan)[1:]
}

// updateAccountWithRetry applies a partial update under optimistic
// concurrency: it reads the account, lets mutate build the update against the
// observed state, writes with the observed version, and retries on conflict.
// mutate returning nil skips the write.
func (p *Provider) updateAccountWithRetry(
	ctx context.Context,
	userID string,
	mutate func(*billsync.Account) *billsync.AccountUpdate,
) error {
	const maxAttempts = 3

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		account, err := p.accounts.GetAccount(ctx, userID)
		if err != nil {
			return err
		}

		update := mutate(account)
		if update == nil {
			return nil
		}
		version := account.Version
		update.ExpectVersion = &version

		err = p.accounts.UpdateAccount(ctx, userID, *update)
		if err == nil {
			return nil
		}
		if !errors.Is(err, billsync.ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
