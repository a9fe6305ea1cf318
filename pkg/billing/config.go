package billing

import (
	"net/http"

	"github.com/ledgerline/billsync/pkg/billsync"
)

// Config defines the standard configuration all providers accept.
type Config struct {
	// Accounts is the account store the provider reconciles against.
	Accounts billsync.AccountStore

	// Ledger receives prepaid-credit top-ups confirmed by webhook.
	Ledger billsync.CreditLedger

	// Notifier delivers fire-and-forget billing notices (downgrade, credits
	// purchased). Failures are logged, never propagated. If nil, notices
	// are dropped.
	Notifier billsync.Notifier

	// WebhookSecret verifies inbound webhook signatures.
	WebhookSecret string

	// APIKey authenticates outbound calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with a 10s timeout is used.
	HTTPClient *http.Client

	// Logger is used for structured logging (default: NoopLogger).
	Logger billsync.Logger

	// Metrics tracks provider operations (default: no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus.
	Metrics Metrics
}
