package api

import (
	"fmt"
	"net/http"

	"github.com/ledgerline/billsync/pkg/billing"
	"github.com/ledgerline/billsync/pkg/billsync"
)

// Config holds configuration for the billing API handler.
type Config struct {
	// Accounts is the account store (required).
	Accounts billsync.AccountStore

	// Enforcer authorizes usage. Required for the authorize endpoint.
	Enforcer *billsync.Enforcer

	// Ledger reports credit balances for the account view. Optional; without
	// it the account response carries no balances.
	Ledger billsync.CreditLedger

	// Provider handles plan changes and webhooks. Optional; without it the
	// plan endpoints return 503 and no webhook route is mounted.
	Provider billing.Provider

	// CreditKinds lists the balances included in the account view.
	// Defaults to invoices and expenses.
	CreditKinds []billsync.CreditKind

	// GetUserID extracts the authenticated user id from the request
	// (required). See FromHeader and FromContext.
	GetUserID func(*http.Request) string

	// BusinessID maps a user to the sub-account charged for usage and
	// reported in balances. Defaults to the user id itself.
	BusinessID func(*http.Request, string) string

	// OnError overrides default JSON error rendering.
	OnError func(http.ResponseWriter, *http.Request, error, int)

	// Logger is optional. Defaults to NoopLogger.
	Logger billsync.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Accounts == nil {
		return fmt.Errorf("accounts store is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new billing API handler with the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if len(config.CreditKinds) == 0 {
		config.CreditKinds = []billsync.CreditKind{billsync.CreditInvoices, billsync.CreditExpenses}
	}
	if config.BusinessID == nil {
		config.BusinessID = func(_ *http.Request, userID string) string { return userID }
	}
	if config.Logger == nil {
		config.Logger = &billsync.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// FromHeader returns a GetUserID function that reads a header.
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that reads the request context.
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
