// Package billing defines the provider abstraction the reconciliation engine
// talks to. A Provider owns the three flows that touch the external billing
// system: user-initiated plan changes, provider-pushed webhook events, and
// on-demand account synchronization.
package billing

import (
	"context"
	"net/http"

	"github.com/ledgerline/billsync/pkg/billsync"
)

// IntentKind tells the client which kind of secret a plan change returned.
type IntentKind string

const (
	// IntentPayment is a payment intent: the client confirms a charge.
	IntentPayment IntentKind = "payment"
	// IntentSetup is a setup intent: the client collects a payment method
	// without charging.
	IntentSetup IntentKind = "setup"
)

// PlanChangeResult is the outcome of RequestPlanChange. Exactly one of
// Upgraded or ClientSecret is meaningful.
type PlanChangeResult struct {
	// Upgraded is true when the existing subscription was changed in place
	// and no client-side confirmation is needed.
	Upgraded bool

	// ClientSecret, when set, must be handed to the client to finish the
	// flow (confirm a payment or collect a card).
	ClientSecret string

	// Kind distinguishes payment from setup secrets.
	Kind IntentKind
}

// Provider is the interface a billing backend must implement.
type Provider interface {
	// Name returns the provider name (e.g. "stripe").
	Name() string

	// WebhookHandler returns the HTTP handler that ingests provider events.
	// The implementation verifies signatures, dispatches by event type, and
	// reconciles the account store internally.
	WebhookHandler() http.Handler

	// RequestPlanChange decides the correct provider operation for moving
	// the account to the requested paid plan: upgrade the existing
	// subscription in place, create a new one, or demand a payment method
	// first. Free is not a billable target; use CancelSubscription.
	RequestPlanChange(ctx context.Context, userID string, plan billsync.Plan, period billsync.BillingPeriod) (*PlanChangeResult, error)

	// SyncAccount re-reads the account's subscription state from the
	// provider and reconciles the local record, returning the plan that is
	// now in effect. Used for nightly reconciliation and support tooling.
	SyncAccount(ctx context.Context, userID string) (billsync.Plan, error)

	// CancelSubscription schedules the account's subscription to end at the
	// period boundary. The downgrade itself lands later via webhook.
	CancelSubscription(ctx context.Context, userID string) error

	// ReactivateSubscription removes a pending period-end cancellation.
	ReactivateSubscription(ctx context.Context, userID string) error
}
