package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/ledgerline/billsync/pkg/billing"
	"github.com/ledgerline/billsync/pkg/billsync"
)

// RequestPlanChange implements billing.Provider.
//
// The decision tree, in order: reject free, resolve customer and price,
// reuse or discard the existing subscription, otherwise create a new one
// with payment deferred to the client.
func (p *Provider) RequestPlanChange(ctx context.Context, userID string, plan billsync.Plan, period billsync.BillingPeriod) (*billing.PlanChangeResult, error) {
	started := time.Now()
	defer func() {
		p.metrics.RecordPlanChangeDuration(providerName, time.Since(started))
	}()

	if !plan.Valid() {
		return nil, fmt.Errorf("%w: %q", billsync.ErrInvalidPlan, plan)
	}
	if !plan.Paid() {
		return nil, billing.ErrFreePlanNotBillable
	}
	if !period.Valid() {
		return nil, fmt.Errorf("%w: %q", billing.ErrInvalidBillingPeriod, period)
	}

	account, err := p.accounts.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	customer, err := p.ensureCustomer(ctx, account)
	if err != nil {
		p.metrics.RecordPlanChange(providerName, "create", "error")
		return nil, err
	}

	priceID, err := p.resolvePrice(ctx, plan, period)
	if err != nil {
		p.metrics.RecordPlanChange(providerName, "create", "error")
		return nil, err
	}

	if account.ProviderSubscriptionID != "" {
		result, handled, err := p.changeExistingSubscription(ctx, account, customer, plan, priceID)
		if err != nil {
			return nil, err
		}
		if handled {
			return result, nil
		}
		// The stale subscription was discarded; continue on the create path
		// with a fresh view of the account (trialUsed may matter below).
		account, err = p.accounts.GetAccount(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	return p.createSubscription(ctx, account, customer, plan, priceID)
}

// changeExistingSubscription handles step 4: the account already points at a
// provider subscription. Returns handled=false when the subscription was
// stale and the caller should fall through to creating a new one.
func (p *Provider) changeExistingSubscription(
	ctx context.Context,
	account *billsync.Account,
	customer *stripe.Customer,
	plan billsync.Plan,
	priceID string,
) (*billing.PlanChangeResult, bool, error) {
	// The provider is the source of truth for status, never the local mirror.
	sub, err := p.api.Subscription(ctx, account.ProviderSubscriptionID, nil)
	if err != nil {
		p.logger.Warn("stored subscription no longer resolves, creating fresh",
			billsync.Field{Key: "user_id", Value: account.UserID},
			billsync.Field{Key: "subscription_id", Value: account.ProviderSubscriptionID},
			billsync.Field{Key: "error", Value: err.Error()},
		)
		p.discardStaleSubscription(ctx, account, false)
		return nil, false, nil
	}

	switch sub.Status {
	case stripe.SubscriptionStatusIncomplete,
		stripe.SubscriptionStatusIncompleteExpired,
		stripe.SubscriptionStatusPastDue,
		stripe.SubscriptionStatusCanceled:
		p.discardStaleSubscription(ctx, account, sub.Status != stripe.SubscriptionStatusCanceled)
		return nil, false, nil

	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		// A trialing subscription has no payment instrument to fall back on;
		// collect a card before changing any entitlement.
		if sub.Status == stripe.SubscriptionStatusTrialing && !hasPaymentMethod(sub, customer) {
			return p.requestSetupIntent(ctx, account, customer)
		}
		return p.upgradeInPlace(ctx, account, sub, plan, priceID)

	default:
		return nil, false, fmt.Errorf("%w: unexpected subscription status %q", billing.ErrProviderAPIError, sub.Status)
	}
}

// discardStaleSubscription best-effort cancels the subscription at the
// provider and clears the local pointer. Failures are logged and ignored;
// the stale object self-resolves or a later webhook cleans it up.
func (p *Provider) discardStaleSubscription(ctx context.Context, account *billsync.Account, cancelRemote bool) {
	if cancelRemote {
		if _, err := p.api.CancelSubscription(ctx, account.ProviderSubscriptionID); err != nil {
			p.logger.Warn("failed to cancel stale subscription",
				billsync.Field{Key: "user_id", Value: account.UserID},
				billsync.Field{Key: "subscription_id", Value: account.ProviderSubscriptionID},
				billsync.Field{Key: "error", Value: err.Error()},
			)
		}
	}

	err := p.updateAccountWithRetry(ctx, account.UserID, func(current *billsync.Account) *billsync.AccountUpdate {
		if current.ProviderSubscriptionID != account.ProviderSubscriptionID {
			// Someone else already moved the pointer; leave it alone.
			return nil
		}
		return &billsync.AccountUpdate{ClearSubscription: true}
	})
	if err != nil {
		p.logger.Warn("failed to clear stale subscription id",
			billsync.Field{Key: "user_id", Value: account.UserID},
			billsync.Field{Key: "error", Value: err.Error()},
		)
	}
}

// requestSetupIntent returns a setup secret so the client can put a payment
// method on file before the plan change proceeds.
func (p *Provider) requestSetupIntent(ctx context.Context, account *billsync.Account, customer *stripe.Customer) (*billing.PlanChangeResult, bool, error) {
	params := &stripe.SetupIntentCreateParams{
		Customer: stripe.String(customer.ID),
	}
	params.AddMetadata(metadataUserID, account.UserID)

	intent, err := p.api.CreateSetupIntent(ctx, params)
	if err != nil {
		p.metrics.RecordPlanChange(providerName, "setup_required", "error")
		return nil, false, fmt.Errorf("failed to create setup intent: %w", err)
	}

	p.metrics.RecordPlanChange(providerName, "setup_required", "success")
	return &billing.PlanChangeResult{
		ClientSecret: intent.ClientSecret,
		Kind:         billing.IntentSetup,
	}, true, nil
}

// upgradeInPlace swaps the subscription's price item with proration, clears
// any scheduled cancellation, and optimistically records the new plan. The
// webhook that follows remains the final word on entitlement.
func (p *Provider) upgradeInPlace(
	ctx context.Context,
	account *billsync.Account,
	sub *stripe.Subscription,
	plan billsync.Plan,
	priceID string,
) (*billing.PlanChangeResult, bool, error) {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, false, fmt.Errorf("%w: subscription %s has no items", billing.ErrProviderAPIError, sub.ID)
	}

	params := &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{{
			ID:    stripe.String(sub.Items.Data[0].ID),
			Price: stripe.String(priceID),
		}},
		ProrationBehavior: stripe.String("create_prorations"),
		CancelAtPeriodEnd: stripe.Bool(false),
	}
	params.AddMetadata(metadataUserID, account.UserID)
	params.AddMetadata(metadataPlan, string(plan))

	if _, err := p.api.UpdateSubscription(ctx, sub.ID, params); err != nil {
		p.metrics.RecordAPICall(providerName, "subscriptions.update", "error")
		p.metrics.RecordPlanChange(providerName, "upgrade", "error")
		return nil, false, fmt.Errorf("failed to update subscription: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "subscriptions.update", "ok")

	previousPlan := account.Plan
	cancelOff := false
	err := p.updateAccountWithRetry(ctx, account.UserID, func(*billsync.Account) *billsync.AccountUpdate {
		return &billsync.AccountUpdate{
			Plan:              &plan,
			CancelAtPeriodEnd: &cancelOff,
		}
	})
	if err != nil {
		// The provider call already succeeded; the webhook will reconcile
		// the local record shortly.
		p.logger.Warn("optimistic plan write failed after upgrade",
			billsync.Field{Key: "user_id", Value: account.UserID},
			billsync.Field{Key: "error", Value: err.Error()},
		)
	}

	p.metrics.RecordPlanChange(providerName, "upgrade", "success")
	p.metrics.RecordPlanTransition(providerName, string(previousPlan), string(plan))
	return &billing.PlanChangeResult{Upgraded: true}, true, nil
}

// createSubscription handles step 5: no usable existing subscription.
func (p *Provider) createSubscription(
	ctx context.Context,
	account *billsync.Account,
	customer *stripe.Customer,
	plan billsync.Plan,
	priceID string,
) (*billing.PlanChangeResult, error) {
	params := &stripe.SubscriptionCreateParams{
		Customer: stripe.String(customer.ID),
		Items: []*stripe.SubscriptionCreateItemParams{{
			Price: stripe.String(priceID),
		}},
		PaymentBehavior: stripe.String("default_incomplete"),
		Expand: []*string{
			stripe.String("latest_invoice.confirmation_secret"),
			stripe.String("pending_setup_intent"),
		},
	}
	params.AddMetadata(metadataUserID, account.UserID)
	params.AddMetadata(metadataPlan, string(plan))

	// Trials are granted once per account, ever.
	if !account.TrialUsed && p.config.TrialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(p.config.TrialDays)
	}

	sub, err := p.api.CreateSubscription(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "subscriptions.create", "error")
		p.metrics.RecordPlanChange(providerName, "create", "error")
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "subscriptions.create", "ok")

	// The trial stamp lands regardless of what happens after creation:
	// retrying a failed attempt must never yield a second trial. This and
	// the id bookkeeping are best-effort; a later webhook reconciles.
	trialUsed := true
	err = p.updateAccountWithRetry(ctx, account.UserID, func(*billsync.Account) *billsync.AccountUpdate {
		return &billsync.AccountUpdate{
			TrialUsed:              &trialUsed,
			ProviderCustomerID:     &customer.ID,
			ProviderSubscriptionID: &sub.ID,
		}
	})
	if err != nil {
		p.logger.Error("failed to persist subscription ids after create",
			billsync.Field{Key: "user_id", Value: account.UserID},
			billsync.Field{Key: "subscription_id", Value: sub.ID},
			billsync.Field{Key: "error", Value: err.Error()},
		)
	}

	secret, kind, err := clientSecretFrom(sub)
	if err != nil {
		p.metrics.RecordPlanChange(providerName, "create", "error")
		return nil, err
	}

	p.metrics.RecordPlanChange(providerName, "create", "success")
	return &billing.PlanChangeResult{ClientSecret: secret, Kind: kind}, nil
}

// CancelSubscription implements billing.Provider: schedule the subscription
// to end at the period boundary. The actual downgrade arrives by webhook.
func (p *Provider) CancelSubscription(ctx context.Context, userID string) error {
	account, err := p.accounts.GetAccount(ctx, userID)
	if err != nil {
		return err
	}
	if account.ProviderSubscriptionID == "" {
		return billing.ErrNoSubscription
	}

	params := &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	sub, err := p.api.UpdateSubscription(ctx, account.ProviderSubscriptionID, params)
	if err != nil {
		p.metrics.RecordPlanChange(providerName, "cancel", "error")
		return fmt.Errorf("failed to schedule cancellation: %w", err)
	}

	cancelOn := true
	update := &billsync.AccountUpdate{CancelAtPeriodEnd: &cancelOn}
	if end := periodEndOf(sub); end != nil {
		update.PeriodEnd = end
	}
	err = p.updateAccountWithRetry(ctx, userID, func(*billsync.Account) *billsync.AccountUpdate {
		return update
	})
	if err != nil {
		p.logger.Warn("failed to mirror cancellation schedule",
			billsync.Field{Key: "user_id", Value: userID},
			billsync.Field{Key: "error", Value: err.Error()},
		)
	}

	p.metrics.RecordPlanChange(providerName, "cancel", "success")
	return nil
}

// ReactivateSubscription implements billing.Provider: drop a pending
// period-end cancellation.
func (p *Provider) ReactivateSubscription(ctx context.Context, userID string) error {
	account, err := p.accounts.GetAccount(ctx, userID)
	if err != nil {
		return err
	}
	if account.ProviderSubscriptionID == "" {
		return billing.ErrNoSubscription
	}

	params := &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	}
	if _, err := p.api.UpdateSubscription(ctx, account.ProviderSubscriptionID, params); err != nil {
		p.metrics.RecordPlanChange(providerName, "reactivate", "error")
		return fmt.Errorf("failed to reactivate subscription: %w", err)
	}

	cancelOff := false
	err = p.updateAccountWithRetry(ctx, userID, func(*billsync.Account) *billsync.AccountUpdate {
		return &billsync.AccountUpdate{CancelAtPeriodEnd: &cancelOff}
	})
	if err != nil {
		p.logger.Warn("failed to mirror reactivation",
			billsync.Field{Key: "user_id", Value: userID},
			billsync.Field{Key: "error", Value: err.Error()},
		)
	}

	p.metrics.RecordPlanChange(providerName, "reactivate", "success")
	return nil
}

// hasPaymentMethod reports whether the subscription or its customer has a
// default payment method on file.
func hasPaymentMethod(sub *stripe.Subscription, customer *stripe.Customer) bool {
	if sub.DefaultPaymentMethod != nil {
		return true
	}
	if customer != nil && customer.InvoiceSettings != nil && customer.InvoiceSettings.DefaultPaymentMethod != nil {
		return true
	}
	return false
}

// clientSecretFrom extracts the actionable secret from a freshly created
// subscription: a pending setup intent (trial, nothing to charge yet) or the
// first invoice's confirmation secret. Neither being present is a catalog or
// account misconfiguration, not a user error.
func clientSecretFrom(sub *stripe.Subscription) (string, billing.IntentKind, error) {
	if sub.PendingSetupIntent != nil && sub.PendingSetupIntent.ClientSecret != "" {
		return sub.PendingSetupIntent.ClientSecret, billing.IntentSetup, nil
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.ConfirmationSecret != nil &&
		sub.LatestInvoice.ConfirmationSecret.ClientSecret != "" {
		return sub.LatestInvoice.ConfirmationSecret.ClientSecret, billing.IntentPayment, nil
	}
	return "", "", billing.ErrNoClientSecret
}

// periodEndOf reads the current period end off the subscription's first item.
func periodEndOf(sub *stripe.Subscription) *time.Time {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil
	}
	if ts := sub.Items.Data[0].CurrentPeriodEnd; ts > 0 {
		end := time.Unix(ts, 0).UTC()
		return &end
	}
	return nil
}
