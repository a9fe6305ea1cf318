package stripe

import (
	"context"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/ledgerline/billsync/pkg/billsync"
)

// SyncAccount implements billing.Provider. It re-reads the subscription from
// Stripe and reconciles the local record the same way the webhook handlers
// would, for nightly reconciliation jobs and support tooling.
func (p *Provider) SyncAccount(ctx context.Context, userID string) (billsync.Plan, error) {
	account, err := p.accounts.GetAccount(ctx, userID)
	if err != nil {
		p.metrics.RecordAccountSync(providerName, "error")
		return "", err
	}

	if account.ProviderSubscriptionID == "" {
		// Nothing at the provider to reconcile against.
		p.metrics.RecordAccountSync(providerName, "success")
		return account.Plan, nil
	}

	fetchStart := time.Now()
	sub, err := p.api.Subscription(ctx, account.ProviderSubscriptionID, nil)
	p.metrics.RecordAPICallDuration(providerName, "subscriptions.retrieve", time.Since(fetchStart))
	if err != nil {
		// A subscription that no longer resolves was deleted at the provider
		// and the deletion webhook was lost: downgrade now.
		p.logger.Warn("subscription not retrievable during sync, downgrading",
			billsync.Field{Key: "user_id", Value: userID},
			billsync.Field{Key: "subscription_id", Value: account.ProviderSubscriptionID},
			billsync.Field{Key: "error", Value: err.Error()},
		)
		free := billsync.PlanFree
		if uerr := p.updateAccountWithRetry(ctx, userID, func(*billsync.Account) *billsync.AccountUpdate {
			return &billsync.AccountUpdate{Plan: &free, ClearSubscription: true}
		}); uerr != nil {
			p.metrics.RecordAccountSync(providerName, "error")
			return "", uerr
		}
		p.metrics.RecordAccountSync(providerName, "success")
		return billsync.PlanFree, nil
	}

	plan, planKnown := planFromMetadata(sub.Metadata)
	entitled := subscriptionEntitled(sub.Status)

	// Stricter than the webhook path on purpose: an update event with
	// past_due leaves the plan alone (the subscription may still recover),
	// but a deliberate sync reports what the subscription entitles right now.
	effective := billsync.PlanFree
	if entitled && planKnown {
		effective = plan
	}

	cancelAtPeriodEnd := sub.CancelAtPeriodEnd
	periodEnd := periodEndOf(sub)
	gone := sub.Status == stripe.SubscriptionStatusCanceled ||
		sub.Status == stripe.SubscriptionStatusIncompleteExpired

	err = p.updateAccountWithRetry(ctx, userID, func(current *billsync.Account) *billsync.AccountUpdate {
		update := &billsync.AccountUpdate{
			CancelAtPeriodEnd: &cancelAtPeriodEnd,
		}
		if periodEnd != nil {
			update.PeriodEnd = periodEnd
		}
		if current.Plan != effective {
			update.Plan = &effective
			p.metrics.RecordPlanTransition(providerName, string(current.Plan), string(effective))
		}
		if gone {
			update.ClearSubscription = true
		}
		return update
	})
	if err != nil {
		p.metrics.RecordAccountSync(providerName, "error")
		return "", err
	}

	p.metrics.RecordAccountSync(providerName, "success")
	return effective, nil
}
