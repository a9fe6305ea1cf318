package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/ledgerline/billsync/pkg/billing/internal"
	"github.com/ledgerline/billsync/pkg/billsync"
)

// handleWebhook ingests Stripe webhook events. 4xx is reserved for
// signature and format failures; once the signature checks out, events the
// handlers cannot reconcile are logged and acknowledged so the provider
// stops redelivering them.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, 256*1024)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent dispatches by event type. Every handler is
// independently idempotent and safe against out-of-order delivery: state
// changes are guarded by explicit status checks, never by "this must be
// newer".
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "customer.subscription.created":
		return p.handleSubscriptionCreated(ctx, event)
	case "customer.subscription.updated":
		return p.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_succeeded":
		return p.handleInvoicePaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		return p.handleInvoicePaymentFailed(ctx, event)
	case "payment_intent.succeeded":
		return p.handlePaymentIntentSucceeded(ctx, event)
	default:
		// Unknown event type - ignore silently
		return nil
	}
}

// resolveAccount finds the account a subscription event belongs to: first by
// the provider customer id on file, then by the user_id correlation field in
// the object's metadata. A nil, nil return means the event cannot be acted
// on; callers log and acknowledge.
func (p *Provider) resolveAccount(ctx context.Context, customerID string, metadata map[string]string) (*billsync.Account, error) {
	if customerID != "" {
		account, err := p.accounts.GetAccountByCustomerID(ctx, customerID)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, billsync.ErrAccountNotFound) {
			return nil, err
		}
	}

	if userID := metadata[metadataUserID]; userID != "" {
		account, err := p.accounts.GetAccount(ctx, userID)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, billsync.ErrAccountNotFound) {
			return nil, err
		}
	}

	return nil, nil
}

// handleSubscriptionCreated stamps the provider identifiers and grants the
// plan only when the subscription is actually entitled: a created-but-
// incomplete subscription changes nothing but bookkeeping.
func (p *Provider) handleSubscriptionCreated(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	account, err := p.resolveAccount(ctx, subCustomerID(&sub), sub.Metadata)
	if err != nil {
		return err
	}
	if account == nil {
		p.logEventDropped("customer.subscription.created", sub.ID)
		return nil
	}

	plan, planKnown := planFromMetadata(sub.Metadata)
	entitled := subscriptionEntitled(sub.Status)

	return p.updateAccountWithRetry(ctx, account.UserID, func(current *billsync.Account) *billsync.AccountUpdate {
		customerID := subCustomerID(&sub)
		update := &billsync.AccountUpdate{
			ProviderSubscriptionID: &sub.ID,
		}
		if customerID != "" {
			update.ProviderCustomerID = &customerID
		}
		if entitled && planKnown {
			update.Plan = &plan
			if current.Plan != plan {
				p.metrics.RecordPlanTransition(providerName, string(current.Plan), string(plan))
			}
		}
		return update
	})
}

// handleSubscriptionUpdated always mirrors the advisory cancellation fields
// and grants a plan only for entitled statuses with a known plan in
// metadata. An update for a past-due or canceled subscription must never
// silently grant entitlements.
func (p *Provider) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	account, err := p.resolveAccount(ctx, subCustomerID(&sub), sub.Metadata)
	if err != nil {
		return err
	}
	if account == nil {
		p.logEventDropped("customer.subscription.updated", sub.ID)
		return nil
	}

	plan, planKnown := planFromMetadata(sub.Metadata)
	entitled := subscriptionEntitled(sub.Status)
	cancelAtPeriodEnd := sub.CancelAtPeriodEnd
	periodEnd := periodEndFromEvent(event.Data.Raw, &sub)

	return p.updateAccountWithRetry(ctx, account.UserID, func(current *billsync.Account) *billsync.AccountUpdate {
		update := &billsync.AccountUpdate{
			CancelAtPeriodEnd: &cancelAtPeriodEnd,
		}
		if periodEnd != nil {
			update.PeriodEnd = periodEnd
		}
		if entitled && planKnown {
			update.Plan = &plan
			if current.Plan != plan {
				p.metrics.RecordPlanTransition(providerName, string(current.Plan), string(plan))
			}
		}
		return update
	})
}

// handleSubscriptionDeleted downgrades to free unconditionally and clears
// the subscription pointer so a new one can be created cleanly.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	account, err := p.resolveAccount(ctx, subCustomerID(&sub), sub.Metadata)
	if err != nil {
		return err
	}
	if account == nil {
		p.logEventDropped("customer.subscription.deleted", sub.ID)
		return nil
	}

	previousPlan := account.Plan
	free := billsync.PlanFree
	err = p.updateAccountWithRetry(ctx, account.UserID, func(*billsync.Account) *billsync.AccountUpdate {
		return &billsync.AccountUpdate{
			Plan:              &free,
			ClearSubscription: true,
		}
	})
	if err != nil {
		return err
	}

	if previousPlan != billsync.PlanFree {
		p.metrics.RecordPlanTransition(providerName, string(previousPlan), string(billsync.PlanFree))
		// Fire-and-forget: a failed notice never fails the reconciliation.
		if err := p.notifier.SendDowngradeNotice(ctx, account.Email, previousPlan); err != nil {
			p.logger.Warn("failed to send downgrade notice",
				billsync.Field{Key: "user_id", Value: account.UserID},
				billsync.Field{Key: "error", Value: err.Error()},
			)
		}
	}
	return nil
}

// handleInvoicePaymentSucceeded treats a subscription invoice's first
// successful charge as the strongest "really paying" signal, independent of
// created/updated event ordering.
func (p *Provider) handleInvoicePaymentSucceeded(ctx context.Context, event *stripe.Event) error {
	subscriptionID := invoiceSubscriptionID(event.Data.Raw)
	if subscriptionID == "" {
		// Not a subscription invoice - ignore
		return nil
	}

	sub, err := p.api.Subscription(ctx, subscriptionID, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch subscription: %w", err)
	}

	account, err := p.resolveAccount(ctx, subCustomerID(sub), sub.Metadata)
	if err != nil {
		return err
	}
	if account == nil {
		p.logEventDropped("invoice.payment_succeeded", sub.ID)
		return nil
	}

	plan, planKnown := planFromMetadata(sub.Metadata)
	if !planKnown {
		p.logger.Warn("paid subscription carries no recognizable plan",
			billsync.Field{Key: "subscription_id", Value: sub.ID},
		)
		return nil
	}

	customerID := subCustomerID(sub)
	return p.updateAccountWithRetry(ctx, account.UserID, func(current *billsync.Account) *billsync.AccountUpdate {
		update := &billsync.AccountUpdate{
			Plan:                   &plan,
			ProviderSubscriptionID: &sub.ID,
		}
		if customerID != "" {
			update.ProviderCustomerID = &customerID
		}
		if current.Plan != plan {
			p.metrics.RecordPlanTransition(providerName, string(current.Plan), string(plan))
		}
		return update
	})
}

// handleInvoicePaymentFailed records the failure for observability only.
// The subscription stays active at the provider until it explicitly
// transitions, so no local downgrade happens here.
func (p *Provider) handleInvoicePaymentFailed(_ context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	p.logger.Warn("invoice payment failed",
		billsync.Field{Key: "invoice_id", Value: invoice.ID},
	)
	p.metrics.RecordWebhookEvent(providerName, "invoice.payment_failed", "warning")
	return nil
}

// handlePaymentIntentSucceeded applies prepaid-credit top-ups. The
// idempotency gate lives on the payment intent at the provider: a processed
// stamp there survives redelivery and process restarts without a local
// events table. Stamping after the increment leaves a narrow double-credit
// window on a crash in between; accepted, since redelivery is rare and
// credits are low-value.
func (p *Provider) handlePaymentIntentSucceeded(ctx context.Context, event *stripe.Event) error {
	var eventIntent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &eventIntent); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	if eventIntent.Metadata[metadataType] != typeCreditTopup {
		// Plan-change payments reconcile via invoice events; nothing to do.
		return nil
	}

	// Re-read from the provider: the event payload may predate the stamp.
	intent, err := p.api.PaymentIntent(ctx, eventIntent.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch payment intent: %w", err)
	}
	if intent.Metadata[metadataProcessed] == "true" {
		p.metrics.RecordWebhookEvent(providerName, "payment_intent.succeeded", "skipped")
		return nil
	}

	businessID := intent.Metadata[metadataBusiness]
	quantity, qerr := strconv.Atoi(intent.Metadata[metadataQuantity])
	if businessID == "" || qerr != nil || quantity <= 0 {
		p.logger.Warn("credit topup with unusable metadata",
			billsync.Field{Key: "payment_intent_id", Value: intent.ID},
		)
		return nil
	}
	kind := billsync.CreditKind(intent.Metadata[metadataKind])
	if kind == "" {
		kind = billsync.CreditInvoices
	}

	newBalance, err := p.ledger.Increment(ctx, businessID, kind, quantity)
	if err != nil {
		return fmt.Errorf("failed to credit topup: %w", err)
	}

	stamp := &stripe.PaymentIntentUpdateParams{}
	stamp.AddMetadata(metadataProcessed, "true")
	if _, err := p.api.UpdatePaymentIntent(ctx, intent.ID, stamp); err != nil {
		p.logger.Error("credits applied but processed stamp failed",
			billsync.Field{Key: "payment_intent_id", Value: intent.ID},
			billsync.Field{Key: "error", Value: err.Error()},
		)
	}

	if account, aerr := p.resolveAccount(ctx, intentCustomerID(intent), intent.Metadata); aerr == nil && account != nil {
		if nerr := p.notifier.SendCreditsPurchasedNotice(ctx, account.Email, quantity, intent.Amount, newBalance); nerr != nil {
			p.logger.Warn("failed to send credits purchased notice",
				billsync.Field{Key: "user_id", Value: account.UserID},
				billsync.Field{Key: "error", Value: nerr.Error()},
			)
		}
	}
	return nil
}

func (p *Provider) logEventDropped(eventType, objectID string) {
	p.logger.Info("webhook event references no known account",
		billsync.Field{Key: "event_type", Value: eventType},
		billsync.Field{Key: "object_id", Value: objectID},
	)
	p.metrics.RecordWebhookEvent(providerName, eventType, "skipped")
}

// subscriptionEntitled reports whether a status grants plan entitlements.
func subscriptionEntitled(status stripe.SubscriptionStatus) bool {
	return status == stripe.SubscriptionStatusActive || status == stripe.SubscriptionStatusTrialing
}

func planFromMetadata(metadata map[string]string) (billsync.Plan, bool) {
	plan := billsync.Plan(metadata[metadataPlan])
	if plan.Valid() && plan.Paid() {
		return plan, true
	}
	return "", false
}

func subCustomerID(sub *stripe.Subscription) string {
	if sub.Customer != nil {
		return sub.Customer.ID
	}
	return ""
}

func intentCustomerID(intent *stripe.PaymentIntent) string {
	if intent.Customer != nil {
		return intent.Customer.ID
	}
	return ""
}

// invoiceSubscriptionID digs the subscription reference out of the raw
// invoice JSON; the v83 Invoice struct does not carry it as a typed field.
func invoiceSubscriptionID(raw json.RawMessage) string {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return ""
	}
	switch v := data["subscription"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

// periodEndFromEvent reads current_period_end from the raw event payload,
// falling back to the first item's period end.
func periodEndFromEvent(raw json.RawMessage, sub *stripe.Subscription) *time.Time {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err == nil {
		if ts, ok := data["current_period_end"].(float64); ok && ts > 0 {
			end := time.Unix(int64(ts), 0).UTC()
			return &end
		}
	}
	return periodEndOf(sub)
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
