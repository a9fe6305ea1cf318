package stripe

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/ledgerline/billsync/pkg/billing"
	"github.com/ledgerline/billsync/pkg/billsync"
)

// ensureCustomer resolves or creates the Stripe customer for an account.
// List-then-create by billing email; the first match wins. Concurrent
// first-time signups can still produce a duplicate customer, which is a
// tolerated failure mode, not a correctness bug.
func (p *Provider) ensureCustomer(ctx context.Context, account *billsync.Account) (*stripe.Customer, error) {
	if account.ProviderCustomerID != "" {
		customer, err := p.api.Customer(ctx, account.ProviderCustomerID)
		if err == nil {
			return customer, nil
		}
		p.logger.Warn("stored customer id no longer resolves",
			billsync.Field{Key: "user_id", Value: account.UserID},
			billsync.Field{Key: "customer_id", Value: account.ProviderCustomerID},
			billsync.Field{Key: "error", Value: err.Error()},
		)
	}

	if account.Email == "" {
		return nil, billing.ErrMissingBillingEmail
	}

	customer, err := p.api.CustomerByEmail(ctx, account.Email)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "customers.list", "error")
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	if customer != nil {
		return customer, nil
	}

	params := &stripe.CustomerCreateParams{
		Email: stripe.String(account.Email),
	}
	params.AddMetadata(metadataUserID, account.UserID)

	customer, err = p.api.CreateCustomer(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "customers.create", "error")
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "customers.create", "ok")
	return customer, nil
}

// resolvePrice returns the Stripe price id for (plan, period). A statically
// configured id wins; otherwise the catalog is searched and, when empty,
// populated. Search-before-create keeps the path idempotent, and singleflight
// collapses concurrent first-use so only one goroutine touches the catalog.
func (p *Provider) resolvePrice(ctx context.Context, plan billsync.Plan, period billsync.BillingPeriod) (string, error) {
	if byPeriod, ok := p.config.Prices[plan]; ok {
		if priceID, ok := byPeriod[period]; ok && priceID != "" {
			return priceID, nil
		}
	}

	key := string(plan) + ":" + string(period)

	p.priceMu.RLock()
	cached, ok := p.priceCache[key]
	p.priceMu.RUnlock()
	if ok {
		return cached, nil
	}

	result, err, _ := p.catalogGroup.Do(key, func() (interface{}, error) {
		priceID, err := p.findOrCreatePrice(ctx, plan, period)
		if err != nil {
			return "", err
		}
		p.priceMu.Lock()
		p.priceCache[key] = priceID
		p.priceMu.Unlock()
		return priceID, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (p *Provider) findOrCreatePrice(ctx context.Context, plan billsync.Plan, period billsync.BillingPeriod) (string, error) {
	amount, err := p.amountFor(plan, period)
	if err != nil {
		return "", err
	}
	interval := recurringInterval(period)

	name := p.productName(plan)
	product, err := p.api.ProductByName(ctx, name)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "products.list", "error")
		return "", fmt.Errorf("failed to search products: %w", err)
	}
	if product == nil {
		params := &stripe.ProductCreateParams{Name: stripe.String(name)}
		params.AddMetadata(metadataPlan, string(plan))
		product, err = p.api.CreateProduct(ctx, params)
		if err != nil {
			p.metrics.RecordAPICall(providerName, "products.create", "error")
			return "", fmt.Errorf("failed to create product: %w", err)
		}
		p.metrics.RecordAPICall(providerName, "products.create", "ok")
	}

	prices, err := p.api.PricesForProduct(ctx, product.ID)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "prices.list", "error")
		return "", fmt.Errorf("failed to list prices: %w", err)
	}
	// Amounts compare in integer minor units; no floating point anywhere.
	for _, price := range prices {
		if price.UnitAmount == amount &&
			string(price.Currency) == p.config.Currency &&
			price.Recurring != nil &&
			string(price.Recurring.Interval) == interval {
			return price.ID, nil
		}
	}

	params := &stripe.PriceCreateParams{
		Product:    stripe.String(product.ID),
		UnitAmount: stripe.Int64(amount),
		Currency:   stripe.String(p.config.Currency),
		Recurring: &stripe.PriceCreateRecurringParams{
			Interval: stripe.String(interval),
		},
	}
	price, err := p.api.CreatePrice(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "prices.create", "error")
		return "", fmt.Errorf("failed to create price: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "prices.create", "ok")
	return price.ID, nil
}

func (p *Provider) amountFor(plan billsync.Plan, period billsync.BillingPeriod) (int64, error) {
	byPeriod, ok := p.config.Amounts[plan]
	if !ok {
		return 0, fmt.Errorf("no amount configured for plan %q", plan)
	}
	amount, ok := byPeriod[period]
	if !ok {
		return 0, fmt.Errorf("no amount configured for plan %q period %q", plan, period)
	}
	return amount, nil
}

func recurringInterval(period billsync.BillingPeriod) string {
	if period == billsync.PeriodYearly {
		return "year"
	}
	return "month"
}
