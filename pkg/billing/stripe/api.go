package stripe

import (
	"context"

	"github.com/stripe/stripe-go/v83"
)

// api is the slice of the Stripe surface the provider actually calls.
// Production uses liveAPI over *stripe.Client; tests substitute a fake so
// orchestration and webhook logic run without network access.
type api interface {
	CustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error)
	Customer(ctx context.Context, id string) (*stripe.Customer, error)
	CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error)

	ProductByName(ctx context.Context, name string) (*stripe.Product, error)
	CreateProduct(ctx context.Context, params *stripe.ProductCreateParams) (*stripe.Product, error)
	PricesForProduct(ctx context.Context, productID string) ([]*stripe.Price, error)
	CreatePrice(ctx context.Context, params *stripe.PriceCreateParams) (*stripe.Price, error)

	Subscription(ctx context.Context, id string, params *stripe.SubscriptionRetrieveParams) (*stripe.Subscription, error)
	CreateSubscription(ctx context.Context, params *stripe.SubscriptionCreateParams) (*stripe.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionUpdateParams) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error)

	CreateSetupIntent(ctx context.Context, params *stripe.SetupIntentCreateParams) (*stripe.SetupIntent, error)

	PaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	UpdatePaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentUpdateParams) (*stripe.PaymentIntent, error)
}

// liveAPI implements api against the real Stripe client.
type liveAPI struct {
	client *stripe.Client
}

func (a *liveAPI) CustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Limit = stripe.Int64(1)
	for customer, err := range a.client.V1Customers.List(ctx, params) {
		if err != nil {
			return nil, err
		}
		return customer, nil
	}
	return nil, nil
}

func (a *liveAPI) Customer(ctx context.Context, id string) (*stripe.Customer, error) {
	return a.client.V1Customers.Retrieve(ctx, id, nil)
}

func (a *liveAPI) CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	return a.client.V1Customers.Create(ctx, params)
}

func (a *liveAPI) ProductByName(ctx context.Context, name string) (*stripe.Product, error) {
	params := &stripe.ProductListParams{Active: stripe.Bool(true)}
	for product, err := range a.client.V1Products.List(ctx, params) {
		if err != nil {
			return nil, err
		}
		if product.Name == name {
			return product, nil
		}
	}
	return nil, nil
}

func (a *liveAPI) CreateProduct(ctx context.Context, params *stripe.ProductCreateParams) (*stripe.Product, error) {
	return a.client.V1Products.Create(ctx, params)
}

func (a *liveAPI) PricesForProduct(ctx context.Context, productID string) ([]*stripe.Price, error) {
	params := &stripe.PriceListParams{
		Product: stripe.String(productID),
		Active:  stripe.Bool(true),
	}
	var prices []*stripe.Price
	for price, err := range a.client.V1Prices.List(ctx, params) {
		if err != nil {
			return nil, err
		}
		prices = append(prices, price)
	}
	return prices, nil
}

func (a *liveAPI) CreatePrice(ctx context.Context, params *stripe.PriceCreateParams) (*stripe.Price, error) {
	return a.client.V1Prices.Create(ctx, params)
}

func (a *liveAPI) Subscription(ctx context.Context, id string, params *stripe.SubscriptionRetrieveParams) (*stripe.Subscription, error) {
	return a.client.V1Subscriptions.Retrieve(ctx, id, params)
}

func (a *liveAPI) CreateSubscription(ctx context.Context, params *stripe.SubscriptionCreateParams) (*stripe.Subscription, error) {
	return a.client.V1Subscriptions.Create(ctx, params)
}

func (a *liveAPI) UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionUpdateParams) (*stripe.Subscription, error) {
	return a.client.V1Subscriptions.Update(ctx, id, params)
}

func (a *liveAPI) CancelSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return a.client.V1Subscriptions.Cancel(ctx, id, nil)
}

func (a *liveAPI) CreateSetupIntent(ctx context.Context, params *stripe.SetupIntentCreateParams) (*stripe.SetupIntent, error) {
	return a.client.V1SetupIntents.Create(ctx, params)
}

func (a *liveAPI) PaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	return a.client.V1PaymentIntents.Retrieve(ctx, id, nil)
}

func (a *liveAPI) UpdatePaymentIntent(ctx context.Context, id string, params *stripe.PaymentIntentUpdateParams) (*stripe.PaymentIntent, error) {
	return a.client.V1PaymentIntents.Update(ctx, id, params)
}
