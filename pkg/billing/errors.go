package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is missing required configuration
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when a webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrFreePlanNotBillable is returned when a plan change targets the free tier
	ErrFreePlanNotBillable = errors.New("free plan is not a billable target")

	// ErrInvalidBillingPeriod is returned for an unknown billing period
	ErrInvalidBillingPeriod = errors.New("invalid billing period")

	// ErrMissingBillingEmail is returned when an account has no email to bill
	ErrMissingBillingEmail = errors.New("account has no billing email")

	// ErrNoSubscription is returned when an operation needs a subscription the account does not have
	ErrNoSubscription = errors.New("account has no subscription")

	// ErrNoClientSecret is returned when a created subscription exposes neither a
	// payment nor a setup intent. This is a provider configuration fault, not a
	// user error.
	ErrNoClientSecret = errors.New("subscription exposes no client secret")

	// ErrProviderAPIError is returned when the provider's API call fails
	ErrProviderAPIError = errors.New("billing provider API error")
)
