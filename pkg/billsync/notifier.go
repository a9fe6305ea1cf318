package billsync

import "context"

// Notifier delivers fire-and-forget user notifications. Implementations own
// their retry policy; callers log failures and never block on them.
type Notifier interface {
	// SendDowngradeNotice tells a user their subscription ended and they are
	// back on the free tier.
	SendDowngradeNotice(ctx context.Context, email string, previousPlan Plan) error

	// SendCreditsPurchasedNotice confirms a prepaid credit top-up.
	// total is the charge in minor currency units.
	SendCreditsPurchasedNotice(ctx context.Context, email string, qty int, total int64, newBalance int) error
}

// NoopNotifier is a no-op implementation of the Notifier interface.
type NoopNotifier struct{}

func (n *NoopNotifier) SendDowngradeNotice(context.Context, string, Plan) error {
	return nil
}

func (n *NoopNotifier) SendCreditsPurchasedNotice(context.Context, string, int, int64, int) error {
	return nil
}
