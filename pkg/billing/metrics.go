package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the provider.
	// eventType: the provider event type (e.g. "customer.subscription.updated")
	// status: "success", "skipped" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long a webhook took to process.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: the failure class (e.g. "auth_failed", "invalid_payload")
	RecordWebhookError(provider, errorType string)

	// RecordPlanChange records a plan-change request.
	// operation: "create", "upgrade", "setup_required", "cancel", "reactivate"
	// status: "success" or "error"
	RecordPlanChange(provider, operation, status string)

	// RecordPlanChangeDuration records how long a plan-change request took.
	RecordPlanChangeDuration(provider string, duration time.Duration)

	// RecordAccountSync records an account synchronization operation.
	// status: "success" or "error"
	RecordAccountSync(provider, status string)

	// RecordPlanTransition records an account moving between plans.
	RecordPlanTransition(provider, fromPlan, toPlan string)

	// RecordAPICall records an outbound API call to the provider.
	// endpoint: the logical operation (e.g. "subscriptions.create")
	// status: "ok" or "error"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordPlanChange(_, _, _ string)                              {}
func (n *NoopMetrics) RecordPlanChangeDuration(_ string, _ time.Duration)           {}
func (n *NoopMetrics) RecordAccountSync(_, _ string)                                {}
func (n *NoopMetrics) RecordPlanTransition(_, _, _ string)                          {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
