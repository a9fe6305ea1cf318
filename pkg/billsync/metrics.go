package billsync

import "time"

// Metrics defines the interface for tracking enforcement and ledger operations.
type Metrics interface {
	// RecordAuthorization records an AuthorizeUsage outcome.
	// result: "allowed", "credit", or "needs_payment".
	RecordAuthorization(plan, kind, result string)

	// RecordAuthorizationDuration records the latency of a usage check.
	RecordAuthorizationDuration(kind string, duration time.Duration)

	// RecordCreditChange records a ledger mutation.
	// op: "decrement" or "increment".
	RecordCreditChange(kind, op string, amount int)

	// RecordStoreOperation records the duration and status of a store call.
	RecordStoreOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordAuthorization(plan, kind, result string)                       {}
func (n *NoopMetrics) RecordAuthorizationDuration(kind string, duration time.Duration)     {}
func (n *NoopMetrics) RecordCreditChange(kind, op string, amount int)                      {}
func (n *NoopMetrics) RecordStoreOperation(op string, duration time.Duration, err error)   {}
