package billsync

import (
	"time"
)

// Plan is the entitlement tier granted to an account.
type Plan string

const (
	// PlanFree is the no-payment default tier.
	PlanFree Plan = "free"
	// PlanProfessional is the paid mid tier with a monthly included quota.
	PlanProfessional Plan = "professional"
	// PlanEnterprise is the paid top tier with unlimited usage.
	PlanEnterprise Plan = "enterprise"
)

// Valid reports whether p is one of the known plans.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanProfessional, PlanEnterprise:
		return true
	}
	return false
}

// Paid reports whether p requires a billing subscription.
func (p Plan) Paid() bool {
	return p == PlanProfessional || p == PlanEnterprise
}

// BillingPeriod is the charge interval of a subscription.
type BillingPeriod string

const (
	// PeriodMonthly bills once per month.
	PeriodMonthly BillingPeriod = "monthly"
	// PeriodYearly bills once per year.
	PeriodYearly BillingPeriod = "yearly"
)

// Valid reports whether b is a known billing period.
func (b BillingPeriod) Valid() bool {
	return b == PeriodMonthly || b == PeriodYearly
}

// CreditKind identifies a prepaid credit bucket on a sub-account.
type CreditKind string

const (
	// CreditInvoices gates invoice creation.
	CreditInvoices CreditKind = "invoices"
	// CreditExpenses gates expense recording.
	CreditExpenses CreditKind = "expenses"
)

// Account is the internal record of a user's billing state.
//
// Plan is authoritative only insofar as it reflects the last webhook the
// processor successfully applied; the orchestrator may set it optimistically
// for UX, and a later webhook is always the final word.
type Account struct {
	UserID string
	Email  string

	Plan Plan

	// TrialUsed is monotonic: once true it is never reset, even if the
	// subscription attempt that consumed it failed.
	TrialUsed bool

	ProviderCustomerID     string
	ProviderSubscriptionID string

	// CancelAtPeriodEnd and PeriodEnd mirror the provider subscription and
	// are advisory (UI display), never used for entitlement decisions.
	CancelAtPeriodEnd bool
	PeriodEnd         *time.Time

	// Version increments on every successful write and backs the
	// compare-and-set contract of AccountStore.UpdateAccount.
	Version int64

	UpdatedAt time.Time
}

// AccountUpdate is a partial account write. Nil fields are left untouched.
type AccountUpdate struct {
	Plan      *Plan
	TrialUsed *bool

	ProviderCustomerID     *string
	ProviderSubscriptionID *string

	CancelAtPeriodEnd *bool
	PeriodEnd         *time.Time

	// ClearSubscription resets ProviderSubscriptionID, CancelAtPeriodEnd and
	// PeriodEnd in one write (subscription fully canceled at the provider).
	ClearSubscription bool

	// ExpectVersion, when set, makes the write conditional: the store must
	// reject it with ErrVersionConflict if the current account version
	// differs. Webhook and orchestrator writers race on the same account;
	// this is the guard that keeps a slow writer from clobbering a newer one.
	ExpectVersion *int64
}

// Decision is the outcome of an AuthorizeUsage check.
type Decision struct {
	// Allowed is true when the action may proceed.
	Allowed bool

	// ChargedCredit is true when the allowance consumed one prepaid credit.
	ChargedCredit bool

	// Remaining is the quota or credit balance left after the check.
	// -1 means unlimited.
	Remaining int

	// Reason is set when Allowed is false (e.g. "no credits").
	Reason string
}

// NeedsPayment reports whether the caller must purchase credits or upgrade
// before retrying the gated action.
func (d Decision) NeedsPayment() bool {
	return !d.Allowed
}

// PlanQuota configures the free monthly allowance for one plan.
// A limit of -1 means unlimited; 0 means every unit costs a credit.
type PlanQuota struct {
	// MonthlyLimits maps credit kinds to included units per calendar month.
	MonthlyLimits map[CreditKind]int
}

// Config holds Enforcer configuration.
type Config struct {
	// Quotas maps plans to their included monthly allowances.
	// Plans absent from the map are treated as having no included quota.
	Quotas map[Plan]PlanQuota

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics tracks authorization outcomes (default: NoopMetrics).
	Metrics Metrics
}

// DefaultConfig returns the stock policy table: free pays per unit,
// professional gets 40 invoices and 40 expenses per calendar month,
// enterprise is unlimited.
func DefaultConfig() Config {
	return Config{
		Quotas: map[Plan]PlanQuota{
			PlanFree: {MonthlyLimits: map[CreditKind]int{
				CreditInvoices: 0,
				CreditExpenses: 0,
			}},
			PlanProfessional: {MonthlyLimits: map[CreditKind]int{
				CreditInvoices: 40,
				CreditExpenses: 40,
			}},
			PlanEnterprise: {MonthlyLimits: map[CreditKind]int{
				CreditInvoices: -1,
				CreditExpenses: -1,
			}},
		},
	}
}
