package billsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	resultAllowed      = "allowed"
	resultCredit       = "credit"
	resultNeedsPayment = "needs_payment"

	reasonNoCredits = "monthly quota exhausted and no prepaid credits"
)

// Enforcer gates credit-consuming actions against plan tier, the live
// monthly usage count, and the prepaid credit ledger. It holds no mutable
// state of its own; all races are resolved by the ledger's conditional
// decrement.
type Enforcer struct {
	ledger  CreditLedger
	usage   UsageSource
	config  Config
	logger  Logger
	metrics Metrics

	// now is swappable for tests.
	now func() time.Time
}

// NewEnforcer creates a new limit enforcer.
func NewEnforcer(ledger CreditLedger, usage UsageSource, config Config) (*Enforcer, error) {
	if ledger == nil || usage == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Quotas == nil {
		config.Quotas = DefaultConfig().Quotas
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &Enforcer{
		ledger:  ledger,
		usage:   usage,
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     time.Now,
	}, nil
}

// AuthorizeUsage decides whether the sub-account may perform one more
// credit-gated action of the given kind under the account's plan.
//
// Policy: within the plan's monthly allowance the action is free; beyond it
// exactly one prepaid credit is consumed; with no credits left the caller
// gets a NeedsPayment decision. Enterprise is always allowed. The decrement
// is conditional at the store level, so two concurrent calls against a
// balance of 1 resolve to exactly one success.
func (e *Enforcer) AuthorizeUsage(ctx context.Context, subAccountID string, plan Plan, kind CreditKind) (Decision, error) {
	started := e.now()
	defer func() {
		e.metrics.RecordAuthorizationDuration(string(kind), e.now().Sub(started))
	}()

	if !plan.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", ErrInvalidPlan, plan)
	}

	limit := e.monthlyLimit(plan, kind)
	if limit < 0 {
		e.metrics.RecordAuthorization(string(plan), string(kind), resultAllowed)
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	if limit > 0 {
		from, to := MonthWindow(e.now())
		countStart := e.now()
		used, err := e.usage.CountInWindow(ctx, subAccountID, kind, from, to)
		e.metrics.RecordStoreOperation("count_in_window", e.now().Sub(countStart), err)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to count monthly usage: %w", err)
		}
		if used < limit {
			e.metrics.RecordAuthorization(string(plan), string(kind), resultAllowed)
			return Decision{Allowed: true, Remaining: limit - used - 1}, nil
		}
	}

	// Over quota (or on a zero-quota plan): fall back to one prepaid credit.
	chargeStart := e.now()
	balance, err := e.ledger.DecrementIfPositive(ctx, subAccountID, kind)
	opErr := err
	if errors.Is(opErr, ErrInsufficientCredits) {
		// An empty ledger is a policy outcome, not a store failure.
		opErr = nil
	}
	e.metrics.RecordStoreOperation("decrement_if_positive", e.now().Sub(chargeStart), opErr)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			e.metrics.RecordAuthorization(string(plan), string(kind), resultNeedsPayment)
			e.logger.Debug("usage denied",
				Field{Key: "sub_account", Value: subAccountID},
				Field{Key: "kind", Value: string(kind)},
				Field{Key: "plan", Value: string(plan)},
			)
			return Decision{Allowed: false, Remaining: 0, Reason: reasonNoCredits}, nil
		}
		return Decision{}, fmt.Errorf("failed to charge credit: %w", err)
	}

	e.metrics.RecordAuthorization(string(plan), string(kind), resultCredit)
	e.metrics.RecordCreditChange(string(kind), "decrement", 1)
	return Decision{Allowed: true, ChargedCredit: true, Remaining: balance}, nil
}

// Balance returns the sub-account's current prepaid credit balance.
func (e *Enforcer) Balance(ctx context.Context, subAccountID string, kind CreditKind) (int, error) {
	started := e.now()
	balance, err := e.ledger.GetBalance(ctx, subAccountID, kind)
	e.metrics.RecordStoreOperation("get_balance", e.now().Sub(started), err)
	return balance, err
}

// monthlyLimit resolves the included monthly allowance for (plan, kind).
// Plans or kinds missing from the policy table have no included quota.
func (e *Enforcer) monthlyLimit(plan Plan, kind CreditKind) int {
	quota, ok := e.config.Quotas[plan]
	if !ok {
		return 0
	}
	limit, ok := quota.MonthlyLimits[kind]
	if !ok {
		return 0
	}
	return limit
}
