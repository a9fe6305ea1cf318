package billsync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ledgerline/billsync/pkg/billsync"
	"github.com/ledgerline/billsync/storage/memory"
)

func newTestEnforcer(t *testing.T) (*billsync.Enforcer, *memory.Store) {
	t.Helper()

	store := memory.New()
	enforcer, err := billsync.NewEnforcer(store, store, billsync.DefaultConfig())
	if err != nil {
		t.Fatalf("NewEnforcer failed: %v", err)
	}
	return enforcer, store
}

func TestEnforcer_PolicyTable(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name          string
		plan          billsync.Plan
		credits       int
		usedThisMonth int
		wantAllowed   bool
		wantCharged   bool
		wantRemaining int
	}{
		{
			name:          "Free plan with credits charges one",
			plan:          billsync.PlanFree,
			credits:       3,
			wantAllowed:   true,
			wantCharged:   true,
			wantRemaining: 2,
		},
		{
			name:        "Free plan with no credits needs payment",
			plan:        billsync.PlanFree,
			credits:     0,
			wantAllowed: false,
		},
		{
			name:          "Professional under quota is free",
			plan:          billsync.PlanProfessional,
			credits:       5,
			usedThisMonth: 10,
			wantAllowed:   true,
			wantCharged:   false,
			wantRemaining: 29,
		},
		{
			name:          "Professional at quota falls back to credits",
			plan:          billsync.PlanProfessional,
			credits:       5,
			usedThisMonth: 40,
			wantAllowed:   true,
			wantCharged:   true,
			wantRemaining: 4,
		},
		{
			name:          "Professional over quota without credits needs payment",
			plan:          billsync.PlanProfessional,
			credits:       0,
			usedThisMonth: 41,
			wantAllowed:   false,
		},
		{
			name:          "Enterprise is unlimited",
			plan:          billsync.PlanEnterprise,
			credits:       0,
			usedThisMonth: 10000,
			wantAllowed:   true,
			wantCharged:   false,
			wantRemaining: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enforcer, store := newTestEnforcer(t)
			subAccount := "biz_1"

			if tt.credits > 0 {
				if _, err := store.Increment(ctx, subAccount, billsync.CreditInvoices, tt.credits); err != nil {
					t.Fatalf("Increment failed: %v", err)
				}
			}
			now := time.Now().UTC()
			for i := 0; i < tt.usedThisMonth; i++ {
				store.RecordItem(subAccount, billsync.CreditInvoices, now)
			}

			decision, err := enforcer.AuthorizeUsage(ctx, subAccount, tt.plan, billsync.CreditInvoices)
			if err != nil {
				t.Fatalf("AuthorizeUsage failed: %v", err)
			}

			if decision.Allowed != tt.wantAllowed {
				t.Errorf("Allowed: got %v, want %v", decision.Allowed, tt.wantAllowed)
			}
			if decision.ChargedCredit != tt.wantCharged {
				t.Errorf("ChargedCredit: got %v, want %v", decision.ChargedCredit, tt.wantCharged)
			}
			if tt.wantAllowed && decision.Remaining != tt.wantRemaining {
				t.Errorf("Remaining: got %d, want %d", decision.Remaining, tt.wantRemaining)
			}
			if !tt.wantAllowed {
				if !decision.NeedsPayment() {
					t.Error("expected NeedsPayment for a denied decision")
				}
				if decision.Reason == "" {
					t.Error("denied decision must carry a reason")
				}
			}
		})
	}
}

func TestEnforcer_InvalidPlan(t *testing.T) {
	enforcer, _ := newTestEnforcer(t)

	_, err := enforcer.AuthorizeUsage(context.Background(), "biz_1", billsync.Plan("platinum"), billsync.CreditInvoices)
	if !errors.Is(err, billsync.ErrInvalidPlan) {
		t.Errorf("expected ErrInvalidPlan, got %v", err)
	}
}

func TestEnforcer_LastMonthUsageDoesNotCount(t *testing.T) {
	ctx := context.Background()
	enforcer, store := newTestEnforcer(t)
	subAccount := "biz_1"

	// Fill last month far beyond the professional quota.
	lastMonth := time.Now().UTC().AddDate(0, -1, 0)
	for i := 0; i < 100; i++ {
		store.RecordItem(subAccount, billsync.CreditInvoices, lastMonth)
	}

	decision, err := enforcer.AuthorizeUsage(ctx, subAccount, billsync.PlanProfessional, billsync.CreditInvoices)
	if err != nil {
		t.Fatalf("AuthorizeUsage failed: %v", err)
	}
	if !decision.Allowed || decision.ChargedCredit {
		t.Errorf("expected free allowance in a fresh month, got %+v", decision)
	}
}

func TestEnforcer_KindsAreIndependent(t *testing.T) {
	ctx := context.Background()
	enforcer, store := newTestEnforcer(t)
	subAccount := "biz_1"

	// Exhaust the invoice quota; expenses must be unaffected.
	now := time.Now().UTC()
	for i := 0; i < 40; i++ {
		store.RecordItem(subAccount, billsync.CreditInvoices, now)
	}

	decision, err := enforcer.AuthorizeUsage(ctx, subAccount, billsync.PlanProfessional, billsync.CreditExpenses)
	if err != nil {
		t.Fatalf("AuthorizeUsage failed: %v", err)
	}
	if !decision.Allowed || decision.ChargedCredit {
		t.Errorf("expected expenses quota untouched, got %+v", decision)
	}
}

func TestEnforcer_ConcurrentLastCredit(t *testing.T) {
	ctx := context.Background()
	enforcer, store := newTestEnforcer(t)
	subAccount := "biz_race"

	if _, err := store.Increment(ctx, subAccount, billsync.CreditInvoices, 1); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}

	const attempts = 10
	results := make([]billsync.Decision, attempts)

	var g errgroup.Group
	for i := 0; i < attempts; i++ {
		g.Go(func() error {
			decision, err := enforcer.AuthorizeUsage(ctx, subAccount, billsync.PlanFree, billsync.CreditInvoices)
			if err != nil {
				return err
			}
			results[i] = decision
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent AuthorizeUsage failed: %v", err)
	}

	charged := 0
	for _, d := range results {
		if d.ChargedCredit {
			charged++
		}
	}
	if charged != 1 {
		t.Errorf("exactly one caller must win the last credit, got %d", charged)
	}

	balance, err := enforcer.Balance(ctx, subAccount, billsync.CreditInvoices)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 0 {
		t.Errorf("balance must never go negative, got %d", balance)
	}
}

// captureMetrics records store-operation telemetry for assertions.
type captureMetrics struct {
	billsync.NoopMetrics
	ops  []string
	errs []error
}

func (m *captureMetrics) RecordStoreOperation(op string, _ time.Duration, err error) {
	m.ops = append(m.ops, op)
	m.errs = append(m.errs, err)
}

func TestEnforcer_RecordsStoreOperations(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	metrics := &captureMetrics{}
	config := billsync.DefaultConfig()
	config.Metrics = metrics

	enforcer, err := billsync.NewEnforcer(store, store, config)
	if err != nil {
		t.Fatalf("NewEnforcer failed: %v", err)
	}

	if _, err := enforcer.AuthorizeUsage(ctx, "biz_1", billsync.PlanProfessional, billsync.CreditInvoices); err != nil {
		t.Fatalf("AuthorizeUsage failed: %v", err)
	}
	decision, err := enforcer.AuthorizeUsage(ctx, "biz_1", billsync.PlanFree, billsync.CreditInvoices)
	if err != nil {
		t.Fatalf("AuthorizeUsage failed: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected denial without credits, got %+v", decision)
	}
	if _, err := enforcer.Balance(ctx, "biz_1", billsync.CreditInvoices); err != nil {
		t.Fatalf("Balance failed: %v", err)
	}

	want := []string{"count_in_window", "decrement_if_positive", "get_balance"}
	if len(metrics.ops) != len(want) {
		t.Fatalf("recorded operations: got %v, want %v", metrics.ops, want)
	}
	for i, op := range want {
		if metrics.ops[i] != op {
			t.Errorf("operation %d: got %q, want %q", i, metrics.ops[i], op)
		}
	}
	for i, err := range metrics.errs {
		// A denial is a policy outcome; no operation here failed.
		if err != nil {
			t.Errorf("operation %q recorded error %v", metrics.ops[i], err)
		}
	}
}

func TestNewEnforcer_RequiresStores(t *testing.T) {
	store := memory.New()

	if _, err := billsync.NewEnforcer(nil, store, billsync.DefaultConfig()); err == nil {
		t.Error("expected error for nil ledger")
	}
	if _, err := billsync.NewEnforcer(store, nil, billsync.DefaultConfig()); err == nil {
		t.Error("expected error for nil usage source")
	}
}
