// Package api exposes the billing engine over HTTP: account standing,
// plan changes, usage authorization, and the provider webhook mount.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ledgerline/billsync/pkg/billing"
	"github.com/ledgerline/billsync/pkg/billsync"
)

const (
	maxUserIDLen = 255
	maxBodyBytes = 64 * 1024
)

// Handler provides the HTTP endpoints for the billing engine.
type Handler struct {
	config Config
}

// Router builds the chi router for the billing surface. The webhook route is
// mounted unauthenticated; every other route requires GetUserID to resolve.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/account", h.GetAccount)
	r.Post("/plan", h.ChangePlan)
	r.Post("/plan/cancel", h.CancelPlan)
	r.Post("/plan/reactivate", h.ReactivatePlan)
	r.Post("/usage/authorize", h.AuthorizeUsage)

	if h.config.Provider != nil {
		r.Mount("/webhooks/"+h.config.Provider.Name(), h.config.Provider.WebhookHandler())
	}

	return r
}

// GetAccount returns the account's plan standing and credit balances.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	account, err := h.config.Accounts.GetAccount(ctx, userID)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}

	response := AccountResponse{
		UserID:            account.UserID,
		Plan:              string(account.Plan),
		TrialUsed:         account.TrialUsed,
		CancelAtPeriodEnd: account.CancelAtPeriodEnd,
		PeriodEnd:         account.PeriodEnd,
		Credits:           map[string]int{},
	}

	if h.config.Ledger != nil {
		businessID := h.config.BusinessID(r, userID)
		for _, kind := range h.config.CreditKinds {
			balance, err := h.config.Ledger.GetBalance(ctx, businessID, kind)
			if err != nil {
				// One unreadable balance must not fail the whole view.
				h.config.Logger.Warn("failed to read credit balance",
					billsync.Field{Key: "user_id", Value: userID},
					billsync.Field{Key: "kind", Value: string(kind)},
					billsync.Field{Key: "error", Value: err.Error()},
				)
				continue
			}
			response.Credits[string(kind)] = balance
		}
	}

	h.writeJSON(w, http.StatusOK, response)
}

// ChangePlan starts or applies a move to a paid plan.
func (h *Handler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if h.config.Provider == nil {
		h.handleError(w, r, billing.ErrProviderNotConfigured, http.StatusServiceUnavailable)
		return
	}

	var req PlanChangeRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	result, err := h.config.Provider.RequestPlanChange(r.Context(), userID,
		billsync.Plan(req.Plan), billsync.BillingPeriod(req.Period))
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}

	h.writeJSON(w, http.StatusOK, PlanChangeResponse{
		Upgraded:     result.Upgraded,
		ClientSecret: result.ClientSecret,
		IntentKind:   string(result.Kind),
	})
}

// CancelPlan schedules the subscription to end at the period boundary.
func (h *Handler) CancelPlan(w http.ResponseWriter, r *http.Request) {
	h.subscriptionAction(w, r, func() error {
		return h.config.Provider.CancelSubscription(r.Context(), h.config.GetUserID(r))
	})
}

// ReactivatePlan drops a pending period-end cancellation.
func (h *Handler) ReactivatePlan(w http.ResponseWriter, r *http.Request) {
	h.subscriptionAction(w, r, func() error {
		return h.config.Provider.ReactivateSubscription(r.Context(), h.config.GetUserID(r))
	})
}

func (h *Handler) subscriptionAction(w http.ResponseWriter, r *http.Request, action func() error) {
	if _, ok := h.userID(w, r); !ok {
		return
	}
	if h.config.Provider == nil {
		h.handleError(w, r, billing.ErrProviderNotConfigured, http.StatusServiceUnavailable)
		return
	}
	if err := action(); err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AuthorizeUsage runs the limit policy for one prospective item.
func (h *Handler) AuthorizeUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if h.config.Enforcer == nil {
		h.handleError(w, r, billsync.ErrStorageUnavailable, http.StatusServiceUnavailable)
		return
	}

	var req AuthorizeRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	kind := billsync.CreditKind(req.Kind)
	if !h.knownKind(kind) {
		h.handleError(w, r, fmt.Errorf("unknown credit kind %q", req.Kind), http.StatusBadRequest)
		return
	}

	businessID := req.BusinessID
	if businessID == "" {
		businessID = h.config.BusinessID(r, userID)
	}

	account, err := h.config.Accounts.GetAccount(ctx, userID)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}

	decision, err := h.config.Enforcer.AuthorizeUsage(ctx, businessID, account.Plan, kind)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}

	h.writeJSON(w, http.StatusOK, AuthorizeResponse{
		Allowed:       decision.Allowed,
		ChargedCredit: decision.ChargedCredit,
		Remaining:     decision.Remaining,
		Reason:        decision.Reason,
		NeedsPayment:  decision.NeedsPayment(),
	})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func (h *Handler) knownKind(kind billsync.CreditKind) bool {
	for _, known := range h.config.CreditKinds {
		if kind == known {
			return true
		}
	}
	return false
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, billsync.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, billsync.ErrInvalidPlan),
		errors.Is(err, billing.ErrInvalidBillingPeriod),
		errors.Is(err, billing.ErrFreePlanNotBillable),
		errors.Is(err, billing.ErrMissingBillingEmail):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrNoSubscription):
		return http.StatusConflict
	case errors.Is(err, billing.ErrProviderNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, billing.ErrNoClientSecret),
		errors.Is(err, billing.ErrProviderAPIError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		_ = err // response already committed
	}
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err, statusCode)
		return
	}
	h.writeJSON(w, statusCode, ErrorResponse{Error: err.Error()})
}
