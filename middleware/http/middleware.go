// Package http provides HTTP middleware that gates handlers on the usage
// authorization policy.
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ledgerline/billsync/pkg/billsync"
)

// UserIDExtractor extracts the user ID from an HTTP request.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(r *http.Request) string

// BusinessIDExtractor extracts the sub-account charged for the item.
type BusinessIDExtractor func(r *http.Request, userID string) string

// KindExtractor extracts the credit kind gated by this route.
// For example: "invoices", "expenses".
type KindExtractor func(r *http.Request) billsync.CreditKind

// Config holds middleware configuration.
type Config struct {
	// Accounts resolves the user's plan (required).
	Accounts billsync.AccountStore

	// Enforcer runs the authorization policy (required).
	Enforcer *billsync.Enforcer

	// GetUserID extracts user ID from request (required).
	GetUserID UserIDExtractor

	// GetBusinessID maps a request to the charged sub-account.
	// Default: the user id itself.
	GetBusinessID BusinessIDExtractor

	// GetKind extracts the credit kind (required). See FixedKind.
	GetKind KindExtractor

	// OnDenied is called when the policy denies the action.
	// If nil, returns 402 Payment Required with the decision reason.
	OnDenied func(w http.ResponseWriter, r *http.Request, decision billsync.Decision)

	// OnUnauthorized is called when the user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called on store or enforcer failures.
	// If nil, returns 500 Internal Server Error.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that authorizes one item per request.
// The decision is placed on the request context for the handler; see
// DecisionFromContext.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.GetBusinessID == nil {
		config.GetBusinessID = func(_ *http.Request, userID string) string { return userID }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			ctx := r.Context()

			account, err := config.Accounts.GetAccount(ctx, userID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			kind := config.GetKind(r)
			businessID := config.GetBusinessID(r, userID)

			decision, err := config.Enforcer.AuthorizeUsage(ctx, businessID, account.Plan, kind)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !decision.Allowed {
				if config.OnDenied != nil {
					config.OnDenied(w, r, decision)
				} else {
					defaultDenied(w, decision)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithDecision(ctx, decision)))
		})
	}
}

// HandlerFunc creates the middleware in http.HandlerFunc form.
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func defaultDenied(w http.ResponseWriter, decision billsync.Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":         decision.Reason,
		"needs_payment": decision.NeedsPayment(),
	})
}

// ContextKey is a type for context keys.
type ContextKey string

const (
	// UserIDKey is the context key for user ID.
	UserIDKey ContextKey = "billsync:userID"

	decisionKey ContextKey = "billsync:decision"
)

// WithDecision stores an authorization decision on the context.
func WithDecision(ctx context.Context, decision billsync.Decision) context.Context {
	return context.WithValue(ctx, decisionKey, decision)
}

// DecisionFromContext returns the decision the middleware attached, if any.
// Handlers use it to tell quota usage from a charged credit.
func DecisionFromContext(ctx context.Context) (billsync.Decision, bool) {
	decision, ok := ctx.Value(decisionKey).(billsync.Decision)
	return decision, ok
}

// WithUserID adds user ID to request context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// FromContext returns a UserIDExtractor that gets user ID from request context.
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FixedKind returns a KindExtractor that always returns a fixed credit kind.
func FixedKind(kind billsync.CreditKind) KindExtractor {
	return func(*http.Request) billsync.CreditKind {
		return kind
	}
}
