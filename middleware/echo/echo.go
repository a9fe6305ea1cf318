// Package echo provides Echo middleware that gates handlers on the usage
// authorization policy.
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ledgerline/billsync/pkg/billsync"
)

// DecisionKey is the Echo context key the middleware stores the decision under.
const DecisionKey = "billsync:decision"

// UserIDExtractor extracts the user ID from an Echo context.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(c echo.Context) string

// BusinessIDExtractor extracts the sub-account charged for the item.
type BusinessIDExtractor func(c echo.Context, userID string) string

// KindExtractor extracts the credit kind gated by this route.
type KindExtractor func(c echo.Context) billsync.CreditKind

// Config holds middleware configuration.
type Config struct {
	// Accounts resolves the user's plan (required).
	Accounts billsync.AccountStore

	// Enforcer runs the authorization policy (required).
	Enforcer *billsync.Enforcer

	// GetUserID extracts user ID from context (required).
	GetUserID UserIDExtractor

	// GetBusinessID maps a request to the charged sub-account.
	// Default: the user id itself.
	GetBusinessID BusinessIDExtractor

	// GetKind extracts the credit kind (required). See FixedKind.
	GetKind KindExtractor

	// DeniedStatusCode is returned when the policy denies the action.
	// Default: 402 (Payment Required).
	DeniedStatusCode int

	// OnDenied is called when the policy denies the action.
	// If nil, responds with DeniedStatusCode and the decision reason.
	OnDenied func(c echo.Context, decision billsync.Decision) error

	// OnUnauthorized is called when the user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c echo.Context) error

	// OnError is called on store or enforcer failures.
	// If nil, returns 500 Internal Server Error.
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that authorizes one item per request.
// The decision lands in the Echo context under DecisionKey.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Accounts == nil {
		panic("billsync/echo: Config.Accounts is required")
	}
	if cfg.Enforcer == nil {
		panic("billsync/echo: Config.Enforcer is required")
	}
	if cfg.GetUserID == nil {
		panic("billsync/echo: Config.GetUserID is required")
	}
	if cfg.GetKind == nil {
		panic("billsync/echo: Config.GetKind is required")
	}

	if cfg.GetBusinessID == nil {
		cfg.GetBusinessID = func(_ echo.Context, userID string) string { return userID }
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			ctx := c.Request().Context()

			account, err := cfg.Accounts.GetAccount(ctx, userID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			decision, err := cfg.Enforcer.AuthorizeUsage(ctx, cfg.GetBusinessID(c, userID), account.Plan, cfg.GetKind(c))
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			if !decision.Allowed {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, decision)
				}
				return c.JSON(cfg.DeniedStatusCode, map[string]interface{}{
					"error":         decision.Reason,
					"needs_payment": decision.NeedsPayment(),
				})
			}

			c.Set(DecisionKey, decision)
			return next(c)
		}
	}
}

// DecisionFromContext returns the decision the middleware attached, if any.
func DecisionFromContext(c echo.Context) (billsync.Decision, bool) {
	if decision, ok := c.Get(DecisionKey).(billsync.Decision); ok {
		return decision, true
	}
	return billsync.Decision{}, false
}

// FromContext returns a UserIDExtractor that gets user ID from Echo context
// values, for integrating with auth middleware that calls c.Set.
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter.
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FixedKind returns a KindExtractor that always returns a fixed credit kind.
func FixedKind(kind billsync.CreditKind) KindExtractor {
	return func(echo.Context) billsync.CreditKind {
		return kind
	}
}

// BusinessFromParam returns a BusinessIDExtractor that reads a route
// parameter, falling back to the user id when absent.
func BusinessFromParam(paramName string) BusinessIDExtractor {
	return func(c echo.Context, userID string) string {
		if id := c.Param(paramName); id != "" {
			return id
		}
		return userID
	}
}
