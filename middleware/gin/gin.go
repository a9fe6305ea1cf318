// Package gin provides Gin middleware that gates handlers on the usage
// authorization policy.
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/ledgerline/billsync/pkg/billsync"
)

// DecisionKey is the Gin context key the middleware stores the decision under.
const DecisionKey = "billsync:decision"

// UserIDExtractor extracts the user ID from a Gin context.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(c *gongin.Context) string

// BusinessIDExtractor extracts the sub-account charged for the item.
type BusinessIDExtractor func(c *gongin.Context, userID string) string

// KindExtractor extracts the credit kind gated by this route.
type KindExtractor func(c *gongin.Context) billsync.CreditKind

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
	OnDenied func(c *gongin.Context, decision billsync.Decision)

	// OnUnauthorized is called when the user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *gongin.Context)

	// OnError is called on store or enforcer failures.
	// If nil, returns 500 Internal Server Error.
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that authorizes one item per request.
// The decision lands in the Gin context under DecisionKey.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Accounts == nil {
		panic("billsync/gin: Config.Accounts is required")
	}
	if cfg.Enforcer == nil {
		panic("billsync/gin: Config.Enforcer is required")
	}
	if cfg.GetUserID == nil {
		panic("billsync/gin: Config.GetUserID is required")
	}
	if cfg.GetKind == nil {
		panic("billsync/gin: Config.GetKind is required")
	}

	if cfg.GetBusinessID == nil {
		cfg.GetBusinessID = func(_ *gongin.Context, userID string) string { return userID }
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		ctx := c.Request.Context()

		account, err := cfg.Accounts.GetAccount(ctx, userID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		decision, err := cfg.Enforcer.AuthorizeUsage(ctx, cfg.GetBusinessID(c, userID), account.Plan, cfg.GetKind(c))
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		if !decision.Allowed {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, decision)
			} else {
				c.JSON(cfg.DeniedStatusCode, gongin.H{
					"error":         decision.Reason,
					"needs_payment": decision.NeedsPayment(),
				})
			}
			c.Abort()
			return
		}

		c.Set(DecisionKey, decision)
		c.Next()
	}
}

// DecisionFromContext returns the decision the middleware attached, if any.
func DecisionFromContext(c *gongin.Context) (billsync.Decision, bool) {
	if val, exists := c.Get(DecisionKey); exists {
		if decision, ok := val.(billsync.Decision); ok {
			return decision, true
		}
	}
	return billsync.Decision{}, false
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context
// values, for integrating with auth middleware that calls c.Set.
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter.
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FixedKind returns a KindExtractor that always returns a fixed credit kind.
func FixedKind(kind billsync.CreditKind) KindExtractor {
	return func(*gongin.Context) billsync.CreditKind {
		return kind
	}
}

// BusinessFromParam returns a BusinessIDExtractor that reads a route
// parameter, falling back to the user id when absent.
func BusinessFromParam(paramName string) BusinessIDExtractor {
	return func(c *gongin.Context, userID string) string {
		if id := c.Param(paramName); id != "" {
			return id
		}
		return userID
	}
}
