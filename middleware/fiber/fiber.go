// Package fiber provides Fiber middleware that gates handlers on the usage
// authorization policy.
package fiber

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/ledgerline/billsync/pkg/billsync"
)

// DecisionKey is the Fiber locals key the middleware stores the decision under.
const DecisionKey = "billsync:decision"

// UserIDExtractor extracts the user ID from a Fiber context.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(c *fiber.Ctx) string

// BusinessIDExtractor extracts the sub-account charged for the item.
type BusinessIDExtractor func(c *fiber.Ctx, userID string) string

// KindExtractor extracts the credit kind gated by this route.
type KindExtractor func(c *fiber.Ctx) billsync.CreditKind

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
	OnDenied func(c *fiber.Ctx, decision billsync.Decision) error

	// OnUnauthorized is called when the user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called on store or enforcer failures.
	// If nil, returns 500 Internal Server Error.
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that authorizes one item per request.
// The decision lands in the request locals under DecisionKey.
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Accounts == nil {
		panic("billsync/fiber: Config.Accounts is required")
	}
	if cfg.Enforcer == nil {
		panic("billsync/fiber: Config.Enforcer is required")
	}
	if cfg.GetUserID == nil {
		panic("billsync/fiber: Config.GetUserID is required")
	}
	if cfg.GetKind == nil {
		panic("billsync/fiber: Config.GetKind is required")
	}

	if cfg.GetBusinessID == nil {
		cfg.GetBusinessID = func(_ *fiber.Ctx, userID string) string { return userID }
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusPaymentRequired
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		ctx := c.UserContext()

		account, err := cfg.Accounts.GetAccount(ctx, userID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		decision, err := cfg.Enforcer.AuthorizeUsage(ctx, cfg.GetBusinessID(c, userID), account.Plan, cfg.GetKind(c))
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		if !decision.Allowed {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, decision)
			}
			return c.Status(cfg.DeniedStatusCode).JSON(fiber.Map{
				"error":         decision.Reason,
				"needs_payment": decision.NeedsPayment(),
			})
		}

		c.Locals(DecisionKey, decision)
		return c.Next()
	}
}

// DecisionFromContext returns the decision the middleware attached, if any.
func DecisionFromContext(c *fiber.Ctx) (billsync.Decision, bool) {
	if decision, ok := c.Locals(DecisionKey).(billsync.Decision); ok {
		return decision, true
	}
	return billsync.Decision{}, false
}

// FromLocals returns a UserIDExtractor that gets user ID from Fiber locals,
// for integrating with auth middleware that calls c.Locals.
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter.
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FixedKind returns a KindExtractor that always returns a fixed credit kind.
func FixedKind(kind billsync.CreditKind) KindExtractor {
	return func(*fiber.Ctx) billsync.CreditKind {
		return kind
	}
}

// BusinessFromParam returns a BusinessIDExtractor that reads a route
// parameter, falling back to the user id when absent.
func BusinessFromParam(paramName string) BusinessIDExtractor {
	return func(c *fiber.Ctx, userID string) string {
		if id := c.Params(paramName); id != "" {
			return id
		}
		return userID
	}
}
