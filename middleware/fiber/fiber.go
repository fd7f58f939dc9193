// Package fiber provides Fiber middleware for subscription gating
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

// EntitlementKey is the Fiber locals key holding the admitted *billing.UserEntitlement
const EntitlementKey = "subgate.entitlement"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Checker decides access (required)
	Checker *billing.AccessChecker

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 with code UNAUTHENTICATED
	OnUnauthorized func(c *fiber.Ctx) error

	// OnForbidden is called when the user has no active or trialing subscription
	// If nil, returns 403 with code SUBSCRIPTION_REQUIRED
	OnForbidden func(c *fiber.Ctx) error

	// OnError is called when access cannot be decided
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// RequireActiveSubscription creates a Fiber middleware that admits only users
// whose subscription is active or trialing
func RequireActiveSubscription(cfg Config) fiber.Handler {
	if cfg.Checker == nil {
		panic("subgate/fiber: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("subgate/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		// Fiber uses fasthttp, so the request context comes from c.UserContext()
		ent, err := cfg.Checker.Check(c.UserContext(), userID)
		if errors.Is(err, billing.ErrSubscriptionRequired) {
			if cfg.OnForbidden != nil {
				return cfg.OnForbidden(c)
			}
			return defaultForbidden(c)
		}
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return defaultError(c)
		}

		c.Locals(EntitlementKey, ent)
		return c.Next()
	}
}

// Entitlement returns the entitlement admitted by RequireActiveSubscription
func Entitlement(c *fiber.Ctx) (*billing.UserEntitlement, bool) {
	ent, ok := c.Locals(EntitlementKey).(*billing.UserEntitlement)
	return ent, ok
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "authentication required", "code": "UNAUTHENTICATED"})
}

func defaultForbidden(c *fiber.Ctx) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"error": "an active subscription is required",
		"code":  "SUBSCRIPTION_REQUIRED",
	})
}

func defaultError(c *fiber.Ctx) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error", "code": "INTERNAL_ERROR"})
}

// Convenience extractors for User ID

// FromLocals returns a UserIDExtractor that gets user ID from Fiber locals
// set by an upstream auth middleware via c.Locals(key, userID)
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
