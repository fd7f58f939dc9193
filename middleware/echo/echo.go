// Package echo provides Echo middleware for subscription gating
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

// EntitlementKey is the Echo context key holding the admitted *billing.UserEntitlement
const EntitlementKey = "subgate.entitlement"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Checker decides access (required)
	Checker *billing.AccessChecker

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 with code UNAUTHENTICATED
	OnUnauthorized func(c echo.Context) error

	// OnForbidden is called when the user has no active or trialing subscription
	// If nil, returns 403 with code SUBSCRIPTION_REQUIRED
	OnForbidden func(c echo.Context) error

	// OnError is called when access cannot be decided
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// RequireActiveSubscription creates an Echo middleware that admits only users
// whose subscription is active or trialing
func RequireActiveSubscription(cfg Config) echo.MiddlewareFunc {
	if cfg.Checker == nil {
		panic("subgate/echo: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("subgate/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			ent, err := cfg.Checker.Check(c.Request().Context(), userID)
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

			c.Set(EntitlementKey, ent)
			return next(c)
		}
	}
}

// Entitlement returns the entitlement admitted by RequireActiveSubscription
func Entitlement(c echo.Context) (*billing.UserEntitlement, bool) {
	ent, ok := c.Get(EntitlementKey).(*billing.UserEntitlement)
	return ent, ok
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "authentication required", "code": "UNAUTHENTICATED"})
}

func defaultForbidden(c echo.Context) error {
	return c.JSON(http.StatusForbidden, map[string]string{
		"error": "an active subscription is required",
		"code":  "SUBSCRIPTION_REQUIRED",
	})
}

func defaultError(c echo.Context) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error", "code": "INTERNAL_ERROR"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an upstream auth middleware via c.Set(key, userID)
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
