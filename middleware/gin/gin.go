// Package gin provides Gin middleware for subscription gating
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

// EntitlementKey is the Gin context key holding the admitted *billing.UserEntitlement
const EntitlementKey = "subgate.entitlement"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Checker decides access (required)
	Checker *billing.AccessChecker

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 with code UNAUTHENTICATED
	OnUnauthorized func(c *gongin.Context)

	// OnForbidden is called when the user has no active or trialing subscription
	// If nil, returns 403 with code SUBSCRIPTION_REQUIRED
	OnForbidden func(c *gongin.Context)

	// OnError is called when access cannot be decided
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// RequireActiveSubscription creates a Gin middleware that admits only users
// whose subscription is active or trialing
func RequireActiveSubscription(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Checker == nil {
		panic("subgate/gin: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("subgate/gin: Config.GetUserID is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		ent, err := cfg.Checker.Check(c.Request.Context(), userID)
		if err != nil {
			switch {
			case errors.Is(err, billing.ErrSubscriptionRequired) && cfg.OnForbidden != nil:
				cfg.OnForbidden(c)
			case errors.Is(err, billing.ErrSubscriptionRequired):
				defaultForbidden(c)
			case cfg.OnError != nil:
				cfg.OnError(c, err)
			default:
				defaultError(c)
			}
			c.Abort()
			return
		}

		c.Set(EntitlementKey, ent)
		c.Next()
	}
}

// Entitlement returns the entitlement admitted by RequireActiveSubscription
func Entitlement(c *gongin.Context) (*billing.UserEntitlement, bool) {
	val, exists := c.Get(EntitlementKey)
	if !exists {
		return nil, false
	}
	ent, ok := val.(*billing.UserEntitlement)
	return ent, ok
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "authentication required", "code": "UNAUTHENTICATED"})
}

func defaultForbidden(c *gongin.Context) {
	c.JSON(http.StatusForbidden, gongin.H{"error": "an active subscription is required", "code": "SUBSCRIPTION_REQUIRED"})
}

func defaultError(c *gongin.Context) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "internal error", "code": "INTERNAL_ERROR"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In gate middleware config:
//	GetUserID: gin.FromContext("UserID")
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

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
