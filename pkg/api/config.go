package api

import (
	"fmt"
	"net/http"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

// Config holds configuration for the billing API handler
type Config struct {
	// Provider creates checkout and portal sessions and resyncs entitlements (required)
	Provider billing.Provider

	// Subscriptions reads the canonical subscription row for the status endpoint (required)
	Subscriptions billing.SubscriptionReader

	// GetUserID extracts user ID from HTTP request (required)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// GetEmail extracts the caller's email, used to prefill new billing customers
	// If nil, no email is sent
	GetEmail func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, writes {error, code, request_id} JSON
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is an optional structured logger. If nil, logging is disabled.
	Logger billing.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}
	if c.Subscriptions == nil {
		return fmt.Errorf("subscriptions is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	if c.Logger == nil {
		c.Logger = &billing.NoopLogger{}
	}
	return nil
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
