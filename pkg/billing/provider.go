package billing

import (
	"context"
	"net/http"
)

// Provider is the interface a billing backend implements for the application.
// The synchronous REST layer and the gate middleware depend only on this.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes provider notifications.
	// The implementation handles verification, dedup, reconciliation and projection internally.
	WebhookHandler() http.Handler

	// CreateCheckoutSession starts a provider-hosted checkout for the user and returns its URL.
	CreateCheckoutSession(ctx context.Context, userID, email string) (string, error)

	// CreatePortalSession starts a provider-hosted billing portal session and returns its URL.
	CreatePortalSession(ctx context.Context, userID string) (string, error)

	// Resync re-applies the canonical subscription row onto the user's entitlement.
	// It is idempotent and is the entry point used for repair.
	Resync(ctx context.Context, userID string) (*UserEntitlement, error)
}
