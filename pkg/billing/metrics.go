package billing

import "time"

// Metrics defines the interface for tracking billing operations.
// All methods are optional - components fall back to NoopMetrics when nil.
type Metrics interface {
	// RecordWebhookEvent records a webhook event and the outcome it was resolved to.
	// outcome: one of the Outcome names (e.g. "applied", "duplicate", "stale")
	RecordWebhookEvent(provider, eventType, outcome string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: "auth_failed", "invalid_payload", "transient", ...
	RecordWebhookError(provider, errorType string)

	// RecordStatusChange records a transition of a canonical subscription status.
	// from is empty for a user's first subscription row.
	RecordStatusChange(provider, from, to string)

	// RecordProjection records an entitlement projection attempt.
	// result: "ok" or "degraded"
	RecordProjection(result string)

	// RecordResync records a resync of a user's entitlement.
	// status: "success" or "error"
	RecordResync(status string)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The API operation called (e.g., "customers.retrieve")
	// status: "success", "error" or "circuit_open"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordStatusChange(_, _, _ string)                            {}
func (n *NoopMetrics) RecordProjection(_ string)                                    {}
func (n *NoopMetrics) RecordResync(_ string)                                        {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
