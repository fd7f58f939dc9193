package billing

import "time"

// WebhookEvent describes a committed canonical subscription change.
// It is passed to the WebhookCallback after the canonical row has been written.
type WebhookEvent struct {
	// UserID is the internal user identifier
	UserID string

	// EventID is the provider event identifier
	EventID string

	// EventType is the provider event type (e.g. "customer.subscription.updated")
	EventType EventType

	// PreviousStatus is the status before the update (empty if the user had no row)
	PreviousStatus Status

	// NewStatus is the status after the update
	NewStatus Status

	// PlanCode is the plan derived for the new row
	PlanCode string

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// PeriodEnd is the end of the current billing period (nil when unknown)
	PeriodEnd *time.Time
}

// WebhookCallback is invoked after a canonical write. Errors are the callback's own concern.
type WebhookCallback func(event WebhookEvent)
