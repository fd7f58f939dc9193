package billing

import "context"

// ApplyResult reports what a canonical subscription write actually did.
type ApplyResult int

const (
	// ApplyWritten means the marker was recorded and the row was written.
	ApplyWritten ApplyResult = iota
	// ApplyStale means the marker was recorded but the row was kept because it is newer.
	ApplyStale
	// ApplyDuplicate means the event was already recorded; nothing was written.
	ApplyDuplicate
)

func (r ApplyResult) String() string {
	switch r {
	case ApplyWritten:
		return "written"
	case ApplyStale:
		return "stale"
	case ApplyDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// EventLog is the persisted dedup log of provider events.
type EventLog interface {
	// HasProcessed reports whether the event id is already in the log.
	HasProcessed(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed inserts the event into the log.
	// Returns false (and no error) when the event id is already present.
	// The insert must be guarded by a uniqueness constraint on the event id.
	MarkProcessed(ctx context.Context, rec *ProcessedEvent) (bool, error)
}

// SubscriptionStore holds canonical subscription rows, one per user.
type SubscriptionStore interface {
	// GetSubscription returns the user's canonical row or ErrSubscriptionNotFound.
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)

	// ApplySubscription atomically records rec in the dedup log and upserts sub by user id
	// when ShouldReplace allows it. Either both happen or neither does; a failure leaves
	// no dedup marker behind. The previous row is returned when one existed.
	ApplySubscription(ctx context.Context, rec *ProcessedEvent, sub *Subscription) (ApplyResult, *Subscription, error)
}

// CustomerStore holds the immutable customer to user mappings.
type CustomerStore interface {
	// GetCustomerByUser returns the mapping for a user or ErrCustomerMappingNotFound.
	GetCustomerByUser(ctx context.Context, userID string) (*CustomerMapping, error)

	// GetCustomerByID returns the mapping for a billing customer or ErrCustomerMappingNotFound.
	GetCustomerByID(ctx context.Context, customerID string) (*CustomerMapping, error)

	// CreateCustomerMapping stores m unless the user already has a mapping, in which case the
	// stored mapping is returned unchanged. Returns ErrCustomerMappingConflict when the
	// customer id is already linked to a different user.
	CreateCustomerMapping(ctx context.Context, m *CustomerMapping) (*CustomerMapping, error)
}

// EntitlementStore holds the denormalized entitlement copy read by the request path.
type EntitlementStore interface {
	// GetEntitlement returns the projected entitlement or ErrEntitlementNotFound.
	GetEntitlement(ctx context.Context, userID string) (*UserEntitlement, error)

	// SetEntitlement writes ent when ShouldProject allows it.
	// Returns false when a newer projection is already stored.
	SetEntitlement(ctx context.Context, ent *UserEntitlement) (bool, error)

	// ClearEntitlement removes the user's projected entitlement unconditionally.
	ClearEntitlement(ctx context.Context, userID string) error
}

// Storage is implemented by backends that hold every piece of billing state.
type Storage interface {
	EventLog
	SubscriptionStore
	CustomerStore
	EntitlementStore
}
