package billing

import (
	"fmt"
	"time"
)

// Status is the lifecycle status of a subscription as reported by the billing provider.
type Status string

const (
	StatusActive            Status = "active"
	StatusTrialing          Status = "trialing"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusUnpaid            Status = "unpaid"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusPaused            Status = "paused"
)

var validStatuses = map[Status]struct{}{
	StatusActive:            {},
	StatusTrialing:          {},
	StatusPastDue:           {},
	StatusCanceled:          {},
	StatusUnpaid:            {},
	StatusIncomplete:        {},
	StatusIncompleteExpired: {},
	StatusPaused:            {},
}

// tieRanks orders statuses for events that carry the same timestamp. Stripe event
// times are whole seconds, so created and updated events for one subscription often
// collide; the higher rank wins regardless of which delivery lands first.
var tieRanks = map[Status]int{
	StatusIncomplete:        0,
	StatusTrialing:          1,
	StatusActive:            2,
	StatusPastDue:           3,
	StatusUnpaid:            4,
	StatusPaused:            5,
	StatusIncompleteExpired: 6,
	StatusCanceled:          7,
}

// Statuses returns every known status in tie-break order.
func Statuses() []Status {
	out := make([]Status, len(tieRanks))
	for st, rank := range tieRanks {
		out[rank] = st
	}
	return out
}

// ParseStatus validates a provider status string against the closed set of known statuses.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := validStatuses[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := validStatuses[s]
	return ok
}

// TieRank orders s against another status stamped with the same event time.
// Unknown statuses rank below every known one.
func (s Status) TieRank() int {
	if rank, ok := tieRanks[s]; ok {
		return rank
	}
	return -1
}

// Entitled reports whether the status grants access to the paid feature.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrialing
}

// Live reports whether the subscription is still running (possibly with a payment problem).
func (s Status) Live() bool {
	return s == StatusActive || s == StatusTrialing || s == StatusPastDue
}

// Terminal reports whether the subscription can never become active again.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusIncompleteExpired
}

// EventType identifies a provider notification type.
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout.session.completed"
	EventSubscriptionCreated EventType = "customer.subscription.created"
	EventSubscriptionUpdated EventType = "customer.subscription.updated"
	EventSubscriptionDeleted EventType = "customer.subscription.deleted"
)

// Recognized reports whether the engine handles events of this type.
// All other types are acknowledged and ignored.
func (t EventType) Recognized() bool {
	switch t {
	case EventCheckoutCompleted, EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		return true
	}
	return false
}

// ProcessedEvent is a row of the dedup log. Its existence means the event
// was handled (applied or decidedly discarded) and must not be processed again.
type ProcessedEvent struct {
	EventID     string    `json:"event_id" firestore:"event_id"`
	EventType   EventType `json:"event_type" firestore:"event_type"`
	ProcessedAt time.Time `json:"processed_at" firestore:"processed_at"`
}

// CustomerMapping links an external billing customer to an internal user.
// Once stored, a mapping is never reassigned.
type CustomerMapping struct {
	CustomerID string    `json:"customer_id" firestore:"customer_id"`
	UserID     string    `json:"user_id" firestore:"user_id"`
	CreatedAt  time.Time `json:"created_at" firestore:"created_at"`
}

// Subscription is the canonical subscription record of a user.
type Subscription struct {
	UserID         string     `json:"user_id" firestore:"user_id"`
	SubscriptionID string     `json:"subscription_id" firestore:"subscription_id"`
	CustomerID     string     `json:"customer_id" firestore:"customer_id"`
	Status         Status     `json:"status" firestore:"status"`
	PlanCode       string     `json:"plan_code" firestore:"plan_code"`
	PriceID        string     `json:"price_id" firestore:"price_id"`
	PeriodStart    *time.Time `json:"period_start,omitempty" firestore:"period_start"`
	PeriodEnd      *time.Time `json:"period_end,omitempty" firestore:"period_end"`

	// UpdatedAt is the effective time of the provider event that produced this row.
	UpdatedAt time.Time `json:"updated_at" firestore:"updated_at"`
}

// UserEntitlement is the denormalized, fast-read copy of a user's subscription state.
type UserEntitlement struct {
	UserID         string     `json:"user_id" firestore:"user_id"`
	Status         Status     `json:"status" firestore:"status"`
	PlanCode       string     `json:"plan_code" firestore:"plan_code"`
	PeriodEnd      *time.Time `json:"period_end,omitempty" firestore:"period_end"`
	CustomerID     string     `json:"customer_id,omitempty" firestore:"customer_id"`
	SubscriptionID string     `json:"subscription_id,omitempty" firestore:"subscription_id"`

	// SourceUpdatedAt is the UpdatedAt of the canonical row this copy was projected from.
	SourceUpdatedAt time.Time `json:"source_updated_at" firestore:"source_updated_at"`
}

// Active reports whether the entitlement grants access.
func (e *UserEntitlement) Active() bool {
	return e != nil && e.Status.Entitled()
}

// EntitlementFrom builds the projection of a canonical subscription row.
func EntitlementFrom(sub *Subscription) *UserEntitlement {
	return &UserEntitlement{
		UserID:          sub.UserID,
		Status:          sub.Status,
		PlanCode:        sub.PlanCode,
		PeriodEnd:       sub.PeriodEnd,
		CustomerID:      sub.CustomerID,
		SubscriptionID:  sub.SubscriptionID,
		SourceUpdatedAt: sub.UpdatedAt,
	}
}

// ShouldReplace reports whether incoming may overwrite the stored canonical row.
// Storage backends evaluate it inside the same atomic step as the write.
//
// An older event never regresses a newer row. On equal timestamps the later
// period end wins, then the higher TieRank. A terminal status for a different subscription never
// replaces a live one, which covers a cancellation of an old subscription arriving
// after the user already resubscribed.
func ShouldReplace(existing, incoming *Subscription) bool {
	if existing == nil {
		return true
	}
	if existing.SubscriptionID != incoming.SubscriptionID &&
		existing.Status.Live() && incoming.Status.Terminal() {
		return false
	}
	if incoming.UpdatedAt.Before(existing.UpdatedAt) {
		return false
	}
	if incoming.UpdatedAt.Equal(existing.UpdatedAt) {
		switch {
		case periodEndBefore(incoming.PeriodEnd, existing.PeriodEnd):
			return false
		case periodEndBefore(existing.PeriodEnd, incoming.PeriodEnd):
			return true
		}
		return incoming.Status.TieRank() >= existing.Status.TieRank()
	}
	return true
}

// ShouldProject reports whether incoming may overwrite the stored projection.
// Equal source times fall back to TieRank, as in ShouldReplace.
func ShouldProject(existing, incoming *UserEntitlement) bool {
	if existing == nil {
		return true
	}
	if incoming.SourceUpdatedAt.Equal(existing.SourceUpdatedAt) {
		return incoming.Status.TieRank() >= existing.Status.TieRank()
	}
	return incoming.SourceUpdatedAt.After(existing.SourceUpdatedAt)
}

func periodEndBefore(a, b *time.Time) bool {
	if b == nil {
		return false
	}
	if a == nil {
		return true
	}
	return a.Before(*b)
}
