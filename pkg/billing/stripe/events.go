package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

// Event is a verified Stripe notification decoded once at the boundary.
// For recognized types exactly one of Checkout or Subscription is set;
// for other types both are nil.
type Event struct {
	ID         string
	Type       billing.EventType
	Created    time.Time
	ReceivedAt time.Time

	Checkout     *stripe.CheckoutSession
	Subscription *stripe.Subscription
}

// decodeEvent turns a verified stripe.Event into the tagged union.
func decodeEvent(raw *stripe.Event, receivedAt time.Time) (*Event, error) {
	if raw.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", billing.ErrInvalidWebhookPayload)
	}
	ev := &Event{
		ID:         raw.ID,
		Type:       billing.EventType(raw.Type),
		Created:    time.Unix(raw.Created, 0).UTC(),
		ReceivedAt: receivedAt,
	}
	if !ev.Type.Recognized() {
		return ev, nil
	}
	if raw.Data == nil || len(raw.Data.Raw) == 0 {
		return ev, fmt.Errorf("%w: event %s has no data object", billing.ErrInvalidWebhookPayload, raw.ID)
	}

	switch ev.Type {
	case billing.EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw.Data.Raw, &session); err != nil {
			return ev, fmt.Errorf("%w: failed to unmarshal checkout session: %w", billing.ErrInvalidWebhookPayload, err)
		}
		ev.Checkout = &session
	default:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw.Data.Raw, &sub); err != nil {
			return ev, fmt.Errorf("%w: failed to unmarshal subscription: %w", billing.ErrInvalidWebhookPayload, err)
		}
		if sub.ID == "" {
			return ev, fmt.Errorf("%w: subscription without id", billing.ErrInvalidWebhookPayload)
		}
		ev.Subscription = &sub
	}
	return ev, nil
}

// subscriptionChange extracts the provider-neutral change from a Stripe subscription.
// Period bounds and the price come from the first subscription item.
func subscriptionChange(ev *Event, sub *stripe.Subscription) billing.SubscriptionChange {
	ch := billing.SubscriptionChange{
		EventID:        ev.ID,
		EventType:      ev.Type,
		OccurredAt:     ev.Created,
		SubscriptionID: sub.ID,
		Status:         string(sub.Status),
		Metadata:       sub.Metadata,
	}
	if sub.Customer != nil {
		ch.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
		item := sub.Items.Data[0]
		ch.PeriodStart = item.CurrentPeriodStart
		ch.PeriodEnd = item.CurrentPeriodEnd
		if item.Price != nil {
			ch.PriceID = item.Price.ID
			ch.PriceMetadata = item.Price.Metadata
		}
	}
	return ch
}
