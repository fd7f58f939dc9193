package stripe

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

// UserIDMetadataKey is the metadata key written on customers and subscriptions
// created by this service.
const UserIDMetadataKey = "user_id"

// legacyUserIDMetadataKey is accepted on objects created by older integrations.
const legacyUserIDMetadataKey = "userId"

// IdentityResolver maps Stripe subscriptions to internal user ids.
type IdentityResolver struct {
	client    Client
	customers billing.CustomerStore
	logger    billing.Logger
}

// NewIdentityResolver creates a resolver. customers may be nil.
func NewIdentityResolver(client Client, customers billing.CustomerStore, logger billing.Logger) *IdentityResolver {
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	return &IdentityResolver{client: client, customers: customers, logger: logger}
}

// Resolve returns the user owning sub. The chain is: the subscription's own metadata,
// then caller-supplied hints (checkout client reference), then the stored customer
// mapping, then the customer's metadata fetched from Stripe. A deleted customer or an
// exhausted chain yields billing.ErrNoUserMapping.
func (r *IdentityResolver) Resolve(ctx context.Context, sub *stripe.Subscription, hints ...string) (string, error) {
	if userID := userIDFromMetadata(sub.Metadata); userID != "" {
		return userID, nil
	}
	for _, hint := range hints {
		if hint != "" {
			return hint, nil
		}
	}

	if sub.Customer == nil || sub.Customer.ID == "" {
		return "", fmt.Errorf("%w: subscription %s has no customer", billing.ErrNoUserMapping, sub.ID)
	}
	customerID := sub.Customer.ID

	if r.customers != nil {
		m, err := r.customers.GetCustomerByID(ctx, customerID)
		switch {
		case err == nil:
			return m.UserID, nil
		case !errors.Is(err, billing.ErrCustomerMappingNotFound):
			return "", fmt.Errorf("failed to read customer mapping: %w", err)
		}
	}

	// Expanded customers in the payload already carry metadata.
	cust := sub.Customer
	if cust.Metadata == nil && !cust.Deleted {
		fetched, err := r.client.RetrieveCustomer(ctx, customerID)
		if err != nil {
			if IsNotFound(err) {
				return "", fmt.Errorf("%w: customer %s not found", billing.ErrNoUserMapping, customerID)
			}
			return "", fmt.Errorf("failed to retrieve customer: %w", err)
		}
		cust = fetched
	}
	if cust.Deleted {
		r.logger.Warn("Subscription belongs to a deleted customer",
			billing.Field{Key: "subscription_id", Value: sub.ID},
			billing.Field{Key: "customer_id", Value: customerID},
		)
		return "", fmt.Errorf("%w: customer %s is deleted", billing.ErrNoUserMapping, customerID)
	}
	if userID := userIDFromMetadata(cust.Metadata); userID != "" {
		return userID, nil
	}
	return "", fmt.Errorf("%w: no user id on subscription %s or customer %s",
		billing.ErrNoUserMapping, sub.ID, customerID)
}

func userIDFromMetadata(md map[string]string) string {
	if md == nil {
		return ""
	}
	if v := md[UserIDMetadataKey]; v != "" {
		return v
	}
	return md[legacyUserIDMetadataKey]
}
