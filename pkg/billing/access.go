package billing

import (
	"context"
	"errors"
	"fmt"
)

// EntitlementReader reads the fast entitlement projection.
type EntitlementReader interface {
	GetEntitlement(ctx context.Context, userID string) (*UserEntitlement, error)
}

// SubscriptionReader reads the canonical subscription row.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)
}

// AccessChecker decides whether a user may use subscription-gated features.
type AccessChecker struct {
	entitlements  EntitlementReader
	subscriptions SubscriptionReader
}

// NewAccessChecker creates a checker reading the projection. When subscriptions is
// non-nil, a missing, unreadable or inactive projection is confirmed against the
// canonical row, which covers a projection that has not caught up yet.
func NewAccessChecker(entitlements EntitlementReader, subscriptions SubscriptionReader) *AccessChecker {
	return &AccessChecker{entitlements: entitlements, subscriptions: subscriptions}
}

// Check returns the user's entitlement when it is active or trialing.
// Otherwise it returns ErrSubscriptionRequired, or a transient error when no
// store could answer.
func (c *AccessChecker) Check(ctx context.Context, userID string) (*UserEntitlement, error) {
	ent, err := c.entitlements.GetEntitlement(ctx, userID)
	if err == nil && ent.Active() {
		return ent, nil
	}
	if err != nil && !errors.Is(err, ErrEntitlementNotFound) && c.subscriptions == nil {
		return nil, fmt.Errorf("failed to read entitlement: %w", err)
	}
	if c.subscriptions == nil {
		return nil, ErrSubscriptionRequired
	}

	sub, serr := c.subscriptions.GetSubscription(ctx, userID)
	switch {
	case serr == nil && sub.Status.Entitled():
		return EntitlementFrom(sub), nil
	case serr == nil, errors.Is(serr, ErrSubscriptionNotFound):
		return nil, ErrSubscriptionRequired
	}
	return nil, fmt.Errorf("failed to read subscription: %w", serr)
}
