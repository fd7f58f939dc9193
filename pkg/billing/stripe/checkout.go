package stripe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

// CreateCheckoutSession creates a subscription-mode Stripe Checkout Session and returns its URL.
// Users whose canonical subscription is active or trialing are rejected with
// billing.ErrAlreadySubscribed.
func (p *Provider) CreateCheckoutSession(ctx context.Context, userID, email string) (string, error) {
	if p.config.PriceID == "" {
		return "", fmt.Errorf("%w: price id is required for checkout", billing.ErrProviderNotConfigured)
	}

	// 1. Refuse a second subscription
	sub, err := p.storage.GetSubscription(ctx, userID)
	switch {
	case err == nil && sub.Status.Entitled():
		return "", billing.ErrAlreadySubscribed
	case err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound):
		return "", fmt.Errorf("failed to read subscription: %w", err)
	}

	// 2. Resolve or create the customer. The mapping is stored before the session
	// exists so the webhook for this checkout can always be attributed.
	customerID, err := p.ensureCustomer(ctx, userID, email)
	if err != nil {
		return "", err
	}

	// 3. Create Checkout Session
	params := &stripe.CheckoutSessionCreateParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(p.config.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(userID),
		SuccessURL:        stripe.String(p.frontendURL + "/billing/success"),
		CancelURL:         stripe.String(p.frontendURL + "/billing/cancel"),
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: map[string]string{UserIDMetadataKey: userID},
		},
	}
	if p.config.TrialPeriodDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(p.config.TrialPeriodDays)
	}

	session, err := p.client.CreateCheckoutSession(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	p.logger.Info("Checkout session created",
		billing.Field{Key: "user_id", Value: userID},
		billing.Field{Key: "customer_id", Value: customerID},
		billing.Field{Key: "session_id", Value: session.ID},
	)
	return session.URL, nil
}

// CreatePortalSession creates a Stripe Customer Portal Session and returns the URL.
// Users who never started a checkout get billing.ErrCustomerMappingNotFound.
func (p *Provider) CreatePortalSession(ctx context.Context, userID string) (string, error) {
	m, err := p.storage.GetCustomerByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, billing.ErrCustomerMappingNotFound) {
			return "", err
		}
		return "", fmt.Errorf("failed to read customer mapping: %w", err)
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(m.CustomerID),
		ReturnURL: stripe.String(p.frontendURL + "/settings"),
	}
	session, err := p.client.CreatePortalSession(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}
	return session.URL, nil
}

// customerIdempotencyKey scopes customer creation to the user and the email sent
// with it, so a changed email inside Stripe's key window is a new request rather
// than a parameter mismatch on a reused key. Hashed to stay under Stripe's
// 255 character limit for any user id.
func customerIdempotencyKey(userID, email string) string {
	sum := sha256.Sum256([]byte(userID + "\n" + email))
	return "customer-create-" + hex.EncodeToString(sum[:16])
}

// ensureCustomer returns the user's Stripe customer, creating and mapping one when missing.
// Customer creation carries an idempotency key scoped to user and email, and the mapping insert keeps the
// first stored customer when two requests race.
func (p *Provider) ensureCustomer(ctx context.Context, userID, email string) (string, error) {
	m, err := p.storage.GetCustomerByUser(ctx, userID)
	if err == nil {
		return m.CustomerID, nil
	}
	if !errors.Is(err, billing.ErrCustomerMappingNotFound) {
		return "", fmt.Errorf("failed to read customer mapping: %w", err)
	}

	params := &stripe.CustomerCreateParams{
		Metadata: map[string]string{UserIDMetadataKey: userID},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.SetIdempotencyKey(customerIdempotencyKey(userID, email))

	cust, err := p.client.CreateCustomer(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to create customer: %w", err)
	}

	stored, err := p.storage.CreateCustomerMapping(ctx, &billing.CustomerMapping{
		CustomerID: cust.ID,
		UserID:     userID,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store customer mapping: %w", err)
	}
	if stored.CustomerID != cust.ID {
		p.logger.Warn("Concurrent checkout created a second customer; using the stored one",
			billing.Field{Key: "user_id", Value: userID},
			billing.Field{Key: "stored_customer_id", Value: stored.CustomerID},
			billing.Field{Key: "orphan_customer_id", Value: cust.ID},
		)
	}
	return stored.CustomerID, nil
}
