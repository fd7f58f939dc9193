package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/singleflight"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

// Client is the subset of the Stripe API the engine depends on.
type Client interface {
	RetrieveCustomer(ctx context.Context, customerID string) (*stripe.Customer, error)
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
	CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error)
}

const (
	endpointCustomersRetrieve     = "customers.retrieve"
	endpointCustomersCreate       = "customers.create"
	endpointSubscriptionsRetrieve = "subscriptions.retrieve"
	endpointCheckoutCreate        = "checkout.sessions.create"
	endpointPortalCreate          = "billing_portal.sessions.create"
)

// APIClient implements Client on top of the stripe-go client. Every call is
// timed, counted and guarded by a circuit breaker. Concurrent retrievals of the
// same customer collapse into one request.
type APIClient struct {
	sc      *stripe.Client
	breaker billing.CircuitBreaker
	metrics billing.Metrics
	group   singleflight.Group
}

// NewAPIClient creates a Stripe API client.
// breaker and metrics may be nil.
func NewAPIClient(apiKey string, breaker billing.CircuitBreaker, metrics billing.Metrics) *APIClient {
	if breaker == nil {
		breaker = billing.NewDefaultCircuitBreaker(billing.CircuitBreakerConfig{IsFailure: IsTransientAPIError})
	}
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	return &APIClient{
		sc:      stripe.NewClient(apiKey),
		breaker: breaker,
		metrics: metrics,
	}
}

func (c *APIClient) RetrieveCustomer(ctx context.Context, customerID string) (*stripe.Customer, error) {
	v, err, _ := c.group.Do("customer:"+customerID, func() (interface{}, error) {
		return call(ctx, c, endpointCustomersRetrieve, func() (*stripe.Customer, error) {
			return c.sc.V1Customers.Retrieve(ctx, customerID, nil)
		})
	})
	if err != nil {
		return nil, err
	}
	return v.(*stripe.Customer), nil
}

func (c *APIClient) RetrieveSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	return call(ctx, c, endpointSubscriptionsRetrieve, func() (*stripe.Subscription, error) {
		return c.sc.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	})
}

func (c *APIClient) CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	return call(ctx, c, endpointCustomersCreate, func() (*stripe.Customer, error) {
		return c.sc.V1Customers.Create(ctx, params)
	})
}

func (c *APIClient) CreateCheckoutSession(
	ctx context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	return call(ctx, c, endpointCheckoutCreate, func() (*stripe.CheckoutSession, error) {
		return c.sc.V1CheckoutSessions.Create(ctx, params)
	})
}

func (c *APIClient) CreatePortalSession(
	ctx context.Context, params *stripe.BillingPortalSessionCreateParams,
) (*stripe.BillingPortalSession, error) {
	return call(ctx, c, endpointPortalCreate, func() (*stripe.BillingPortalSession, error) {
		return c.sc.V1BillingPortalSessions.Create(ctx, params)
	})
}

func call[T any](ctx context.Context, c *APIClient, endpoint string, fn func() (T, error)) (T, error) {
	var out T
	start := time.Now()
	err := c.breaker.Execute(ctx, func() error {
		var err error
		out, err = fn()
		return err
	})
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))

	switch {
	case errors.Is(err, billing.ErrCircuitOpen):
		c.metrics.RecordAPICall(providerName, endpoint, "circuit_open")
		return out, err
	case err != nil:
		c.metrics.RecordAPICall(providerName, endpoint, "error")
		return out, fmt.Errorf("%w: %s: %w", billing.ErrProviderAPIError, endpoint, err)
	}
	c.metrics.RecordAPICall(providerName, endpoint, "success")
	return out, nil
}

// IsTransientAPIError reports whether a Stripe API error is worth retrying.
// Request errors (4xx other than rate limiting) are permanent.
func IsTransientAPIError(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusTooManyRequests {
			return true
		}
		return se.HTTPStatusCode == 0 || se.HTTPStatusCode >= http.StatusInternalServerError
	}
	return true
}

// IsNotFound reports whether a Stripe API error means the object does not exist.
func IsNotFound(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.Code == stripe.ErrorCodeResourceMissing || se.HTTPStatusCode == http.StatusNotFound
	}
	return false
}
