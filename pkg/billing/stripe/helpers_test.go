package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testUserID        = "u1"
	testCustomerID    = "cus_1"
	testPriceMonthly  = "price_monthly"
	testPriceTrial    = "price_trial"
	testFrontendURL   = "https://app.example.com"
)

// fakeClient is an in-memory stand-in for the Stripe API.
type fakeClient struct {
	mu sync.Mutex

	customers     map[string]*stripe.Customer
	subscriptions map[string]*stripe.Subscription

	retrieveCustomerCalls int
	createdCustomers      []*stripe.CustomerCreateParams
	checkoutParams        []*stripe.CheckoutSessionCreateParams
	portalParams          []*stripe.BillingPortalSessionCreateParams

	err error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		customers:     make(map[string]*stripe.Customer),
		subscriptions: make(map[string]*stripe.Subscription),
	}
}

func notFoundError() error {
	return &stripe.Error{HTTPStatusCode: http.StatusNotFound, Code: stripe.ErrorCodeResourceMissing}
}

func (c *fakeClient) RetrieveCustomer(_ context.Context, id string) (*stripe.Customer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retrieveCustomerCalls++
	if c.err != nil {
		return nil, c.err
	}
	cust, ok := c.customers[id]
	if !ok {
		return nil, notFoundError()
	}
	return cust, nil
}

func (c *fakeClient) RetrieveSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	sub, ok := c.subscriptions[id]
	if !ok {
		return nil, notFoundError()
	}
	cp := *sub
	return &cp, nil
}

func (c *fakeClient) CreateCustomer(_ context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.createdCustomers = append(c.createdCustomers, params)
	cust := &stripe.Customer{ID: fmt.Sprintf("cus_new_%d", len(c.createdCustomers)), Metadata: params.Metadata}
	c.customers[cust.ID] = cust
	return cust, nil
}

func (c *fakeClient) CreateCheckoutSession(
	_ context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.checkoutParams = append(c.checkoutParams, params)
	id := fmt.Sprintf("cs_test_%d", len(c.checkoutParams))
	return &stripe.CheckoutSession{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

func (c *fakeClient) CreatePortalSession(
	_ context.Context, params *stripe.BillingPortalSessionCreateParams,
) (*stripe.BillingPortalSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.portalParams = append(c.portalParams, params)
	return &stripe.BillingPortalSession{ID: "bps_1", URL: "https://billing.stripe.test/bps_1"}, nil
}

func (c *fakeClient) addSubscription(sub *stripe.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[sub.ID] = sub
}

func newTestProvider(t *testing.T, store billing.Storage, client *fakeClient) *Provider {
	t.Helper()
	p, err := NewProvider(Config{
		Config: billing.Config{
			Storage: store,
			PlanMapping: map[string]string{
				testPriceMonthly: "pro_15",
				testPriceTrial:   "pro_15_trial",
			},
		},
		StripeWebhookSecret: testWebhookSecret,
		PriceID:             testPriceMonthly,
		FrontendURL:         testFrontendURL + "/",
		Client:              client,
		RateLimitRequests:   -1,
	})
	require.NoError(t, err)
	return p
}

// subscriptionObject builds a subscription payload as Stripe sends it.
func subscriptionObject(id, status, priceID string, periodEnd int64, metadata map[string]string) map[string]interface{} {
	if metadata == nil {
		metadata = map[string]string{}
	}
	return map[string]interface{}{
		"id":       id,
		"object":   "subscription",
		"status":   status,
		"customer": testCustomerID,
		"metadata": metadata,
		"items": map[string]interface{}{
			"object": "list",
			"data": []interface{}{
				map[string]interface{}{
					"id":                   "si_" + id,
					"object":               "subscription_item",
					"current_period_start": periodEnd - 30*24*3600,
					"current_period_end":   periodEnd,
					"price": map[string]interface{}{
						"id":       priceID,
						"object":   "price",
						"metadata": map[string]string{},
					},
				},
			},
		},
	}
}

// stripeSubscription decodes a payload object into the SDK type, the way the API client would.
func stripeSubscription(t *testing.T, obj map[string]interface{}) *stripe.Subscription {
	t.Helper()
	raw, err := json.Marshal(obj)
	require.NoError(t, err)
	var sub stripe.Subscription
	require.NoError(t, json.Unmarshal(raw, &sub))
	return &sub
}

func eventPayload(t *testing.T, id string, eventType billing.EventType, created time.Time, object interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        string(eventType),
		"created":     created.Unix(),
		"api_version": stripe.APIVersion,
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return payload
}

func sign(payload []byte, secret string, ts time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: ts,
		Scheme:    "v1",
	})
	return signed.Header
}

func signedRequest(t *testing.T, payload []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", sign(payload, testWebhookSecret, time.Now()))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func deliver(t *testing.T, p *Provider, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, signedRequest(t, payload))
	return rec
}
