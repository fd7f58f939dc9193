package stripe

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

func TestVerifier_ValidSignature(t *testing.T) {
	v := NewVerifier(testWebhookSecret, 0)
	created := time.Unix(1700000000, 0).UTC()
	payload := eventPayload(t, "evt_1", billing.EventSubscriptionUpdated, created,
		subscriptionObject("sub_1", "active", testPriceMonthly, 1700000000, map[string]string{"user_id": testUserID}))

	ev, err := v.Verify(payload, sign(payload, testWebhookSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, billing.EventSubscriptionUpdated, ev.Type)
	assert.True(t, created.Equal(ev.Created))
	require.NotNil(t, ev.Subscription)
	assert.Nil(t, ev.Checkout)
	assert.Equal(t, "sub_1", ev.Subscription.ID)
	assert.Equal(t, testCustomerID, ev.Subscription.Customer.ID)
}

func TestVerifier_CheckoutEvent(t *testing.T) {
	v := NewVerifier(testWebhookSecret, 0)
	payload := eventPayload(t, "evt_cs", billing.EventCheckoutCompleted, time.Now(), map[string]interface{}{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"mode":                "subscription",
		"customer":            testCustomerID,
		"subscription":        "sub_1",
		"client_reference_id": testUserID,
	})

	ev, err := v.Verify(payload, sign(payload, testWebhookSecret, time.Now()))
	require.NoError(t, err)
	require.NotNil(t, ev.Checkout)
	assert.Nil(t, ev.Subscription)
	assert.Equal(t, "sub_1", ev.Checkout.Subscription.ID)
	assert.Equal(t, testUserID, ev.Checkout.ClientReferenceID)
}

func TestVerifier_UnrecognizedTypeHasNoPayload(t *testing.T) {
	v := NewVerifier(testWebhookSecret, 0)
	payload := eventPayload(t, "evt_inv", billing.EventType("invoice.paid"), time.Now(), map[string]interface{}{"id": "in_1"})

	ev, err := v.Verify(payload, sign(payload, testWebhookSecret, time.Now()))
	require.NoError(t, err)
	assert.False(t, ev.Type.Recognized())
	assert.Nil(t, ev.Subscription)
	assert.Nil(t, ev.Checkout)
}

func TestVerifier_Failures(t *testing.T) {
	payload := eventPayload(t, "evt_1", billing.EventSubscriptionUpdated, time.Now(),
		subscriptionObject("sub_1", "active", testPriceMonthly, 1700000000, nil))

	tests := []struct {
		name    string
		secret  string
		payload []byte
		header  string
		code    string
	}{
		{"missing secret", "", payload, sign(payload, testWebhookSecret, time.Now()), "WEBHOOK_NOT_CONFIGURED"},
		{"missing header", testWebhookSecret, payload, "", "MISSING_SIGNATURE"},
		{"wrong secret", testWebhookSecret, payload, sign(payload, "whsec_other", time.Now()), "INVALID_SIGNATURE"},
		{"tampered body", testWebhookSecret, append([]byte(" "), payload...), sign(payload, testWebhookSecret, time.Now()), "INVALID_SIGNATURE"},
		{"expired timestamp", testWebhookSecret, payload, sign(payload, testWebhookSecret, time.Now().Add(-time.Hour)), "INVALID_SIGNATURE"},
		{"garbage header", testWebhookSecret, payload, "t=abc,v1=def", "INVALID_SIGNATURE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(tt.secret, 0)
			ev, err := v.Verify(tt.payload, tt.header)
			require.Error(t, err)
			assert.Nil(t, ev)
			assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)
			assert.Equal(t, billing.KindAuthentication, billing.KindOf(err))

			var be *billing.Error
			require.True(t, errors.As(err, &be))
			assert.Equal(t, tt.code, be.Code)
		})
	}
}

func TestVerifier_MalformedObject(t *testing.T) {
	v := NewVerifier(testWebhookSecret, 0)
	payload := eventPayload(t, "evt_bad", billing.EventSubscriptionUpdated, time.Now(), map[string]interface{}{
		"object": "subscription",
		"status": "active",
	})

	ev, err := v.Verify(payload, sign(payload, testWebhookSecret, time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)
	assert.Equal(t, billing.KindValidation, billing.KindOf(err))
	require.NotNil(t, ev)
	assert.Equal(t, "evt_bad", ev.ID)
}
