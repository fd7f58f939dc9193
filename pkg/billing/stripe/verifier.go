package stripe

import (
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

// DefaultTolerance is the maximum accepted age of a signed webhook payload.
const DefaultTolerance = webhook.DefaultTolerance

// Verifier authenticates Stripe webhook payloads against the endpoint secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a verifier. A zero tolerance uses DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: strings.TrimSpace(secret), tolerance: tolerance, now: time.Now}
}

// Verify checks the signature over the exact payload bytes and decodes the event.
// Missing secret or header fail without attempting verification.
func (v *Verifier) Verify(payload []byte, header string) (*Event, error) {
	if v.secret == "" {
		return nil, billing.NewError(billing.KindAuthentication, "WEBHOOK_NOT_CONFIGURED",
			"webhook secret is not configured", billing.ErrInvalidWebhookSignature)
	}
	if strings.TrimSpace(header) == "" {
		return nil, billing.NewError(billing.KindAuthentication, "MISSING_SIGNATURE",
			"missing Stripe-Signature header", billing.ErrInvalidWebhookSignature)
	}

	raw, err := webhook.ConstructEventWithOptions(payload, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, billing.NewError(billing.KindAuthentication, "INVALID_SIGNATURE",
			"webhook signature verification failed", fmt.Errorf("%w: %w", billing.ErrInvalidWebhookSignature, err))
	}

	ev, err := decodeEvent(&raw, v.now().UTC())
	if err != nil {
		return ev, billing.NewError(billing.KindValidation, "INVALID_PAYLOAD", "malformed webhook payload", err)
	}
	return ev, nil
}
