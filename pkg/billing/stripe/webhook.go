package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/selfrevolutions/subgate/pkg/billing"
	"github.com/selfrevolutions/subgate/pkg/billing/internal"
)

// Result describes how one webhook delivery was handled.
type Result struct {
	EventID    string
	EventType  billing.EventType
	UserID     string
	Outcome    billing.Outcome
	Projection billing.ProjectionResult
	Err        error
}

// Decision returns the acknowledgment decision for the result.
func (r Result) Decision() billing.AckDecision {
	return billing.Decide(r.Outcome)
}

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Signature must be checked over the bytes exactly as received.
	body, err := internal.ReadBodyStrict(w, r, defaultMaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	res := p.ProcessEvent(r.Context(), body, r.Header.Get("Stripe-Signature"))
	decision := res.Decision()

	eventType := string(res.EventType)
	if eventType == "" {
		eventType = "UNKNOWN"
	}
	p.metrics.RecordWebhookEvent(providerName, eventType, res.Outcome.String())
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	p.logResult(res, decision, time.Since(startTime))

	if !decision.Ack {
		p.metrics.RecordWebhookError(providerName, res.Outcome.String())
		code := "PROCESSING_FAILED"
		if decision.Outcome == billing.OutcomeAuthFailed {
			code = "INVALID_SIGNATURE"
		}
		_ = internal.WriteJSON(w, decision.StatusCode(), map[string]string{
			"error": "webhook not processed",
			"code":  code,
		})
		return
	}
	_ = internal.WriteJSON(w, decision.StatusCode(), map[string]bool{"received": true})
}

// ProcessEvent runs a raw delivery through verification and the processing pipeline.
func (p *Provider) ProcessEvent(ctx context.Context, payload []byte, signature string) Result {
	ev, err := p.verifier.Verify(payload, signature)
	if err != nil {
		res := Result{Outcome: billing.OutcomeForError(err), Err: err}
		if ev == nil {
			return res
		}
		// Authentic but undecodable: record it so redeliveries are cheap no-ops.
		res.EventID, res.EventType = ev.ID, ev.Type
		if _, derr := p.dedup.Complete(ctx, ev.ID, ev.Type); derr != nil {
			res.Outcome, res.Err = billing.OutcomeTransient, derr
		}
		return res
	}
	return p.HandleEvent(ctx, ev)
}

// HandleEvent processes an already verified event.
func (p *Provider) HandleEvent(ctx context.Context, ev *Event) Result {
	res := Result{EventID: ev.ID, EventType: ev.Type}
	if !ev.Type.Recognized() {
		res.Outcome = billing.OutcomeIgnored
		return res
	}

	decision, err := p.dedup.TryBegin(ctx, ev.ID)
	if err != nil {
		return res.fail(err)
	}
	if decision == billing.AlreadyHandled {
		res.Outcome = billing.OutcomeDuplicate
		return res
	}

	sub := ev.Subscription
	var hints []string
	if ev.Checkout != nil {
		sub, hints, err = p.checkoutSubscription(ctx, ev.Checkout)
		if IsNotFound(err) {
			// Deleted or owned by another account; a redelivery cannot change that.
			res.Err = err
			return p.complete(ctx, ev, res, billing.OutcomeRejected)
		}
		if err != nil {
			return res.fail(err)
		}
		if sub == nil {
			// Not a subscription checkout.
			res.Outcome = billing.OutcomeIgnored
			return res
		}
	}

	userID, err := p.identity.Resolve(ctx, sub, hints...)
	if errors.Is(err, billing.ErrNoUserMapping) {
		res.Err = err
		return p.complete(ctx, ev, res, billing.OutcomeUnmapped)
	}
	if err != nil {
		return res.fail(err)
	}
	res.UserID = userID

	stored, outcome, err := p.reconciler.Reconcile(ctx, userID, subscriptionChange(ev, sub))
	if err != nil {
		return res.fail(err)
	}
	res.Outcome = outcome
	if outcome == billing.OutcomeApplied {
		res.Projection = p.projector.Project(ctx, stored)
	}
	return res
}

// complete records an event decided without a canonical write so redeliveries
// short-circuit as duplicates.
func (p *Provider) complete(ctx context.Context, ev *Event, res Result, outcome billing.Outcome) Result {
	decision, err := p.dedup.Complete(ctx, ev.ID, ev.Type)
	switch {
	case err != nil:
		return res.fail(err)
	case decision == billing.AlreadyHandled:
		res.Outcome = billing.OutcomeDuplicate
	default:
		res.Outcome = outcome
	}
	return res
}

// checkoutSubscription loads the subscription a completed checkout created.
// The session's client reference and metadata are returned as identity hints.
func (p *Provider) checkoutSubscription(
	ctx context.Context, session *stripe.CheckoutSession,
) (*stripe.Subscription, []string, error) {
	if session.Subscription == nil || session.Subscription.ID == "" {
		return nil, nil, nil
	}
	hints := []string{session.ClientReferenceID, userIDFromMetadata(session.Metadata)}

	sub, err := p.client.RetrieveSubscription(ctx, session.Subscription.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch subscription: %w", err)
	}
	if sub.Customer == nil && session.Customer != nil {
		sub.Customer = session.Customer
	}
	return sub, hints, nil
}

func (r Result) fail(err error) Result {
	r.Outcome = billing.OutcomeTransient
	r.Err = err
	return r
}

func (p *Provider) logResult(res Result, decision billing.AckDecision, elapsed time.Duration) {
	fields := []billing.Field{
		{Key: "event_id", Value: res.EventID},
		{Key: "event_type", Value: res.EventType},
		{Key: "user_id", Value: res.UserID},
		{Key: "outcome", Value: res.Outcome.String()},
		{Key: "duration_ms", Value: elapsed.Milliseconds()},
	}
	if res.Projection != "" {
		fields = append(fields, billing.Field{Key: "projection", Value: res.Projection})
	}
	if res.Err != nil {
		fields = append(fields, billing.Field{Key: "error", Value: res.Err.Error()})
	}

	switch {
	case !decision.Ack:
		p.logger.Error("Webhook not acknowledged", fields...)
	case decision.Warn:
		p.logger.Warn("Webhook acknowledged without effect", fields...)
	default:
		p.logger.Info("Webhook processed", fields...)
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
