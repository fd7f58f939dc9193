package billing

import (
	"context"
	"fmt"
	"time"
)

// SubscriptionChange is the provider-neutral view of a subscription lifecycle event.
type SubscriptionChange struct {
	EventID   string
	EventType EventType

	// OccurredAt is the provider's creation time of the event; it orders updates.
	OccurredAt time.Time

	SubscriptionID string
	CustomerID     string
	Status         string
	PriceID        string
	PriceMetadata  map[string]string
	Metadata       map[string]string

	// PeriodStart and PeriodEnd are epoch seconds; zero means absent.
	PeriodStart int64
	PeriodEnd   int64
}

// Reconciler validates provider subscription changes and upserts the canonical row.
type Reconciler struct {
	store     SubscriptionStore
	dedup     *Deduplicator
	plans     *PlanResolver
	provider  string
	logger    Logger
	metrics   Metrics
	onApplied WebhookCallback
}

// NewReconciler creates a reconciler from a validated config.
func NewReconciler(cfg *Config, dedup *Deduplicator) *Reconciler {
	return &Reconciler{
		store:     cfg.Storage,
		dedup:     dedup,
		plans:     NewPlanResolver(cfg.PlanMapping, cfg.DefaultPlanCode),
		provider:  cfg.Provider,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		onApplied: cfg.OnApplied,
	}
}

// Reconcile applies ch to the user's canonical subscription row.
//
// Decided outcomes (applied, duplicate, stale, rejected) return a nil error and leave a
// dedup marker. A non-nil error is transient and leaves no marker.
func (r *Reconciler) Reconcile(ctx context.Context, userID string, ch SubscriptionChange) (*Subscription, Outcome, error) {
	status, err := ParseStatus(ch.Status)
	if err != nil {
		r.logger.Warn("Rejecting subscription event with unknown status",
			Field{"event_id", ch.EventID},
			Field{"user_id", userID},
			Field{"status", ch.Status},
		)
		decision, derr := r.dedup.Complete(ctx, ch.EventID, ch.EventType)
		if derr != nil {
			return nil, OutcomeTransient, derr
		}
		if decision == AlreadyHandled {
			return nil, OutcomeDuplicate, nil
		}
		return nil, OutcomeRejected, nil
	}

	plan, source := r.plans.Resolve(ch.PriceID, ch.PriceMetadata, ch.Metadata)
	sub := &Subscription{
		UserID:         userID,
		SubscriptionID: ch.SubscriptionID,
		CustomerID:     ch.CustomerID,
		Status:         status,
		PlanCode:       plan,
		PriceID:        ch.PriceID,
		PeriodStart:    epochToTime(ch.PeriodStart),
		PeriodEnd:      epochToTime(ch.PeriodEnd),
		UpdatedAt:      ch.OccurredAt.UTC(),
	}

	result, prev, err := r.store.ApplySubscription(ctx, r.dedup.Record(ch.EventID, ch.EventType), sub)
	if err != nil {
		return nil, OutcomeTransient, fmt.Errorf("failed to apply subscription: %w", err)
	}

	switch result {
	case ApplyDuplicate:
		return nil, OutcomeDuplicate, nil
	case ApplyStale:
		fields := []Field{
			{"event_id", ch.EventID},
			{"user_id", userID},
			{"subscription_id", ch.SubscriptionID},
			{"event_time", sub.UpdatedAt},
		}
		if prev != nil {
			fields = append(fields,
				Field{"stored_subscription_id", prev.SubscriptionID},
				Field{"stored_updated_at", prev.UpdatedAt},
			)
		}
		r.logger.Warn("Discarding out-of-order subscription event", fields...)
		return prev, OutcomeStale, nil
	}

	var prevStatus Status
	if prev != nil {
		prevStatus = prev.Status
	}
	if prevStatus != sub.Status {
		r.metrics.RecordStatusChange(r.provider, string(prevStatus), string(sub.Status))
	}
	r.logger.Info("Subscription reconciled",
		Field{"event_id", ch.EventID},
		Field{"user_id", userID},
		Field{"subscription_id", sub.SubscriptionID},
		Field{"from_status", prevStatus},
		Field{"to_status", sub.Status},
		Field{"plan_code", plan},
		Field{"plan_source", source},
	)

	if r.onApplied != nil {
		r.onApplied(WebhookEvent{
			UserID:         userID,
			EventID:        ch.EventID,
			EventType:      ch.EventType,
			PreviousStatus: prevStatus,
			NewStatus:      sub.Status,
			PlanCode:       plan,
			Provider:       r.provider,
			EventTimestamp: sub.UpdatedAt,
			PeriodEnd:      sub.PeriodEnd,
		})
	}
	return sub, OutcomeApplied, nil
}

func epochToTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
