package billing

import (
	"context"
	"fmt"
	"time"
)

// DedupDecision is the result of Deduplicator.TryBegin.
type DedupDecision int

const (
	// Proceed means the event has not been handled yet.
	Proceed DedupDecision = iota
	// AlreadyHandled means a marker exists and the caller must return success without side effects.
	AlreadyHandled
)

// Deduplicator guards at-most-once processing per provider event id.
//
// TryBegin is a cheap read taken before any remote call. The authoritative gate is the
// uniqueness constraint on the dedup log, hit either by Complete or by the marker insert
// inside SubscriptionStore.ApplySubscription.
type Deduplicator struct {
	log EventLog
	now func() time.Time
}

// NewDeduplicator creates a deduplicator over the given log.
func NewDeduplicator(log EventLog) *Deduplicator {
	return &Deduplicator{log: log, now: time.Now}
}

// TryBegin reports whether the event still needs processing.
func (d *Deduplicator) TryBegin(ctx context.Context, eventID string) (DedupDecision, error) {
	seen, err := d.log.HasProcessed(ctx, eventID)
	if err != nil {
		return Proceed, fmt.Errorf("failed to check dedup log: %w", err)
	}
	if seen {
		return AlreadyHandled, nil
	}
	return Proceed, nil
}

// Record builds the marker for an event.
func (d *Deduplicator) Record(eventID string, eventType EventType) *ProcessedEvent {
	return &ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: d.now().UTC()}
}

// Complete records an event whose outcome was decided without a canonical write.
// It returns AlreadyHandled when a concurrent delivery recorded it first.
func (d *Deduplicator) Complete(ctx context.Context, eventID string, eventType EventType) (DedupDecision, error) {
	inserted, err := d.log.MarkProcessed(ctx, d.Record(eventID, eventType))
	if err != nil {
		return Proceed, fmt.Errorf("failed to record processed event: %w", err)
	}
	if !inserted {
		return AlreadyHandled, nil
	}
	return Proceed, nil
}
