package billing

import (
	"context"
	"errors"
	"fmt"
)

// ProjectionResult is the result of a best-effort projection.
type ProjectionResult string

const (
	ProjectionOK       ProjectionResult = "ok"
	ProjectionDegraded ProjectionResult = "degraded"
)

// Projector copies canonical subscription fields onto the user's fast-read entitlement.
// Projection failures never undo the canonical write; they are logged, counted and
// repaired through Resync.
type Projector struct {
	subs    SubscriptionStore
	ents    EntitlementStore
	logger  Logger
	metrics Metrics
}

// NewProjector creates a projector from a validated config.
func NewProjector(cfg *Config) *Projector {
	return &Projector{
		subs:    cfg.Storage,
		ents:    cfg.Entitlements,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Project writes the entitlement derived from sub.
func (p *Projector) Project(ctx context.Context, sub *Subscription) ProjectionResult {
	ent := EntitlementFrom(sub)
	written, err := p.ents.SetEntitlement(ctx, ent)
	if err != nil {
		p.logger.Error("Failed to project entitlement",
			Field{"user_id", sub.UserID},
			Field{"status", sub.Status},
			Field{"error", err.Error()},
		)
		p.metrics.RecordProjection(string(ProjectionDegraded))
		return ProjectionDegraded
	}
	if !written {
		p.logger.Debug("Projection not written: stored entitlement ranks higher or user record is missing",
			Field{"user_id", sub.UserID},
			Field{"source_updated_at", sub.UpdatedAt},
		)
	}
	p.metrics.RecordProjection(string(ProjectionOK))
	return ProjectionOK
}

// Resync re-reads the canonical row and re-applies the projection.
// A user without a canonical row gets an empty entitlement. Safe to call repeatedly.
func (p *Projector) Resync(ctx context.Context, userID string) (*UserEntitlement, error) {
	sub, err := p.subs.GetSubscription(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		if err := p.ents.ClearEntitlement(ctx, userID); err != nil {
			p.metrics.RecordResync("error")
			return nil, fmt.Errorf("failed to clear entitlement: %w", err)
		}
		p.metrics.RecordResync("success")
		return &UserEntitlement{UserID: userID}, nil
	}
	if err != nil {
		p.metrics.RecordResync("error")
		return nil, fmt.Errorf("failed to read subscription: %w", err)
	}

	ent := EntitlementFrom(sub)
	if _, err := p.ents.SetEntitlement(ctx, ent); err != nil {
		p.metrics.RecordResync("error")
		return nil, fmt.Errorf("failed to project entitlement: %w", err)
	}
	p.metrics.RecordResync("success")
	p.logger.Info("Entitlement resynced",
		Field{"user_id", userID},
		Field{"status", ent.Status},
		Field{"plan_code", ent.PlanCode},
	)
	return ent, nil
}
