// Package firestore provides a Firestore implementation of the billing.Storage interface.
// Every conditional write runs inside a Firestore transaction.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

// Storage implements billing.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	eventsCollection        string
	subscriptionsCollection string
	customersCollection     string
	userCustomersCollection string
	entitlementsCollection  string
}

// Config holds Firestore storage configuration
type Config struct {
	// EventsCollection holds one document per processed provider event.
	// Default: "billing_processed_events"
	EventsCollection string

	// SubscriptionsCollection holds the canonical subscription per user.
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// CustomersCollection maps provider customer ids to users.
	// Default: "billing_customers"
	CustomersCollection string

	// UserCustomersCollection is the reverse index that keeps one customer per user.
	// Default: "billing_user_customers"
	UserCustomersCollection string

	// EntitlementsCollection is the Firestore collection for user entitlements
	// Default: "billing_entitlements"
	EntitlementsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.EventsCollection == "" {
		config.EventsCollection = "billing_processed_events"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.CustomersCollection == "" {
		config.CustomersCollection = "billing_customers"
	}
	if config.UserCustomersCollection == "" {
		config.UserCustomersCollection = "billing_user_customers"
	}
	if config.EntitlementsCollection == "" {
		config.EntitlementsCollection = "billing_entitlements"
	}

	return &Storage{
		client:                  client,
		eventsCollection:        config.EventsCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		customersCollection:     config.CustomersCollection,
		userCustomersCollection: config.UserCustomersCollection,
		entitlementsCollection:  config.EntitlementsCollection,
	}, nil
}

// HasProcessed implements billing.EventLog
func (s *Storage) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	_, err := s.client.Collection(s.eventsCollection).Doc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return true, nil
}

// MarkProcessed implements billing.EventLog
func (s *Storage) MarkProcessed(ctx context.Context, rec *billing.ProcessedEvent) (bool, error) {
	if rec == nil || rec.EventID == "" {
		return false, fmt.Errorf("invalid processed event")
	}
	_, err := s.client.Collection(s.eventsCollection).Doc(rec.EventID).Create(ctx, processedEvent(rec))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return false, nil
		}
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	return true, nil
}

// GetSubscription implements billing.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	var sub billing.Subscription
	if err := snap.DataTo(&sub); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return &sub, nil
}

// ApplySubscription implements billing.SubscriptionStore
func (s *Storage) ApplySubscription(
	ctx context.Context, rec *billing.ProcessedEvent, sub *billing.Subscription,
) (billing.ApplyResult, *billing.Subscription, error) {
	if rec == nil || rec.EventID == "" || sub == nil || sub.UserID == "" {
		return 0, nil, fmt.Errorf("invalid subscription write")
	}

	eventDoc := s.client.Collection(s.eventsCollection).Doc(rec.EventID)
	subDoc := s.client.Collection(s.subscriptionsCollection).Doc(sub.UserID)

	var result billing.ApplyResult
	var prev *billing.Subscription

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// Reset on retry
		result, prev = 0, nil

		// 1. Dedup marker
		_, err := tx.Get(eventDoc)
		if err == nil {
			result = billing.ApplyDuplicate
			return nil
		}
		if status.Code(err) != codes.NotFound {
			return err
		}

		// 2. Current canonical row
		snap, err := tx.Get(subDoc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var existing billing.Subscription
			if err := snap.DataTo(&existing); err != nil {
				return fmt.Errorf("failed to decode subscription: %w", err)
			}
			prev = &existing
		}

		// 3. Marker commits with the outcome, stale or not
		if err := tx.Create(eventDoc, processedEvent(rec)); err != nil {
			return err
		}
		if !billing.ShouldReplace(prev, sub) {
			result = billing.ApplyStale
			return nil
		}
		result = billing.ApplyWritten
		return tx.Set(subDoc, sub)
	})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to apply subscription: %w", err)
	}
	return result, prev, nil
}

// GetCustomerByUser implements billing.CustomerStore
func (s *Storage) GetCustomerByUser(ctx context.Context, userID string) (*billing.CustomerMapping, error) {
	return s.getCustomer(ctx, s.client.Collection(s.userCustomersCollection).Doc(userID))
}

// GetCustomerByID implements billing.CustomerStore
func (s *Storage) GetCustomerByID(ctx context.Context, customerID string) (*billing.CustomerMapping, error) {
	return s.getCustomer(ctx, s.client.Collection(s.customersCollection).Doc(customerID))
}

func (s *Storage) getCustomer(ctx context.Context, doc *firestore.DocumentRef) (*billing.CustomerMapping, error) {
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrCustomerMappingNotFound
		}
		return nil, fmt.Errorf("failed to get customer mapping: %w", err)
	}
	var m billing.CustomerMapping
	if err := snap.DataTo(&m); err != nil {
		return nil, fmt.Errorf("failed to decode customer mapping: %w", err)
	}
	return &m, nil
}

// CreateCustomerMapping implements billing.CustomerStore
func (s *Storage) CreateCustomerMapping(
	ctx context.Context, m *billing.CustomerMapping,
) (*billing.CustomerMapping, error) {
	if m == nil || m.CustomerID == "" || m.UserID == "" {
		return nil, fmt.Errorf("invalid customer mapping")
	}
	mapping := *m
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = time.Now().UTC()
	}

	byUser := s.client.Collection(s.userCustomersCollection).Doc(m.UserID)
	byCustomer := s.client.Collection(s.customersCollection).Doc(m.CustomerID)

	var stored *billing.CustomerMapping
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		stored = nil

		snap, err := tx.Get(byUser)
		if err == nil {
			var existing billing.CustomerMapping
			if err := snap.DataTo(&existing); err != nil {
				return err
			}
			stored = &existing
			return nil
		}
		if status.Code(err) != codes.NotFound {
			return err
		}

		snap, err = tx.Get(byCustomer)
		if err == nil {
			var existing billing.CustomerMapping
			if err := snap.DataTo(&existing); err != nil {
				return err
			}
			if existing.UserID != m.UserID {
				return billing.ErrCustomerMappingConflict
			}
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		if err := tx.Set(byCustomer, mapping); err != nil {
			return err
		}
		if err := tx.Create(byUser, mapping); err != nil {
			return err
		}
		stored = &mapping
		return nil
	})
	if err != nil {
		if errors.Is(err, billing.ErrCustomerMappingConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create customer mapping: %w", err)
	}
	return stored, nil
}

// GetEntitlement implements billing.EntitlementStore
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*billing.UserEntitlement, error) {
	snap, err := s.client.Collection(s.entitlementsCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	var ent billing.UserEntitlement
	if err := snap.DataTo(&ent); err != nil {
		return nil, fmt.Errorf("failed to decode entitlement: %w", err)
	}
	return &ent, nil
}

// SetEntitlement implements billing.EntitlementStore
func (s *Storage) SetEntitlement(ctx context.Context, ent *billing.UserEntitlement) (bool, error) {
	if ent == nil || ent.UserID == "" {
		return false, fmt.Errorf("invalid entitlement")
	}
	doc := s.client.Collection(s.entitlementsCollection).Doc(ent.UserID)

	var written bool
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		written = false

		var existing *billing.UserEntitlement
		snap, err := tx.Get(doc)
		switch {
		case err == nil:
			existing = &billing.UserEntitlement{}
			if err := snap.DataTo(existing); err != nil {
				return err
			}
		case status.Code(err) != codes.NotFound:
			return err
		}

		if !billing.ShouldProject(existing, ent) {
			return nil
		}
		written = true
		return tx.Set(doc, ent)
	})
	if err != nil {
		return false, fmt.Errorf("failed to set entitlement: %w", err)
	}
	return written, nil
}

// ClearEntitlement implements billing.EntitlementStore
func (s *Storage) ClearEntitlement(ctx context.Context, userID string) error {
	if _, err := s.client.Collection(s.entitlementsCollection).Doc(userID).Delete(ctx); err != nil {
		return fmt.Errorf("failed to clear entitlement: %w", err)
	}
	return nil
}

func processedEvent(rec *billing.ProcessedEvent) billing.ProcessedEvent {
	out := *rec
	if out.ProcessedAt.IsZero() {
		out.ProcessedAt = time.Now().UTC()
	}
	return out
}

var _ billing.Storage = (*Storage)(nil)
