// Package memory provides an in-memory implementation of the billing.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

// Storage implements billing.Storage using in-memory maps.
// A single mutex stands in for the uniqueness constraints of a database.
type Storage struct {
	mu              sync.RWMutex
	events          map[string]*billing.ProcessedEvent
	subscriptions   map[string]*billing.Subscription
	customersByID   map[string]*billing.CustomerMapping
	customersByUser map[string]*billing.CustomerMapping
	entitlements    map[string]*billing.UserEntitlement
	writes          int
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		events:          make(map[string]*billing.ProcessedEvent),
		subscriptions:   make(map[string]*billing.Subscription),
		customersByID:   make(map[string]*billing.CustomerMapping),
		customersByUser: make(map[string]*billing.CustomerMapping),
		entitlements:    make(map[string]*billing.UserEntitlement),
	}
}

// HasProcessed implements billing.EventLog
func (s *Storage) HasProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[eventID]
	return ok, nil
}

// MarkProcessed implements billing.EventLog
func (s *Storage) MarkProcessed(_ context.Context, rec *billing.ProcessedEvent) (bool, error) {
	if rec == nil || rec.EventID == "" {
		return false, fmt.Errorf("invalid processed event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markLocked(rec), nil
}

func (s *Storage) markLocked(rec *billing.ProcessedEvent) bool {
	if _, ok := s.events[rec.EventID]; ok {
		return false
	}
	recCopy := *rec
	s.events[rec.EventID] = &recCopy
	return true
}

// GetSubscription implements billing.SubscriptionStore
func (s *Storage) GetSubscription(_ context.Context, userID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return copySubscription(sub), nil
}

// ApplySubscription implements billing.SubscriptionStore
func (s *Storage) ApplySubscription(
	_ context.Context, rec *billing.ProcessedEvent, sub *billing.Subscription,
) (billing.ApplyResult, *billing.Subscription, error) {
	if rec == nil || rec.EventID == "" || sub == nil || sub.UserID == "" {
		return 0, nil, fmt.Errorf("invalid subscription write")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.markLocked(rec) {
		return billing.ApplyDuplicate, nil, nil
	}

	var prev *billing.Subscription
	if existing, ok := s.subscriptions[sub.UserID]; ok {
		prev = copySubscription(existing)
	}
	if !billing.ShouldReplace(prev, sub) {
		return billing.ApplyStale, prev, nil
	}
	s.subscriptions[sub.UserID] = copySubscription(sub)
	s.writes++
	return billing.ApplyWritten, prev, nil
}

// SubscriptionWrites returns how many canonical writes were applied.
func (s *Storage) SubscriptionWrites() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// GetCustomerByUser implements billing.CustomerStore
func (s *Storage) GetCustomerByUser(_ context.Context, userID string) (*billing.CustomerMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.customersByUser[userID]
	if !ok {
		return nil, billing.ErrCustomerMappingNotFound
	}
	mCopy := *m
	return &mCopy, nil
}

// GetCustomerByID implements billing.CustomerStore
func (s *Storage) GetCustomerByID(_ context.Context, customerID string) (*billing.CustomerMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.customersByID[customerID]
	if !ok {
		return nil, billing.ErrCustomerMappingNotFound
	}
	mCopy := *m
	return &mCopy, nil
}

// CreateCustomerMapping implements billing.CustomerStore
func (s *Storage) CreateCustomerMapping(_ context.Context, m *billing.CustomerMapping) (*billing.CustomerMapping, error) {
	if m == nil || m.CustomerID == "" || m.UserID == "" {
		return nil, fmt.Errorf("invalid customer mapping")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.customersByUser[m.UserID]; ok {
		eCopy := *existing
		return &eCopy, nil
	}
	if existing, ok := s.customersByID[m.CustomerID]; ok && existing.UserID != m.UserID {
		return nil, billing.ErrCustomerMappingConflict
	}

	mCopy := *m
	if mCopy.CreatedAt.IsZero() {
		mCopy.CreatedAt = time.Now().UTC()
	}
	s.customersByID[m.CustomerID] = &mCopy
	s.customersByUser[m.UserID] = &mCopy
	out := mCopy
	return &out, nil
}

// GetEntitlement implements billing.EntitlementStore
func (s *Storage) GetEntitlement(_ context.Context, userID string) (*billing.UserEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.entitlements[userID]
	if !ok {
		return nil, billing.ErrEntitlementNotFound
	}
	return copyEntitlement(ent), nil
}

// SetEntitlement implements billing.EntitlementStore
func (s *Storage) SetEntitlement(_ context.Context, ent *billing.UserEntitlement) (bool, error) {
	if ent == nil || ent.UserID == "" {
		return false, fmt.Errorf("invalid entitlement")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !billing.ShouldProject(s.entitlements[ent.UserID], ent) {
		return false, nil
	}
	s.entitlements[ent.UserID] = copyEntitlement(ent)
	return true, nil
}

// ClearEntitlement implements billing.EntitlementStore
func (s *Storage) ClearEntitlement(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entitlements, userID)
	return nil
}

func copySubscription(sub *billing.Subscription) *billing.Subscription {
	c := *sub
	c.PeriodStart = copyTime(sub.PeriodStart)
	c.PeriodEnd = copyTime(sub.PeriodEnd)
	return &c
}

func copyEntitlement(ent *billing.UserEntitlement) *billing.UserEntitlement {
	c := *ent
	c.PeriodEnd = copyTime(ent.PeriodEnd)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

var _ billing.Storage = (*Storage)(nil)
