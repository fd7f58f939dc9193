package firestore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

const testProjectID = "test-project"

func setupStorage(t *testing.T) *Storage {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, testProjectID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	// Unique collections per test run
	suffix := fmt.Sprintf("%s_%d", t.Name(), time.Now().UnixNano())
	s, err := New(client, Config{
		EventsCollection:        "events_" + suffix,
		SubscriptionsCollection: "subs_" + suffix,
		CustomersCollection:     "customers_" + suffix,
		UserCustomersCollection: "user_customers_" + suffix,
		EntitlementsCollection:  "ents_" + suffix,
	})
	require.NoError(t, err)
	return s
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func subscriptionAt(status billing.Status, updatedAt time.Time) *billing.Subscription {
	end := updatedAt.Add(30 * 24 * time.Hour).UTC()
	return &billing.Subscription{
		UserID:         "user1",
		SubscriptionID: "sub_1",
		CustomerID:     "cus_1",
		Status:         status,
		PlanCode:       "pro_15",
		PeriodEnd:      &end,
		UpdatedAt:      updatedAt.UTC(),
	}
}

func TestStorage_ApplySubscription(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Hour).Truncate(time.Microsecond)
	rec := func(id string) *billing.ProcessedEvent {
		return &billing.ProcessedEvent{EventID: id, EventType: billing.EventSubscriptionUpdated}
	}

	result, prev, err := s.ApplySubscription(ctx, rec("evt_1"), subscriptionAt(billing.StatusTrialing, t0))
	require.NoError(t, err)
	assert.Equal(t, billing.ApplyWritten, result)
	assert.Nil(t, prev)

	result, _, err = s.ApplySubscription(ctx, rec("evt_1"), subscriptionAt(billing.StatusActive, t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, billing.ApplyDuplicate, result)

	result, _, err = s.ApplySubscription(ctx, rec("evt_0"), subscriptionAt(billing.StatusCanceled, t0.Add(-time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, billing.ApplyStale, result)
	seen, err := s.HasProcessed(ctx, "evt_0")
	require.NoError(t, err)
	assert.True(t, seen)

	sub, err := s.GetSubscription(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusTrialing, sub.Status)
	require.NotNil(t, sub.PeriodEnd)
	assert.Nil(t, sub.PeriodStart)
}

func TestStorage_ApplySubscription_Concurrent(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()
	sub := subscriptionAt(billing.StatusActive, time.Now())

	var mu sync.Mutex
	counts := map[billing.ApplyResult]int{}
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, _, err := s.ApplySubscription(ctx, &billing.ProcessedEvent{EventID: "evt_dup"}, sub)
			if err != nil {
				// Contention can exhaust transaction retries; a failed attempt writes nothing.
				return
			}
			mu.Lock()
			counts[r]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, counts[billing.ApplyWritten])
}

func TestStorage_MarkProcessed(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	first, err := s.MarkProcessed(ctx, &billing.ProcessedEvent{EventID: "evt_1"})
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.MarkProcessed(ctx, &billing.ProcessedEvent{EventID: "evt_1"})
	require.NoError(t, err)
	assert.False(t, again)
}

func TestStorage_CustomerMappings(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	m, err := s.CreateCustomerMapping(ctx, &billing.CustomerMapping{CustomerID: "cus_1", UserID: "user1"})
	require.NoError(t, err)
	assert.Equal(t, "cus_1", m.CustomerID)

	m, err = s.CreateCustomerMapping(ctx, &billing.CustomerMapping{CustomerID: "cus_2", UserID: "user1"})
	require.NoError(t, err)
	assert.Equal(t, "cus_1", m.CustomerID)

	_, err = s.CreateCustomerMapping(ctx, &billing.CustomerMapping{CustomerID: "cus_1", UserID: "user2"})
	assert.ErrorIs(t, err, billing.ErrCustomerMappingConflict)

	byID, err := s.GetCustomerByID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "user1", byID.UserID)

	_, err = s.GetCustomerByUser(ctx, "user2")
	assert.ErrorIs(t, err, billing.ErrCustomerMappingNotFound)
}

func TestStorage_Entitlements(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()
	t0 := time.Now().Truncate(time.Microsecond)

	ent := billing.EntitlementFrom(subscriptionAt(billing.StatusActive, t0))
	written, err := s.SetEntitlement(ctx, ent)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = s.SetEntitlement(ctx, billing.EntitlementFrom(subscriptionAt(billing.StatusCanceled, t0.Add(-time.Minute))))
	require.NoError(t, err)
	assert.False(t, written)

	got, err := s.GetEntitlement(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, got.Active())

	require.NoError(t, s.ClearEntitlement(ctx, "user1"))
	_, err = s.GetEntitlement(ctx, "user1")
	assert.ErrorIs(t, err, billing.ErrEntitlementNotFound)
}
