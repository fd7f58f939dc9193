// Package postgres provides a PostgreSQL implementation of the billing.Storage interface.
// Canonical subscription writes run in a transaction that also inserts the dedup marker,
// serialized per user with a transaction-scoped advisory lock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

// Storage implements billing.Storage using PostgreSQL.
// Processed event markers are never deleted; they are the idempotency gate.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// HasProcessed implements billing.EventLog
func (s *Storage) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

// MarkProcessed implements billing.EventLog
func (s *Storage) MarkProcessed(ctx context.Context, rec *billing.ProcessedEvent) (bool, error) {
	if rec == nil || rec.EventID == "" {
		return false, fmt.Errorf("invalid processed event")
	}
	return markProcessed(ctx, s.pool, rec)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// markProcessed inserts the dedup marker; false means another delivery got there first.
func markProcessed(ctx context.Context, q execer, rec *billing.ProcessedEvent) (bool, error) {
	tag, err := q.Exec(ctx,
		`INSERT INTO processed_events (event_id, event_type, processed_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, string(rec.EventType), processedAt(rec))
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetSubscription implements billing.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*billing.Subscription, error) {
	return getSubscription(ctx, s.pool, userID, "")
}

// ApplySubscription implements billing.SubscriptionStore.
// The marker insert, the ordering check and the upsert commit together; a stale
// event still commits its marker.
func (s *Storage) ApplySubscription(
	ctx context.Context, rec *billing.ProcessedEvent, sub *billing.Subscription,
) (billing.ApplyResult, *billing.Subscription, error) {
	if rec == nil || rec.EventID == "" || sub == nil || sub.UserID == "" {
		return 0, nil, fmt.Errorf("invalid subscription write")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// 1. Dedup marker. A conflict means the event was already applied.
	inserted, err := markProcessed(ctx, tx, rec)
	if err != nil {
		return 0, nil, err
	}
	if !inserted {
		return billing.ApplyDuplicate, nil, nil
	}

	// 2. Serialize writers for this user, including the first insert.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sub.UserID); err != nil {
		return 0, nil, fmt.Errorf("failed to lock subscription: %w", err)
	}

	prev, err := getSubscription(ctx, tx, sub.UserID, " FOR UPDATE")
	if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
		return 0, nil, err
	}

	// 3. Ordering guard
	if !billing.ShouldReplace(prev, sub) {
		if err := tx.Commit(ctx); err != nil {
			return 0, nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return billing.ApplyStale, prev, nil
	}

	// 4. Upsert canonical row
	_, err = tx.Exec(ctx,
		`INSERT INTO subscriptions (
				user_id, subscription_id, customer_id, status, plan_code, price_id,
				period_start, period_end, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id) DO UPDATE SET
				subscription_id = EXCLUDED.subscription_id,
				customer_id = EXCLUDED.customer_id,
				status = EXCLUDED.status,
				plan_code = EXCLUDED.plan_code,
				price_id = EXCLUDED.price_id,
				period_start = EXCLUDED.period_start,
				period_end = EXCLUDED.period_end,
				updated_at = EXCLUDED.updated_at`,
		sub.UserID, sub.SubscriptionID, sub.CustomerID, string(sub.Status), sub.PlanCode, sub.PriceID,
		sub.PeriodStart, sub.PeriodEnd, sub.UpdatedAt.UTC(),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return billing.ApplyWritten, prev, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getSubscription(ctx context.Context, q rowQuerier, userID, suffix string) (*billing.Subscription, error) {
	var sub billing.Subscription
	var status string
	err := q.QueryRow(ctx,
		`SELECT user_id, subscription_id, customer_id, status, plan_code, price_id,
				period_start, period_end, updated_at
			FROM subscriptions WHERE user_id = $1`+suffix,
		userID).Scan(
		&sub.UserID,
		&sub.SubscriptionID,
		&sub.CustomerID,
		&status,
		&sub.PlanCode,
		&sub.PriceID,
		&sub.PeriodStart,
		&sub.PeriodEnd,
		&sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	sub.Status = billing.Status(status)
	return &sub, nil
}

// GetCustomerByUser implements billing.CustomerStore
func (s *Storage) GetCustomerByUser(ctx context.Context, userID string) (*billing.CustomerMapping, error) {
	return s.getCustomer(ctx, "user_id", userID)
}

// GetCustomerByID implements billing.CustomerStore
func (s *Storage) GetCustomerByID(ctx context.Context, customerID string) (*billing.CustomerMapping, error) {
	return s.getCustomer(ctx, "customer_id", customerID)
}

func (s *Storage) getCustomer(ctx context.Context, column, value string) (*billing.CustomerMapping, error) {
	var m billing.CustomerMapping
	err := s.pool.QueryRow(ctx,
		`SELECT customer_id, user_id, created_at FROM customer_mappings WHERE `+column+` = $1`,
		value).Scan(&m.CustomerID, &m.UserID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrCustomerMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer mapping: %w", err)
	}
	return &m, nil
}

// CreateCustomerMapping implements billing.CustomerStore.
// Both columns are unique, so a racing insert resolves to whichever row landed first.
func (s *Storage) CreateCustomerMapping(
	ctx context.Context, m *billing.CustomerMapping,
) (*billing.CustomerMapping, error) {
	if m == nil || m.CustomerID == "" || m.UserID == "" {
		return nil, fmt.Errorf("invalid customer mapping")
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO customer_mappings (customer_id, user_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`,
		m.CustomerID, m.UserID, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create customer mapping: %w", err)
	}

	stored, err := s.GetCustomerByUser(ctx, m.UserID)
	if errors.Is(err, billing.ErrCustomerMappingNotFound) {
		// The customer id is taken by a different user.
		return nil, billing.ErrCustomerMappingConflict
	}
	return stored, err
}

// GetEntitlement implements billing.EntitlementStore
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*billing.UserEntitlement, error) {
	var ent billing.UserEntitlement
	var status, planCode, customerID, subscriptionID *string
	var sourceUpdatedAt *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT id, subscription_status, plan_code, current_period_end,
				stripe_customer_id, stripe_subscription_id, entitlement_updated_at
			FROM users WHERE id = $1`,
		userID).Scan(
		&ent.UserID,
		&status,
		&planCode,
		&ent.PeriodEnd,
		&customerID,
		&subscriptionID,
		&sourceUpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && status == nil) {
		return nil, billing.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	ent.Status = billing.Status(*status)
	ent.PlanCode = deref(planCode)
	ent.CustomerID = deref(customerID)
	ent.SubscriptionID = deref(subscriptionID)
	if sourceUpdatedAt != nil {
		ent.SourceUpdatedAt = *sourceUpdatedAt
	}
	return &ent, nil
}

// statusRankSQL mirrors billing.Status.TieRank for the stored status.
var statusRankSQL = func() string {
	var b strings.Builder
	b.WriteString("CASE subscription_status")
	for _, st := range billing.Statuses() {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", st, st.TieRank())
	}
	b.WriteString(" ELSE -1 END")
	return b.String()
}()

// SetEntitlement implements billing.EntitlementStore.
// Only existing users rows are updated; the application owns the rest of the table.
// A projection from an older canonical row, or from one with the same source time
// and a lower status rank, is skipped in the same statement.
func (s *Storage) SetEntitlement(ctx context.Context, ent *billing.UserEntitlement) (bool, error) {
	if ent == nil || ent.UserID == "" {
		return false, fmt.Errorf("invalid entitlement")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET
				subscription_status = $2,
				plan_code = $3,
				current_period_end = $4,
				stripe_customer_id = $5,
				stripe_subscription_id = $6,
				entitlement_updated_at = $7
			WHERE id = $1
				AND (entitlement_updated_at IS NULL
					OR entitlement_updated_at < $7
					OR (entitlement_updated_at = $7 AND `+statusRankSQL+` <= $8))`,
		ent.UserID, string(ent.Status), ent.PlanCode, ent.PeriodEnd,
		ent.CustomerID, ent.SubscriptionID, ent.SourceUpdatedAt.UTC(), ent.Status.TieRank(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to set entitlement: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClearEntitlement implements billing.EntitlementStore
func (s *Storage) ClearEntitlement(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET
				subscription_status = NULL,
				plan_code = NULL,
				current_period_end = NULL,
				stripe_subscription_id = NULL,
				entitlement_updated_at = NULL
			WHERE id = $1`,
		userID)
	if err != nil {
		return fmt.Errorf("failed to clear entitlement: %w", err)
	}
	return nil
}

func processedAt(rec *billing.ProcessedEvent) time.Time {
	if rec.ProcessedAt.IsZero() {
		return time.Now().UTC()
	}
	return rec.ProcessedAt.UTC()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ billing.Storage = (*Storage)(nil)
