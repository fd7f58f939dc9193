// Package redis provides a Redis implementation of billing.EntitlementStore.
// It holds the fast-read entitlement projection; the ordering check on writes
// runs atomically in a Lua script.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

// Storage implements billing.EntitlementStore using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subgate:")
	KeyPrefix string

	// EntitlementTTL is the TTL for entitlement keys (0 = no expiration)
	EntitlementTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:      "subgate:",
		EntitlementTTL: 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "subgate:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Write the projection unless the stored one came from a newer canonical row,
	// or from one with the same source time and a higher status rank.
	// Source times are unix microseconds so they stay exact as Lua numbers.
	s.scripts["setEntitlement"] = redis.NewScript(`
		local key = KEYS[1]
		local src = tonumber(ARGV[1])
		local data = ARGV[2]
		local ttl = tonumber(ARGV[3])
		local rank = tonumber(ARGV[4])

		local stored = redis.call('HMGET', key, 'src', 'rank')
		if stored[1] then
			local storedSrc = tonumber(stored[1])
			if storedSrc > src then
				return 0
			end
			if storedSrc == src and tonumber(stored[2] or '-1') > rank then
				return 0
			end
		end

		redis.call('HSET', key, 'src', ARGV[1], 'rank', ARGV[4], 'data', data)
		if ttl > 0 then
			redis.call('EXPIRE', key, ttl)
		else
			redis.call('PERSIST', key)
		end
		return 1
	`)
}

// GetEntitlement implements billing.EntitlementStore
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*billing.UserEntitlement, error) {
	data, err := s.client.HGet(ctx, s.entitlementKey(userID), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, billing.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	var ent billing.UserEntitlement
	if err := json.Unmarshal([]byte(data), &ent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entitlement: %w", err)
	}
	return &ent, nil
}

// SetEntitlement implements billing.EntitlementStore
func (s *Storage) SetEntitlement(ctx context.Context, ent *billing.UserEntitlement) (bool, error) {
	if ent == nil || ent.UserID == "" {
		return false, fmt.Errorf("invalid entitlement")
	}

	data, err := json.Marshal(ent)
	if err != nil {
		return false, fmt.Errorf("failed to marshal entitlement: %w", err)
	}

	written, err := s.scripts["setEntitlement"].Run(ctx, s.client,
		[]string{s.entitlementKey(ent.UserID)},
		ent.SourceUpdatedAt.UnixMicro(),
		string(data),
		int64(s.config.EntitlementTTL.Seconds()),
		ent.Status.TieRank(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to set entitlement: %w", err)
	}
	return written == 1, nil
}

// ClearEntitlement implements billing.EntitlementStore
func (s *Storage) ClearEntitlement(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.entitlementKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear entitlement: %w", err)
	}
	return nil
}

func (s *Storage) entitlementKey(userID string) string {
	return fmt.Sprintf("%sentitlement:%s", s.config.KeyPrefix, userID)
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ billing.EntitlementStore = (*Storage)(nil)
