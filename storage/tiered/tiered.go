// Package tiered provides a Hot/Cold entitlement store that serves reads from
// fast ephemeral storage (Hot) backed by durable storage (Cold).
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache storage (e.g., Redis, Memory) for entitlement reads
	Hot billing.EntitlementStore

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold billing.EntitlementStore

	// AsyncHotWrites makes projection writes to Hot non-blocking once Cold has
	// committed. Clears are always synchronous so revoked access is never cached.
	AsyncHotWrites bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an async operation fails.
	AsyncErrorHandler func(error)
}

// Storage implements billing.EntitlementStore on top of two stores:
// - Read-Through: GetEntitlement (Hot → Cold → populate Hot)
// - Write-Through: SetEntitlement (Cold → Hot)
// - Invalidate: ClearEntitlement (Cold and Hot, synchronously)
type Storage struct {
	hot  billing.EntitlementStore
	cold billing.EntitlementStore
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotWrites {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncHotWrites {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially, and each hot write carries its own ordering check.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.reportAsync(err)
				}
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) reportAsync(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// GetEntitlement implements billing.EntitlementStore with read-through strategy.
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*billing.UserEntitlement, error) {
	// 1. Try Hot
	ent, err := s.hot.GetEntitlement(ctx, userID)
	if err == nil {
		return ent, nil
	}

	// 2. Try Cold (Source of Truth)
	ent, err = s.cold.GetEntitlement(ctx, userID)
	if err != nil {
		return nil, err
	}

	// 3. Populate Hot (Read-Repair). The hot store's own ordering check keeps a
	// concurrent newer projection from being overwritten.
	_, _ = s.hot.SetEntitlement(ctx, ent) //nolint:errcheck // Cache fill - errors are non-critical

	return ent, nil
}

// SetEntitlement implements billing.EntitlementStore with write-through strategy.
// Cold must accept the write before Hot sees it.
func (s *Storage) SetEntitlement(ctx context.Context, ent *billing.UserEntitlement) (bool, error) {
	written, err := s.cold.SetEntitlement(ctx, ent)
	if err != nil || !written {
		return written, err
	}

	if s.conf.AsyncHotWrites {
		entCopy := *ent
		job := func() error {
			_, err := s.hot.SetEntitlement(context.Background(), &entCopy)
			return err
		}
		select {
		case s.syncQueue <- job:
			return true, nil
		default:
			// Queue full: fall back to a synchronous write
		}
	}

	if _, err := s.hot.SetEntitlement(ctx, ent); err != nil {
		return true, fmt.Errorf("tiered storage: hot write failed after cold commit: %w", err)
	}
	return true, nil
}

// ClearEntitlement implements billing.EntitlementStore.
func (s *Storage) ClearEntitlement(ctx context.Context, userID string) error {
	if err := s.cold.ClearEntitlement(ctx, userID); err != nil {
		return err
	}
	if err := s.hot.ClearEntitlement(ctx, userID); err != nil {
		return fmt.Errorf("tiered storage: hot clear failed: %w", err)
	}
	return nil
}

var _ billing.EntitlementStore = (*Storage)(nil)
