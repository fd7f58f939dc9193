package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	gcfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/selfrevolutions/subgate/internal/config"
	"github.com/selfrevolutions/subgate/pkg/billing"
	zerologadapter "github.com/selfrevolutions/subgate/pkg/billing/logger/zerolog"
	prommetrics "github.com/selfrevolutions/subgate/pkg/billing/metrics/prometheus"
	"github.com/selfrevolutions/subgate/pkg/billing/stripe"
	"github.com/selfrevolutions/subgate/storage/firestore"
	"github.com/selfrevolutions/subgate/storage/postgres"
	"github.com/selfrevolutions/subgate/storage/redis"
	"github.com/selfrevolutions/subgate/storage/tiered"
)

const metricsNamespace = "subgate"

// backend is the wired billing engine plus everything that must be closed on exit.
type backend struct {
	storage      billing.Storage
	entitlements billing.EntitlementStore
	provider     *stripe.Provider
	ping         func(context.Context) error
	closers      []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Development() {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "subgate").Logger()
}

// openBackend connects the configured stores and builds the Stripe provider.
// Postgres (or Firestore when FIRESTORE_PROJECT_ID is set) holds billing state;
// Redis, when configured, fronts the entitlement projection.
func openBackend(ctx context.Context, cfg *config.Config, zlog zerolog.Logger, metrics billing.Metrics) (*backend, error) {
	logger := zerologadapter.NewLogger(zlog)
	b := &backend{}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	if cfg.FirestoreProjectID != "" {
		client, err := gcfirestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, fmt.Errorf("connect firestore: %w", err)
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		store, err := firestore.New(client, firestore.Config{})
		if err != nil {
			return nil, err
		}
		b.storage = store
	} else {
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.DatabaseURL
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.closers = append(b.closers, store.Close)
		b.storage = store
		b.ping = store.Ping
	}
	b.entitlements = b.storage

	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := goredis.NewClient(opts)
		cache, err := redis.New(client, redis.Config{KeyPrefix: cfg.RedisKeyPrefix, EntitlementTTL: 24 * time.Hour})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = cache.Close() })

		tiers, err := tiered.New(tiered.Config{
			Hot:            cache,
			Cold:           b.storage,
			AsyncHotWrites: true,
			AsyncErrorHandler: func(err error) {
				logger.Warn("Entitlement cache write failed", billing.Field{Key: "error", Value: err})
			},
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = tiers.Close() })
		b.entitlements = tiers
	}

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Storage:         b.storage,
			Entitlements:    b.entitlements,
			PlanMapping:     cfg.PlanMapping,
			DefaultPlanCode: cfg.DefaultPlanCode,
			Logger:          logger,
			Metrics:         metrics,
			OnApplied: func(ev billing.WebhookEvent) {
				zlog.Debug().
					Str("user_id", ev.UserID).
					Str("event_id", ev.EventID).
					Str("from", string(ev.PreviousStatus)).
					Str("to", string(ev.NewStatus)).
					Msg("subscription changed")
			},
		},
		StripeAPIKey:        cfg.StripeSecretKey,
		StripeWebhookSecret: cfg.StripeWebhookSecret,
		PriceID:             cfg.StripePriceID,
		TrialPeriodDays:     cfg.StripeTrialDays,
		FrontendURL:         cfg.FrontendURL,
		WebhookTolerance:    cfg.WebhookTolerance,
	})
	if err != nil {
		return nil, fmt.Errorf("configure stripe: %w", err)
	}
	b.provider = provider

	ok = true
	return b, nil
}

func newMetrics() billing.Metrics {
	return prommetrics.DefaultMetrics(metricsNamespace)
}
