// Command subgate runs the Stripe subscription reconciliation service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/selfrevolutions/subgate/internal/config"
	"github.com/selfrevolutions/subgate/internal/httpserver"
	"github.com/selfrevolutions/subgate/pkg/billing"
	zerologadapter "github.com/selfrevolutions/subgate/pkg/billing/logger/zerolog"
	"github.com/selfrevolutions/subgate/storage/postgres"
)

// Version information (set at build time with -ldflags)
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "subgate",
	Short:         "Stripe subscription reconciliation and entitlement service",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server (webhooks, billing API, health, metrics)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending Postgres schema migrations",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for migrations")
		}
		return postgres.Migrate(cfg.DatabaseURL, zerologadapter.NewLogger(newLogger(cfg)))
	},
}

var resyncUserID string

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Rebuild a user's entitlement from the canonical subscription row",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runResync(cmd.Context(), resyncUserID)
	},
}

func init() {
	resyncCmd.Flags().StringVar(&resyncUserID, "user", "", "internal user id to resync (required)")
	_ = resyncCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(serveCmd, migrateCmd, resyncCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	zlog := newLogger(cfg)

	if cfg.DatabaseURL != "" && cfg.FirestoreProjectID == "" {
		if err := postgres.Migrate(cfg.DatabaseURL, zerologadapter.NewLogger(zlog)); err != nil {
			return err
		}
	}

	b, err := openBackend(ctx, cfg, zlog, newMetrics())
	if err != nil {
		return err
	}
	defer b.Close()

	srv, err := httpserver.New(httpserver.Deps{
		Addr:          ":" + strconv.Itoa(cfg.Port),
		Logger:        zlog,
		Provider:      b.provider,
		Subscriptions: b.storage,
		Entitlements:  b.entitlements,
		AuthSecret:    []byte(cfg.AuthJWTSecret),
		Ping:          b.ping,
		Metrics:       promhttp.Handler(),
		BillingLogger: zerologadapter.NewLogger(zlog),
		TrustProxy:    cfg.TrustProxy,
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zlog.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	zlog.Info().Str("env", cfg.Env).Int("port", cfg.Port).Msg("starting subgate")
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server exited: %w", err)
	}
	zlog.Info().Msg("subgate stopped")
	return nil
}

func runResync(ctx context.Context, userID string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	zlog := newLogger(cfg)

	b, err := openBackend(ctx, cfg, zlog, &billing.NoopMetrics{})
	if err != nil {
		return err
	}
	defer b.Close()

	ent, err := b.provider.Resync(ctx, userID)
	if err != nil {
		return fmt.Errorf("resync %s: %w", userID, err)
	}
	if ent.Status == "" {
		fmt.Printf("%s: no subscription, entitlement cleared\n", userID)
		return nil
	}
	fmt.Printf("%s: status=%s plan=%s active=%t\n", userID, ent.Status, ent.PlanCode, ent.Active())
	return nil
}
