package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/selfrevolutions/subgate/pkg/billing"
	"github.com/selfrevolutions/subgate/pkg/billing/internal"
)

const (
	providerName             = "stripe"
	defaultMaxBodyBytes      = 1 << 20
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Storage, PlanMapping, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// PriceID is the recurring price used for new checkout sessions.
	PriceID string

	// TrialPeriodDays adds a trial to new subscriptions when > 0.
	TrialPeriodDays int64

	// FrontendURL is the base for checkout success/cancel and portal return URLs.
	FrontendURL string

	// WebhookTolerance is the maximum accepted signature age. Defaults to DefaultTolerance.
	WebhookTolerance time.Duration

	// Client overrides the Stripe API client (used in tests).
	// If nil, an APIClient is built from StripeAPIKey.
	Client Client

	// RateLimitRequests is the per-IP webhook request budget per minute.
	// Defaults to 100; negative disables rate limiting.
	RateLimitRequests int
}

// Provider implements billing.Provider for Stripe. It composes the webhook
// pipeline and the checkout/portal session orchestration.
type Provider struct {
	config      Config
	client      Client
	storage     billing.Storage
	verifier    *Verifier
	dedup       *billing.Deduplicator
	identity    *IdentityResolver
	reconciler  *billing.Reconciler
	projector   *billing.Projector
	rateLimiter *internal.RateLimiter
	frontendURL string
	logger      billing.Logger
	metrics     billing.Metrics
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	config.Provider = providerName
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client := config.Client
	if client == nil {
		apiKey := strings.TrimSpace(config.StripeAPIKey)
		if apiKey == "" {
			return nil, billing.ErrProviderNotConfigured
		}
		client = NewAPIClient(apiKey, nil, config.Metrics)
	}

	var limiter *internal.RateLimiter
	switch {
	case config.RateLimitRequests == 0:
		limiter = internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow)
	case config.RateLimitRequests > 0:
		limiter = internal.NewRateLimiter(config.RateLimitRequests, defaultRateLimitWindow)
	}

	dedup := billing.NewDeduplicator(config.Storage)
	return &Provider{
		config:      config,
		client:      client,
		storage:     config.Storage,
		verifier:    NewVerifier(config.StripeWebhookSecret, config.WebhookTolerance),
		dedup:       dedup,
		identity:    NewIdentityResolver(client, config.Storage, config.Logger),
		reconciler:  billing.NewReconciler(&config.Config, dedup),
		projector:   billing.NewProjector(&config.Config),
		rateLimiter: limiter,
		frontendURL: strings.TrimRight(strings.TrimSpace(config.FrontendURL), "/"),
		logger:      config.Logger,
		metrics:     config.Metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	if p.rateLimiter == nil {
		return handler
	}
	return p.rateLimiter.Middleware(handler)
}

// Resync re-applies the user's canonical subscription onto the entitlement projection.
func (p *Provider) Resync(ctx context.Context, userID string) (*billing.UserEntitlement, error) {
	return p.projector.Resync(ctx, userID)
}

var _ billing.Provider = (*Provider)(nil)
