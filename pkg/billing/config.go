package billing

import (
	"fmt"
	"strings"
)

// DefaultPlanCode is the plan assigned when nothing more specific is known.
const DefaultPlanCode = "pro_15"

// PlanCodeMetadataKey is the metadata key carrying an explicit plan code
// on a price or a subscription.
const PlanCodeMetadataKey = "plan_code"

// Config defines the configuration shared by the reconciliation components.
type Config struct {
	// Storage persists the dedup log, canonical rows and customer mappings.
	Storage Storage

	// Entitlements receives the denormalized projection.
	// If nil, Storage is used.
	Entitlements EntitlementStore

	// PlanMapping maps provider price IDs to plan codes.
	// For example: map[string]string{"price_monthly": "pro_15", "price_trial": "pro_15_trial"}
	PlanMapping map[string]string

	// DefaultPlanCode is used when no price, metadata or mapping yields a plan.
	// Defaults to DefaultPlanCode.
	DefaultPlanCode string

	// Provider is the provider name used for metrics labels (e.g. "stripe").
	Provider string

	// Logger is an optional structured logger. If nil, logging is disabled.
	Logger Logger

	// Metrics is an optional metrics collector.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// OnApplied is called after a canonical write has been committed.
	// It runs synchronously on the webhook path and must not block.
	OnApplied WebhookCallback
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Storage == nil {
		return fmt.Errorf("%w: storage is required", ErrProviderNotConfigured)
	}
	if c.Entitlements == nil {
		c.Entitlements = c.Storage
	}
	if strings.TrimSpace(c.DefaultPlanCode) == "" {
		c.DefaultPlanCode = DefaultPlanCode
	}
	for price, plan := range c.PlanMapping {
		if price == "" || plan == "" {
			return fmt.Errorf("%w: plan mapping entries must be non-empty (%q=%q)",
				ErrProviderNotConfigured, price, plan)
		}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	return nil
}

// ParsePlanMapping parses "price_a=plan_a,price_b=plan_b" into a plan mapping.
func ParsePlanMapping(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		price, plan, ok := strings.Cut(pair, "=")
		price, plan = strings.TrimSpace(price), strings.TrimSpace(plan)
		if !ok || price == "" || plan == "" {
			return nil, fmt.Errorf("invalid plan mapping entry %q", pair)
		}
		out[price] = plan
	}
	return out, nil
}
