// Package config loads the server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

// Config holds all configuration for the subgate server.
type Config struct {
	Port     int    `validate:"min=1,max=65535"`
	Env      string `validate:"oneof=development staging production test"`
	LogLevel string `validate:"oneof=trace debug info warn error"`

	DatabaseURL    string `validate:"required_without=FirestoreProjectID"`
	RedisURL       string `validate:"omitempty,url"`
	RedisKeyPrefix string
	// FirestoreProjectID selects Firestore instead of Postgres for billing state
	FirestoreProjectID string

	StripeSecretKey     string `validate:"required,startswith=sk_|startswith=rk_"`
	StripeWebhookSecret string `validate:"required,startswith=whsec_"`
	StripePriceID       string `validate:"required"`
	StripeTrialPriceID  string
	StripeTrialDays     int64 `validate:"min=0,max=730"`
	PlanMapping         map[string]string
	DefaultPlanCode     string `validate:"required"`
	WebhookTolerance    time.Duration

	FrontendURL   string `validate:"required,http_url"`
	AuthJWTSecret string `validate:"required,min=16"`

	// TrustProxy honors X-Forwarded-For and X-Real-IP from a fronting proxy.
	// Leave off when clients reach the server directly.
	TrustProxy bool
}

// Development reports whether the server runs in a local development environment.
func (c *Config) Development() bool {
	return c.Env == "development"
}

// Load reads the configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("PORT", 8080)
	if err != nil {
		return nil, err
	}
	trialDays, err := envOrDefaultInt("STRIPE_TRIAL_DAYS", 0)
	if err != nil {
		return nil, err
	}
	tolerance, err := envOrDefaultDuration("WEBHOOK_TOLERANCE", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	trustProxy, err := envOrDefaultBool("TRUST_PROXY", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                port,
		Env:                 envOrDefault("ENV", "development"),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:            strings.TrimSpace(os.Getenv("REDIS_URL")),
		RedisKeyPrefix:      envOrDefault("REDIS_KEY_PREFIX", "subgate:"),
		FirestoreProjectID:  strings.TrimSpace(os.Getenv("FIRESTORE_PROJECT_ID")),
		StripeSecretKey:     strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripePriceID:       strings.TrimSpace(os.Getenv("STRIPE_PRICE_ID")),
		StripeTrialPriceID:  strings.TrimSpace(os.Getenv("STRIPE_TRIAL_PRICE_ID")),
		StripeTrialDays:     int64(trialDays),
		DefaultPlanCode:     envOrDefault("DEFAULT_PLAN_CODE", billing.DefaultPlanCode),
		WebhookTolerance:    tolerance,
		FrontendURL:         strings.TrimRight(strings.TrimSpace(os.Getenv("FRONTEND_URL")), "/"),
		AuthJWTSecret:       strings.TrimSpace(os.Getenv("AUTH_JWT_SECRET")),
		TrustProxy:          trustProxy,
	}

	cfg.PlanMapping, err = billing.ParsePlanMapping(os.Getenv("STRIPE_PLAN_MAP"))
	if err != nil {
		return nil, fmt.Errorf("invalid STRIPE_PLAN_MAP: %w", err)
	}
	if _, ok := cfg.PlanMapping[cfg.StripePriceID]; !ok && cfg.StripePriceID != "" {
		cfg.PlanMapping[cfg.StripePriceID] = cfg.DefaultPlanCode
	}
	if _, ok := cfg.PlanMapping[cfg.StripeTrialPriceID]; !ok && cfg.StripeTrialPriceID != "" {
		cfg.PlanMapping[cfg.StripeTrialPriceID] = cfg.DefaultPlanCode + "_trial"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the struct tags and reports every failing field by its
// environment variable name.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", envName(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

var envNames = map[string]string{
	"Port":                "PORT",
	"Env":                 "ENV",
	"LogLevel":            "LOG_LEVEL",
	"DatabaseURL":         "DATABASE_URL",
	"RedisURL":            "REDIS_URL",
	"StripeSecretKey":     "STRIPE_SECRET_KEY",
	"StripeWebhookSecret": "STRIPE_WEBHOOK_SECRET",
	"StripePriceID":       "STRIPE_PRICE_ID",
	"StripeTrialDays":     "STRIPE_TRIAL_DAYS",
	"DefaultPlanCode":     "DEFAULT_PLAN_CODE",
	"FrontendURL":         "FRONTEND_URL",
	"AuthJWTSecret":       "AUTH_JWT_SECRET",
}

func envName(field string) string {
	if name, ok := envNames[field]; ok {
		return name
	}
	return field
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}
