// Package config defines the global configuration structure for the ReceiptWise
// billing engine. Configuration is loaded once at process initialization (Lambda
// cold start) and is immutable thereafter. It follows 12-Factor App principles
// by strictly separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup.
package config

import (
	"time"

	"receiptwise/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the billing engine.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"receiptwise-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Entitlements  EntitlementsConfig
	Trial         TrialConfig
	Usage         UsageConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"20s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // Fail fast when pool exhausted
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Queue receiving subscription change notifications for downstream
	// consumers (push notifications, analytics).
	ChangeQueueURL string `envconfig:"SQS_CHANGE_QUEUE" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds Stripe payment integration credentials.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`

	// PriceMap is a JSON mapping of Stripe price IDs to tier names.
	// Example: {"price_1ABC": "starter", "price_2DEF": "growth"}
	PriceMap string `envconfig:"STRIPE_PRICE_MAP_JSON" validate:"required,json"`
}

// EntitlementsConfig holds the mobile store entitlement API integration.
// Used as the fallback tier source when a user has no Stripe subscription.
type EntitlementsConfig struct {
	APIURL  string        `envconfig:"ENTITLEMENTS_API_URL" validate:"omitempty,url"`
	APIKey  SecretString  `envconfig:"ENTITLEMENTS_API_KEY"`
	Timeout time.Duration `envconfig:"ENTITLEMENTS_TIMEOUT" default:"5s"`

	// ProductMap is a JSON mapping of store product identifiers to tier
	// names, mirroring BillingConfig.PriceMap. Optional; when empty every
	// entitlement-based resolution defaults to free.
	ProductMap string `envconfig:"ENTITLEMENT_PRODUCT_MAP_JSON" validate:"omitempty,json"`
}

// TrialConfig holds trial period settings.
type TrialConfig struct {
	Duration time.Duration `envconfig:"TRIAL_DURATION" default:"72h"`
}

// UsageConfig holds usage counting and rollover tuning parameters.
type UsageConfig struct {
	RolloverBatchSize   int `envconfig:"ROLLOVER_BATCH_SIZE" default:"100"`
	RolloverConcurrency int `envconfig:"ROLLOVER_CONCURRENCY" default:"8"`
	ExclusionPageSize   int `envconfig:"EXCLUSION_PAGE_SIZE" default:"500"`
	ArchiveAfterMonths  int `envconfig:"ARCHIVE_AFTER_MONTHS" default:"6"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"ReceiptWise/Billing"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
