// loader.go implements the configuration loading lifecycle for the billing engine.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Populate BuildInfo from linker-injected variables.
//  5. Validate the struct using go-playground/validator.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"receiptwise/internal/types"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid debugging.
// It wraps a ConfigErrorType and an underlying error message.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadConfig loads and validates the billing engine configuration.
//
// It performs the following steps in order:
//  1. Sets the process timezone to UTC.
//  2. Loads a .env file if present (non-fatal if missing).
//  3. Processes envconfig tags to populate the Config struct.
//  4. Populates Config.Build from linker-injected variables.
//  5. Validates the Config struct.
func LoadConfig() (*Config, error) {
	// Step 1: Enforce UTC timezone to prevent drift bugs. All window IDs and
	// reset epochs are derived from UTC timestamps.
	time.Local = time.UTC

	// Step 2: Load .env file (non-fatal if absent). godotenv does NOT
	// override existing environment variables.
	_ = godotenv.Load()

	// Step 3: Process envconfig tags. The empty prefix "" means envconfig
	// reads the exact tag values (e.g., envconfig:"APP_ENV" reads APP_ENV).
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	// Step 4: Populate build metadata from linker-injected variables.
	cfg.Build = NewBuildInfo()

	// Step 5: Validate the populated struct.
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	return &cfg, nil
}

// ParsePriceMap decodes the STRIPE_PRICE_MAP_JSON value into a lookup from
// Stripe price ID to tier. Unknown tier names in the map are rejected so that
// a typo in deployment config fails at startup instead of silently defaulting
// users to free later.
func (b BillingConfig) ParsePriceMap() (map[string]types.Tier, error) {
	var raw map[string]string
	if err := json.Unmarshal([]byte(b.PriceMap), &raw); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to parse STRIPE_PRICE_MAP_JSON",
			Err:     err,
		}
	}

	out := make(map[string]types.Tier, len(raw))
	for priceID, tierName := range raw {
		tier := types.Tier(tierName)
		switch tier {
		case types.TierStarter, types.TierGrowth, types.TierProfessional:
			out[priceID] = tier
		default:
			return nil, &ConfigError{
				Type:    ErrValidation,
				Message: fmt.Sprintf("price map entry %q references unknown or non-purchasable tier %q", priceID, tierName),
			}
		}
	}
	return out, nil
}

// ParseProductMap decodes ENTITLEMENT_PRODUCT_MAP_JSON into a lookup from
// store product identifier to tier, with the same tier whitelist as
// ParsePriceMap. An unset value yields an empty map.
func (e EntitlementsConfig) ParseProductMap() (map[string]types.Tier, error) {
	if e.ProductMap == "" {
		return map[string]types.Tier{}, nil
	}

	var raw map[string]string
	if err := json.Unmarshal([]byte(e.ProductMap), &raw); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to parse ENTITLEMENT_PRODUCT_MAP_JSON",
			Err:     err,
		}
	}

	out := make(map[string]types.Tier, len(raw))
	for productID, tierName := range raw {
		tier := types.Tier(tierName)
		switch tier {
		case types.TierStarter, types.TierGrowth, types.TierProfessional:
			out[productID] = tier
		default:
			return nil, &ConfigError{
				Type:    ErrValidation,
				Message: fmt.Sprintf("product map entry %q references unknown or non-purchasable tier %q", productID, tierName),
			}
		}
	}
	return out, nil
}
