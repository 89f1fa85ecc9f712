// Package config loads the service configuration from environment
// variables using envconfig. It is read once at startup in cmd/server.
package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every setting the service reads from its environment.
type Config struct {
	// --- HTTP ---
	Port           int           `envconfig:"PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`

	// --- Database ---
	// DatabaseURL is optional: an empty value falls back to an in-memory
	// store, which cmd/server logs loudly since it never persists.
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"5"`

	// --- Cache ---
	RedisURL string `envconfig:"REDIS_URL" default:""`

	// --- Application ---
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	AppLogLevel string `envconfig:"APP_LOG_LEVEL" default:"info"`

	// --- Payment processor ---
	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY" default:""`
	StripeWebhookSecret string `envconfig:"WEBHOOK_SECRET" default:""`

	// --- Token economy (spec §6) ---
	TokenPriceCents       int64         `envconfig:"TOKEN_PRICE_CENTS" default:"1"`
	DailyDepositCapTokens int64         `envconfig:"DAILY_DEPOSIT_CAP_TOKENS" default:"100000"`
	RefundWindowDays      int           `envconfig:"REFUND_WINDOW_DAYS" default:"90"`
	WithdrawMode          string        `envconfig:"WITHDRAW_MODE" default:"refund"`
	PlatformUserIDRaw     string        `envconfig:"PLATFORM_USER_ID" default:"00000000-0000-0000-0000-000000000000"`
	PlatformUserID        uuid.UUID     `envconfig:"-"`

	// --- Wallet concurrency ---
	WalletLockTimeout    time.Duration `envconfig:"WALLET_LOCK_TIMEOUT" default:"5s"`
	ProcessorCallTimeout time.Duration `envconfig:"PROCESSOR_CALL_TIMEOUT" default:"10s"`
	JobTimeout           time.Duration `envconfig:"JOB_TIMEOUT" default:"30s"`

	// --- Settlement job runner ---
	SettlementCronSpec string `envconfig:"SETTLEMENT_CRON_SPEC" default:"*/1 * * * *"`
}

// WithdrawalsEnabled reports whether WithdrawMode permits refunds.
func (c *Config) WithdrawalsEnabled() bool {
	return c.WithdrawMode == "refund"
}

func (c *Config) validate() error {
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("invalid DB_MIN_CONNS/DB_MAX_CONNS")
	}
	if c.TokenPriceCents <= 0 {
		return fmt.Errorf("TOKEN_PRICE_CENTS must be > 0")
	}
	if c.DailyDepositCapTokens <= 0 {
		return fmt.Errorf("DAILY_DEPOSIT_CAP_TOKENS must be > 0")
	}
	if c.WithdrawMode != "refund" && c.WithdrawMode != "disabled" {
		return fmt.Errorf("WITHDRAW_MODE must be one of: refund, disabled")
	}
	return nil
}

// Load reads environment variables into a Config, applying defaults and
// validation.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	platformID, err := uuid.Parse(cfg.PlatformUserIDRaw)
	if err != nil {
		return nil, fmt.Errorf("PLATFORM_USER_ID: %w", err)
	}
	cfg.PlatformUserID = platformID

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
