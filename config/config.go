/*
Package config loads service configuration from the environment.

KEYS:
  Every field is read from COUPONLEDGER_<GROUP>_<TAG>, e.g.
  COUPONLEDGER_APP_PORT or COUPONLEDGER_LEDGER_MAX_RETRIES. The bare
  tag (PORT, LOG_LEVEL, REDIS_LOCK, AUDIT_INTERVAL, ...) is accepted as a
  fallback, which is the form used in .env files. A .env file
  is loaded by cmd/server before Load is called.

FEATURE FLAGS:
  Three switches mirror the storefront plugin settings page:
  BALANCE_COUPONS (ledger hooks), CART_DISPLAY (balances in cart
  responses) and BALANCE_CHECKER (public balance lookup endpoint).
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "COUPONLEDGER"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Ledger   LedgerConfig
	Features FeatureFlags
	Audit    AuditConfig
}

// Load reads the environment and validates cross-field constraints.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.App.Port)
	}
	if c.Redis.Enabled && c.Redis.URL == "" && c.Redis.Address == "" {
		return fmt.Errorf("redis lock enabled but neither REDIS_URL nor REDIS_ADDR set")
	}
	if c.Audit.Enabled && c.Audit.Interval <= 0 {
		return fmt.Errorf("audit interval must be positive, got %s", c.Audit.Interval)
	}
	return nil
}

type AppConfig struct {
	Env            string   `envconfig:"APP_ENV" default:"dev"`
	Port           int      `envconfig:"PORT" default:"8080"`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string   `envconfig:"LOG_FORMAT" default:"json"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:5173,http://localhost:8080"`
}

func (a AppConfig) IsDev() bool  { return strings.EqualFold(a.Env, AppEnvDev) }
func (a AppConfig) IsProd() bool { return strings.EqualFold(a.Env, AppEnvProd) }

type DBConfig struct {
	// Path is the SQLite database file. ":memory:" keeps everything in process.
	Path string `envconfig:"DB_PATH" default:"coupons.db"`
}

// RedisConfig enables the distributed per-instrument lock. Disabled means an
// in-process lock, which is only correct for a single replica.
type RedisConfig struct {
	Enabled     bool          `envconfig:"REDIS_LOCK" default:"false"`
	URL         string        `envconfig:"REDIS_URL"`
	Address     string        `envconfig:"REDIS_ADDR"`
	Password    string        `envconfig:"REDIS_PASSWORD"`
	DB          int           `envconfig:"REDIS_DB" default:"0"`
	DialTimeout time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	LockTTL     time.Duration `envconfig:"REDIS_LOCK_TTL" default:"10s"`
	LockWait    time.Duration `envconfig:"REDIS_LOCK_WAIT" default:"3s"`
	LockPoll    time.Duration `envconfig:"REDIS_LOCK_POLL" default:"25ms"`
}

type LedgerConfig struct {
	MaxRetries uint64        `envconfig:"MAX_RETRIES" default:"5"`
	RetryDelay time.Duration `envconfig:"RETRY_DELAY" default:"20ms"`
	LockWait   time.Duration `envconfig:"LOCK_WAIT" default:"5s"`

	// RejectInsufficient refuses a settlement larger than the balance instead
	// of clamping the balance to zero and recording a shortfall.
	RejectInsufficient bool `envconfig:"REJECT_INSUFFICIENT" default:"false"`
}

type FeatureFlags struct {
	BalanceCoupons bool `envconfig:"BALANCE_COUPONS" default:"true"`
	CartDisplay    bool `envconfig:"CART_DISPLAY" default:"true"`
	BalanceChecker bool `envconfig:"BALANCE_CHECKER" default:"true"`
}

type AuditConfig struct {
	Enabled  bool          `envconfig:"AUDIT_ENABLED" default:"true"`
	Interval time.Duration `envconfig:"AUDIT_INTERVAL" default:"1h"`
}
