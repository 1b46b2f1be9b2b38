package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the API server configuration, loadable from environment
// variables (KART_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (KART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	// Timezone is the store timezone promotion dates and daily windows are
	// written in.
	Timezone    string        `default:"UTC" usage:"IANA timezone of promotion calendars"`
	PricePlaces int32         `default:"0" usage:"Decimal places of computed prices" flag:"price-places"`
	RuleTTL     time.Duration `default:"30s" usage:"How long a loaded promotion rule set is reused" flag:"rule-ttl"`
	DB          DBConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Ledger      LedgerConfig
	Sweep       SweepConfig
	CodeFilter  CodeFilterConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// DBConfig tunes the connection pool.
type DBConfig struct {
	MaxConns        int32         `default:"10" usage:"Maximum pool connections" flag:"db-max-conns"`
	MaxConnLifetime time.Duration `default:"30m" usage:"Maximum connection lifetime" flag:"db-max-conn-lifetime"`
}

// RedisConfig enables the shared rule cache, the sweep lock and the shared
// rate limiter. Empty Addrs disables Redis.
type RedisConfig struct {
	Addrs    []string      `usage:"Redis addresses"`
	Password string        `usage:"Redis password"`
	RuleTTL  time.Duration `default:"1m" usage:"TTL of the shared promotion rule snapshot" flag:"redis-rule-ttl"`
}

// KafkaConfig enables ledger event publishing. Empty Brokers disables it.
type KafkaConfig struct {
	Brokers      []string      `usage:"Kafka bootstrap brokers"`
	Topic        string        `default:"kart.vouchers" usage:"Topic for voucher code events"`
	BatchTimeout time.Duration `default:"50ms" usage:"Producer batch timeout" flag:"kafka-batch-timeout"`
	// PublishTimeout bounds one background delivery of ledger events.
	PublishTimeout time.Duration `default:"5s" usage:"Timeout of one event delivery" flag:"kafka-publish-timeout"`
}

// LedgerConfig bounds redemption retries.
type LedgerConfig struct {
	MaxAttempts int           `default:"5" usage:"Attempts per ledger transaction on serialization failures" flag:"ledger-max-attempts"`
	RetryDelay  time.Duration `default:"10ms" usage:"Initial backoff between ledger attempts" flag:"ledger-retry-delay"`
}

// SweepConfig schedules the background expiry of overdue codes.
type SweepConfig struct {
	Enabled  bool          `default:"true" usage:"Run the expiry sweep" flag:"sweep-enabled"`
	Schedule string        `default:"@every 10m" usage:"Cron spec of the expiry sweep" flag:"sweep-schedule"`
	Timeout  time.Duration `default:"1m" usage:"Bound of a single sweep" flag:"sweep-timeout"`
}

// CodeFilterConfig sizes the in-memory filter of issued codes.
type CodeFilterConfig struct {
	Capacity   uint    `default:"1000000" usage:"Expected number of issued codes" flag:"code-filter-capacity"`
	FPRate     float64 `default:"0.001" usage:"Target false positive rate" flag:"code-filter-fp-rate"`
	MaxFillPct float64 `default:"0.9" usage:"Fill ratio reported as degraded" flag:"code-filter-max-fill"`
}

// RateLimitConfig controls the per-client rate limiter. With Redis configured
// the budget is shared between instances.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(false)
}

func loadConfig(skipFlags bool) (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags: skipFlags,
		EnvPrefix: "KART",
		Files:     []string{"config.yaml", "/etc/kart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set KART_DATABASE_URL or DATABASE_URL")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return errors.Wrapf(err, "timezone %q", c.Timezone)
	}
	if c.PricePlaces < 0 {
		return errors.Errorf("price places must not be negative, got %d", c.PricePlaces)
	}
	if c.Ledger.MaxAttempts < 1 {
		return errors.Errorf("ledger max attempts must be positive, got %d", c.Ledger.MaxAttempts)
	}
	if c.CodeFilter.FPRate <= 0 || c.CodeFilter.FPRate >= 1 {
		return errors.Errorf("code filter false positive rate must be in (0, 1), got %v", c.CodeFilter.FPRate)
	}
	return nil
}

// Location returns the configured store timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's KART_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
