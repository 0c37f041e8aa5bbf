package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	defaultProductionVerifyURL = "https://buy.itunes.apple.com/verifyReceipt"
	defaultSandboxVerifyURL    = "https://sandbox.itunes.apple.com/verifyReceipt"
)

// Config holds everything read from the environment at startup.
type Config struct {
	DatabaseURL string
	HTTPAddr    string
	MetricsAddr string

	JWTSecret             []byte
	PaymentServiceKeyHash []byte

	AppleSharedSecret   string
	AppleBundleID       string
	VerifyProductionURL string
	VerifySandboxURL    string
	VerifyTimeout       time.Duration
	VerifyRatePerSecond float64

	DefaultProductID      string
	PlanDuration          time.Duration
	CatalogReloadInterval time.Duration

	SweepSchedule string
	RedisURL      string

	StripeWebhookSecret string

	LogLevel  string
	LogFormat string
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded, using process environment")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		DatabaseURL:         get("DATABASE_URL", ""),
		HTTPAddr:            get("HTTP_ADDR", ":8080"),
		MetricsAddr:         get("METRICS_ADDR", ":9091"),
		JWTSecret:           []byte(getenv("JWT_SECRET")),
		AppleSharedSecret:   getenv("APPLE_SHARED_SECRET_KEY"),
		AppleBundleID:       get("APPLE_BUNDLE_ID", ""),
		VerifyProductionURL: get("APPLE_VERIFY_PRODUCTION_URL", defaultProductionVerifyURL),
		VerifySandboxURL:    get("APPLE_VERIFY_SANDBOX_URL", defaultSandboxVerifyURL),
		DefaultProductID:    get("DEFAULT_PRODUCT_ID", ""),
		SweepSchedule:       get("SWEEP_SCHEDULE", "@every 5m"),
		RedisURL:            get("REDIS_URL", ""),
		StripeWebhookSecret: getenv("STRIPE_WEBHOOK_SECRET"),
		LogLevel:            get("LOG_LEVEL", "info"),
		LogFormat:           get("LOG_FORMAT", "json"),
	}
	if hash := strings.TrimSpace(getenv("PAYMENT_SERVICE_KEY_HASH")); hash != "" {
		cfg.PaymentServiceKeyHash = []byte(hash)
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = buildDatabaseURL(get)
	}

	var err error
	if cfg.VerifyTimeout, err = parseDuration(get("VERIFY_TIMEOUT", "30s"), "VERIFY_TIMEOUT"); err != nil {
		return nil, err
	}
	if cfg.PlanDuration, err = parseDuration(get("PLAN_DURATION", "720h"), "PLAN_DURATION"); err != nil {
		return nil, err
	}
	if cfg.CatalogReloadInterval, err = parseDuration(get("CATALOG_RELOAD_INTERVAL", "10m"), "CATALOG_RELOAD_INTERVAL"); err != nil {
		return nil, err
	}

	rate, err := strconv.ParseFloat(get("VERIFY_RATE_PER_SECOND", "10"), 64)
	if err != nil || rate <= 0 {
		return nil, fmt.Errorf("invalid VERIFY_RATE_PER_SECOND %q", getenv("VERIFY_RATE_PER_SECOND"))
	}
	cfg.VerifyRatePerSecond = rate

	return cfg, nil
}

func parseDuration(raw, key string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func buildDatabaseURL(get func(key, def string) string) string {
	u := url.URL{
		Scheme:   "postgresql",
		User:     url.UserPassword(get("DB_USER", "postgres"), get("DB_PASSWORD", "")),
		Host:     get("DB_HOST", "localhost") + ":" + get("DB_PORT", "5432"),
		Path:     "/" + get("DB_NAME", "propass"),
		RawQuery: "sslmode=" + get("POSTGRES_SSL_MODE", "disable"),
	}
	return u.String()
}
