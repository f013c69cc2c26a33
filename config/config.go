/*
Package config loads server settings from the environment.

PURPOSE:
  One place that reads environment variables (optionally from a .env file),
  applies defaults, and validates the result. Command-line flags in
  cmd/server override what is loaded here.

VARIABLES:
  PORT                   HTTP port                          (default 8080)
  DB_PATH                SQLite database path               (default ./layaway.db)
  FLW_SECRET_KEY         Flutterwave secret key             (required in production)
  FLW_BASE_URL           Flutterwave API base URL           (default https://api.flutterwave.com)
  FLW_TIMEOUT            Verification timeout               (default 15s)
  LAYAWAY_CURRENCY       Required charge currency           (default NGN, empty disables)
  LAYAWAY_MIN_PAYMENT    Minimum installment                (default 0, disabled)
  LAYAWAY_MAX_RETRIES    Optimistic retry budget            (default 5)
  JWT_SECRET             HMAC secret for bearer tokens      (empty disables auth)
  JWT_ISSUER             Expected iss claim                 (optional)
  ADMIN_EMAILS           Comma-separated admin emails
  REDIS_ADDR             Redis for rate limiting            (empty disables)
  RATE_LIMIT             Requests per window per IP         (default 60)
  RATE_LIMIT_WINDOW      Window length                      (default 1m)
  AUDIT_INTERVAL         Ledger audit period                (default 1h, 0 disables)
  CORS_ORIGINS           Comma-separated allowed origins    (default *)
  LOG_LEVEL              debug|info|warn|error              (default info)
  LOG_FORMAT             text|json                          (default text)
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

type Config struct {
	Port   int
	DBPath string

	FlutterwaveSecret  string
	FlutterwaveBaseURL string
	VerifyTimeout      time.Duration

	Currency   string
	MinPayment decimal.Decimal
	MaxRetries int

	JWTSecret   string
	JWTIssuer   string
	AdminEmails []string

	RedisAddr       string
	RateLimit       int
	RateLimitWindow time.Duration

	AuditInterval time.Duration

	CORSOrigins []string

	LogLevel  string
	LogFormat string
}

// Load reads an optional .env file, then the process environment.
// A missing .env file is not an error.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary lookup function.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	minPayment, err := decimal.NewFromString(get("LAYAWAY_MIN_PAYMENT", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid LAYAWAY_MIN_PAYMENT: %w", err)
	}

	port, err := cast.ToIntE(get("PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	retries, err := cast.ToIntE(get("LAYAWAY_MAX_RETRIES", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid LAYAWAY_MAX_RETRIES: %w", err)
	}
	rateLimit, err := cast.ToIntE(get("RATE_LIMIT", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT: %w", err)
	}
	verifyTimeout, err := cast.ToDurationE(get("FLW_TIMEOUT", "15s"))
	if err != nil {
		return nil, fmt.Errorf("invalid FLW_TIMEOUT: %w", err)
	}
	window, err := cast.ToDurationE(get("RATE_LIMIT_WINDOW", "1m"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_WINDOW: %w", err)
	}

	auditInterval, err := cast.ToDurationE(get("AUDIT_INTERVAL", "1h"))
	if err != nil {
		return nil, fmt.Errorf("invalid AUDIT_INTERVAL: %w", err)
	}

	currency := "NGN"
	if v, ok := lookup("LAYAWAY_CURRENCY"); ok {
		currency = strings.ToUpper(strings.TrimSpace(v))
	}

	cfg := &Config{
		Port:               port,
		DBPath:             get("DB_PATH", "./layaway.db"),
		FlutterwaveSecret:  get("FLW_SECRET_KEY", ""),
		FlutterwaveBaseURL: get("FLW_BASE_URL", "https://api.flutterwave.com"),
		VerifyTimeout:      verifyTimeout,
		Currency:           currency,
		MinPayment:         minPayment,
		MaxRetries:         retries,
		JWTSecret:          get("JWT_SECRET", ""),
		JWTIssuer:          get("JWT_ISSUER", ""),
		AdminEmails:        splitList(get("ADMIN_EMAILS", "")),
		RedisAddr:          get("REDIS_ADDR", ""),
		RateLimit:          rateLimit,
		RateLimitWindow:    window,
		AuditInterval:      auditInterval,
		CORSOrigins:        splitList(get("CORS_ORIGINS", "*")),
		LogLevel:           strings.ToLower(get("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(get("LOG_FORMAT", "text")),
	}
	return cfg, cfg.Validate()
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.DBPath == "":
		return errors.New("database path is required")
	case c.MinPayment.IsNegative():
		return errors.New("minimum payment cannot be negative")
	case c.MaxRetries <= 0:
		return errors.New("max retries must be positive")
	case c.VerifyTimeout <= 0:
		return errors.New("verification timeout must be positive")
	case c.RateLimit < 0:
		return errors.New("rate limit cannot be negative")
	case c.AuditInterval < 0:
		return errors.New("audit interval cannot be negative")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// Logger builds the process logger described by LogLevel and LogFormat.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range cast.ToStringSlice(strings.ReplaceAll(s, ",", " ")) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
