package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariyofashion/layaway/config"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestFromLookup_Defaults(t *testing.T) {
	cfg, err := config.FromLookup(lookupFrom(nil))

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "./layaway.db", cfg.DBPath)
	assert.Equal(t, "NGN", cfg.Currency)
	assert.True(t, cfg.MinPayment.IsZero())
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 15*time.Second, cfg.VerifyTimeout)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Empty(t, cfg.AdminEmails)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, time.Hour, cfg.AuditInterval)
}

func TestFromLookup_Overrides(t *testing.T) {
	cfg, err := config.FromLookup(lookupFrom(map[string]string{
		"PORT":                "9090",
		"LAYAWAY_MIN_PAYMENT": "500",
		"LAYAWAY_CURRENCY":    "",
		"ADMIN_EMAILS":        "owner@ariyo.ng, tailor@ariyo.ng",
		"RATE_LIMIT_WINDOW":   "30s",
		"LOG_FORMAT":          "JSON",
	}))

	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.MinPayment.Equal(decimal.NewFromInt(500)))
	assert.Empty(t, cfg.Currency, "explicit empty currency disables the check")
	assert.Equal(t, []string{"owner@ariyo.ng", "tailor@ariyo.ng"}, cfg.AdminEmails)
	assert.Equal(t, 30*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestFromLookup_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"port not a number", map[string]string{"PORT": "eighty"}},
		{"port out of range", map[string]string{"PORT": "70000"}},
		{"negative minimum", map[string]string{"LAYAWAY_MIN_PAYMENT": "-1"}},
		{"bad minimum", map[string]string{"LAYAWAY_MIN_PAYMENT": "five hundred"}},
		{"zero retries", map[string]string{"LAYAWAY_MAX_RETRIES": "0"}},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}},
		{"bad format", map[string]string{"LOG_FORMAT": "xml"}},
		{"bad audit interval", map[string]string{"AUDIT_INTERVAL": "hourly"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.FromLookup(lookupFrom(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	// GIVEN: A .env file with a value not already in the environment
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DB_PATH=/tmp/from-dotenv.db\n"), 0o600))
	os.Unsetenv("DB_PATH")
	t.Cleanup(func() { os.Unsetenv("DB_PATH") })

	cfg, err := config.Load(path)

	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-dotenv.db", cfg.DBPath)
}

func TestLoad_MissingEnvFileIsFine(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestLogger_JSON(t *testing.T) {
	cfg, err := config.FromLookup(lookupFrom(map[string]string{"LOG_FORMAT": "json", "LOG_LEVEL": "warn"}))
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := cfg.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "plan_id", "p1")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"plan_id":"p1"`)
}
