package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAccessSecret  = "access-secret-access-secret-0123456789"
	testRefreshSecret = "refresh-secret-refresh-secret-0123456789"
)

func setRequiredEnvVars(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", testAccessSecret)
	t.Setenv("REFRESH_TOKEN_SECRET", testRefreshSecret)
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		setRequiredEnvVars(t)

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0:5000", cfg.HTTPAddr)
		assert.Equal(t, "postgres", cfg.DatabaseDriver)
		assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
		assert.Equal(t, 7*24*time.Hour, cfg.RefreshTokenTTL)
		assert.Equal(t, 5, cfg.LockoutThreshold)
		assert.Equal(t, 15*time.Minute, cfg.AttemptWindow)
		assert.Equal(t, 15*time.Minute, cfg.LockDuration)
		assert.Equal(t, uint(1), cfg.TOTPSkew)
		assert.Equal(t, 10, cfg.BackupCodeCount)
		assert.Equal(t, 5, cfg.PasswordHistoryLimit)
		assert.True(t, cfg.SweepEnabled)
		assert.False(t, cfg.TrustProxy)
		assert.Empty(t, cfg.Warnings)
	})

	t.Run("overrides", func(t *testing.T) {
		setRequiredEnvVars(t)
		t.Setenv("DATABASE_DRIVER", "sqlite")
		t.Setenv("LOCK_DURATION", "30m")
		t.Setenv("LOCKOUT_THRESHOLD", "3")
		t.Setenv("TRUST_PROXY", "true")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "sqlite", cfg.DatabaseDriver)
		assert.Equal(t, 30*time.Minute, cfg.LockDuration)
		assert.Equal(t, 3, cfg.LockoutThreshold)
		assert.True(t, cfg.TrustProxy)
		assert.Equal(t, "sqlite", cfg.Database().Driver)
	})

	t.Run("invalid values fall back with warnings", func(t *testing.T) {
		setRequiredEnvVars(t)
		t.Setenv("ATTEMPT_WINDOW", "fifteen minutes")
		t.Setenv("BCRYPT_COST", "high")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 15*time.Minute, cfg.AttemptWindow)
		assert.Equal(t, 10, cfg.BcryptCost)
		assert.Len(t, cfg.Warnings, 2)
	})

	t.Run("reads .env file", func(t *testing.T) {
		dir := t.TempDir()
		wd, err := os.Getwd()
		require.NoError(t, err)
		require.NoError(t, os.Chdir(dir))
		defer func() { _ = os.Chdir(wd) }()

		content := "JWT_SECRET=" + testAccessSecret + "\nREFRESH_TOKEN_SECRET=" + testRefreshSecret + "\nTOTP_ISSUER=FromDotEnv\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600))
		// godotenv never overrides variables that are already set
		t.Setenv("TOTP_ISSUER", "")
		os.Unsetenv("TOTP_ISSUER")
		t.Setenv("JWT_SECRET", "")
		os.Unsetenv("JWT_SECRET")
		t.Setenv("REFRESH_TOKEN_SECRET", "")
		os.Unsetenv("REFRESH_TOKEN_SECRET")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "FromDotEnv", cfg.TOTPIssuer)
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			DatabaseDriver:       "postgres",
			AccessTokenSecret:    testAccessSecret,
			RefreshTokenSecret:   testRefreshSecret,
			AccessTokenTTL:       time.Minute,
			RefreshTokenTTL:      time.Hour,
			LockoutThreshold:     5,
			AttemptWindow:        time.Minute,
			LockDuration:         time.Minute,
			TOTPPeriod:           30 * time.Second,
			TOTPSkew:             1,
			TOTPDigits:           6,
			BackupCodeCount:      10,
			PasswordHistoryLimit: 5,
			RateLimitRequests:    100,
			RateLimitWindow:      time.Minute,
			SweepEnabled:         true,
			SweepInterval:        time.Minute,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing access secret", func(c *Config) { c.AccessTokenSecret = "" }, true},
		{"short refresh secret", func(c *Config) { c.RefreshTokenSecret = "short" }, true},
		{"same secrets", func(c *Config) { c.RefreshTokenSecret = c.AccessTokenSecret }, true},
		{"unknown driver", func(c *Config) { c.DatabaseDriver = "mysql" }, true},
		{"zero threshold", func(c *Config) { c.LockoutThreshold = 0 }, true},
		{"bad digits", func(c *Config) { c.TOTPDigits = 7 }, true},
		{"zero skew", func(c *Config) { c.TOTPSkew = 0 }, true},
		{"huge skew", func(c *Config) { c.TOTPSkew = 1 << 20 }, true},
		{"sweep disabled ignores interval", func(c *Config) { c.SweepEnabled = false; c.SweepInterval = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
