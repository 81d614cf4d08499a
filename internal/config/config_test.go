package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultUSDCContract, cfg.USDCContract)
	assert.Equal(t, int64(DefaultFeeBps), cfg.PlatformFeeBps)
	assert.Equal(t, int64(100), cfg.RegistrationBonus)
	assert.Equal(t, int64(10), cfg.DailyDripAmount)
	assert.Equal(t, int64(5), cfg.WebhookTestBonus)
	assert.Equal(t, 6, cfg.WebhookMaxAttempts)
	assert.Equal(t, 10, cfg.WebhookDisableStreak)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPS)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "PLATFORM_FEE_BPS", "250")
	setEnv(t, "WEBHOOK_MAX_ATTEMPTS", "3")
	setEnv(t, "ESCROW_RELEASE_BONUS", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(250), cfg.PlatformFeeBps)
	assert.Equal(t, 3, cfg.WebhookMaxAttempts)
	assert.Equal(t, int64(2), cfg.EscrowReleaseBonus)
}

func TestLoad_InvalidIntFallsBack(t *testing.T) {
	setEnv(t, "PLATFORM_FEE_BPS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultFeeBps), cfg.PlatformFeeBps)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"fee too high", func(c *Config) { c.PlatformFeeBps = 10001 }, "PLATFORM_FEE_BPS"},
		{"fee negative", func(c *Config) { c.PlatformFeeBps = -1 }, "PLATFORM_FEE_BPS"},
		{"zero attempts", func(c *Config) { c.WebhookMaxAttempts = 0 }, "WEBHOOK_MAX_ATTEMPTS"},
		{"negative bonus", func(c *Config) { c.RegistrationBonus = -5 }, "negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				PlatformFeeBps:     DefaultFeeBps,
				WebhookMaxAttempts: 6,
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}
