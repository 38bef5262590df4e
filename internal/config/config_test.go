// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns defaults plus the fields that have no default.
func validConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.PanelCfg.BaseURL = "https://panel.example.com/dashboard"
	cfg.PanelCfg.Username = "reseller"
	cfg.PanelCfg.Password = "secret"
	return cfg
}

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "/application/users/trials", cfg.Panel().TrialPath)
	assert.Equal(t, "/application/users", cfg.Panel().PermanentPath)
	assert.Equal(t, 10, cfg.Panel().DefaultQuota)
	assert.Equal(t, 5, cfg.Panel().ExtractAttempts)
	assert.Equal(t, time.Second, cfg.Panel().ExtractBackoff)
	assert.True(t, cfg.Browser().Headless)
	assert.Equal(t, 4, cfg.Browser().MaxSessions)
	assert.Equal(t, 500*time.Millisecond, cfg.Selectors().ProbeTimeout)
	assert.Equal(t, []string{"tv"}, cfg.Provisioning().UsernamePrefixes)
	assert.Equal(t, 4, cfg.Provisioning().UsernameDigits)
	assert.Equal(t, "screenshots", cfg.Diagnostics().Dir)
	require.Len(t, cfg.Telegram().Packages, 2)
	assert.Equal(t, "2", cfg.Telegram().Packages[1].ID)
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"missing base url", func(c *Config) { c.PanelCfg.BaseURL = "" }, "base_url is required"},
		{"relative base url", func(c *Config) { c.PanelCfg.BaseURL = "panel.local" }, "not an absolute URL"},
		{"missing credentials", func(c *Config) { c.PanelCfg.Password = "" }, "username and password are required"},
		{"bad path", func(c *Config) { c.PanelCfg.TrialPath = "trials" }, "must start with '/'"},
		{"zero attempts", func(c *Config) { c.PanelCfg.ExtractAttempts = 0 }, "extract_attempts must be a positive integer"},
		{"zero sessions", func(c *Config) { c.BrowserCfg.MaxSessions = 0 }, "browser.max_sessions must be a positive integer"},
		{"zero probe", func(c *Config) { c.SelectorsCfg.ProbeTimeout = 0 }, "selectors.probe_timeout must be positive"},
		{"no prefixes", func(c *Config) { c.ProvisioningCfg.UsernamePrefixes = nil }, "username_prefixes must not be empty"},
		{"blank prefix", func(c *Config) { c.ProvisioningCfg.UsernamePrefixes = []string{"tv", " "} }, "blank entries"},
		{"too many digits", func(c *Config) { c.ProvisioningCfg.UsernameDigits = 20 }, "username_digits must be between 1 and 12"},
		{"diagnostics without dir", func(c *Config) { c.DiagnosticsCfg.Dir = "" }, "diagnostics.dir is required"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateTelegram(t *testing.T) {
	cfg := validConfig()
	err := cfg.ValidateTelegram()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram.token is required")

	cfg.TelegramCfg.Token = "123:abc"
	err = cfg.ValidateTelegram()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowed_ids")

	cfg.TelegramCfg.AllowedIDs = []int64{42}
	assert.NoError(t, cfg.ValidateTelegram())
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
panel:
  base_url: "https://panel.example.com"
  username: "reseller"
  password: "pw"
  extract_attempts: 7
browser:
  max_sessions: 2
selectors:
  overrides:
    create_username: ["#new_username"]
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Panel().ExtractAttempts)
		assert.Equal(t, 2, cfg.Browser().MaxSessions)
		assert.Equal(t, []string{"#new_username"}, cfg.Selectors().Overrides["create_username"])
		// Default survives.
		assert.Equal(t, "info", cfg.Logger().Level)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("panel.base_url", "https://panel.example.com")
		v.Set("panel.username", "u")
		v.Set("panel.password", "p")
		v.Set("browser.max_sessions", 0)

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "browser.max_sessions must be a positive integer")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBufferString(`
panel:
  base_url: "https://configfile.example.com"
`)))

		t.Setenv("PANEL_URL", "https://env.example.com")
		t.Setenv("PANEL_USER", "env-user")
		t.Setenv("PANEL_PASS", "env-pass")
		t.Setenv("TELEGRAM_BOT_TOKEN", "999:token")
		t.Setenv("TELEGRAM_ADMIN_ID", "42")
		t.Setenv("HEADLESS", "false")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		// The env var overrides the value from the config buffer.
		assert.Equal(t, "https://env.example.com", cfg.Panel().BaseURL)
		assert.Equal(t, "env-user", cfg.Panel().Username)
		assert.Equal(t, "env-pass", cfg.Panel().Password)
		assert.Equal(t, "999:token", cfg.Telegram().Token)
		assert.Equal(t, []int64{42}, cfg.Telegram().AllowedIDs)
		assert.False(t, cfg.Browser().Headless)
	})
}

func TestLoadSkipsValidation(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Empty(t, cfg.Panel().BaseURL)
	assert.Equal(t, 168*time.Hour, cfg.Diagnostics().Retention)
	assert.Error(t, cfg.Validate())
}
