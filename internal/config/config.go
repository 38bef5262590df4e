// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Components depend on this rather than the concrete struct so tests can
// hand them a trimmed down config.
type Interface interface {
	Logger() LoggerConfig
	Panel() PanelConfig
	Browser() BrowserConfig
	Selectors() SelectorsConfig
	Provisioning() ProvisioningConfig
	Telegram() TelegramConfig
	Database() DatabaseConfig
	Diagnostics() DiagnosticsConfig
	Server() ServerConfig

	SetBrowserHeadless(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	PanelCfg        PanelConfig        `mapstructure:"panel" yaml:"panel"`
	BrowserCfg      BrowserConfig      `mapstructure:"browser" yaml:"browser"`
	SelectorsCfg    SelectorsConfig    `mapstructure:"selectors" yaml:"selectors"`
	ProvisioningCfg ProvisioningConfig `mapstructure:"provisioning" yaml:"provisioning"`
	TelegramCfg     TelegramConfig     `mapstructure:"telegram" yaml:"telegram"`
	DatabaseCfg     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	DiagnosticsCfg  DiagnosticsConfig  `mapstructure:"diagnostics" yaml:"diagnostics"`
	ServerCfg       ServerConfig       `mapstructure:"server" yaml:"server"`
}

func (c *Config) Logger() LoggerConfig             { return c.LoggerCfg }
func (c *Config) Panel() PanelConfig               { return c.PanelCfg }
func (c *Config) Browser() BrowserConfig           { return c.BrowserCfg }
func (c *Config) Selectors() SelectorsConfig       { return c.SelectorsCfg }
func (c *Config) Provisioning() ProvisioningConfig { return c.ProvisioningCfg }
func (c *Config) Telegram() TelegramConfig         { return c.TelegramCfg }
func (c *Config) Database() DatabaseConfig         { return c.DatabaseCfg }
func (c *Config) Diagnostics() DiagnosticsConfig   { return c.DiagnosticsCfg }
func (c *Config) Server() ServerConfig             { return c.ServerCfg }

func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the ANSI color codes used per level on the console.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// PanelConfig describes the reseller panel and how patiently to drive it.
type PanelConfig struct {
	BaseURL       string `mapstructure:"base_url" yaml:"base_url"`
	Username      string `mapstructure:"username" yaml:"username"`
	Password      string `mapstructure:"password" yaml:"-"`
	TrialPath     string `mapstructure:"trial_path" yaml:"trial_path"`
	PermanentPath string `mapstructure:"permanent_path" yaml:"permanent_path"`
	// DefaultQuota is reported (as advisory) when the credit display can't be read.
	DefaultQuota       int           `mapstructure:"default_quota" yaml:"default_quota"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout      time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	FormTimeout        time.Duration `mapstructure:"form_timeout" yaml:"form_timeout"`
	NetworkIdleTimeout time.Duration `mapstructure:"network_idle_timeout" yaml:"network_idle_timeout"`
	NetworkQuietPeriod time.Duration `mapstructure:"network_quiet_period" yaml:"network_quiet_period"`
	// SettleDelay is a fixed pause after the create form opens, for the modal animation.
	SettleDelay     time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	ExtractAttempts int           `mapstructure:"extract_attempts" yaml:"extract_attempts"`
	ExtractBackoff  time.Duration `mapstructure:"extract_backoff" yaml:"extract_backoff"`
}

// BrowserConfig holds settings for the headless Chromium instances.
type BrowserConfig struct {
	Headless      bool          `mapstructure:"headless" yaml:"headless"`
	MaxSessions   int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	ExecPath      string        `mapstructure:"exec_path" yaml:"exec_path"`
	UserAgent     string        `mapstructure:"user_agent" yaml:"user_agent"`
	WindowWidth   int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight  int           `mapstructure:"window_height" yaml:"window_height"`
	Args          []string      `mapstructure:"args" yaml:"args"`
	LaunchTimeout time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	Debug         bool          `mapstructure:"debug" yaml:"debug"`

	// Stealth applies a desktop persona and hides the usual headless
	// automation markers. Empty Locale or Timezone keeps the host's.
	Stealth  bool   `mapstructure:"stealth" yaml:"stealth"`
	Locale   string `mapstructure:"locale" yaml:"locale"`
	Timezone string `mapstructure:"timezone" yaml:"timezone"`
}

// SelectorsConfig tunes element resolution. Overrides replace the candidate
// list of a target entirely, keyed by target name (e.g. "create_username").
type SelectorsConfig struct {
	ProbeTimeout time.Duration       `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	Overrides    map[string][]string `mapstructure:"overrides" yaml:"overrides"`
}

type ProvisioningConfig struct {
	UsernamePrefixes []string      `mapstructure:"username_prefixes" yaml:"username_prefixes"`
	UsernameDigits   int           `mapstructure:"username_digits" yaml:"username_digits"`
	RunTimeout       time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	CloseTimeout     time.Duration `mapstructure:"close_timeout" yaml:"close_timeout"`
}

// PackageOption is one package button offered in the chat menu.
type PackageOption struct {
	Label string `mapstructure:"label" yaml:"label"`
	ID    string `mapstructure:"id" yaml:"id"`
}

type TelegramConfig struct {
	Token       string          `mapstructure:"token" yaml:"-"`
	AllowedIDs  []int64         `mapstructure:"allowed_ids" yaml:"allowed_ids"`
	PollTimeout int             `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	SendRate    float64         `mapstructure:"send_rate" yaml:"send_rate"`
	SendBurst   int             `mapstructure:"send_burst" yaml:"send_burst"`
	Packages    []PackageOption `mapstructure:"packages" yaml:"packages"`
}

// DatabaseConfig holds the audit database connection. An empty URL disables
// the audit store.
type DatabaseConfig struct {
	URL            string `mapstructure:"url" yaml:"url"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start" yaml:"migrate_on_start"`
}

// DiagnosticsConfig controls failure screenshots. Files older than
// Retention are pruned when the service starts; zero keeps everything.
type DiagnosticsConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Dir       string        `mapstructure:"dir" yaml:"dir"`
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

// ServerConfig controls the ops HTTP endpoint (/healthz, /metrics, /status).
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// NewDefaultConfig creates a new configuration struct populated with the
// same defaults SetDefaults registers.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; failing here is a programming error.
		panic(fmt.Sprintf("config: cannot unmarshal defaults: %v", err))
	}
	return &cfg
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "panelbot")
	v.SetDefault("logger.log_file", "panelbot.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Panel --
	v.SetDefault("panel.trial_path", "/application/users/trials")
	v.SetDefault("panel.permanent_path", "/application/users")
	v.SetDefault("panel.default_quota", 10)
	v.SetDefault("panel.navigation_timeout", "30s")
	v.SetDefault("panel.action_timeout", "10s")
	v.SetDefault("panel.form_timeout", "10s")
	v.SetDefault("panel.network_idle_timeout", "15s")
	v.SetDefault("panel.network_quiet_period", "500ms")
	v.SetDefault("panel.settle_delay", "1s")
	v.SetDefault("panel.extract_attempts", 5)
	v.SetDefault("panel.extract_backoff", "1s")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.max_sessions", 4)
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 768)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.locale", "pt-BR")

	// -- Selectors --
	v.SetDefault("selectors.probe_timeout", "500ms")

	// -- Provisioning --
	v.SetDefault("provisioning.username_prefixes", []string{"tv"})
	v.SetDefault("provisioning.username_digits", 4)
	v.SetDefault("provisioning.run_timeout", "3m")
	v.SetDefault("provisioning.close_timeout", "10s")

	// -- Telegram --
	v.SetDefault("telegram.poll_timeout", 60)
	v.SetDefault("telegram.send_rate", 1.0)
	v.SetDefault("telegram.send_burst", 5)
	v.SetDefault("telegram.packages", []map[string]string{
		{"label": "🔞 With adult", "id": "1"},
		{"label": "🚫 Without adult", "id": "2"},
	})

	// -- Database --
	v.SetDefault("database.migrate_on_start", true)

	// -- Diagnostics --
	v.SetDefault("diagnostics.enabled", true)
	v.SetDefault("diagnostics.dir", "screenshots")
	v.SetDefault("diagnostics.retention", "168h")

	// -- Server --
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":9090")
}

// bindEnvironment wires the short, unprefixed variable names operators
// already use alongside the PANELBOT_ prefixed ones.
func bindEnvironment(v *viper.Viper) {
	_ = v.BindEnv("panel.base_url", "PANELBOT_PANEL_BASE_URL", "PANEL_URL")
	_ = v.BindEnv("panel.username", "PANELBOT_PANEL_USERNAME", "PANEL_USER")
	_ = v.BindEnv("panel.password", "PANELBOT_PANEL_PASSWORD", "PANEL_PASS")
	_ = v.BindEnv("telegram.token", "PANELBOT_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("telegram.allowed_ids", "PANELBOT_TELEGRAM_ALLOWED_IDS", "TELEGRAM_ADMIN_ID")
	_ = v.BindEnv("browser.headless", "PANELBOT_BROWSER_HEADLESS", "HEADLESS")
	_ = v.BindEnv("database.url", "PANELBOT_DATABASE_URL", "DATABASE_URL")
}

// Load binds environment variables and unmarshals v without validating.
// Commands that never touch the panel (migrate, selectors) use it directly.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config

	bindEnvironment(v)

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewConfigFromViper is Load followed by Validate.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	cfg, err := Load(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.LoggerCfg.LogFile, &c.DiagnosticsCfg.Dir, &c.BrowserCfg.ExecPath} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
// Telegram settings are checked separately by ValidateTelegram since only
// the serve command needs them.
func (c *Config) Validate() error {
	if err := c.PanelCfg.Validate(); err != nil {
		return fmt.Errorf("panel configuration invalid: %w", err)
	}
	if c.BrowserCfg.MaxSessions <= 0 {
		return fmt.Errorf("browser.max_sessions must be a positive integer")
	}
	if c.SelectorsCfg.ProbeTimeout <= 0 {
		return fmt.Errorf("selectors.probe_timeout must be positive")
	}
	if err := c.ProvisioningCfg.Validate(); err != nil {
		return fmt.Errorf("provisioning configuration invalid: %w", err)
	}
	if c.DiagnosticsCfg.Enabled && c.DiagnosticsCfg.Dir == "" {
		return fmt.Errorf("diagnostics.dir is required when diagnostics are enabled")
	}
	return nil
}

// Validate checks the panel settings.
func (p *PanelConfig) Validate() error {
	if p.BaseURL == "" {
		return fmt.Errorf("base_url is required (set PANEL_URL)")
	}
	u, err := url.Parse(p.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base_url %q is not an absolute URL", p.BaseURL)
	}
	if p.Username == "" || p.Password == "" {
		return fmt.Errorf("username and password are required (set PANEL_USER and PANEL_PASS)")
	}
	if !strings.HasPrefix(p.TrialPath, "/") || !strings.HasPrefix(p.PermanentPath, "/") {
		return fmt.Errorf("trial_path and permanent_path must start with '/'")
	}
	if p.DefaultQuota <= 0 {
		return fmt.Errorf("default_quota must be a positive integer")
	}
	if p.ExtractAttempts <= 0 {
		return fmt.Errorf("extract_attempts must be a positive integer")
	}
	if p.NavigationTimeout <= 0 || p.ActionTimeout <= 0 || p.FormTimeout <= 0 {
		return fmt.Errorf("navigation_timeout, action_timeout and form_timeout must be positive")
	}
	return nil
}

// Validate checks the provisioning settings.
func (p *ProvisioningConfig) Validate() error {
	if len(p.UsernamePrefixes) == 0 {
		return fmt.Errorf("username_prefixes must not be empty")
	}
	for _, prefix := range p.UsernamePrefixes {
		if strings.TrimSpace(prefix) == "" {
			return fmt.Errorf("username_prefixes must not contain blank entries")
		}
	}
	if p.UsernameDigits < 1 || p.UsernameDigits > 12 {
		return fmt.Errorf("username_digits must be between 1 and 12")
	}
	if p.RunTimeout <= 0 {
		return fmt.Errorf("run_timeout must be positive")
	}
	return nil
}

// ValidateTelegram checks what the chat front-end needs to start.
func (c *Config) ValidateTelegram() error {
	t := c.TelegramCfg
	if t.Token == "" {
		return fmt.Errorf("telegram.token is required (set TELEGRAM_BOT_TOKEN)")
	}
	if len(t.AllowedIDs) == 0 {
		return fmt.Errorf("telegram.allowed_ids must list at least one operator (set TELEGRAM_ADMIN_ID)")
	}
	if len(t.Packages) == 0 {
		return fmt.Errorf("telegram.packages must offer at least one package")
	}
	for _, p := range t.Packages {
		if p.Label == "" || p.ID == "" {
			return fmt.Errorf("telegram.packages entries need both label and id")
		}
	}
	if t.SendRate <= 0 {
		return fmt.Errorf("telegram.send_rate must be positive")
	}
	return nil
}
