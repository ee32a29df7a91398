// Package config loads and validates browser-fetch configuration via Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/browser-fetch/internal/fetch"
)

// EnvPrefix namespaces environment overrides, e.g. BROWSER_FETCH_SERVER_PORT.
const EnvPrefix = "BROWSER_FETCH"

// Supported browser drivers.
const (
	DriverChromedp   = "chromedp"
	DriverPlaywright = "playwright"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Browser BrowserConfig `mapstructure:"browser"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the HTTP server and the request queue.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	RequireToken    bool          `mapstructure:"require_token"`
	Token           string        `mapstructure:"token"`
	QueueDepth      int           `mapstructure:"queue_depth"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	FetchRate       float64       `mapstructure:"fetch_rate"`
	MetricsEnabled  bool          `mapstructure:"metrics_enabled"`
}

// Addr joins host and port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BrowserConfig configures how the browser session is launched and driven.
type BrowserConfig struct {
	Driver        string        `mapstructure:"driver"`
	ProfileDir    string        `mapstructure:"profile_dir"`
	Ephemeral     bool          `mapstructure:"ephemeral"`
	Headless      bool          `mapstructure:"headless"`
	ExecPath      string        `mapstructure:"exec_path"`
	UserAgent     string        `mapstructure:"user_agent"`
	StartTimeout  time.Duration `mapstructure:"start_timeout"`
	NavTimeout    time.Duration `mapstructure:"nav_timeout"`
	DefaultWait   time.Duration `mapstructure:"default_wait"`
	IdleQuiet     time.Duration `mapstructure:"idle_quiet"`
	InstallDriver bool          `mapstructure:"install_driver"`
}

// OpenOptions converts the browser settings into session launch options.
func (b BrowserConfig) OpenOptions(startURL string) fetch.OpenOptions {
	opts := fetch.OpenOptions{
		ProfileDir:   b.ProfileDir,
		Headless:     b.Headless,
		StartURL:     startURL,
		StartTimeout: b.StartTimeout,
		NavTimeout:   b.NavTimeout,
		IdleQuiet:    b.IdleQuiet,
		ExecPath:     b.ExecPath,
		UserAgent:    b.UserAgent,
	}
	if b.Ephemeral {
		opts.ProfileDir = ""
	}
	return opts
}

// LoggingConfig toggles zap development features and the optional log file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// FlagBindings maps config keys to the CLI flag names that override them.
var FlagBindings = map[string]string{
	"server.host":          "host",
	"server.port":          "port",
	"server.require_token": "require-token",
	"browser.driver":       "driver",
	"browser.profile_dir":  "profile-dir",
	"browser.ephemeral":    "ephemeral",
	"browser.headless":     "headless",
	"logging.development":  "dev",
	"logging.level":        "log-level",
}

// Load builds a Config from defaults, an optional file, the environment and
// any flags in flags that appear in FlagBindings. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for key, name := range FlagBindings {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	profileDir, err := expandHome(cfg.Browser.ProfileDir)
	if err != nil {
		return Config{}, err
	}
	cfg.Browser.ProfileDir = profileDir

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.require_token", false)
	v.SetDefault("server.token", "")
	v.SetDefault("server.queue_depth", 64)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.fetch_rate", 0)
	v.SetDefault("server.metrics_enabled", true)
	v.SetDefault("browser.driver", DriverChromedp)
	v.SetDefault("browser.profile_dir", "~/.config/browser-fetch/profile")
	v.SetDefault("browser.ephemeral", false)
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.start_timeout", fetch.DefaultStartTimeout)
	v.SetDefault("browser.nav_timeout", fetch.DefaultNavTimeout)
	v.SetDefault("browser.default_wait", fetch.DefaultWait)
	v.SetDefault("browser.idle_quiet", fetch.DefaultIdleQuiet)
	v.SetDefault("browser.install_driver", false)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server.host must be set")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.QueueDepth <= 0 {
		return fmt.Errorf("server.queue_depth must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	if c.Server.FetchRate < 0 {
		return fmt.Errorf("server.fetch_rate must be >= 0")
	}
	switch c.Browser.Driver {
	case DriverChromedp, DriverPlaywright:
	default:
		return fmt.Errorf("browser.driver must be %q or %q, got %q", DriverChromedp, DriverPlaywright, c.Browser.Driver)
	}
	if c.Browser.ProfileDir == "" && !c.Browser.Ephemeral {
		return fmt.Errorf("browser.profile_dir must be set unless browser.ephemeral is enabled")
	}
	if c.Browser.StartTimeout <= 0 {
		return fmt.Errorf("browser.start_timeout must be > 0")
	}
	if c.Browser.NavTimeout <= 0 {
		return fmt.Errorf("browser.nav_timeout must be > 0")
	}
	if c.Browser.DefaultWait < 0 {
		return fmt.Errorf("browser.default_wait must be >= 0")
	}
	if c.Browser.DefaultWait > fetch.MaxWait {
		return fmt.Errorf("browser.default_wait must be <= %s", fetch.MaxWait)
	}
	if c.Browser.IdleQuiet <= 0 {
		return fmt.Errorf("browser.idle_quiet must be > 0")
	}
	if c.Logging.File != "" && c.Logging.MaxSizeMB <= 0 {
		return fmt.Errorf("logging.max_size_mb must be > 0 when logging.file is set")
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
