package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/pelletier/go-toml/v2"
)

// AppName is used for XDG directory paths
const AppName = "recon-orchestrator"

var (
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
	ErrInvalidTimeout     = errors.New("default_timeout must not be negative")
	ErrInvalidKillGrace   = errors.New("kill_grace must be positive")
	ErrEmptyWorkDir       = errors.New("work_dir is required")
	ErrInvalidPort        = errors.New("web port out of range")
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Archive       ArchiveConfig       `toml:"archive"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	WorkDir        string   `toml:"work_dir"`
	Concurrency    int      `toml:"concurrency"`
	DefaultTimeout Duration `toml:"default_timeout"`
	KillGrace      Duration `toml:"kill_grace"`
	Shell          string   `toml:"shell"`
	RulesFile      string   `toml:"rules_file"`
	LogLevel       string   `toml:"log_level"`
	PollInterval   Duration `toml:"poll_interval"`
	StuckAfter     Duration `toml:"stuck_after"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop        bool   `toml:"desktop"`
	SlackWebhook   string `toml:"slack_webhook"`
	TelegramToken  string `toml:"telegram_token"`
	TelegramChatID string `toml:"telegram_chat_id"`
	TelegramAPI    string `toml:"telegram_api"`
}

// WebConfig holds control API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// ArchiveConfig holds the S3-compatible upload target for result archives.
// An empty endpoint disables uploads.
type ArchiveConfig struct {
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Region    string `toml:"region"`
	UseSSL    bool   `toml:"use_ssl"`
}

// Duration is a time.Duration written as "90s" or as integer seconds
type Duration time.Duration

// UnmarshalText accepts a Go duration or a number of seconds
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText writes the Go duration form
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ParseDuration parses "1h30m" style durations and bare seconds
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			WorkDir:        filepath.Join(xdg.DataHome, AppName, "targets"),
			Concurrency:    2,
			DefaultTimeout: Duration(time.Hour),
			KillGrace:      Duration(10 * time.Second),
			Shell:          "/bin/sh",
			LogLevel:       "info",
			PollInterval:   Duration(200 * time.Millisecond),
			StuckAfter:     Duration(2 * time.Hour),
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults,
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.WorkDir = ExpandPath(cfg.General.WorkDir)
	cfg.General.RulesFile = ExpandPath(cfg.General.RulesFile)

	return cfg, nil
}

// ApplyEnv overrides settings from environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("RECON_WORK_DIR"); ok && v != "" {
		c.General.WorkDir = v
	}
	if v, ok := lookup("CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONCURRENCY: %w", err)
		}
		c.General.Concurrency = n
	}
	if v, ok := lookup("DEFAULT_TIMEOUT"); ok && v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DEFAULT_TIMEOUT: %w", err)
		}
		c.General.DefaultTimeout = Duration(d)
	}
	if v, ok := lookup("HARD_KILL_GRACE"); ok && v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("HARD_KILL_GRACE: %w", err)
		}
		c.General.KillGrace = Duration(d)
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.General.LogLevel = strings.ToLower(v)
	}
	if v, ok := lookup("BOT_TOKEN"); ok && v != "" {
		c.Notifications.TelegramToken = v
	}
	if v, ok := lookup("CHAT_ID"); ok && v != "" {
		c.Notifications.TelegramChatID = v
	}
	return nil
}

// Validate checks the configuration and returns the first problem found
func (c *Config) Validate() error {
	if c.General.WorkDir == "" {
		return ErrEmptyWorkDir
	}
	if c.General.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}
	if c.General.DefaultTimeout < 0 {
		return ErrInvalidTimeout
	}
	if c.General.KillGrace <= 0 {
		return ErrInvalidKillGrace
	}
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		return ErrInvalidPort
	}
	return nil
}

// TelegramConfigured reports whether both bot token and chat are set
func (c *Config) TelegramConfigured() bool {
	return c.Notifications.TelegramToken != "" && c.Notifications.TelegramChatID != ""
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config.toml")
}
