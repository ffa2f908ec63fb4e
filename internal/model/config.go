package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envPrefix prefixes environment overrides, e.g. MAILVERIFY_IMAP_SERVER.
const envPrefix = "MAILVERIFY"

// IMAPConfig holds the mail server connection settings.
type IMAPConfig struct {
	// Server is host[:port]; the port defaults from Mode.
	Server string `mapstructure:"server" yaml:"server"`

	// Mode is one of "tls", "starttls" or "insecure".
	Mode string `mapstructure:"mode" yaml:"mode"`

	DialTimeoutSec int `mapstructure:"dial_timeout_sec" yaml:"dial_timeout_sec"`

	// IOTimeoutSec bounds each IMAP command; 0 keeps the dialer default.
	IOTimeoutSec int `mapstructure:"io_timeout_sec" yaml:"io_timeout_sec"`
}

// SearchConfig holds the folders searched for the verification email.
type SearchConfig struct {
	// Folders are searched in list order.
	Folders []string `mapstructure:"folders" yaml:"folders"`
}

// RetryConfig controls how long a hunt keeps polling.
type RetryConfig struct {
	MaxAttempts     int `mapstructure:"max_attempts" yaml:"max_attempts"`
	DelaySec        int `mapstructure:"delay_sec" yaml:"delay_sec"`
	InitialDelaySec int `mapstructure:"initial_delay_sec" yaml:"initial_delay_sec"`
}

// RunnerConfig controls concurrent hunts across accounts.
type RunnerConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// AppConfig is the top-level configuration.
type AppConfig struct {
	IMAP    IMAPConfig    `mapstructure:"imap" yaml:"imap"`
	Search  SearchConfig  `mapstructure:"search" yaml:"search"`
	Retry   RetryConfig   `mapstructure:"retry" yaml:"retry"`
	Runner  RunnerConfig  `mapstructure:"runner" yaml:"runner"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// DialTimeout returns the configured dial timeout.
func (c IMAPConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSec) * time.Second
}

// IOTimeout returns the per-command read/write deadline.
func (c IMAPConfig) IOTimeout() time.Duration {
	return time.Duration(c.IOTimeoutSec) * time.Second
}

// Delay returns the wait between attempts.
func (c RetryConfig) Delay() time.Duration {
	return time.Duration(c.DelaySec) * time.Second
}

// InitialDelay returns the wait before the first attempt.
func (c RetryConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelaySec) * time.Second
}

// DefaultConfigPath returns ~/.config/mailverify/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailverify", "config.yaml")
}

func defaultAppConfig() *AppConfig {
	return &AppConfig{
		IMAP: IMAPConfig{
			Server:         "imap.mail.me.com",
			Mode:           "tls",
			DialTimeoutSec: 10,
			IOTimeoutSec:   30,
		},
		Search: SearchConfig{
			Folders: []string{"INBOX", "Junk"},
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			DelaySec:        20,
			InitialDelaySec: 10,
		},
		Runner: RunnerConfig{
			Concurrency: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *AppConfig {
	return defaultAppConfig()
}

func setDefaults(v *viper.Viper) {
	d := defaultAppConfig()
	v.SetDefault("imap.server", d.IMAP.Server)
	v.SetDefault("imap.mode", d.IMAP.Mode)
	v.SetDefault("imap.dial_timeout_sec", d.IMAP.DialTimeoutSec)
	v.SetDefault("imap.io_timeout_sec", d.IMAP.IOTimeoutSec)
	v.SetDefault("search.folders", d.Search.Folders)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.delay_sec", d.Retry.DelaySec)
	v.SetDefault("retry.initial_delay_sec", d.Retry.InitialDelaySec)
	v.SetDefault("runner.concurrency", d.Runner.Concurrency)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// LoadConfig reads configuration from the given YAML file path using Viper,
// layering MAILVERIFY_* environment variables on top. An empty path reads
// DefaultConfigPath. If the file does not exist, defaults (plus environment)
// are used.
func LoadConfig(path string) (*AppConfig, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Env overrides arrive as one string; split comma-separated folder lists.
	if len(cfg.Search.Folders) == 1 && strings.Contains(cfg.Search.Folders[0], ",") {
		cfg.Search.Folders = splitList(cfg.Search.Folders[0])
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the settings the hunter relies on.
func (c *AppConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.IMAP.Server) == "" {
		errs = append(errs, errors.New("imap.server is required"))
	}
	switch strings.ToLower(c.IMAP.Mode) {
	case "tls", "starttls", "insecure":
	default:
		errs = append(errs, fmt.Errorf("imap.mode %q must be tls, starttls or insecure", c.IMAP.Mode))
	}
	if len(c.Search.Folders) == 0 {
		errs = append(errs, errors.New("search.folders must name at least one folder"))
	}
	if c.IMAP.IOTimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("imap.io_timeout_sec must not be negative, got %d", c.IMAP.IOTimeoutSec))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.DelaySec < 0 {
		errs = append(errs, fmt.Errorf("retry.delay_sec must not be negative, got %d", c.Retry.DelaySec))
	}
	if c.Retry.InitialDelaySec < 0 {
		errs = append(errs, fmt.Errorf("retry.initial_delay_sec must not be negative, got %d", c.Retry.InitialDelaySec))
	}
	if c.Runner.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("runner.concurrency must be positive, got %d", c.Runner.Concurrency))
	}
	return errors.Join(errs...)
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("imap", cfg.IMAP)
	v.Set("search", cfg.Search)
	v.Set("retry", cfg.Retry)
	v.Set("runner", cfg.Runner)
	v.Set("logging", cfg.Logging)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
