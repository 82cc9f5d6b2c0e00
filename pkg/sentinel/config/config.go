package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSize    string `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Daily      bool   `mapstructure:"daily"`
}

// LoggingConfig configures daemon logging.
type LoggingConfig struct {
	Level        string            `mapstructure:"level"`
	Path         string            `mapstructure:"path"`
	ConsoleLevel string            `mapstructure:"console_level"`
	Rotation     RotationConfig    `mapstructure:"rotation"`
	Components   map[string]string `mapstructure:"components"`
}

// ScannerConfig configures the clamd adapter and retry policy.
type ScannerConfig struct {
	Socket     string `mapstructure:"socket"`
	MaxRetries int    `mapstructure:"max_retries"`
	RetryDelay int    `mapstructure:"retry_delay"` // seconds
}

// ControlConfig configures the control-plane socket.
type ControlConfig struct {
	Socket     string `mapstructure:"socket"`
	MaxClients int    `mapstructure:"max_clients"`
}

// Config represents the daemon configuration.
type Config struct {
	Roots          []string `mapstructure:"roots"`
	QuarantineRoot string   `mapstructure:"quarantine_root"`
	PIDPath        string   `mapstructure:"pid_path"`

	Workers       int `mapstructure:"workers"`
	QueueCapacity int `mapstructure:"queue_capacity"`

	MinFileSize string `mapstructure:"min_file_size"`
	MaxFileSize string `mapstructure:"max_file_size"`

	TransientPatterns []string `mapstructure:"transient_patterns"`

	Scanner ScannerConfig `mapstructure:"scanner"`
	Control ControlConfig `mapstructure:"control"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Load loads configuration from file and environment variables.
// Config file locations (in order of precedence):
//   - /etc/sentinel/config.yaml
//   - $XDG_CONFIG_HOME/sentinel/config.yaml
//
// Environment variables are prefixed with SENTINEL_ (e.g. SENTINEL_WORKERS).
func Load() (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/sentinel")
	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		v.AddConfigPath(filepath.Join(xdgConfigHome, "sentinel"))
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "sentinel"))
	}

	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return FromViper(v)
}

// SetDefaults registers every configuration default on the given viper.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("roots", DefaultWatchRoots)
	v.SetDefault("quarantine_root", DefaultQuarantineRoot)
	v.SetDefault("pid_path", "")
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("queue_capacity", DefaultQueueCapacity)
	v.SetDefault("min_file_size", DefaultMinFileSize)
	v.SetDefault("max_file_size", DefaultMaxFileSize)
	v.SetDefault("transient_patterns", DefaultTransientPatterns)

	v.SetDefault("scanner.socket", DefaultClamdSocket)
	v.SetDefault("scanner.max_retries", DefaultMaxRetries)
	v.SetDefault("scanner.retry_delay", DefaultRetryDelaySeconds)

	v.SetDefault("control.socket", DefaultControlSocket)
	v.SetDefault("control.max_clients", DefaultMaxClients)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.console_level", "")
	v.SetDefault("logging.rotation.max_size", "10MB")
	v.SetDefault("logging.rotation.max_age", 30)
	v.SetDefault("logging.rotation.max_backups", 5)
	v.SetDefault("logging.rotation.daily", true)
	v.SetDefault("logging.components", map[string]string{
		"daemon":  "info",
		"monitor": "warn",
		"worker":  "info",
		"control": "info",
	})
}

// FromViper unmarshals and validates a configuration.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if len(c.Roots) == 0 {
		return errors.New("at least one watch root is required")
	}
	for _, root := range c.Roots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("watch root must be absolute: %s", root)
		}
	}
	if !filepath.IsAbs(c.QuarantineRoot) {
		return fmt.Errorf("quarantine root must be absolute: %s", c.QuarantineRoot)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive: %d", c.Workers)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive: %d", c.QueueCapacity)
	}
	if c.Control.MaxClients <= 0 {
		return fmt.Errorf("control.max_clients must be positive: %d", c.Control.MaxClients)
	}
	if c.Scanner.MaxRetries < 0 {
		return fmt.Errorf("scanner.max_retries must not be negative: %d", c.Scanner.MaxRetries)
	}
	if _, err := c.MinFileSizeBytes(); err != nil {
		return err
	}
	if _, err := c.MaxFileSizeBytes(); err != nil {
		return err
	}
	return nil
}

// MinFileSizeBytes returns the parsed minimum scan size in bytes.
func (c *Config) MinFileSizeBytes() (int64, error) {
	return parseSize("min_file_size", c.MinFileSize)
}

// MaxFileSizeBytes returns the parsed maximum scan size in bytes.
func (c *Config) MaxFileSizeBytes() (int64, error) {
	return parseSize("max_file_size", c.MaxFileSize)
}

// RetryDelay returns the scan retry back-off as a duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Scanner.RetryDelay) * time.Second
}

func parseSize(field, s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return int64(n), nil
}
