package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/logging"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string            `yaml:"log_level"`
	LogScopes map[string]string `yaml:"log_scopes"` // per-scope overrides, e.g. handshake: trace
	Verbose   bool              `yaml:"verbose"`    // forces debug for every scope

	SecretsPath  string `yaml:"secrets_path"`
	ChosenDevice int    `yaml:"chosen_device"`

	LEDInteractions bool `yaml:"led_interactions"` // flash catch and spin outcomes

	BLE       BLEConfig       `yaml:"ble"`
	Handshake HandshakeConfig `yaml:"handshake"`
	Monitor   MonitorConfig   `yaml:"monitor"`
}

// BLEConfig holds GATT server and advertising settings.
type BLEConfig struct {
	LocalName               string `yaml:"local_name"`
	MaxConnections          int    `yaml:"max_connections"`
	TargetActiveConnections int    `yaml:"target_active_connections"`
	PrepareBufferSize       int    `yaml:"prepare_buffer_size"`
}

// HandshakeConfig holds pairing handshake settings.
type HandshakeConfig struct {
	DebugFixedValues bool          `yaml:"debug_fixed_values"`
	Timeout          time.Duration `yaml:"timeout"` // 0 disables
	CountReconnects  bool          `yaml:"count_reconnects"`
}

// MonitorConfig holds diagnostics settings.
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Limits for BLE settings.
const (
	MaxConnectionsLimit = 9
	SecretSlots         = 10
)

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "pgpemu")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel:    "info",
		SecretsPath: filepath.Join(DefaultConfigDir(), "secrets.yaml"),
		BLE: BLEConfig{
			LocalName:               "Pokemon GO Plus",
			MaxConnections:          4,
			TargetActiveConnections: 1,
			PrepareBufferSize:       1024,
		},
		Monitor: MonitorConfig{
			Interval: 30 * time.Second,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in secrets_path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.SecretsPath = expandTilde(cfg.SecretsPath)

	return cfg, nil
}

// LoadOrDefault loads path if it exists and returns the defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// WriteDefault writes the default config to DefaultConfigPath unless a file
// already exists there. It returns the path.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	errb := oops.In("config")

	if _, ok := ParseLogLevel(c.LogLevel); !ok {
		return errb.Errorf("log_level must be disabled, error, warn, info, debug or trace, got %q", c.LogLevel)
	}
	for scope, level := range c.LogScopes {
		if _, ok := ParseLogLevel(level); !ok {
			return errb.With("scope", scope).Errorf("log_scopes.%s: unknown level %q", scope, level)
		}
	}

	if c.SecretsPath == "" {
		return errb.Errorf("secrets_path must not be empty")
	}
	if c.ChosenDevice < 0 || c.ChosenDevice >= SecretSlots {
		return errb.Errorf("chosen_device must be 0-%d, got %d", SecretSlots-1, c.ChosenDevice)
	}

	if c.BLE.MaxConnections < 1 || c.BLE.MaxConnections > MaxConnectionsLimit {
		return errb.Errorf("ble.max_connections must be 1-%d, got %d", MaxConnectionsLimit, c.BLE.MaxConnections)
	}
	if c.BLE.TargetActiveConnections < 1 || c.BLE.TargetActiveConnections > c.BLE.MaxConnections {
		return errb.Errorf("ble.target_active_connections must be 1-%d, got %d",
			c.BLE.MaxConnections, c.BLE.TargetActiveConnections)
	}
	if c.BLE.PrepareBufferSize < 1 {
		return errb.Errorf("ble.prepare_buffer_size must be > 0")
	}

	if c.Handshake.Timeout < 0 {
		return errb.Errorf("handshake.timeout must not be negative")
	}
	if c.Monitor.Interval <= 0 {
		return errb.Errorf("monitor.interval must be > 0")
	}

	return nil
}

// ParseLogLevel maps a level name to a pion log level.
func ParseLogLevel(s string) (logging.LogLevel, bool) {
	switch strings.ToLower(s) {
	case "disabled", "none":
		return logging.LogLevelDisabled, true
	case "error":
		return logging.LogLevelError, true
	case "warn", "warning":
		return logging.LogLevelWarn, true
	case "info":
		return logging.LogLevelInfo, true
	case "debug":
		return logging.LogLevelDebug, true
	case "trace", "verbose":
		return logging.LogLevelTrace, true
	default:
		return logging.LogLevelInfo, false
	}
}

// NewLoggerFactory builds the scoped logger factory used by every component.
func (c *Config) NewLoggerFactory(w io.Writer) *logging.DefaultLoggerFactory {
	level, _ := ParseLogLevel(c.LogLevel)
	if c.Verbose {
		level = logging.LogLevelDebug
	}
	scopes := make(map[string]logging.LogLevel, len(c.LogScopes))
	for scope, name := range c.LogScopes {
		l, ok := ParseLogLevel(name)
		if !ok {
			continue
		}
		if c.Verbose && l < logging.LogLevelDebug {
			l = logging.LogLevelDebug
		}
		scopes[scope] = l
	}
	return &logging.DefaultLoggerFactory{
		Writer:          w,
		DefaultLogLevel: level,
		ScopeLevels:     scopes,
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
