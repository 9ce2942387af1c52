// Package config loads fitpull configuration from a YAML file with
// environment-variable overrides for credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry values like "1h" or "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// AuthConfig holds the OAuth2 client settings.
type AuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// QuotaConfig holds the request budget settings.
type QuotaConfig struct {
	Limit        int      `yaml:"limit"`
	SafetyBuffer int      `yaml:"safety_buffer"`
	Period       Duration `yaml:"period"`
}

// RetryConfig holds the transient-failure retry policy.
type RetryConfig struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Config is the full fitpull configuration.
type Config struct {
	Auth        AuthConfig  `yaml:"auth"`
	DataDir     string      `yaml:"data_dir"`
	BaseURL     string      `yaml:"base_url"`
	UserAgent   string      `yaml:"user_agent"`
	StartDate   string      `yaml:"start_date"`
	Quota       QuotaConfig `yaml:"quota"`
	Retry       RetryConfig `yaml:"retry"`
	Log         LogConfig   `yaml:"log"`
	MetricsAddr string      `yaml:"metrics_addr"`
}

func (c *Config) defaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.UserAgent == "" {
		c.UserAgent = "fitpull/0.1.0"
	}
	if c.StartDate == "" {
		c.StartDate = "2015-01-01"
	}
	if c.Quota.Limit == 0 {
		c.Quota.Limit = 150
	}
	if c.Quota.Period == 0 {
		c.Quota.Period = Duration(time.Hour)
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = Duration(time.Second)
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = Duration(30 * time.Second)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// envOverrides applies FITPULL_* environment variables. Credentials usually
// arrive this way rather than sitting in the config file.
func (c *Config) envOverrides() {
	if v := os.Getenv("FITPULL_CLIENT_ID"); v != "" {
		c.Auth.ClientID = v
	}
	if v := os.Getenv("FITPULL_CLIENT_SECRET"); v != "" {
		c.Auth.ClientSecret = v
	}
	if v := os.Getenv("FITPULL_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("FITPULL_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) validate() error {
	if c.Quota.Limit < 0 {
		return fmt.Errorf("quota.limit must not be negative")
	}
	if c.Quota.SafetyBuffer < 0 || (c.Quota.Limit > 0 && c.Quota.SafetyBuffer >= c.Quota.Limit) {
		return fmt.Errorf("quota.safety_buffer %d out of range for limit %d", c.Quota.SafetyBuffer, c.Quota.Limit)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	return nil
}

// Load reads configuration from path (optional: "" loads defaults and
// environment only).
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.defaults()
	cfg.envOverrides()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
