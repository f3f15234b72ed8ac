// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the mail-merge CLI.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Token storage backends.
const (
	StorageFile    = "file"
	StorageKeyring = "keyring"
)

// Config holds the complete application configuration.
type Config struct {
	Gmail   GmailConfig   `yaml:"gmail"`
	Send    SendConfig    `yaml:"send"`
	Logging LoggingConfig `yaml:"logging"`
}

// GmailConfig holds the OAuth client artifacts and sender identity.
type GmailConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`
	TokenStorage    string `yaml:"token_storage"`
	Sender          string `yaml:"sender"`
}

// SendConfig holds delivery-loop tuning knobs.
type SendConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	ThrottleMS     int `yaml:"throttle_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, cfg.validate()
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, cfg.validate()
}

// KeyringStorage returns true if tokens should be kept in the system keyring
// rather than a JSON file.
func (c *Config) KeyringStorage() bool {
	return c.Gmail.TokenStorage == StorageKeyring
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Gmail.CredentialsFile = "credentials.json"
	c.Gmail.TokenFile = "token.json"
	c.Gmail.TokenStorage = StorageFile
	c.Gmail.Sender = "me"
	c.Send.TimeoutSeconds = 30
	c.Send.ThrottleMS = 200
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("GMAIL_CREDENTIALS_FILE"); v != "" {
		c.Gmail.CredentialsFile = v
	}
	if v := os.Getenv("GMAIL_TOKEN_FILE"); v != "" {
		c.Gmail.TokenFile = v
	}
	if v := os.Getenv("GMAIL_TOKEN_STORAGE"); v != "" {
		c.Gmail.TokenStorage = strings.ToLower(v)
	}
	if v := os.Getenv("GMAIL_SENDER"); v != "" {
		c.Gmail.Sender = v
	}

	if v := os.Getenv("SEND_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Send.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("SEND_THROTTLE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Send.ThrottleMS = n
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// validate rejects values that would only fail later in confusing ways.
func (c *Config) validate() error {
	switch c.Gmail.TokenStorage {
	case StorageFile, StorageKeyring:
	default:
		return fmt.Errorf("unknown token_storage %q (want %q or %q)",
			c.Gmail.TokenStorage, StorageFile, StorageKeyring)
	}
	if c.Send.TimeoutSeconds <= 0 {
		return fmt.Errorf("send timeout must be positive, got %d", c.Send.TimeoutSeconds)
	}
	if c.Send.ThrottleMS < 0 {
		return fmt.Errorf("send throttle must not be negative, got %d", c.Send.ThrottleMS)
	}
	return nil
}
