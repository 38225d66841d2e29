// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from config.yaml.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Slack     SlackConfig     `yaml:"slack"`
	Model     ModelConfig     `yaml:"model"`
	Database  DatabaseConfig  `yaml:"database"`
	History   HistoryConfig   `yaml:"history"`
	Web       WebConfig       `yaml:"web"`
	Registry  RegistryConfig  `yaml:"registry"`
}

// TransportConfig selects the chat platform the gateway connects to.
type TransportConfig struct {
	Platform string `yaml:"platform"` // "slack" (default) or "discord"
}

// SlackConfig holds the app-level Slack credentials. Workspace bot tokens
// live in the database, not here.
type SlackConfig struct {
	AppToken     string `yaml:"app_token"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// ModelConfig holds connection settings for the reply model.
type ModelConfig struct {
	APIKey      string  `yaml:"api_key"`
	Name        string  `yaml:"name"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
	BaseURL     string  `yaml:"base_url"`
}

// DatabaseConfig selects and configures the database driver.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" (default) or "mysql"
	Path     string `yaml:"path"`   // sqlite
	Host     string `yaml:"host"`   // mysql
	Port     int    `yaml:"port"`   // mysql
	Name     string `yaml:"name"`   // mysql
	User     string `yaml:"user"`   // mysql
	Password string `yaml:"password"`
}

// HistoryConfig bounds the conversation context handed to the model.
type HistoryConfig struct {
	Window int `yaml:"window"`
}

// WebConfig configures the install and health HTTP surface.
type WebConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// RegistryConfig tunes workspace registry behavior.
type RegistryConfig struct {
	// ResyncCron is a 5-field cron expression for picking up installs
	// written by another process. Empty disables resync.
	ResyncCron string `yaml:"resync_cron"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Transport.Platform == "" {
		c.Transport.Platform = "slack"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "switchboard.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
	}
	if c.History.Window == 0 {
		c.History.Window = 5
	}
	if c.Web.Enabled && c.Web.Port == 0 {
		c.Web.Port = 3000
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Transport.Platform {
	case "slack":
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required for the slack platform")
		}
	case "discord":
		// Discord needs no app-level credential; bot tokens are per-workspace.
	default:
		errs = append(errs, fmt.Sprintf("transport.platform %q is not supported (slack, discord)", c.Transport.Platform))
	}
	if c.Model.APIKey == "" {
		errs = append(errs, "model.api_key is required")
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Name == "" {
			errs = append(errs, "database.name is required for mysql")
		}
		if c.Database.User == "" {
			errs = append(errs, "database.user is required for mysql")
		}
	}
	if c.History.Window < 0 {
		errs = append(errs, "history.window must not be negative")
	}
	if c.Web.Enabled {
		if c.Slack.ClientID == "" || c.Slack.ClientSecret == "" {
			errs = append(errs, "slack.client_id and slack.client_secret are required when web is enabled")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
