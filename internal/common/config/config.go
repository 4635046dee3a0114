// Package config provides configuration management for the annotation
// broker. Values come from defaults, an optional config file, and
// AGENTATION_* environment variables, in increasing priority.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/agentation/agentation/internal/common/logger"
)

// Config holds all configuration sections for the broker. It is built once
// at startup and passed down by explicit dependency.
type Config struct {
	Server   ServerConfig         `mapstructure:"server"`
	Store    StoreConfig          `mapstructure:"store"`
	Events   EventsConfig         `mapstructure:"events"`
	Auth     AuthConfig           `mapstructure:"auth"`
	Webhooks WebhooksConfig       `mapstructure:"webhooks"`
	ACP      ACPConfig            `mapstructure:"acp"`
	Logging  logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig selects the store backing.
type StoreConfig struct {
	// Backing is "sqlite" (default) or "memory".
	Backing string `mapstructure:"backing"`
	// Path is the SQLite file location; empty means ~/.agentation/store.db.
	Path string `mapstructure:"path"`
}

// EventsConfig holds event-log retention configuration.
type EventsConfig struct {
	RetentionDays int `mapstructure:"retentionDays"`
}

// AuthConfig holds the optional shared bearer credential. When APIKey is
// empty the HTTP surface is open.
type AuthConfig struct {
	APIKey string `mapstructure:"apiKey"`
}

// WebhooksConfig holds outbound webhook targets.
type WebhooksConfig struct {
	// URL is a single target; URLs is a comma-separated list. Both may be
	// set; targets are merged.
	URL  string `mapstructure:"url"`
	URLs string `mapstructure:"urls"`
}

// Targets returns the merged, de-duplicated webhook URL list.
func (w *WebhooksConfig) Targets() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(raw string) {
		for _, u := range strings.Split(raw, ",") {
			u = strings.TrimSpace(u)
			if u != "" && !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	add(w.URL)
	add(w.URLs)
	return out
}

// ACPConfig holds the agent tool dispatcher configuration.
type ACPConfig struct {
	// BaseURL is the HTTP surface the tools call. Empty means the co-hosted
	// loopback port.
	BaseURL string `mapstructure:"baseUrl"`
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 4747)

	v.SetDefault("store.backing", "sqlite")
	v.SetDefault("store.path", "")

	v.SetDefault("events.retentionDays", 7)

	v.SetDefault("auth.apiKey", "")

	v.SetDefault("webhooks.url", "")
	v.SetDefault("webhooks.urls", "")

	v.SetDefault("acp.baseUrl", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from defaults, ./config.yaml (if present), and
// the environment.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration, additionally searching configPath for a
// config file.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The documented environment variables don't follow the section_key
	// naming AutomaticEnv derives, so bind them explicitly.
	_ = v.BindEnv("store.backing", "AGENTATION_STORE")
	_ = v.BindEnv("store.path", "AGENTATION_STORE_PATH")
	_ = v.BindEnv("events.retentionDays", "AGENTATION_EVENT_RETENTION_DAYS")
	_ = v.BindEnv("auth.apiKey", "AGENTATION_API_KEY")
	_ = v.BindEnv("webhooks.url", "AGENTATION_WEBHOOK_URL")
	_ = v.BindEnv("webhooks.urls", "AGENTATION_WEBHOOKS")
	_ = v.BindEnv("server.port", "AGENTATION_PORT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Store.Backing != "sqlite" && cfg.Store.Backing != "memory" {
		errs = append(errs, "store.backing must be one of: sqlite, memory")
	}

	if cfg.Events.RetentionDays <= 0 {
		errs = append(errs, "events.retentionDays must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
