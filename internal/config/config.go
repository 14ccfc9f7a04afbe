// Package config loads gateway configuration from a YAML file and
// MODELGATE_-prefixed environment variables using koanf.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the root gateway configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Auth     AuthConfig     `koanf:"auth"`
	Storage  StorageConfig  `koanf:"storage"`
	Provider ProviderConfig `koanf:"provider"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// RequestTimeout bounds non-streaming inbound requests.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// AuthConfig lists the client API keys accepted on the inbound surface.
// An empty list disables inbound authentication.
type AuthConfig struct {
	APIKeys []string `koanf:"api_keys"`
}

type StorageConfig struct {
	// Path is the SQLite database file for the request log. Empty
	// disables audit logging.
	Path string `koanf:"path"`
}

// ProviderConfig describes the single active upstream provider.
type ProviderConfig struct {
	Type            string            `koanf:"type"`
	APIKey          string            `koanf:"api_key"`
	BaseURL         string            `koanf:"base_url"`
	Timeout         time.Duration     `koanf:"timeout"`
	Enabled         bool              `koanf:"enabled"`
	ActualModelName string            `koanf:"actual_model_name"`
	DisplayName     string            `koanf:"display_name"`
	Description     string            `koanf:"description"`
	MaxTokens       int               `koanf:"max_tokens"`
	BotID           string            `koanf:"bot_id"`
	DefaultHeaders  map[string]string `koanf:"default_headers"`
}

// Load reads configuration from the given YAML file (optional) and the
// environment. Environment variables override file values; a double
// underscore separates nesting levels so single underscores survive in
// key names, e.g. MODELGATE_PROVIDER__API_KEY maps to provider.api_key.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("MODELGATE_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "MODELGATE_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("server.request_timeout") {
		k.Set("server.request_timeout", "120s")
	}
	if !k.Exists("provider.timeout") {
		k.Set("provider.timeout", "300s")
	}
	if !k.Exists("provider.enabled") {
		k.Set("provider.enabled", true)
	}
	if !k.Exists("provider.max_tokens") {
		k.Set("provider.max_tokens", 4096)
	}
}

// Watch re-reads the config file whenever it changes and calls fn with
// the fresh configuration. It is a no-op when no file path was given.
func Watch(path string, fn func(*Config)) error {
	if path == "" {
		return nil
	}
	f := file.Provider(path)
	return f.Watch(func(event interface{}, err error) {
		if err != nil {
			return
		}
		cfg, err := Load(path)
		if err != nil {
			return
		}
		fn(cfg)
	})
}
