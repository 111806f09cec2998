package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	envprovider "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Load loads configuration from multiple sources with priority:
// 1. Environment variables (highest priority)
// 2. YAML configuration files
// 3. Default values (lowest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// YAML files are optional
	if err := k.Load(file.Provider("config.yaml"), yaml.Parser()); err != nil {
		fmt.Printf("Warning: could not load config.yaml: %v\n", err)
	}

	env := k.String("app.env")
	if env != "" {
		envFile := fmt.Sprintf("config.%s.yaml", env)
		if err := k.Load(file.Provider(envFile), yaml.Parser()); err != nil {
			fmt.Printf("Warning: could not load %s: %v\n", envFile, err)
		}
	}

	if err := loadEnvironment(k); err != nil {
		return nil, err
	}

	return finish(k)
}

// LoadFromBytes loads configuration from an in-memory YAML document layered
// over the defaults. Environment variables still take precedence.
func LoadFromBytes(data []byte) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := loadEnvironment(k); err != nil {
		return nil, err
	}

	return finish(k)
}

func loadEnvironment(k *koanf.Koanf) error {
	// Convert UPPER_CASE to lower.case for koanf
	provider := envprovider.Provider(".", envprovider.Opt{
		TransformFunc: func(key, value string) (string, any) {
			return strings.ReplaceAll(strings.ToLower(key), "_", "."), value
		},
	})
	if err := k.Load(provider, nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}
	return nil
}

func finish(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.k = k

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"app.name":    "unitofwork-service",
		"app.version": "v1.0.0",
		"app.env":     EnvDevelopment,

		"log.level":  "info",
		"log.pretty": false,

		"command.timeout":              "15s",
		"command.longrunning":          "0s",
		"command.maintenance.enabled":  false,
		"command.maintenance.start":    "02:00",
		"command.maintenance.end":      "05:00",
		"command.maintenance.timezone": "UTC",
		"command.maintenance.timeout":  "5m",

		// Database defaults not provided for deterministic behavior
	}

	return k.Load(confmap.Provider(defaults, "."), nil)
}

// String returns a raw configuration value by koanf path, for keys the typed
// structure does not model.
func (c *Config) String(path string) string {
	if c.k == nil {
		return ""
	}
	return c.k.String(path)
}

// Exists reports whether path was set by any configuration source.
func (c *Config) Exists(path string) bool {
	return c.k != nil && c.k.Exists(path)
}
