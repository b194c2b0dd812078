// Package config loads broker and logging settings from defaults, an
// optional YAML file and DBC_-prefixed environment variables (double
// underscore for nesting, e.g. DBC_DATABASE__URL), in that order of
// precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	LogLevel string `koanf:"log_level"`

	Database DatabaseConfig `koanf:"database"`
}

type DatabaseConfig struct {
	URL               string        `koanf:"url"`
	MaxConns          int           `koanf:"max_conns"`
	MinConns          int           `koanf:"min_conns"`
	ConnMaxLifetime   time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime   time.Duration `koanf:"conn_max_idle_time"`
	HealthCheckPeriod time.Duration `koanf:"health_check_period"`
}

// Load reads configuration from configs/dbc.yaml (when present) and the
// environment over built-in defaults.
func Load() (*Config, error) {
	return LoadFile("configs/dbc.yaml")
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		LogLevel: "info",
		Database: DatabaseConfig{
			MaxConns:          25,
			MinConns:          5,
			ConnMaxLifetime:   30 * time.Minute,
			ConnMaxIdleTime:   10 * time.Minute,
			HealthCheckPeriod: time.Minute,
		},
	}
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// The config file is optional.
	_ = k.Load(file.Provider(path), yaml.Parser())

	// A double underscore separates nesting levels, so multi-word keys
	// stay addressable: DBC_DATABASE__MAX_CONNS -> database.max_conns.
	if err := k.Load(env.Provider("DBC_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "DBC_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}
