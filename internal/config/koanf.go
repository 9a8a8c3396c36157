package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PathEnvVar overrides the config file location.
const PathEnvVar = "EVENTSTORE_CONFIG"

// EnvPrefix marks environment variables read as config. A double
// underscore separates sections: EVENTSTORE_STORE__SQLITE_PATH sets
// store.sqlite_path.
const EnvPrefix = "EVENTSTORE_"

// DefaultPaths are searched in order when PathEnvVar is unset.
var DefaultPaths = []string{
	"eventstore.yaml",
	"eventstore.yml",
	"/etc/eventstore/eventstore.yaml",
}

// Load builds the configuration from defaults, the file at path (or the
// first file found by FindFile when path is empty) and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: loading defaults: %w", err)
	}

	if path == "" {
		path = FindFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// FindFile returns the config file to load, or "" when none exists.
func FindFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKey maps EVENTSTORE_HTTP__ADMIN_TOKEN to http.admin_token. The
// config path variable itself is not a key.
func envKey(s string) string {
	if s == PathEnvVar {
		return ""
	}
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}
