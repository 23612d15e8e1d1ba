// Package aliasing provides operator-configured namespace alias resolution.
//
// Different producers can register the same logical namespace under different
// names (a scheduler URL vs. a short name). Dataset and job symlinks stored in
// the entity store cover renames; this package covers the operator-supplied
// layer on top: a YAML file mapping alias namespaces to canonical namespaces,
// applied at query time before identity lookup.
package aliasing

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/traceline-io/traceline/internal/config"
)

// Config holds namespace alias configuration loaded from .traceline.yaml.
type Config struct {
	// NamespaceAliases maps alias namespaces to canonical namespaces.
	// Key is the alias, value is the canonical namespace.
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	NamespaceAliases map[string]string `yaml:"namespace_aliases"`
}

// DefaultConfigPath is the default location for the traceline configuration file.
const DefaultConfigPath = ".traceline.yaml"

// ConfigPathEnvVar is the environment variable name for a custom config path.
const ConfigPathEnvVar = "TRACELINE_CONFIG_PATH"

// LoadConfig loads alias configuration from a YAML file at the given path.
//
// Behavior:
//   - Returns empty config (not error) if the file doesn't exist - aliases are optional
//   - Returns empty config + logs warning if the YAML is invalid (graceful degradation)
//   - Returns populated config on success
//
// This graceful degradation ensures the server can start even without aliases
// configured, as namespace aliasing is an optional feature.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		NamespaceAliases: make(map[string]string),
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Missing file is OK - aliases are optional
			slog.Debug("Config file not found, continuing without aliases",
				slog.String("path", path))

			return cfg, nil
		}

		// Other read errors (permissions, etc.) - log warning and continue
		slog.Warn("Failed to read config file, continuing without aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Invalid alias configuration, continuing without aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Config{NamespaceAliases: make(map[string]string)}, nil
	}

	if cfg.NamespaceAliases == nil {
		cfg.NamespaceAliases = make(map[string]string)
	}

	return cfg, nil
}

// ConfigPath returns the alias config path from the environment or the default.
func ConfigPath() string {
	return config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)
}

// Validate rejects alias chains and self-references, which would make
// resolution order-dependent.
func (c *Config) Validate() error {
	for alias, canonical := range c.NamespaceAliases {
		if alias == canonical {
			return fmt.Errorf("namespace alias %q maps to itself", alias)
		}

		if _, chained := c.NamespaceAliases[canonical]; chained {
			return fmt.Errorf("namespace alias %q maps to %q which is itself an alias", alias, canonical)
		}
	}

	return nil
}
