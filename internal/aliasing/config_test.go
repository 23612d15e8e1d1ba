package aliasing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), ".traceline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeConfigFile(t, `
namespace_aliases:
  airflow_prod: prod
  spark_prod: prod
`)

	cfg, err := LoadConfig(path)

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, map[string]string{
		"airflow_prod": "prod",
		"spark_prod":   "prod",
	}, cfg.NamespaceAliases)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))

	// Aliases are optional; a missing file is not an error
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.NamespaceAliases)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "namespace_aliases: [not: a: map")

	cfg, err := LoadConfig(path)

	// Graceful degradation: the server must still start
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.NamespaceAliases)
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	path := writeConfigFile(t, "")

	cfg, err := LoadConfig(path)

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.NotNil(t, cfg.NamespaceAliases)
	assert.Empty(t, cfg.NamespaceAliases)
}

func TestConfig_Validate_SelfReference(t *testing.T) {
	cfg := &Config{
		NamespaceAliases: map[string]string{"prod": "prod"},
	}

	err := cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "maps to itself")
}

func TestConfig_Validate_ChainedAlias(t *testing.T) {
	cfg := &Config{
		NamespaceAliases: map[string]string{
			"a": "b",
			"b": "c",
		},
	}

	err := cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "itself an alias")
}

func TestConfig_Validate_Clean(t *testing.T) {
	cfg := &Config{
		NamespaceAliases: map[string]string{
			"airflow_prod": "prod",
			"spark_prod":   "prod",
		},
	}

	assert.NoError(t, cfg.Validate())
}

func TestConfigPath_Default(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")

	assert.Equal(t, DefaultConfigPath, ConfigPath())
}

func TestConfigPath_FromEnvironment(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "/etc/traceline/aliases.yaml")

	assert.Equal(t, "/etc/traceline/aliases.yaml", ConfigPath())
}
