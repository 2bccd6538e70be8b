package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSetValue_PreservesComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	require.NoError(t, SetValue(path, "runner.base_url", "http://localhost:5173"))
	require.NoError(t, SetValue(path, "runner.port", "5173"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "# tmrun configuration")

	var cfg struct {
		Runner struct {
			BaseURL string `yaml:"base_url"`
			Port    int    `yaml:"port"`
		} `yaml:"runner"`
	}
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	require.Equal(t, "http://localhost:5173", cfg.Runner.BaseURL)
	require.Equal(t, 5173, cfg.Runner.Port)
}

func TestSetValue_CreatesMissingFileAndSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	require.NoError(t, SetValue(path, "secrets.key", "s3cret"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var cfg map[string]map[string]string
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	require.Equal(t, "s3cret", cfg["secrets"]["key"])
}

func TestSetValue_RejectsBadKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.Error(t, SetValue(path, "runner..port", "1"))

	require.NoError(t, SetValue(path, "log", "debug"))
	err := SetValue(path, "log.level", "info")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a section")
}
