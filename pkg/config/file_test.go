package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileDefaultsAppliesYAMLToProcessConfig(t *testing.T) {
	prev := defaultConfig
	defaultConfig = newWithDefaults()
	t.Cleanup(func() { defaultConfig = prev })

	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider: openai\nmodel: gpt-4o\ntemperature: 0.5\n"), 0o644))

	require.NoError(t, LoadFileDefaults(path))

	snap := Default().Snapshot()
	assert.Equal(t, "openai", snap.LLMProvider)
	assert.Equal(t, "gpt-4o", snap.LLMModel)
	assert.Equal(t, 0.5, snap.LLMTemperature)
}

func TestLoadFileDefaultsRejectsMissingFile(t *testing.T) {
	err := LoadFileDefaults(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
