package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndYAMLMerge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  provider: openai
  api_key: test-key
  model: gpt-4o-mini
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "openai", cfg.LLM.Provider)
	require.Equal(t, "test-key", cfg.LLM.APIKey)
	require.Equal(t, 3, cfg.Turn.MaxReviewRounds)
	require.Equal(t, "file", cfg.Memory.Backend)
}

func TestLoad_MissingFileUsesDefaultsPlusEnv(t *testing.T) {
	t.Setenv("DESKAGENT_LLM_API_KEY", "env-key")
	t.Setenv("DESKAGENT_LLM_MODEL", "claude-3")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, "env-key", cfg.LLM.APIKey)
	require.Equal(t, "claude-3", cfg.LLM.Model)
}

func TestLoad_RejectsMissingAPIKey(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_RejectsUnknownProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  provider: made-up
  api_key: k
  model: m
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestDeriveBrief(t *testing.T) {
	full := []byte(`[{"name":"read_files","description":"read files","permission":"read","schema":{}}]`)
	out, err := DeriveBrief(full)
	require.NoError(t, err)
	require.Contains(t, string(out), "read_files")
	require.NotContains(t, string(out), "schema")
}
