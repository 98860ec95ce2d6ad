package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProjectConfig(t *testing.T) {
	dir := t.TempDir()
	yaml := `
providerInstanceId: anthropic-prod
modelId: claude-sonnet-4
maxTokens: 8192
temperature: 0.4
toolPolicies:
  file_write: require-approval
  run_command: deny
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectConfigName), []byte(yaml), 0o644))

	cfg, err := LoadProjectConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "anthropic-prod", cfg.ProviderInstanceID)
	assert.Equal(t, "claude-sonnet-4", cfg.ModelID)
	assert.Equal(t, 8192, cfg.MaxTokens)
	assert.Equal(t, 0.4, cfg.Temperature)
	assert.Equal(t, PolicyRequireApproval, cfg.ToolPolicies["file_write"])
	assert.Equal(t, PolicyDeny, cfg.ToolPolicies["run_command"])
}

func TestLoadProjectConfigMissingFile(t *testing.T) {
	cfg, err := LoadProjectConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, SessionConfig{}, cfg)
}

func TestLoadProjectConfigRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectConfigName), []byte("temperature: 9"), 0o644))
	_, err := LoadProjectConfig(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectConfigName), []byte("modelId: [unclosed"), 0o644))
	_, err = LoadProjectConfig(dir)
	require.Error(t, err)
}

func TestPresetManagerLifecycle(t *testing.T) {
	t.Setenv(EnvLaceDir, t.TempDir())
	m, err := NewPresetManager()
	require.NoError(t, err)

	require.NoError(t, m.Save(Preset{
		Name:   "fast",
		Config: SessionConfig{ProviderInstanceID: "anthropic-prod", ModelID: "claude-haiku-4"},
	}))
	require.NoError(t, m.Save(Preset{
		Name:      "deep",
		Config:    SessionConfig{ProviderInstanceID: "anthropic-prod", ModelID: "claude-opus-4"},
		IsDefault: true,
	}))

	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "deep", list[0].Name)
	assert.True(t, list[0].IsDefault)
	assert.Equal(t, "fast", list[1].Name)
	assert.False(t, list[1].IsDefault)

	got, err := m.Get("fast")
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4", got.Config.ModelID)

	def, ok, err := m.Default()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "deep", def.Name)

	require.NoError(t, m.SetDefault("fast"))
	def, ok, err = m.Default()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fast", def.Name)

	// Deleting the default clears it.
	require.NoError(t, m.Delete("fast"))
	_, ok, err = m.Default()
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Get("fast")
	require.Error(t, err)
	require.Error(t, m.Delete("fast"))
	require.Error(t, m.SetDefault("missing"))
}

func TestPresetManagerValidation(t *testing.T) {
	t.Setenv(EnvLaceDir, t.TempDir())
	m, err := NewPresetManager()
	require.NoError(t, err)

	require.Error(t, m.Save(Preset{Name: ""}))
	require.Error(t, m.Save(Preset{Name: "bad", Config: SessionConfig{Temperature: 5}}))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cred.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"k":"v"}`), 0o600))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"k":"v"}`, string(data))

	// Overwrites replace the whole file.
	require.NoError(t, WriteFileAtomic(path, []byte("short"), 0o600))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "short", string(data))

	// No temp files are left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
