package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	assert.True(t, cfg.Restart.AlwaysResume)
}

func TestLoadParsesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[classifier]
error_patterns = ["BOOM"]
debounce_millis = 50

[restart]
always_resume = false

[eventbus]
queue_size = 64
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"BOOM"}, cfg.Classifier.ErrorPatterns)
	assert.False(t, cfg.Restart.AlwaysResume)
	assert.Equal(t, 64, cfg.EventBus.QueueSize)
}

func TestLoadInvalidTomlReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not = [valid"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestPatternsOverridesIndependently(t *testing.T) {
	cfg := Default()
	cfg.Classifier.ErrorPatterns = []string{"CUSTOM"}

	p := cfg.Patterns()
	assert.Equal(t, []string{"CUSTOM"}, p.Error)
	assert.NotEmpty(t, p.Running, "unconfigured pattern groups keep their defaults")
}

func TestValidateChildCommandMissingBinary(t *testing.T) {
	err := ValidateChildCommand([]string{"/no/such/binary-xyz"})
	assert.Error(t, err)
}

func TestValidateChildCommandEmptyArgv(t *testing.T) {
	err := ValidateChildCommand(nil)
	assert.Error(t, err)
}

func TestValidateChildCommandFound(t *testing.T) {
	err := ValidateChildCommand([]string{"sh"})
	assert.NoError(t, err)
}

func TestLoadChildEnvMergesOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "env"), []byte("FOO=bar\n# comment\n\nBAZ=qux\n"), 0o644))

	env := LoadChildEnv(dir)
	found := map[string]bool{}
	for _, kv := range env {
		if kv == "FOO=bar" || kv == "BAZ=qux" {
			found[kv] = true
		}
	}
	assert.True(t, found["FOO=bar"])
	assert.True(t, found["BAZ=qux"])
}

func TestLoadChildEnvMissingFile(t *testing.T) {
	env := LoadChildEnv(t.TempDir())
	assert.NotEmpty(t, env)
}
