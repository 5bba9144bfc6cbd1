package agentconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingPathReturnsZeroValue(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, &Config{}, c)
}

func TestLoadNonexistentFileReturnsZeroValue(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, &Config{}, c)
}

func TestLoadParsesFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	content := "log: /tmp/agent.log\npoll_interval: 2s\nps_path: /usr/bin/ps\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/agent.log", c.LogPath)
	assert.Equal(t, 2*time.Second, c.PollInterval)
	assert.Equal(t, "/usr/bin/ps", c.PSPath)
}

func TestLoadMalformedYAMLErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: [unterminated"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestMergePrefersOverrideFields(t *testing.T) {
	base := Config{LogPath: "base.log", PollInterval: time.Second, PSPath: "ps"}
	override := Config{LogPath: "override.log"}

	merged := Merge(base, override)
	assert.Equal(t, "override.log", merged.LogPath)
	assert.Equal(t, time.Second, merged.PollInterval)
	assert.Equal(t, "ps", merged.PSPath)
}
