package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent_name: alice\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(300), c.Timing.DefaultTTLSeconds)
	assert.Equal(t, 100, c.Timing.MaxDeadLetters)
	assert.Equal(t, "127.0.0.1:7780", c.Listen.ControlAddr)
}

func TestLoadRequiresAgentName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("debug: true\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
