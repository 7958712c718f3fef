package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "launch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// TestDefaults tests the default launch configuration
func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "tcp", cfg.IPC)
	assert.Equal(t, "localhost", cfg.IPCHost)
	assert.True(t, cfg.IPCBinary)
	assert.True(t, cfg.JustMyCodeEnabled())
	assert.False(t, cfg.StopOnEntry)
}

// TestLoad tests parsing a full launch file
func TestLoad(t *testing.T) {
	path := writeConfig(t, `
program: /app/main.star
args:
  - --verbose
  - input.txt
ipc: tcp
ipc_host: localhost
ipc_port: 4711
justMyCode: false
stopOnEntry: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/app/main.star", cfg.Program)
	assert.Equal(t, []string{"--verbose", "input.txt"}, cfg.Args)
	assert.Equal(t, 4711, cfg.IPCPort)
	assert.False(t, cfg.JustMyCodeEnabled())
	assert.True(t, cfg.StopOnEntry)
}

// TestLoadDefaultsApply tests defaults for absent keys
func TestLoadDefaultsApply(t *testing.T) {
	path := writeConfig(t, "program: /app/main.star\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp", cfg.IPC)
	assert.Equal(t, "localhost", cfg.IPCHost)
	assert.True(t, cfg.JustMyCodeEnabled())
}

// TestValidate tests configuration validation failures
func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing program", body: "ipc: tcp\n"},
		{name: "bad transport", body: "program: /a\nipc: carrier-pigeon\n"},
		{name: "bad port", body: "program: /a\nipc_port: 99999\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}

	_, err := Load("/nonexistent/launch.yaml")
	assert.Error(t, err)
}
