// Package config loads launch configurations for debug sessions.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LaunchConfig describes how a debug session is started.
type LaunchConfig struct {
	// Program is the entry script of the debuggee
	Program string `yaml:"program"`
	// Args are the program arguments
	Args []string `yaml:"args"`
	// IPC selects the transport: "tcp" or "pipe"
	IPC string `yaml:"ipc"`
	// IPCHost is the TCP bind host; defaults to localhost
	IPCHost string `yaml:"ipc_host"`
	// IPCPort is the TCP port; 0 picks an ephemeral port
	IPCPort int `yaml:"ipc_port"`
	// IPCBinary selects the binary framing mode
	IPCBinary bool `yaml:"ipc_binary"`
	// JustMyCode skips library frames during stepping
	JustMyCode *bool `yaml:"justMyCode"`
	// StopOnEntry stops at the first user line
	StopOnEntry bool `yaml:"stopOnEntry"`
	// LogFile receives the JSON debug log when set
	LogFile string `yaml:"log_file"`
}

// Defaults returns the launch configuration defaults.
func Defaults() LaunchConfig {
	jmc := true
	return LaunchConfig{
		IPC:       "tcp",
		IPCHost:   "localhost",
		IPCBinary: true,
		JustMyCode: &jmc,
	}
}

// Load reads a launch configuration file, applying defaults for absent keys.
func Load(path string) (LaunchConfig, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading launch config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing launch config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c LaunchConfig) Validate() error {
	if c.Program == "" {
		return fmt.Errorf("launch config: program is required")
	}
	switch c.IPC {
	case "", "tcp", "pipe":
	default:
		return fmt.Errorf("launch config: unknown ipc transport %q", c.IPC)
	}
	if c.IPCPort < 0 || c.IPCPort > 65535 {
		return fmt.Errorf("launch config: invalid ipc_port %d", c.IPCPort)
	}
	return nil
}

// JustMyCodeEnabled resolves the justMyCode flag with its default of true.
func (c LaunchConfig) JustMyCodeEnabled() bool {
	if c.JustMyCode == nil {
		return true
	}
	return *c.JustMyCode
}
