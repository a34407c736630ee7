// Package config loads the MESH node's YAML configuration: state root,
// registry/identity paths, key directories, listener addresses, and the
// timing constants that govern the send/receive pipelines.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the node's top-level configuration.
type Config struct {
	AgentName string `yaml:"agent_name"`
	Debug     bool   `yaml:"debug"`

	StateDir string `yaml:"state_dir"`

	Listen  ListenConfig  `yaml:"listen"`
	Timing  TimingConfig  `yaml:"timing"`
	Signing SigningConfig `yaml:"signing"`
}

// ListenConfig controls the node's HTTP listeners.
type ListenConfig struct {
	HookAddr    string `yaml:"hook_addr"`    // inbound webhook + /metrics + /api/status
	ControlAddr string `yaml:"control_addr"` // local-only operator control API
}

// TimingConfig carries the operator-settable timing constants of the
// send/receive pipelines, queue drainer, and discovery prober. Retry
// delays, HTTP timeouts and the session cleanup interval are fixed in code.
type TimingConfig struct {
	DefaultTTLSeconds    int64 `yaml:"default_ttl_seconds"`
	ReplayWindowSeconds  int64 `yaml:"replay_window_seconds"`
	CircuitCooldownSecs  int64 `yaml:"circuit_cooldown_seconds"`
	DrainIntervalSeconds int64 `yaml:"drain_interval_seconds"`
	ProbeIntervalSeconds int64 `yaml:"probe_interval_seconds"`
	SweepIntervalSeconds int64 `yaml:"sweep_interval_seconds"`
	SessionTTLHours      int64 `yaml:"session_ttl_hours"`
	MaxDeadLetters       int   `yaml:"max_dead_letters"`
	MaxSessionMessages   int   `yaml:"max_session_messages"`
	AttachmentInlineMax  int64 `yaml:"attachment_inline_max_bytes"`
}

// SigningConfig controls receiver-side signature policy.
type SigningConfig struct {
	RequireSignatureWhenRegistered bool `yaml:"require_signature_when_registered"`
	StrictEncryption                bool `yaml:"strict_encryption"`
}

const (
	defaultHookAddr    = ":8080"
	defaultControlAddr = "127.0.0.1:7780"
)

// Load reads and defaults a node configuration file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}
	c, err := ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}
	return c, nil
}

// ParseBytes defaults and validates a configuration from raw YAML,
// for callers that build config without a file on disk.
func ParseBytes(data []byte) (*Config, error) {
	var c Config
	// Signature enforcement is on unless the file sets it to false.
	c.Signing.RequireSignatureWhenRegistered = true
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = "./mesh-state"
	}
	if c.Listen.HookAddr == "" {
		c.Listen.HookAddr = defaultHookAddr
	}
	if c.Listen.ControlAddr == "" {
		c.Listen.ControlAddr = defaultControlAddr
	}
	if c.Timing.DefaultTTLSeconds == 0 {
		c.Timing.DefaultTTLSeconds = 300
	}
	if c.Timing.ReplayWindowSeconds == 0 {
		c.Timing.ReplayWindowSeconds = 300
	}
	if c.Timing.CircuitCooldownSecs == 0 {
		c.Timing.CircuitCooldownSecs = 60
	}
	if c.Timing.DrainIntervalSeconds == 0 {
		c.Timing.DrainIntervalSeconds = 60
	}
	if c.Timing.ProbeIntervalSeconds == 0 {
		c.Timing.ProbeIntervalSeconds = 30
	}
	if c.Timing.SweepIntervalSeconds == 0 {
		c.Timing.SweepIntervalSeconds = 30
	}
	if c.Timing.SessionTTLHours == 0 {
		c.Timing.SessionTTLHours = 24
	}
	if c.Timing.MaxDeadLetters == 0 {
		c.Timing.MaxDeadLetters = 100
	}
	if c.Timing.MaxSessionMessages == 0 {
		c.Timing.MaxSessionMessages = 50
	}
	if c.Timing.AttachmentInlineMax == 0 {
		c.Timing.AttachmentInlineMax = 64 * 1024
	}
}

func (c *Config) validate() error {
	if c.AgentName == "" {
		return fmt.Errorf("config: agent_name is required")
	}
	if c.Timing.MaxDeadLetters < 0 {
		return fmt.Errorf("config: max_dead_letters cannot be negative: %d", c.Timing.MaxDeadLetters)
	}
	return nil
}

// Path joins a relative state-relative path under StateDir.
func (c *Config) Path(parts ...string) string {
	return filepath.Join(append([]string{c.StateDir}, parts...)...)
}

// IdentityPath is config/identity.
func (c *Config) IdentityPath() string { return c.Path("config", "identity") }

// RegistryPath is config/agent-registry.json.
func (c *Config) RegistryPath() string { return c.Path("config", "agent-registry.json") }

// SigningKeysDir is config/signing-keys.
func (c *Config) SigningKeysDir() string { return c.Path("config", "signing-keys") }

// EncryptionKeysDir is config/encryption-keys.
func (c *Config) EncryptionKeysDir() string { return c.Path("config", "encryption-keys") }
