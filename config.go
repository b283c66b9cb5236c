package fiberio

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML-backed configuration registry. Every field has a
// documented default applied by LoadConfig after unmarshalling, so a
// caller may supply a partial (or empty) document.
type Config struct {
	Fiber     FiberConfig     `yaml:"fiber"`
	TCP       TCPConfig       `yaml:"tcp"`
	TCPServer TCPServerConfig `yaml:"tcp_server"`
	Daemon    DaemonConfig    `yaml:"daemon"`
}

// FiberConfig configures Fiber defaults.
type FiberConfig struct {
	// StackSize is informational only: Go goroutine stacks grow and shrink
	// automatically. Carried for config-surface parity.
	StackSize uint32 `yaml:"stack_size"`
}

// TCPConfig configures outbound TCP connection behaviour.
type TCPConfig struct {
	Connect TCPConnectConfig `yaml:"connect"`
}

// TCPConnectConfig holds the tcp.connect.timeout key. IOContext.Connect
// takes its timeout as an argument and does not read this value.
type TCPConnectConfig struct {
	TimeoutMS int `yaml:"timeout"`
}

// Timeout returns the connect timeout as a time.Duration.
func (c TCPConnectConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// TCPServerConfig configures Server's per-connection read deadline.
type TCPServerConfig struct {
	ReadTimeoutMS int `yaml:"read_timeout"`
}

// Timeout returns the read timeout as a time.Duration.
func (c TCPServerConfig) Timeout() time.Duration {
	return time.Duration(c.ReadTimeoutMS) * time.Millisecond
}

// DaemonConfig configures the daemonization wrapper. Not consumed by any
// component in this package — the core has no daemon/supervisor of its
// own — carried here only so the key exists for whatever process
// supervisor an embedding application wires up around it.
type DaemonConfig struct {
	RestartInterval time.Duration `yaml:"restart_interval"`
}

// DefaultConfig returns a Config with every documented default applied.
func DefaultConfig() Config {
	return Config{
		Fiber: FiberConfig{StackSize: DefaultStackSize},
		TCP: TCPConfig{
			Connect: TCPConnectConfig{TimeoutMS: 5000},
		},
		TCPServer: TCPServerConfig{ReadTimeoutMS: 120000},
		Daemon:    DaemonConfig{RestartInterval: 5 * time.Second},
	}
}

// LoadConfig parses a YAML document from r, applying DefaultConfig's values
// for any field the document leaves at its zero value.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	raw, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("fiberio: read config: %w", err)
	}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("fiberio: parse config: %w", err)
	}
	if cfg.Fiber.StackSize == 0 {
		cfg.Fiber.StackSize = DefaultStackSize
	}
	if cfg.TCP.Connect.TimeoutMS == 0 {
		cfg.TCP.Connect.TimeoutMS = 5000
	}
	if cfg.TCPServer.ReadTimeoutMS == 0 {
		cfg.TCPServer.ReadTimeoutMS = 120000
	}
	if cfg.Daemon.RestartInterval == 0 {
		cfg.Daemon.RestartInterval = 5 * time.Second
	}
	return cfg, nil
}
