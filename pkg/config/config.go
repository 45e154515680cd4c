// Package config loads the agent's process-wide configuration snapshot.
// The snapshot is read once at startup and passed by reference into each
// component at construction; nothing consults it through global state.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/GBert/SLANG/pkg/packet"
	"gopkg.in/yaml.v3"
)

const (
	ModeUserland = "userland"
	ModeKernel   = "kernel"

	DefaultPort              = 60666
	DefaultProbeIntervalMS   = 100
	DefaultMaxInflight       = 100
	DefaultCompletionTimeMS  = 500
	DefaultTxTimestampTimeMS = 250
	DefaultControlDialTimeMS = 2000
	DefaultReportBuffer      = 256
)

// Config is the agent's immutable configuration snapshot.
type Config struct {
	// TimestampMode is "userland" or "kernel". Consulted on every send;
	// never changes during a run.
	TimestampMode string `yaml:"timestamp_mode"`
	// Port carries both the UDP probe socket and the TCP control socket.
	Port  int      `yaml:"port"`
	Peers []string `yaml:"peers"`

	ProbeIntervalMS      int `yaml:"probe_interval_ms"`
	CompletionTimeoutMS  int `yaml:"completion_timeout_ms"`
	TxTimestampTimeoutMS int `yaml:"tx_timestamp_timeout_ms"`
	ControlDialTimeoutMS int `yaml:"control_dial_timeout_ms"`

	// MaxInflight bounds the per-peer table of samples awaiting
	// completion; sends beyond it are rejected and counted.
	MaxInflight int `yaml:"max_inflight"`
	// TrafficClass is the DSCP/traffic-class byte put on probe packets.
	TrafficClass int `yaml:"traffic_class"`
	// ReportBuffer sizes the reporter channel between the session loop
	// and the forwarding side.
	ReportBuffer int `yaml:"report_buffer"`
}

// Load reads and parses a YAML config file, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.TimestampMode == "" {
		cfg.TimestampMode = ModeUserland
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ProbeIntervalMS == 0 {
		cfg.ProbeIntervalMS = DefaultProbeIntervalMS
	}
	if cfg.CompletionTimeoutMS == 0 {
		cfg.CompletionTimeoutMS = DefaultCompletionTimeMS
	}
	if cfg.TxTimestampTimeoutMS == 0 {
		cfg.TxTimestampTimeoutMS = DefaultTxTimestampTimeMS
	}
	if cfg.ControlDialTimeoutMS == 0 {
		cfg.ControlDialTimeoutMS = DefaultControlDialTimeMS
	}
	if cfg.MaxInflight == 0 {
		cfg.MaxInflight = DefaultMaxInflight
	}
	if cfg.ReportBuffer == 0 {
		cfg.ReportBuffer = DefaultReportBuffer
	}
}

// Validate checks the snapshot before any socket is touched.
func Validate(cfg *Config) error {
	if cfg.TimestampMode != ModeUserland && cfg.TimestampMode != ModeKernel {
		return fmt.Errorf("timestamp_mode %q: must be %q or %q", cfg.TimestampMode, ModeUserland, ModeKernel)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.ProbeIntervalMS < 1 {
		return fmt.Errorf("probe_interval_ms must be positive")
	}
	if cfg.CompletionTimeoutMS < cfg.ProbeIntervalMS {
		return fmt.Errorf("completion_timeout_ms %d below probe_interval_ms %d", cfg.CompletionTimeoutMS, cfg.ProbeIntervalMS)
	}
	if cfg.MaxInflight < 1 {
		return fmt.Errorf("max_inflight must be positive")
	}
	for _, p := range cfg.Peers {
		if _, _, err := net.SplitHostPort(p); err != nil {
			return fmt.Errorf("peer %q: %w", p, err)
		}
	}
	return nil
}

func (c *Config) Mode() packet.Mode {
	if c.TimestampMode == ModeKernel {
		return packet.ModeKernel
	}
	return packet.ModeUserland
}

func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMS) * time.Millisecond
}

func (c *Config) CompletionTimeout() time.Duration {
	return time.Duration(c.CompletionTimeoutMS) * time.Millisecond
}

func (c *Config) TxTimestampTimeout() time.Duration {
	return time.Duration(c.TxTimestampTimeoutMS) * time.Millisecond
}

func (c *Config) ControlDialTimeout() time.Duration {
	return time.Duration(c.ControlDialTimeoutMS) * time.Millisecond
}
