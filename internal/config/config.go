// Package config provides configuration parsing and validation for a Nyx node.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete node configuration: ambient settings
// (identity, logging, TLS, transport endpoints) plus every environment
// knob §6 names for the core components.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	TLS       TLSConfig       `yaml:"tls"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Peers     []PeerConfig     `yaml:"peers"`

	Frame      FrameConfig      `yaml:"frame"`
	Stream     StreamConfig     `yaml:"stream"`
	Replay     ReplayConfig     `yaml:"replay"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Multipath  MultipathConfig  `yaml:"multipath"`
	Connection ConnectionConfig `yaml:"connection"`
}

// AgentConfig contains node identity and ambient settings.
type AgentConfig struct {
	ID        string `yaml:"id"`         // "auto" or hex-encoded 32-bit connection-namespace seed
	DataDir   string `yaml:"data_dir"`   // directory for persistent state
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// TLSConfig defines TLS settings used by the QUIC and WebSocket transport
// collaborators (§6 "Transport: delivers and accepts opaque datagrams").
// Nyx's own hybrid handshake (§4.B) derives the traffic keys that protect
// application data; TLS here only secures the outer transport session.
type TLSConfig struct {
	CA      string `yaml:"ca"`
	CAPEM   string `yaml:"ca_pem"`
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
	CertPEM string `yaml:"cert_pem"`
	KeyPEM  string `yaml:"key_pem"`
}

// GetCertPEM returns the certificate PEM content, reading from file if necessary.
func (t *TLSConfig) GetCertPEM() ([]byte, error) {
	if t.CertPEM != "" {
		return []byte(t.CertPEM), nil
	}
	if t.Cert != "" {
		return os.ReadFile(t.Cert)
	}
	return nil, nil
}

// GetKeyPEM returns the private key PEM content, reading from file if necessary.
func (t *TLSConfig) GetKeyPEM() ([]byte, error) {
	if t.KeyPEM != "" {
		return []byte(t.KeyPEM), nil
	}
	if t.Key != "" {
		return os.ReadFile(t.Key)
	}
	return nil, nil
}

// HasCert returns true if certificate is configured (either file or PEM).
func (t *TLSConfig) HasCert() bool {
	return t.Cert != "" || t.CertPEM != ""
}

// HasKey returns true if private key is configured (either file or PEM).
func (t *TLSConfig) HasKey() bool {
	return t.Key != "" || t.KeyPEM != ""
}

// ListenerConfig defines a transport listener.
type ListenerConfig struct {
	Transport string `yaml:"transport"` // quic, ws
	Address   string `yaml:"address"`
	Path      string `yaml:"path"` // HTTP path, ws transport only
}

// PeerConfig defines an outbound peer to dial and handshake with.
type PeerConfig struct {
	Transport   string `yaml:"transport"` // quic, ws
	Address     string `yaml:"address"`
	Path        string `yaml:"path"`
	Fingerprint string `yaml:"fingerprint"` // uTLS ClientHello preset for ws dials, e.g. "chrome"
}

// FrameConfig governs the wire frame codec (§4.A).
type FrameConfig struct {
	// MaxFrameLen bounds per-frame payload size; §6 default 1280.
	MaxFrameLen int `yaml:"max_frame_len"`
}

// StreamConfig governs the stream manager (§4.D).
type StreamConfig struct {
	InitialWindow int           `yaml:"stream_initial_window"` // bytes, default 65536
	MaxStreamsBidi int          `yaml:"max_streams_bidi"`      // default 100
	MaxStreamsUni  int          `yaml:"max_streams_uni"`       // default 100
	OpenTimeout    time.Duration `yaml:"stream_open_timeout"`
}

// ReplayConfig governs the anti-replay and early-data manager (§4.C).
type ReplayConfig struct {
	WindowSize                int   `yaml:"replay_window_size"` // fixed at 2^20 for interoperability
	EarlyDataMaxPacket        int   `yaml:"early_data_max_packet"`
	EarlyDataMaxTotal         int64 `yaml:"early_data_max_total"`
	SecurityTripThreshold     int   `yaml:"early_data_security_trip_threshold"`
}

// RateLimitConfig governs the hierarchical token-bucket / backpressure controller (§4.E).
type RateLimitConfig struct {
	GlobalBandwidthLimit   int64   `yaml:"global_bandwidth_limit"`   // bytes/sec
	PerConnectionLimit     int64   `yaml:"per_connection_limit"`     // bytes/sec
	PerStreamLimit         int64   `yaml:"per_stream_limit"`         // bytes/sec
	BackpressureThreshold  float64 `yaml:"backpressure_threshold"`   // fraction, default 0.8
	ConnectionIdleEviction time.Duration `yaml:"connection_idle_eviction"` // default 5m
}

// MultipathConfig governs the multipath scheduler (§4.F).
type MultipathConfig struct {
	MinPaths              int           `yaml:"min_paths"`
	MaxPaths              int           `yaml:"max_paths"`
	HopAdjustmentInterval time.Duration `yaml:"hop_adjustment_interval"`
	HealthCheckInterval   time.Duration `yaml:"health_check_interval"`
	MaxReorderGap         int           `yaml:"max_reorder_gap"` // default 16, see §12
}

// ConnectionConfig governs connection-wide timing.
type ConnectionConfig struct {
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	RekeyInterval time.Duration `yaml:"rekey_interval"`
}

// Default returns a Config with the defaults named throughout §6.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:        "auto",
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Listeners: []ListenerConfig{},
		Peers:     []PeerConfig{},
		Frame: FrameConfig{
			MaxFrameLen: 1280,
		},
		Stream: StreamConfig{
			InitialWindow:  65536,
			MaxStreamsBidi: 100,
			MaxStreamsUni:  100,
			OpenTimeout:    30 * time.Second,
		},
		Replay: ReplayConfig{
			WindowSize:            1 << 20,
			EarlyDataMaxPacket:    64 * 1024,
			EarlyDataMaxTotal:     1024 * 1024,
			SecurityTripThreshold: 8,
		},
		RateLimit: RateLimitConfig{
			GlobalBandwidthLimit:   1024 * 1024, // 1 MB/s
			PerConnectionLimit:     0,            // 0 = inherit global
			PerStreamLimit:         0,            // 0 = inherit connection
			BackpressureThreshold:  0.8,
			ConnectionIdleEviction: 5 * time.Minute,
		},
		Multipath: MultipathConfig{
			MinPaths:              1,
			MaxPaths:              8,
			HopAdjustmentInterval: 30 * time.Second,
			HealthCheckInterval:   1 * time.Second,
			MaxReorderGap:         16,
		},
		Connection: ConnectionConfig{
			IdleTimeout:   10 * time.Minute,
			RekeyInterval: 1 * time.Hour,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding environment
// variable references first and validating the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// Supports ${VAR:-default} for a fallback when VAR is unset.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors, accumulating every
// violation into one aggregate error rather than failing on the first.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.DataDir == "" {
		errs = append(errs, "agent.data_dir is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	for i, l := range c.Listeners {
		if !isValidTransport(l.Transport) {
			errs = append(errs, fmt.Sprintf("listeners[%d]: invalid transport %q (must be quic or ws)", i, l.Transport))
		}
		if l.Address == "" {
			errs = append(errs, fmt.Sprintf("listeners[%d]: address is required", i))
		}
	}
	for i, p := range c.Peers {
		if !isValidTransport(p.Transport) {
			errs = append(errs, fmt.Sprintf("peers[%d]: invalid transport %q (must be quic or ws)", i, p.Transport))
		}
		if p.Address == "" {
			errs = append(errs, fmt.Sprintf("peers[%d]: address is required", i))
		}
	}

	if c.Frame.MaxFrameLen <= 0 || c.Frame.MaxFrameLen > 0xFFFF {
		errs = append(errs, "frame.max_frame_len must be in (0, 65535]")
	}

	if c.Stream.InitialWindow <= 0 {
		errs = append(errs, "stream.stream_initial_window must be positive")
	}
	if c.Stream.MaxStreamsBidi <= 0 {
		errs = append(errs, "stream.max_streams_bidi must be positive")
	}
	if c.Stream.MaxStreamsUni <= 0 {
		errs = append(errs, "stream.max_streams_uni must be positive")
	}

	if c.Replay.WindowSize <= 0 {
		errs = append(errs, "replay.replay_window_size must be positive")
	}
	if c.Replay.EarlyDataMaxPacket <= 0 {
		errs = append(errs, "replay.early_data_max_packet must be positive")
	}
	if c.Replay.EarlyDataMaxTotal <= 0 {
		errs = append(errs, "replay.early_data_max_total must be positive")
	}

	if c.RateLimit.BackpressureThreshold <= 0 || c.RateLimit.BackpressureThreshold > 1 {
		errs = append(errs, "rate_limit.backpressure_threshold must be in (0, 1]")
	}

	if c.Multipath.MinPaths < 1 {
		errs = append(errs, "multipath.min_paths must be at least 1")
	}
	if c.Multipath.MaxPaths < c.Multipath.MinPaths {
		errs = append(errs, "multipath.max_paths must be >= min_paths")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "quic", "ws":
		return true
	default:
		return false
	}
}

// String returns a redacted YAML representation, safe to log.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with private key material redacted.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.TLS.Key != "" {
		redacted.TLS.Key = redactedValue
	}
	if redacted.TLS.KeyPEM != "" {
		redacted.TLS.KeyPEM = redactedValue
	}

	return redacted
}
