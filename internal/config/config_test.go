package config

import (
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Agent.ID != "auto" {
		t.Errorf("Agent.ID = %s, want auto", cfg.Agent.ID)
	}
	if cfg.Agent.DataDir != "./data" {
		t.Errorf("Agent.DataDir = %s, want ./data", cfg.Agent.DataDir)
	}
	if cfg.Agent.LogLevel != "info" {
		t.Errorf("Agent.LogLevel = %s, want info", cfg.Agent.LogLevel)
	}
	if cfg.Frame.MaxFrameLen != 1280 {
		t.Errorf("Frame.MaxFrameLen = %d, want 1280", cfg.Frame.MaxFrameLen)
	}
	if cfg.Stream.InitialWindow != 65536 {
		t.Errorf("Stream.InitialWindow = %d, want 65536", cfg.Stream.InitialWindow)
	}
	if cfg.Replay.WindowSize != 1<<20 {
		t.Errorf("Replay.WindowSize = %d, want 2^20", cfg.Replay.WindowSize)
	}
	if cfg.RateLimit.BackpressureThreshold != 0.8 {
		t.Errorf("RateLimit.BackpressureThreshold = %v, want 0.8", cfg.RateLimit.BackpressureThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() config failed validation: %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
agent:
  id: "auto"
  data_dir: "./data"
  log_level: "debug"
  log_format: "json"

listeners:
  - transport: quic
    address: "0.0.0.0:4433"

peers:
  - transport: quic
    address: "192.168.1.50:4433"

frame:
  max_frame_len: 1000

stream:
  stream_initial_window: 32768
  max_streams_bidi: 50
  max_streams_uni: 50

multipath:
  min_paths: 2
  max_paths: 4
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	if cfg.Agent.LogLevel != "debug" {
		t.Errorf("Agent.LogLevel = %s, want debug", cfg.Agent.LogLevel)
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Address != "0.0.0.0:4433" {
		t.Errorf("unexpected listeners: %+v", cfg.Listeners)
	}
	if cfg.Frame.MaxFrameLen != 1000 {
		t.Errorf("Frame.MaxFrameLen = %d, want 1000", cfg.Frame.MaxFrameLen)
	}
	if cfg.Multipath.MinPaths != 2 || cfg.Multipath.MaxPaths != 4 {
		t.Errorf("unexpected multipath config: %+v", cfg.Multipath)
	}
}

func TestParse_EnvVarExpansion(t *testing.T) {
	t.Setenv("NYX_LOG_LEVEL", "warn")

	yamlConfig := `
agent:
  data_dir: "./data"
  log_level: "${NYX_LOG_LEVEL}"
  log_format: "${NYX_LOG_FORMAT:-text}"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if cfg.Agent.LogLevel != "warn" {
		t.Errorf("Agent.LogLevel = %s, want warn", cfg.Agent.LogLevel)
	}
	if cfg.Agent.LogFormat != "text" {
		t.Errorf("Agent.LogFormat = %s, want text (default)", cfg.Agent.LogFormat)
	}
}

func TestValidate_InvalidTransport(t *testing.T) {
	cfg := Default()
	cfg.Listeners = append(cfg.Listeners, ListenerConfig{Transport: "h3", Address: "0.0.0.0:1"})

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for invalid transport")
	}
	if !strings.Contains(err.Error(), "invalid transport") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_MaxPathsBelowMin(t *testing.T) {
	cfg := Default()
	cfg.Multipath.MinPaths = 4
	cfg.Multipath.MaxPaths = 2

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for max_paths < min_paths")
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.TLS.Key = "supersecret"
	cfg.TLS.KeyPEM = "-----BEGIN KEY-----"

	redacted := cfg.Redacted()
	if redacted.TLS.Key != redactedValue {
		t.Errorf("TLS.Key not redacted: %s", redacted.TLS.Key)
	}
	if redacted.TLS.KeyPEM != redactedValue {
		t.Errorf("TLS.KeyPEM not redacted: %s", redacted.TLS.KeyPEM)
	}
	// Original must be untouched.
	if cfg.TLS.Key != "supersecret" {
		t.Errorf("original config mutated by Redacted()")
	}
}

func TestExpandEnvVars_Unset(t *testing.T) {
	out := expandEnvVars("value: ${THIS_VAR_IS_DEFINITELY_NOT_SET}")
	if out != "value: ${THIS_VAR_IS_DEFINITELY_NOT_SET}" {
		t.Errorf("expected unset var to be left intact, got %q", out)
	}
}
