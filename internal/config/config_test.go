// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "config-test-secret-at-least-32-bytes"

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

const minimalYAML = `
server:
  grpc_addr: "127.0.0.1:50051"
  http_addr: "127.0.0.1:8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "` + testSecret + `"
`

func TestLoad_ValidConfig(t *testing.T) {
	storageKey := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	path := writeConfig(t, "dispatch.yaml", minimalYAML+`
  storage_key: "`+storageKey+`"
  token_ttl: "8h"
sessions:
  rotation_interval: "30m"
  rotation_grace: "1m"
  liveness_timeout: "5m"
  max_clock_skew: "90s"
  handshake_rate: 0.5
  handshake_burst: 2
commands:
  completion_timeout: "2m"
  sweep_interval: "5s"
  max_payload_bytes: 4096
agents:
  max_poll_wait: "20s"
store:
  retry:
    attempts: 5
    base_delay: "10ms"
    max_delay: "200ms"
logging:
  level: "debug"
  format: "json"
metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "127.0.0.1:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "127.0.0.1:50051")
	}
	if cfg.Auth.TokenTTL != 8*time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want %v", cfg.Auth.TokenTTL, 8*time.Hour)
	}
	key, err := cfg.Auth.StorageKeyBytes()
	if err != nil || len(key) != StorageKeySize {
		t.Errorf("StorageKeyBytes() = %d bytes, %v", len(key), err)
	}

	durations := map[string][2]time.Duration{
		"Sessions.RotationInterval":  {cfg.Sessions.RotationInterval, 30 * time.Minute},
		"Sessions.RotationGrace":     {cfg.Sessions.RotationGrace, time.Minute},
		"Sessions.LivenessTimeout":   {cfg.Sessions.LivenessTimeout, 5 * time.Minute},
		"Sessions.MaxClockSkew":      {cfg.Sessions.MaxClockSkew, 90 * time.Second},
		"Commands.CompletionTimeout": {cfg.Commands.CompletionTimeout, 2 * time.Minute},
		"Commands.SweepInterval":     {cfg.Commands.SweepInterval, 5 * time.Second},
		"Agents.MaxPollWait":         {cfg.Agents.MaxPollWait, 20 * time.Second},
		"Store.Retry.BaseDelay":      {cfg.Store.Retry.BaseDelay, 10 * time.Millisecond},
		"Store.Retry.MaxDelay":       {cfg.Store.Retry.MaxDelay, 200 * time.Millisecond},
	}
	for name, d := range durations {
		if d[0] != d[1] {
			t.Errorf("%s = %v, want %v", name, d[0], d[1])
		}
	}

	if cfg.Sessions.HandshakeRate != 0.5 || cfg.Sessions.HandshakeBurst != 2 {
		t.Errorf("handshake limits = %v/%d, want 0.5/2", cfg.Sessions.HandshakeRate, cfg.Sessions.HandshakeBurst)
	}
	if cfg.Commands.MaxPayloadBytes != 4096 {
		t.Errorf("Commands.MaxPayloadBytes = %d, want 4096", cfg.Commands.MaxPayloadBytes)
	}
	if cfg.Store.Retry.Attempts != 5 {
		t.Errorf("Store.Retry.Attempts = %d, want 5", cfg.Store.Retry.Attempts)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "dispatch.yaml", minimalYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	d := Defaults()
	if cfg.Sessions != d.Sessions {
		t.Errorf("Sessions = %+v, want %+v", cfg.Sessions, d.Sessions)
	}
	if cfg.Commands != d.Commands {
		t.Errorf("Commands = %+v, want %+v", cfg.Commands, d.Commands)
	}
	if cfg.Sessions.RotationInterval != time.Hour || cfg.Sessions.RotationGrace != 2*time.Minute {
		t.Errorf("rotation = %v/%v, want 1h/2m", cfg.Sessions.RotationInterval, cfg.Sessions.RotationGrace)
	}
	if cfg.Commands.CompletionTimeout != 5*time.Minute {
		t.Errorf("Commands.CompletionTimeout = %v, want 5m", cfg.Commands.CompletionTimeout)
	}
	if cfg.Agents.MaxPollWait != 30*time.Second {
		t.Errorf("Agents.MaxPollWait = %v, want 30s", cfg.Agents.MaxPollWait)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want info/text", cfg.Logging)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want /metrics", cfg.Metrics.Path)
	}
	key, err := cfg.Auth.StorageKeyBytes()
	if err != nil || key != nil {
		t.Errorf("StorageKeyBytes() = %v, %v; want nil, nil", key, err)
	}
}

func TestLoad_TOML(t *testing.T) {
	t.Setenv("TEST_DISPATCH_SECRET", testSecret)
	path := writeConfig(t, "dispatch.toml", `
[server]
grpc_addr = "127.0.0.1:50051"
http_addr = "127.0.0.1:8080"

[database]
path = "./test.db"

[auth]
jwt_secret = "${TEST_DISPATCH_SECRET}"

[sessions]
rotation_interval = "2h"
handshake_rate = 2.5

[store.retry]
attempts = 4
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != testSecret {
		t.Errorf("Auth.JWTSecret = %q, want expanded secret", cfg.Auth.JWTSecret)
	}
	if cfg.Sessions.RotationInterval != 2*time.Hour {
		t.Errorf("Sessions.RotationInterval = %v, want 2h", cfg.Sessions.RotationInterval)
	}
	if cfg.Sessions.HandshakeRate != 2.5 {
		t.Errorf("Sessions.HandshakeRate = %v, want 2.5", cfg.Sessions.HandshakeRate)
	}
	if cfg.Store.Retry.Attempts != 4 {
		t.Errorf("Store.Retry.Attempts = %d, want 4", cfg.Store.Retry.Attempts)
	}
	if cfg.Sessions.RotationGrace != 2*time.Minute {
		t.Errorf("Sessions.RotationGrace = %v, want default 2m", cfg.Sessions.RotationGrace)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_DISPATCH_DB", "/tmp/from-env.db")
	t.Setenv("TEST_DISPATCH_SECRET", testSecret)

	path := writeConfig(t, "dispatch.yaml", `
server:
  grpc_addr: "127.0.0.1:50051"
  http_addr: "127.0.0.1:8080"
database:
  path: "${TEST_DISPATCH_DB}"
auth:
  jwt_secret: "${TEST_DISPATCH_SECRET}"
tailscale:
  auth_key: "${TEST_DISPATCH_UNSET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/from-env.db")
	}
	if cfg.Tailscale.AuthKey != "" {
		t.Errorf("Tailscale.AuthKey = %q, want empty for unset variable", cfg.Tailscale.AuthKey)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "malformed yaml",
			content: "server: [",
			wantErr: "parsing config file",
		},
		{
			name:    "bad duration",
			content: minimalYAML + "sessions:\n  rotation_grace: \"soon\"\n",
			wantErr: "sessions.rotation_grace",
		},
		{
			name:    "negative duration",
			content: minimalYAML + "commands:\n  completion_timeout: \"-1m\"\n",
			wantErr: "must not be negative",
		},
		{
			name:    "missing grpc addr",
			content: "server:\n  http_addr: \"x:1\"\ndatabase:\n  path: \"db\"\nauth:\n  jwt_secret: \"" + testSecret + "\"\n",
			wantErr: "server.grpc_addr is required",
		},
		{
			name:    "missing database",
			content: "server:\n  grpc_addr: \"x:1\"\n  http_addr: \"x:2\"\nauth:\n  jwt_secret: \"" + testSecret + "\"\n",
			wantErr: "database.path is required",
		},
		{
			name:    "short jwt secret",
			content: "server:\n  grpc_addr: \"x:1\"\n  http_addr: \"x:2\"\ndatabase:\n  path: \"db\"\nauth:\n  jwt_secret: \"short\"\n",
			wantErr: "auth.jwt_secret",
		},
		{
			name:    "storage key not base64",
			content: minimalYAML + "  storage_key: \"!!!\"\n",
			wantErr: "not valid base64",
		},
		{
			name:    "storage key wrong size",
			content: minimalYAML + "  storage_key: \"" + base64.StdEncoding.EncodeToString([]byte("short")) + "\"\n",
			wantErr: "must decode to 32 bytes",
		},
		{
			name:    "grace longer than interval",
			content: minimalYAML + "sessions:\n  rotation_interval: \"1m\"\n  rotation_grace: \"5m\"\n",
			wantErr: "sessions.rotation_grace",
		},
		{
			name:    "tailscale without hostname",
			content: minimalYAML + "tailscale:\n  enabled: true\n",
			wantErr: "tailscale.hostname is required",
		},
		{
			name:    "unknown log level",
			content: minimalYAML + "logging:\n  level: \"loud\"\n",
			wantErr: "logging.level",
		},
		{
			name:    "unknown log format",
			content: minimalYAML + "logging:\n  format: \"xml\"\n",
			wantErr: "logging.format",
		},
		{
			name:    "metrics path without slash",
			content: minimalYAML + "metrics:\n  enabled: true\n  path: \"metrics\"\n",
			wantErr: "metrics.path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "dispatch.yaml", tt.content))
			if err == nil {
				t.Fatalf("Load() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v, want reading config file error", err)
	}
}

func TestLoad_TailscaleWithoutAddresses(t *testing.T) {
	path := writeConfig(t, "dispatch.yaml", `
tailscale:
  enabled: true
  hostname: "dispatch"
database:
  path: "./test.db"
auth:
  jwt_secret: "`+testSecret+`"
`)
	if _, err := Load(path); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}
