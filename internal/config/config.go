// ABOUTME: Configuration loading and parsing for coven-dispatch
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MinJWTSecretLength matches the operator token signer's minimum.
const MinJWTSecretLength = 32

// StorageKeySize is the decoded length of auth.storage_key.
const StorageKeySize = 32

// Config represents the complete coven-dispatch configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Commands  CommandsConfig  `yaml:"commands" toml:"commands"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // operator API
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"` // agent API, health, metrics
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds operator token and at-rest key settings
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	// StorageKey is a base64 32-byte key sealing session keys at rest.
	StorageKey string `yaml:"storage_key" toml:"storage_key"`

	TokenTTL    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl"`
}

// SessionsConfig holds session lifetime settings
type SessionsConfig struct {
	RotationInterval time.Duration `yaml:"-" toml:"-"`
	RotationGrace    time.Duration `yaml:"-" toml:"-"`
	LivenessTimeout  time.Duration `yaml:"-" toml:"-"`
	MaxClockSkew     time.Duration `yaml:"-" toml:"-"`

	// Handshakes per second allowed from one remote address.
	HandshakeRate  float64 `yaml:"handshake_rate" toml:"handshake_rate"`
	HandshakeBurst int     `yaml:"handshake_burst" toml:"handshake_burst"`

	// Raw string values for unmarshaling
	RotationIntervalRaw string `yaml:"rotation_interval" toml:"rotation_interval"`
	RotationGraceRaw    string `yaml:"rotation_grace" toml:"rotation_grace"`
	LivenessTimeoutRaw  string `yaml:"liveness_timeout" toml:"liveness_timeout"`
	MaxClockSkewRaw     string `yaml:"max_clock_skew" toml:"max_clock_skew"`
}

// CommandsConfig holds command queue limits
type CommandsConfig struct {
	CompletionTimeout time.Duration `yaml:"-" toml:"-"`
	SweepInterval     time.Duration `yaml:"-" toml:"-"`
	MaxPayloadBytes   int           `yaml:"max_payload_bytes" toml:"max_payload_bytes"`

	CompletionTimeoutRaw string `yaml:"completion_timeout" toml:"completion_timeout"`
	SweepIntervalRaw     string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// AgentsConfig holds agent API settings
type AgentsConfig struct {
	MaxPollWait    time.Duration `yaml:"-" toml:"-"`
	MaxPollWaitRaw string        `yaml:"max_poll_wait" toml:"max_poll_wait"`
}

// StoreConfig holds store decorator settings
type StoreConfig struct {
	Retry RetryConfig `yaml:"retry" toml:"retry"`
}

// RetryConfig bounds store read retries
type RetryConfig struct {
	Attempts  int           `yaml:"attempts" toml:"attempts"`
	BaseDelay time.Duration `yaml:"-" toml:"-"`
	MaxDelay  time.Duration `yaml:"-" toml:"-"`

	BaseDelayRaw string `yaml:"base_delay" toml:"base_delay"`
	MaxDelayRaw  string `yaml:"max_delay" toml:"max_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Files ending in .toml are decoded as TOML, everything else as
// YAML. Environment variables in the format ${VAR_NAME} are expanded, unset
// values are filled from Defaults, and the result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Defaults returns a configuration with every optional value filled in.
// Server addresses, the database path and the JWT secret have no default.
func Defaults() Config {
	return Config{
		Auth: AuthConfig{
			TokenTTL: 12 * time.Hour,
		},
		Sessions: SessionsConfig{
			RotationInterval: time.Hour,
			RotationGrace:    2 * time.Minute,
			LivenessTimeout:  10 * time.Minute,
			MaxClockSkew:     2 * time.Minute,
			HandshakeRate:    1,
			HandshakeBurst:   5,
		},
		Commands: CommandsConfig{
			CompletionTimeout: 5 * time.Minute,
			SweepInterval:     15 * time.Second,
			MaxPayloadBytes:   1 << 20,
		},
		Agents: AgentsConfig{
			MaxPollWait: 30 * time.Second,
		},
		Store: StoreConfig{
			Retry: RetryConfig{
				Attempts:  3,
				BaseDelay: 50 * time.Millisecond,
				MaxDelay:  time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// applyDefaults fills zero values from Defaults.
func (c *Config) applyDefaults() {
	d := Defaults()
	setDefault(&c.Auth.TokenTTL, d.Auth.TokenTTL)
	setDefault(&c.Sessions.RotationInterval, d.Sessions.RotationInterval)
	setDefault(&c.Sessions.RotationGrace, d.Sessions.RotationGrace)
	setDefault(&c.Sessions.LivenessTimeout, d.Sessions.LivenessTimeout)
	setDefault(&c.Sessions.MaxClockSkew, d.Sessions.MaxClockSkew)
	setDefault(&c.Sessions.HandshakeRate, d.Sessions.HandshakeRate)
	setDefault(&c.Sessions.HandshakeBurst, d.Sessions.HandshakeBurst)
	setDefault(&c.Commands.CompletionTimeout, d.Commands.CompletionTimeout)
	setDefault(&c.Commands.SweepInterval, d.Commands.SweepInterval)
	setDefault(&c.Commands.MaxPayloadBytes, d.Commands.MaxPayloadBytes)
	setDefault(&c.Agents.MaxPollWait, d.Agents.MaxPollWait)
	setDefault(&c.Store.Retry.Attempts, d.Store.Retry.Attempts)
	setDefault(&c.Store.Retry.BaseDelay, d.Store.Retry.BaseDelay)
	setDefault(&c.Store.Retry.MaxDelay, d.Store.Retry.MaxDelay)
	setDefault(&c.Logging.Level, d.Logging.Level)
	setDefault(&c.Logging.Format, d.Logging.Format)
	setDefault(&c.Metrics.Path, d.Metrics.Path)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}
	if _, err := c.Auth.StorageKeyBytes(); err != nil {
		return err
	}

	if c.Sessions.RotationGrace >= c.Sessions.RotationInterval {
		return fmt.Errorf("sessions.rotation_grace (%s) must be shorter than sessions.rotation_interval (%s)",
			c.Sessions.RotationGrace, c.Sessions.RotationInterval)
	}
	if c.Sessions.HandshakeRate < 0 || c.Sessions.HandshakeBurst < 0 {
		return fmt.Errorf("sessions.handshake_rate and sessions.handshake_burst must not be negative")
	}
	if c.Commands.MaxPayloadBytes < 0 {
		return fmt.Errorf("commands.max_payload_bytes must not be negative")
	}
	if c.Store.Retry.BaseDelay > c.Store.Retry.MaxDelay {
		return fmt.Errorf("store.retry.base_delay must not exceed store.retry.max_delay")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// StorageKeyBytes decodes auth.storage_key. It returns nil when no key is
// configured.
func (a AuthConfig) StorageKeyBytes() ([]byte, error) {
	if a.StorageKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(a.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("auth.storage_key is not valid base64: %w", err)
	}
	if len(key) != StorageKeySize {
		return nil, fmt.Errorf("auth.storage_key must decode to %d bytes, got %d", StorageKeySize, len(key))
	}
	return key, nil
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values.
// Negative durations are rejected.
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"sessions.rotation_interval", cfg.Sessions.RotationIntervalRaw, &cfg.Sessions.RotationInterval},
		{"sessions.rotation_grace", cfg.Sessions.RotationGraceRaw, &cfg.Sessions.RotationGrace},
		{"sessions.liveness_timeout", cfg.Sessions.LivenessTimeoutRaw, &cfg.Sessions.LivenessTimeout},
		{"sessions.max_clock_skew", cfg.Sessions.MaxClockSkewRaw, &cfg.Sessions.MaxClockSkew},
		{"commands.completion_timeout", cfg.Commands.CompletionTimeoutRaw, &cfg.Commands.CompletionTimeout},
		{"commands.sweep_interval", cfg.Commands.SweepIntervalRaw, &cfg.Commands.SweepInterval},
		{"agents.max_poll_wait", cfg.Agents.MaxPollWaitRaw, &cfg.Agents.MaxPollWait},
		{"store.retry.base_delay", cfg.Store.Retry.BaseDelayRaw, &cfg.Store.Retry.BaseDelay},
		{"store.retry.max_delay", cfg.Store.Retry.MaxDelayRaw, &cfg.Store.Retry.MaxDelay},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
