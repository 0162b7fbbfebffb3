// Package config handles configuration loading for coven-dispatch.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path ends
// in .toml, with environment variable expansion. Unset optional values are
// filled from Defaults and the result is validated before it is returned.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${DISPATCH_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax ("90s", "5m", "1h").
// Negative durations are rejected.
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"   # operator API
//	  http_addr: "0.0.0.0:8080"    # agent API, health, metrics
//
//	database:
//	  path: "/var/lib/coven-dispatch/dispatch.db"
//
//	auth:
//	  jwt_secret: "${DISPATCH_JWT_SECRET}"     # at least 32 bytes
//	  storage_key: "${DISPATCH_STORAGE_KEY}"   # base64, 32 bytes; seals session keys at rest
//	  token_ttl: "12h"
//
//	sessions:
//	  rotation_interval: "1h"
//	  rotation_grace: "2m"
//	  liveness_timeout: "10m"
//	  max_clock_skew: "2m"
//	  handshake_rate: 1          # per remote address, per second
//	  handshake_burst: 5
//
//	commands:
//	  completion_timeout: "5m"
//	  sweep_interval: "15s"
//	  max_payload_bytes: 1048576
//
//	agents:
//	  max_poll_wait: "30s"
//
//	store:
//	  retry:
//	    attempts: 3
//	    base_delay: "50ms"
//	    max_delay: "1s"
//
//	tailscale:
//	  enabled: false
//	  hostname: "coven-dispatch"
//	  auth_key: "${TS_AUTHKEY}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Usage
//
//	cfg, err := config.Load("/etc/coven-dispatch/dispatch.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
