// Package gateway wires the coven-dispatch core to its network surfaces.
//
// # Overview
//
// The Gateway owns the store, the agent registry, the session manager, the
// command queue and the dispatch engine, and exposes them two ways:
//
//   - an HTTP agent API (handshake, poll, results) plus health and metrics
//   - the gRPC OperatorService for humans and tooling
//
// # HTTP API
//
//   - POST /v1/handshake - exchange keys and open a pending session
//   - POST /v1/poll - fetch the next command (signed, optional long poll)
//   - POST /v1/results - report a command result (signed)
//   - GET /health - liveness check
//   - GET /health/ready - store ping
//   - GET /metrics - Prometheus collectors, when enabled
//
// Signed requests carry X-Agent-ID, X-Agent-Timestamp, X-Agent-Nonce and
// X-Agent-Signature. Command and result payloads are sealed under the session
// payload key. Pending rotation offers ride on every signed response until
// the agent signs with the new key.
//
// Errors are JSON bodies of the form {"error": "..."} carrying only the
// public error kind:
//
//	400 bad handshake, invalid report
//	401 unauthorized
//	409 unknown or stale command
//	429 handshake rate limit
//	503 persistence unavailable
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is cancelled
//
// Run restores sessions and queues from the store, then runs the gRPC server,
// the HTTP server, the expiry sweeper, the metrics collector and a
// maintenance loop under one errgroup. The first failure, or cancellation of
// ctx, shuts everything down and closes the store.
//
// With tailscale.enabled the servers listen on a tsnet node instead of the
// configured TCP addresses.
package gateway
