// ABOUTME: Error kinds the dispatch core is allowed to surface to agents and operators
// ABOUTME: Public collapses any internal failure onto one of those kinds at a boundary

package protocol

import "errors"

// Boundary error kinds. Callers compare with errors.Is; anything else that
// reaches a transport is reported as an opaque internal error.
var (
	// ErrBadHandshake means the handshake input (agent id or key material) was
	// malformed. Not retryable; the agent must start a new handshake.
	ErrBadHandshake = errors.New("bad handshake")

	// ErrUnauthorized covers every session validation failure. It never says
	// which check failed.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnknownOrStaleCommand is returned for result reports that do not match
	// a command currently dispatched to the reporting agent.
	ErrUnknownOrStaleCommand = errors.New("unknown or stale command")

	// ErrPersistenceUnavailable means a write could not be confirmed durable.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	// ErrExpired marks timeout-driven terminal states. It is reported as a
	// status value, never returned to an agent.
	ErrExpired = errors.New("expired")
)

// ErrInternal is what callers see for any error outside the taxonomy.
var ErrInternal = errors.New("internal error")

var publicKinds = []error{
	ErrBadHandshake,
	ErrUnauthorized,
	ErrUnknownOrStaleCommand,
	ErrPersistenceUnavailable,
	ErrExpired,
}

// Public returns the error kind a remote caller may see for err, dropping any
// wrapped detail. It returns nil for a nil error.
func Public(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range publicKinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrInternal
}
