// ABOUTME: Package documentation for the session manager
// ABOUTME: Describes key lifetimes, request validation and lock discipline

// Package session owns the symmetric session keys issued to agents.
//
// Every agent has at most one live session record (pending or active). A
// session becomes active when the agent first signs a request with its key.
// Rotation replaces the key without a handshake: the new key is wrapped under
// the agent's registered public key and offered on the next response, while
// the previous key keeps verifying requests for a short grace window.
//
// All per-agent state is read and written while holding that agent's lock in
// the agent.Registry. No method holds more than one agent lock.
package session
