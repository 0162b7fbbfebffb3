// ABOUTME: Agent lifecycle transitions: pending_auth, active, revoked, expired
// ABOUTME: A fresh handshake is the only way back from revoked or expired

package agent

import (
	"errors"
	"fmt"

	"github.com/2389/coven-dispatch/internal/store"
)

// ErrInvalidLifecycle is returned for a transition the lifecycle forbids.
var ErrInvalidLifecycle = errors.New("invalid agent lifecycle transition")

// CanTransition reports whether an agent may move from one state to another.
//
//	(new) -> pending_auth -> active -> revoked | expired
//	any state -> pending_auth on a new handshake
func CanTransition(from, to store.AgentState) bool {
	if to == store.AgentPendingAuth {
		return true
	}
	switch from {
	case store.AgentPendingAuth:
		return to == store.AgentActive || to == store.AgentRevoked || to == store.AgentExpired
	case store.AgentActive:
		return to == store.AgentRevoked || to == store.AgentExpired
	default:
		return false
	}
}

// Transition moves a to state to, or reports why it cannot.
func Transition(a *store.Agent, to store.AgentState) error {
	if a.State == to {
		return nil
	}
	if !CanTransition(a.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidLifecycle, a.State, to)
	}
	a.State = to
	return nil
}
