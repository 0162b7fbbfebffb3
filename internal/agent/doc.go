// Package agent tracks the fleet of remote agents known to the server.
//
// # Registry
//
// The Registry holds one record per agent and one mutex per agent, spread
// over a sharded table so lookups for different agents do not contend:
//
//	reg := agent.NewRegistry(logger)
//	l, ok := reg.Lock(agentID)
//	if ok {
//	    defer l.Unlock()
//	    // read or change l.Agent(), session and queue state for agentID
//	}
//
// Every operation that mutates an agent's session, queue or record runs
// under that agent's lock. Operations that span agents (group enqueue,
// sweeps, listings) visit agents one at a time and never hold two locks.
//
// # Lifecycle
//
//	unregistered -> pending_auth -> active -> revoked | expired
//
// A new handshake puts any agent back in pending_auth; the first request
// signed with the new session key makes it active.
package agent
