// Package store persists the dispatch core's durable state.
//
// # Records
//
//   - Agent: identity, pinned public key, lifecycle state, last seen
//   - Session: one symmetric key per record; rotation creates a new record
//   - Command: one row per (command, agent); groups share a group id
//   - Result: the canonical outcome of a command, at most one per (command, agent)
//   - Operator: admin API users with bcrypt password hashes
//   - AuditEntry: security-relevant actions
//
// # State changes
//
// Command state changes go through UpdateCommandState, a compare-and-set on
// the expected current state. Two callers racing on the same command see one
// success and one ErrStaleTransition. Transitions only move forward:
//
//	queued -> dispatched -> completed | failed | expired
//	queued -> expired
//
// RecordResult inserts a result and completes its command in one transaction.
//
// # Implementations
//
// SQLiteStore is the production store. MockStore keeps the same semantics in
// memory for unit tests. Retrying wraps either one, retrying transient read
// failures and reporting failed writes as protocol.ErrPersistenceUnavailable.
package store
