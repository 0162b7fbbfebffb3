// ABOUTME: Store interface and record types for coven-dispatch persistence
// ABOUTME: Defines agents, sessions, commands, results, operators and their state lattices

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-dispatch/internal/protocol"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrStaleTransition is returned when a compare-and-set state change finds the
// record in a different state than expected.
var ErrStaleTransition = errors.New("stale state transition")

// ErrInvalidTransition is returned for a state change that would move a record
// backwards in its lifecycle.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrDuplicateResult is returned when a result already exists for a command
var ErrDuplicateResult = errors.New("result already recorded")

// ErrDuplicateOperator is returned when an operator name is already taken
var ErrDuplicateOperator = errors.New("operator already exists")

// AgentState is the lifecycle state of an agent.
type AgentState string

const (
	AgentPendingAuth AgentState = "pending_auth"
	AgentActive      AgentState = "active"
	AgentRevoked     AgentState = "revoked"
	AgentExpired     AgentState = "expired"
)

// Live reports whether the agent may still authenticate requests.
func (s AgentState) Live() bool {
	return s == AgentPendingAuth || s == AgentActive
}

// Agent is a remote agent as seen by the server. PublicKey is the PEM (PKIX)
// encoding of the long-term key the agent registered with.
type Agent struct {
	ID          string
	Platform    string
	Version     string
	PublicKey   string
	Fingerprint string
	State       AgentState
	SessionID   string // current session, empty before the first handshake
	CreatedAt   time.Time
	LastSeen    time.Time
}

// SessionState is the state of one session record.
type SessionState string

const (
	SessionPending SessionState = "pending"
	SessionActive  SessionState = "active"
	SessionRotated SessionState = "rotated"
	SessionRevoked SessionState = "revoked"
	SessionExpired SessionState = "expired"
)

// Live reports whether the session can still verify requests.
func (s SessionState) Live() bool {
	return s == SessionPending || s == SessionActive
}

// CanTransition reports whether a session may move from s to next. Session
// records only move forward; a rotation creates a new record.
func (s SessionState) CanTransition(next SessionState) bool {
	switch s {
	case SessionPending:
		return next == SessionActive || next == SessionRotated || next == SessionRevoked || next == SessionExpired
	case SessionActive:
		return next == SessionRotated || next == SessionRevoked || next == SessionExpired
	default:
		return false
	}
}

// Session is one symmetric key issued to an agent. Key may be sealed at rest;
// the store treats it as opaque bytes.
type Session struct {
	ID          string
	AgentID     string
	Key         []byte
	State       SessionState
	Rotation    int
	CreatedAt   time.Time
	ExpiresAt   time.Time // rotation due
	ActivatedAt time.Time // zero until the first request signed with Key
	EndedAt     time.Time // zero while live
	EndReason   string
}

// SessionChange is a handover of an agent's session applied as one write:
// Ended (optional) leaves the live set, Agent is saved, and Next (optional)
// is inserted as a new session.
type SessionChange struct {
	Ended *Session
	Agent *Agent
	Next  *Session
}

// CommandState is the dispatch state of a command.
type CommandState string

const (
	CommandQueued     CommandState = "queued"
	CommandDispatched CommandState = "dispatched"
	CommandCompleted  CommandState = "completed"
	CommandFailed     CommandState = "failed"
	CommandExpired    CommandState = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s CommandState) Terminal() bool {
	return s == CommandCompleted || s == CommandFailed || s == CommandExpired
}

// CanTransition reports whether a command may move from s to next.
func (s CommandState) CanTransition(next CommandState) bool {
	switch s {
	case CommandQueued:
		return next == CommandDispatched || next == CommandExpired
	case CommandDispatched:
		return next == CommandCompleted || next == CommandFailed || next == CommandExpired
	default:
		return false
	}
}

// TargetKind records how a command's recipient was chosen.
type TargetKind string

const (
	TargetAgent TargetKind = "agent"
	TargetAll   TargetKind = "all"
	TargetSet   TargetKind = "set"
)

// Command is a unit of work addressed to exactly one agent. A group enqueue
// produces one Command per resolved agent, all sharing GroupID.
type Command struct {
	ID           string
	AgentID      string
	GroupID      string
	Target       TargetKind
	Payload      []byte
	Priority     int
	Seq          int64 // global enqueue order, ties in priority dispatch by Seq
	State        CommandState
	IssuedBy     string
	EnqueuedAt   time.Time
	DispatchedAt time.Time
	Deadline     time.Time
	FinishedAt   time.Time
	Reason       string
}

// CommandTransition is a compare-and-set state change for one command.
type CommandTransition struct {
	CommandID string
	From      CommandState
	To        CommandState
	At        time.Time
	Deadline  time.Time // set when To is dispatched
	Reason    string
}

// Result is the canonical outcome of a command, one per (command, agent).
type Result struct {
	CommandID   string
	AgentID     string
	Status      protocol.ResultStatus
	ErrorCode   int
	Payload     []byte
	CompletedAt time.Time
}

// ResultFilter narrows ListResults. Empty fields match everything.
type ResultFilter struct {
	AgentID string
	GroupID string
	Limit   int
	Newest  bool // most recent first, so Limit keeps the latest results
}

// GroupStatus aggregates the member commands of a group. It is computed on
// read and never stored.
type GroupStatus struct {
	GroupID   string
	Pending   int // queued or dispatched
	Completed int
	Failed    int
	Expired   int
	Total     int
}

// Concluded reports whether every member reached a terminal state.
func (g *GroupStatus) Concluded() bool {
	return g.Total > 0 && g.Pending == 0
}

// Add counts n member commands in state s.
func (g *GroupStatus) Add(s CommandState, n int) {
	g.Total += n
	switch s {
	case CommandQueued, CommandDispatched:
		g.Pending += n
	case CommandCompleted:
		g.Completed += n
	case CommandFailed:
		g.Failed += n
	case CommandExpired:
		g.Expired += n
	}
}

// Operator is a human who issues commands through the admin API.
type Operator struct {
	ID           string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
}

// Store defines the persistence operations the dispatch core depends on
type Store interface {
	// Agents
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)

	// Sessions
	UpsertSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListLiveSessions(ctx context.Context) ([]*Session, error)
	// ChangeSession applies ch atomically. Ended must still be live in the
	// store, otherwise ErrStaleTransition is returned and nothing is written.
	ChangeSession(ctx context.Context, ch SessionChange) error

	// Commands. InsertCommands is all-or-nothing. UpdateCommandState is a
	// compare-and-set on the From state.
	InsertCommands(ctx context.Context, cmds []*Command) error
	UpdateCommandState(ctx context.Context, tr CommandTransition) error
	GetCommand(ctx context.Context, id string) (*Command, error)
	QueryCommandsByAgentAndState(ctx context.Context, agentID string, states ...CommandState) ([]*Command, error)
	ListGroupCommands(ctx context.Context, groupID string) ([]*Command, error)
	MaxCommandSeq(ctx context.Context) (int64, error)

	// Results. RecordResult inserts the result and applies the command
	// transition atomically.
	InsertResult(ctx context.Context, result *Result) error
	RecordResult(ctx context.Context, result *Result, tr CommandTransition) error
	GetResult(ctx context.Context, commandID, agentID string) (*Result, error)
	ListResults(ctx context.Context, f ResultFilter) ([]*Result, error)
	QueryGroupStatus(ctx context.Context, groupID string) (*GroupStatus, error)

	// Operators
	CreateOperator(ctx context.Context, op *Operator) error
	GetOperatorByName(ctx context.Context, name string) (*Operator, error)

	// Audit log
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)

	// Ping checks the store is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// checkTransition validates a command transition against the lattice.
func checkTransition(tr CommandTransition) error {
	if !tr.From.CanTransition(tr.To) {
		return ErrInvalidTransition
	}
	return nil
}
