// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same state semantics

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	agents    map[string]*Agent    // keyed by agent ID
	sessions  map[string]*Session  // keyed by session ID
	commands  map[string]*Command  // keyed by command ID
	results   map[string]*Result   // keyed by "commandID:agentID"
	operators map[string]*Operator // keyed by name
	audit     []AuditEntry

	writeErr         error
	sessionInsertErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:    make(map[string]*Agent),
		sessions:  make(map[string]*Session),
		commands:  make(map[string]*Command),
		results:   make(map[string]*Result),
		operators: make(map[string]*Operator),
	}
}

// SetWriteError makes every subsequent write fail with err until it is reset
// with nil.
func (m *MockStore) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// SetSessionInsertError makes every write that would create a new session
// fail with err until it is reset with nil. Updates to existing sessions
// still succeed.
func (m *MockStore) SetSessionInsertError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionInsertErr = err
}

func resultKey(commandID, agentID string) string {
	return commandID + ":" + agentID
}

// UpsertAgent stores a copy of the agent.
func (m *MockStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}

	a := *agent
	if existing, ok := m.agents[a.ID]; ok {
		a.CreatedAt = existing.CreatedAt
	}
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// ListAgents returns all agents ordered by ID.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		c := *a
		agents = append(agents, &c)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

// UpsertSession stores a copy of the session. Key and CreatedAt of an
// existing session are kept.
func (m *MockStore) UpsertSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}

	s := *session
	s.Key = append([]byte(nil), session.Key...)
	if existing, ok := m.sessions[s.ID]; ok {
		s.Key = existing.Key
		s.CreatedAt = existing.CreatedAt
		s.Rotation = existing.Rotation
	} else if m.sessionInsertErr != nil {
		return m.sessionInsertErr
	}
	m.sessions[s.ID] = &s
	return nil
}

// ChangeSession applies ch atomically: every check runs before anything is
// written.
func (m *MockStore) ChangeSession(ctx context.Context, ch SessionChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	if ch.Agent == nil {
		return fmt.Errorf("session change requires an agent")
	}

	if ch.Ended != nil {
		cur, ok := m.sessions[ch.Ended.ID]
		if !ok || !cur.State.Live() {
			return fmt.Errorf("session %s is not live: %w", ch.Ended.ID, ErrStaleTransition)
		}
	}
	if ch.Next != nil {
		if _, ok := m.sessions[ch.Next.ID]; ok {
			return fmt.Errorf("session %s already exists", ch.Next.ID)
		}
		if m.sessionInsertErr != nil {
			return m.sessionInsertErr
		}
	}

	if ch.Ended != nil {
		ended := *m.sessions[ch.Ended.ID]
		ended.State = ch.Ended.State
		ended.EndedAt = ch.Ended.EndedAt
		ended.EndReason = ch.Ended.EndReason
		m.sessions[ended.ID] = &ended
	}

	a := *ch.Agent
	if existing, ok := m.agents[a.ID]; ok {
		a.CreatedAt = existing.CreatedAt
	}
	m.agents[a.ID] = &a

	if ch.Next != nil {
		next := *ch.Next
		next.Key = append([]byte(nil), ch.Next.Key...)
		m.sessions[next.ID] = &next
	}
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	result.Key = append([]byte(nil), s.Key...)
	return &result, nil
}

// ListLiveSessions returns pending and active sessions.
func (m *MockStore) ListLiveSessions(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sessions []*Session
	for _, s := range m.sessions {
		if !s.State.Live() {
			continue
		}
		c := *s
		c.Key = append([]byte(nil), s.Key...)
		sessions = append(sessions, &c)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].AgentID != sessions[j].AgentID {
			return sessions[i].AgentID < sessions[j].AgentID
		}
		return sessions[i].Rotation < sessions[j].Rotation
	})
	return sessions, nil
}

// InsertCommands stores all commands or none.
func (m *MockStore) InsertCommands(ctx context.Context, cmds []*Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}

	for _, c := range cmds {
		if _, ok := m.commands[c.ID]; ok {
			return fmt.Errorf("command %s already exists", c.ID)
		}
		if _, ok := m.agents[c.AgentID]; !ok {
			return fmt.Errorf("command %s for unknown agent %s", c.ID, c.AgentID)
		}
	}
	for _, c := range cmds {
		cp := *c
		cp.Payload = append([]byte(nil), c.Payload...)
		m.commands[cp.ID] = &cp
	}
	return nil
}

func (m *MockStore) applyTransitionLocked(tr CommandTransition) error {
	if err := checkTransition(tr); err != nil {
		return err
	}
	c, ok := m.commands[tr.CommandID]
	if !ok {
		return ErrNotFound
	}
	if c.State != tr.From {
		return ErrStaleTransition
	}
	return nil
}

func (m *MockStore) commitTransitionLocked(tr CommandTransition) {
	c := m.commands[tr.CommandID]
	c.State = tr.To
	if tr.To == CommandDispatched {
		c.DispatchedAt = tr.At
		c.Deadline = tr.Deadline
	}
	if tr.To.Terminal() {
		c.FinishedAt = tr.At
	}
	if tr.Reason != "" {
		c.Reason = tr.Reason
	}
}

// UpdateCommandState applies a compare-and-set transition.
func (m *MockStore) UpdateCommandState(ctx context.Context, tr CommandTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}

	if err := m.applyTransitionLocked(tr); err != nil {
		return err
	}
	m.commitTransitionLocked(tr)
	return nil
}

// GetCommand retrieves a command by ID.
func (m *MockStore) GetCommand(ctx context.Context, id string) (*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// QueryCommandsByAgentAndState returns matching commands by priority, then seq.
func (m *MockStore) QueryCommandsByAgentAndState(ctx context.Context, agentID string, states ...CommandState) ([]*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[CommandState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	var cmds []*Command
	for _, c := range m.commands {
		if agentID != "" && c.AgentID != agentID {
			continue
		}
		if len(want) > 0 && !want[c.State] {
			continue
		}
		cp := *c
		cmds = append(cmds, &cp)
	}
	sort.Slice(cmds, func(i, j int) bool {
		if cmds[i].Priority != cmds[j].Priority {
			return cmds[i].Priority > cmds[j].Priority
		}
		return cmds[i].Seq < cmds[j].Seq
	})
	return cmds, nil
}

// ListGroupCommands returns group members in enqueue order.
func (m *MockStore) ListGroupCommands(ctx context.Context, groupID string) ([]*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var cmds []*Command
	for _, c := range m.commands {
		if c.GroupID == groupID {
			cp := *c
			cmds = append(cmds, &cp)
		}
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Seq < cmds[j].Seq })
	return cmds, nil
}

// MaxCommandSeq returns the highest seq, or 0.
func (m *MockStore) MaxCommandSeq(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var highest int64
	for _, c := range m.commands {
		if c.Seq > highest {
			highest = c.Seq
		}
	}
	return highest, nil
}

// InsertResult stores a result once per (command, agent).
func (m *MockStore) InsertResult(ctx context.Context, result *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}

	key := resultKey(result.CommandID, result.AgentID)
	if _, ok := m.results[key]; ok {
		return ErrDuplicateResult
	}
	r := *result
	m.results[key] = &r
	return nil
}

// RecordResult stores the result and applies tr together.
func (m *MockStore) RecordResult(ctx context.Context, result *Result, tr CommandTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	if result.CommandID != tr.CommandID {
		return ErrInvalidTransition
	}

	key := resultKey(result.CommandID, result.AgentID)
	if _, ok := m.results[key]; ok {
		return ErrDuplicateResult
	}
	if err := m.applyTransitionLocked(tr); err != nil {
		return err
	}

	r := *result
	r.Payload = append([]byte(nil), result.Payload...)
	m.results[key] = &r
	m.commitTransitionLocked(tr)
	return nil
}

// GetResult retrieves the result for (command, agent).
func (m *MockStore) GetResult(ctx context.Context, commandID, agentID string) (*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.results[resultKey(commandID, agentID)]
	if !ok {
		return nil, ErrNotFound
	}
	result := *r
	return &result, nil
}

// ListResults returns results matching the filter, oldest first unless
// f.Newest is set.
func (m *MockStore) ListResults(ctx context.Context, f ResultFilter) ([]*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Result
	for _, r := range m.results {
		if f.AgentID != "" && r.AgentID != f.AgentID {
			continue
		}
		if f.GroupID != "" {
			c, ok := m.commands[r.CommandID]
			if !ok || c.GroupID != f.GroupID {
				continue
			}
		}
		cp := *r
		results = append(results, &cp)
	}
	seq := func(r *Result) int64 {
		if c, ok := m.commands[r.CommandID]; ok {
			return c.Seq
		}
		return 0
	}
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if f.Newest {
			a, b = b, a
		}
		if !a.CompletedAt.Equal(b.CompletedAt) {
			return a.CompletedAt.Before(b.CompletedAt)
		}
		return seq(a) < seq(b)
	})

	if limit := normalizeLimit(f.Limit); len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// QueryGroupStatus counts group members by state.
func (m *MockStore) QueryGroupStatus(ctx context.Context, groupID string) (*GroupStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	gs := &GroupStatus{GroupID: groupID}
	for _, c := range m.commands {
		if c.GroupID == groupID {
			gs.Add(c.State, 1)
		}
	}
	if gs.Total == 0 {
		return nil, ErrNotFound
	}
	return gs, nil
}

// CreateOperator stores an operator with a unique name.
func (m *MockStore) CreateOperator(ctx context.Context, op *Operator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}

	if _, ok := m.operators[op.Name]; ok {
		return ErrDuplicateOperator
	}
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	o := *op
	m.operators[o.Name] = &o
	return nil
}

// GetOperatorByName retrieves an operator by name.
func (m *MockStore) GetOperatorByName(ctx context.Context, name string) (*Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.operators[name]
	if !ok {
		return nil, ErrNotFound
	}
	result := *o
	return &result, nil
}

// AppendAuditLog appends an entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}

	if _, err := prepareAuditEntry(e); err != nil {
		return err
	}
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns matching entries newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Actor != nil && e.Actor != *f.Actor {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		if f.TargetType != nil && e.TargetType != *f.TargetType {
			continue
		}
		if f.TargetID != nil && e.TargetID != *f.TargetID {
			continue
		}
		entries = append(entries, e)
		if len(entries) == normalizeLimit(f.Limit) {
			break
		}
	}
	return entries, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
