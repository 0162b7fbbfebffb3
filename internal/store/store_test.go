// ABOUTME: Behavioural tests run against both SQLiteStore and MockStore
// ABOUTME: Covers agent/session upserts, command CAS transitions, results and group counts

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dispatch/internal/protocol"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedAgent(t *testing.T, s Store, id string) *Agent {
	t.Helper()
	a := &Agent{
		ID:          id,
		Platform:    "linux",
		Version:     "1.0",
		PublicKey:   "-----BEGIN PUBLIC KEY-----\n...\n-----END PUBLIC KEY-----\n",
		Fingerprint: "fp-" + id,
		State:       AgentActive,
		CreatedAt:   testNow,
		LastSeen:    testNow,
	}
	require.NoError(t, s.UpsertAgent(context.Background(), a))
	return a
}

func newCommand(id, agentID string, priority int, seq int64) *Command {
	return &Command{
		ID:         id,
		AgentID:    agentID,
		Target:     TargetAgent,
		Payload:    []byte("payload-" + id),
		Priority:   priority,
		Seq:        seq,
		State:      CommandQueued,
		IssuedBy:   "alice",
		EnqueuedAt: testNow,
	}
}

func TestAgentUpsert(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := seedAgent(t, s, "agent-1")

		got, err := s.GetAgent(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, AgentActive, got.State)
		assert.True(t, got.LastSeen.Equal(testNow))
		assert.Empty(t, got.SessionID)

		a.State = AgentRevoked
		a.SessionID = "sess-1"
		a.LastSeen = testNow.Add(time.Minute)
		a.CreatedAt = testNow.Add(time.Hour)
		require.NoError(t, s.UpsertAgent(ctx, a))

		got, err = s.GetAgent(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, AgentRevoked, got.State)
		assert.Equal(t, "sess-1", got.SessionID)
		assert.True(t, got.CreatedAt.Equal(testNow), "created_at is immutable")

		_, err = s.GetAgent(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		seedAgent(t, s, "agent-0")
		agents, err := s.ListAgents(ctx)
		require.NoError(t, err)
		require.Len(t, agents, 2)
		assert.Equal(t, "agent-0", agents[0].ID)
	})
}

func TestSessionUpsert(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "agent-1")

		sess := &Session{
			ID:        "sess-1",
			AgentID:   "agent-1",
			Key:       []byte("0123456789abcdef0123456789abcdef"),
			State:     SessionPending,
			CreatedAt: testNow,
			ExpiresAt: testNow.Add(time.Hour),
		}
		require.NoError(t, s.UpsertSession(ctx, sess))

		live, err := s.ListLiveSessions(ctx)
		require.NoError(t, err)
		require.Len(t, live, 1)
		assert.Equal(t, sess.Key, live[0].Key)
		assert.True(t, live[0].ActivatedAt.IsZero())

		sess.State = SessionRotated
		sess.EndedAt = testNow.Add(time.Minute)
		sess.EndReason = "rotated"
		sess.Key = []byte("ignored")
		require.NoError(t, s.UpsertSession(ctx, sess))

		got, err := s.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, SessionRotated, got.State)
		assert.Equal(t, "rotated", got.EndReason)
		assert.Equal(t, []byte("0123456789abcdef0123456789abcdef"), got.Key, "key is immutable")

		live, err = s.ListLiveSessions(ctx)
		require.NoError(t, err)
		assert.Empty(t, live)
	})
}

func TestChangeSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := seedAgent(t, s, "agent-1")
		newSession := func(id string) *Session {
			return &Session{
				ID:        id,
				AgentID:   "agent-1",
				Key:       []byte("key-" + id),
				State:     SessionPending,
				CreatedAt: testNow,
				ExpiresAt: testNow.Add(time.Hour),
			}
		}
		require.NoError(t, s.UpsertSession(ctx, newSession("sess-1")))

		ended := newSession("sess-1")
		ended.State = SessionRotated
		ended.EndedAt = testNow.Add(time.Minute)
		ended.EndReason = "rotated"
		next := *a
		next.SessionID = "sess-1"

		// A failing insert rolls back the whole change
		err := s.ChangeSession(ctx, SessionChange{Ended: ended, Agent: &next, Next: newSession("sess-1")})
		require.Error(t, err)
		got, err := s.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, SessionPending, got.State)
		agent, err := s.GetAgent(ctx, "agent-1")
		require.NoError(t, err)
		assert.Empty(t, agent.SessionID)

		next.SessionID = "sess-2"
		require.NoError(t, s.ChangeSession(ctx, SessionChange{Ended: ended, Agent: &next, Next: newSession("sess-2")}))
		live, err := s.ListLiveSessions(ctx)
		require.NoError(t, err)
		require.Len(t, live, 1)
		assert.Equal(t, "sess-2", live[0].ID)
		assert.Equal(t, []byte("key-sess-2"), live[0].Key)
		got, err = s.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, SessionRotated, got.State)
		assert.Equal(t, "rotated", got.EndReason)
		agent, err = s.GetAgent(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, "sess-2", agent.SessionID)

		// Ending a session that already left the live set changes nothing
		next.SessionID = "sess-3"
		err = s.ChangeSession(ctx, SessionChange{Ended: ended, Agent: &next, Next: newSession("sess-3")})
		assert.ErrorIs(t, err, ErrStaleTransition)
		_, err = s.GetSession(ctx, "sess-3")
		assert.ErrorIs(t, err, ErrNotFound)

		revoked := newSession("sess-2")
		revoked.State = SessionRevoked
		revoked.EndedAt = testNow.Add(2 * time.Minute)
		final := *a
		final.SessionID = "sess-2"
		final.State = AgentRevoked
		require.NoError(t, s.ChangeSession(ctx, SessionChange{Ended: revoked, Agent: &final}))
		live, err = s.ListLiveSessions(ctx)
		require.NoError(t, err)
		assert.Empty(t, live)
		agent, err = s.GetAgent(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, AgentRevoked, agent.State)
	})
}

func TestCommandOrdering(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "agent-1")
		seedAgent(t, s, "agent-2")

		require.NoError(t, s.InsertCommands(ctx, []*Command{
			newCommand("a", "agent-1", 5, 1),
			newCommand("b", "agent-1", 1, 2),
			newCommand("c", "agent-1", 5, 3),
			newCommand("d", "agent-2", 9, 4),
		}))

		cmds, err := s.QueryCommandsByAgentAndState(ctx, "agent-1", CommandQueued)
		require.NoError(t, err)
		var ids []string
		for _, c := range cmds {
			ids = append(ids, c.ID)
		}
		assert.Equal(t, []string{"a", "c", "b"}, ids)

		all, err := s.QueryCommandsByAgentAndState(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 4)
		assert.Equal(t, "d", all[0].ID)

		seq, err := s.MaxCommandSeq(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), seq)
	})
}

func TestInsertCommandsIsAtomic(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "agent-1")

		err := s.InsertCommands(ctx, []*Command{
			newCommand("a", "agent-1", 0, 1),
			newCommand("b", "no-such-agent", 0, 2),
		})
		require.Error(t, err)

		_, err = s.GetCommand(ctx, "a")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdateCommandState(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "agent-1")
		require.NoError(t, s.InsertCommands(ctx, []*Command{newCommand("a", "agent-1", 0, 1)}))

		deadline := testNow.Add(5 * time.Minute)
		require.NoError(t, s.UpdateCommandState(ctx, CommandTransition{
			CommandID: "a", From: CommandQueued, To: CommandDispatched, At: testNow, Deadline: deadline,
		}))

		c, err := s.GetCommand(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, CommandDispatched, c.State)
		assert.True(t, c.Deadline.Equal(deadline))
		assert.True(t, c.DispatchedAt.Equal(testNow))

		err = s.UpdateCommandState(ctx, CommandTransition{CommandID: "a", From: CommandQueued, To: CommandDispatched, At: testNow})
		assert.ErrorIs(t, err, ErrStaleTransition)

		err = s.UpdateCommandState(ctx, CommandTransition{CommandID: "a", From: CommandDispatched, To: CommandQueued, At: testNow})
		assert.ErrorIs(t, err, ErrInvalidTransition)

		err = s.UpdateCommandState(ctx, CommandTransition{CommandID: "zz", From: CommandQueued, To: CommandDispatched, At: testNow})
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.UpdateCommandState(ctx, CommandTransition{
			CommandID: "a", From: CommandDispatched, To: CommandExpired, At: deadline, Reason: "completion timeout",
		}))
		c, err = s.GetCommand(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, CommandExpired, c.State)
		assert.Equal(t, "completion timeout", c.Reason)
		assert.True(t, c.FinishedAt.Equal(deadline))
	})
}

func TestUpdateCommandStateRace(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "agent-1")
		require.NoError(t, s.InsertCommands(ctx, []*Command{newCommand("a", "agent-1", 0, 1)}))

		var wins, stale atomic.Int32
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.UpdateCommandState(ctx, CommandTransition{
					CommandID: "a", From: CommandQueued, To: CommandDispatched, At: testNow, Deadline: testNow.Add(time.Minute),
				})
				switch {
				case err == nil:
					wins.Add(1)
				case err == ErrStaleTransition:
					stale.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(7), stale.Load())
	})
}

func TestRecordResult(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "agent-1")
		cmd := newCommand("a", "agent-1", 0, 1)
		cmd.GroupID = "g1"
		require.NoError(t, s.InsertCommands(ctx, []*Command{cmd}))
		require.NoError(t, s.UpdateCommandState(ctx, CommandTransition{
			CommandID: "a", From: CommandQueued, To: CommandDispatched, At: testNow, Deadline: testNow.Add(time.Minute),
		}))

		res := &Result{
			CommandID:   "a",
			AgentID:     "agent-1",
			Status:      protocol.StatusSuccess,
			Payload:     []byte("done"),
			CompletedAt: testNow.Add(time.Second),
		}
		tr := CommandTransition{CommandID: "a", From: CommandDispatched, To: CommandCompleted, At: res.CompletedAt}
		require.NoError(t, s.RecordResult(ctx, res, tr))

		got, err := s.GetResult(ctx, "a", "agent-1")
		require.NoError(t, err)
		assert.Equal(t, []byte("done"), got.Payload)
		assert.Equal(t, protocol.StatusSuccess, got.Status)

		c, err := s.GetCommand(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, CommandCompleted, c.State)

		err = s.RecordResult(ctx, res, tr)
		assert.ErrorIs(t, err, ErrDuplicateResult)
		err = s.InsertResult(ctx, res)
		assert.ErrorIs(t, err, ErrDuplicateResult)

		results, err := s.ListResults(ctx, ResultFilter{GroupID: "g1"})
		require.NoError(t, err)
		assert.Len(t, results, 1)
		results, err = s.ListResults(ctx, ResultFilter{GroupID: "other"})
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestRecordResultRollsBackOnStaleCommand(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "agent-1")
		require.NoError(t, s.InsertCommands(ctx, []*Command{newCommand("a", "agent-1", 0, 1)}))

		res := &Result{CommandID: "a", AgentID: "agent-1", Status: protocol.StatusError, ErrorCode: 2, CompletedAt: testNow}
		err := s.RecordResult(ctx, res, CommandTransition{CommandID: "a", From: CommandDispatched, To: CommandFailed, At: testNow})
		assert.ErrorIs(t, err, ErrStaleTransition)

		_, err = s.GetResult(ctx, "a", "agent-1")
		assert.ErrorIs(t, err, ErrNotFound, "result insert must roll back with the transition")
	})
}

func TestListResultsNewestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "agent-1")

		const total = 1005
		cmds := make([]*Command, total)
		for i := range total {
			cmds[i] = newCommand(fmt.Sprintf("c%04d", i), "agent-1", 0, int64(i+1))
		}
		require.NoError(t, s.InsertCommands(ctx, cmds))
		for i, c := range cmds {
			require.NoError(t, s.InsertResult(ctx, &Result{
				CommandID:   c.ID,
				AgentID:     "agent-1",
				Status:      protocol.StatusSuccess,
				Payload:     []byte(c.ID),
				CompletedAt: testNow.Add(time.Duration(i) * time.Second),
			}))
		}

		latest, err := s.ListResults(ctx, ResultFilter{AgentID: "agent-1", Limit: 3, Newest: true})
		require.NoError(t, err)
		require.Len(t, latest, 3)
		assert.Equal(t, "c1004", latest[0].CommandID)
		assert.Equal(t, "c1003", latest[1].CommandID)
		assert.Equal(t, "c1002", latest[2].CommandID)

		oldest, err := s.ListResults(ctx, ResultFilter{AgentID: "agent-1", Limit: 2})
		require.NoError(t, err)
		require.Len(t, oldest, 2)
		assert.Equal(t, "c0000", oldest[0].CommandID)
	})
}

func TestQueryGroupStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var cmds []*Command
		for i := range 4 {
			id := fmt.Sprintf("agent-%d", i)
			seedAgent(t, s, id)
			c := newCommand("c"+id, id, 0, int64(i+1))
			c.GroupID = "g1"
			c.Target = TargetAll
			cmds = append(cmds, c)
		}
		require.NoError(t, s.InsertCommands(ctx, cmds))

		require.NoError(t, s.UpdateCommandState(ctx, CommandTransition{CommandID: "cagent-0", From: CommandQueued, To: CommandDispatched, At: testNow}))
		require.NoError(t, s.UpdateCommandState(ctx, CommandTransition{CommandID: "cagent-0", From: CommandDispatched, To: CommandCompleted, At: testNow}))
		require.NoError(t, s.UpdateCommandState(ctx, CommandTransition{CommandID: "cagent-1", From: CommandQueued, To: CommandExpired, At: testNow}))
		require.NoError(t, s.UpdateCommandState(ctx, CommandTransition{CommandID: "cagent-2", From: CommandQueued, To: CommandDispatched, At: testNow}))

		gs, err := s.QueryGroupStatus(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, 4, gs.Total)
		assert.Equal(t, 2, gs.Pending)
		assert.Equal(t, 1, gs.Completed)
		assert.Equal(t, 1, gs.Expired)
		assert.False(t, gs.Concluded())

		members, err := s.ListGroupCommands(ctx, "g1")
		require.NoError(t, err)
		assert.Len(t, members, 4)

		_, err = s.QueryGroupStatus(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestOperators(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		op := &Operator{Name: "alice", PasswordHash: "$2a$10$hash"}
		require.NoError(t, s.CreateOperator(ctx, op))
		assert.NotEmpty(t, op.ID)

		got, err := s.GetOperatorByName(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, op.ID, got.ID)

		err = s.CreateOperator(ctx, &Operator{Name: "alice", PasswordHash: "x"})
		assert.ErrorIs(t, err, ErrDuplicateOperator)

		_, err = s.GetOperatorByName(ctx, "bob")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAuditLog(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{
			Actor: "alice", Action: AuditEnqueue, TargetType: "group", TargetID: "g1",
			Timestamp: testNow, Detail: map[string]any{"agents": float64(3)},
		}))
		require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{
			Actor: System, Action: AuditExpireSession, TargetType: "agent", TargetID: "agent-1",
			Timestamp: testNow.Add(time.Second),
		}))

		entries, err := s.ListAuditLog(ctx, AuditFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, AuditExpireSession, entries[0].Action, "newest first")
		assert.Equal(t, float64(3), entries[1].Detail["agents"])

		action := AuditEnqueue
		entries, err = s.ListAuditLog(ctx, AuditFilter{Action: &action})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "alice", entries[0].Actor)
	})
}
