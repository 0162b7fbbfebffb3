// ABOUTME: Command queue: resolves targets, persists commands and hands them out in priority order
// ABOUTME: Every queued-to-dispatched move is a compare-and-set so each command is delivered once

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/metrics"
	"github.com/2389/coven-dispatch/internal/store"
)

var (
	// ErrNoTargets is returned when a target resolves to no eligible agents.
	ErrNoTargets = errors.New("no eligible target agents")

	// ErrAgentRevoked is returned when enqueueing to a revoked agent.
	ErrAgentRevoked = errors.New("agent is revoked")

	// ErrAgentExpired is returned when enqueueing to an agent whose session
	// lapsed. It must handshake again before it can be targeted.
	ErrAgentExpired = errors.New("agent is expired")

	// ErrGroupExists is returned when a caller-supplied group id is already
	// in use.
	ErrGroupExists = errors.New("group id already in use")

	// ErrPayloadTooLarge is returned for payloads above the configured limit.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrNotInFlight is returned when settling a command the agent does not
	// currently hold.
	ErrNotInFlight = errors.New("command not in flight")
)

const (
	reasonTimeout = "completion timeout"
	reasonRevoked = "session revoked"
	reasonExpired = "liveness timeout"
)

// Config holds queue limits.
type Config struct {
	CompletionTimeout time.Duration
	MaxPayloadBytes   int
}

// DefaultConfig returns the default queue limits.
func DefaultConfig() Config {
	return Config{
		CompletionTimeout: 5 * time.Minute,
		MaxPayloadBytes:   1 << 20,
	}
}

// Target selects the recipients of an enqueue. Exactly one form is used:
// a single AgentID, All active agents, or an explicit set of AgentIDs.
type Target struct {
	AgentID  string
	All      bool
	AgentIDs []string
}

// EnqueueParams describes commands to enqueue.
type EnqueueParams struct {
	Target   Target
	Payload  []byte
	Priority int
	GroupID  string // generated for group targets when empty; must be unused
	IssuedBy string
}

// Assignment is one command created by an enqueue.
type Assignment struct {
	CommandID string
	AgentID   string
}

// EnqueueResult reports what an enqueue created.
type EnqueueResult struct {
	GroupID  string
	Commands []Assignment
	Skipped  []string // requested agents that were not active
}

// Queue holds per-agent outboxes.
type Queue struct {
	store  store.Store
	agents *agent.Registry
	boxes  *agent.Table[outbox]
	seq    atomic.Int64
	groups sync.Mutex // serializes enqueues that name their own group id
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Queue. Call Load before serving to restore persisted commands.
func New(st store.Store, agents *agent.Registry, cfg Config, logger *slog.Logger, now func() time.Time) *Queue {
	def := DefaultConfig()
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = def.CompletionTimeout
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{
		store:  st,
		agents: agents,
		boxes:  agent.NewTable[outbox](),
		cfg:    cfg,
		logger: logger.With("component", "queue"),
		now:    now,
	}
}

func (q *Queue) box(agentID string) *outbox {
	return q.boxes.GetOrCreate(agentID, newOutbox)
}

// resolve turns a target into agent ids. Group targets are matched against
// a single snapshot of active agents.
func (q *Queue) resolve(t Target) (store.TargetKind, []string, []string, error) {
	switch {
	case t.All:
		return store.TargetAll, q.agents.ActiveIDs(), nil, nil

	case len(t.AgentIDs) > 0:
		active := make(map[string]bool)
		for _, id := range q.agents.ActiveIDs() {
			active[id] = true
		}
		seen := make(map[string]bool)
		var ids, skipped []string
		for _, id := range t.AgentIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			if active[id] {
				ids = append(ids, id)
			} else {
				skipped = append(skipped, id)
			}
		}
		return store.TargetSet, ids, skipped, nil

	case t.AgentID != "":
		a, ok := q.agents.Get(t.AgentID)
		if !ok {
			return "", nil, nil, agent.ErrAgentNotFound
		}
		switch a.State {
		case store.AgentRevoked:
			return "", nil, nil, ErrAgentRevoked
		case store.AgentExpired:
			return "", nil, nil, ErrAgentExpired
		}
		return store.TargetAgent, []string{t.AgentID}, nil, nil
	}
	return "", nil, nil, ErrNoTargets
}

// Enqueue creates one command per resolved agent. All commands are stored
// in one transaction before any agent can see them.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*EnqueueResult, error) {
	if len(p.Payload) > q.cfg.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(p.Payload), q.cfg.MaxPayloadBytes)
	}

	kind, ids, skipped, err := q.resolve(p.Target)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNoTargets
	}

	groupID := p.GroupID
	if groupID == "" && kind != store.TargetAgent {
		groupID = uuid.NewString()
	}
	if p.GroupID != "" {
		q.groups.Lock()
		defer q.groups.Unlock()
		existing, err := q.store.ListGroupCommands(ctx, p.GroupID)
		if err != nil {
			return nil, fmt.Errorf("checking group id: %w", err)
		}
		if len(existing) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrGroupExists, p.GroupID)
		}
	}

	now := q.now()
	cmds := make([]*store.Command, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, &store.Command{
			ID:         uuid.NewString(),
			AgentID:    id,
			GroupID:    groupID,
			Target:     kind,
			Payload:    p.Payload,
			Priority:   p.Priority,
			Seq:        q.seq.Add(1),
			State:      store.CommandQueued,
			IssuedBy:   p.IssuedBy,
			EnqueuedAt: now,
		})
	}
	if err := q.store.InsertCommands(ctx, cmds); err != nil {
		return nil, fmt.Errorf("storing commands: %w", err)
	}

	res := &EnqueueResult{GroupID: groupID, Skipped: skipped}
	for _, c := range cmds {
		res.Commands = append(res.Commands, Assignment{CommandID: c.ID, AgentID: c.AgentID})
		q.deliver(ctx, c)
	}
	metrics.Commands.WithLabelValues(string(store.CommandQueued)).Add(float64(len(cmds)))

	target := "command"
	targetID := cmds[0].ID
	if groupID != "" {
		target, targetID = "group", groupID
	}
	q.audit(ctx, p.IssuedBy, target, targetID, map[string]any{
		"target":   string(kind),
		"agents":   len(cmds),
		"skipped":  len(skipped),
		"priority": p.Priority,
	})

	q.logger.Info("commands enqueued",
		"group_id", groupID,
		"target", kind,
		"count", len(cmds),
		"skipped", len(skipped),
		"priority", p.Priority,
		"issued_by", p.IssuedBy,
	)
	return res, nil
}

// deliver pushes a stored command into its agent's outbox. A command for an
// agent revoked or expired since resolution is expired instead.
func (q *Queue) deliver(ctx context.Context, c *store.Command) {
	l, ok := q.agents.Lock(c.AgentID)
	if !ok {
		return
	}
	defer l.Unlock()

	if reason, ended := endReason(l.Agent().State); ended {
		q.expire(ctx, c, store.CommandQueued, reason)
		return
	}
	q.box(c.AgentID).push(c)
}

// DequeueNext hands the agent its highest priority queued command, or nil
// when there is none or the agent is not active.
func (q *Queue) DequeueNext(ctx context.Context, agentID string) (*store.Command, error) {
	l, ok := q.agents.Lock(agentID)
	if !ok {
		return nil, agent.ErrAgentNotFound
	}
	defer l.Unlock()

	now := q.now()
	b := q.box(agentID)
	q.expireOverdueLocked(ctx, b, now)

	if l.Agent().State != store.AgentActive {
		return nil, nil
	}

	for {
		c := b.pop()
		if c == nil {
			return nil, nil
		}
		deadline := now.Add(q.cfg.CompletionTimeout)
		err := q.store.UpdateCommandState(ctx, store.CommandTransition{
			CommandID: c.ID,
			From:      store.CommandQueued,
			To:        store.CommandDispatched,
			At:        now,
			Deadline:  deadline,
		})
		if errors.Is(err, store.ErrStaleTransition) || errors.Is(err, store.ErrNotFound) {
			q.logger.Warn("dropping stale queued command", "command_id", c.ID, "agent_id", agentID, "error", err)
			continue
		}
		if err != nil {
			b.push(c)
			return nil, fmt.Errorf("dispatching command: %w", err)
		}

		c.State = store.CommandDispatched
		c.DispatchedAt = now
		c.Deadline = deadline
		b.inflight[c.ID] = c
		metrics.Commands.WithLabelValues(string(store.CommandDispatched)).Inc()

		q.logger.Debug("command dispatched", "command_id", c.ID, "agent_id", agentID, "priority", c.Priority)
		out := *c
		return &out, nil
	}
}

// Wait returns a channel that is closed once the agent has a queued command.
// It returns nil for an unknown or inactive agent, which would never be
// handed a command.
func (q *Queue) Wait(agentID string) <-chan struct{} {
	l, ok := q.agents.Lock(agentID)
	if !ok {
		return nil
	}
	defer l.Unlock()
	if l.Agent().State != store.AgentActive {
		return nil
	}
	return q.box(agentID).wait()
}

// Settle runs fn for a command the agent holds in flight. The command leaves
// the in-flight set when fn succeeds or finds it already moved on.
func (q *Queue) Settle(ctx context.Context, agentID, commandID string, fn func(c store.Command) error) error {
	l, ok := q.agents.Lock(agentID)
	if !ok {
		return ErrNotInFlight
	}
	defer l.Unlock()

	b := q.box(agentID)
	q.expireOverdueLocked(ctx, b, q.now())

	c, ok := b.inflight[commandID]
	if !ok {
		return ErrNotInFlight
	}
	err := fn(*c)
	if err == nil || errors.Is(err, store.ErrStaleTransition) {
		delete(b.inflight, commandID)
	}
	return err
}

// ExpireOverdue expires the agent's dispatched commands whose deadline has
// passed and returns how many it expired. The queued commands of an agent
// that is revoked or expired are expired as well.
func (q *Queue) ExpireOverdue(ctx context.Context, agentID string) int {
	l, ok := q.agents.Lock(agentID)
	if !ok {
		return 0
	}
	defer l.Unlock()

	b, ok := q.boxes.Get(agentID)
	if !ok {
		return 0
	}
	n := q.expireOverdueLocked(ctx, b, q.now())
	if reason, ended := endReason(l.Agent().State); ended {
		n += q.purgeLocked(ctx, agentID, b, reason)
	}
	return n
}

// endReason reports whether an agent in state s can no longer be handed
// commands, and the reason its queued commands expire with.
func endReason(s store.AgentState) (string, bool) {
	switch s {
	case store.AgentRevoked:
		return reasonRevoked, true
	case store.AgentExpired:
		return reasonExpired, true
	}
	return "", false
}

func (q *Queue) expireOverdueLocked(ctx context.Context, b *outbox, now time.Time) int {
	n := 0
	for id, c := range b.inflight {
		if now.Before(c.Deadline) {
			continue
		}
		err := q.expire(ctx, c, store.CommandDispatched, reasonTimeout)
		if err == nil || errors.Is(err, store.ErrStaleTransition) || errors.Is(err, store.ErrNotFound) {
			delete(b.inflight, id)
		}
		if err == nil {
			n++
		}
	}
	return n
}

// Sweep expires overdue commands for every agent, one agent at a time,
// along with anything still queued for agents that are no longer live.
func (q *Queue) Sweep(ctx context.Context) int {
	n := 0
	for _, id := range q.boxes.Keys() {
		if ctx.Err() != nil {
			break
		}
		n += q.ExpireOverdue(ctx, id)
	}
	return n
}

// Purge expires every queued command of an agent. Commands already in
// flight are left to complete or time out.
func (q *Queue) Purge(ctx context.Context, agentID, reason string) int {
	if reason == "" {
		reason = reasonRevoked
	}
	l, ok := q.agents.Lock(agentID)
	if !ok {
		return 0
	}
	defer l.Unlock()

	b, ok := q.boxes.Get(agentID)
	if !ok {
		return 0
	}
	return q.purgeLocked(ctx, agentID, b, reason)
}

func (q *Queue) purgeLocked(ctx context.Context, agentID string, b *outbox, reason string) int {
	n := 0
	var keep []*store.Command
	for c := b.pop(); c != nil; c = b.pop() {
		err := q.expire(ctx, c, store.CommandQueued, reason)
		switch {
		case err == nil:
			n++
		case errors.Is(err, store.ErrStaleTransition), errors.Is(err, store.ErrNotFound):
		default:
			keep = append(keep, c)
		}
	}
	for _, c := range keep {
		b.push(c)
	}
	if n > 0 {
		q.logger.Info("queued commands purged", "agent_id", agentID, "count", n, "reason", reason)
	}
	return n
}

// expire moves c from `from` to expired in the store.
func (q *Queue) expire(ctx context.Context, c *store.Command, from store.CommandState, reason string) error {
	now := q.now()
	err := q.store.UpdateCommandState(ctx, store.CommandTransition{
		CommandID: c.ID,
		From:      from,
		To:        store.CommandExpired,
		At:        now,
		Reason:    reason,
	})
	if err != nil {
		q.logger.Warn("failed to expire command", "command_id", c.ID, "agent_id", c.AgentID, "error", err)
		return err
	}
	c.State = store.CommandExpired
	c.FinishedAt = now
	c.Reason = reason
	metrics.Commands.WithLabelValues(string(store.CommandExpired)).Inc()
	q.logger.Info("command expired", "command_id", c.ID, "agent_id", c.AgentID, "reason", reason)
	return nil
}

// Load restores outboxes and in-flight sets from the store. The agent
// registry must already be loaded.
func (q *Queue) Load(ctx context.Context) error {
	maxSeq, err := q.store.MaxCommandSeq(ctx)
	if err != nil {
		return fmt.Errorf("reading command sequence: %w", err)
	}
	q.seq.Store(maxSeq)

	queued, dispatched := 0, 0
	for _, id := range q.agents.IDs() {
		cmds, err := q.store.QueryCommandsByAgentAndState(ctx, id, store.CommandQueued, store.CommandDispatched)
		if err != nil {
			return fmt.Errorf("loading commands for %s: %w", id, err)
		}
		if len(cmds) == 0 {
			continue
		}
		l, ok := q.agents.Lock(id)
		if !ok {
			continue
		}
		b := q.box(id)
		for _, c := range cmds {
			switch c.State {
			case store.CommandQueued:
				b.push(c)
				queued++
			case store.CommandDispatched:
				b.inflight[c.ID] = c
				dispatched++
			}
		}
		l.Unlock()
	}
	q.logger.Info("queue loaded", "queued", queued, "in_flight", dispatched, "seq", maxSeq)
	return nil
}

// Pending returns the number of queued and in-flight commands for an agent.
func (q *Queue) Pending(agentID string) (queued, inFlight int) {
	l, ok := q.agents.Lock(agentID)
	if !ok {
		return 0, 0
	}
	defer l.Unlock()

	b, ok := q.boxes.Get(agentID)
	if !ok {
		return 0, 0
	}
	return len(b.pending), len(b.inflight)
}

func (q *Queue) audit(ctx context.Context, actor, targetType, targetID string, detail map[string]any) {
	if actor == "" {
		actor = store.System
	}
	err := q.store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      actor,
		Action:     store.AuditEnqueue,
		TargetType: targetType,
		TargetID:   targetID,
		Timestamp:  q.now().UTC(),
		Detail:     detail,
	})
	if err != nil {
		q.logger.Warn("failed to append audit entry", "target", targetID, "error", err)
	}
}
