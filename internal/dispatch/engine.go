// ABOUTME: Dispatch and result engine tying sessions, the command queue and the store together
// ABOUTME: Accepts results exactly once, answers group and agent queries, and runs the expiry sweeper

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/metrics"
	"github.com/2389/coven-dispatch/internal/protocol"
	"github.com/2389/coven-dispatch/internal/queue"
	"github.com/2389/coven-dispatch/internal/session"
	"github.com/2389/coven-dispatch/internal/store"
)

// ErrInvalidResult is returned for a result report with an unknown status.
var ErrInvalidResult = errors.New("invalid result status")

// AllAgents selects every agent in Snapshot.
const AllAgents = "all"

// Params configures an Engine.
type Params struct {
	Store    store.Store
	Agents   *agent.Registry
	Sessions *session.Manager
	Queue    *queue.Queue
	Logger   *slog.Logger
	Now      func() time.Time
}

// Engine is the server's dispatch core.
type Engine struct {
	store    store.Store
	agents   *agent.Registry
	sessions *session.Manager
	queue    *queue.Queue
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Engine.
func New(p Params) *Engine {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:    p.Store,
		agents:   p.Agents,
		sessions: p.Sessions,
		queue:    p.Queue,
		logger:   logger.With("component", "dispatch"),
		now:      now,
	}
}

// Load restores sessions and queues from the store.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.sessions.Load(ctx); err != nil {
		return err
	}
	return e.queue.Load(ctx)
}

// Enqueue queues commands for the given target.
func (e *Engine) Enqueue(ctx context.Context, p queue.EnqueueParams) (*queue.EnqueueResult, error) {
	return e.queue.Enqueue(ctx, p)
}

// Poll returns the agent's next command, waiting up to wait for one to be
// queued. A nil command means there was nothing to do.
func (e *Engine) Poll(ctx context.Context, agentID string, wait time.Duration) (*store.Command, error) {
	deadline := e.now().Add(wait)
	for {
		cmd, err := e.queue.DequeueNext(ctx, agentID)
		if err != nil || cmd != nil {
			return cmd, err
		}

		remaining := deadline.Sub(e.now())
		if remaining <= 0 {
			return nil, nil
		}
		ready := e.queue.Wait(agentID)
		if ready == nil {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ready:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// ResultParams is a result report from an agent.
type ResultParams struct {
	AgentID   string
	CommandID string
	Status    protocol.ResultStatus
	ErrorCode int
	Payload   []byte
}

// Ack acknowledges a result report.
type Ack struct {
	Accepted  bool
	Duplicate bool // a result was already recorded; the report changed nothing
}

// ReportResult records the outcome of a command the agent holds. A repeat
// report for a command that already has a result is acknowledged as a
// duplicate. Reports for commands the agent never held, or that expired,
// fail with protocol.ErrUnknownOrStaleCommand.
func (e *Engine) ReportResult(ctx context.Context, p ResultParams) (*Ack, error) {
	if !p.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResult, p.Status)
	}

	final := store.CommandCompleted
	if p.Status == protocol.StatusError {
		final = store.CommandFailed
	}
	now := e.now()
	result := &store.Result{
		CommandID:   p.CommandID,
		AgentID:     p.AgentID,
		Status:      p.Status,
		ErrorCode:   p.ErrorCode,
		Payload:     p.Payload,
		CompletedAt: now,
	}

	err := e.queue.Settle(ctx, p.AgentID, p.CommandID, func(c store.Command) error {
		return e.store.RecordResult(ctx, result, store.CommandTransition{
			CommandID: c.ID,
			From:      store.CommandDispatched,
			To:        final,
			At:        now,
		})
	})
	switch {
	case err == nil:
		metrics.Commands.WithLabelValues(string(final)).Inc()
		e.logger.Info("result recorded",
			"command_id", p.CommandID,
			"agent_id", p.AgentID,
			"status", p.Status,
			"error_code", p.ErrorCode,
		)
		return &Ack{Accepted: true}, nil

	case errors.Is(err, queue.ErrNotInFlight),
		errors.Is(err, store.ErrStaleTransition),
		errors.Is(err, store.ErrDuplicateResult):
		return e.duplicate(ctx, p)

	default:
		return nil, err
	}
}

func (e *Engine) duplicate(ctx context.Context, p ResultParams) (*Ack, error) {
	existing, err := e.store.GetResult(ctx, p.CommandID, p.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Debug("result for unknown or stale command", "command_id", p.CommandID, "agent_id", p.AgentID)
		return nil, protocol.ErrUnknownOrStaleCommand
	}
	if err != nil {
		return nil, err
	}

	metrics.DuplicateResults.Inc()
	e.logger.Info("duplicate result ignored",
		"command_id", p.CommandID,
		"agent_id", p.AgentID,
		"recorded_status", existing.Status,
		"reported_status", p.Status,
	)
	return &Ack{Accepted: true, Duplicate: true}, nil
}

// GroupStatus aggregates a group's commands after expiring any that are
// overdue or held for agents that are no longer live.
func (e *Engine) GroupStatus(ctx context.Context, groupID string) (*store.GroupStatus, error) {
	cmds, err := e.store.ListGroupCommands(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(cmds) == 0 {
		return nil, store.ErrNotFound
	}

	seen := make(map[string]bool)
	for _, c := range cmds {
		if c.State.Terminal() || seen[c.AgentID] {
			continue
		}
		seen[c.AgentID] = true
		e.queue.ExpireOverdue(ctx, c.AgentID)
	}
	return e.store.QueryGroupStatus(ctx, groupID)
}

// CommandResult is a command together with its result, if any.
type CommandResult struct {
	Command *store.Command
	Result  *store.Result // nil until the agent reports
}

// Result returns a command and its canonical result.
func (e *Engine) Result(ctx context.Context, commandID string) (*CommandResult, error) {
	cmd, err := e.store.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	res, err := e.store.GetResult(ctx, commandID, cmd.AgentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return &CommandResult{Command: cmd, Result: res}, nil
}

// AgentSnapshot is an operator's view of one agent.
type AgentSnapshot struct {
	Agent    store.Agent
	Session  *store.Session // nil without a live session; never carries key material
	Queued   []*store.Command
	InFlight []*store.Command
	Results  []*store.Result // most recent first
}

const snapshotResults = 20

// Snapshot returns the state of one agent, or of every agent for AllAgents.
func (e *Engine) Snapshot(ctx context.Context, agentID string) ([]AgentSnapshot, error) {
	var agents []store.Agent
	if agentID == AllAgents {
		agents = e.agents.List()
	} else {
		a, ok := e.agents.Get(agentID)
		if !ok {
			return nil, agent.ErrAgentNotFound
		}
		agents = []store.Agent{a}
	}

	snaps := make([]AgentSnapshot, 0, len(agents))
	for _, a := range agents {
		snap := AgentSnapshot{Agent: a}
		if s, ok := e.sessions.Session(a.ID); ok && s.State.Live() {
			snap.Session = &s
		}

		cmds, err := e.store.QueryCommandsByAgentAndState(ctx, a.ID, store.CommandQueued, store.CommandDispatched)
		if err != nil {
			return nil, err
		}
		for _, c := range cmds {
			if c.State == store.CommandQueued {
				snap.Queued = append(snap.Queued, c)
			} else {
				snap.InFlight = append(snap.InFlight, c)
			}
		}

		snap.Results, err = e.store.ListResults(ctx, store.ResultFilter{AgentID: a.ID, Limit: snapshotResults, Newest: true})
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// Rotate issues a new session key to an agent.
func (e *Engine) Rotate(ctx context.Context, agentID, actor string) (*store.Session, error) {
	return e.sessions.Rotate(ctx, agentID, actor)
}

// Revoke ends an agent's session and expires its queued commands. It returns
// how many queued commands were expired.
func (e *Engine) Revoke(ctx context.Context, agentID, actor string) (int, error) {
	if err := e.sessions.Revoke(ctx, agentID, actor); err != nil {
		return 0, err
	}
	return e.queue.Purge(ctx, agentID, "session revoked"), nil
}

// Sweep expires idle agents together with their queued commands, then
// overdue commands, once.
func (e *Engine) Sweep(ctx context.Context) (commands, agents int) {
	expired := e.sessions.ExpireIdle(ctx)
	for _, id := range expired {
		commands += e.queue.Purge(ctx, id, "liveness timeout")
	}
	return commands + e.queue.Sweep(ctx), len(expired)
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			commands, agents := e.Sweep(ctx)
			if commands > 0 || agents > 0 {
				e.logger.Info("sweep expired work", "commands", commands, "agents", agents)
			}
		}
	}
}
