// ABOUTME: Store decorator that retries idempotent reads with bounded exponential backoff
// ABOUTME: Write failures outside the domain sentinels surface as protocol.ErrPersistenceUnavailable

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-dispatch/internal/protocol"
)

// RetryPolicy bounds read retries.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  time.Second,
	}
}

// delay returns the wait before retry number attempt (0-based).
func (p RetryPolicy) delay(attempt int) time.Duration {
	if attempt > 30 {
		return p.MaxDelay
	}
	d := time.Duration(1<<uint(attempt)) * p.BaseDelay
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return d
}

// Retrying wraps a Store. Reads that fail with anything other than a domain
// sentinel are retried; writes are never retried since a failed write may
// still have committed.
type Retrying struct {
	inner  Store
	policy RetryPolicy
	logger *slog.Logger
}

// NewRetrying wraps inner with policy.
func NewRetrying(inner Store, policy RetryPolicy, logger *slog.Logger) *Retrying {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{
		inner:  inner,
		policy: policy,
		logger: logger.With("component", "store.retry"),
	}
}

// permanent reports errors that retrying cannot change.
func permanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrStaleTransition) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDuplicateResult) ||
		errors.Is(err, ErrDuplicateOperator) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func retryRead[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	var zero T
	var err error
	for attempt := 0; attempt < r.policy.Attempts; attempt++ {
		var v T
		v, err = fn()
		if err == nil || permanent(err) {
			return v, err
		}
		if attempt == r.policy.Attempts-1 {
			break
		}

		delay := r.policy.delay(attempt)
		r.logger.Warn("store read failed, retrying",
			"op", op,
			"attempt", attempt+1,
			"max_attempts", r.policy.Attempts,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, fmt.Errorf("%w: %s: %v", protocol.ErrPersistenceUnavailable, op, err)
}

// write maps a failed write onto the persistence error kind.
func (r *Retrying) write(op string, err error) error {
	if err == nil || permanent(err) {
		return err
	}
	r.logger.Error("store write failed", "op", op, "error", err)
	return fmt.Errorf("%w: %s: %v", protocol.ErrPersistenceUnavailable, op, err)
}

func (r *Retrying) UpsertAgent(ctx context.Context, agent *Agent) error {
	return r.write("upsert agent", r.inner.UpsertAgent(ctx, agent))
}

func (r *Retrying) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return retryRead(ctx, r, "get agent", func() (*Agent, error) { return r.inner.GetAgent(ctx, id) })
}

func (r *Retrying) ListAgents(ctx context.Context) ([]*Agent, error) {
	return retryRead(ctx, r, "list agents", func() ([]*Agent, error) { return r.inner.ListAgents(ctx) })
}

func (r *Retrying) UpsertSession(ctx context.Context, session *Session) error {
	return r.write("upsert session", r.inner.UpsertSession(ctx, session))
}

func (r *Retrying) ChangeSession(ctx context.Context, ch SessionChange) error {
	return r.write("change session", r.inner.ChangeSession(ctx, ch))
}

func (r *Retrying) GetSession(ctx context.Context, id string) (*Session, error) {
	return retryRead(ctx, r, "get session", func() (*Session, error) { return r.inner.GetSession(ctx, id) })
}

func (r *Retrying) ListLiveSessions(ctx context.Context) ([]*Session, error) {
	return retryRead(ctx, r, "list live sessions", func() ([]*Session, error) { return r.inner.ListLiveSessions(ctx) })
}

func (r *Retrying) InsertCommands(ctx context.Context, cmds []*Command) error {
	return r.write("insert commands", r.inner.InsertCommands(ctx, cmds))
}

func (r *Retrying) UpdateCommandState(ctx context.Context, tr CommandTransition) error {
	return r.write("update command state", r.inner.UpdateCommandState(ctx, tr))
}

func (r *Retrying) GetCommand(ctx context.Context, id string) (*Command, error) {
	return retryRead(ctx, r, "get command", func() (*Command, error) { return r.inner.GetCommand(ctx, id) })
}

func (r *Retrying) QueryCommandsByAgentAndState(ctx context.Context, agentID string, states ...CommandState) ([]*Command, error) {
	return retryRead(ctx, r, "query commands", func() ([]*Command, error) {
		return r.inner.QueryCommandsByAgentAndState(ctx, agentID, states...)
	})
}

func (r *Retrying) ListGroupCommands(ctx context.Context, groupID string) ([]*Command, error) {
	return retryRead(ctx, r, "list group commands", func() ([]*Command, error) { return r.inner.ListGroupCommands(ctx, groupID) })
}

func (r *Retrying) MaxCommandSeq(ctx context.Context) (int64, error) {
	return retryRead(ctx, r, "max command seq", func() (int64, error) { return r.inner.MaxCommandSeq(ctx) })
}

func (r *Retrying) InsertResult(ctx context.Context, result *Result) error {
	return r.write("insert result", r.inner.InsertResult(ctx, result))
}

func (r *Retrying) RecordResult(ctx context.Context, result *Result, tr CommandTransition) error {
	return r.write("record result", r.inner.RecordResult(ctx, result, tr))
}

func (r *Retrying) GetResult(ctx context.Context, commandID, agentID string) (*Result, error) {
	return retryRead(ctx, r, "get result", func() (*Result, error) { return r.inner.GetResult(ctx, commandID, agentID) })
}

func (r *Retrying) ListResults(ctx context.Context, f ResultFilter) ([]*Result, error) {
	return retryRead(ctx, r, "list results", func() ([]*Result, error) { return r.inner.ListResults(ctx, f) })
}

func (r *Retrying) QueryGroupStatus(ctx context.Context, groupID string) (*GroupStatus, error) {
	return retryRead(ctx, r, "query group status", func() (*GroupStatus, error) { return r.inner.QueryGroupStatus(ctx, groupID) })
}

func (r *Retrying) CreateOperator(ctx context.Context, op *Operator) error {
	return r.write("create operator", r.inner.CreateOperator(ctx, op))
}

func (r *Retrying) GetOperatorByName(ctx context.Context, name string) (*Operator, error) {
	return retryRead(ctx, r, "get operator", func() (*Operator, error) { return r.inner.GetOperatorByName(ctx, name) })
}

func (r *Retrying) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	return r.write("append audit log", r.inner.AppendAuditLog(ctx, e))
}

func (r *Retrying) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	return retryRead(ctx, r, "list audit log", func() ([]AuditEntry, error) { return r.inner.ListAuditLog(ctx, f) })
}

func (r *Retrying) Ping(ctx context.Context) error {
	_, err := retryRead(ctx, r, "ping", func() (struct{}, error) { return struct{}{}, r.inner.Ping(ctx) })
	return err
}

func (r *Retrying) Close() error {
	return r.inner.Close()
}

var _ Store = (*Retrying)(nil)
