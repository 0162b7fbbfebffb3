// ABOUTME: Operator login and creation backed by the store's operators table
// ABOUTME: Issues JWTs on success and throttles repeated failures per peer

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-dispatch/internal/store"
)

var (
	// ErrBadCredentials is returned for an unknown name or wrong password.
	ErrBadCredentials = errors.New("invalid operator name or password")

	// ErrThrottled is returned while a peer is backing off after failures.
	ErrThrottled = errors.New("too many failed logins")
)

// OperatorStore is the slice of the store the Authenticator needs.
type OperatorStore interface {
	CreateOperator(ctx context.Context, op *store.Operator) error
	GetOperatorByName(ctx context.Context, name string) (*store.Operator, error)
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// ThrottledError carries the time a peer must wait.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("%v: retry after %s", ErrThrottled, e.RetryAfter.Round(time.Second))
}

func (e *ThrottledError) Unwrap() error { return ErrThrottled }

// Authenticator verifies operator passwords and issues tokens.
type Authenticator struct {
	store     OperatorStore
	tokens    *JWTVerifier
	throttle  *Throttle
	ttl       time.Duration
	dummyHash string
	logger    *slog.Logger
}

// NewAuthenticator creates an Authenticator issuing tokens valid for ttl.
func NewAuthenticator(st OperatorStore, tokens *JWTVerifier, ttl time.Duration, logger *slog.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	// Compared against for unknown names so both paths cost one bcrypt check.
	dummy, err := HashPassword("coven-dispatch-placeholder")
	if err != nil {
		return nil, err
	}
	return &Authenticator{
		store:     st,
		tokens:    tokens,
		throttle:  NewThrottle(),
		ttl:       ttl,
		dummyHash: dummy,
		logger:    logger.With("component", "auth"),
	}, nil
}

// Login checks name and password and returns a signed token.
func (a *Authenticator) Login(ctx context.Context, name, password, peer string) (string, time.Time, error) {
	if wait := a.throttle.RetryAfter(peer); wait > 0 {
		a.logger.Warn("login throttled", "peer", peer, "retry_after", wait)
		return "", time.Time{}, &ThrottledError{RetryAfter: wait}
	}

	op, err := a.store.GetOperatorByName(ctx, name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", time.Time{}, fmt.Errorf("looking up operator: %w", err)
	}
	hash := a.dummyHash
	if op != nil {
		hash = op.PasswordHash
	}
	if !CheckPassword(hash, password) || op == nil {
		a.throttle.Failure(peer)
		a.logger.Warn("login failed", "name", name, "peer", peer)
		return "", time.Time{}, ErrBadCredentials
	}
	a.throttle.Success(peer)

	token, expires, err := a.IssueToken(op)
	if err != nil {
		return "", time.Time{}, err
	}

	a.audit(ctx, op.Name, store.AuditLogin, op.ID, map[string]any{"peer": peer})
	a.logger.Info("operator logged in", "name", op.Name, "peer", peer)
	return token, expires, nil
}

// IssueToken signs a token for op without checking a password.
func (a *Authenticator) IssueToken(op *store.Operator) (string, time.Time, error) {
	return a.tokens.Generate(op.ID, op.Name, a.ttl)
}

// CreateOperator stores a new operator with a hashed password.
func (a *Authenticator) CreateOperator(ctx context.Context, name, password, actor string) (*store.Operator, error) {
	if name == "" {
		return nil, errors.New("operator name is required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	op := &store.Operator{Name: name, PasswordHash: hash}
	if err := a.store.CreateOperator(ctx, op); err != nil {
		return nil, err
	}

	a.audit(ctx, actor, store.AuditCreateOperator, op.ID, map[string]any{"name": name})
	a.logger.Info("operator created", "name", name, "actor", actor)
	return op, nil
}

// Prune drops stale throttle records.
func (a *Authenticator) Prune() {
	a.throttle.Prune()
}

func (a *Authenticator) audit(ctx context.Context, actor string, action store.AuditAction, operatorID string, detail map[string]any) {
	err := a.store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      actor,
		Action:     action,
		TargetType: "operator",
		TargetID:   operatorID,
		Detail:     detail,
	})
	if err != nil {
		a.logger.Warn("failed to append audit entry", "action", action, "error", err)
	}
}
