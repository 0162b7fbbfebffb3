// ABOUTME: Tests for operator creation, login and throttled failures
// ABOUTME: Uses the in-memory store

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dispatch/internal/store"
)

func newAuthenticator(t *testing.T) (*Authenticator, *store.MockStore) {
	t.Helper()
	st := store.NewMockStore()
	a, err := NewAuthenticator(st, newVerifier(t), time.Hour, nil)
	require.NoError(t, err)
	return a, st
}

func TestAuthenticator_LoginFlow(t *testing.T) {
	a, st := newAuthenticator(t)
	ctx := context.Background()

	op, err := a.CreateOperator(ctx, "alice", "correct horse battery", store.System)
	require.NoError(t, err)
	assert.NotEmpty(t, op.ID)

	_, err = a.CreateOperator(ctx, "alice", "another long password", store.System)
	assert.ErrorIs(t, err, store.ErrDuplicateOperator)

	token, expires, err := a.Login(ctx, "alice", "correct horse battery", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))

	claims, err := a.tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, op.ID, claims.Subject)

	entries, err := st.ListAuditLog(ctx, store.AuditFilter{})
	require.NoError(t, err)
	actions := make([]store.AuditAction, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []store.AuditAction{store.AuditCreateOperator, store.AuditLogin}, actions)
}

func TestAuthenticator_BadCredentialsThrottle(t *testing.T) {
	a, _ := newAuthenticator(t)
	ctx := context.Background()

	_, err := a.CreateOperator(ctx, "alice", "correct horse battery", store.System)
	require.NoError(t, err)

	_, _, err = a.Login(ctx, "alice", "wrong password here", "10.0.0.9")
	assert.ErrorIs(t, err, ErrBadCredentials)

	// The same peer must now wait, even with the right password
	_, _, err = a.Login(ctx, "alice", "correct horse battery", "10.0.0.9")
	assert.ErrorIs(t, err, ErrThrottled)
	var te *ThrottledError
	require.ErrorAs(t, err, &te)
	assert.Positive(t, te.RetryAfter)

	// A different peer is not affected
	_, _, err = a.Login(ctx, "alice", "correct horse battery", "10.0.0.10")
	assert.NoError(t, err)

	_, _, err = a.Login(ctx, "nobody", "whatever password", "10.0.0.11")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestAuthenticator_CreateOperatorValidation(t *testing.T) {
	a, _ := newAuthenticator(t)

	_, err := a.CreateOperator(context.Background(), "", "correct horse battery", store.System)
	assert.Error(t, err)
	_, err = a.CreateOperator(context.Background(), "bob", "short", store.System)
	assert.ErrorIs(t, err, ErrWeakPassword)
}
