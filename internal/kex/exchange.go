// ABOUTME: Key exchange: validates an agent's public key and issues an RSA-wrapped session key
// ABOUTME: Hands the plaintext key to the session manager and never logs or retains it

package kex

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-dispatch/internal/metrics"
	"github.com/2389/coven-dispatch/internal/protocol"
	"github.com/2389/coven-dispatch/internal/session"
	"github.com/2389/coven-dispatch/internal/store"
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

const maxFieldLen = 128

// SessionOpener records a new session for a completed exchange.
type SessionOpener interface {
	Open(ctx context.Context, p session.OpenParams) (*store.Session, error)
}

// Exchanger performs handshakes.
type Exchanger struct {
	sessions SessionOpener
	logger   *slog.Logger
}

// New creates an Exchanger.
func New(sessions SessionOpener, logger *slog.Logger) *Exchanger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchanger{
		sessions: sessions,
		logger:   logger.With("component", "kex"),
	}
}

// HandshakeParams is what an agent presents to start a session.
type HandshakeParams struct {
	AgentID   string // empty to have one assigned
	PublicKey string
	Platform  string
	Version   string
	Remote    string // for logging only
}

// HandshakeResult is returned to the agent.
type HandshakeResult struct {
	AgentID      string
	SessionID    string
	EncryptedKey []byte
	Rotation     int
	ExpiresAt    time.Time
}

// BeginHandshake validates the agent's key, generates a session key, wraps it
// under that key and opens a pending session. Nothing is recorded unless
// every check passes.
func (e *Exchanger) BeginHandshake(ctx context.Context, p HandshakeParams) (*HandshakeResult, error) {
	agentID := p.AgentID
	if agentID == "" {
		agentID = uuid.NewString()
	} else if !agentIDPattern.MatchString(agentID) {
		return nil, fmt.Errorf("%w: invalid agent id", protocol.ErrBadHandshake)
	}
	if len(p.Platform) > maxFieldLen || len(p.Version) > maxFieldLen {
		return nil, fmt.Errorf("%w: platform or version too long", protocol.ErrBadHandshake)
	}

	pub, err := protocol.ParsePublicKey(p.PublicKey)
	if err != nil {
		e.logger.Debug("handshake rejected", "agent_id", agentID, "remote", p.Remote, "error", err)
		return nil, fmt.Errorf("%w: %v", protocol.ErrBadHandshake, err)
	}
	pemText, fingerprint, err := protocol.MarshalPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrBadHandshake, err)
	}

	key, err := protocol.NewSessionKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := protocol.WrapSessionKey(pub, key)
	if err != nil {
		return nil, fmt.Errorf("wrapping session key: %w", err)
	}

	sess, err := e.sessions.Open(ctx, session.OpenParams{
		AgentID:      agentID,
		PublicKey:    pub,
		PublicKeyPEM: pemText,
		Fingerprint:  fingerprint,
		Platform:     strings.TrimSpace(p.Platform),
		Version:      strings.TrimSpace(p.Version),
		Key:          key,
	})
	if err != nil {
		return nil, err
	}

	metrics.Handshakes.Inc()
	e.logger.Info("handshake completed",
		"agent_id", agentID,
		"session_id", sess.ID,
		"fingerprint", fingerprint[:16],
		"remote", p.Remote,
	)

	return &HandshakeResult{
		AgentID:      agentID,
		SessionID:    sess.ID,
		EncryptedKey: wrapped,
		Rotation:     sess.Rotation,
		ExpiresAt:    sess.ExpiresAt,
	}, nil
}
