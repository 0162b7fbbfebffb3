// ABOUTME: Session manager: opens, validates, rotates, revokes and expires agent sessions
// ABOUTME: Keeps plaintext keys in memory under per-agent locks and persists every state change

package session

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/metrics"
	"github.com/2389/coven-dispatch/internal/protocol"
	"github.com/2389/coven-dispatch/internal/replay"
	"github.com/2389/coven-dispatch/internal/store"
)

// ErrNotActive is returned when an operation needs an active session and the
// agent has none.
var ErrNotActive = errors.New("agent has no active session")

// Failure reasons recorded in logs and the auth failure metric. Callers only
// ever see protocol.ErrUnauthorized.
const (
	reasonMalformed    = "malformed"
	reasonUnknownAgent = "unknown_agent"
	reasonNotLive      = "not_live"
	reasonNoSession    = "no_session"
	reasonIdle         = "idle_timeout"
	reasonClockSkew    = "clock_skew"
	reasonBadSignature = "bad_signature"
	reasonReplay       = "replay"
)

// Config holds session timing and at-rest protection settings.
type Config struct {
	RotationInterval time.Duration
	RotationGrace    time.Duration
	LivenessTimeout  time.Duration
	MaxClockSkew     time.Duration
	// StorageKey seals session keys before they reach the store. Optional;
	// must be protocol.SessionKeySize bytes when set.
	StorageKey []byte
}

// DefaultConfig returns the default session timings.
func DefaultConfig() Config {
	return Config{
		RotationInterval: time.Hour,
		RotationGrace:    2 * time.Minute,
		LivenessTimeout:  10 * time.Minute,
		MaxClockSkew:     2 * time.Minute,
	}
}

// Params configures a Manager.
type Params struct {
	Store  store.Store
	Agents *agent.Registry
	Replay *replay.Cache
	Config Config
	Logger *slog.Logger
	Now    func() time.Time
}

// previousKey is a superseded key still accepted until its grace ends.
type previousKey struct {
	sessionID string
	key       []byte
	keys      protocol.SessionKeys
	rotation  int
	until     time.Time
}

// keyState is the in-memory key material for one agent. It is only touched
// while the agent's registry lock is held.
type keyState struct {
	session   *store.Session // Key holds the plaintext session key
	keys      protocol.SessionKeys
	publicKey *rsa.PublicKey
	prev      *previousKey
	offer     *protocol.RotationOffer // set until the agent proves the new key
}

// Manager owns agent sessions.
type Manager struct {
	store  store.Store
	agents *agent.Registry
	replay *replay.Cache
	cfg    Config
	state  *agent.Table[keyState]
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Manager.
func New(p Params) (*Manager, error) {
	if p.Store == nil || p.Agents == nil || p.Replay == nil {
		return nil, errors.New("session manager requires a store, registry and replay cache")
	}
	if n := len(p.Config.StorageKey); n != 0 && n != protocol.SessionKeySize {
		return nil, fmt.Errorf("storage key must be %d bytes, got %d", protocol.SessionKeySize, n)
	}

	cfg := p.Config
	def := DefaultConfig()
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = def.RotationInterval
	}
	if cfg.RotationGrace < 0 {
		cfg.RotationGrace = 0
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = def.MaxClockSkew
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		store:  p.Store,
		agents: p.Agents,
		replay: p.Replay,
		cfg:    cfg,
		state:  agent.NewTable[keyState](),
		logger: logger.With("component", "session"),
		now:    now,
	}
	if len(cfg.StorageKey) == 0 {
		m.logger.Warn("no storage key configured, session keys are stored unsealed")
	}
	return m, nil
}

// OpenParams describes a completed key exchange.
type OpenParams struct {
	AgentID      string
	PublicKey    *rsa.PublicKey
	PublicKeyPEM string
	Fingerprint  string
	Platform     string
	Version      string
	Key          []byte // plaintext session key
}

// Open records a new pending session for an agent, superseding any live one.
// The returned record has no key material.
func (m *Manager) Open(ctx context.Context, p OpenParams) (*store.Session, error) {
	if p.AgentID == "" || p.PublicKey == nil || p.Fingerprint == "" {
		return nil, fmt.Errorf("%w: incomplete handshake", protocol.ErrBadHandshake)
	}
	keys, err := protocol.DeriveKeys(p.Key)
	if err != nil {
		return nil, fmt.Errorf("deriving session keys: %w", err)
	}

	now := m.now()
	l := m.agents.LockOrCreate(p.AgentID)
	defer l.Unlock()

	existing := l.Agent()
	if existing != nil && existing.Fingerprint != p.Fingerprint {
		m.logger.Warn("handshake key does not match pinned key",
			"agent_id", p.AgentID,
			"pinned", existing.Fingerprint,
			"presented", p.Fingerprint,
		)
		return nil, fmt.Errorf("%w: key does not match the key registered for this agent", protocol.ErrBadHandshake)
	}

	ks := m.state.GetOrCreate(p.AgentID, func() *keyState { return &keyState{} })

	var superseded *store.Session
	if ks.session != nil && ks.session.State.Live() {
		old := *ks.session
		old.State = store.SessionRotated
		old.EndedAt = now
		old.EndReason = "superseded by handshake"
		superseded = &old
	}

	sess := &store.Session{
		ID:        uuid.NewString(),
		AgentID:   p.AgentID,
		Key:       append([]byte(nil), p.Key...),
		State:     store.SessionPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.RotationInterval),
	}

	next := store.Agent{
		ID:          p.AgentID,
		Platform:    p.Platform,
		Version:     p.Version,
		PublicKey:   p.PublicKeyPEM,
		Fingerprint: p.Fingerprint,
		State:       store.AgentPendingAuth,
		SessionID:   sess.ID,
		CreatedAt:   now,
		LastSeen:    now,
	}
	if existing != nil {
		next.CreatedAt = existing.CreatedAt
		next.State = existing.State
		if err := agent.Transition(&next, store.AgentPendingAuth); err != nil {
			return nil, err
		}
	}

	if err := m.changeSession(ctx, superseded, &next, sess); err != nil {
		if existing == nil {
			m.state.Delete(p.AgentID)
		}
		return nil, err
	}

	l.Set(&next)
	*ks = keyState{
		session:   sess,
		keys:      keys,
		publicKey: p.PublicKey,
	}

	m.audit(ctx, p.AgentID, store.AuditHandshake, "agent", p.AgentID, map[string]any{
		"session_id":  sess.ID,
		"fingerprint": p.Fingerprint,
		"platform":    p.Platform,
		"version":     p.Version,
	})
	m.logger.Info("session opened",
		"agent_id", p.AgentID,
		"session_id", sess.ID,
		"returning", existing != nil,
	)

	out := *sess
	out.Key = nil
	return &out, nil
}

// AuthRequest is the authentication material of one agent request.
type AuthRequest struct {
	AgentID   string
	Method    string
	Path      string
	Timestamp int64
	Nonce     string
	Signature string
	Body      []byte
}

// Grant is the outcome of a successful validation.
type Grant struct {
	AgentID   string
	SessionID string
	// Key is the session key that verified the request; responses are
	// sealed with Keys.Payload so the agent can read them.
	Key      []byte
	Keys     protocol.SessionKeys
	Rotation int
	// Offer is a pending key rotation the agent has not yet taken up.
	Offer *protocol.RotationOffer
}

// Validate authenticates an agent request. Authentication failures of every
// kind return protocol.ErrUnauthorized; other errors are persistence errors.
func (m *Manager) Validate(ctx context.Context, req AuthRequest) (*Grant, error) {
	grant, reason, err := m.validate(ctx, req)
	if reason != "" {
		m.logger.Debug("request rejected", "agent_id", req.AgentID, "reason", reason)
		metrics.AuthFailures.WithLabelValues(reason).Inc()
		return nil, protocol.ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	return grant, nil
}

func (m *Manager) validate(ctx context.Context, req AuthRequest) (*Grant, string, error) {
	if req.AgentID == "" || req.Nonce == "" || req.Signature == "" {
		return nil, reasonMalformed, nil
	}

	l, ok := m.agents.Lock(req.AgentID)
	if !ok {
		return nil, reasonUnknownAgent, nil
	}
	defer l.Unlock()

	a := l.Agent()
	if !a.State.Live() {
		return nil, reasonNotLive, nil
	}
	ks, ok := m.state.Get(req.AgentID)
	if !ok || ks.session == nil || !ks.session.State.Live() {
		return nil, reasonNoSession, nil
	}

	now := m.now()
	if m.idle(a, now) {
		if err := m.expireLocked(ctx, l, ks, now); err != nil {
			m.logger.Warn("failed to expire idle agent", "agent_id", a.ID, "error", err)
		}
		return nil, reasonIdle, nil
	}

	skew := now.Sub(time.Unix(req.Timestamp, 0))
	if skew > m.cfg.MaxClockSkew || skew < -m.cfg.MaxClockSkew {
		return nil, reasonClockSkew, nil
	}

	if ks.prev != nil && !now.Before(ks.prev.until) {
		ks.prev = nil
	}

	canonical := protocol.CanonicalRequest(req.Method, req.Path, req.Timestamp, req.Nonce, req.Body)
	grant := &Grant{AgentID: a.ID}
	current := false
	switch {
	case protocol.Verify(ks.keys.MAC, canonical, req.Signature):
		current = true
		grant.SessionID = ks.session.ID
		grant.Key = ks.session.Key
		grant.Keys = ks.keys
		grant.Rotation = ks.session.Rotation
	case ks.prev != nil && protocol.Verify(ks.prev.keys.MAC, canonical, req.Signature):
		grant.SessionID = ks.prev.sessionID
		grant.Key = ks.prev.key
		grant.Keys = ks.prev.keys
		grant.Rotation = ks.prev.rotation
	default:
		return nil, reasonBadSignature, nil
	}

	if m.replay.Seen(replay.Key(a.ID, req.Nonce)) {
		return nil, reasonReplay, nil
	}

	if current && ks.session.State == store.SessionPending {
		activated := *ks.session
		activated.State = store.SessionActive
		activated.ActivatedAt = now
		if err := m.saveSession(ctx, &activated); err != nil {
			return nil, "", err
		}
		ks.session = &activated
		ks.offer = nil
	}

	next := *a
	next.LastSeen = now
	if current && next.State == store.AgentPendingAuth {
		if err := agent.Transition(&next, store.AgentActive); err != nil {
			return nil, "", err
		}
		if err := m.store.UpsertAgent(ctx, &next); err != nil {
			return nil, "", fmt.Errorf("activating agent: %w", err)
		}
		m.logger.Info("agent authenticated", "agent_id", a.ID, "session_id", ks.session.ID)
	} else if err := m.store.UpsertAgent(ctx, &next); err != nil {
		m.logger.Warn("failed to record last seen", "agent_id", a.ID, "error", err)
	}
	l.Set(&next)

	if current && ks.offer == nil && ks.session.State == store.SessionActive && !now.Before(ks.session.ExpiresAt) {
		if _, err := m.rotateLocked(ctx, l, ks, now, store.System); err != nil {
			m.logger.Warn("scheduled rotation failed", "agent_id", a.ID, "error", err)
		}
	}

	if ks.offer != nil {
		offer := *ks.offer
		grant.Offer = &offer
	}
	return grant, "", nil
}

// Rotate issues a new session key to an active agent without a handshake.
// The returned record has no key material.
func (m *Manager) Rotate(ctx context.Context, agentID, actor string) (*store.Session, error) {
	l, ok := m.agents.Lock(agentID)
	if !ok {
		return nil, agent.ErrAgentNotFound
	}
	defer l.Unlock()

	if l.Agent().State != store.AgentActive {
		return nil, ErrNotActive
	}
	ks, ok := m.state.Get(agentID)
	if !ok || ks.session == nil || !ks.session.State.Live() {
		return nil, ErrNotActive
	}
	return m.rotateLocked(ctx, l, ks, m.now(), actor)
}

func (m *Manager) rotateLocked(ctx context.Context, l *agent.Locked, ks *keyState, now time.Time, actor string) (*store.Session, error) {
	if ks.publicKey == nil {
		return nil, fmt.Errorf("agent %s: no public key to wrap a new session key", l.ID())
	}
	key, err := protocol.NewSessionKey()
	if err != nil {
		return nil, err
	}
	keys, err := protocol.DeriveKeys(key)
	if err != nil {
		return nil, err
	}
	wrapped, err := protocol.WrapSessionKey(ks.publicKey, key)
	if err != nil {
		return nil, fmt.Errorf("wrapping session key: %w", err)
	}

	old := *ks.session
	old.State = store.SessionRotated
	old.EndedAt = now
	old.EndReason = "rotated"

	sess := &store.Session{
		ID:        uuid.NewString(),
		AgentID:   l.ID(),
		Key:       key,
		State:     store.SessionPending,
		Rotation:  old.Rotation + 1,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.RotationInterval),
	}

	next := *l.Agent()
	next.SessionID = sess.ID
	if err := m.changeSession(ctx, &old, &next, sess); err != nil {
		return nil, err
	}
	l.Set(&next)

	// An unproven offer is replaced outright; the key the agent actually
	// holds is still the previous one.
	until := now.Add(m.cfg.RotationGrace)
	if ks.offer == nil {
		ks.prev = &previousKey{
			sessionID: old.ID,
			key:       old.Key,
			keys:      ks.keys,
			rotation:  old.Rotation,
			until:     until,
		}
	} else if ks.prev != nil {
		ks.prev.until = until
	}
	ks.session = sess
	ks.keys = keys
	ks.offer = &protocol.RotationOffer{
		SessionID:    sess.ID,
		EncryptedKey: wrapped,
		Rotation:     sess.Rotation,
	}

	metrics.Rotations.Inc()
	m.audit(ctx, actor, store.AuditRotateSession, "session", sess.ID, map[string]any{
		"agent_id":    l.ID(),
		"previous":    old.ID,
		"rotation":    sess.Rotation,
		"grace_until": until,
	})
	m.logger.Info("session rotated",
		"agent_id", l.ID(),
		"session_id", sess.ID,
		"rotation", sess.Rotation,
		"actor", actor,
	)

	out := *sess
	out.Key = nil
	return &out, nil
}

// Revoke ends an agent's session. Every later request from the agent fails
// until it completes a fresh handshake. Revoking a revoked or expired agent
// is a no-op.
func (m *Manager) Revoke(ctx context.Context, agentID, actor string) error {
	l, ok := m.agents.Lock(agentID)
	if !ok {
		return agent.ErrAgentNotFound
	}
	defer l.Unlock()

	a := l.Agent()
	if !a.State.Live() {
		return nil
	}

	now := m.now()
	var ended *store.Session
	if ks, ok := m.state.Get(agentID); ok && ks.session != nil && ks.session.State.Live() {
		e := *ks.session
		e.State = store.SessionRevoked
		e.EndedAt = now
		e.EndReason = "revoked by " + actor
		ended = &e
	}

	next := *a
	if err := agent.Transition(&next, store.AgentRevoked); err != nil {
		return err
	}
	if err := m.changeSession(ctx, ended, &next, nil); err != nil {
		return err
	}
	l.Set(&next)
	m.state.Delete(agentID)

	m.audit(ctx, actor, store.AuditRevokeAgent, "agent", agentID, map[string]any{"session_id": a.SessionID})
	m.logger.Info("agent revoked", "agent_id", agentID, "actor", actor)
	return nil
}

// ExpireIdle expires every live agent that has been silent for longer than
// the liveness timeout. It returns the ids of the agents it expired.
func (m *Manager) ExpireIdle(ctx context.Context) []string {
	var expired []string
	for _, id := range m.agents.IDs() {
		if ctx.Err() != nil {
			break
		}
		l, ok := m.agents.Lock(id)
		if !ok {
			continue
		}
		now := m.now()
		a := l.Agent()
		if a.State.Live() && m.idle(a, now) {
			ks, _ := m.state.Get(id)
			if err := m.expireLocked(ctx, l, ks, now); err != nil {
				m.logger.Warn("failed to expire idle agent", "agent_id", id, "error", err)
			} else {
				expired = append(expired, id)
			}
		} else if ks, ok := m.state.Get(id); ok && ks.prev != nil && !now.Before(ks.prev.until) {
			ks.prev = nil
		}
		l.Unlock()
	}
	return expired
}

func (m *Manager) idle(a *store.Agent, now time.Time) bool {
	return m.cfg.LivenessTimeout > 0 && !a.LastSeen.IsZero() && now.Sub(a.LastSeen) > m.cfg.LivenessTimeout
}

// expireLocked marks the agent and its session expired. ks may be nil.
func (m *Manager) expireLocked(ctx context.Context, l *agent.Locked, ks *keyState, now time.Time) error {
	a := l.Agent()
	var ended *store.Session
	if ks != nil && ks.session != nil && ks.session.State.Live() {
		e := *ks.session
		e.State = store.SessionExpired
		e.EndedAt = now
		e.EndReason = "liveness timeout"
		ended = &e
	}

	next := *a
	if err := agent.Transition(&next, store.AgentExpired); err != nil {
		return err
	}
	if err := m.changeSession(ctx, ended, &next, nil); err != nil {
		return err
	}
	l.Set(&next)
	m.state.Delete(a.ID)

	m.audit(ctx, store.System, store.AuditExpireSession, "agent", a.ID, map[string]any{
		"session_id": a.SessionID,
		"last_seen":  a.LastSeen,
	})
	m.logger.Info("agent expired", "agent_id", a.ID, "last_seen", a.LastSeen)
	return nil
}

// Load rebuilds agents and live sessions from the store. Keys retained for a
// rotation grace window are not persisted, so an agent that had not yet
// taken up a rotation offer before a restart must handshake again.
func (m *Manager) Load(ctx context.Context) error {
	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	m.agents.Load(agents)

	sessions, err := m.store.ListLiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	loaded := 0
	for _, s := range sessions {
		if m.loadSession(s) {
			loaded++
		}
	}
	m.logger.Info("sessions loaded", "count", loaded)
	return nil
}

func (m *Manager) loadSession(s *store.Session) bool {
	l, ok := m.agents.Lock(s.AgentID)
	if !ok {
		m.logger.Warn("live session for unknown agent", "session_id", s.ID, "agent_id", s.AgentID)
		return false
	}
	defer l.Unlock()

	a := l.Agent()
	if !a.State.Live() || a.SessionID != s.ID {
		m.logger.Debug("skipping superseded session", "session_id", s.ID, "agent_id", s.AgentID)
		return false
	}

	key, err := m.unseal(s)
	if err != nil {
		m.logger.Error("cannot unseal session key", "session_id", s.ID, "error", err)
		return false
	}
	keys, err := protocol.DeriveKeys(key)
	if err != nil {
		m.logger.Error("invalid session key", "session_id", s.ID, "error", err)
		return false
	}
	pub, err := protocol.ParsePublicKey(a.PublicKey)
	if err != nil {
		m.logger.Error("invalid stored public key", "agent_id", a.ID, "error", err)
		return false
	}

	sess := *s
	sess.Key = key
	ks := &keyState{session: &sess, keys: keys, publicKey: pub}
	if sess.State == store.SessionPending && sess.Rotation > 0 {
		wrapped, err := protocol.WrapSessionKey(pub, key)
		if err != nil {
			m.logger.Error("cannot rewrap rotation offer", "session_id", s.ID, "error", err)
			return false
		}
		ks.offer = &protocol.RotationOffer{SessionID: sess.ID, EncryptedKey: wrapped, Rotation: sess.Rotation}
	}
	*m.state.GetOrCreate(a.ID, func() *keyState { return &keyState{} }) = *ks
	return true
}

// saveSession persists s, sealing its key when a storage key is configured.
func (m *Manager) saveSession(ctx context.Context, s *store.Session) error {
	rec, err := m.sealed(s)
	if err != nil {
		return err
	}
	if err := m.store.UpsertSession(ctx, rec); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// changeSession persists an agent's session handover in one store write.
// The in-memory state must only change once it returns nil.
func (m *Manager) changeSession(ctx context.Context, ended *store.Session, a *store.Agent, next *store.Session) error {
	ch := store.SessionChange{Agent: a}
	if ended != nil {
		e := *ended
		e.Key = nil
		ch.Ended = &e
	}
	if next != nil {
		rec, err := m.sealed(next)
		if err != nil {
			return err
		}
		ch.Next = rec
	}
	if err := m.store.ChangeSession(ctx, ch); err != nil {
		return fmt.Errorf("saving session change: %w", err)
	}
	return nil
}

// sealed returns a copy of s ready for the store, its key sealed when a
// storage key is configured.
func (m *Manager) sealed(s *store.Session) (*store.Session, error) {
	rec := *s
	if len(m.cfg.StorageKey) > 0 {
		key, err := protocol.Seal(m.cfg.StorageKey, s.Key, []byte(s.ID))
		if err != nil {
			return nil, fmt.Errorf("sealing session key: %w", err)
		}
		rec.Key = key
	}
	return &rec, nil
}

func (m *Manager) unseal(s *store.Session) ([]byte, error) {
	if len(m.cfg.StorageKey) == 0 {
		return s.Key, nil
	}
	if len(s.Key) == protocol.SessionKeySize {
		m.logger.Warn("session key stored unsealed", "session_id", s.ID)
		return s.Key, nil
	}
	return protocol.Open(m.cfg.StorageKey, s.Key, []byte(s.ID))
}

func (m *Manager) audit(ctx context.Context, actor string, action store.AuditAction, targetType, targetID string, detail map[string]any) {
	err := m.store.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Timestamp:  m.now().UTC(),
		Detail:     detail,
	})
	if err != nil {
		m.logger.Warn("failed to append audit entry", "action", action, "target", targetID, "error", err)
	}
}

// Session returns a copy of the agent's current session without key
// material.
func (m *Manager) Session(agentID string) (store.Session, bool) {
	l, ok := m.agents.Lock(agentID)
	if !ok {
		return store.Session{}, false
	}
	defer l.Unlock()

	ks, ok := m.state.Get(agentID)
	if !ok || ks.session == nil {
		return store.Session{}, false
	}
	out := *ks.session
	out.Key = nil
	return out, true
}
