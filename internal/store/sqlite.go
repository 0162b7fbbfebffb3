// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Schema creation, migrations, and agent/session persistence

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. The path ":memory:" opens a
// private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: SQLite serializes writers anyway, and an in-memory
	// database only exists on the connection that created it.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id    TEXT PRIMARY KEY,
			platform    TEXT NOT NULL DEFAULT '',
			version     TEXT NOT NULL DEFAULT '',
			public_key  TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			state       TEXT NOT NULL,
			session_id  TEXT,
			created_at  TEXT NOT NULL,
			last_seen   TEXT,

			CHECK (state IN ('pending_auth', 'active', 'revoked', 'expired'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_state ON agents(state);

		CREATE TABLE IF NOT EXISTS sessions (
			session_id   TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL REFERENCES agents(agent_id),
			key          BLOB NOT NULL,
			state        TEXT NOT NULL,
			rotation     INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			expires_at   TEXT NOT NULL,
			activated_at TEXT,
			ended_at     TEXT,
			end_reason   TEXT,

			CHECK (state IN ('pending', 'active', 'rotated', 'revoked', 'expired'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);

		CREATE TABLE IF NOT EXISTS commands (
			command_id    TEXT PRIMARY KEY,
			agent_id      TEXT NOT NULL REFERENCES agents(agent_id),
			group_id      TEXT,
			target        TEXT NOT NULL,
			payload       BLOB,
			priority      INTEGER NOT NULL DEFAULT 0,
			seq           INTEGER NOT NULL,
			state         TEXT NOT NULL,
			issued_by     TEXT,
			enqueued_at   TEXT NOT NULL,
			dispatched_at TEXT,
			deadline      TEXT,
			finished_at   TEXT,
			reason        TEXT,

			CHECK (target IN ('agent', 'all', 'set')),
			CHECK (state IN ('queued', 'dispatched', 'completed', 'failed', 'expired'))
		);

		CREATE INDEX IF NOT EXISTS idx_commands_agent_state ON commands(agent_id, state);
		CREATE INDEX IF NOT EXISTS idx_commands_group ON commands(group_id);
		CREATE INDEX IF NOT EXISTS idx_commands_seq ON commands(seq);

		CREATE TABLE IF NOT EXISTS results (
			command_id   TEXT NOT NULL REFERENCES commands(command_id),
			agent_id     TEXT NOT NULL,
			status       TEXT NOT NULL,
			error_code   INTEGER NOT NULL DEFAULT 0,
			payload      BLOB,
			completed_at TEXT NOT NULL,

			PRIMARY KEY (command_id, agent_id),
			CHECK (status IN ('success', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_results_agent ON results(agent_id);

		CREATE TABLE IF NOT EXISTS operators (
			operator_id   TEXT PRIMARY KEY,
			name          TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			created_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT,

			CHECK (action IN (
				'handshake',
				'rotate_session',
				'revoke_agent',
				'expire_session',
				'enqueue',
				'create_operator',
				'login'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "agents",
			column: "version",
			apply:  `ALTER TABLE agents ADD COLUMN version TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "sessions",
			column: "end_reason",
			apply:  `ALTER TABLE sessions ADD COLUMN end_reason TEXT`,
		},
		{
			table:  "commands",
			column: "reason",
			apply:  `ALTER TABLE commands ADD COLUMN reason TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY constraint failed")
}

// nullString returns nil for empty strings so they are stored as NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// timeFormat is RFC3339 with fixed-width nanoseconds so stored timestamps
// sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders t for storage; the zero time is stored as NULL.
func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

// parseTime reverses formatTime.
func parseTime(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v.String)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

const agentColumns = `agent_id, platform, version, public_key, fingerprint, state, session_id, created_at, last_seen`

// UpsertAgent creates the agent or replaces every mutable column.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, a *Agent) error {
	return upsertAgent(ctx, s.db, a)
}

func upsertAgent(ctx context.Context, q execQueryer, a *Agent) error {
	query := `
		INSERT INTO agents (` + agentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			platform = excluded.platform,
			version = excluded.version,
			public_key = excluded.public_key,
			fingerprint = excluded.fingerprint,
			state = excluded.state,
			session_id = excluded.session_id,
			last_seen = excluded.last_seen
	`

	_, err := q.ExecContext(ctx, query,
		a.ID,
		a.Platform,
		a.Version,
		a.PublicKey,
		a.Fingerprint,
		string(a.State),
		nullString(a.SessionID),
		formatTime(a.CreatedAt),
		formatTime(a.LastSeen),
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}
	return nil
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var state string
	var sessionID, createdAt, lastSeen sql.NullString

	if err := row.Scan(
		&a.ID,
		&a.Platform,
		&a.Version,
		&a.PublicKey,
		&a.Fingerprint,
		&state,
		&sessionID,
		&createdAt,
		&lastSeen,
	); err != nil {
		return nil, err
	}

	a.State = AgentState(state)
	a.SessionID = sessionID.String

	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	return &a, nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return a, nil
}

// ListAgents returns every known agent ordered by ID.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

const sessionColumns = `session_id, agent_id, key, state, rotation, created_at, expires_at, activated_at, ended_at, end_reason`

// UpsertSession creates the session or updates its state columns. The key and
// creation time of an existing session never change.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state = excluded.state,
			expires_at = excluded.expires_at,
			activated_at = excluded.activated_at,
			ended_at = excluded.ended_at,
			end_reason = excluded.end_reason
	`

	_, err := s.db.ExecContext(ctx, query, sessionArgs(sess)...)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

func sessionArgs(sess *Session) []any {
	return []any{
		sess.ID,
		sess.AgentID,
		sess.Key,
		string(sess.State),
		sess.Rotation,
		formatTime(sess.CreatedAt),
		formatTime(sess.ExpiresAt),
		formatTime(sess.ActivatedAt),
		formatTime(sess.EndedAt),
		nullString(sess.EndReason),
	}
}

// ChangeSession ends ch.Ended, saves ch.Agent and inserts ch.Next in one
// transaction.
func (s *SQLiteStore) ChangeSession(ctx context.Context, ch SessionChange) error {
	if ch.Agent == nil {
		return errors.New("session change requires an agent")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if e := ch.Ended; e != nil {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET state = ?, ended_at = ?, end_reason = ?
			WHERE session_id = ? AND state IN ('pending', 'active')
		`, string(e.State), formatTime(e.EndedAt), nullString(e.EndReason), e.ID)
		if err != nil {
			return fmt.Errorf("ending session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking ended session: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("session %s is not live: %w", e.ID, ErrStaleTransition)
		}
	}

	if err := upsertAgent(ctx, tx, ch.Agent); err != nil {
		return err
	}

	if ch.Next != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sessionArgs(ch.Next)...)
		if err != nil {
			return fmt.Errorf("inserting session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing session change: %w", err)
	}
	return nil
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var state string
	var createdAt, expiresAt, activatedAt, endedAt, endReason sql.NullString

	if err := row.Scan(
		&sess.ID,
		&sess.AgentID,
		&sess.Key,
		&state,
		&sess.Rotation,
		&createdAt,
		&expiresAt,
		&activatedAt,
		&endedAt,
		&endReason,
	); err != nil {
		return nil, err
	}

	sess.State = SessionState(state)
	sess.EndReason = endReason.String

	var err error
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if sess.ActivatedAt, err = parseTime(activatedAt); err != nil {
		return nil, fmt.Errorf("parsing activated_at: %w", err)
	}
	if sess.EndedAt, err = parseTime(endedAt); err != nil {
		return nil, fmt.Errorf("parsing ended_at: %w", err)
	}
	return &sess, nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// ListLiveSessions returns every pending or active session.
func (s *SQLiteStore) ListLiveSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE state IN ('pending', 'active')
		ORDER BY agent_id, rotation
	`)
	if err != nil {
		return nil, fmt.Errorf("querying live sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}
