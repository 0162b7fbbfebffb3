// ABOUTME: SQLite persistence for commands, results and group aggregation
// ABOUTME: Command state changes are compare-and-set; result recording is transactional

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/coven-dispatch/internal/protocol"
)

// execQueryer is satisfied by *sql.DB and *sql.Tx
type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const commandColumns = `command_id, agent_id, group_id, target, payload, priority, seq, state, issued_by,
	enqueued_at, dispatched_at, deadline, finished_at, reason`

// InsertCommands stores all commands in one transaction. Either every command
// is stored or none is.
func (s *SQLiteStore) InsertCommands(ctx context.Context, cmds []*Command) error {
	if len(cmds) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO commands (`+commandColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, c := range cmds {
		_, err := stmt.ExecContext(ctx,
			c.ID,
			c.AgentID,
			nullString(c.GroupID),
			string(c.Target),
			c.Payload,
			c.Priority,
			c.Seq,
			string(c.State),
			nullString(c.IssuedBy),
			formatTime(c.EnqueuedAt),
			formatTime(c.DispatchedAt),
			formatTime(c.Deadline),
			formatTime(c.FinishedAt),
			nullString(c.Reason),
		)
		if err != nil {
			return fmt.Errorf("inserting command %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing commands: %w", err)
	}

	s.logger.Debug("inserted commands", "count", len(cmds))
	return nil
}

// applyTransition runs the compare-and-set update for tr on q.
func applyTransition(ctx context.Context, q execQueryer, tr CommandTransition) error {
	if err := checkTransition(tr); err != nil {
		return err
	}

	var dispatchedAt, deadline, finishedAt any
	if tr.To == CommandDispatched {
		dispatchedAt = formatTime(tr.At)
		deadline = formatTime(tr.Deadline)
	}
	if tr.To.Terminal() {
		finishedAt = formatTime(tr.At)
	}

	res, err := q.ExecContext(ctx, `
		UPDATE commands SET
			state = ?,
			dispatched_at = COALESCE(?, dispatched_at),
			deadline = COALESCE(?, deadline),
			finished_at = COALESCE(?, finished_at),
			reason = COALESCE(?, reason)
		WHERE command_id = ? AND state = ?
	`,
		string(tr.To),
		dispatchedAt,
		deadline,
		finishedAt,
		nullString(tr.Reason),
		tr.CommandID,
		string(tr.From),
	)
	if err != nil {
		return fmt.Errorf("updating command state: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM commands WHERE command_id = ?`, tr.CommandID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking command: %w", err)
	}
	return ErrStaleTransition
}

// UpdateCommandState moves a command from tr.From to tr.To.
// Returns ErrStaleTransition if the command is no longer in tr.From.
func (s *SQLiteStore) UpdateCommandState(ctx context.Context, tr CommandTransition) error {
	return applyTransition(ctx, s.db, tr)
}

func scanCommand(row rowScanner) (*Command, error) {
	var c Command
	var target, state string
	var groupID, issuedBy, reason sql.NullString
	var enqueuedAt, dispatchedAt, deadline, finishedAt sql.NullString

	if err := row.Scan(
		&c.ID,
		&c.AgentID,
		&groupID,
		&target,
		&c.Payload,
		&c.Priority,
		&c.Seq,
		&state,
		&issuedBy,
		&enqueuedAt,
		&dispatchedAt,
		&deadline,
		&finishedAt,
		&reason,
	); err != nil {
		return nil, err
	}

	c.GroupID = groupID.String
	c.Target = TargetKind(target)
	c.State = CommandState(state)
	c.IssuedBy = issuedBy.String
	c.Reason = reason.String

	var err error
	if c.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return nil, fmt.Errorf("parsing enqueued_at: %w", err)
	}
	if c.DispatchedAt, err = parseTime(dispatchedAt); err != nil {
		return nil, fmt.Errorf("parsing dispatched_at: %w", err)
	}
	if c.Deadline, err = parseTime(deadline); err != nil {
		return nil, fmt.Errorf("parsing deadline: %w", err)
	}
	if c.FinishedAt, err = parseTime(finishedAt); err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) queryCommands(ctx context.Context, query string, args ...any) ([]*Command, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cmds []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		cmds = append(cmds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return cmds, nil
}

// GetCommand retrieves a command by ID.
// Returns ErrNotFound if the command doesn't exist.
func (s *SQLiteStore) GetCommand(ctx context.Context, id string) (*Command, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE command_id = ?`, id)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying command: %w", err)
	}
	return c, nil
}

// QueryCommandsByAgentAndState returns commands in any of the given states,
// highest priority first and then in enqueue order. An empty agentID matches
// every agent; no states matches every state.
func (s *SQLiteStore) QueryCommandsByAgentAndState(ctx context.Context, agentID string, states ...CommandState) ([]*Command, error) {
	var where []string
	var args []any

	if agentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, agentID)
	}
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + commandColumns + ` FROM commands`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority DESC, seq ASC"

	return s.queryCommands(ctx, query, args...)
}

// ListGroupCommands returns every member command of a group in enqueue order.
func (s *SQLiteStore) ListGroupCommands(ctx context.Context, groupID string) ([]*Command, error) {
	return s.queryCommands(ctx, `
		SELECT `+commandColumns+` FROM commands
		WHERE group_id = ?
		ORDER BY seq ASC
	`, groupID)
}

// MaxCommandSeq returns the highest stored sequence number, or 0.
func (s *SQLiteStore) MaxCommandSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM commands`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("querying max seq: %w", err)
	}
	return seq.Int64, nil
}

func insertResult(ctx context.Context, q execQueryer, r *Result) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO results (command_id, agent_id, status, error_code, payload, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		r.CommandID,
		r.AgentID,
		string(r.Status),
		r.ErrorCode,
		r.Payload,
		formatTime(r.CompletedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateResult
		}
		return fmt.Errorf("inserting result: %w", err)
	}
	return nil
}

// InsertResult stores a result.
// Returns ErrDuplicateResult if one already exists for (command, agent).
func (s *SQLiteStore) InsertResult(ctx context.Context, r *Result) error {
	return insertResult(ctx, s.db, r)
}

// RecordResult stores the result and applies tr in one transaction.
func (s *SQLiteStore) RecordResult(ctx context.Context, r *Result, tr CommandTransition) error {
	if r.CommandID != tr.CommandID {
		return fmt.Errorf("result for %s with transition for %s: %w", r.CommandID, tr.CommandID, ErrInvalidTransition)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertResult(ctx, tx, r); err != nil {
		return err
	}
	if err := applyTransition(ctx, tx, tr); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing result: %w", err)
	}

	s.logger.Debug("recorded result", "command_id", r.CommandID, "agent_id", r.AgentID, "status", r.Status)
	return nil
}

const resultColumns = `r.command_id, r.agent_id, r.status, r.error_code, r.payload, r.completed_at`

func scanResult(row rowScanner) (*Result, error) {
	var r Result
	var status string
	var completedAt sql.NullString

	if err := row.Scan(&r.CommandID, &r.AgentID, &status, &r.ErrorCode, &r.Payload, &completedAt); err != nil {
		return nil, err
	}
	r.Status = protocol.ResultStatus(status)

	var err error
	if r.CompletedAt, err = parseTime(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	return &r, nil
}

// GetResult retrieves the result for (command, agent).
// Returns ErrNotFound if no result was recorded.
func (s *SQLiteStore) GetResult(ctx context.Context, commandID, agentID string) (*Result, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+resultColumns+` FROM results r
		WHERE r.command_id = ? AND r.agent_id = ?
	`, commandID, agentID)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying result: %w", err)
	}
	return r, nil
}

// ListResults returns results matching the filter, oldest first unless
// f.Newest is set.
func (s *SQLiteStore) ListResults(ctx context.Context, f ResultFilter) ([]*Result, error) {
	order := "r.completed_at ASC, c.seq ASC"
	if f.Newest {
		order = "r.completed_at DESC, c.seq DESC"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resultColumns+` FROM results r
		JOIN commands c ON c.command_id = r.command_id
		WHERE (? = '' OR r.agent_id = ?)
		  AND (? = '' OR c.group_id = ?)
		ORDER BY `+order+`
		LIMIT ?
	`,
		f.AgentID, f.AgentID,
		f.GroupID, f.GroupID,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating results: %w", err)
	}
	return results, nil
}

// QueryGroupStatus counts group members by state.
// Returns ErrNotFound if the group has no members.
func (s *SQLiteStore) QueryGroupStatus(ctx context.Context, groupID string) (*GroupStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM commands
		WHERE group_id = ?
		GROUP BY state
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("querying group status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	gs := &GroupStatus{GroupID: groupID}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scanning group status: %w", err)
		}
		gs.Add(CommandState(state), n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating group status: %w", err)
	}
	if gs.Total == 0 {
		return nil, ErrNotFound
	}
	return gs, nil
}

// normalizeLimit applies default (100) and cap (1000) to a list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
