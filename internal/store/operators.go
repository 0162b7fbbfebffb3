// ABOUTME: Operator accounts for the admin API
// ABOUTME: Names are unique; passwords are stored as bcrypt hashes produced by the auth package

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateOperator stores a new operator. Generates ID and CreatedAt if not set.
// Returns ErrDuplicateOperator if the name is taken.
func (s *SQLiteStore) CreateOperator(ctx context.Context, op *Operator) error {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operators (operator_id, name, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`, op.ID, op.Name, op.PasswordHash, formatTime(op.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateOperator
		}
		return fmt.Errorf("inserting operator: %w", err)
	}

	s.logger.Debug("created operator", "id", op.ID, "name", op.Name)
	return nil
}

// GetOperatorByName retrieves an operator by name.
// Returns ErrNotFound if no such operator exists.
func (s *SQLiteStore) GetOperatorByName(ctx context.Context, name string) (*Operator, error) {
	var op Operator
	var createdAt sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT operator_id, name, password_hash, created_at
		FROM operators
		WHERE name = ?
	`, name).Scan(&op.ID, &op.Name, &op.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying operator: %w", err)
	}

	if op.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &op, nil
}
