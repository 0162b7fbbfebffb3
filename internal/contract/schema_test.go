// ABOUTME: Contract tests for the dispatch database schema to detect breaking changes.
// ABOUTME: Validates that expected tables, columns and indexes exist in SQLite.

package contract

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dispatch/internal/store"
)

// expectedSchema is the set of tables and columns that persisted state is
// restored from after a restart. Removing or renaming any of them breaks
// existing databases.
var expectedSchema = map[string][]string{
	"agents": {
		"agent_id", "platform", "version", "public_key",
		"fingerprint", "state", "session_id", "created_at", "last_seen",
	},
	"sessions": {
		"session_id", "agent_id", "key", "state", "rotation",
		"created_at", "expires_at", "activated_at", "ended_at", "end_reason",
	},
	"commands": {
		"command_id", "agent_id", "group_id", "target", "payload",
		"priority", "seq", "state", "issued_by", "enqueued_at",
		"dispatched_at", "deadline", "finished_at", "reason",
	},
	"results": {
		"command_id", "agent_id", "status", "error_code",
		"payload", "completed_at",
	},
	"operators": {
		"operator_id", "name", "password_hash", "created_at",
	},
	"audit_log": {
		"audit_id", "actor", "action", "target_type",
		"target_id", "ts", "detail_json",
	},
}

// setupTestDB creates a temporary SQLite database with the production schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "contract_test.db")

	sqliteStore, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err, "failed to create SQLite store")

	// A second connection; the store owns its own.
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err, "failed to open database")

	t.Cleanup(func() {
		_ = db.Close()
		_ = sqliteStore.Close()
	})
	return db
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("querying table info: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scanning column info: %w", err)
		}
		columns[name] = true
	}
	return columns, rows.Err()
}

func names(ctx context.Context, t *testing.T, db *sql.DB, kind string) map[string]bool {
	t.Helper()
	rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = ? AND name NOT LIKE 'sqlite_%'", kind)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		out[name] = true
	}
	require.NoError(t, rows.Err())
	return out
}

func TestSchemaSurface(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for table, expectedCols := range expectedSchema {
		t.Run(table, func(t *testing.T) {
			actual, err := tableColumns(ctx, db, table)
			require.NoError(t, err)
			require.NotEmpty(t, actual, "table %s should exist", table)

			for _, col := range expectedCols {
				assert.True(t, actual[col], "column %s.%s should exist", table, col)
			}
			for col := range actual {
				if !slices.Contains(expectedCols, col) {
					t.Logf("INFO: extra column %s.%s not in contract", table, col)
				}
			}
		})
	}
}

func TestTablesExist(t *testing.T) {
	db := setupTestDB(t)
	tables := names(context.Background(), t, db, "table")
	for table := range expectedSchema {
		assert.True(t, tables[table], "table %s should exist", table)
	}
}

// Restoring queues and sweeping deadlines depend on these.
func TestSchemaHasIndexes(t *testing.T) {
	db := setupTestDB(t)
	indexes := names(context.Background(), t, db, "index")

	for _, idx := range []string{
		"idx_agents_state",
		"idx_sessions_agent",
		"idx_sessions_state",
		"idx_commands_agent_state",
		"idx_commands_group",
		"idx_commands_seq",
		"idx_results_agent",
		"idx_audit_ts",
		"idx_audit_actor",
		"idx_audit_target",
	} {
		assert.True(t, indexes[idx], "index %s should exist", idx)
	}
}
