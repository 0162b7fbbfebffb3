// ABOUTME: Tests specific to the SQLite store: file creation, reopening and in-memory mode
// ABOUTME: Behaviour shared with MockStore lives in store_test.go

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	agent := &Agent{
		ID:          "agent-1",
		PublicKey:   "pem",
		Fingerprint: "fp",
		State:       AgentActive,
		CreatedAt:   time.Now(),
		LastSeen:    time.Now(),
	}
	if err := store.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("UpsertAgent failed: %v", err)
	}
	store.Close()

	// Schema creation and migrations must be idempotent
	store, err = NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopening store failed: %v", err)
	}
	defer store.Close()

	got, err := store.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent after reopen failed: %v", err)
	}
	if got.State != AgentActive {
		t.Errorf("State = %q, want %q", got.State, AgentActive)
	}
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if _, err := store.ListAgents(context.Background()); err != nil {
		t.Fatalf("ListAgents on in-memory store failed: %v", err)
	}
}

func TestTimestampsSortLexically(t *testing.T) {
	a := formatTime(time.Date(2026, 1, 1, 0, 0, 0, 100, time.UTC)).(string)
	b := formatTime(time.Date(2026, 1, 1, 0, 0, 0, 20000000, time.UTC)).(string)
	if !(a < b) {
		t.Errorf("expected %q < %q", a, b)
	}
	if formatTime(time.Time{}) != nil {
		t.Error("zero time should be stored as NULL")
	}
}
