package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() }) //nolint:errcheck
	return store
}

func TestSQLiteAppendAndQuery(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	entry := &Entry{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		UserID:    "alice",
		SessionID: "sess-1",
		Action:    ActionKeyRecovery,
		Resource:  "escrow/key-1",
		Result:    ResultSuccess,
		IPAddress: "10.0.0.1",
		UserAgent: "escrowctl/1.0",
		Sensitive: true,
		Metadata:  map[string]string{"request_id": "req-1"},
	}
	if err := store.Append(ctx, entry); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	entries, err := store.Query(ctx, Query{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	got := entries[0]
	if got.ID != entry.ID {
		t.Errorf("ID = %s, want %s", got.ID, entry.ID)
	}
	if !got.Timestamp.Equal(entry.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, entry.Timestamp)
	}
	if got.UserID != "alice" || got.SessionID != "sess-1" {
		t.Errorf("identity fields = (%q, %q)", got.UserID, got.SessionID)
	}
	if got.Action != ActionKeyRecovery || got.Resource != "escrow/key-1" || got.Result != ResultSuccess {
		t.Errorf("action fields = (%q, %q, %q)", got.Action, got.Resource, got.Result)
	}
	if got.IPAddress != "10.0.0.1" || got.UserAgent != "escrowctl/1.0" {
		t.Errorf("origin fields = (%q, %q)", got.IPAddress, got.UserAgent)
	}
	if !got.Sensitive {
		t.Error("Sensitive flag lost")
	}
	if got.Metadata["request_id"] != "req-1" {
		t.Errorf("Metadata = %v", got.Metadata)
	}
}

func TestSQLiteQueryFiltersAndOrder(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	users := []string{"alice", "bob", "alice", "carol"}
	for i, user := range users {
		err := store.Append(ctx, &Entry{
			ID:        uuid.New(),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			UserID:    user,
			Action:    ActionPromptProcessed,
			Resource:  "agent/1",
			Result:    ResultSuccess,
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	byUser, err := store.Query(ctx, Query{UserID: "alice"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(byUser) != 2 {
		t.Errorf("alice entries = %d, want 2", len(byUser))
	}

	all, err := store.Query(ctx, Query{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.After(all[i-1].Timestamp) {
			t.Fatal("entries should be ordered newest-first")
		}
	}

	limited, err := store.Query(ctx, Query{Limit: 1})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(limited) != 1 || limited[0].UserID != "carol" {
		t.Error("limit should keep the newest entry")
	}

	start := base.Add(90 * time.Second)
	ranged, err := store.Query(ctx, Query{StartDate: &start})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(ranged) != 2 {
		t.Errorf("ranged entries = %d, want 2", len(ranged))
	}
}

func TestSQLiteDeleteOlderThan(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, age := range []time.Duration{48 * time.Hour, 36 * time.Hour, time.Hour} {
		err := store.Append(ctx, &Entry{
			ID:        uuid.New(),
			Timestamp: now.Add(-age),
			Action:    ActionPromptProcessed,
			Resource:  "agent/1",
			Result:    ResultSuccess,
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	removed, err := store.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalEntries != 1 {
		t.Errorf("TotalEntries = %d, want 1", stats.TotalEntries)
	}
}

func TestSQLiteStats(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalEntries != 0 || !stats.Oldest.IsZero() || !stats.Newest.IsZero() {
		t.Errorf("empty stats = %+v", stats)
	}

	oldest := time.Now().UTC().Add(-time.Hour)
	newest := time.Now().UTC()
	for _, ts := range []time.Time{newest, oldest} {
		err := store.Append(ctx, &Entry{
			ID: uuid.New(), Timestamp: ts,
			Action: "a", Resource: "r", Result: ResultSuccess,
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	stats, err = store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalEntries != 2 {
		t.Errorf("TotalEntries = %d, want 2", stats.TotalEntries)
	}
	if !stats.Oldest.Equal(oldest) || !stats.Newest.Equal(newest) {
		t.Errorf("bounds = (%v, %v), want (%v, %v)", stats.Oldest, stats.Newest, oldest, newest)
	}
}

func TestSQLiteReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	err = store.Append(ctx, &Entry{
		ID: uuid.New(), Timestamp: time.Now().UTC(),
		Action: ActionKeyEscrow, Resource: "escrow/key-1", Result: ResultSuccess,
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close() //nolint:errcheck

	entries, err := reopened.Query(ctx, Query{Action: ActionKeyEscrow})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected persisted entry after reopen, got %d", len(entries))
	}
}
