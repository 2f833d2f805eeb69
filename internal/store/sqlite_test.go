package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/timewarden/internal/timerow"
)

func newSQLiteAdapter(t *testing.T) *SQLiteAdapter {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "timers.db")
	adapter, err := NewSQLiteAdapter(Config{DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = adapter.Close() })
	if err := adapter.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return adapter
}

func TestSQLiteAdapter_InsertFindClaimDelete(t *testing.T) {
	adapter := newSQLiteAdapter(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	row := timerow.Row{CallableModule: "tests", CallableFunction: "ping", ExpiresAt: past, Name: "sqlite-timer"}
	inserted, err := adapter.Insert(ctx, row)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if inserted.ID == 0 {
		t.Fatalf("expected a non-zero assigned ID")
	}

	earliest, err := adapter.FindEarliest(ctx, time.Now().UTC(), time.Hour)
	if err != nil {
		t.Fatalf("find earliest: %v", err)
	}
	if earliest == nil || earliest.ID != inserted.ID {
		t.Fatalf("expected earliest to be the inserted row")
	}

	claimed, wasOrphan, err := adapter.ClaimNext(ctx, time.Now().UTC(), time.Hour)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != inserted.ID {
		t.Fatalf("expected to claim the inserted row")
	}
	if wasOrphan {
		t.Fatalf("freshly inserted row should not be reported as orphaned")
	}
	if !claimed.Executing {
		t.Fatalf("claimed row should be marked executing")
	}

	n, err := adapter.DeleteByQuery(ctx, Query{ID: &inserted.ID})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected to delete exactly one row, deleted %d", n)
	}

	exists, err := adapter.Exists(ctx, Query{Name: &row.Name})
	if err != nil || exists {
		t.Fatalf("expected row to be gone: exists=%v err=%v", exists, err)
	}
}

func TestSQLiteAdapter_ClaimReportsOrphan(t *testing.T) {
	adapter := newSQLiteAdapter(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-2 * time.Hour)
	row := timerow.Row{CallableModule: "tests", CallableFunction: "ping", ExpiresAt: past, Executing: true}
	if _, err := adapter.Insert(ctx, row); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, wasOrphan, err := adapter.ClaimNext(ctx, time.Now().UTC(), time.Hour)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !wasOrphan {
		t.Fatalf("expected a stale executing=true row past the orphan window to be reclaimed as orphaned")
	}
}

func TestSQLiteAdapter_UpdateByIDAppliesPatch(t *testing.T) {
	adapter := newSQLiteAdapter(t)
	ctx := context.Background()

	row := timerow.Row{CallableModule: "tests", CallableFunction: "ping", ExpiresAt: time.Now().UTC().Add(time.Hour)}
	inserted, err := adapter.Insert(ctx, row)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	newExpiry := time.Now().UTC().Add(2 * time.Hour)
	executing := false
	calls := 1
	n, err := adapter.UpdateByID(ctx, inserted.ID, Patch{ExpiresAt: &newExpiry, Executing: &executing, Calls: &calls})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one row updated, got %d", n)
	}

	earliest, err := adapter.FindEarliest(ctx, newExpiry.Add(time.Second), time.Hour)
	if err != nil {
		t.Fatalf("find earliest: %v", err)
	}
	if earliest == nil || earliest.Calls != 1 {
		t.Fatalf("expected patched calls to persist")
	}
}

func TestSQLiteAdapter_NameConflictReplaces(t *testing.T) {
	adapter := newSQLiteAdapter(t)
	ctx := context.Background()

	now := time.Now().UTC()
	first := timerow.Row{CallableModule: "m", CallableFunction: "a", ExpiresAt: now.Add(time.Minute), Name: "dup"}
	if _, err := adapter.Insert(ctx, first); err != nil {
		t.Fatalf("insert first: %v", err)
	}

	second := timerow.Row{CallableModule: "m", CallableFunction: "b", ExpiresAt: now.Add(2 * time.Minute), Name: "dup"}
	replaced, err := adapter.Insert(ctx, second)
	if err != nil {
		t.Fatalf("insert replacement: %v", err)
	}
	if replaced.CallableFunction != "b" {
		t.Fatalf("expected name conflict to replace the row, got function %q", replaced.CallableFunction)
	}

	exists, err := adapter.Exists(ctx, Query{Name: &second.Name})
	if err != nil || !exists {
		t.Fatalf("expected exactly one surviving row named %q", second.Name)
	}
}
