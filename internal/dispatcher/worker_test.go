package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/timewarden/internal/store"
	"github.com/loykin/timewarden/internal/timerow"
)

type fakeExecutor struct {
	dispatched chan timerow.Row
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{dispatched: make(chan timerow.Row, 16)}
}

func (f *fakeExecutor) Dispatch(row timerow.Row) {
	f.dispatched <- row
}

func waitDispatch(t *testing.T, exec *fakeExecutor) timerow.Row {
	t.Helper()
	select {
	case row := <-exec.dispatched:
		return row
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return timerow.Row{}
	}
}

func oneInt(n int) *int { return &n }

func TestWorker_FiresAlreadyDueTimerOnStartupRefresh(t *testing.T) {
	fs := newFakeStore()
	now := time.Now().UTC()
	row, err := fs.Insert(context.Background(), timerow.Row{
		ExpiresAt:        now.Add(-time.Second),
		InsertedAt:       now.Add(-time.Minute),
		MaxCalls:         oneInt(1),
		CallableModule:   "mod",
		CallableFunction: "fn",
	})
	require.NoError(t, err)

	exec := newFakeExecutor()
	w := New(fs, exec)
	w.Start(context.Background())
	defer w.Stop()

	got := waitDispatch(t, exec)
	assert.Equal(t, row.ID, got.ID)

	exists, err := fs.Exists(context.Background(), store.Query{ID: &row.ID})
	require.NoError(t, err)
	assert.False(t, exists, "capped timer should be deleted after firing")
}

func TestWorker_ArmsAndFiresAtDeadline(t *testing.T) {
	fs := newFakeStore()
	now := time.Now().UTC()
	row, err := fs.Insert(context.Background(), timerow.Row{
		ExpiresAt:        now.Add(300 * time.Millisecond),
		InsertedAt:       now,
		MaxCalls:         oneInt(1),
		CallableModule:   "mod",
		CallableFunction: "fn",
	})
	require.NoError(t, err)

	exec := newFakeExecutor()
	w := New(fs, exec)
	start := time.Now()
	w.Start(context.Background())
	defer w.Stop()

	got := waitDispatch(t, exec)
	assert.Equal(t, row.ID, got.ID)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestWorker_SetNextExpiryWakesEarlier(t *testing.T) {
	fs := newFakeStore()
	exec := newFakeExecutor()
	w := New(fs, exec)
	w.Start(context.Background())
	defer w.Stop()

	now := time.Now().UTC()
	row, err := fs.Insert(context.Background(), timerow.Row{
		ExpiresAt:        now.Add(200 * time.Millisecond),
		InsertedAt:       now,
		MaxCalls:         oneInt(1),
		CallableModule:   "mod",
		CallableFunction: "fn",
	})
	require.NoError(t, err)

	w.SetNextExpiry(row.ExpiresAt)

	got := waitDispatch(t, exec)
	assert.Equal(t, row.ID, got.ID)
}

func TestWorker_RefreshPicksUpExternalInsert(t *testing.T) {
	fs := newFakeStore()
	exec := newFakeExecutor()
	w := New(fs, exec)
	w.Start(context.Background())
	defer w.Stop()

	now := time.Now().UTC()
	row, err := fs.Insert(context.Background(), timerow.Row{
		ExpiresAt:        now.Add(-time.Millisecond),
		InsertedAt:       now,
		MaxCalls:         oneInt(1),
		CallableModule:   "mod",
		CallableFunction: "fn",
	})
	require.NoError(t, err)

	w.Refresh()

	got := waitDispatch(t, exec)
	assert.Equal(t, row.ID, got.ID)
}

func TestWorker_RecurringTimerReschedulesInsteadOfDeleting(t *testing.T) {
	fs := newFakeStore()
	now := time.Now().UTC()
	interval := 50 * time.Millisecond
	row, err := fs.Insert(context.Background(), timerow.Row{
		ExpiresAt:        now.Add(-time.Millisecond),
		InsertedAt:       now.Add(-time.Minute),
		Interval:         &interval,
		SkipIfOffline:    true,
		Calls:            1,
		CallableModule:   "mod",
		CallableFunction: "fn",
	})
	require.NoError(t, err)

	exec := newFakeExecutor()
	w := New(fs, exec)
	w.Start(context.Background())
	defer w.Stop()

	got := waitDispatch(t, exec)
	assert.Equal(t, row.ID, got.ID)

	deadline := time.After(2 * time.Second)
	for {
		exists, err := fs.Exists(context.Background(), store.Query{ID: &row.ID})
		require.NoError(t, err)
		if exists {
			break
		}
		select {
		case <-deadline:
			t.Fatal("recurring timer row was deleted instead of rescheduled")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWorker_OrphanLeaseReclaimed(t *testing.T) {
	fs := newFakeStore()
	now := time.Now().UTC()
	row, err := fs.Insert(context.Background(), timerow.Row{
		ExpiresAt:        now.Add(-time.Hour),
		InsertedAt:       now.Add(-2 * time.Hour),
		UpdatedAt:        now.Add(-2 * time.Hour),
		Executing:        true,
		MaxCalls:         oneInt(1),
		CallableModule:   "mod",
		CallableFunction: "fn",
	})
	require.NoError(t, err)

	exec := newFakeExecutor()
	w := New(fs, exec, WithOrphanWindow(time.Minute))
	w.Start(context.Background())
	defer w.Stop()

	got := waitDispatch(t, exec)
	assert.Equal(t, row.ID, got.ID)
}
