package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/timewarden/internal/store"
	"github.com/loykin/timewarden/internal/timerow"
)

type fakeAdapter struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]timerow.Row
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{rows: make(map[int64]timerow.Row)}
}

func (f *fakeAdapter) EnsureSchema(ctx context.Context) error { return nil }

func (f *fakeAdapter) Insert(ctx context.Context, row timerow.Row) (timerow.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row.Name != "" {
		for id, r := range f.rows {
			if r.Name == row.Name {
				delete(f.rows, id)
			}
		}
	}
	f.nextID++
	row.ID = f.nextID
	f.rows[row.ID] = row
	return row, nil
}

func (f *fakeAdapter) InsertMany(ctx context.Context, rows []timerow.Row) ([]timerow.Row, error) {
	out := make([]timerow.Row, 0, len(rows))
	for _, r := range rows {
		saved, _ := f.Insert(ctx, r)
		out = append(out, saved)
	}
	return out, nil
}

func (f *fakeAdapter) UpdateByID(ctx context.Context, id int64, patch store.Patch) (int64, error) {
	return 0, nil
}

func (f *fakeAdapter) DeleteByQuery(ctx context.Context, q store.Query) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, r := range f.rows {
		match := true
		if q.ID != nil && r.ID != *q.ID {
			match = false
		}
		if q.Name != nil && r.Name != *q.Name {
			match = false
		}
		if q.CallableModule != "" && r.CallableModule != q.CallableModule {
			match = false
		}
		if q.CallableFunction != "" && r.CallableFunction != q.CallableFunction {
			match = false
		}
		if match {
			delete(f.rows, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeAdapter) Exists(ctx context.Context, q store.Query) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if q.ID != nil && r.ID == *q.ID {
			return true, nil
		}
		if q.Name != nil && r.Name == *q.Name {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAdapter) FindEarliest(ctx context.Context, now time.Time, orphanWindow time.Duration) (*timerow.Row, error) {
	return nil, nil
}

func (f *fakeAdapter) ClaimNext(ctx context.Context, now time.Time, orphanWindow time.Duration) (*timerow.Row, bool, error) {
	return nil, false, nil
}

func (f *fakeAdapter) Close() error { return nil }

type fakeBroadcaster struct {
	mu         sync.Mutex
	refreshed  int
	setAt      []time.Time
}

func (f *fakeBroadcaster) Refresh(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed++
}

func (f *fakeBroadcaster) SetNextExpiry(ctx context.Context, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setAt = append(f.setAt, at)
}

func TestScheduler_CallAfterSetsDurationAndMaxCalls(t *testing.T) {
	fa := newFakeAdapter()
	fb := &fakeBroadcaster{}
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(fa, WithBroadcaster(fb), withClock(func() time.Time { return fixedNow }))

	row, err := s.CallAfter(context.Background(), Callable{Module: "billing", Function: "charge"}, 5*time.Second, Options{})
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(5*time.Second), row.ExpiresAt)
	require.NotNil(t, row.MaxCalls)
	assert.Equal(t, 1, *row.MaxCalls)
	assert.Len(t, fb.setAt, 1)
}

func TestScheduler_CallCrontabRejectsBadExpression(t *testing.T) {
	fa := newFakeAdapter()
	s := New(fa)
	_, err := s.CallCrontab(context.Background(), Callable{Module: "m", Function: "f"}, "not a cron", "UTC", Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidCron))
}

func TestScheduler_CreateManyRejectsEmptyBatch(t *testing.T) {
	fa := newFakeAdapter()
	s := New(fa)
	_, err := s.CreateMany(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSpec))
}

func TestScheduler_CreateManyComputesExpiryPerRowAndBroadcastsEarliest(t *testing.T) {
	fa := newFakeAdapter()
	fb := &fakeBroadcaster{}
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(fa, WithBroadcaster(fb), withClock(func() time.Time { return fixedNow }))

	leadIn := 15 * time.Second
	interval := 10 * time.Second
	duration := 5 * time.Second
	at := fixedNow.Add(48 * time.Hour)
	maxCalls := 7

	rows, err := s.CreateMany(context.Background(), []CreateSpec{
		{Callable: Callable{Module: "m", Function: "interval"}, Interval: &interval, LeadIn: &leadIn, Options: Options{MaxCalls: &maxCalls}},
		{Callable: Callable{Module: "m", Function: "duration"}, Duration: &duration, Options: Options{Name: "x"}},
		{Callable: Callable{Module: "m", Function: "alarm"}, At: &at},
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	byFn := map[string]timerow.Row{}
	for _, r := range rows {
		byFn[r.CallableFunction] = r
	}
	assert.Equal(t, fixedNow.Add(15*time.Second), byFn["interval"].ExpiresAt)
	assert.Equal(t, fixedNow.Add(5*time.Second), byFn["duration"].ExpiresAt)
	assert.Equal(t, at, byFn["alarm"].ExpiresAt)

	require.Len(t, fb.setAt, 1)
	assert.Equal(t, fixedNow.Add(5*time.Second), fb.setAt[0])
}

func TestScheduler_CancelByIDBroadcastsRefresh(t *testing.T) {
	fa := newFakeAdapter()
	fb := &fakeBroadcaster{}
	s := New(fa, WithBroadcaster(fb))

	saved, err := fa.Insert(context.Background(), timerow.Row{CallableModule: "m", CallableFunction: "f"})
	require.NoError(t, err)

	require.NoError(t, s.CancelByID(context.Background(), saved.ID))
	exists, err := s.IDExists(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 1, fb.refreshed)
}

func TestScheduler_NameConflictReplaces(t *testing.T) {
	fa := newFakeAdapter()
	s := New(fa)

	_, err := s.CallAfter(context.Background(), Callable{Module: "m", Function: "f"}, time.Second, Options{Name: "dup"})
	require.NoError(t, err)
	_, err = s.CallAfter(context.Background(), Callable{Module: "m", Function: "g"}, 2*time.Second, Options{Name: "dup"})
	require.NoError(t, err)

	fa.mu.Lock()
	n := len(fa.rows)
	fa.mu.Unlock()
	assert.Equal(t, 1, n)
}
