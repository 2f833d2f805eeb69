package dispatcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loykin/timewarden/internal/store"
	"github.com/loykin/timewarden/internal/timerow"
)

// fakeStore is a minimal in-memory store.Adapter used only to exercise the
// dispatcher loop without a real database.
type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]timerow.Row
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[int64]timerow.Row)}
}

func (f *fakeStore) EnsureSchema(ctx context.Context) error { return nil }

func (f *fakeStore) Insert(ctx context.Context, row timerow.Row) (timerow.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	row.ID = f.nextID
	f.rows[row.ID] = row
	return row, nil
}

func (f *fakeStore) InsertMany(ctx context.Context, rows []timerow.Row) ([]timerow.Row, error) {
	out := make([]timerow.Row, 0, len(rows))
	for _, r := range rows {
		saved, _ := f.Insert(ctx, r)
		out = append(out, saved)
	}
	return out, nil
}

func (f *fakeStore) UpdateByID(ctx context.Context, id int64, patch store.Patch) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return 0, nil
	}
	if patch.ExpiresAt != nil {
		row.ExpiresAt = *patch.ExpiresAt
	}
	if patch.Executing != nil {
		row.Executing = *patch.Executing
	}
	if patch.Calls != nil {
		row.Calls = *patch.Calls
	}
	f.rows[id] = row
	return 1, nil
}

func (f *fakeStore) DeleteByQuery(ctx context.Context, q store.Query) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q.ID != nil {
		if _, ok := f.rows[*q.ID]; ok {
			delete(f.rows, *q.ID)
			return 1, nil
		}
		return 0, nil
	}
	return 0, nil
}

func (f *fakeStore) Exists(ctx context.Context, q store.Query) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q.ID != nil {
		_, ok := f.rows[*q.ID]
		return ok, nil
	}
	return false, nil
}

func (f *fakeStore) candidates(now time.Time, orphanWindow time.Duration) []timerow.Row {
	var out []timerow.Row
	for _, r := range f.rows {
		due := !r.Executing && !r.ExpiresAt.After(now)
		orphan := r.Executing && r.ExpiresAt.Before(now.Add(-orphanWindow))
		if due || orphan {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

func (f *fakeStore) FindEarliest(ctx context.Context, now time.Time, orphanWindow time.Duration) (*timerow.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cands := f.candidates(now, orphanWindow)
	if len(cands) == 0 {
		return nil, nil
	}
	row := cands[0]
	return &row, nil
}

func (f *fakeStore) ClaimNext(ctx context.Context, now time.Time, orphanWindow time.Duration) (*timerow.Row, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cands := f.candidates(now, orphanWindow)
	if len(cands) == 0 {
		return nil, false, nil
	}
	row := cands[0]
	wasOrphan := row.Executing
	row.Executing = true
	row.UpdatedAt = now
	f.rows[row.ID] = row
	won := row
	return &won, wasOrphan, nil
}

func (f *fakeStore) Close() error { return nil }
