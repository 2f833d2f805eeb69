// Package dispatcher implements the single-goroutine-per-node state machine
// of spec section 4.4: it holds at most one armed *time.Timer, wakes on
// either that timer or an inbox hint, and drains every due row before
// re-arming for the next one.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/timewarden/internal/claim"
	"github.com/loykin/timewarden/internal/metrics"
	"github.com/loykin/timewarden/internal/store"
	"github.com/loykin/timewarden/internal/timerow"
	"github.com/loykin/timewarden/internal/timerule"
)

// DefaultExecutionThreshold is the gap at or below which an arm request does
// not schedule a *time.Timer: an overdue gap fires at once, and a positive gap
// is slept out in place on the worker goroutine before firing (see arm).
// Arming a *time.Timer for a handful of milliseconds buys nothing and the
// extra trip through the select loop is pure overhead.
const DefaultExecutionThreshold = 150 * time.Millisecond

type action func(ctx context.Context)

// Worker is the dispatcher state machine for one node. All state is only
// ever touched from its own loop goroutine; external callers communicate
// exclusively through SetNextExpiry and Refresh.
type Worker struct {
	adapter  store.Adapter
	executor Executor
	log      *slog.Logger
	now      func() time.Time

	orphanWindow  time.Duration
	execThreshold time.Duration

	inbox   chan action
	stopped chan struct{}
	done    chan struct{}

	armed    *time.Timer
	armedFor time.Time
}

// Option configures a Worker at construction time.
type Option func(*Worker)

func WithOrphanWindow(d time.Duration) Option {
	return func(w *Worker) { w.orphanWindow = d }
}

func WithExecutionThreshold(d time.Duration) Option {
	return func(w *Worker) { w.execThreshold = d }
}

func WithLogger(log *slog.Logger) Option {
	return func(w *Worker) { w.log = log }
}

// withClock overrides the reference clock; used by tests only.
func withClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func New(adapter store.Adapter, executor Executor, opts ...Option) *Worker {
	w := &Worker{
		adapter:       adapter,
		executor:      executor,
		log:           slog.Default(),
		now:           time.Now,
		orphanWindow:  store.DefaultOrphanReclaimWindow,
		execThreshold: DefaultExecutionThreshold,
		inbox:         make(chan action, 8),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the worker loop. It performs an initial Refresh so that a
// node rejoining after downtime immediately catches up on anything already
// due, then returns; Stop must be called to shut it down cleanly.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.stopped = make(chan struct{})
	w.done = make(chan struct{})
	go func() {
		defer cancel()
		defer close(w.done)
		w.loop(ctx)
	}()
}

// Stop signals the loop to exit and waits for it to do so.
func (w *Worker) Stop() {
	if w.stopped == nil {
		return
	}
	select {
	case <-w.stopped:
	default:
		close(w.stopped)
	}
	if w.done != nil {
		<-w.done
	}
}

// SetNextExpiry is the cluster fan-out's "set_next_expiry" hint: arm or
// re-arm the sleep deadline if at is earlier than whatever is currently
// armed.
func (w *Worker) SetNextExpiry(at time.Time) {
	w.send(func(ctx context.Context) { w.arm(ctx, at) })
}

// Refresh is the cluster fan-out's "refresh" hint: re-query the store for
// the earliest outstanding row and arm against it, discarding whatever was
// previously armed.
func (w *Worker) Refresh() {
	w.send(func(ctx context.Context) { w.refresh(ctx) })
}

func (w *Worker) send(a action) {
	select {
	case w.inbox <- a:
	case <-w.stopped:
	}
}

func (w *Worker) loop(ctx context.Context) {
	w.refresh(ctx)
	for {
		var timerC <-chan time.Time
		if w.armed != nil {
			timerC = w.armed.C
		}
		select {
		case <-ctx.Done():
			w.disarm()
			return
		case <-w.stopped:
			w.disarm()
			return
		case a := <-w.inbox:
			a(ctx)
		case <-timerC:
			w.armed = nil
			w.fire(ctx)
		}
	}
}

// arm schedules (or immediately fires) against at, per spec section 4.4's
// armed-sleep rules: idle always (re)arms; armed only re-arms when at
// precedes the currently armed deadline, otherwise the hint is a no-op.
//
// A gap already at or past zero is overdue: fire() will find it with its
// own expires_at < now query, so there's nothing to wait out. A gap still
// in the future but within execThreshold is too small to be worth a real
// *time.Timer and a trip back through the select loop, but it is NOT yet
// due — sleeping out the residual gap in place keeps fire()'s query
// truthful instead of silently dropping the row.
func (w *Worker) arm(ctx context.Context, at time.Time) {
	if w.armed != nil && !at.Before(w.armedFor) {
		return
	}
	w.disarm()
	gap := at.Sub(w.now())
	metrics.ObserveArmedSleepGap(gap.Seconds())
	switch {
	case gap <= 0:
		w.fire(ctx)
	case gap <= w.execThreshold:
		time.Sleep(gap)
		w.fire(ctx)
	default:
		w.armed = time.NewTimer(gap)
		w.armedFor = at
	}
}

func (w *Worker) disarm() {
	if w.armed != nil {
		w.armed.Stop()
		w.armed = nil
	}
}

func (w *Worker) refresh(ctx context.Context) {
	w.disarm()
	row, err := w.adapter.FindEarliest(ctx, w.now(), w.orphanWindow)
	if err != nil {
		w.log.Error("dispatcher: refresh failed", "error", err)
		return
	}
	if row == nil {
		return
	}
	w.arm(ctx, row.ExpiresAt)
}

// fire drains every currently claimable row before re-arming: a single
// wakeup can be due for several timers at once (most commonly after
// downtime), and re-arming between each would burn a full scheduler
// round trip for no benefit.
func (w *Worker) fire(ctx context.Context) {
	for {
		row, err := claim.Next(ctx, w.adapter, w.now(), w.orphanWindow)
		if err != nil {
			w.log.Error("dispatcher: claim failed", "error", err)
			w.refresh(ctx)
			return
		}
		if row == nil {
			w.refresh(ctx)
			return
		}
		w.dispatchAndReschedule(ctx, *row)
	}
}

func (w *Worker) dispatchAndReschedule(ctx context.Context, row timerow.Row) {
	w.executor.Dispatch(row)

	callsAfter := row.Calls + 1
	if row.HasReachedCap(callsAfter) {
		if _, err := w.adapter.DeleteByQuery(ctx, store.Query{ID: &row.ID}); err != nil {
			w.log.Error("dispatcher: delete capped timer failed", "timer_id", row.ID, "error", err)
		}
		return
	}

	next := row
	next.Calls = callsAfter
	next.ExpiresAt = time.Time{}
	expiresAt, err := timerule.NextExpiry(next, w.now())
	if err != nil {
		w.log.Error("dispatcher: compute next expiry failed", "timer_id", row.ID, "error", err)
		return
	}

	executing := false
	affected, err := w.adapter.UpdateByID(ctx, row.ID, store.Patch{
		ExpiresAt: &expiresAt,
		Executing: &executing,
		Calls:     &callsAfter,
	})
	if err != nil {
		w.log.Error("dispatcher: reschedule update failed", "timer_id", row.ID, "error", err)
		return
	}
	if affected != 1 {
		w.log.Warn("dispatcher: reschedule affected unexpected row count", "timer_id", row.ID, "affected", affected)
	}
}
