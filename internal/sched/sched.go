// Package sched implements the public API described in spec section 4.1:
// create/cancel/query operations over the store, each followed by a
// cluster-wide fan-out hint so every node's dispatcher reacts without
// polling. The root package is a thin facade over this one, the same way
// the teacher's provisr.go is a thin facade over its internal packages.
package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/timewarden/internal/metrics"
	"github.com/loykin/timewarden/internal/store"
	"github.com/loykin/timewarden/internal/timerow"
	"github.com/loykin/timewarden/internal/timerule"
)

// ErrInvalidCron is returned when a crontab expression or timezone fails to
// parse.
var ErrInvalidCron = errors.New("timewarden: invalid cron expression")

// ErrInvalidSpec is returned when a create request is malformed: an empty
// batch, a callable with no module/function, or conflicting schedule
// fields.
var ErrInvalidSpec = errors.New("timewarden: invalid timer spec")

// Broadcaster is the subset of cluster.Broadcaster the API needs. Declared
// here rather than imported so this package stays independent of the HTTP
// transport.
type Broadcaster interface {
	Refresh(ctx context.Context)
	SetNextExpiry(ctx context.Context, at time.Time)
}

// noopBroadcaster is used when the scheduler runs single-node.
type noopBroadcaster struct{}

func (noopBroadcaster) Refresh(context.Context)                 {}
func (noopBroadcaster) SetNextExpiry(context.Context, time.Time) {}

// Options carries the recognized optional fields of spec section 4.1: Name,
// SkipIfOffline (default true), MaxCalls, InsertedAt, UpdatedAt. Unknown
// keys are a non-issue in Go since this is a struct literal, not a map.
type Options struct {
	Name          string
	SkipIfOffline *bool // nil means default true
	MaxCalls      *int
	InsertedAt    time.Time // zero means "now"
	UpdatedAt     time.Time // zero means "now"
}

func (o Options) skipIfOffline() bool {
	if o.SkipIfOffline == nil {
		return true
	}
	return *o.SkipIfOffline
}

// Callable identifies the handler a timer invokes plus its opaque argument
// payload, mirroring timerow.Callable.
type Callable struct {
	Module    string
	Function  string
	Arguments []byte
}

// Scheduler is the backing implementation of the root package's facade.
type Scheduler struct {
	adapter     store.Adapter
	broadcaster Broadcaster
	now         func() time.Time
}

type Option func(*Scheduler)

func WithBroadcaster(b Broadcaster) Option {
	return func(s *Scheduler) { s.broadcaster = b }
}

func withClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(adapter store.Adapter, opts ...Option) *Scheduler {
	s := &Scheduler{adapter: adapter, broadcaster: noopBroadcaster{}, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) buildRow(c Callable, opts Options) (timerow.Row, error) {
	if c.Module == "" || c.Function == "" {
		return timerow.Row{}, fmt.Errorf("%w: callable requires module and function", ErrInvalidSpec)
	}
	now := s.now()
	insertedAt := opts.InsertedAt
	if insertedAt.IsZero() {
		insertedAt = now
	}
	updatedAt := opts.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}
	return timerow.Row{
		CallableModule:   c.Module,
		CallableFunction: c.Function,
		Arguments:        c.Arguments,
		InsertedAt:       insertedAt,
		UpdatedAt:        updatedAt,
		MaxCalls:         opts.MaxCalls,
		SkipIfOffline:    opts.skipIfOffline(),
		Name:             opts.Name,
	}, nil
}

// create computes expires_at, inserts with on-conflict-replace-by-name
// semantics, and broadcasts a wakeup hint carrying the new row's expires_at.
func (s *Scheduler) create(ctx context.Context, row timerow.Row, kind string) (timerow.Row, error) {
	expiresAt, err := timerule.NextExpiry(row, s.now())
	if err != nil {
		return timerow.Row{}, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	row.ExpiresAt = expiresAt

	saved, err := s.adapter.Insert(ctx, row)
	if err != nil {
		return timerow.Row{}, err
	}
	metrics.IncCreated(kind)
	s.broadcaster.SetNextExpiry(ctx, saved.ExpiresAt)
	return saved, nil
}

// CallAfter creates a single-shot timer firing duration after now.
func (s *Scheduler) CallAfter(ctx context.Context, c Callable, duration time.Duration, opts Options) (timerow.Row, error) {
	row, err := s.buildRow(c, opts)
	if err != nil {
		return timerow.Row{}, err
	}
	row.Duration = &duration
	maxCalls := 1
	row.MaxCalls = &maxCalls
	return s.create(ctx, row, "after")
}

// CallAt creates a single-shot timer firing at the given absolute instant.
func (s *Scheduler) CallAt(ctx context.Context, c Callable, at time.Time, opts Options) (timerow.Row, error) {
	row, err := s.buildRow(c, opts)
	if err != nil {
		return timerow.Row{}, err
	}
	row.ExpiresAt = at
	maxCalls := 1
	row.MaxCalls = &maxCalls
	return s.create(ctx, row, "at")
}

// CallInterval creates a recurring timer. If leadIn is zero it defaults to
// interval.
func (s *Scheduler) CallInterval(ctx context.Context, c Callable, leadIn, interval time.Duration, opts Options) (timerow.Row, error) {
	if interval <= 0 {
		return timerow.Row{}, fmt.Errorf("%w: interval must be positive", ErrInvalidSpec)
	}
	if leadIn <= 0 {
		leadIn = interval
	}
	row, err := s.buildRow(c, opts)
	if err != nil {
		return timerow.Row{}, err
	}
	row.Duration = &leadIn
	row.Interval = &interval
	return s.create(ctx, row, "interval")
}

// CallCrontab creates a recurring timer on a cron schedule. It validates the
// expression and timezone eagerly, surfacing ErrInvalidCron instead of
// letting a bad schedule reach the store.
func (s *Scheduler) CallCrontab(ctx context.Context, c Callable, expression, timezone string, opts Options) (timerow.Row, error) {
	row, err := s.buildRow(c, opts)
	if err != nil {
		return timerow.Row{}, err
	}
	row.Crontab = expression
	row.CrontabTimezone = timezone
	if _, err := timerule.NextExpiry(row, s.now()); err != nil {
		return timerow.Row{}, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return s.create(ctx, row, "crontab")
}

// CreateSpec describes one element of a CreateMany batch: exactly one of
// Duration, Interval (with optional LeadIn), Crontab, or At must be set.
type CreateSpec struct {
	Callable Callable
	Options  Options

	Duration *time.Duration
	LeadIn   *time.Duration
	Interval *time.Duration
	Crontab  string
	Timezone string
	At       *time.Time
}

// CreateMany bulk-inserts specs in a single round trip, computing expires_at
// per row and broadcasting one wakeup hint for the batch's earliest instant.
func (s *Scheduler) CreateMany(ctx context.Context, specs []CreateSpec) ([]timerow.Row, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: create_many requires at least one spec", ErrInvalidSpec)
	}
	rows := make([]timerow.Row, 0, len(specs))
	for i, spec := range specs {
		row, err := s.buildRow(spec.Callable, spec.Options)
		if err != nil {
			return nil, fmt.Errorf("spec %d: %w", i, err)
		}
		set := 0
		for _, ok := range []bool{spec.At != nil, spec.Interval != nil, spec.Crontab != "", spec.Duration != nil} {
			if ok {
				set++
			}
		}
		if set != 1 {
			return nil, fmt.Errorf("spec %d: %w: must set exactly one of duration, interval, crontab, at", i, ErrInvalidSpec)
		}
		switch {
		case spec.At != nil:
			row.ExpiresAt = *spec.At
			maxCalls := 1
			row.MaxCalls = &maxCalls
		case spec.Interval != nil:
			leadIn := *spec.Interval
			if spec.LeadIn != nil {
				leadIn = *spec.LeadIn
			}
			row.Duration = &leadIn
			row.Interval = spec.Interval
		case spec.Crontab != "":
			row.Crontab = spec.Crontab
			row.CrontabTimezone = spec.Timezone
		case spec.Duration != nil:
			row.Duration = spec.Duration
			maxCalls := 1
			row.MaxCalls = &maxCalls
		default:
			return nil, fmt.Errorf("spec %d: %w: must set exactly one of duration, interval, crontab, at", i, ErrInvalidSpec)
		}

		expiresAt, err := timerule.NextExpiry(row, s.now())
		if err != nil {
			if row.IsCrontab() {
				return nil, fmt.Errorf("spec %d: %w: %v", i, ErrInvalidCron, err)
			}
			return nil, fmt.Errorf("spec %d: %w: %v", i, ErrInvalidSpec, err)
		}
		row.ExpiresAt = expiresAt
		rows = append(rows, row)
	}

	saved, err := s.adapter.InsertMany(ctx, rows)
	if err != nil {
		return nil, err
	}
	metrics.IncCreated("create_many")

	earliest := saved[0].ExpiresAt
	for _, r := range saved[1:] {
		if r.ExpiresAt.Before(earliest) {
			earliest = r.ExpiresAt
		}
	}
	s.broadcaster.SetNextExpiry(ctx, earliest)
	return saved, nil
}

// CancelByID deletes the row with the given id and broadcasts a bare
// refresh (no hint instant — the fan-out can't know the new earliest
// without asking the store).
func (s *Scheduler) CancelByID(ctx context.Context, id int64) error {
	_, err := s.adapter.DeleteByQuery(ctx, store.Query{ID: &id})
	if err != nil {
		return err
	}
	s.broadcaster.Refresh(ctx)
	return nil
}

// CancelByName deletes the row with the given name and broadcasts a refresh.
func (s *Scheduler) CancelByName(ctx context.Context, name string) error {
	_, err := s.adapter.DeleteByQuery(ctx, store.Query{Name: &name})
	if err != nil {
		return err
	}
	s.broadcaster.Refresh(ctx)
	return nil
}

// CancelAll deletes every row whose callable matches (module, function) and
// returns the count deleted.
func (s *Scheduler) CancelAll(ctx context.Context, module, function string) (int64, error) {
	n, err := s.adapter.DeleteByQuery(ctx, store.Query{CallableModule: module, CallableFunction: function})
	if err != nil {
		return 0, err
	}
	s.broadcaster.Refresh(ctx)
	return n, nil
}

func (s *Scheduler) NameExists(ctx context.Context, name string) (bool, error) {
	return s.adapter.Exists(ctx, store.Query{Name: &name})
}

func (s *Scheduler) IDExists(ctx context.Context, id int64) (bool, error) {
	return s.adapter.Exists(ctx, store.Query{ID: &id})
}
