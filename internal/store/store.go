// Package store defines the storage contract the scheduler core consumes:
// CRUD plus the row-lock claim primitive described in spec section 4.6. The
// core never talks SQL directly — only through this interface — so a new
// backend is a matter of implementing Adapter, not touching the scheduler.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/timewarden/internal/timerow"
)

// DefaultTableName is used when Config.TableName is empty.
const DefaultTableName = "timewarden_timers"

// DefaultOrphanReclaimWindow is the recovery horizon past which an
// executing=true row is presumed abandoned by a crashed worker.
const DefaultOrphanReclaimWindow = time.Hour

// Query narrows a CRUD operation to a subset of rows. Zero value matches
// every row, so production callers should always set at least one field.
type Query struct {
	ID               *int64
	Name             *string
	CallableModule   string
	CallableFunction string
}

// Patch describes a partial update applied by UpdateByID.
type Patch struct {
	ExpiresAt *time.Time
	Executing *bool
	Calls     *int
}

// Config configures any Adapter implementation.
type Config struct {
	DSN          string
	TableName    string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxAge   time.Duration
}

func (c Config) tableName() string {
	if c.TableName != "" {
		return c.TableName
	}
	return DefaultTableName
}

// StoreError wraps any adapter-level I/O or constraint failure so callers
// can distinguish it from the scheduler's own taxonomy (ErrInvalidCron,
// ErrInvalidSpec) with errors.As.
type StoreError struct{ Err error }

func (e *StoreError) Error() string { return fmt.Sprintf("store: %v", e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Err: err}
}

// ErrNotFound is the error for "no row matches the query". The adapters in
// this package do not return it: FindEarliest and ClaimNext report an absent
// row as a nil *timerow.Row.
var ErrNotFound = errors.New("store: row not found")

// Adapter is the thin CRUD + row-lock primitive the scheduler core consumes.
// Implementations must serialize opaque argument payloads losslessly and
// store instants at microsecond precision in UTC.
type Adapter interface {
	EnsureSchema(ctx context.Context) error

	// Insert upserts a single row, replacing any existing row sharing the
	// same non-empty Name.
	Insert(ctx context.Context, row timerow.Row) (timerow.Row, error)

	// InsertMany upserts a batch of rows in one round trip.
	InsertMany(ctx context.Context, rows []timerow.Row) ([]timerow.Row, error)

	UpdateByID(ctx context.Context, id int64, patch Patch) (int64, error)

	DeleteByQuery(ctx context.Context, q Query) (int64, error)

	Exists(ctx context.Context, q Query) (bool, error)

	// FindEarliest returns the earliest row that is either due
	// (expires_at < now) and not executing, or an orphaned lease
	// (executing and expires_at older than orphanWindow). It does not
	// lock the row — it is advisory, used only to arm the dispatcher's
	// sleep deadline.
	FindEarliest(ctx context.Context, now time.Time, orphanWindow time.Duration) (*timerow.Row, error)

	// ClaimNext runs the claim query of spec section 4.3 inside a single
	// store transaction with row-lock semantics, marks the winning row
	// executing=true, and returns it plus whether it was already executing
	// before this claim (an orphaned lease). Returns (nil, false, nil) when
	// no row is claimable.
	ClaimNext(ctx context.Context, now time.Time, orphanWindow time.Duration) (row *timerow.Row, wasOrphan bool, err error)

	Close() error
}
