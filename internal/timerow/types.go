// Package timerow defines the persistent Timer row shared by the expiry
// calculator, the claim transaction, the dispatcher and the store adapters.
package timerow

import "time"

// Row is the sole persistent entity of the scheduler: one row per
// outstanding timer. Field names mirror the logical column names of
// spec.md §6 so store adapters can map them onto physical columns with no
// semantic translation.
type Row struct {
	ID int64

	CallableModule   string
	CallableFunction string
	Arguments        []byte

	InsertedAt time.Time
	UpdatedAt  time.Time
	ExpiresAt  time.Time

	// Exactly one of {Duration-only, Interval, Crontab, absolute ExpiresAt-only}
	// classifies a timer. Duration may coexist with Interval as a lead-in.
	Duration *time.Duration
	Interval *time.Duration

	Crontab         string // empty when unset
	CrontabTimezone string // IANA zone name; empty when unset

	Calls    int
	MaxCalls *int

	SkipIfOffline bool
	Name          string // empty means unnamed; non-empty must be unique
	Executing     bool
}

// IsCrontab reports whether the row is a cron-scheduled timer.
func (r Row) IsCrontab() bool { return r.Crontab != "" }

// IsInterval reports whether the row recurs on a fixed period.
func (r Row) IsInterval() bool { return r.Interval != nil }

// HasReachedCap reports whether calls (after incrementing by one more
// firing) would meet or exceed MaxCalls. A nil MaxCalls means unbounded.
func (r Row) HasReachedCap(callsAfterFiring int) bool {
	return r.MaxCalls != nil && callsAfterFiring >= *r.MaxCalls
}

// Callable identifies the handler a fired timer invokes, plus its opaque
// argument payload. It never interprets Arguments itself.
type Callable struct {
	Module   string
	Function string
	Arguments []byte
}

func (r Row) Callable() Callable {
	return Callable{Module: r.CallableModule, Function: r.CallableFunction, Arguments: r.Arguments}
}
