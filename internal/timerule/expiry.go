// Package timerule implements the pure expiry calculator: given a timer row
// and a reference instant, it computes the next wall-clock instant at which
// the timer must fire. It never reads a clock, the store, or any global
// state; every time input arrives as an explicit argument, which is what
// keeps the catch-up-vs-skip-past-downtime policy testable in isolation.
package timerule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/timewarden/internal/timerow"
)

// ErrNoSchedule is returned when a row carries none of duration, interval,
// crontab or a pre-set ExpiresAt — i.e. it does not satisfy the
// classification invariant of timerow.Row.
var ErrNoSchedule = errors.New("timerule: row carries no duration, interval, crontab or expires_at")

// NextExpiry computes the row's next due instant relative to now, following
// the numbered steps in the comments below.
func NextExpiry(row timerow.Row, now time.Time) (time.Time, error) {
	// Step 1: an absolute alarm (no duration/interval/crontab) round-trips
	// the caller-supplied ExpiresAt verbatim, as long as it hasn't been
	// cleared to signal "already consumed".
	if row.Duration == nil && row.Interval == nil && !row.IsCrontab() {
		if !row.ExpiresAt.IsZero() {
			return row.ExpiresAt, nil
		}
		return time.Time{}, ErrNoSchedule
	}

	// Step 2: skip_if_offline=false means "give me the strictly next
	// schedule-order occurrence", computed by recursing with
	// skip_if_offline=true against the row's own anchor instant rather than
	// wall-clock now.
	if !row.SkipIfOffline {
		refNow := row.InsertedAt
		if !row.ExpiresAt.IsZero() {
			refNow = row.ExpiresAt
		}
		strict := row
		strict.SkipIfOffline = true
		return NextExpiry(strict, refNow)
	}

	switch {
	case row.Duration != nil && row.Calls == 0:
		// First firing: duration is always anchored to insertion, never to now.
		return row.InsertedAt.Add(*row.Duration), nil

	case row.Interval != nil && row.Calls >= 1:
		anchor := row.InsertedAt
		if row.Duration != nil {
			anchor = anchor.Add(*row.Duration)
		} else {
			anchor = anchor.Add(*row.Interval)
		}
		return nextIntervalOccurrence(anchor, *row.Interval, now), nil

	case row.IsCrontab():
		return nextCronOccurrence(row.Crontab, row.CrontabTimezone, now)

	default:
		return time.Time{}, fmt.Errorf("timerule: %w", ErrNoSchedule)
	}
}

// nextIntervalOccurrence returns the least element of {anchor + k*interval :
// k a non-negative integer} that is strictly greater than now.
func nextIntervalOccurrence(anchor time.Time, interval time.Duration, now time.Time) time.Time {
	diff := now.Sub(anchor)
	if diff < 0 {
		return anchor
	}
	k := diff / interval
	return anchor.Add((k + 1) * interval)
}

// nextCronOccurrence converts now into the cron's local timezone, asks the
// parser for the next run strictly after it, and converts the result back
// to UTC. Interpreting the expression in local time is what makes
// "0 17 * * *" fire at 17:00 local regardless of a DST shift in UTC offset.
func nextCronOccurrence(expr, tz string, now time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("timerule: invalid crontab_timezone %q: %w", tz, err)
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("timerule: invalid crontab expression %q: %w", expr, err)
	}
	nowLocal := now.In(loc)
	next := sched.Next(nowLocal)
	return next.UTC(), nil
}
