package timerule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/timewarden/internal/timerow"
)

func dur(ms int) *time.Duration {
	d := time.Duration(ms) * time.Millisecond
	return &d
}

func mustUTC(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts.UTC()
}

func TestNextExpiry_DurationAnchoredToInsertion(t *testing.T) {
	row := timerow.Row{
		InsertedAt:    mustUTC(t, "2020-01-01T13:00:00Z"),
		Duration:      dur(60000),
		Calls:         0,
		SkipIfOffline: true,
	}

	got, err := NextExpiry(row, mustUTC(t, "2020-01-01T13:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, mustUTC(t, "2020-01-01T13:01:00Z"), got)

	// Far-future now does not change a first-firing duration timer.
	got, err = NextExpiry(row, mustUTC(t, "2020-02-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, mustUTC(t, "2020-01-01T13:01:00Z"), got)
}

func TestNextExpiry_IntervalCatchUpSkipMode(t *testing.T) {
	row := timerow.Row{
		InsertedAt:    mustUTC(t, "2020-01-01T12:00:00Z"),
		Duration:      dur(5000),
		Interval:      dur(10000),
		Calls:         3,
		SkipIfOffline: true,
	}

	got, err := NextExpiry(row, mustUTC(t, "2020-01-01T13:00:30Z"))
	require.NoError(t, err)
	assert.Equal(t, mustUTC(t, "2020-01-01T13:00:35Z"), got)
}

func TestNextExpiry_IntervalPostDowntimeSkipMode(t *testing.T) {
	row := timerow.Row{
		InsertedAt:    mustUTC(t, "2020-01-01T12:00:00Z"),
		Duration:      dur(5000),
		Interval:      dur(10000),
		Calls:         1,
		SkipIfOffline: true,
	}

	got, err := NextExpiry(row, mustUTC(t, "2020-01-01T14:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, mustUTC(t, "2020-01-01T14:00:05Z"), got)
}

func TestNextExpiry_IntervalStrictNoSkip(t *testing.T) {
	row := timerow.Row{
		InsertedAt:    mustUTC(t, "2020-01-01T12:00:00Z"),
		Duration:      dur(5000),
		Interval:      dur(10000),
		Calls:         0,
		SkipIfOffline: false,
	}

	got, err := NextExpiry(row, mustUTC(t, "2020-01-01T14:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, mustUTC(t, "2020-01-01T12:00:05Z"), got)
}

func TestNextExpiry_CronAcrossDST(t *testing.T) {
	row := timerow.Row{
		InsertedAt:      mustUTC(t, "2020-01-01T00:00:00Z"),
		Crontab:         "0 12 15 * *",
		CrontabTimezone: "Europe/Berlin",
		Calls:           1,
		SkipIfOffline:   true,
	}

	got, err := NextExpiry(row, mustUTC(t, "2020-04-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, mustUTC(t, "2020-04-15T10:00:00Z"), got)
}

func TestNextExpiry_CronStrictNoSkip(t *testing.T) {
	row := timerow.Row{
		InsertedAt:      mustUTC(t, "2020-01-01T00:00:00Z"),
		Crontab:         "0 12 15 * *",
		CrontabTimezone: "Europe/Berlin",
		Calls:           0,
		SkipIfOffline:   false,
	}

	got, err := NextExpiry(row, mustUTC(t, "2020-04-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, mustUTC(t, "2020-01-15T11:00:00Z"), got)
}

func TestNextExpiry_CallAtRoundTrips(t *testing.T) {
	alarm := mustUTC(t, "2020-06-01T09:30:00Z")
	row := timerow.Row{
		ExpiresAt:     alarm,
		SkipIfOffline: true,
	}

	got, err := NextExpiry(row, mustUTC(t, "2020-01-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, alarm, got)
}

func TestNextExpiry_NoScheduleIsAnError(t *testing.T) {
	row := timerow.Row{SkipIfOffline: true}
	_, err := NextExpiry(row, time.Now())
	require.ErrorIs(t, err, ErrNoSchedule)
}

func TestNextExpiry_CandidateStrictlyAfterNow(t *testing.T) {
	row := timerow.Row{
		InsertedAt:    mustUTC(t, "2020-01-01T12:00:00Z"),
		Duration:      dur(5000),
		Interval:      dur(10000),
		Calls:         1,
		SkipIfOffline: true,
	}
	anchor := mustUTC(t, "2020-01-01T12:00:05Z")
	// now lands exactly on an interval boundary; the result must still be
	// strictly greater, never equal.
	got, err := NextExpiry(row, anchor.Add(20*time.Second))
	require.NoError(t, err)
	assert.True(t, got.After(anchor.Add(20*time.Second)))
}

func TestNextExpiry_InvalidCronPropagates(t *testing.T) {
	row := timerow.Row{
		InsertedAt:      mustUTC(t, "2020-01-01T00:00:00Z"),
		Crontab:         "not a cron expression",
		CrontabTimezone: "UTC",
		Calls:           1,
		SkipIfOffline:   true,
	}
	_, err := NextExpiry(row, mustUTC(t, "2020-01-01T00:00:00Z"))
	require.Error(t, err)
}
