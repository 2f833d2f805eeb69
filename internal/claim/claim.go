// Package claim implements the atomic "pick earliest due, mark executing,
// return it" transaction of spec section 4.3. It adds the orphan-reclaim
// default/log behavior on top of the store adapter's bare ClaimNext
// primitive so the dispatcher worker can stay ignorant of SQL.
package claim

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/timewarden/internal/metrics"
	"github.com/loykin/timewarden/internal/store"
	"github.com/loykin/timewarden/internal/timerow"
)

// DefaultOrphanReclaimWindow is the recovery horizon past which an
// executing=true row is presumed abandoned by a crashed worker.
const DefaultOrphanReclaimWindow = store.DefaultOrphanReclaimWindow

// Next runs the claim transaction against adapter, using now as the
// reference instant and window as the orphan-reclaim horizon (0 means
// DefaultOrphanReclaimWindow). It returns (nil, nil) when nothing is
// claimable.
func Next(ctx context.Context, adapter store.Adapter, now time.Time, window time.Duration) (*timerow.Row, error) {
	if window <= 0 {
		window = DefaultOrphanReclaimWindow
	}
	row, wasOrphan, err := adapter.ClaimNext(ctx, now, window)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	metrics.IncClaimed()
	metrics.ObserveDispatchLatency(now.Sub(row.ExpiresAt).Seconds())
	if wasOrphan {
		metrics.IncOrphanReclaimed()
		slog.Info("orphan lease reclaimed", "timer_id", row.ID, "name", row.Name, "expires_at", row.ExpiresAt)
	}
	return row, nil
}
