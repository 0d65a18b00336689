package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"positionwatch/internal/lock"
	"positionwatch/internal/storage"
)

// Refresher rebuilds all snapshots. Satisfied by the snapshot builder.
type Refresher interface {
	RefreshAll(ctx context.Context) (int, error)
}

// Locker is the cross-process mutual exclusion boundary.
type Locker interface {
	Acquire() lock.Acquisition
	Release()
}

// Result is what a read-path caller gets: the freshest snapshots available,
// with an explicit staleness warning when live refresh was not possible.
type Result struct {
	Snapshots []storage.Snapshot
	Stale     bool
	Warning   string
}

// Coordinator decides whether cached snapshots are current enough to serve
// and, when not, serializes a guarded refresh. A caller never gets an error
// for a failed refresh: stale data with a warning beats no data.
type Coordinator struct {
	snapshots storage.SnapshotStore
	refresher Refresher
	locker    Locker
	threshold time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// New constructs a Coordinator.
func New(snapshots storage.SnapshotStore, refresher Refresher, locker Locker, threshold time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		snapshots: snapshots,
		refresher: refresher,
		locker:    locker,
		threshold: threshold,
		logger:    logger.With().Str("component", "refresh_coordinator").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Snapshots serves the snapshot set, refreshing first when stale and the
// refresh lock is available.
func (c *Coordinator) Snapshots(ctx context.Context) (Result, error) {
	latest, err := c.snapshots.LatestCaptureTime(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read latest capture time: %w", err)
	}

	age := c.now().Sub(latest)
	if !latest.IsZero() && age <= c.threshold {
		return c.read(ctx, false, "")
	}

	acq := c.locker.Acquire()
	if !acq.Held() {
		c.logger.Warn().Dur("age", age).Msg("snapshots stale but refresh lock contended, serving stale data")
		return c.read(ctx, true, "refresh already in progress; data may be stale")
	}
	defer c.locker.Release()

	c.logger.Info().Dur("age", age).Str("lock", acq.String()).Msg("snapshots stale, refreshing")
	if _, err := c.refresher.RefreshAll(ctx); err != nil {
		c.logger.Error().Err(err).Msg("refresh failed, falling back to stale snapshots")
		return c.read(ctx, true, "refresh failed; serving last known data")
	}

	return c.read(ctx, false, "")
}

func (c *Coordinator) read(ctx context.Context, stale bool, warning string) (Result, error) {
	snaps, err := c.snapshots.ListSnapshots(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list snapshots: %w", err)
	}
	return Result{Snapshots: snaps, Stale: stale, Warning: warning}, nil
}
