package refresh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"positionwatch/internal/lock"
	"positionwatch/internal/storage"
)

type memSnapshots struct {
	snaps   []storage.Snapshot
	latest  time.Time
	listErr error
}

func (m *memSnapshots) UpsertSnapshot(ctx context.Context, snap storage.Snapshot) error {
	m.snaps = append(m.snaps, snap)
	return nil
}

func (m *memSnapshots) GetSnapshot(ctx context.Context, key storage.SnapshotKey) (*storage.Snapshot, error) {
	return nil, nil
}

func (m *memSnapshots) ListSnapshots(ctx context.Context) ([]storage.Snapshot, error) {
	return m.snaps, m.listErr
}

func (m *memSnapshots) LatestCaptureTime(ctx context.Context) (time.Time, error) {
	return m.latest, nil
}

type fakeRefresher struct {
	calls int
	err   error
	onRun func()
}

func (f *fakeRefresher) RefreshAll(ctx context.Context) (int, error) {
	f.calls++
	if f.onRun != nil {
		f.onRun()
	}
	return 1, f.err
}

type fakeLocker struct {
	result   lock.Acquisition
	acquires int
	releases int
}

func (f *fakeLocker) Acquire() lock.Acquisition { f.acquires++; return f.result }
func (f *fakeLocker) Release()                  { f.releases++ }

func newCoordinator(snaps *memSnapshots, refresher *fakeRefresher, locker *fakeLocker) *Coordinator {
	c := New(snaps, refresher, locker, time.Minute, zerolog.Nop())
	c.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func TestFreshSnapshotsSkipRefresh(t *testing.T) {
	snaps := &memSnapshots{
		snaps:  []storage.Snapshot{{RunID: "r1"}},
		latest: time.Date(2025, 6, 1, 11, 59, 30, 0, time.UTC),
	}
	refresher := &fakeRefresher{}
	locker := &fakeLocker{result: lock.Acquired}

	c := newCoordinator(snaps, refresher, locker)
	res, err := c.Snapshots(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Stale)
	assert.Empty(t, res.Warning)
	assert.Equal(t, 0, refresher.calls, "fresh data must not trigger a refresh")
	assert.Equal(t, 0, locker.acquires, "fresh data must not touch the lock")
}

func TestStaleSnapshotsRefreshUnderLock(t *testing.T) {
	snaps := &memSnapshots{latest: time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)}
	refresher := &fakeRefresher{onRun: func() {
		snaps.snaps = append(snaps.snaps, storage.Snapshot{RunID: "fresh"})
	}}
	locker := &fakeLocker{result: lock.Acquired}

	c := newCoordinator(snaps, refresher, locker)
	res, err := c.Snapshots(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Stale)
	assert.Equal(t, 1, refresher.calls)
	assert.Equal(t, 1, locker.releases, "lock must be released after refresh")
	require.Len(t, res.Snapshots, 1)
	assert.Equal(t, "fresh", res.Snapshots[0].RunID)
}

func TestEmptyStoreTriggersRefresh(t *testing.T) {
	snaps := &memSnapshots{}
	refresher := &fakeRefresher{}
	locker := &fakeLocker{result: lock.StaleReclaimed}

	c := newCoordinator(snaps, refresher, locker)
	res, err := c.Snapshots(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.Equal(t, 1, refresher.calls, "zero capture time means no data yet, refresh must run")
}

func TestContendedLockServesStaleWithWarning(t *testing.T) {
	snaps := &memSnapshots{
		snaps:  []storage.Snapshot{{RunID: "old"}},
		latest: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	refresher := &fakeRefresher{}
	locker := &fakeLocker{result: lock.Contended}

	c := newCoordinator(snaps, refresher, locker)
	res, err := c.Snapshots(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Stale)
	assert.NotEmpty(t, res.Warning)
	assert.Equal(t, 0, refresher.calls)
	assert.Equal(t, 0, locker.releases, "a lock we never held must not be released")
	require.Len(t, res.Snapshots, 1)
	assert.Equal(t, "old", res.Snapshots[0].RunID)
}

func TestFailedRefreshFallsBackToStale(t *testing.T) {
	snaps := &memSnapshots{
		snaps:  []storage.Snapshot{{RunID: "old"}},
		latest: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	refresher := &fakeRefresher{err: errors.New("rpc down")}
	locker := &fakeLocker{result: lock.Acquired}

	c := newCoordinator(snaps, refresher, locker)
	res, err := c.Snapshots(context.Background())
	require.NoError(t, err, "refresh failure is degraded service, not an error")

	assert.True(t, res.Stale)
	assert.NotEmpty(t, res.Warning)
	assert.Equal(t, 1, locker.releases)
	require.Len(t, res.Snapshots, 1)
	assert.Equal(t, "old", res.Snapshots[0].RunID)
}
