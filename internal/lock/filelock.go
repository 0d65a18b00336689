package lock

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Acquisition is the three-way outcome of an acquire attempt.
type Acquisition int

const (
	// Contended means another live process holds the lock.
	Contended Acquisition = iota
	// Acquired means the lock was taken cleanly.
	Acquired
	// StaleReclaimed means a dead or expired marker was removed first.
	StaleReclaimed
)

func (a Acquisition) String() string {
	switch a {
	case Acquired:
		return "acquired"
	case StaleReclaimed:
		return "stale-reclaimed"
	default:
		return "contended"
	}
}

// Held reports whether the attempt ended with the lock owned.
func (a Acquisition) Held() bool {
	return a == Acquired || a == StaleReclaimed
}

type marker struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileLock is a named cross-process lock backed by a filesystem marker that
// records the owning process id and acquisition time. Both Acquire and
// Release are best-effort and never panic past the caller.
type FileLock struct {
	path     string
	staleAge time.Duration
	logger   zerolog.Logger

	pidAlive func(int32) bool
}

// New builds a lock named name under dir. Markers older than staleAge are
// reclaimable even when the owning pid still exists.
func New(dir, name string, staleAge time.Duration, logger zerolog.Logger) *FileLock {
	return &FileLock{
		path:     filepath.Join(dir, name+".lock"),
		staleAge: staleAge,
		logger:   logger.With().Str("component", "filelock").Str("lock", name).Logger(),
		pidAlive: func(pid int32) bool {
			alive, err := process.PidExists(pid)
			if err != nil {
				// Cannot probe: assume alive so we never steal a live lock.
				return true
			}
			return alive
		},
	}
}

// Acquire attempts to take the lock. Priority order: clean create, then
// dead-owner reclaim, then stale-age reclaim, otherwise contended.
func (l *FileLock) Acquire() Acquisition {
	if l.tryCreate() {
		return Acquired
	}

	m, err := l.readMarker()
	if err != nil {
		// Unreadable marker: another process may be mid-write. Back off.
		l.logger.Debug().Err(err).Msg("lock marker unreadable, treating as contended")
		return Contended
	}

	reclaim := false
	switch {
	case !l.pidAlive(int32(m.PID)):
		l.logger.Warn().Int("pid", m.PID).Msg("lock owner no longer alive, reclaiming")
		reclaim = true
	case l.staleAge > 0 && time.Since(m.AcquiredAt) > l.staleAge:
		l.logger.Warn().Int("pid", m.PID).Time("acquired_at", m.AcquiredAt).Msg("lock marker exceeded stale age, reclaiming")
		reclaim = true
	}
	if !reclaim {
		return Contended
	}

	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn().Err(err).Msg("failed to remove stale lock marker")
		return Contended
	}
	if l.tryCreate() {
		return StaleReclaimed
	}
	return Contended
}

// Release removes the marker. Best-effort.
func (l *FileLock) Release() {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn().Err(err).Msg("failed to release lock")
	}
}

func (l *FileLock) tryCreate() bool {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return false
	}
	defer f.Close()

	m := marker{PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
	if err := json.NewEncoder(f).Encode(m); err != nil {
		l.logger.Warn().Err(err).Msg("failed to write lock marker")
		// Keep the file: we still hold the exclusive create.
	}
	return true
}

func (l *FileLock) readMarker() (marker, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return marker{}, err
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return marker{}, err
	}
	return m, nil
}
