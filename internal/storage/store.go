package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"positionwatch/internal/config"
)

// ErrNotConfigured indicates the storage pool was not initialised.
var ErrNotConfigured = errors.New("storage: pool not configured")

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// ContractStore lists monitored contracts.
type ContractStore interface {
	ListEnabledContracts(ctx context.Context) ([]MonitoredContract, error)
	GetContract(ctx context.Context, id int64) (MonitoredContract, error)
}

// CursorStore persists scan cursors. ResetCursor positions the cursor so the
// next scan resumes at fromBlock; fromBlock 0 removes the cursor entirely.
type CursorStore interface {
	GetCursor(ctx context.Context, contractID int64) (*ScanCursor, error)
	UpsertCursor(ctx context.Context, cursor ScanCursor) error
	ResetCursor(ctx context.Context, contractID int64, fromBlock uint64) error
}

// PositionStore persists monitored positions.
type PositionStore interface {
	UpsertPosition(ctx context.Context, pos Position) error
	ListActivePositions(ctx context.Context) ([]Position, error)
	DeactivatePosition(ctx context.Context, key SnapshotKey) error
}

// SnapshotStore persists latest-value snapshots.
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, snap Snapshot) error
	GetSnapshot(ctx context.Context, key SnapshotKey) (*Snapshot, error)
	ListSnapshots(ctx context.Context) ([]Snapshot, error)
	LatestCaptureTime(ctx context.Context) (time.Time, error)
}

// AlertStateStore persists per-identity alert lifecycle state.
type AlertStateStore interface {
	GetAlertState(ctx context.Context, key AlertKey) (*AlertState, error)
	UpsertAlertState(ctx context.Context, state AlertState) error
}

// AlertEventStore appends lifecycle transitions for audit.
type AlertEventStore interface {
	InsertAlertEvent(ctx context.Context, event AlertEvent) error
	ListRecentAlertEvents(ctx context.Context, limit int) ([]AlertEvent, error)
}

// OptOutStore tracks recipients with delivery disabled.
type OptOutStore interface {
	IsOptedOut(ctx context.Context, userID string) (bool, error)
	SetOptOut(ctx context.Context, userID string) error
}

// Store aggregates all persistence concerns behind one pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}
