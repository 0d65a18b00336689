package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	listEnabledContractsSQL = `SELECT
        id, chain_id, address, protocol, kind, start_block, enabled, created_at
    FROM monitored_contracts
    WHERE enabled
    ORDER BY chain_id, id;`

	getContractSQL = `SELECT
        id, chain_id, address, protocol, kind, start_block, enabled, created_at
    FROM monitored_contracts
    WHERE id = $1;`

	getCursorSQL = `SELECT contract_id, start_block, last_scanned_block, updated_at
    FROM scan_cursors
    WHERE contract_id = $1;`

	upsertCursorSQL = `INSERT INTO scan_cursors (
        contract_id, start_block, last_scanned_block, updated_at
    ) VALUES ($1,$2,$3,now())
    ON CONFLICT (contract_id) DO UPDATE
    SET last_scanned_block = GREATEST(scan_cursors.last_scanned_block, EXCLUDED.last_scanned_block),
        updated_at         = now();`

	resetCursorSQL = `INSERT INTO scan_cursors (
        contract_id, start_block, last_scanned_block, updated_at
    ) VALUES ($1,$2,$2,now())
    ON CONFLICT (contract_id) DO UPDATE
    SET start_block        = EXCLUDED.start_block,
        last_scanned_block = EXCLUDED.last_scanned_block,
        updated_at         = now();`

	deleteCursorSQL = `DELETE FROM scan_cursors WHERE contract_id = $1;`

	upsertPositionSQL = `INSERT INTO positions (
        user_id, wallet, chain_id, contract_id, token_id, kind, active
    ) VALUES ($1,$2,$3,$4,$5,$6,$7)
    ON CONFLICT (chain_id, contract_id, token_id) DO UPDATE
    SET user_id = EXCLUDED.user_id,
        wallet  = EXCLUDED.wallet,
        active  = EXCLUDED.active;`

	listActivePositionsSQL = `SELECT
        id, user_id, wallet, chain_id, contract_id, token_id, kind, active, created_at
    FROM positions
    WHERE active
    ORDER BY chain_id, contract_id, token_id;`

	deactivatePositionSQL = `UPDATE positions
    SET active = FALSE
    WHERE chain_id = $1 AND contract_id = $2 AND token_id = $3;`

	upsertSnapshotSQL = `INSERT INTO snapshots (
        chain_id, contract_id, token_id, kind,
        collateral_amount, debt_amount, collateral_price, liquidation_price,
        interest_rate, debt_ahead, total_debt,
        liquidity, tick_lower, tick_upper, current_tick,
        amount0, amount1, fees0, fees1, range_status,
        captured_at, run_id
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22
    )
    ON CONFLICT (chain_id, contract_id, token_id) DO UPDATE
    SET kind              = EXCLUDED.kind,
        collateral_amount = EXCLUDED.collateral_amount,
        debt_amount       = EXCLUDED.debt_amount,
        collateral_price  = EXCLUDED.collateral_price,
        liquidation_price = EXCLUDED.liquidation_price,
        interest_rate     = EXCLUDED.interest_rate,
        debt_ahead        = EXCLUDED.debt_ahead,
        total_debt        = EXCLUDED.total_debt,
        liquidity         = EXCLUDED.liquidity,
        tick_lower        = EXCLUDED.tick_lower,
        tick_upper        = EXCLUDED.tick_upper,
        current_tick      = EXCLUDED.current_tick,
        amount0           = EXCLUDED.amount0,
        amount1           = EXCLUDED.amount1,
        fees0             = EXCLUDED.fees0,
        fees1             = EXCLUDED.fees1,
        range_status      = EXCLUDED.range_status,
        captured_at       = EXCLUDED.captured_at,
        run_id            = EXCLUDED.run_id;`

	snapshotColumns = `chain_id, contract_id, token_id, kind,
        collateral_amount, debt_amount, collateral_price, liquidation_price,
        interest_rate, debt_ahead, total_debt,
        liquidity, tick_lower, tick_upper, current_tick,
        amount0, amount1, fees0, fees1, range_status,
        captured_at, run_id`

	getSnapshotSQL = `SELECT ` + snapshotColumns + `
    FROM snapshots
    WHERE chain_id = $1 AND contract_id = $2 AND token_id = $3;`

	listSnapshotsSQL = `SELECT ` + snapshotColumns + `
    FROM snapshots
    ORDER BY chain_id, contract_id, token_id;`

	latestCaptureSQL = `SELECT MAX(captured_at) FROM snapshots;`

	getAlertStateSQL = `SELECT
        user_id, wallet, contract_id, token_id, is_active, signature, state_json, last_seen_at
    FROM alert_states
    WHERE user_id = $1 AND wallet = $2 AND contract_id = $3 AND token_id = $4;`

	upsertAlertStateSQL = `INSERT INTO alert_states (
        user_id, wallet, contract_id, token_id, is_active, signature, state_json, last_seen_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    ON CONFLICT (user_id, wallet, contract_id, token_id) DO UPDATE
    SET is_active    = EXCLUDED.is_active,
        signature    = EXCLUDED.signature,
        state_json   = EXCLUDED.state_json,
        last_seen_at = EXCLUDED.last_seen_at;`

	insertAlertEventSQL = `INSERT INTO alert_events (
        user_id, wallet, contract_id, token_id, kind, signature, message, metadata
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`

	listRecentAlertEventsSQL = `SELECT
        id, user_id, wallet, contract_id, token_id, kind, signature, message, metadata, created_at
    FROM alert_events
    ORDER BY created_at DESC
    LIMIT $1;`

	isOptedOutSQL = `SELECT EXISTS (SELECT 1 FROM notification_optouts WHERE user_id = $1);`

	setOptOutSQL = `INSERT INTO notification_optouts (user_id, opted_out_at)
    VALUES ($1, now())
    ON CONFLICT (user_id) DO NOTHING;`
)

// ListEnabledContracts returns all contracts currently under observation.
func (s *Store) ListEnabledContracts(ctx context.Context) ([]MonitoredContract, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEnabledContractsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list enabled contracts: %w", queryErr)
	}
	defer rows.Close()

	contracts := make([]MonitoredContract, 0)
	for rows.Next() {
		var c MonitoredContract
		if err := rows.Scan(&c.ID, &c.ChainID, &c.Address, &c.Protocol, &c.Kind, &c.StartBlock, &c.Enabled, &c.CreatedAt); err != nil {
			return nil, err
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

// GetContract fetches one contract by id.
func (s *Store) GetContract(ctx context.Context, id int64) (MonitoredContract, error) {
	pool, err := s.getPool()
	if err != nil {
		return MonitoredContract{}, err
	}

	var c MonitoredContract
	row := pool.QueryRow(ctx, getContractSQL, id)
	if err := row.Scan(&c.ID, &c.ChainID, &c.Address, &c.Protocol, &c.Kind, &c.StartBlock, &c.Enabled, &c.CreatedAt); err != nil {
		return MonitoredContract{}, fmt.Errorf("get contract %d: %w", id, err)
	}
	return c, nil
}

// GetCursor fetches the scan cursor for a contract, nil when absent.
func (s *Store) GetCursor(ctx context.Context, contractID int64) (*ScanCursor, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var c ScanCursor
	row := pool.QueryRow(ctx, getCursorSQL, contractID)
	if err := row.Scan(&c.ContractID, &c.StartBlock, &c.LastScannedBlock, &c.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get cursor %d: %w", contractID, err)
	}
	return &c, nil
}

// UpsertCursor persists scan progress. The GREATEST guard in the SQL keeps
// last_scanned_block monotonically non-decreasing even under races.
func (s *Store) UpsertCursor(ctx context.Context, cursor ScanCursor) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if cursor.LastScannedBlock < cursor.StartBlock {
		return fmt.Errorf("cursor for contract %d: last scanned %d below start %d",
			cursor.ContractID, cursor.LastScannedBlock, cursor.StartBlock)
	}
	if _, execErr := pool.Exec(ctx, upsertCursorSQL, cursor.ContractID, cursor.StartBlock, cursor.LastScannedBlock); execErr != nil {
		return fmt.Errorf("upsert cursor: %w", execErr)
	}
	return nil
}

// ResetCursor rewinds a cursor administratively so the next scan resumes AT
// fromBlock (the stored row holds fromBlock-1 as the last scanned block).
// fromBlock 0 deletes the cursor instead, sending the next scan back to the
// configured or discovered start block. The only sanctioned rewind.
func (s *Store) ResetCursor(ctx context.Context, contractID int64, fromBlock uint64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if fromBlock == 0 {
		if _, execErr := pool.Exec(ctx, deleteCursorSQL, contractID); execErr != nil {
			return fmt.Errorf("delete cursor: %w", execErr)
		}
		return nil
	}
	if _, execErr := pool.Exec(ctx, resetCursorSQL, contractID, fromBlock-1); execErr != nil {
		return fmt.Errorf("reset cursor: %w", execErr)
	}
	return nil
}

// UpsertPosition records position existence, idempotent on identity.
func (s *Store) UpsertPosition(ctx context.Context, pos Position) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, upsertPositionSQL,
		pos.UserID, pos.Wallet, pos.ChainID, pos.ContractID, pos.TokenID, pos.Kind, pos.Active)
	if execErr != nil {
		return fmt.Errorf("upsert position: %w", execErr)
	}
	return nil
}

// ListActivePositions returns all active positions in identity order.
func (s *Store) ListActivePositions(ctx context.Context) ([]Position, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActivePositionsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list active positions: %w", queryErr)
	}
	defer rows.Close()

	positions := make([]Position, 0)
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.ID, &p.UserID, &p.Wallet, &p.ChainID, &p.ContractID, &p.TokenID, &p.Kind, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// DeactivatePosition marks a closed position inactive. Rows are never deleted.
func (s *Store) DeactivatePosition(ctx context.Context, key SnapshotKey) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deactivatePositionSQL, key.ChainID, key.ContractID, key.TokenID); execErr != nil {
		return fmt.Errorf("deactivate position: %w", execErr)
	}
	return nil
}

// UpsertSnapshot overwrites the snapshot row for the identity tuple.
func (s *Store) UpsertSnapshot(ctx context.Context, snap Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertSnapshotSQL,
		snap.Key.ChainID, snap.Key.ContractID, snap.Key.TokenID, snap.Kind,
		decArg(snap.CollateralAmount), decArg(snap.DebtAmount), decArg(snap.CollateralPrice), decArg(snap.LiquidationPrice),
		decArg(snap.InterestRate), decArg(snap.DebtAhead), decArg(snap.TotalDebt),
		decArg(snap.Liquidity), intArg(snap.TickLower), intArg(snap.TickUpper), intArg(snap.CurrentTick),
		decArg(snap.Amount0), decArg(snap.Amount1), decArg(snap.Fees0), decArg(snap.Fees1), snap.RangeStatus,
		snap.CapturedAt, snap.RunID,
	)
	if execErr != nil {
		return fmt.Errorf("upsert snapshot: %w", execErr)
	}
	return nil
}

// GetSnapshot fetches one snapshot, nil when absent.
func (s *Store) GetSnapshot(ctx context.Context, key SnapshotKey) (*Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	row := pool.QueryRow(ctx, getSnapshotSQL, key.ChainID, key.ContractID, key.TokenID)
	snap, scanErr := scanSnapshot(row)
	if scanErr != nil {
		if scanErr == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, scanErr
	}
	return &snap, nil
}

// ListSnapshots returns all snapshots.
func (s *Store) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots: %w", queryErr)
	}
	defer rows.Close()

	snaps := make([]Snapshot, 0)
	for rows.Next() {
		snap, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// LatestCaptureTime returns the max capture timestamp across all snapshots,
// zero when none exist.
func (s *Store) LatestCaptureTime(ctx context.Context) (time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, err
	}

	var latest sql.NullTime
	if scanErr := pool.QueryRow(ctx, latestCaptureSQL).Scan(&latest); scanErr != nil {
		return time.Time{}, fmt.Errorf("latest capture time: %w", scanErr)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time, nil
}

// GetAlertState fetches the lifecycle state for an identity, nil when absent.
func (s *Store) GetAlertState(ctx context.Context, key AlertKey) (*AlertState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var state AlertState
	var signature sql.NullString
	row := pool.QueryRow(ctx, getAlertStateSQL, key.UserID, key.Wallet, key.ContractID, key.TokenID)
	if scanErr := row.Scan(
		&state.Key.UserID, &state.Key.Wallet, &state.Key.ContractID, &state.Key.TokenID,
		&state.IsActive, &signature, &state.StateJSON, &state.LastSeenAt,
	); scanErr != nil {
		if scanErr == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get alert state: %w", scanErr)
	}
	if signature.Valid {
		sig := signature.String
		state.Signature = &sig
	}
	return &state, nil
}

// UpsertAlertState persists lifecycle state for an identity.
func (s *Store) UpsertAlertState(ctx context.Context, state AlertState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if !state.IsActive && state.Signature != nil {
		return fmt.Errorf("alert state for %s/%s: inactive state cannot carry a signature", state.Key.UserID, state.Key.TokenID)
	}

	var signature interface{}
	if state.Signature != nil {
		signature = *state.Signature
	}
	stateJSON := state.StateJSON
	if stateJSON == nil {
		stateJSON = json.RawMessage("{}")
	}

	_, execErr := pool.Exec(ctx, upsertAlertStateSQL,
		state.Key.UserID, state.Key.Wallet, state.Key.ContractID, state.Key.TokenID,
		state.IsActive, signature, []byte(stateJSON), state.LastSeenAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert alert state: %w", execErr)
	}
	return nil
}

// InsertAlertEvent appends one transition record. Write-once.
func (s *Store) InsertAlertEvent(ctx context.Context, event AlertEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var signature interface{}
	if event.Signature != nil {
		signature = *event.Signature
	}
	metadata := event.Metadata
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}

	_, execErr := pool.Exec(ctx, insertAlertEventSQL,
		event.Key.UserID, event.Key.Wallet, event.Key.ContractID, event.Key.TokenID,
		event.Kind, signature, event.Message, []byte(metadata),
	)
	if execErr != nil {
		return fmt.Errorf("insert alert event: %w", execErr)
	}
	return nil
}

// ListRecentAlertEvents lists most recent transitions.
func (s *Store) ListRecentAlertEvents(ctx context.Context, limit int) ([]AlertEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alert events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]AlertEvent, 0, limit)
	for rows.Next() {
		var event AlertEvent
		var signature sql.NullString
		if err := rows.Scan(
			&event.ID,
			&event.Key.UserID, &event.Key.Wallet, &event.Key.ContractID, &event.Key.TokenID,
			&event.Kind, &signature, &event.Message, &event.Metadata, &event.CreatedAt,
		); err != nil {
			return nil, err
		}
		if signature.Valid {
			sig := signature.String
			event.Signature = &sig
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// IsOptedOut reports whether delivery is disabled for the user.
func (s *Store) IsOptedOut(ctx context.Context, userID string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var optedOut bool
	if scanErr := pool.QueryRow(ctx, isOptedOutSQL, userID).Scan(&optedOut); scanErr != nil {
		return false, fmt.Errorf("check opt-out: %w", scanErr)
	}
	return optedOut, nil
}

// SetOptOut disables delivery for the user until an operator re-enables it.
func (s *Store) SetOptOut(ctx context.Context, userID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setOptOutSQL, userID); execErr != nil {
		return fmt.Errorf("set opt-out: %w", execErr)
	}
	return nil
}

func decArg(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func intArg(i *int32) interface{} {
	if i == nil {
		return nil
	}
	return *i
}

func scanSnapshot(row pgx.Row) (Snapshot, error) {
	var snap Snapshot
	var (
		collateral, debt, price, liqPrice sql.NullString
		rate, debtAhead, totalDebt        sql.NullString
		liquidity, am0, am1, fees0, fees1 sql.NullString
		tickLower, tickUpper, currentTick sql.NullInt32
		rangeStatus                       sql.NullString
	)

	if err := row.Scan(
		&snap.Key.ChainID, &snap.Key.ContractID, &snap.Key.TokenID, &snap.Kind,
		&collateral, &debt, &price, &liqPrice,
		&rate, &debtAhead, &totalDebt,
		&liquidity, &tickLower, &tickUpper, &currentTick,
		&am0, &am1, &fees0, &fees1, &rangeStatus,
		&snap.CapturedAt, &snap.RunID,
	); err != nil {
		return Snapshot{}, err
	}

	var err error
	if snap.CollateralAmount, err = parseNullDecimal(collateral); err != nil {
		return Snapshot{}, err
	}
	if snap.DebtAmount, err = parseNullDecimal(debt); err != nil {
		return Snapshot{}, err
	}
	if snap.CollateralPrice, err = parseNullDecimal(price); err != nil {
		return Snapshot{}, err
	}
	if snap.LiquidationPrice, err = parseNullDecimal(liqPrice); err != nil {
		return Snapshot{}, err
	}
	if snap.InterestRate, err = parseNullDecimal(rate); err != nil {
		return Snapshot{}, err
	}
	if snap.DebtAhead, err = parseNullDecimal(debtAhead); err != nil {
		return Snapshot{}, err
	}
	if snap.TotalDebt, err = parseNullDecimal(totalDebt); err != nil {
		return Snapshot{}, err
	}
	if snap.Liquidity, err = parseNullDecimal(liquidity); err != nil {
		return Snapshot{}, err
	}
	if snap.Amount0, err = parseNullDecimal(am0); err != nil {
		return Snapshot{}, err
	}
	if snap.Amount1, err = parseNullDecimal(am1); err != nil {
		return Snapshot{}, err
	}
	if snap.Fees0, err = parseNullDecimal(fees0); err != nil {
		return Snapshot{}, err
	}
	if snap.Fees1, err = parseNullDecimal(fees1); err != nil {
		return Snapshot{}, err
	}

	snap.TickLower = nullInt32Ptr(tickLower)
	snap.TickUpper = nullInt32Ptr(tickUpper)
	snap.CurrentTick = nullInt32Ptr(currentTick)
	if rangeStatus.Valid {
		snap.RangeStatus = rangeStatus.String
	}

	return snap, nil
}

func parseNullDecimal(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", ns.String, err)
	}
	return &d, nil
}

func nullInt32Ptr(ni sql.NullInt32) *int32 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int32
	return &v
}
