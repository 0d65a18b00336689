package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Contract kinds.
const (
	KindLoanRegistry      = "loan"
	KindLiquidityRegistry = "liquidity"
	KindVaultRegistry     = "vault"
)

// Range statuses for liquidity snapshots.
const (
	RangeStatusIn       = "IN_RANGE"
	RangeStatusOut      = "OUT_OF_RANGE"
	RangeStatusInactive = "INACTIVE"
)

// MonitoredContract identifies one registry contract under observation.
// Immutable once created except for the enabled flag.
type MonitoredContract struct {
	ID         int64
	ChainID    int64
	Address    string
	Protocol   string
	Kind       string
	StartBlock uint64
	Enabled    bool
	CreatedAt  time.Time
}

// ScanCursor tracks indexing progress for one contract. LastScannedBlock is
// monotonically non-decreasing and never below StartBlock.
type ScanCursor struct {
	ContractID       int64
	StartBlock       uint64
	LastScannedBlock uint64
	UpdatedAt        time.Time
}

// Position is one monitored on-chain position, identified by
// (chain, contract, token).
type Position struct {
	ID         int64
	UserID     string
	Wallet     string
	ChainID    int64
	ContractID int64
	TokenID    string
	Kind       string
	Active     bool
	CreatedAt  time.Time
}

// Identity returns the snapshot identity tuple for the position.
func (p Position) Identity() SnapshotKey {
	return SnapshotKey{ChainID: p.ChainID, ContractID: p.ContractID, TokenID: p.TokenID}
}

// AlertIdentity returns the alert identity tuple for the position.
func (p Position) AlertIdentity() AlertKey {
	return AlertKey{UserID: p.UserID, Wallet: p.Wallet, ContractID: p.ContractID, TokenID: p.TokenID}
}

// SnapshotKey is the snapshot identity tuple.
type SnapshotKey struct {
	ChainID    int64
	ContractID int64
	TokenID    string
}

// Snapshot is the latest computed state for one position. Overwritten in
// place; at most one row per identity tuple.
type Snapshot struct {
	Key  SnapshotKey
	Kind string

	// Loan fields.
	CollateralAmount *decimal.Decimal
	DebtAmount       *decimal.Decimal
	CollateralPrice  *decimal.Decimal
	LiquidationPrice *decimal.Decimal
	InterestRate     *decimal.Decimal
	DebtAhead        *decimal.Decimal
	TotalDebt        *decimal.Decimal

	// Liquidity fields.
	Liquidity   *decimal.Decimal
	TickLower   *int32
	TickUpper   *int32
	CurrentTick *int32
	Amount0     *decimal.Decimal
	Amount1     *decimal.Decimal
	Fees0       *decimal.Decimal
	Fees1       *decimal.Decimal
	RangeStatus string

	CapturedAt time.Time
	RunID      string
}

// AlertKey is the alert identity tuple.
type AlertKey struct {
	UserID     string
	Wallet     string
	ContractID int64
	TokenID    string
}

// AlertState carries per-identity alert lifecycle state. Exactly one row per
// identity; IsActive=false implies Signature=nil.
type AlertState struct {
	Key        AlertKey
	IsActive   bool
	Signature  *string
	StateJSON  json.RawMessage
	LastSeenAt time.Time
}

// Alert event kinds.
const (
	EventNew      = "new"
	EventUpdated  = "updated"
	EventResolved = "resolved"
)

// AlertEvent is the append-only audit record of a lifecycle transition.
type AlertEvent struct {
	ID        int64
	Key       AlertKey
	Kind      string
	Signature *string
	Message   string
	Metadata  json.RawMessage
	CreatedAt time.Time
}
