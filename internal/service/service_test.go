package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"positionwatch/internal/alert"
	"positionwatch/internal/config"
	"positionwatch/internal/indexer"
	"positionwatch/internal/refresh"
	"positionwatch/internal/risk"
	"positionwatch/internal/storage"
)

type memContracts struct {
	contracts []storage.MonitoredContract
}

func (m *memContracts) ListEnabledContracts(ctx context.Context) ([]storage.MonitoredContract, error) {
	return m.contracts, nil
}

func (m *memContracts) GetContract(ctx context.Context, id int64) (storage.MonitoredContract, error) {
	for _, c := range m.contracts {
		if c.ID == id {
			return c, nil
		}
	}
	return storage.MonitoredContract{}, errors.New("contract not found")
}

type memPositions struct {
	mu        sync.Mutex
	positions map[storage.SnapshotKey]storage.Position
}

func newMemPositions() *memPositions {
	return &memPositions{positions: map[storage.SnapshotKey]storage.Position{}}
}

func (m *memPositions) UpsertPosition(ctx context.Context, pos storage.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.Identity()] = pos
	return nil
}

func (m *memPositions) ListActivePositions(ctx context.Context) ([]storage.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Position
	for _, p := range m.positions {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPositions) DeactivatePosition(ctx context.Context, key storage.SnapshotKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[key]; ok {
		p.Active = false
		m.positions[key] = p
	}
	return nil
}

type memStates struct {
	states map[storage.AlertKey]storage.AlertState
}

func newMemStates() *memStates {
	return &memStates{states: map[storage.AlertKey]storage.AlertState{}}
}

func (m *memStates) GetAlertState(ctx context.Context, key storage.AlertKey) (*storage.AlertState, error) {
	if s, ok := m.states[key]; ok {
		copied := s
		return &copied, nil
	}
	return nil, nil
}

func (m *memStates) UpsertAlertState(ctx context.Context, state storage.AlertState) error {
	m.states[state.Key] = state
	return nil
}

type memEvents struct {
	events []storage.AlertEvent
}

func (m *memEvents) InsertAlertEvent(ctx context.Context, event storage.AlertEvent) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memEvents) ListRecentAlertEvents(ctx context.Context, limit int) ([]storage.AlertEvent, error) {
	return m.events, nil
}

type staticSource struct {
	result refresh.Result
}

func (s *staticSource) Snapshots(ctx context.Context) (refresh.Result, error) {
	return s.result, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Risk: config.RiskConfig{
			Liquidation: config.TierCutoffs{Critical: 0.02, High: 0.05, Medium: 0.10},
			Redemption:  config.TierCutoffs{Critical: 0.01, High: 0.03, Medium: 0.10},
			Range:       config.RangeCutoffs{InHigh: 0.02, InWarn: 0.10, OutWarn: 0.05, OutHigh: 0.25},
			BucketStep:  0.01,
		},
		Chains: []config.ChainConfig{{ChainID: 1, RPCURL: "http://localhost:8545"}},
	}
}

func dec(f float64) *decimal.Decimal {
	d := decimal.NewFromFloat(f)
	return &d
}

func newTestService(positions *memPositions, contracts *memContracts, source SnapshotSource, engine *alert.Engine) *Service {
	return New(testConfig(), nil, map[int64]*indexer.Indexer{}, contracts, positions, source, engine, nil, zerolog.Nop())
}

func TestAssessLoanSnapshot(t *testing.T) {
	s := newTestService(newMemPositions(), &memContracts{}, &staticSource{}, nil)

	snap := storage.Snapshot{
		Kind:             storage.KindLoanRegistry,
		CollateralPrice:  dec(2000),
		LiquidationPrice: dec(1940), // buffer 0.03: below high cutoff 0.05
		DebtAhead:        dec(100),
		TotalDebt:        dec(10000), // fraction 0.01: below high cutoff 0.03
	}

	a := s.Assess(snap)
	require.NotNil(t, a.Liquidation)
	assert.Equal(t, risk.TierHigh, a.Liquidation.Tier)
	require.NotNil(t, a.Redemption)
	assert.Equal(t, risk.TierHigh, a.Redemption.Tier)
	assert.Nil(t, a.Range)
	assert.Equal(t, risk.TierHigh, a.WorstTier())
}

func TestAssessLiquiditySnapshot(t *testing.T) {
	s := newTestService(newMemPositions(), &memContracts{}, &staticSource{}, nil)

	lower, upper, current := int32(100), int32(200), int32(150)
	snap := storage.Snapshot{
		Kind:        storage.KindLiquidityRegistry,
		TickLower:   &lower,
		TickUpper:   &upper,
		CurrentTick: &current,
		RangeStatus: storage.RangeStatusIn,
	}

	a := s.Assess(snap)
	require.NotNil(t, a.Range)
	assert.Equal(t, risk.TierLow, a.Range.Tier)
	assert.Nil(t, a.Liquidation)
}

func TestAssessMissingGeometryIsUnknown(t *testing.T) {
	s := newTestService(newMemPositions(), &memContracts{}, &staticSource{}, nil)

	a := s.Assess(storage.Snapshot{Kind: storage.KindLiquidityRegistry})
	require.NotNil(t, a.Range)
	assert.Equal(t, risk.TierUnknown, a.Range.Tier)
}

func TestOverridesShiftAssessment(t *testing.T) {
	overrides := &risk.TestOverrides{}
	overrides.SetPriceOffset(decimal.NewFromInt(-55))

	s := New(testConfig(), nil, map[int64]*indexer.Indexer{}, &memContracts{}, newMemPositions(), &staticSource{}, nil, overrides, zerolog.Nop())

	// Buffer without override: (2000-1940)/2000 = 0.03 -> HIGH.
	// With price shifted to 1945: (1945-1940)/1945 ~ 0.0026 -> CRITICAL.
	snap := storage.Snapshot{
		Kind:             storage.KindLoanRegistry,
		CollateralPrice:  dec(2000),
		LiquidationPrice: dec(1940),
	}
	a := s.Assess(snap)
	require.NotNil(t, a.Liquidation)
	assert.Equal(t, risk.TierCritical, a.Liquidation.Tier)
}

func TestHandleLogOpensAndClosesPositions(t *testing.T) {
	positions := newMemPositions()
	contracts := &memContracts{}
	s := newTestService(positions, contracts, &staticSource{}, nil)

	contract := storage.MonitoredContract{ID: 7, ChainID: 1, Kind: storage.KindLoanRegistry}
	owner := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	tokenTopic := common.BigToHash(common.Big1)

	opened := types.Log{Topics: []common.Hash{positionOpenedTopic, common.BytesToHash(owner.Bytes()), tokenTopic}}
	require.NoError(t, s.HandleLog(context.Background(), contract, opened))

	active, err := positions.ListActivePositions(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "1", active[0].TokenID)
	assert.Equal(t, storage.KindLoanRegistry, active[0].Kind)

	closed := types.Log{Topics: []common.Hash{positionClosedTopic, common.BytesToHash(owner.Bytes()), tokenTopic}}
	require.NoError(t, s.HandleLog(context.Background(), contract, closed))

	active, err = positions.ListActivePositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestHandleLogSkipsForeignEvents(t *testing.T) {
	s := newTestService(newMemPositions(), &memContracts{}, &staticSource{}, nil)

	noise := types.Log{Topics: []common.Hash{common.HexToHash("0xdead"), {}, {}}}
	err := s.HandleLog(context.Background(), storage.MonitoredContract{}, noise)
	assert.ErrorIs(t, err, indexer.ErrSkipLog)

	short := types.Log{Topics: []common.Hash{positionOpenedTopic}}
	err = s.HandleLog(context.Background(), storage.MonitoredContract{}, short)
	assert.ErrorIs(t, err, indexer.ErrSkipLog)
}

func TestCycleEvaluatesPositions(t *testing.T) {
	positions := newMemPositions()
	pos := storage.Position{UserID: "u1", Wallet: "0xw", ChainID: 1, ContractID: 7, TokenID: "1", Kind: storage.KindLoanRegistry, Active: true}
	require.NoError(t, positions.UpsertPosition(context.Background(), pos))

	contracts := &memContracts{contracts: []storage.MonitoredContract{
		{ID: 7, ChainID: 1, Protocol: "lendco", Kind: storage.KindLoanRegistry, Enabled: true},
	}}

	snap := storage.Snapshot{
		Key:              pos.Identity(),
		Kind:             storage.KindLoanRegistry,
		CollateralPrice:  dec(2000),
		LiquidationPrice: dec(1990), // buffer 0.005 -> CRITICAL
		CapturedAt:       time.Now().UTC(),
	}
	source := &staticSource{result: refresh.Result{Snapshots: []storage.Snapshot{snap}}}

	states := newMemStates()
	events := &memEvents{}
	engine := alert.NewEngine(states, events, nil, nil, alert.Options{
		BucketStep: decimal.NewFromFloat(0.01),
		MinTier:    risk.TierHigh,
	}, zerolog.Nop())

	s := newTestService(positions, contracts, source, engine)
	require.NoError(t, s.Cycle(context.Background(), time.Now()))

	require.Len(t, events.events, 1)
	assert.Equal(t, storage.EventNew, events.events[0].Kind)
	state, err := states.GetAlertState(context.Background(), pos.AlertIdentity())
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.IsActive)
}

func TestCycleSkipsWhenInFlight(t *testing.T) {
	s := newTestService(newMemPositions(), &memContracts{}, &staticSource{}, nil)

	s.running.Store(true)
	require.NoError(t, s.Cycle(context.Background(), time.Now()))
	// The guard stayed set by the "other" cycle: nothing here cleared it.
	assert.True(t, s.running.Load())
}
