package service

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"positionwatch/internal/alert"
	"positionwatch/internal/config"
	"positionwatch/internal/indexer"
	"positionwatch/internal/metrics"
	"positionwatch/internal/refresh"
	"positionwatch/internal/risk"
	"positionwatch/internal/scheduler"
	"positionwatch/internal/storage"
)

// Registry events that announce position lifecycle on chain.
var (
	positionOpenedTopic = crypto.Keccak256Hash([]byte("PositionOpened(address,uint256)"))
	positionClosedTopic = crypto.Keccak256Hash([]byte("PositionClosed(address,uint256)"))
)

// SnapshotSource serves the freshest available snapshot set. Satisfied by the
// refresh coordinator.
type SnapshotSource interface {
	Snapshots(ctx context.Context) (refresh.Result, error)
}

// Service orchestrates one monitoring cycle: index registry logs, refresh
// snapshots, classify risk, and drive the alert lifecycle.
type Service struct {
	scheduler *scheduler.Scheduler
	indexers  map[int64]*indexer.Indexer
	contracts storage.ContractStore
	positions storage.PositionStore
	source    SnapshotSource
	engine    *alert.Engine
	overrides risk.OverrideProvider
	logger    zerolog.Logger

	liquidationCutoffs risk.Cutoffs
	redemptionCutoffs  risk.Cutoffs
	rangeCutoffs       risk.RangeCutoffs

	chainWorkers int
	running      atomic.Bool
}

// New constructs the monitoring service. indexers maps chain id to that
// chain's scanner.
func New(cfg *config.Config, sched *scheduler.Scheduler, indexers map[int64]*indexer.Indexer, contracts storage.ContractStore, positions storage.PositionStore, source SnapshotSource, engine *alert.Engine, overrides risk.OverrideProvider, logger zerolog.Logger) *Service {
	if overrides == nil {
		overrides = risk.NopOverrides{}
	}
	return &Service{
		scheduler:          sched,
		indexers:           indexers,
		contracts:          contracts,
		positions:          positions,
		source:             source,
		engine:             engine,
		overrides:          overrides,
		logger:             logger.With().Str("component", "service").Logger(),
		liquidationCutoffs: risk.NewCutoffs(cfg.Risk.Liquidation.Critical, cfg.Risk.Liquidation.High, cfg.Risk.Liquidation.Medium),
		redemptionCutoffs:  risk.NewCutoffs(cfg.Risk.Redemption.Critical, cfg.Risk.Redemption.High, cfg.Risk.Redemption.Medium),
		rangeCutoffs:       risk.NewRangeCutoffs(cfg.Risk.Range.InHigh, cfg.Risk.Range.InWarn, cfg.Risk.Range.OutWarn, cfg.Risk.Range.OutHigh),
		chainWorkers:       len(cfg.Chains),
	}
}

// Run begins the scheduled monitoring loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Cycle)
}

// Cycle executes one full monitoring pass. At most one cycle is in flight at
// a time; an overlapping tick is skipped, never queued.
func (s *Service) Cycle(ctx context.Context, at time.Time) error {
	if !s.running.CompareAndSwap(false, true) {
		metrics.CyclesSkipped.Inc()
		s.logger.Warn().Time("at", at).Msg("previous cycle still running, skipping tick")
		return nil
	}
	defer s.running.Store(false)

	start := time.Now()
	defer func() { metrics.ObserveCycle(time.Since(start)) }()

	if err := s.index(ctx); err != nil {
		// Classification still runs against the data we have.
		s.logger.Error().Err(err).Msg("indexing pass failed, evaluating with existing data")
	}

	result, err := s.source.Snapshots(ctx)
	if err != nil {
		return fmt.Errorf("load snapshots: %w", err)
	}
	if result.Stale {
		s.logger.Warn().Str("warning", result.Warning).Msg("evaluating against stale snapshots")
	}

	return s.evaluate(ctx, result.Snapshots)
}

// index scans every enabled contract for position lifecycle events. Chains
// run concurrently; contracts on one chain run sequentially so each endpoint
// sees at most one scan at a time.
func (s *Service) index(ctx context.Context) error {
	contracts, err := s.contracts.ListEnabledContracts(ctx)
	if err != nil {
		return fmt.Errorf("list contracts: %w", err)
	}

	byChain := make(map[int64][]storage.MonitoredContract)
	for _, c := range contracts {
		byChain[c.ChainID] = append(byChain[c.ChainID], c)
	}

	workers := s.chainWorkers
	if workers <= 0 {
		workers = len(byChain)
	}
	pool := pond.NewPool(workers)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for chainID, chainContracts := range byChain {
		ix, ok := s.indexers[chainID]
		if !ok {
			s.logger.Warn().Int64("chain", chainID).Msg("no indexer for chain, skipping its contracts")
			continue
		}
		contracts := chainContracts
		group.SubmitErr(func() error {
			for _, contract := range contracts {
				if err := ix.ScanContract(groupCtx, contract, s.HandleLog); err != nil {
					return fmt.Errorf("contract %d: %w", contract.ID, err)
				}
			}
			return nil
		})
	}

	return group.Wait()
}

// HandleLog applies one registry event. Unrecognised or malformed entries are
// skipped, not fatal: other contracts may emit unrelated events.
func (s *Service) HandleLog(ctx context.Context, contract storage.MonitoredContract, entry types.Log) error {
	if len(entry.Topics) < 3 {
		return indexer.ErrSkipLog
	}

	owner := common.BytesToAddress(entry.Topics[1].Bytes())
	tokenID := new(big.Int).SetBytes(entry.Topics[2].Bytes())

	switch entry.Topics[0] {
	case positionOpenedTopic:
		pos := storage.Position{
			UserID:     strings.ToLower(owner.Hex()),
			Wallet:     strings.ToLower(owner.Hex()),
			ChainID:    contract.ChainID,
			ContractID: contract.ID,
			TokenID:    tokenID.String(),
			Kind:       contract.Kind,
			Active:     true,
		}
		if err := s.positions.UpsertPosition(ctx, pos); err != nil {
			return fmt.Errorf("register position %s: %w", pos.TokenID, err)
		}
		s.logger.Info().Int64("contract", contract.ID).Str("token", pos.TokenID).Msg("position opened")
		return nil
	case positionClosedTopic:
		key := storage.SnapshotKey{ChainID: contract.ChainID, ContractID: contract.ID, TokenID: tokenID.String()}
		if err := s.positions.DeactivatePosition(ctx, key); err != nil {
			return fmt.Errorf("deactivate position %s: %w", key.TokenID, err)
		}
		s.logger.Info().Int64("contract", contract.ID).Str("token", key.TokenID).Msg("position closed")
		return nil
	default:
		return indexer.ErrSkipLog
	}
}

// evaluate classifies every active position with a snapshot and feeds the
// result through the alert lifecycle. Per-position errors are logged and do
// not stop the batch.
func (s *Service) evaluate(ctx context.Context, snapshots []storage.Snapshot) error {
	positions, err := s.positions.ListActivePositions(ctx)
	if err != nil {
		return fmt.Errorf("list active positions: %w", err)
	}

	contracts, err := s.contracts.ListEnabledContracts(ctx)
	if err != nil {
		return fmt.Errorf("list contracts: %w", err)
	}
	protocols := make(map[int64]string, len(contracts))
	for _, c := range contracts {
		protocols[c.ID] = c.Protocol
	}

	byKey := make(map[storage.SnapshotKey]storage.Snapshot, len(snapshots))
	for _, snap := range snapshots {
		byKey[snap.Key] = snap
	}

	evaluated := 0
	for _, pos := range positions {
		snap, ok := byKey[pos.Identity()]
		if !ok {
			s.logger.Debug().Int64("contract", pos.ContractID).Str("token", pos.TokenID).Msg("no snapshot for position yet")
			continue
		}

		eval := alert.Evaluation{
			Key:        pos.AlertIdentity(),
			Position:   pos.Identity(),
			Protocol:   protocols[pos.ContractID],
			Assessment: s.Assess(snap),
		}
		if _, err := s.engine.Process(ctx, eval); err != nil {
			s.logger.Error().Err(err).Str("token", pos.TokenID).Msg("alert processing failed")
			continue
		}
		evaluated++
	}

	s.logger.Info().Int("evaluated", evaluated).Int("positions", len(positions)).Msg("evaluation pass complete")
	return nil
}

// Assess classifies one snapshot on the axes its variant supports.
func (s *Service) Assess(snap storage.Snapshot) risk.Assessment {
	switch snap.Kind {
	case storage.KindLoanRegistry:
		price := s.effectivePrice(snap.CollateralPrice)
		buffer := risk.LiquidationBuffer(price, snap.LiquidationPrice)
		liquidation := risk.ClassifyLiquidation(buffer, s.liquidationCutoffs)

		debtAhead := s.effectiveDebtAhead(snap.DebtAhead)
		fraction := risk.DebtAheadFraction(debtAhead, snap.TotalDebt)
		redemption := risk.ClassifyRedemption(fraction, s.redemptionCutoffs)

		return risk.Assessment{Liquidation: &liquidation, Redemption: &redemption}
	default:
		if snap.TickLower == nil || snap.TickUpper == nil || snap.CurrentTick == nil {
			unknown := risk.Result{Tier: risk.TierUnknown, Label: "range geometry unavailable"}
			return risk.Assessment{Range: &unknown}
		}
		in := risk.RangeInput{
			TickLower:   *snap.TickLower,
			TickUpper:   *snap.TickUpper,
			CurrentTick: s.overrides.EffectiveTick(*snap.CurrentTick),
			Inactive:    snap.RangeStatus == storage.RangeStatusInactive,
		}
		rng := risk.ClassifyRange(in, s.rangeCutoffs)
		return risk.Assessment{Range: &rng}
	}
}

func (s *Service) effectivePrice(p *decimal.Decimal) *decimal.Decimal {
	if p == nil {
		return nil
	}
	v := s.overrides.EffectivePrice(*p)
	return &v
}

func (s *Service) effectiveDebtAhead(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := s.overrides.EffectiveDebtAhead(*d)
	return &v
}
