package snapshot

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"positionwatch/internal/chain"
	"positionwatch/internal/metrics"
	"positionwatch/internal/storage"
)

const (
	loanABIJSON = `[
		{"inputs":[{"internalType":"uint256","name":"tokenId","type":"uint256"}],"name":"positionState","outputs":[{"internalType":"uint256","name":"collateral","type":"uint256"},{"internalType":"uint256","name":"debt","type":"uint256"},{"internalType":"uint256","name":"price","type":"uint256"},{"internalType":"uint256","name":"liquidationPrice","type":"uint256"}],"stateMutability":"view","type":"function"},
		{"inputs":[],"name":"interestRate","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
		{"inputs":[{"internalType":"uint256","name":"tokenId","type":"uint256"}],"name":"debtAhead","outputs":[{"internalType":"uint256","name":"ahead","type":"uint256"},{"internalType":"uint256","name":"total","type":"uint256"}],"stateMutability":"view","type":"function"}
	]`

	liquidityABIJSON = `[
		{"inputs":[{"internalType":"uint256","name":"tokenId","type":"uint256"}],"name":"positions","outputs":[{"internalType":"uint128","name":"liquidity","type":"uint128"},{"internalType":"int24","name":"tickLower","type":"int24"},{"internalType":"int24","name":"tickUpper","type":"int24"},{"internalType":"uint256","name":"amount0","type":"uint256"},{"internalType":"uint256","name":"amount1","type":"uint256"},{"internalType":"uint256","name":"fees0","type":"uint256"},{"internalType":"uint256","name":"fees1","type":"uint256"}],"stateMutability":"view","type":"function"},
		{"inputs":[],"name":"currentTick","outputs":[{"internalType":"int24","name":"","type":"int24"}],"stateMutability":"view","type":"function"}
	]`
)

var (
	loanABI      abi.ABI
	liquidityABI abi.ABI
)

func init() {
	var err error
	if loanABI, err = abi.JSON(strings.NewReader(loanABIJSON)); err != nil {
		panic("failed to parse loan registry ABI: " + err.Error())
	}
	if liquidityABI, err = abi.JSON(strings.NewReader(liquidityABIJSON)); err != nil {
		panic("failed to parse liquidity registry ABI: " + err.Error())
	}
}

// Builder reads current on-chain state for monitored positions and overwrites
// their snapshots. Failures are per-position: a failed read leaves the prior
// snapshot untouched and skips the position for this cycle.
type Builder struct {
	clients   map[int64]chain.Client
	contracts storage.ContractStore
	positions storage.PositionStore
	snapshots storage.SnapshotStore
	backoff   chain.Backoff
	logger    zerolog.Logger
	now       func() time.Time
}

// New constructs the snapshot builder. clients maps chain id to RPC client.
func New(clients map[int64]chain.Client, contracts storage.ContractStore, positions storage.PositionStore, snapshots storage.SnapshotStore, backoff chain.Backoff, logger zerolog.Logger) *Builder {
	return &Builder{
		clients:   clients,
		contracts: contracts,
		positions: positions,
		snapshots: snapshots,
		backoff:   backoff,
		logger:    logger.With().Str("component", "snapshot_builder").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RefreshAll rebuilds snapshots for every active position, stamping all rows
// of one run with a shared run id. Returns the number of positions refreshed.
func (b *Builder) RefreshAll(ctx context.Context) (int, error) {
	positions, err := b.positions.ListActivePositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active positions: %w", err)
	}

	contracts, err := b.contractIndex(ctx)
	if err != nil {
		return 0, err
	}

	runID := uuid.New().String()
	capturedAt := b.now()

	refreshed := 0
	for _, pos := range positions {
		contract, ok := contracts[pos.ContractID]
		if !ok {
			b.logger.Warn().Int64("contract", pos.ContractID).Str("token", pos.TokenID).Msg("position references unknown contract, skipping")
			continue
		}

		snap, err := b.Build(ctx, contract, pos)
		if err != nil {
			metrics.SnapshotsBuilt.WithLabelValues("failed").Inc()
			b.logger.Error().Err(err).
				Int64("chain", pos.ChainID).
				Int64("contract", pos.ContractID).
				Str("token", pos.TokenID).
				Msg("snapshot build failed, keeping previous snapshot")
			continue
		}

		snap.RunID = runID
		snap.CapturedAt = capturedAt
		if err := b.snapshots.UpsertSnapshot(ctx, snap); err != nil {
			metrics.SnapshotsBuilt.WithLabelValues("failed").Inc()
			b.logger.Error().Err(err).Str("token", pos.TokenID).Msg("snapshot upsert failed")
			continue
		}
		metrics.SnapshotsBuilt.WithLabelValues("success").Inc()
		refreshed++
	}

	b.logger.Info().Int("refreshed", refreshed).Int("total", len(positions)).Str("run_id", runID).Msg("snapshot refresh complete")
	return refreshed, nil
}

func (b *Builder) contractIndex(ctx context.Context) (map[int64]storage.MonitoredContract, error) {
	list, err := b.contracts.ListEnabledContracts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	index := make(map[int64]storage.MonitoredContract, len(list))
	for _, c := range list {
		index[c.ID] = c
	}
	return index, nil
}

// Build reads one position's current state. The returned snapshot is not yet
// stamped with a run id or capture time.
func (b *Builder) Build(ctx context.Context, contract storage.MonitoredContract, pos storage.Position) (storage.Snapshot, error) {
	client, ok := b.clients[pos.ChainID]
	if !ok {
		return storage.Snapshot{}, fmt.Errorf("no rpc client for chain %d", pos.ChainID)
	}

	tokenID, ok := new(big.Int).SetString(pos.TokenID, 10)
	if !ok {
		return storage.Snapshot{}, fmt.Errorf("invalid token id %q", pos.TokenID)
	}

	address := common.HexToAddress(contract.Address)
	switch contract.Kind {
	case storage.KindLoanRegistry:
		return b.buildLoan(ctx, client, address, pos, tokenID)
	case storage.KindLiquidityRegistry, storage.KindVaultRegistry:
		return b.buildLiquidity(ctx, client, address, pos, tokenID)
	default:
		return storage.Snapshot{}, fmt.Errorf("unknown contract kind %q", contract.Kind)
	}
}

func (b *Builder) buildLoan(ctx context.Context, client chain.Client, address common.Address, pos storage.Position, tokenID *big.Int) (storage.Snapshot, error) {
	outputs, err := b.call(ctx, client, address, loanABI, "positionState", tokenID)
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("read position state: %w", err)
	}
	if len(outputs) != 4 {
		return storage.Snapshot{}, errors.New("unexpected positionState response shape")
	}

	collateral, err := bigOutput(outputs[0])
	if err != nil {
		return storage.Snapshot{}, err
	}
	debt, err := bigOutput(outputs[1])
	if err != nil {
		return storage.Snapshot{}, err
	}
	price, err := bigOutput(outputs[2])
	if err != nil {
		return storage.Snapshot{}, err
	}
	liqPrice, err := bigOutput(outputs[3])
	if err != nil {
		return storage.Snapshot{}, err
	}

	snap := storage.Snapshot{
		Key:              pos.Identity(),
		Kind:             storage.KindLoanRegistry,
		CollateralAmount: wadPtr(collateral),
		DebtAmount:       wadPtr(debt),
		CollateralPrice:  wadPtr(price),
		LiquidationPrice: wadPtr(liqPrice),
	}

	// Interest rate is protocol-optional; absence is not a failure.
	if outputs, err := b.call(ctx, client, address, loanABI, "interestRate"); err == nil && len(outputs) == 1 {
		if rate, err := bigOutput(outputs[0]); err == nil {
			snap.InterestRate = wadPtr(rate)
		}
	}

	// Redemption queue depth, when the protocol exposes one.
	if outputs, err := b.call(ctx, client, address, loanABI, "debtAhead", tokenID); err == nil && len(outputs) == 2 {
		ahead, aheadErr := bigOutput(outputs[0])
		total, totalErr := bigOutput(outputs[1])
		if aheadErr == nil && totalErr == nil {
			snap.DebtAhead = wadPtr(ahead)
			snap.TotalDebt = wadPtr(total)
		}
	}

	return snap, nil
}

func (b *Builder) buildLiquidity(ctx context.Context, client chain.Client, address common.Address, pos storage.Position, tokenID *big.Int) (storage.Snapshot, error) {
	outputs, err := b.call(ctx, client, address, liquidityABI, "positions", tokenID)
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("read liquidity position: %w", err)
	}
	if len(outputs) != 7 {
		return storage.Snapshot{}, errors.New("unexpected positions response shape")
	}

	liquidity, err := bigOutput(outputs[0])
	if err != nil {
		return storage.Snapshot{}, err
	}
	tickLower, err := tickOutput(outputs[1])
	if err != nil {
		return storage.Snapshot{}, err
	}
	tickUpper, err := tickOutput(outputs[2])
	if err != nil {
		return storage.Snapshot{}, err
	}

	tickOutputs, err := b.call(ctx, client, address, liquidityABI, "currentTick")
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("read current tick: %w", err)
	}
	if len(tickOutputs) != 1 {
		return storage.Snapshot{}, errors.New("unexpected currentTick response shape")
	}
	currentTick, err := tickOutput(tickOutputs[0])
	if err != nil {
		return storage.Snapshot{}, err
	}

	amount0, err := bigOutput(outputs[3])
	if err != nil {
		return storage.Snapshot{}, err
	}
	amount1, err := bigOutput(outputs[4])
	if err != nil {
		return storage.Snapshot{}, err
	}
	fees0, err := bigOutput(outputs[5])
	if err != nil {
		return storage.Snapshot{}, err
	}
	fees1, err := bigOutput(outputs[6])
	if err != nil {
		return storage.Snapshot{}, err
	}

	snap := storage.Snapshot{
		Key:         pos.Identity(),
		Kind:        storage.KindLiquidityRegistry,
		Liquidity:   wadPtr(liquidity),
		TickLower:   &tickLower,
		TickUpper:   &tickUpper,
		CurrentTick: &currentTick,
		Amount0:     wadPtr(amount0),
		Amount1:     wadPtr(amount1),
		Fees0:       wadPtr(fees0),
		Fees1:       wadPtr(fees1),
		RangeStatus: rangeStatus(liquidity, tickLower, tickUpper, currentTick),
	}
	return snap, nil
}

// rangeStatus derives the range state. Zero liquidity forces INACTIVE
// regardless of ticks; the upper bound is exclusive.
func rangeStatus(liquidity *big.Int, tickLower, tickUpper, currentTick int32) string {
	if liquidity.Sign() == 0 {
		return storage.RangeStatusInactive
	}
	if tickLower <= currentTick && currentTick < tickUpper {
		return storage.RangeStatusIn
	}
	return storage.RangeStatusOut
}

func (b *Builder) call(ctx context.Context, client chain.Client, to common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	payload, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	var raw []byte
	err = b.backoff.Retry(ctx, b.logger, func(ctx context.Context) error {
		var err error
		raw, err = client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	outputs, err := contractABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return outputs, nil
}

func bigOutput(v interface{}) (*big.Int, error) {
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("expected *big.Int output, got %T", v)
	}
	return n, nil
}

func tickOutput(v interface{}) (int32, error) {
	n, err := bigOutput(v)
	if err != nil {
		return 0, err
	}
	if !n.IsInt64() {
		return 0, fmt.Errorf("tick out of range: %s", n)
	}
	return int32(n.Int64()), nil
}

// wadPtr converts an 18-decimal fixed-point chain value to a decimal.
func wadPtr(n *big.Int) *decimal.Decimal {
	d := decimal.NewFromBigInt(n, -18)
	return &d
}
