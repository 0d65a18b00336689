package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"positionwatch/internal/chain"
	"positionwatch/internal/metrics"
	"positionwatch/internal/storage"
)

// ErrSkipLog tells the scanner a log entry is structurally invalid for the
// handler. Skipped entries are counted, not fatal.
var ErrSkipLog = errors.New("skip log entry")

// LogHandler consumes one decoded-order log entry. Handlers must be
// idempotent: the last in-flight window may be reprocessed after a restart.
type LogHandler func(ctx context.Context, contract storage.MonitoredContract, entry types.Log) error

// Options tune the scanner.
type Options struct {
	WindowSize uint64
	Backoff    chain.Backoff
}

// Indexer incrementally scans contract event logs with a resumable cursor.
type Indexer struct {
	client  chain.Client
	cursors storage.CursorStore
	opts    Options
	logger  zerolog.Logger
}

// New constructs an Indexer for one chain endpoint.
func New(client chain.Client, cursors storage.CursorStore, opts Options, logger zerolog.Logger) *Indexer {
	if opts.WindowSize == 0 {
		opts.WindowSize = 5000
	}
	return &Indexer{
		client:  client,
		cursors: cursors,
		opts:    opts,
		logger:  logger.With().Str("component", "indexer").Logger(),
	}
}

// ScanContract scans [cursor+1, head] in fixed windows, invoking handler for
// every log in (blockNumber, logIndex) order. The cursor advances only after
// a window is fully processed, so a crash reprocesses at most one window.
func (ix *Indexer) ScanContract(ctx context.Context, contract storage.MonitoredContract, handler LogHandler) error {
	logger := ix.logger.With().Int64("contract", contract.ID).Str("address", contract.Address).Logger()

	var head uint64
	err := ix.opts.Backoff.Retry(ctx, logger, func(ctx context.Context) error {
		var err error
		head, err = ix.client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetch chain head: %w", err)
	}

	startBlock, from, err := ix.resumePoint(ctx, contract, head)
	if err != nil {
		return err
	}
	if from > head {
		logger.Debug().Uint64("from", from).Uint64("head", head).Msg("cursor already at head")
		return nil
	}

	address := common.HexToAddress(contract.Address)
	for from <= head {
		to := from + ix.opts.WindowSize - 1
		if to > head {
			to = head
		}

		if err := ix.scanWindow(ctx, logger, contract, address, from, to, handler); err != nil {
			metrics.WindowsScanned.WithLabelValues("failed").Inc()
			return fmt.Errorf("scan window [%d, %d]: %w", from, to, err)
		}

		cursor := storage.ScanCursor{
			ContractID:       contract.ID,
			StartBlock:       startBlock,
			LastScannedBlock: to,
		}
		if err := ix.cursors.UpsertCursor(ctx, cursor); err != nil {
			return fmt.Errorf("persist cursor at %d: %w", to, err)
		}
		metrics.WindowsScanned.WithLabelValues("success").Inc()

		from = to + 1
	}

	logger.Info().Uint64("head", head).Msg("contract scan complete")
	return nil
}

// resumePoint determines where scanning starts: the persisted cursor, the
// configured start block, or the discovered creation block.
func (ix *Indexer) resumePoint(ctx context.Context, contract storage.MonitoredContract, head uint64) (startBlock, from uint64, err error) {
	cursor, err := ix.cursors.GetCursor(ctx, contract.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("load cursor: %w", err)
	}
	if cursor != nil {
		return cursor.StartBlock, cursor.LastScannedBlock + 1, nil
	}

	startBlock = contract.StartBlock
	if startBlock == 0 {
		startBlock, err = chain.FindCreationBlock(ctx, ix.client, common.HexToAddress(contract.Address), head)
		if err != nil {
			return 0, 0, fmt.Errorf("discover creation block: %w", err)
		}
		ix.logger.Info().Int64("contract", contract.ID).Uint64("creation_block", startBlock).Msg("discovered contract creation block")
	}
	return startBlock, startBlock, nil
}

func (ix *Indexer) scanWindow(ctx context.Context, logger zerolog.Logger, contract storage.MonitoredContract, address common.Address, from, to uint64, handler LogHandler) error {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{address},
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
	}

	var entries []types.Log
	err := ix.opts.Backoff.Retry(ctx, logger, func(ctx context.Context) error {
		var err error
		entries, err = ix.client.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return err
	}

	// Canonical event order the rest of the system relies on.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].BlockNumber != entries[j].BlockNumber {
			return entries[i].BlockNumber < entries[j].BlockNumber
		}
		return entries[i].Index < entries[j].Index
	})

	skipped := 0
	for _, entry := range entries {
		if err := handler(ctx, contract, entry); err != nil {
			if errors.Is(err, ErrSkipLog) {
				skipped++
				metrics.LogsProcessed.WithLabelValues("skipped").Inc()
				continue
			}
			return fmt.Errorf("handle log %d/%d: %w", entry.BlockNumber, entry.Index, err)
		}
		metrics.LogsProcessed.WithLabelValues("processed").Inc()
	}
	if skipped > 0 {
		logger.Warn().Int("skipped", skipped).Uint64("from", from).Uint64("to", to).Msg("undecodable logs skipped in window")
	}
	return nil
}
