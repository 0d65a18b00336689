package app

import (
	"context"
	"fmt"

	"positionwatch/internal/risk"
	"positionwatch/internal/service"
)

// Scan runs a one-shot log scan for a single contract, registering any
// positions its events announce. With Reset set, the cursor is rewound first
// so the rescan covers FromBlock itself.
func (a *App) Scan(ctx context.Context, opts ScanOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	contract, err := store.GetContract(ctx, opts.ContractID)
	if err != nil {
		return fmt.Errorf("load contract %d: %w", opts.ContractID, err)
	}

	clients := a.newClients()
	indexers := a.newIndexers(clients, store)
	ix, ok := indexers[contract.ChainID]
	if !ok {
		return fmt.Errorf("no chain configured for id %d", contract.ChainID)
	}

	if opts.Reset {
		if err := store.ResetCursor(ctx, contract.ID, opts.FromBlock); err != nil {
			return fmt.Errorf("reset cursor: %w", err)
		}
		a.Logger.Info().Int64("contract", contract.ID).Uint64("from", opts.FromBlock).Msg("cursor reset, rescanning")
	}

	svc := service.New(a.Config, nil, indexers, store, store, nil, nil, risk.NopOverrides{}, a.Logger)
	return ix.ScanContract(ctx, contract, svc.HandleLog)
}
