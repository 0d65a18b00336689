package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"positionwatch/internal/risk"
	"positionwatch/internal/service"
	"positionwatch/internal/storage"
)

// SimulateRisk re-classifies current snapshots under shifted inputs and
// prints the resulting tiers. Overrides live only in this process: persisted
// alert state and snapshots are never touched.
func (a *App) SimulateRisk(ctx context.Context, opts SimulateOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	overrides := &risk.TestOverrides{}
	overrides.SetPriceOffset(decimal.NewFromFloat(opts.PriceOffset))
	overrides.SetDebtAheadOffset(decimal.NewFromFloat(opts.DebtAheadOffset))
	overrides.SetRateOffset(decimal.NewFromFloat(opts.RateOffset))
	overrides.SetTickShift(opts.TickShift)

	svc := service.New(a.Config, nil, nil, store, store, nil, nil, overrides, a.Logger)
	baseline := service.New(a.Config, nil, nil, store, store, nil, nil, risk.NopOverrides{}, a.Logger)

	positions, err := store.ListActivePositions(ctx)
	if err != nil {
		return err
	}
	snapshots, err := store.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	byKey := make(map[storage.SnapshotKey]storage.Snapshot, len(snapshots))
	for _, snap := range snapshots {
		byKey[snap.Key] = snap
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "User\tContract\tToken\tKind\tRate\tCurrent\tSimulated")

	evaluated := 0
	for _, pos := range positions {
		snap, ok := byKey[pos.Identity()]
		if !ok {
			continue
		}
		current := baseline.Assess(snap).WorstTier()
		simulated := svc.Assess(snap).WorstTier()
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			pos.UserID, pos.ContractID, pos.TokenID, pos.Kind, effectiveRate(overrides, snap), current, simulated)
		evaluated++
	}

	writer.Flush()
	if evaluated == 0 {
		fmt.Fprintln(os.Stdout, "no positions with snapshots to simulate")
	}
	return nil
}

// effectiveRate renders the interest rate a loan position would carry under
// the active overrides, "-" where the snapshot has none.
func effectiveRate(overrides risk.OverrideProvider, snap storage.Snapshot) string {
	if snap.InterestRate == nil {
		return "-"
	}
	return overrides.EffectiveInterestRate(*snap.InterestRate).StringFixed(4)
}
