package risk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Tier is a coarse risk bucket.
type Tier string

const (
	TierLow      Tier = "LOW"
	TierMedium   Tier = "MEDIUM"
	TierHigh     Tier = "HIGH"
	TierCritical Tier = "CRITICAL"
	TierUnknown  Tier = "UNKNOWN"
)

// Rank orders tiers by severity. UNKNOWN ranks below LOW so it never
// qualifies an alert on its own.
func (t Tier) Rank() int {
	switch t {
	case TierLow:
		return 0
	case TierMedium:
		return 1
	case TierHigh:
		return 2
	case TierCritical:
		return 3
	default:
		return -1
	}
}

// ParseTier converts a config string into a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return TierLow, nil
	case "MEDIUM":
		return TierMedium, nil
	case "HIGH":
		return TierHigh, nil
	case "CRITICAL":
		return TierCritical, nil
	}
	return TierUnknown, fmt.Errorf("unknown tier %q", s)
}

// Result is the outcome of one classification axis. The label is a short
// human rationale and takes no part in comparisons.
type Result struct {
	Tier             Tier
	Label            string
	PositionFraction *decimal.Decimal
	DistanceFraction *decimal.Decimal
}

// Cutoffs are three ascending fractions: below Critical is CRITICAL, below
// High is HIGH, below Medium is MEDIUM, else LOW.
type Cutoffs struct {
	Critical decimal.Decimal
	High     decimal.Decimal
	Medium   decimal.Decimal
}

// NewCutoffs builds Cutoffs from configured floats.
func NewCutoffs(critical, high, medium float64) Cutoffs {
	return Cutoffs{
		Critical: decimal.NewFromFloat(critical),
		High:     decimal.NewFromFloat(high),
		Medium:   decimal.NewFromFloat(medium),
	}
}

// RangeCutoffs govern liquidity range classification.
type RangeCutoffs struct {
	InHigh  decimal.Decimal
	InWarn  decimal.Decimal
	OutWarn decimal.Decimal
	OutHigh decimal.Decimal
}

// NewRangeCutoffs builds RangeCutoffs from configured floats.
func NewRangeCutoffs(inHigh, inWarn, outWarn, outHigh float64) RangeCutoffs {
	return RangeCutoffs{
		InHigh:  decimal.NewFromFloat(inHigh),
		InWarn:  decimal.NewFromFloat(inWarn),
		OutWarn: decimal.NewFromFloat(outWarn),
		OutHigh: decimal.NewFromFloat(outHigh),
	}
}

// LiquidationBuffer derives the normalized distance between current price and
// liquidation price. Nil when price data is missing or unusable.
func LiquidationBuffer(price, liquidationPrice *decimal.Decimal) *decimal.Decimal {
	if price == nil || liquidationPrice == nil {
		return nil
	}
	if price.Sign() <= 0 {
		return nil
	}
	buffer := price.Sub(*liquidationPrice).Div(*price)
	return &buffer
}

// DebtAheadFraction derives the redemption depth as a fraction of total
// protocol debt. Nil when total debt is missing or zero.
func DebtAheadFraction(debtAhead, totalDebt *decimal.Decimal) *decimal.Decimal {
	if debtAhead == nil || totalDebt == nil {
		return nil
	}
	if totalDebt.Sign() <= 0 {
		return nil
	}
	fraction := debtAhead.Div(*totalDebt)
	return &fraction
}

// ClassifyLiquidation maps a liquidation buffer fraction to a tier. A missing
// buffer is reported as unavailable, never defaulted to a numeric tier.
func ClassifyLiquidation(buffer *decimal.Decimal, cut Cutoffs) Result {
	if buffer == nil {
		return Result{Tier: TierUnknown, Label: "liquidation price data unavailable"}
	}
	tier, label := tierForDistance(*buffer, cut, "liquidation buffer")
	return Result{Tier: tier, Label: label, DistanceFraction: buffer}
}

// ClassifyRedemption maps a debt-ahead depth fraction to a tier. Debt-ahead
// depth is the sole signal.
func ClassifyRedemption(fraction *decimal.Decimal, cut Cutoffs) Result {
	if fraction == nil {
		return Result{Tier: TierUnknown, Label: "protocol debt data unavailable"}
	}
	tier, label := tierForDistance(*fraction, cut, "debt ahead")
	return Result{Tier: tier, Label: label, DistanceFraction: fraction}
}

func tierForDistance(d decimal.Decimal, cut Cutoffs, what string) (Tier, string) {
	switch {
	case d.LessThan(cut.Critical):
		return TierCritical, fmt.Sprintf("%s %s below critical cutoff %s", what, d.StringFixed(4), cut.Critical.String())
	case d.LessThan(cut.High):
		return TierHigh, fmt.Sprintf("%s %s below high cutoff %s", what, d.StringFixed(4), cut.High.String())
	case d.LessThan(cut.Medium):
		return TierMedium, fmt.Sprintf("%s %s below medium cutoff %s", what, d.StringFixed(4), cut.Medium.String())
	default:
		return TierLow, fmt.Sprintf("%s %s comfortable", what, d.StringFixed(4))
	}
}

// RangeInput carries the geometry for a liquidity range classification.
type RangeInput struct {
	TickLower   int32
	TickUpper   int32
	CurrentTick int32
	Inactive    bool
}

// ClassifyRange tiers a liquidity position by its distance from the active
// range. In range: LOW unless the center distance falls under the warn/high
// cutoffs. Out of range: tier grows with the distance beyond the nearer
// bound. Degenerate geometry yields UNKNOWN rather than a guessed tier.
func ClassifyRange(in RangeInput, cut RangeCutoffs) Result {
	if in.Inactive {
		return Result{Tier: TierLow, Label: "position inactive, no liquidity at risk"}
	}

	width := int64(in.TickUpper) - int64(in.TickLower)
	if width <= 0 {
		return Result{Tier: TierUnknown, Label: fmt.Sprintf("degenerate tick range [%d, %d)", in.TickLower, in.TickUpper)}
	}
	widthDec := decimal.NewFromInt(width)

	if in.TickLower <= in.CurrentTick && in.CurrentTick < in.TickUpper {
		positionFraction := decimal.NewFromInt(int64(in.CurrentTick) - int64(in.TickLower)).Div(widthDec)
		centerDistance := decimal.Min(positionFraction, decimal.NewFromInt(1).Sub(positionFraction))

		tier := TierLow
		label := fmt.Sprintf("in range at %s of width", positionFraction.StringFixed(4))
		switch {
		case centerDistance.LessThan(cut.InHigh):
			tier = TierHigh
			label = fmt.Sprintf("in range but %s from edge", centerDistance.StringFixed(4))
		case centerDistance.LessThan(cut.InWarn):
			tier = TierMedium
			label = fmt.Sprintf("in range, drifting toward edge (%s)", centerDistance.StringFixed(4))
		}
		return Result{Tier: tier, Label: label, PositionFraction: &positionFraction}
	}

	var beyond int64
	if in.CurrentTick < in.TickLower {
		beyond = int64(in.TickLower) - int64(in.CurrentTick)
	} else {
		beyond = int64(in.CurrentTick) - int64(in.TickUpper)
	}
	if beyond < 0 {
		return Result{Tier: TierUnknown, Label: "negative out-of-range distance"}
	}
	distanceFraction := decimal.NewFromInt(beyond).Div(widthDec)

	tier := TierCritical
	label := fmt.Sprintf("far out of range (%s of width)", distanceFraction.StringFixed(4))
	switch {
	case distanceFraction.LessThan(cut.OutWarn):
		tier = TierMedium
		label = fmt.Sprintf("just out of range (%s of width)", distanceFraction.StringFixed(4))
	case distanceFraction.LessThan(cut.OutHigh):
		tier = TierHigh
		label = fmt.Sprintf("out of range (%s of width)", distanceFraction.StringFixed(4))
	}
	return Result{Tier: tier, Label: label, DistanceFraction: &distanceFraction}
}

// Assessment aggregates the classification axes evaluated for one position.
// Axes not applicable to the position variant stay nil.
type Assessment struct {
	Liquidation *Result
	Redemption  *Result
	Range       *Result
}

// WorstTier returns the most severe tier across evaluated axes, LOW when no
// axis was evaluated.
func (a Assessment) WorstTier() Tier {
	worst := TierLow
	for _, r := range []*Result{a.Liquidation, a.Redemption, a.Range} {
		if r != nil && r.Tier.Rank() > worst.Rank() {
			worst = r.Tier
		}
	}
	return worst
}
