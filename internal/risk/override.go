package risk

import (
	"sync"

	"github.com/shopspring/decimal"
)

// OverrideProvider supplies effective numeric inputs to the classifier. The
// production provider is an identity transform; the test provider applies
// process-local offsets to simulate risk conditions.
type OverrideProvider interface {
	EffectiveInterestRate(rate decimal.Decimal) decimal.Decimal
	EffectiveDebtAhead(debtAhead decimal.Decimal) decimal.Decimal
	EffectivePrice(price decimal.Decimal) decimal.Decimal
	EffectiveTick(tick int32) int32
}

// NopOverrides is the production no-op provider.
type NopOverrides struct{}

func (NopOverrides) EffectiveInterestRate(rate decimal.Decimal) decimal.Decimal { return rate }
func (NopOverrides) EffectiveDebtAhead(d decimal.Decimal) decimal.Decimal       { return d }
func (NopOverrides) EffectivePrice(price decimal.Decimal) decimal.Decimal       { return price }
func (NopOverrides) EffectiveTick(tick int32) int32                             { return tick }

// TestOverrides applies additive offsets. Never persisted: offsets live in
// process memory and vanish on restart or Clear.
type TestOverrides struct {
	mu              sync.Mutex
	rateOffset      decimal.Decimal
	debtAheadOffset decimal.Decimal
	priceOffset     decimal.Decimal
	tickShift       int32
}

// SetRateOffset adjusts the effective interest rate.
func (o *TestOverrides) SetRateOffset(offset decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rateOffset = offset
}

// SetDebtAheadOffset adjusts the effective debt-ahead depth.
func (o *TestOverrides) SetDebtAheadOffset(offset decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.debtAheadOffset = offset
}

// SetPriceOffset adjusts the effective collateral price.
func (o *TestOverrides) SetPriceOffset(offset decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.priceOffset = offset
}

// SetTickShift shifts the effective current tick.
func (o *TestOverrides) SetTickShift(shift int32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tickShift = shift
}

// Clear resets all offsets to the identity transform.
func (o *TestOverrides) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rateOffset = decimal.Zero
	o.debtAheadOffset = decimal.Zero
	o.priceOffset = decimal.Zero
	o.tickShift = 0
}

func (o *TestOverrides) EffectiveInterestRate(rate decimal.Decimal) decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return rate.Add(o.rateOffset)
}

func (o *TestOverrides) EffectiveDebtAhead(d decimal.Decimal) decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return d.Add(o.debtAheadOffset)
}

func (o *TestOverrides) EffectivePrice(price decimal.Decimal) decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return price.Add(o.priceOffset)
}

func (o *TestOverrides) EffectiveTick(tick int32) int32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return tick + o.tickShift
}

var (
	_ OverrideProvider = NopOverrides{}
	_ OverrideProvider = (*TestOverrides)(nil)
)
