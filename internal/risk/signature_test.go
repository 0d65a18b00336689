package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

var step = decimal.NewFromFloat(0.05)

func TestBucketFraction(t *testing.T) {
	assert.True(t, BucketFraction(dec("0.07"), step).Equal(dec("0.05")))
	assert.True(t, BucketFraction(dec("0.05"), step).Equal(dec("0.05")))
	assert.True(t, BucketFraction(dec("0.049"), step).Equal(dec("0")))
}

func TestSignatureStableWithinBucket(t *testing.T) {
	a := Assessment{Liquidation: &Result{Tier: TierHigh, DistanceFraction: decPtr("0.031")}}
	b := Assessment{Liquidation: &Result{Tier: TierHigh, DistanceFraction: decPtr("0.044")}}
	assert.Equal(t, a.Signature(step), b.Signature(step), "same bucket must hash identically")
}

func TestSignatureChangesAcrossBucket(t *testing.T) {
	a := Assessment{Liquidation: &Result{Tier: TierHigh, DistanceFraction: decPtr("0.04")}}
	b := Assessment{Liquidation: &Result{Tier: TierHigh, DistanceFraction: decPtr("0.06")}}
	assert.NotEqual(t, a.Signature(step), b.Signature(step))
}

func TestSignatureChangesWithTier(t *testing.T) {
	a := Assessment{Range: &Result{Tier: TierMedium, DistanceFraction: decPtr("0.05")}}
	b := Assessment{Range: &Result{Tier: TierHigh, DistanceFraction: decPtr("0.05")}}
	assert.NotEqual(t, a.Signature(step), b.Signature(step))
}

func TestSignatureIndependentOfAxisOrder(t *testing.T) {
	liq := &Result{Tier: TierHigh, DistanceFraction: decPtr("0.03")}
	red := &Result{Tier: TierMedium, DistanceFraction: decPtr("0.12")}

	a := Assessment{Liquidation: liq, Redemption: red}
	b := Assessment{Redemption: red, Liquidation: liq}
	assert.Equal(t, a.Signature(step), b.Signature(step))
}

func TestSignatureDistinguishesAxes(t *testing.T) {
	a := Assessment{Liquidation: &Result{Tier: TierHigh, DistanceFraction: decPtr("0.03")}}
	b := Assessment{Redemption: &Result{Tier: TierHigh, DistanceFraction: decPtr("0.03")}}
	assert.NotEqual(t, a.Signature(step), b.Signature(step))
}
