package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// BucketFraction coarsens a fraction to a fixed bucket step so that cosmetic
// fluctuation does not change the signature.
func BucketFraction(f decimal.Decimal, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return f
	}
	return f.Div(step).Floor().Mul(step)
}

// Signature computes a content hash over the coarsened risk-relevant fields
// of the assessment. Fields are serialized with sorted keys so semantically
// equal states hash identically regardless of construction order.
func (a Assessment) Signature(step decimal.Decimal) string {
	fields := map[string]string{}

	addAxis := func(prefix string, r *Result) {
		if r == nil {
			return
		}
		fields[prefix+".tier"] = string(r.Tier)
		if r.PositionFraction != nil {
			fields[prefix+".pos"] = BucketFraction(*r.PositionFraction, step).String()
		}
		if r.DistanceFraction != nil {
			fields[prefix+".dist"] = BucketFraction(*r.DistanceFraction, step).String()
		}
	}
	addAxis("liq", a.Liquidation)
	addAxis("red", a.Redemption)
	addAxis("range", a.Range)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
		b.WriteByte(';')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
