package domain

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	defaultPipSize = 0.0001
	jpyPipSize     = 0.01

	lotEpsilon = 1e-9
)

// PipSize returns the standard price increment for a symbol:
// 0.01 for JPY pairs, 0.0001 for everything else.
func PipSize(symbol string) float64 {
	if strings.Contains(strings.ToUpper(symbol), "JPY") {
		return jpyPipSize
	}
	return defaultPipSize
}

func dec(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// PipsInFavor returns how many pips price has moved in the profitable
// direction from entry. Negative values mean the position is under water.
func PipsInFavor(symbol string, side OrderSide, entry, price float64) float64 {
	diff := dec(price).Sub(dec(entry))
	if side == Sell {
		diff = diff.Neg()
	}
	return toFloat(diff.Div(dec(PipSize(symbol))))
}

// PriceToPips converts an absolute price distance into pips.
func PriceToPips(symbol string, distance float64) float64 {
	return toFloat(dec(distance).Div(dec(PipSize(symbol))))
}

// OffsetPips moves price by pips in the profitable direction for side.
func OffsetPips(symbol string, side OrderSide, price, pips float64) float64 {
	delta := dec(pips).Mul(dec(PipSize(symbol)))
	if side == Sell {
		return toFloat(dec(price).Sub(delta))
	}
	return toFloat(dec(price).Add(delta))
}

// RoundPrice rounds to a tenth of a pip (the usual quote precision).
func RoundPrice(symbol string, price float64) float64 {
	places := int32(math.Round(-math.Log10(PipSize(symbol)))) + 1
	return toFloat(dec(price).Round(places))
}

// FloorLots rounds lots down to a multiple of step.
func FloorLots(lots, step float64) float64 {
	if step <= 0 {
		return lots
	}
	s := dec(step)
	return toFloat(dec(lots).Div(s).Floor().Mul(s))
}

// AddLots adds lot sizes without float drift.
func AddLots(a, b float64) float64 {
	return toFloat(dec(a).Add(dec(b)))
}

// SubLots subtracts lot sizes without float drift.
func SubLots(a, b float64) float64 {
	return toFloat(dec(a).Sub(dec(b)))
}

// MulLots multiplies a lot size by a factor without float drift.
func MulLots(lots, factor float64) float64 {
	return toFloat(dec(lots).Mul(dec(factor)))
}

// LotsAtLeast reports a >= b with a small tolerance for float inputs.
func LotsAtLeast(a, b float64) bool {
	return a+lotEpsilon >= b
}

// IsZeroLots reports whether lots is effectively zero.
func IsZeroLots(lots float64) bool {
	return math.Abs(lots) < lotEpsilon
}

// IsBetterStop reports whether candidate is a tighter (more protective)
// stop than current for a position on side. A zero current stop means none.
func IsBetterStop(side OrderSide, current, candidate float64) bool {
	if candidate <= 0 {
		return false
	}
	if current <= 0 {
		return true
	}
	if side == Sell {
		return dec(candidate).LessThan(dec(current))
	}
	return dec(candidate).GreaterThan(dec(current))
}

// PriceReached reports whether price has reached target in the profitable
// direction for side (>= for BUY, <= for SELL).
func PriceReached(side OrderSide, price, target float64) bool {
	if price <= 0 || target <= 0 {
		return false
	}
	if side == Sell {
		return dec(price).LessThanOrEqual(dec(target))
	}
	return dec(price).GreaterThanOrEqual(dec(target))
}

// ShareOfLots returns total×weight/sum floored to step.
func ShareOfLots(total, weight, sum, step float64) float64 {
	if sum <= 0 {
		return 0
	}
	share := dec(total).Mul(dec(weight)).Div(dec(sum))
	if step > 0 {
		s := dec(step)
		share = share.Div(s).Floor().Mul(s)
	}
	return toFloat(share)
}

// PercentOfPriceInPips expresses pct percent of price as a pip distance.
func PercentOfPriceInPips(symbol string, pct, price float64) float64 {
	return toFloat(dec(pct).Div(decimal.NewFromInt(100)).Mul(dec(price)).Div(dec(PipSize(symbol))))
}
