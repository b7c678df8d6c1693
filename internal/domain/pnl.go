package domain

import "github.com/shopspring/decimal"

var (
	hundred    = decimal.NewFromInt(100)
	multiplier = decimal.NewFromInt(ContractMultiplier)
)

// PctChange returns (current - open) / open * 100. A non-positive open yields zero.
func PctChange(open, current float64) decimal.Decimal {
	o := decimal.NewFromFloat(open)
	if !o.IsPositive() {
		return decimal.Zero
	}
	return decimal.NewFromFloat(current).Sub(o).Div(o).Mul(hundred)
}

// Breakout reports whether current has risen from open by at least
// threshold percent. The boundary is inclusive.
func Breakout(open, current, threshold float64) bool {
	if open <= 0 || current <= 0 {
		return false
	}
	return PctChange(open, current).GreaterThanOrEqual(decimal.NewFromFloat(threshold))
}

// ContractsFor returns the largest whole number of contracts whose cost at
// premium stays within capital. Zero means the signal must be skipped.
func ContractsFor(capital, premium float64) int {
	p := decimal.NewFromFloat(premium)
	c := decimal.NewFromFloat(capital)
	if !p.IsPositive() || !c.IsPositive() {
		return 0
	}
	return int(c.Div(p.Mul(multiplier)).Floor().IntPart())
}

// Cost is the notional premium paid for qty contracts.
func Cost(premium float64, qty int) float64 {
	return decimal.NewFromFloat(premium).Mul(multiplier).Mul(decimal.NewFromInt(int64(qty))).InexactFloat64()
}

// PnL returns (current - entry) * qty * 100.
func PnL(entry, current float64, qty int) float64 {
	return decimal.NewFromFloat(current).
		Sub(decimal.NewFromFloat(entry)).
		Mul(decimal.NewFromInt(int64(qty))).
		Mul(multiplier).
		InexactFloat64()
}

// Round returns v rounded half away from zero to places decimals.
func Round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

// Sum adds values exactly and returns the float result.
func Sum(values ...float64) float64 {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(decimal.NewFromFloat(v))
	}
	return total.InexactFloat64()
}
