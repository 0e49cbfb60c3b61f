// Package commission computes the marketplace fee charged on top of an order subtotal.
package commission

import "github.com/shopspring/decimal"

// Tier is a closed-upper-bound commission band. A subtotal belongs to the
// first tier whose Upper it does not exceed.
type Tier struct {
	Lower decimal.Decimal // inclusive
	Upper decimal.Decimal // inclusive; zero value means unbounded
	Rate  decimal.Decimal
}

var (
	minTaxable = decimal.NewFromInt(50_000)

	schedule = []Tier{
		{Lower: decimal.NewFromInt(50_000), Upper: decimal.NewFromInt(500_000), Rate: decimal.RequireFromString("0.10")},
		{Lower: decimal.NewFromInt(500_000), Upper: decimal.NewFromInt(1_500_000), Rate: decimal.RequireFromString("0.05")},
		{Lower: decimal.NewFromInt(1_500_000), Upper: decimal.NewFromInt(5_000_000), Rate: decimal.RequireFromString("0.03")},
	}

	// ceilingRate applies to anything above the last tier.
	ceilingRate = decimal.RequireFromString("0.03")
)

// Rate returns the commission rate for a subtotal.
func Rate(subtotal decimal.Decimal) decimal.Decimal {
	if subtotal.LessThan(minTaxable) {
		return decimal.Zero
	}
	for _, t := range schedule {
		if subtotal.LessThanOrEqual(t.Upper) {
			return t.Rate
		}
	}
	return ceilingRate
}

// Calculate returns the commission for subtotal and the amount left for the
// provider. Negative subtotals are treated as zero.
func Calculate(subtotal decimal.Decimal) (commission, net decimal.Decimal) {
	if subtotal.IsNegative() {
		subtotal = decimal.Zero
	}
	commission = subtotal.Mul(Rate(subtotal))
	return commission, subtotal.Sub(commission)
}
