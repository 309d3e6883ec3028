package tradingutils

import (
	"github.com/shopspring/decimal"
)

// RoundDownToStep truncates a non-negative quantity to a multiple of step.
// A zero or negative step leaves the quantity untouched.
func RoundDownToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// Notional returns |qty| * price
func Notional(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Abs().Mul(price)
}

// MinDecimal returns the smaller of a and b
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// WeightedAverage blends an existing average with an additional quantity at
// a new price. Quantities are taken as absolute values.
func WeightedAverage(qty, avg, addQty, addPrice decimal.Decimal) decimal.Decimal {
	total := qty.Abs().Add(addQty.Abs())
	if total.IsZero() {
		return decimal.Zero
	}
	return qty.Abs().Mul(avg).Add(addQty.Abs().Mul(addPrice)).Div(total)
}

// CalculateSkewedPrice adjusts a base price based on inventory and a skew factor
func CalculateSkewedPrice(basePrice, inventory, targetInventory, skewFactor decimal.Decimal) decimal.Decimal {
	diff := inventory.Sub(targetInventory)
	// inventory above target pushes the price down
	adjustment := decimal.NewFromInt(1).Sub(diff.Mul(skewFactor))
	return basePrice.Mul(adjustment)
}
