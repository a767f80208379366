package tradingutils

import (
	"github.com/shopspring/decimal"
)

// RoundPrice rounds a price to the specified decimals
func RoundPrice(price decimal.Decimal, priceDecimals int) decimal.Decimal {
	return price.Round(int32(priceDecimals))
}

// FloorQuantity truncates a quantity to the asset precision so that an order
// never commits more than the funds it was sized from
func FloorQuantity(qty decimal.Decimal, qtyDecimals int) decimal.Decimal {
	return qty.RoundFloor(int32(qtyDecimals))
}

// Min returns the smaller of two decimals
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of two decimals
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// NonNegative clamps v at zero
func NonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// RelativeDiff returns |a-b|/b, or zero when b is zero
func RelativeDiff(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	return a.Sub(b).Abs().Div(b.Abs())
}

// ProceedsOf converts a filled amount of the sold asset into the received asset.
// Sells receive quote (amount*price), buys receive base (amount/price).
func ProceedsOf(isSell bool, amount, price decimal.Decimal) decimal.Decimal {
	if isSell {
		return amount.Mul(price)
	}
	if price.IsZero() {
		return decimal.Zero
	}
	return amount.Div(price)
}
