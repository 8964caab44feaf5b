// Package pricing holds the bill arithmetic. Prices are tax-inclusive: the
// tax figure is extracted from the subtotal and never added on top.
package pricing

import (
	"github.com/shopspring/decimal"

	"kasirbuku/backend/internal/domain"
)

var TaxRate = decimal.RequireFromString("0.08")

type Totals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

func Subtotal(items []domain.LineItem) decimal.Decimal {
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return sum
}

// IncludedTax is subtotal * rate / (1 + rate), rounded to cents.
func IncludedTax(subtotal decimal.Decimal) decimal.Decimal {
	return subtotal.Mul(TaxRate).Div(decimal.NewFromInt(1).Add(TaxRate)).Round(2)
}

// Compute does not validate; callers reject discount > subtotal first.
func Compute(items []domain.LineItem, discount decimal.Decimal) Totals {
	subtotal := Subtotal(items)
	return Totals{
		Subtotal: subtotal,
		Discount: discount,
		Tax:      IncludedTax(subtotal),
		Total:    subtotal.Sub(discount),
	}
}

func DeriveStatus(total decimal.Decimal, paid decimal.Decimal) string {
	switch {
	case paid.GreaterThanOrEqual(total):
		return domain.BillStatusPaid
	case paid.IsPositive():
		return domain.BillStatusPartiallyPaid
	default:
		return domain.BillStatusPending
	}
}

// StoredPaid caps the tendered amount at the total. Anything above is change.
func StoredPaid(total decimal.Decimal, paid decimal.Decimal) decimal.Decimal {
	if paid.GreaterThan(total) {
		return total
	}
	if paid.IsNegative() {
		return decimal.Zero
	}
	return paid
}

func Change(total decimal.Decimal, tendered decimal.Decimal) decimal.Decimal {
	if tendered.LessThanOrEqual(total) {
		return decimal.Zero
	}
	return tendered.Sub(total)
}

// WeightedCost blends the current purchase cost with an incoming batch.
func WeightedCost(oldCost decimal.Decimal, oldQty int, incomingCost decimal.Decimal, incomingQty int) decimal.Decimal {
	if incomingQty <= 0 || !incomingCost.IsPositive() {
		return oldCost
	}
	if oldQty <= 0 || !oldCost.IsPositive() {
		return incomingCost
	}
	totalValue := oldCost.Mul(decimal.NewFromInt(int64(oldQty))).Add(incomingCost.Mul(decimal.NewFromInt(int64(incomingQty))))
	return totalValue.Div(decimal.NewFromInt(int64(oldQty + incomingQty))).Round(2)
}
