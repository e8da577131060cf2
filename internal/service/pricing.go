package service

import (
	"github.com/shopspring/decimal"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
)

type PricedLine struct {
	Input     domain.SaleLineInput
	UnitPrice decimal.Decimal
	Subtotal  decimal.Decimal
	Discount  decimal.Decimal
	Total     decimal.Decimal
}

type SaleTotals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// PriceLines computes line and sale totals from the caller supplied unit
// prices. Unit prices are rounded to two places before multiplying and tax
// is always zero.
func PriceLines(lines []domain.SaleLineInput) ([]PricedLine, SaleTotals, error) {
	if len(lines) == 0 {
		return nil, SaleTotals{}, store.Validation("sale must contain at least one item")
	}

	priced := make([]PricedLine, 0, len(lines))
	totals := SaleTotals{Subtotal: decimal.Zero, Discount: decimal.Zero, Tax: decimal.Zero}
	for i, line := range lines {
		if line.Quantity <= 0 {
			return nil, SaleTotals{}, store.Validation("item %d: quantity must be positive", i)
		}
		if line.Price.IsNegative() {
			return nil, SaleTotals{}, store.Validation("item %d: price must not be negative", i)
		}
		if line.Discount.IsNegative() {
			return nil, SaleTotals{}, store.Validation("item %d: discount must not be negative", i)
		}

		unitPrice := line.Price.Round(2)
		subtotal := unitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		discount := line.Discount.Round(2)
		if discount.GreaterThan(subtotal) {
			return nil, SaleTotals{}, store.Validation("item %d: discount exceeds line subtotal", i)
		}

		priced = append(priced, PricedLine{
			Input:     line,
			UnitPrice: unitPrice,
			Subtotal:  subtotal,
			Discount:  discount,
			Total:     subtotal.Sub(discount),
		})
		totals.Subtotal = totals.Subtotal.Add(subtotal)
		totals.Discount = totals.Discount.Add(discount)
	}
	totals.Total = totals.Subtotal.Sub(totals.Discount).Add(totals.Tax).Round(2)
	return priced, totals, nil
}
