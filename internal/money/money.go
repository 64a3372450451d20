// Package money implements invoice arithmetic on integer minor currency
// units (cents). Fractional products (quantity × price, subtotal × rate) are
// resolved with exact decimal arithmetic and round-half-up, never binary
// floats.
package money

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Line carries the per-line inputs Aggregate needs. SubtotalMinor and
// TaxMinor are the already-rounded line amounts; Rate is the applied tax rate
// (0 when tax was not applied).
type Line struct {
	SubtotalMinor int64
	TaxMinor      int64
	TaxApplicable bool
	Rate          float64
}

// TaxBracket is one row of an invoice's tax breakdown: all lines taxed at
// Rate, with their summed taxable base and collected tax.
type TaxBracket struct {
	Rate         float64
	TaxableMinor int64
	TaxMinor     int64
}

// Summary is the invoice-level aggregate of its lines.
type Summary struct {
	SubtotalMinor int64
	TaxMinor      int64
	TotalMinor    int64
	Breakdown     []TaxBracket
}

// roundMinor rounds a decimal amount to whole minor units, half up.
// decimal.Round is half-away-from-zero, which equals half-up for the
// non-negative amounts this package handles.
func roundMinor(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

// LineSubtotal computes round(quantity × unitPriceMinor). Quantity may be
// fractional (0.25 day); the product is taken in decimal space so 2.5 × 1
// rounds to 3, not 2.
func LineSubtotal(quantity float64, unitPriceMinor int64) int64 {
	q := decimal.NewFromFloat(quantity)
	return roundMinor(q.Mul(decimal.NewFromInt(unitPriceMinor)))
}

// LineTax computes round(subtotalMinor × rate) when tax applies at a positive
// rate, else 0.
func LineTax(subtotalMinor int64, taxApplicable bool, rate float64) int64 {
	if !taxApplicable || rate <= 0 {
		return 0
	}
	r := decimal.NewFromFloat(rate)
	return roundMinor(decimal.NewFromInt(subtotalMinor).Mul(r))
}

// LineTotal is subtotal plus tax.
func LineTotal(subtotalMinor, taxMinor int64) int64 {
	return subtotalMinor + taxMinor
}

// Aggregate sums lines into invoice totals and the per-rate tax breakdown.
// Lines with no tax applied count toward the subtotal but stay out of the
// breakdown. Brackets are ordered by ascending rate. An empty line set yields
// zero totals and an empty breakdown.
func Aggregate(lines []Line) Summary {
	var sum Summary
	brackets := make(map[float64]*TaxBracket)
	for _, l := range lines {
		sum.SubtotalMinor += l.SubtotalMinor
		sum.TaxMinor += l.TaxMinor
		if !l.TaxApplicable || l.Rate <= 0 {
			continue
		}
		b, ok := brackets[l.Rate]
		if !ok {
			b = &TaxBracket{Rate: l.Rate}
			brackets[l.Rate] = b
		}
		b.TaxableMinor += l.SubtotalMinor
		b.TaxMinor += l.TaxMinor
	}
	sum.TotalMinor = sum.SubtotalMinor + sum.TaxMinor

	sum.Breakdown = make([]TaxBracket, 0, len(brackets))
	for _, b := range brackets {
		sum.Breakdown = append(sum.Breakdown, *b)
	}
	sort.Slice(sum.Breakdown, func(i, j int) bool {
		return sum.Breakdown[i].Rate < sum.Breakdown[j].Rate
	})
	return sum
}

// BalanceDue is total minus amount paid. Callers validate the payment range;
// this stays a plain subtraction so the balance invariant is checkable.
func BalanceDue(totalMinor, amountPaidMinor int64) int64 {
	return totalMinor - amountPaidMinor
}
