package core

import (
	"github.com/shopspring/decimal"

	"taxcore/pkg/domain"
)

// Two tax computations coexist and are intentionally not reconciled.
// ProgressiveTax adds each overlapped bracket's fixed amount, so an income
// spanning several brackets with nonzero fixed amounts counts them all.
// LookupTax applies only the single owning bracket and subtracts its fixed
// amount. Which semantics is authoritative is an open question for a domain
// expert; callers pick explicitly.

// ProgressiveTax sums, over every bracket with positive overlap against the
// taxable income, overlap*rate plus the bracket's fixed amount.
func ProgressiveTax(brackets []domain.Bracket, income decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, b := range brackets {
		lower := decimal.Zero
		if b.MinIncome != nil {
			lower = *b.MinIncome
		}
		upper := income
		if b.MaxIncome != nil && b.MaxIncome.LessThan(income) {
			upper = *b.MaxIncome
		}
		overlap := upper.Sub(lower)
		if overlap.LessThanOrEqual(decimal.Zero) {
			continue
		}
		total = total.Add(overlap.Mul(b.Rate))
		if b.FixedAmount != nil {
			total = total.Add(*b.FixedAmount)
		}
	}
	return total
}

// LookupTax finds the single bracket owning the income (min exclusive-or-open
// lower bound, max inclusive-or-open upper bound) and returns
// income*rate - fixedAmount. Zero when no bracket owns the income.
func LookupTax(brackets []domain.Bracket, income decimal.Decimal) decimal.Decimal {
	for _, b := range brackets {
		if b.MinIncome != nil && income.LessThanOrEqual(*b.MinIncome) && !b.MinIncome.IsZero() {
			continue
		}
		if b.MaxIncome != nil && income.GreaterThan(*b.MaxIncome) {
			continue
		}
		tax := income.Mul(b.Rate)
		if b.FixedAmount != nil {
			tax = tax.Sub(*b.FixedAmount)
		}
		return tax
	}
	return decimal.Zero
}
