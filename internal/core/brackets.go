package core

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"taxcore/pkg/domain"
)

var percentDivisor = decimal.NewFromInt(100)

// MaterializeBrackets converts a rule payload's declared brackets into
// canonical rows owned by ownerID. Rates declared as percentages are divided
// by 100; rates already expressed as fractions pass through unchanged. A
// bracket whose normalized rate exceeds the storage ceiling is skipped with a
// warning rather than clamped or failing the aggregation. Order uses the
// entry's declared order when present, else its 1-based position.
func MaterializeBrackets(ownerID string, specs []domain.BracketSpec) ([]domain.Bracket, []string) {
	var rows []domain.Bracket
	var warnings []string
	for i, spec := range specs {
		rate, ok := normalizeRate(spec)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("bracket %d for rule %s declares no rate; skipped", i+1, ownerID))
			continue
		}
		if rate.GreaterThan(domain.BracketRateCeiling) {
			warnings = append(warnings, fmt.Sprintf("bracket %d for rule %s has rate %s above storage ceiling %s; skipped", i+1, ownerID, rate.String(), domain.BracketRateCeiling.String()))
			continue
		}
		declared := spec.Order
		if declared <= 0 {
			declared = i + 1
		}
		rows = append(rows, domain.Bracket{
			RuleID:      ownerID,
			MinIncome:   cloneDecimal(spec.MinIncome),
			MaxIncome:   cloneDecimal(spec.MaxIncome),
			Rate:        rate,
			FixedAmount: cloneDecimal(spec.FixedAmount),
			Order:       declared,
		})
	}
	renumberBrackets(rows)
	return rows, warnings
}

// normalizeRate resolves the declared rate to a fraction. rate_percent wins
// when both are present, matching the extraction format where rate_percent is
// the explicit form.
func normalizeRate(spec domain.BracketSpec) (decimal.Decimal, bool) {
	if spec.RatePercent != nil {
		return spec.RatePercent.Div(percentDivisor), true
	}
	if spec.Rate != nil {
		return *spec.Rate, true
	}
	return decimal.Decimal{}, false
}

// renumberBrackets sorts rows by their declared order and renumbers them
// 1..N so the persisted ordering stays unique and contiguous even after
// skips or sparse declared orders.
func renumberBrackets(rows []domain.Bracket) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Order < rows[j].Order })
	for i := range rows {
		rows[i].Order = i + 1
	}
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
