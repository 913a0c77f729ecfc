package core

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"taxcore/pkg/domain"
)

func TestMaterializeBracketsNormalizesPercent(t *testing.T) {
	rows, warnings := MaterializeBrackets("agg-1", []domain.BracketSpec{
		{MinIncome: dec("0"), MaxIncome: dec("24000"), RatePercent: dec("6"), Order: 1},
		{MinIncome: dec("24000"), Rate: dec("0.25"), Order: 2},
	})
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if !rows[0].Rate.Equal(decimal.RequireFromString("0.06")) {
		t.Fatalf("rate_percent 6 should normalize to 0.06, got %s", rows[0].Rate)
	}
	if !rows[1].Rate.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("fractional rate should pass through, got %s", rows[1].Rate)
	}
	for _, row := range rows {
		if row.RuleID != "agg-1" {
			t.Fatalf("rows must carry the owner id, got %q", row.RuleID)
		}
	}
}

func TestMaterializeBracketsPercentWinsOverRate(t *testing.T) {
	rows, _ := MaterializeBrackets("agg-1", []domain.BracketSpec{
		{Rate: dec("0.5"), RatePercent: dec("10"), Order: 1},
	})
	if len(rows) != 1 || !rows[0].Rate.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("rate_percent should win when both forms are present, got %+v", rows)
	}
}

func TestMaterializeBracketsDropsOverCeiling(t *testing.T) {
	rows, warnings := MaterializeBrackets("agg-1", []domain.BracketSpec{
		{Rate: dec("0.1"), Order: 1},
		{Rate: dec("15"), Order: 2}, // above the 9.9999 ceiling
		{Rate: dec("0.3"), Order: 3},
	})
	if len(rows) != 2 {
		t.Fatalf("over-ceiling bracket must be dropped, not clamped; got %d rows", len(rows))
	}
	for _, row := range rows {
		if row.Rate.GreaterThan(domain.BracketRateCeiling) {
			t.Fatalf("retained rate above ceiling: %s", row.Rate)
		}
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "ceiling") {
		t.Fatalf("expected a ceiling warning, got %v", warnings)
	}
	if rows[0].Order != 1 || rows[1].Order != 2 {
		t.Fatalf("orders must be renumbered contiguously after a skip: %d, %d", rows[0].Order, rows[1].Order)
	}
}

func TestMaterializeBracketsSkipsRatelessEntries(t *testing.T) {
	rows, warnings := MaterializeBrackets("agg-1", []domain.BracketSpec{
		{MinIncome: dec("0"), Order: 1},
		{Rate: dec("0.2"), Order: 2},
	})
	if len(rows) != 1 || !rows[0].Rate.Equal(decimal.RequireFromString("0.2")) {
		t.Fatalf("rateless entry should be skipped, got %+v", rows)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "no rate") {
		t.Fatalf("expected a no-rate warning, got %v", warnings)
	}
}

func TestMaterializeBracketsSparseDeclaredOrder(t *testing.T) {
	rows, _ := MaterializeBrackets("agg-1", []domain.BracketSpec{
		{Rate: dec("0.3"), Order: 30},
		{Rate: dec("0.1"), Order: 10},
		{Rate: dec("0.2"), Order: 20},
	})
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	want := []string{"0.1", "0.2", "0.3"}
	for i, row := range rows {
		if row.Order != i+1 {
			t.Fatalf("row %d should be renumbered to %d, got %d", i, i+1, row.Order)
		}
		if !row.Rate.Equal(decimal.RequireFromString(want[i])) {
			t.Fatalf("declared order must be preserved through renumbering: row %d rate %s", i, row.Rate)
		}
	}
}

func TestMaterializeBracketsPositionalOrderFallback(t *testing.T) {
	rows, _ := MaterializeBrackets("agg-1", []domain.BracketSpec{
		{Rate: dec("0.1")},
		{Rate: dec("0.2")},
	})
	if len(rows) != 2 || rows[0].Order != 1 || rows[1].Order != 2 {
		t.Fatalf("missing declared orders fall back to position, got %+v", rows)
	}
	if !rows[0].Rate.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("positional order should keep declaration sequence")
	}
}
