package core

import (
	"testing"

	"github.com/shopspring/decimal"

	"taxcore/pkg/domain"
)

func bracket(min, max, rate, fixed string, order int) domain.Bracket {
	b := domain.Bracket{Rate: decimal.RequireFromString(rate), Order: order}
	if min != "" {
		b.MinIncome = dec(min)
	}
	if max != "" {
		b.MaxIncome = dec(max)
	}
	if fixed != "" {
		b.FixedAmount = dec(fixed)
	}
	return b
}

func TestProgressiveTaxSpansBrackets(t *testing.T) {
	brackets := []domain.Bracket{
		bracket("0", "24000", "0.10", "", 1),
		bracket("24000", "32333", "0.25", "", 2),
		bracket("32333", "", "0.30", "", 3),
	}
	// 24000*0.10 + 8333*0.25 + 7667*0.30 = 2400 + 2083.25 + 2300.10
	got := ProgressiveTax(brackets, decimal.RequireFromString("40000"))
	want := decimal.RequireFromString("6783.35")
	if !got.Equal(want) {
		t.Fatalf("progressive tax on 40000: got %s, want %s", got, want)
	}
}

// Every overlapped bracket contributes its fixed amount, not just the last
// one. An income spanning two brackets with fixed amounts pays both.
func TestProgressiveTaxAddsEachFixedAmount(t *testing.T) {
	brackets := []domain.Bracket{
		bracket("0", "10000", "0.10", "100", 1),
		bracket("10000", "", "0.20", "200", 2),
	}
	// 10000*0.10 + 100 + 5000*0.20 + 200 = 1000 + 100 + 1000 + 200
	got := ProgressiveTax(brackets, decimal.RequireFromString("15000"))
	want := decimal.RequireFromString("2300")
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestProgressiveTaxBelowFirstBracket(t *testing.T) {
	brackets := []domain.Bracket{
		bracket("24000", "", "0.25", "", 1),
	}
	got := ProgressiveTax(brackets, decimal.RequireFromString("20000"))
	if !got.IsZero() {
		t.Fatalf("income below every bracket should tax zero, got %s", got)
	}
}

func TestLookupTaxSubtractsFixedAmount(t *testing.T) {
	brackets := []domain.Bracket{
		bracket("0", "24000", "0.10", "", 1),
		bracket("24000", "32333", "0.25", "2400", 2),
		bracket("32333", "", "0.30", "5000", 3),
	}
	// Owning bracket is the second: 30000*0.25 - 2400.
	got := LookupTax(brackets, decimal.RequireFromString("30000"))
	want := decimal.RequireFromString("5100")
	if !got.Equal(want) {
		t.Fatalf("lookup tax on 30000: got %s, want %s", got, want)
	}
}

func TestLookupTaxBoundaries(t *testing.T) {
	brackets := []domain.Bracket{
		bracket("0", "24000", "0.10", "", 1),
		bracket("24000", "", "0.25", "", 2),
	}
	// Max bound is inclusive; min bound is exclusive for nonzero minima.
	atMax := LookupTax(brackets, decimal.RequireFromString("24000"))
	if !atMax.Equal(decimal.RequireFromString("2400")) {
		t.Fatalf("income at max should stay in the lower bracket, got %s", atMax)
	}
	above := LookupTax(brackets, decimal.RequireFromString("24001"))
	if !above.Equal(decimal.RequireFromString("6000.25")) {
		t.Fatalf("income above max moves to the next bracket, got %s", above)
	}
}

func TestLookupTaxNoOwningBracket(t *testing.T) {
	brackets := []domain.Bracket{
		bracket("10000", "24000", "0.10", "", 1),
	}
	got := LookupTax(brackets, decimal.RequireFromString("5000"))
	if !got.IsZero() {
		t.Fatalf("income outside every bracket should tax zero, got %s", got)
	}
}
