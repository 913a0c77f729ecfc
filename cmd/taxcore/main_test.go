package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"taxcore/internal/infra/persistence/memory"
	"taxcore/pkg/domain"
)

func TestRunRequiresCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(nil, &stdout, &stderr); err == nil {
		t.Fatalf("expected missing command error")
	}
	if !strings.Contains(stderr.String(), "usage: taxcore") {
		t.Fatalf("usage not printed: %s", stderr.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run([]string{"frobnicate"}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "frobnicate") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
	if !strings.Contains(stderr.String(), "usage: taxcore") {
		t.Fatalf("usage not printed: %s", stderr.String())
	}
}

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run([]string{"help"}, &stdout, &stderr); err != nil {
		t.Fatalf("help: %v", err)
	}
	if !strings.Contains(stdout.String(), "build-schema") {
		t.Fatalf("expected command listing, got %s", stdout.String())
	}
}

func TestRequireTypeAndDate(t *testing.T) {
	if _, err := requireTypeAndDate("", "2025-01-01"); err == nil {
		t.Fatalf("missing type must be rejected")
	}
	if _, err := requireTypeAndDate("income_tax", ""); err == nil {
		t.Fatalf("missing date must be rejected")
	}
	if _, err := requireTypeAndDate("income_tax", "2025-13-01"); err == nil {
		t.Fatalf("invalid date must be rejected")
	}
	if _, err := requireTypeAndDate("stamp_duty", "2025-01-01"); err == nil {
		t.Fatalf("unknown tax type must be rejected")
	}
	parsed, err := requireTypeAndDate("income_tax", "2025-01-01")
	if err != nil || parsed != domain.TaxIncome {
		t.Fatalf("expected income_tax, got %v %v", parsed, err)
	}
}

func TestBracketsFor(t *testing.T) {
	store := memory.NewStore(nil)
	seed := func(id, date string, withBrackets bool) {
		t.Helper()
		_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
			if _, err := tx.CreateAggregatedRule(domain.AggregatedRule{
				Base:          domain.Base{ID: id},
				TaxType:       domain.TaxIncome,
				EffectiveDate: date,
			}); err != nil {
				return err
			}
			if !withBrackets {
				return nil
			}
			_, err := tx.ReplaceBrackets(id, []domain.Bracket{{Order: 1}})
			return err
		})
		if err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	seed("agg-2024", "2024-01-01", true)
	seed("agg-2025", "2025-01-01", true)
	seed("agg-2026", "2026-01-01", true)

	_, ruleID, err := bracketsFor(store, domain.TaxIncome, "2025-06-30")
	if err != nil {
		t.Fatalf("brackets for: %v", err)
	}
	if ruleID != "agg-2025" {
		t.Fatalf("expected most recent rule on or before the date, got %s", ruleID)
	}

	if _, _, err := bracketsFor(store, domain.TaxVAT, "2025-06-30"); err == nil {
		t.Fatalf("expected no-rule error for vat")
	}
	if _, _, err := bracketsFor(store, domain.TaxIncome, "2023-01-01"); err == nil {
		t.Fatalf("expected no-rule error before any effective date")
	}

	seed("agg-empty", "2025-07-01", false)
	if _, _, err := bracketsFor(store, domain.TaxIncome, "2025-07-15"); err == nil || !strings.Contains(err.Error(), "no brackets") {
		t.Fatalf("expected no-brackets error, got %v", err)
	}
}

func TestImportAggregateCalc(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("TAXCORE_STORE_DRIVER", "sqlite")
	t.Setenv("TAXCORE_STORE_PATH", filepath.Join(dir, "state.db"))
	t.Setenv("TAXCORE_LLM_BASE_URL", "")

	rulesFile := filepath.Join(dir, "rules.json")
	doc := `[{
		"id": "gazette-2025",
		"tax_type": "income_tax",
		"title": "Income Tax Act 2025",
		"source_rank": 4,
		"effective_date": "2025-01-01",
		"rule_data": {
			"required_variables": ["gross_income"],
			"field_metadata": {"gross_income": {"type": "number", "label": "Gross Income"}},
			"formulas": [{"name": "taxable", "expression": "gross_income", "output_field": "taxable_income", "order": 1}],
			"brackets": [
				{"min_income": "0", "max_income": "24000", "rate_percent": "10", "order": 1},
				{"min_income": "24000", "rate_percent": "25", "order": 2}
			]
		}
	}]`
	if err := os.WriteFile(rulesFile, []byte(doc), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	var stdout, stderr bytes.Buffer
	if err := run([]string{"import", "-file", rulesFile}, &stdout, &stderr); err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(stdout.String(), "imported gazette-2025") {
		t.Fatalf("unexpected import output: %s", stdout.String())
	}

	stdout.Reset()
	if err := run([]string{"aggregate", "-type", "income_tax", "-date", "2025-01-01"}, &stdout, &stderr); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if !strings.Contains(stdout.String(), "strategy single_rule_direct") {
		t.Fatalf("unexpected aggregate output: %s", stdout.String())
	}

	stdout.Reset()
	if err := run([]string{"calc", "-type", "income_tax", "-date", "2025-06-30", "-income", "30000"}, &stdout, &stderr); err != nil {
		t.Fatalf("calc: %v", err)
	}
	// 24000 at 10% plus 6000 at 25%.
	if !strings.Contains(stdout.String(), "3900") {
		t.Fatalf("unexpected calc output: %s", stdout.String())
	}

	stdout.Reset()
	if err := run([]string{"build-schema", "-type", "income_tax", "-date", "2025-01-01"}, &stdout, &stderr); err != nil {
		t.Fatalf("build-schema: %v", err)
	}
	if !strings.Contains(stdout.String(), "version 1 (active=true)") {
		t.Fatalf("unexpected build-schema output: %s", stdout.String())
	}
}

func TestRunCalcRejectsBadInput(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run([]string{"calc", "-type", "income_tax", "-date", "2025-01-01"}, &stdout, &stderr); err == nil || !strings.Contains(err.Error(), "-income is required") {
		t.Fatalf("expected missing income error, got %v", err)
	}
	if err := run([]string{"calc", "-type", "income_tax", "-date", "2025-01-01", "-income", "abc"}, &stdout, &stderr); err == nil || !strings.Contains(err.Error(), "invalid income") {
		t.Fatalf("expected invalid income error, got %v", err)
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
