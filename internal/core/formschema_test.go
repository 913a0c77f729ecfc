package core

import (
	"context"
	"strings"
	"testing"

	"taxcore/pkg/domain"
)

func payeEvidence(id string, rank int) domain.EvidenceRule {
	rule := incomeEvidence(id, rank)
	rule.TaxType = domain.TaxPAYE
	return rule
}

func TestBuildFormSchemaFromEvidence(t *testing.T) {
	store := newTestStore()
	svc := NewService(store)
	mustImport(t, svc, payeEvidence("kra-guide", 5))

	schema, err := svc.BuildFormSchema(context.Background(), domain.TaxPAYE, "2025-01-01", false)
	if err != nil {
		t.Fatalf("build schema: %v", err)
	}
	if schema.Version != 1 {
		t.Fatalf("first schema should be version 1, got %d", schema.Version)
	}
	if !schema.IsActive {
		t.Fatalf("built schema should be active")
	}
	doc := schema.SchemaData
	if doc.Schema.Type != "object" {
		t.Fatalf("schema root must be an object, got %q", doc.Schema.Type)
	}
	prop, ok := doc.Schema.Properties["gross_income"]
	if !ok {
		t.Fatalf("expected gross_income property, got %v", doc.Schema.Properties)
	}
	if prop.Type != domain.FieldTypeNumber {
		t.Fatalf("extracted type should be kept, got %q", prop.Type)
	}
	if len(doc.Schema.Required) != 1 || doc.Schema.Required[0] != "gross_income" {
		t.Fatalf("required variables should flow into required list: %v", doc.Schema.Required)
	}
	if len(doc.Formulas) != 1 || doc.Formulas[0].Name != "tax_due" {
		t.Fatalf("formula chain missing: %+v", doc.Formulas)
	}
	if doc.Metadata.SchemaType != domain.TaxPAYE || doc.Metadata.TargetDate != "2025-01-01" {
		t.Fatalf("metadata should record the build key: %+v", doc.Metadata)
	}
}

// Rebuilding activates the new version and leaves exactly one active row,
// with the prior version retained in history as inactive.
func TestBuildFormSchemaActivationSwap(t *testing.T) {
	store := newTestStore()
	svc := NewService(store)
	mustImport(t, svc, payeEvidence("kra-guide", 5))

	first, err := svc.BuildFormSchema(context.Background(), domain.TaxPAYE, "2025-01-01", false)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	second, err := svc.BuildFormSchema(context.Background(), domain.TaxPAYE, "2025-01-01", false)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if second.Version != first.Version+1 {
		t.Fatalf("versions must be monotonic: %d then %d", first.Version, second.Version)
	}

	versions := store.ListFormSchemas(domain.TaxPAYE)
	if len(versions) != 2 {
		t.Fatalf("history should retain both versions, got %d", len(versions))
	}
	activeCount := 0
	for _, v := range versions {
		if v.IsActive {
			activeCount++
			if v.ID != second.ID {
				t.Fatalf("active version should be the latest")
			}
		}
	}
	if activeCount != 1 {
		t.Fatalf("exactly one version may be active, got %d", activeCount)
	}
	active, ok := store.ActiveFormSchema(domain.TaxPAYE)
	if !ok || active.Version != second.Version {
		t.Fatalf("active lookup disagrees: %+v", active)
	}
}

func TestBuildFormSchemaPrefersAggregatedRule(t *testing.T) {
	store := newTestStore()
	svc := NewService(store)
	mustImport(t, svc, payeEvidence("kra-guide", 5))
	outcome, err := svc.AggregateRules(context.Background(), domain.TaxPAYE, "2025-01-01")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	schema, err := svc.BuildFormSchema(context.Background(), domain.TaxPAYE, "2025-06-01", false)
	if err != nil {
		t.Fatalf("build schema: %v", err)
	}
	src := schema.SchemaData.Metadata.SourceRuleIDs
	if len(src) != 1 || src[0] != outcome.Rule.ID {
		t.Fatalf("schema should derive from the aggregated rule, got %v", src)
	}
}

func TestBuildFormSchemaStrictFailures(t *testing.T) {
	store := newTestStore()
	svc := NewService(store)

	bare := domain.EvidenceRule{
		Base:          domain.Base{ID: "bare"},
		TaxType:       domain.TaxVAT,
		Title:         "VAT notice",
		EffectiveDate: "2025-01-01",
	}
	mustImport(t, svc, bare)

	if _, err := svc.BuildFormSchema(context.Background(), domain.TaxVAT, "2025-01-01", true); err == nil {
		t.Fatalf("strict build must fail with no derivable fields")
	}
	// Relaxed mode synthesizes instead.
	schema, err := svc.BuildFormSchema(context.Background(), domain.TaxVAT, "2025-01-01", false)
	if err != nil {
		t.Fatalf("relaxed build: %v", err)
	}
	if !schema.IsActive {
		t.Fatalf("relaxed build still activates")
	}

	withVars := domain.EvidenceRule{
		Base:          domain.Base{ID: "vars-only"},
		TaxType:       domain.TaxVAT,
		Title:         "VAT variables",
		EffectiveDate: "2025-01-01",
		Data:          domain.RuleData{RequiredVariables: []string{"taxable_supplies"}},
	}
	mustImport(t, svc, withVars)
	if _, err := svc.BuildFormSchema(context.Background(), domain.TaxVAT, "2025-01-01", true); err == nil {
		t.Fatalf("strict build must fail for a bracket-based type with no brackets")
	} else if !strings.Contains(err.Error(), "bracket") {
		t.Fatalf("expected bracket failure, got %v", err)
	}

	// A declared variable with no extracted metadata gets a synthesized
	// property in relaxed mode and still lands in the required list.
	schema, err = svc.BuildFormSchema(context.Background(), domain.TaxVAT, "2025-01-01", false)
	if err != nil {
		t.Fatalf("relaxed build with variables: %v", err)
	}
	prop, ok := schema.SchemaData.Schema.Properties["taxable_supplies"]
	if !ok || prop.Type != domain.FieldTypeString {
		t.Fatalf("declared variable must synthesize a property, got %+v", schema.SchemaData.Schema.Properties)
	}
	got := schema.SchemaData.Schema.Required
	if len(got) != 1 || got[0] != "taxable_supplies" {
		t.Fatalf("synthesized fields count toward required, got %v", got)
	}
}

func TestBuildFormSchemaNoSource(t *testing.T) {
	store := newTestStore()
	svc := NewService(store)
	if _, err := svc.BuildFormSchema(context.Background(), domain.TaxIncome, "2025-01-01", false); err == nil {
		t.Fatalf("expected failure with no rules at all")
	}
}

func TestSynthesizePropertyIncomeLike(t *testing.T) {
	prop := synthesizeProperty("gross_income")
	if prop.Type != domain.FieldTypeNumber {
		t.Fatalf("income-like names synthesize as numbers, got %q", prop.Type)
	}
	if prop.Minimum == nil || *prop.Minimum != 0 {
		t.Fatalf("income-like numbers get a zero minimum, got %v", prop.Minimum)
	}
	if prop.Title != "Gross Income" {
		t.Fatalf("label should title-case underscores, got %q", prop.Title)
	}

	other := synthesizeProperty("county_code")
	if other.Type != domain.FieldTypeString || other.Minimum != nil {
		t.Fatalf("non-income names synthesize as strings, got %+v", other)
	}
}

func TestOrderFields(t *testing.T) {
	properties := map[string]domain.SchemaProperty{
		"zeta": {}, "alpha": {}, "gross_income": {}, "relief": {},
	}
	ordered := orderFields(properties, []string{"gross_income", "ghost"}, []string{"relief", "gross_income"})
	want := []string{"gross_income", "relief", "alpha", "zeta"}
	if len(ordered) != len(want) {
		t.Fatalf("got %v, want %v", ordered, want)
	}
	for i := range want {
		if ordered[i] != want[i] {
			t.Fatalf("position %d: got %v, want %v", i, ordered, want)
		}
	}
}

func TestUnionEvidenceFirstWins(t *testing.T) {
	a := evidenceRule("a", domain.TaxPAYE, "2025-01-01", 9, domain.RuleData{
		RequiredVariables: []string{"gross_pay"},
		FieldMetadata:     map[string]domain.FieldMeta{"gross_pay": {Type: domain.FieldTypeNumber}},
		Formulas:          []domain.Formula{{Name: "tax", Expression: "a-way", OutputField: "tax"}},
	})
	b := evidenceRule("b", domain.TaxPAYE, "2025-01-01", 3, domain.RuleData{
		RequiredVariables: []string{"gross_pay", "nssf"},
		FieldMetadata:     map[string]domain.FieldMeta{"gross_pay": {Type: domain.FieldTypeString}},
		Formulas:          []domain.Formula{{Name: "tax", Expression: "b-way", OutputField: "tax"}},
		UIOrder:           []string{"gross_pay", "nssf"},
	})
	src := unionEvidence([]domain.EvidenceRule{a, b})
	if src.data.FieldMetadata["gross_pay"].Type != domain.FieldTypeNumber {
		t.Fatalf("higher-ranked metadata should win")
	}
	if len(src.data.RequiredVariables) != 2 {
		t.Fatalf("variables union: %v", src.data.RequiredVariables)
	}
	if len(src.data.Formulas) != 1 || src.data.Formulas[0].Expression != "a-way" {
		t.Fatalf("formulas dedupe by name keeping the first: %+v", src.data.Formulas)
	}
	if len(src.data.UIOrder) != 2 {
		t.Fatalf("first non-empty ui order adopted: %v", src.data.UIOrder)
	}
	if len(src.ruleIDs) != 2 {
		t.Fatalf("both contributors recorded: %v", src.ruleIDs)
	}
}
