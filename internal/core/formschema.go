package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"taxcore/pkg/domain"
)

// incomeLikeTokens mark field names that should render as non-negative
// numeric inputs when no extracted type is available.
var incomeLikeTokens = []string{"income", "salary", "wage", "pay", "earning", "amount", "gross", "net", "revenue", "turnover"}

// schemaSource is the resolved rule content a schema build works from.
type schemaSource struct {
	data        domain.RuleData
	ruleIDs     []string
	bracketRows int
}

// BuildFormSchema generates, persists, and activates a new form schema
// version for the tax type at the target date. The aggregated rule for the
// key is preferred; without one the ranked active evidence set is unioned.
// Version insert and activation swap happen in one transaction so readers
// never observe zero or two active versions. In strict mode the build fails
// instead of activating a schema with no derivable fields, or one for a
// bracket-based type with no contributing brackets.
func (s *Service) BuildFormSchema(ctx context.Context, taxType domain.TaxType, targetDate string, strict bool) (domain.FormSchema, error) {
	started := s.clock()
	ctx, span := s.tracer.Start(ctx, "build_form_schema")

	var schema domain.FormSchema
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		schema, err = s.buildSchemaInTx(tx, taxType, targetDate, strict)
		return err
	})
	if err != nil {
		s.finish(ctx, "build_form_schema", domain.EntityFormSchema, "", started, span, err)
		return domain.FormSchema{}, err
	}

	s.archiveSchema(ctx, schema)
	s.finish(ctx, "build_form_schema", domain.EntityFormSchema, schema.ID, started, span, nil)
	return schema, nil
}

func (s *Service) buildSchemaInTx(tx domain.Transaction, taxType domain.TaxType, targetDate string, strict bool) (domain.FormSchema, error) {
	view := tx.Snapshot()
	source, err := resolveSchemaSource(view, taxType, targetDate)
	if err != nil {
		return domain.FormSchema{}, err
	}
	if strict {
		if len(source.data.FieldMetadata) == 0 && len(source.data.RequiredVariables) == 0 {
			return domain.FormSchema{}, fmt.Errorf("build schema for %s at %s: no field metadata or required variables derivable", taxType, targetDate)
		}
		if taxType.BracketBased() && source.bracketRows == 0 {
			return domain.FormSchema{}, fmt.Errorf("build schema for %s at %s: bracket-based type has no contributing brackets", taxType, targetDate)
		}
	}

	doc := synthesizeSchema(source.data)
	now := s.clock()
	doc.Metadata = domain.SchemaMetadata{
		SchemaType:    taxType,
		GeneratedAt:   now,
		TargetDate:    targetDate,
		SourceRuleIDs: source.ruleIDs,
	}

	version := tx.NextFormSchemaVersion(taxType)
	created, err := tx.CreateFormSchema(domain.FormSchema{
		Base:       domain.Base{ID: fmt.Sprintf("schema-%s-%s-%d", taxType, targetDate, now.UnixNano())},
		SchemaType: taxType,
		Version:    version,
		SchemaData: doc,
	})
	if err != nil {
		return domain.FormSchema{}, domain.ErrPersistence{Op: "create form schema", Err: err}
	}
	if err := tx.ActivateFormSchema(taxType, created.ID); err != nil {
		return domain.FormSchema{}, domain.ErrPersistence{Op: "activate form schema", Err: err}
	}
	created.IsActive = true
	return created, nil
}

// resolveSchemaSource prefers the most recent aggregated rule effective at or
// before the target date, then falls back to the ranked evidence union.
func resolveSchemaSource(view domain.TransactionView, taxType domain.TaxType, targetDate string) (schemaSource, error) {
	var best *domain.AggregatedRule
	for _, rule := range view.ListAggregatedRules() {
		if rule.TaxType != taxType || rule.EffectiveDate > targetDate {
			continue
		}
		if best == nil || rule.EffectiveDate > best.EffectiveDate {
			r := rule
			best = &r
		}
	}
	if best != nil {
		return schemaSource{
			data:        best.Data,
			ruleIDs:     []string{best.ID},
			bracketRows: len(view.ListBrackets(best.ID)),
		}, nil
	}

	evidence, err := ActiveEvidence(view, taxType, targetDate)
	if err != nil {
		return schemaSource{}, err
	}
	return unionEvidence(evidence), nil
}

// unionEvidence merges payloads across the ranked evidence set. Higher-ranked
// rules win per-field; required variables keep first-seen order; formulas
// deduplicate by name with the higher-ranked definition kept.
func unionEvidence(evidence []domain.EvidenceRule) schemaSource {
	out := schemaSource{}
	merged := domain.RuleData{FieldMetadata: map[string]domain.FieldMeta{}}
	seenVar := map[string]bool{}
	seenFormula := map[string]bool{}
	for _, rule := range evidence {
		out.ruleIDs = append(out.ruleIDs, rule.ID)
		out.bracketRows += len(rule.Data.Brackets)
		for name, meta := range rule.Data.FieldMetadata {
			if _, ok := merged.FieldMetadata[name]; !ok {
				merged.FieldMetadata[name] = meta
			}
		}
		for _, v := range rule.Data.RequiredVariables {
			if !seenVar[v] {
				seenVar[v] = true
				merged.RequiredVariables = append(merged.RequiredVariables, v)
			}
		}
		for _, f := range rule.Data.Formulas {
			if !seenFormula[f.Name] {
				seenFormula[f.Name] = true
				merged.Formulas = append(merged.Formulas, f)
			}
		}
		if len(merged.UIOrder) == 0 {
			merged.UIOrder = rule.Data.UIOrder
		}
	}
	out.data = merged
	return out
}

// synthesizeSchema turns rule content into the form schema document: JSON
// schema properties, required list, UI ordering, and the ordered formula
// chain.
func synthesizeSchema(data domain.RuleData) domain.SchemaDocument {
	properties := make(map[string]domain.SchemaProperty, len(data.FieldMetadata))
	for name, meta := range data.FieldMetadata {
		properties[name] = propertyFromMeta(name, meta)
	}
	for _, name := range data.RequiredVariables {
		if _, ok := properties[name]; !ok {
			properties[name] = synthesizeProperty(name)
		}
	}

	// required intersects the declared variables with the fields that hold a
	// property. Synthesis above gives every declared variable one, so a
	// variable lacking extracted metadata still renders and is still
	// required; strict builds reject metadata-free sources before this point.
	required := make([]string, 0, len(data.RequiredVariables))
	for _, name := range data.RequiredVariables {
		if _, ok := properties[name]; ok {
			required = append(required, name)
		}
	}

	formulas := make([]domain.Formula, len(data.Formulas))
	copy(formulas, data.Formulas)
	sort.SliceStable(formulas, func(i, j int) bool { return formulas[i].Order < formulas[j].Order })

	return domain.SchemaDocument{
		Schema: domain.JSONSchema{
			Type:       "object",
			Properties: properties,
			Required:   required,
		},
		UIOrder:  orderFields(properties, data.UIOrder, required),
		Formulas: formulas,
	}
}

func propertyFromMeta(name string, meta domain.FieldMeta) domain.SchemaProperty {
	prop := domain.SchemaProperty{
		Type:        meta.Type,
		Title:       meta.Label,
		Description: meta.Description,
		Minimum:     meta.Minimum,
		Enum:        meta.Options,
	}
	if prop.Type == "" {
		synthesized := synthesizeProperty(name)
		prop.Type = synthesized.Type
		if prop.Minimum == nil {
			prop.Minimum = synthesized.Minimum
		}
	}
	if prop.Title == "" {
		prop.Title = labelFromName(name)
	}
	return prop
}

// synthesizeProperty guesses a property for a variable with no extracted
// metadata. Income-like names become non-negative numbers.
func synthesizeProperty(name string) domain.SchemaProperty {
	lowered := strings.ToLower(name)
	for _, token := range incomeLikeTokens {
		if strings.Contains(lowered, token) {
			zero := 0.0
			return domain.SchemaProperty{Type: domain.FieldTypeNumber, Title: labelFromName(name), Minimum: &zero}
		}
	}
	return domain.SchemaProperty{Type: domain.FieldTypeString, Title: labelFromName(name)}
}

func labelFromName(name string) string {
	parts := strings.Split(strings.ReplaceAll(name, "-", "_"), "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

// orderFields produces the UI ordering: explicit declarations first, then
// remaining required fields alphabetically, then the rest alphabetically.
func orderFields(properties map[string]domain.SchemaProperty, explicit, required []string) []string {
	ordered := make([]string, 0, len(properties))
	placed := map[string]bool{}
	for _, name := range explicit {
		if _, ok := properties[name]; ok && !placed[name] {
			placed[name] = true
			ordered = append(ordered, name)
		}
	}
	var rest []string
	for _, name := range required {
		if !placed[name] {
			placed[name] = true
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	ordered = append(ordered, rest...)

	var remaining []string
	for name := range properties {
		if !placed[name] {
			remaining = append(remaining, name)
		}
	}
	sort.Strings(remaining)
	return append(ordered, remaining...)
}

// archiveSchema writes the activated schema version to the archive. Archive
// failures are recorded to the audit sink only.
func (s *Service) archiveSchema(ctx context.Context, schema domain.FormSchema) {
	key := fmt.Sprintf("schemas/%s/v%d.json", schema.SchemaType, schema.Version)
	if warn := s.archivePayload(ctx, key, schema); warn != "" {
		s.audit.Record(ctx, AuditEntry{
			Operation: "archive_form_schema",
			Entity:    domain.EntityFormSchema,
			EntityID:  schema.ID,
			Status:    AuditStatusError,
			Error:     warn,
			At:        s.clock(),
		})
	}
}
