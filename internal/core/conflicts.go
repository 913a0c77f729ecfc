package core

import (
	"fmt"
	"sort"
	"strings"

	"taxcore/pkg/domain"
)

// DetectConflicts runs five independent passes over the evidence set and
// concatenates their results without cross-pass deduplication. Output is
// advisory: the engine always proceeds to selection or merge. The function is
// deterministic and order-insensitive: the same unordered rule set yields the
// same conflict list regardless of input order.
func DetectConflicts(rules []domain.EvidenceRule) []domain.Conflict {
	if len(rules) < 2 {
		return nil
	}
	ordered := make([]domain.EvidenceRule, len(rules))
	copy(ordered, rules)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	var conflicts []domain.Conflict
	conflicts = append(conflicts, formulaConflicts(ordered)...)
	conflicts = append(conflicts, bracketConflicts(ordered)...)
	conflicts = append(conflicts, fieldTypeConflicts(ordered)...)
	conflicts = append(conflicts, variableSetConflicts(ordered)...)
	conflicts = append(conflicts, periodOverlapConflicts(ordered)...)
	return conflicts
}

// formulaConflicts groups each rule's named formulas by name and flags names
// whose distinct expression strings disagree.
func formulaConflicts(rules []domain.EvidenceRule) []domain.Conflict {
	type contribution struct {
		ruleID     string
		expression string
	}
	byName := map[string][]contribution{}
	for _, rule := range rules {
		seen := map[string]bool{}
		for _, f := range rule.Data.Formulas {
			if f.Name == "" || seen[f.Name] {
				continue
			}
			seen[f.Name] = true
			byName[f.Name] = append(byName[f.Name], contribution{ruleID: rule.ID, expression: f.Expression})
		}
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var conflicts []domain.Conflict
	for _, name := range names {
		contribs := byName[name]
		distinct := map[string]bool{}
		for _, c := range contribs {
			distinct[c.expression] = true
		}
		if len(distinct) < 2 {
			continue
		}
		values := make([]domain.ConflictingValue, 0, len(contribs))
		for _, c := range contribs {
			values = append(values, domain.ConflictingValue{RuleID: c.ruleID, Value: c.expression})
		}
		conflicts = append(conflicts, domain.Conflict{
			FieldName:          name,
			Type:               domain.ConflictFormulaExpression,
			Description:        fmt.Sprintf("formula %q has %d conflicting expressions across %d rules", name, len(distinct), len(contribs)),
			ResolutionStrategy: "highest_authority_or_merge",
			Rules:              values,
		})
	}
	return conflicts
}

// bracketConflicts compares bracket signatures across every rule that
// declares an embedded bracket list. The signature concatenates each
// bracket's (min,max,rate) triple in declared order.
func bracketConflicts(rules []domain.EvidenceRule) []domain.Conflict {
	type declared struct {
		ruleID    string
		signature string
	}
	var declaring []declared
	distinct := map[string]bool{}
	for _, rule := range rules {
		if len(rule.Data.Brackets) == 0 {
			continue
		}
		sig := bracketSignature(rule.Data.Brackets)
		declaring = append(declaring, declared{ruleID: rule.ID, signature: sig})
		distinct[sig] = true
	}
	if len(distinct) < 2 {
		return nil
	}
	values := make([]domain.ConflictingValue, 0, len(declaring))
	for _, d := range declaring {
		values = append(values, domain.ConflictingValue{RuleID: d.ruleID, Value: d.signature})
	}
	return []domain.Conflict{{
		FieldName:          "brackets",
		Type:               domain.ConflictBracketStructure,
		Description:        fmt.Sprintf("%d distinct bracket structures declared across %d rules", len(distinct), len(declaring)),
		ResolutionStrategy: "highest_authority_or_merge",
		Rules:              values,
	}}
}

func bracketSignature(specs []domain.BracketSpec) string {
	parts := make([]string, 0, len(specs))
	for _, s := range specs {
		min := "-"
		if s.MinIncome != nil {
			min = s.MinIncome.String()
		}
		max := "-"
		if s.MaxIncome != nil {
			max = s.MaxIncome.String()
		}
		rate := "-"
		switch {
		case s.Rate != nil:
			rate = s.Rate.String()
		case s.RatePercent != nil:
			rate = s.RatePercent.String() + "%"
		}
		parts = append(parts, fmt.Sprintf("(%s,%s,%s)", min, max, rate))
	}
	return strings.Join(parts, ";")
}

// fieldTypeConflicts flags fields whose declared type differs across rules.
func fieldTypeConflicts(rules []domain.EvidenceRule) []domain.Conflict {
	type contribution struct {
		ruleID    string
		fieldType string
	}
	byField := map[string][]contribution{}
	for _, rule := range rules {
		for name, meta := range rule.Data.FieldMetadata {
			if meta.Type == "" {
				continue
			}
			byField[name] = append(byField[name], contribution{ruleID: rule.ID, fieldType: meta.Type})
		}
	}
	fields := make([]string, 0, len(byField))
	for name := range byField {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	var conflicts []domain.Conflict
	for _, name := range fields {
		contribs := byField[name]
		sort.Slice(contribs, func(i, j int) bool { return contribs[i].ruleID < contribs[j].ruleID })
		distinct := map[string]bool{}
		for _, c := range contribs {
			distinct[c.fieldType] = true
		}
		if len(distinct) < 2 {
			continue
		}
		values := make([]domain.ConflictingValue, 0, len(contribs))
		for _, c := range contribs {
			values = append(values, domain.ConflictingValue{RuleID: c.ruleID, Value: c.fieldType})
		}
		conflicts = append(conflicts, domain.Conflict{
			FieldName:          name,
			Type:               domain.ConflictFieldType,
			Description:        fmt.Sprintf("field %q declared with %d different types", name, len(distinct)),
			ResolutionStrategy: "highest_authority_or_merge",
			Rules:              values,
		})
	}
	return conflicts
}

// variableSetConflicts compares the sorted required-variable signature of
// each rule. This is the one conflict type with a built-in merge policy:
// resolution takes the union of all variables.
func variableSetConflicts(rules []domain.EvidenceRule) []domain.Conflict {
	type declared struct {
		ruleID    string
		signature string
	}
	var declaring []declared
	distinct := map[string]bool{}
	for _, rule := range rules {
		if len(rule.Data.RequiredVariables) == 0 {
			continue
		}
		vars := make([]string, len(rule.Data.RequiredVariables))
		copy(vars, rule.Data.RequiredVariables)
		sort.Strings(vars)
		sig := strings.Join(vars, ",")
		declaring = append(declaring, declared{ruleID: rule.ID, signature: sig})
		distinct[sig] = true
	}
	if len(distinct) < 2 {
		return nil
	}
	values := make([]domain.ConflictingValue, 0, len(declaring))
	for _, d := range declaring {
		values = append(values, domain.ConflictingValue{RuleID: d.ruleID, Value: d.signature})
	}
	return []domain.Conflict{{
		FieldName:          "required_variables",
		Type:               domain.ConflictVariableSet,
		Description:        fmt.Sprintf("%d distinct required-variable sets declared across %d rules", len(distinct), len(declaring)),
		ResolutionStrategy: "union_of_variables",
		Rules:              values,
	}}
}

// periodOverlapConflicts flags every pair of rules whose effective windows
// intersect. Open ranges are treated as unbounded.
func periodOverlapConflicts(rules []domain.EvidenceRule) []domain.Conflict {
	var conflicts []domain.Conflict
	for i := 0; i < len(rules); i++ {
		for j := i + 1; j < len(rules); j++ {
			a, b := rules[i], rules[j]
			if !domain.DatesOverlap(a.EffectiveDate, a.ExpiryDate, b.EffectiveDate, b.ExpiryDate) {
				continue
			}
			conflicts = append(conflicts, domain.Conflict{
				FieldName:          "effective_period",
				Type:               domain.ConflictPeriodOverlap,
				Description:        fmt.Sprintf("rules %s and %s have overlapping effective periods", a.ID, b.ID),
				ResolutionStrategy: "highest_authority_or_merge",
				Rules: []domain.ConflictingValue{
					{RuleID: a.ID, Value: periodLabel(a.EffectiveDate, a.ExpiryDate)},
					{RuleID: b.ID, Value: periodLabel(b.EffectiveDate, b.ExpiryDate)},
				},
			})
		}
	}
	return conflicts
}

func periodLabel(effective string, expiry *string) string {
	end := "open"
	if expiry != nil && *expiry != "" {
		end = *expiry
	}
	return effective + ".." + end
}
