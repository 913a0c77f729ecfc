package domain

// ConflictType classifies a disagreement between evidence rules.
type ConflictType string

// Conflict dimensions checked by the detector. Each pass runs independently
// and results are concatenated without cross-pass deduplication.
const (
	ConflictFormulaExpression ConflictType = "formula_expression_mismatch"
	ConflictBracketStructure  ConflictType = "bracket_structure_mismatch"
	ConflictFieldType         ConflictType = "field_type_mismatch"
	ConflictVariableSet       ConflictType = "variable_set_mismatch"
	ConflictPeriodOverlap     ConflictType = "overlapping_effective_periods"
)

// ConflictingValue names one rule's contribution to a conflict.
type ConflictingValue struct {
	RuleID string `json:"rule_id"`
	Value  string `json:"value"`
}

// Conflict is one detected disagreement. Conflicts are ephemeral: computed
// per aggregation call, persisted only as a summary inside the aggregated
// payload and in the audit row.
type Conflict struct {
	FieldName          string             `json:"field_name"`
	Type               ConflictType       `json:"conflict_type"`
	Description        string             `json:"description"`
	ResolutionStrategy string             `json:"resolution_strategy,omitempty"`
	Rules              []ConflictingValue `json:"conflicting_rules"`
}

// SummarizeConflicts builds the per-type counts and resolution-method
// breakdown persisted with an aggregation.
func SummarizeConflicts(conflicts []Conflict) ConflictSummary {
	summary := ConflictSummary{Total: len(conflicts)}
	if len(conflicts) == 0 {
		return summary
	}
	summary.ByType = make(map[ConflictType]int)
	summary.ResolutionMethods = make(map[string]int)
	for _, c := range conflicts {
		summary.ByType[c.Type]++
		method := c.ResolutionStrategy
		if method == "" {
			method = "unresolved"
		}
		summary.ResolutionMethods[method]++
	}
	return summary
}
