package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	CreateEvidenceRule(EvidenceRule) (EvidenceRule, error)
	UpdateEvidenceRule(id string, mutator func(*EvidenceRule) error) (EvidenceRule, error)
	DeleteEvidenceRule(id string) error
	CreateAggregatedRule(AggregatedRule) (AggregatedRule, error)
	// DeleteAggregatedRule removes the rule together with its brackets and
	// provenance links.
	DeleteAggregatedRule(id string) error
	// ReplaceBrackets deletes every bracket owned by ruleID and inserts the
	// provided rows. Brackets are never patched in place.
	ReplaceBrackets(ruleID string, brackets []Bracket) ([]Bracket, error)
	// ReplaceProvenance rebuilds the provenance links for an aggregated rule.
	ReplaceProvenance(aggregatedRuleID string, evidenceRuleIDs []string) ([]ProvenanceLink, error)
	CreateAggregationRun(AggregationRun) (AggregationRun, error)
	CreateFormSchema(FormSchema) (FormSchema, error)
	// ActivateFormSchema deactivates every active schema of the same type and
	// activates the identified version within the same transactional scope.
	ActivateFormSchema(schemaType TaxType, id string) error
	// NextFormSchemaVersion returns the next monotonic version for a type.
	NextFormSchemaVersion(schemaType TaxType) int
}

// TransactionView provides read-only access to snapshot data for rules and
// in-transaction reads.
type TransactionView interface {
	RuleView
	ListAggregationRuns() []AggregationRun
	ActiveFormSchema(schemaType TaxType) (FormSchema, bool)
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetEvidenceRule(id string) (EvidenceRule, bool)
	ListEvidenceRules() []EvidenceRule
	GetAggregatedRule(id string) (AggregatedRule, bool)
	ListAggregatedRules() []AggregatedRule
	ListBrackets(ruleID string) []Bracket
	ListProvenance(aggregatedRuleID string) []ProvenanceLink
	ListAggregationRuns() []AggregationRun
	ListFormSchemas(schemaType TaxType) []FormSchema
	ActiveFormSchema(schemaType TaxType) (FormSchema, bool)
}
