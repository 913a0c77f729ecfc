// Package domain defines the core persistent entities, value types, and
// rule evaluation primitives used by taxcore.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityEvidenceRule identifies a rule extracted from one source document.
	EntityEvidenceRule EntityType = "evidence_rule"
	// EntityAggregatedRule identifies the reconciled rule for a tax type and date.
	EntityAggregatedRule EntityType = "aggregated_rule"
	// EntityBracket identifies one band of a progressive rate schedule.
	EntityBracket EntityType = "bracket"
	// EntityProvenanceLink identifies an aggregated-to-evidence link record.
	EntityProvenanceLink EntityType = "provenance_link"
	// EntityAggregationRun identifies an aggregation audit record.
	EntityAggregationRun EntityType = "aggregation_run"
	// EntityFormSchema identifies a versioned form schema record.
	EntityFormSchema EntityType = "form_schema"
)

// TaxType enumerates the supported tax categories.
type TaxType string

// Canonical tax categories. All three are bracket-based: an aggregated rule
// for any of them must ground out in a concrete rate table.
const (
	TaxIncome TaxType = "income_tax"
	TaxPAYE   TaxType = "paye"
	TaxVAT    TaxType = "vat"
)

// ParseTaxType validates a raw category string.
func ParseTaxType(raw string) (TaxType, error) {
	switch TaxType(raw) {
	case TaxIncome, TaxPAYE, TaxVAT:
		return TaxType(raw), nil
	}
	return "", fmt.Errorf("unknown tax type %q", raw)
}

// BracketBased reports whether aggregation for this category requires a
// materialized rate table.
func (t TaxType) BracketBased() bool {
	switch t {
	case TaxIncome, TaxPAYE, TaxVAT:
		return true
	}
	return false
}

// RuleType distinguishes extracted evidence from reconciled output.
type RuleType string

// Rule type tags stored alongside every rule record.
const (
	RuleTypeEvidence   RuleType = "evidence"
	RuleTypeAggregated RuleType = "aggregated"
)

// AggregationStrategy tags how an aggregated rule's payload was produced.
type AggregationStrategy string

// Strategy tags persisted in aggregation metadata and audit rows. Downstream
// consumers rely on these to distinguish full merges from degraded output.
const (
	// StrategySingleRuleDirect is used when exactly one evidence rule existed.
	StrategySingleRuleDirect AggregationStrategy = "single_rule_direct"
	// StrategyIntelligentMerge is used when the model service merged multiple rules.
	StrategyIntelligentMerge AggregationStrategy = "intelligent_merge"
	// StrategyFallbackSingleBest is used when merging failed and the best
	// single evidence rule was selected instead.
	StrategyFallbackSingleBest AggregationStrategy = "fallback_single_best"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SourceRef ties a merged payload element back to a contributing evidence rule.
type SourceRef struct {
	RuleID string `json:"rule_id"`
	Note   string `json:"note,omitempty"`
}

// Field type identifiers used in field metadata and generated form schemas.
const (
	FieldTypeNumber  = "number"
	FieldTypeString  = "string"
	FieldTypeBoolean = "boolean"
	FieldTypeSelect  = "select"
)

// FieldMeta describes one input field declared by a rule.
type FieldMeta struct {
	Type        string      `json:"type,omitempty"`
	Label       string      `json:"label,omitempty"`
	Description string      `json:"description,omitempty"`
	Minimum     *float64    `json:"minimum,omitempty"`
	Options     []string    `json:"options,omitempty"`
	SourceRefs  []SourceRef `json:"source_refs,omitempty"`
}

// Formula is a named calculation step. OutputField names the derived value it
// produces; Order positions it in the calculation chain.
type Formula struct {
	Name        string      `json:"name"`
	Expression  string      `json:"expression"`
	OutputField string      `json:"output_field,omitempty"`
	Order       int         `json:"order,omitempty"`
	SourceRefs  []SourceRef `json:"source_refs,omitempty"`
}

// BracketSpec is a bracket as declared inside a rule payload, before
// materialization. Rate may arrive as a fraction (rate) or a percentage
// (rate_percent); the materializer normalizes to a fraction.
type BracketSpec struct {
	MinIncome   *decimal.Decimal `json:"min_income,omitempty"`
	MaxIncome   *decimal.Decimal `json:"max_income,omitempty"`
	Rate        *decimal.Decimal `json:"rate,omitempty"`
	RatePercent *decimal.Decimal `json:"rate_percent,omitempty"`
	FixedAmount *decimal.Decimal `json:"fixed_amount,omitempty"`
	Order       int              `json:"order,omitempty"`
	SourceRefs  []SourceRef      `json:"source_refs,omitempty"`
}

// RuleData is the structured body of a rule. All fields are optional at the
// evidence stage; an aggregated payload always carries required_variables,
// field_metadata, ui_order, formulas and, for bracket-based types, brackets.
type RuleData struct {
	RequiredVariables   []string             `json:"required_variables,omitempty"`
	FieldMetadata       map[string]FieldMeta `json:"field_metadata,omitempty"`
	Formulas            []Formula            `json:"formulas,omitempty"`
	Brackets            []BracketSpec        `json:"brackets,omitempty"`
	UIOrder             []string             `json:"ui_order,omitempty"`
	CalculationFlow     []string             `json:"calculation_flow,omitempty"`
	ProgressiveTaxLogic string               `json:"progressive_tax_logic,omitempty"`
	ConflictsResolved   []string             `json:"conflicts_resolved,omitempty"`
	Aggregation         *AggregationMeta     `json:"aggregation,omitempty"`
}

// HasExtractedMetadata reports whether the payload carries field metadata or a
// required-variable list. Rules with extracted metadata outrank those without.
func (d RuleData) HasExtractedMetadata() bool {
	return len(d.FieldMetadata) > 0 || len(d.RequiredVariables) > 0
}

// AggregationMeta is embedded in an aggregated payload to record how it was built.
type AggregationMeta struct {
	SourceRuleIDs []string            `json:"source_rule_ids"`
	Strategy      AggregationStrategy `json:"strategy"`
	Conflicts     ConflictSummary     `json:"conflicts"`
	AggregatedAt  time.Time           `json:"aggregated_at"`
}

// ConflictSummary condenses the detector output persisted with an aggregation.
type ConflictSummary struct {
	Total             int                  `json:"total"`
	ByType            map[ConflictType]int `json:"by_type,omitempty"`
	ResolutionMethods map[string]int       `json:"resolution_methods,omitempty"`
}

// EvidenceRule is a rule extracted from one source document, not yet
// reconciled with others. Immutable once extracted; multiple may coexist for
// the same (tax type, date) window.
type EvidenceRule struct {
	Base
	TaxType         TaxType  `json:"tax_type"`
	RuleType        RuleType `json:"rule_type"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Data            RuleData `json:"rule_data"`
	SourceAuthority string   `json:"source_authority,omitempty"`
	SourceRank      int      `json:"source_rank"`
	EffectiveDate   string   `json:"effective_date"`
	ExpiryDate      *string  `json:"expiry_date,omitempty"`
	DocumentID      string   `json:"document_id,omitempty"`
}

// AggregatedRule is the single reconciled rule for a (tax type, effective
// date) key. Exactly one current instance exists per key; re-aggregation
// physically replaces it rather than versioning.
type AggregatedRule struct {
	Base
	TaxType       TaxType  `json:"tax_type"`
	RuleType      RuleType `json:"rule_type"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Data          RuleData `json:"rule_data"`
	EffectiveDate string   `json:"effective_date"`
}

// Bracket is one canonical band of a progressive rate schedule, owned
// exclusively by one rule. Rows are replaced wholesale on re-aggregation.
type Bracket struct {
	Base
	RuleID      string           `json:"rule_id"`
	MinIncome   *decimal.Decimal `json:"min_income,omitempty"`
	MaxIncome   *decimal.Decimal `json:"max_income,omitempty"`
	Rate        decimal.Decimal  `json:"rate"`
	FixedAmount *decimal.Decimal `json:"fixed_amount,omitempty"`
	Order       int              `json:"bracket_order"`
}

// BracketRateCeiling is the storage ceiling for a bracket's rate fraction.
// Declared brackets whose normalized rate exceeds it are dropped with a
// warning rather than clamped.
var BracketRateCeiling = decimal.RequireFromString("9.9999")

// ProvenanceLink ties an aggregated rule back to one contributing evidence
// rule. Links are rebuilt fully on each aggregation run for the key.
type ProvenanceLink struct {
	Base
	AggregatedRuleID string `json:"aggregated_rule_id"`
	EvidenceRuleID   string `json:"evidence_rule_id"`
}

// RunStatus enumerates aggregation audit outcomes.
type RunStatus string

// Audit statuses recorded per aggregation run.
const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// AggregationRun is an audit-only record of one aggregation call. The engine
// never reads these back.
type AggregationRun struct {
	Base
	TaxType        TaxType             `json:"tax_type"`
	TargetDate     string              `json:"target_date"`
	Strategy       AggregationStrategy `json:"strategy,omitempty"`
	InputsCount    int                 `json:"inputs_count"`
	OutputsCount   int                 `json:"outputs_count"`
	ConflictsCount int                 `json:"conflicts_count"`
	Status         RunStatus           `json:"status"`
	Details        string              `json:"details,omitempty"`
	StartedAt      time.Time           `json:"started_at"`
}

// SchemaProperty is one property in a generated JSON schema.
type SchemaProperty struct {
	Type        string   `json:"type"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// JSONSchema is the object schema consumed by the dynamic input form.
type JSONSchema struct {
	Type                 string                    `json:"type"`
	Properties           map[string]SchemaProperty `json:"properties"`
	Required             []string                  `json:"required"`
	AdditionalProperties bool                      `json:"additionalProperties"`
}

// SchemaMetadata records how and from what a schema version was generated.
type SchemaMetadata struct {
	SchemaType    TaxType   `json:"schema_type"`
	GeneratedAt   time.Time `json:"generated_at"`
	TargetDate    string    `json:"target_date"`
	SourceRuleIDs []string  `json:"source_rule_ids"`
}

// SchemaDocument is the full payload of one form schema version.
type SchemaDocument struct {
	Schema   JSONSchema     `json:"schema"`
	UIOrder  []string       `json:"ui_order"`
	Formulas []Formula      `json:"formulas,omitempty"`
	Metadata SchemaMetadata `json:"metadata"`
}

// FormSchema is one immutable schema version. Versions are monotonic per
// schema type and never reused; at most one row per type is active.
type FormSchema struct {
	Base
	SchemaType TaxType        `json:"schema_type"`
	Version    int            `json:"version"`
	SchemaData SchemaDocument `json:"schema_data"`
	IsActive   bool           `json:"is_active"`
}
