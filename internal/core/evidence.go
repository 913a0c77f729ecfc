// Package core implements the rule aggregation and conflict-resolution
// engine: evidence selection, conflict detection, deterministic and
// model-assisted merging, bracket materialization, and the form schema
// builder.
package core

import (
	"sort"

	"taxcore/pkg/domain"
)

// ActiveEvidence returns the evidence rules whose category matches taxType
// and whose effective window contains targetDate, ranked for downstream use:
// rules carrying extracted field metadata or required-variable lists first,
// ties broken by descending source authority rank, then recency. Returns
// domain.ErrNoEvidence when the result set is empty.
func ActiveEvidence(view domain.RuleView, taxType domain.TaxType, targetDate string) ([]domain.EvidenceRule, error) {
	var matched []domain.EvidenceRule
	for _, rule := range view.ListEvidenceRules() {
		if rule.TaxType != taxType {
			continue
		}
		if rule.RuleType == domain.RuleTypeAggregated {
			continue
		}
		if !domain.DateContains(rule.EffectiveDate, rule.ExpiryDate, targetDate) {
			continue
		}
		matched = append(matched, rule)
	}
	if len(matched) == 0 {
		return nil, domain.ErrNoEvidence{TaxType: taxType, TargetDate: targetDate}
	}
	sortEvidence(matched)
	return matched, nil
}

// sortEvidence orders rules by the engine's evidence ranking. The order is
// total: ties after metadata, rank and recency fall back to the rule id so
// repeated calls agree.
func sortEvidence(rules []domain.EvidenceRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return evidenceLess(rules[i], rules[j])
	})
}

func evidenceLess(a, b domain.EvidenceRule) bool {
	aMeta := a.Data.HasExtractedMetadata()
	bMeta := b.Data.HasExtractedMetadata()
	if aMeta != bMeta {
		return aMeta
	}
	if a.SourceRank != b.SourceRank {
		return a.SourceRank > b.SourceRank
	}
	if a.EffectiveDate != b.EffectiveDate {
		return a.EffectiveDate > b.EffectiveDate
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}
