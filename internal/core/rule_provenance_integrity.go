package core

import (
	"context"
	"fmt"

	"taxcore/pkg/domain"
)

// ProvenanceIntegrityRule blocks commits that leave a provenance link
// pointing at a missing aggregated or evidence rule.
func ProvenanceIntegrityRule() domain.Rule {
	return provenanceIntegrityRule{}
}

type provenanceIntegrityRule struct{}

func (provenanceIntegrityRule) Name() string { return "provenance_integrity" }

func (provenanceIntegrityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityProvenanceLink || change.Action == domain.ActionDelete {
			continue
		}
		for _, link := range provenanceLinks(change.After) {
			if _, ok := view.FindAggregatedRule(link.AggregatedRuleID); !ok {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     "provenance_integrity",
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("provenance link %s references missing aggregated rule %s", link.ID, link.AggregatedRuleID),
					Entity:   domain.EntityProvenanceLink,
					EntityID: link.ID,
				})
			}
			if _, ok := view.FindEvidenceRule(link.EvidenceRuleID); !ok {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     "provenance_integrity",
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("provenance link %s references missing evidence rule %s", link.ID, link.EvidenceRuleID),
					Entity:   domain.EntityProvenanceLink,
					EntityID: link.ID,
				})
			}
		}
	}
	return res, nil
}

func provenanceLinks(payload any) []domain.ProvenanceLink {
	switch v := payload.(type) {
	case []domain.ProvenanceLink:
		return v
	case domain.ProvenanceLink:
		return []domain.ProvenanceLink{v}
	}
	return nil
}
