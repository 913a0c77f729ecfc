package core

import (
	"fmt"
	"sort"

	"taxcore/pkg/domain"
)

// SelectBestRule deterministically picks the single best evidence rule.
// Priority: presence of extracted field metadata or required variables beats
// absence; among equally qualified rules the higher source authority rank
// wins; remaining ties resolve by recency then rule id. The function is pure
// and re-ranks its own copy of the input, so callers need not pre-sort.
func SelectBestRule(rules []domain.EvidenceRule) (domain.EvidenceRule, error) {
	if len(rules) == 0 {
		return domain.EvidenceRule{}, fmt.Errorf("select: empty evidence set")
	}
	ranked := make([]domain.EvidenceRule, len(rules))
	copy(ranked, rules)
	sort.SliceStable(ranked, func(i, j int) bool {
		return evidenceLess(ranked[i], ranked[j])
	})
	return ranked[0], nil
}
