package core

import (
	"context"
	"fmt"

	"taxcore/pkg/domain"
)

// BracketOrderRule blocks commits that leave a rule's bracket rows with a
// non-contiguous or duplicated ordering. Rows must run 1..N per owner.
func BracketOrderRule() domain.Rule {
	return bracketOrderRule{}
}

type bracketOrderRule struct{}

func (bracketOrderRule) Name() string { return "bracket_order" }

func (bracketOrderRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	touched := map[string]bool{}
	for _, change := range changes {
		if change.Entity != domain.EntityBracket {
			continue
		}
		for _, row := range bracketRows(change.After) {
			touched[row.RuleID] = true
		}
		for _, row := range bracketRows(change.Before) {
			touched[row.RuleID] = true
		}
	}
	for ruleID := range touched {
		rows := view.ListBrackets(ruleID)
		seen := make(map[int]bool, len(rows))
		for _, row := range rows {
			if row.Order < 1 || row.Order > len(rows) || seen[row.Order] {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     "bracket_order",
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("rule %s bracket ordering is not contiguous 1..%d", ruleID, len(rows)),
					Entity:   domain.EntityBracket,
					EntityID: row.ID,
				})
				break
			}
			seen[row.Order] = true
		}
	}
	return res, nil
}

func bracketRows(payload any) []domain.Bracket {
	switch v := payload.(type) {
	case []domain.Bracket:
		return v
	case domain.Bracket:
		return []domain.Bracket{v}
	}
	return nil
}
