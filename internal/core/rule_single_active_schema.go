package core

import (
	"context"
	"fmt"

	"taxcore/pkg/domain"
)

// SingleActiveSchemaRule blocks commits that would leave more than one active
// form schema for a schema type.
func SingleActiveSchemaRule() domain.Rule {
	return singleActiveSchemaRule{}
}

type singleActiveSchemaRule struct{}

func (singleActiveSchemaRule) Name() string { return "single_active_schema" }

func (singleActiveSchemaRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	touched := map[domain.TaxType]bool{}
	for _, change := range changes {
		if change.Entity != domain.EntityFormSchema {
			continue
		}
		for _, schema := range formSchemas(change.After) {
			touched[schema.SchemaType] = true
		}
		for _, schema := range formSchemas(change.Before) {
			touched[schema.SchemaType] = true
		}
	}
	for schemaType := range touched {
		active := 0
		for _, schema := range view.ListFormSchemas(schemaType) {
			if schema.IsActive {
				active++
			}
		}
		if active > 1 {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "single_active_schema",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("%d active form schemas for type %s; at most one allowed", active, schemaType),
				Entity:   domain.EntityFormSchema,
			})
		}
	}
	return res, nil
}

func formSchemas(payload any) []domain.FormSchema {
	switch v := payload.(type) {
	case []domain.FormSchema:
		return v
	case domain.FormSchema:
		return []domain.FormSchema{v}
	}
	return nil
}
