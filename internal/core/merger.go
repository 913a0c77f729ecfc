package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"taxcore/pkg/domain"
)

// ModelClient is the port to the external natural-language model service.
// Implementations own their transport policy (timeout, bounded retry); a
// returned error is treated as merge failure, never partial success.
type ModelClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// mergeSystemContract is the fixed system portion of every merge request.
const mergeSystemContract = `You are a tax rule reconciliation engine. You receive several rule documents
extracted from different government sources for the same tax type and must
produce one authoritative merged rule.

Follow these rules exactly:

1. Distinguish document roles. Some documents are rate/bracket sources
   (official rate tables); others are formula/methodology sources
   (calculation guidance). Take bracket values from rate sources and
   calculation structure from methodology sources.
2. Classify every variable as either a true user input (the taxpayer must
   supply it) or a derived value (computed by a formula). Only true user
   inputs belong in required_variables.
3. Chain formulas: each formula may only reference user inputs or the
   output_field of an earlier formula. Every formula must declare its
   output_field.
4. Always emit both a brackets array and an equivalent single executable
   progressive-tax expression in progressive_tax_logic.
5. Attach source_refs with the originating rule id to every field, formula,
   and bracket you emit. Never invent rule ids.
6. List every conflict you resolved in conflicts_resolved with the choice
   you made.

Respond with a single JSON object and no surrounding prose, using exactly
these keys: required_variables, field_metadata, ui_order, brackets, formulas,
calculation_flow, progressive_tax_logic, conflicts_resolved.`

// mergeRequiredKeys are the top-level keys a merge response must carry.
var mergeRequiredKeys = []string{"required_variables", "field_metadata", "formulas", "brackets"}

// Merger orchestrates delegated multi-rule merging: it builds the model
// request, parses the response, and validates it strictly before anything is
// persisted. It fails closed; the caller owns the fallback.
type Merger struct {
	client ModelClient
}

// NewMerger wraps a model client.
func NewMerger(client ModelClient) *Merger {
	return &Merger{client: client}
}

// Merge asks the model service to reconcile the evidence set, then validates
// the structured response. Any model error, parse error, or referential
// validation failure is returned as an error; no partial payload escapes.
func (m *Merger) Merge(ctx context.Context, rules []domain.EvidenceRule, conflicts []domain.Conflict) (domain.RuleData, error) {
	if m == nil || m.client == nil {
		return domain.RuleData{}, domain.ErrMergeFailed{Reason: "no model client configured"}
	}
	if len(rules) < 2 {
		return domain.RuleData{}, domain.ErrMergeFailed{Reason: "merge requires more than one evidence rule"}
	}
	prompt, err := buildMergePrompt(rules, conflicts)
	if err != nil {
		return domain.RuleData{}, domain.ErrMergeFailed{Reason: "build prompt", Err: err}
	}
	raw, err := m.client.Complete(ctx, prompt)
	if err != nil {
		return domain.RuleData{}, domain.ErrMergeFailed{Reason: "model call", Err: err}
	}
	payload, err := parseMergeResponse(raw)
	if err != nil {
		return domain.RuleData{}, err
	}
	idSet := make(map[string]bool, len(rules))
	for _, r := range rules {
		idSet[r.ID] = true
	}
	if err := validateMergePayload(payload, idSet); err != nil {
		return domain.RuleData{}, err
	}
	return payload, nil
}

func buildMergePrompt(rules []domain.EvidenceRule, conflicts []domain.Conflict) (string, error) {
	var b strings.Builder
	b.WriteString(mergeSystemContract)
	b.WriteString("\n\nCandidate rules:\n")
	for _, rule := range rules {
		doc := struct {
			ID            string          `json:"id"`
			Title         string          `json:"title"`
			Description   string          `json:"description,omitempty"`
			Authority     string          `json:"source_authority,omitempty"`
			Rank          int             `json:"source_rank"`
			EffectiveDate string          `json:"effective_date"`
			ExpiryDate    *string         `json:"expiry_date,omitempty"`
			Data          domain.RuleData `json:"rule_data"`
		}{rule.ID, rule.Title, rule.Description, rule.SourceAuthority, rule.SourceRank, rule.EffectiveDate, rule.ExpiryDate, rule.Data}
		encoded, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode rule %s: %w", rule.ID, err)
		}
		b.Write(encoded)
		b.WriteString("\n")
	}
	if len(conflicts) > 0 {
		b.WriteString("\nDetected conflicts:\n")
		for _, c := range conflicts {
			b.WriteString(fmt.Sprintf("- [%s] %s: %s", c.Type, c.FieldName, c.Description))
			for _, v := range c.Rules {
				b.WriteString(fmt.Sprintf(" | %s=%s", v.RuleID, v.Value))
			}
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

// parseMergeResponse strips surrounding prose or code fences from the model
// output, checks the required top-level keys, and decodes the payload.
func parseMergeResponse(raw string) (domain.RuleData, error) {
	body, err := ExtractJSON(raw)
	if err != nil {
		return domain.RuleData{}, domain.ErrMergeFailed{Reason: "extract response body", Err: err}
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		return domain.RuleData{}, domain.ErrMergeFailed{Reason: "decode response object", Err: err}
	}
	for _, required := range mergeRequiredKeys {
		if _, ok := keys[required]; !ok {
			return domain.RuleData{}, domain.ErrMergeFailed{Reason: fmt.Sprintf("response missing required key %q", required)}
		}
	}
	var payload domain.RuleData
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.RuleData{}, domain.ErrMergeFailed{Reason: "decode response payload", Err: err}
	}
	return payload, nil
}

// ExtractJSON locates the JSON object inside model output that may be wrapped
// in markdown code fences or conversational prose.
func ExtractJSON(raw string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(raw)
	if fence := strings.Index(trimmed, "```"); fence >= 0 {
		rest := trimmed[fence+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			trimmed = strings.TrimSpace(rest[:end])
		}
	}
	start := strings.IndexByte(trimmed, '{')
	end := strings.LastIndexByte(trimmed, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	return json.RawMessage(trimmed[start : end+1]), nil
}

// validateMergePayload enforces referential integrity: every source reference
// in field_metadata, formulas, and brackets must name a rule from the merge's
// input id set, and every formula must declare an output field. The first
// unknown id aborts the entire merge.
func validateMergePayload(payload domain.RuleData, idSet map[string]bool) error {
	fields := make([]string, 0, len(payload.FieldMetadata))
	for name := range payload.FieldMetadata {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	for _, name := range fields {
		for _, ref := range payload.FieldMetadata[name].SourceRefs {
			if !idSet[ref.RuleID] {
				return domain.ErrMergeValidation{Section: "field_metadata", Field: name, RuleID: ref.RuleID}
			}
		}
	}
	for _, f := range payload.Formulas {
		if f.OutputField == "" {
			return domain.ErrMergeFailed{Reason: fmt.Sprintf("formula %q missing output_field", f.Name)}
		}
		for _, ref := range f.SourceRefs {
			if !idSet[ref.RuleID] {
				return domain.ErrMergeValidation{Section: "formulas", Field: f.Name, RuleID: ref.RuleID}
			}
		}
	}
	for i, b := range payload.Brackets {
		for _, ref := range b.SourceRefs {
			if !idSet[ref.RuleID] {
				return domain.ErrMergeValidation{Section: "brackets", Field: fmt.Sprintf("bracket_%d", i+1), RuleID: ref.RuleID}
			}
		}
	}
	return nil
}
