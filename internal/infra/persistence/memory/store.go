// Package memory provides the in-memory implementation of the taxcore
// persistence store. It carries the authoritative transactional semantics;
// durable backends wrap it and persist snapshots.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"taxcore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// EvidenceRule aliases domain.EvidenceRule for in-memory persistence operations.
	EvidenceRule = domain.EvidenceRule
	// AggregatedRule aliases domain.AggregatedRule.
	AggregatedRule = domain.AggregatedRule
	// Bracket aliases domain.Bracket.
	Bracket = domain.Bracket
	// ProvenanceLink aliases domain.ProvenanceLink.
	ProvenanceLink = domain.ProvenanceLink
	// AggregationRun aliases domain.AggregationRun.
	AggregationRun = domain.AggregationRun
	// FormSchema aliases domain.FormSchema.
	FormSchema = domain.FormSchema
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	evidence   map[string]EvidenceRule
	aggregated map[string]AggregatedRule
	brackets   map[string][]Bracket
	provenance map[string][]ProvenanceLink
	runs       map[string]AggregationRun
	schemas    map[string]FormSchema
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Evidence   map[string]EvidenceRule     `json:"evidence_rules"`
	Aggregated map[string]AggregatedRule   `json:"aggregated_rules"`
	Brackets   map[string][]Bracket        `json:"brackets"`
	Provenance map[string][]ProvenanceLink `json:"provenance_links"`
	Runs       map[string]AggregationRun   `json:"aggregation_runs"`
	Schemas    map[string]FormSchema       `json:"form_schemas"`
}

func newMemoryState() memoryState {
	return memoryState{
		evidence:   make(map[string]EvidenceRule),
		aggregated: make(map[string]AggregatedRule),
		brackets:   make(map[string][]Bracket),
		provenance: make(map[string][]ProvenanceLink),
		runs:       make(map[string]AggregationRun),
		schemas:    make(map[string]FormSchema),
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Evidence:   make(map[string]EvidenceRule, len(state.evidence)),
		Aggregated: make(map[string]AggregatedRule, len(state.aggregated)),
		Brackets:   make(map[string][]Bracket, len(state.brackets)),
		Provenance: make(map[string][]ProvenanceLink, len(state.provenance)),
		Runs:       make(map[string]AggregationRun, len(state.runs)),
		Schemas:    make(map[string]FormSchema, len(state.schemas)),
	}
	for k, v := range state.evidence {
		s.Evidence[k] = cloneEvidence(v)
	}
	for k, v := range state.aggregated {
		s.Aggregated[k] = cloneAggregated(v)
	}
	for k, v := range state.brackets {
		s.Brackets[k] = cloneBrackets(v)
	}
	for k, v := range state.provenance {
		s.Provenance[k] = cloneLinks(v)
	}
	for k, v := range state.runs {
		s.Runs[k] = v
	}
	for k, v := range state.schemas {
		s.Schemas[k] = cloneSchema(v)
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Evidence {
		state.evidence[k] = cloneEvidence(v)
	}
	for k, v := range s.Aggregated {
		state.aggregated[k] = cloneAggregated(v)
	}
	for k, v := range s.Brackets {
		state.brackets[k] = cloneBrackets(v)
	}
	for k, v := range s.Provenance {
		state.provenance[k] = cloneLinks(v)
	}
	for k, v := range s.Runs {
		state.runs[k] = v
	}
	for k, v := range s.Schemas {
		state.schemas[k] = cloneSchema(v)
	}
	return state
}

// migrateSnapshot repairs snapshots loaded from durable backends: missing
// buckets become empty maps, bracket and provenance groups whose owning rule
// no longer exists are dropped, and dangling provenance links are filtered.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	if snapshot.Evidence == nil {
		snapshot.Evidence = map[string]EvidenceRule{}
	}
	if snapshot.Aggregated == nil {
		snapshot.Aggregated = map[string]AggregatedRule{}
	}
	if snapshot.Brackets == nil {
		snapshot.Brackets = map[string][]Bracket{}
	}
	if snapshot.Provenance == nil {
		snapshot.Provenance = map[string][]ProvenanceLink{}
	}
	if snapshot.Runs == nil {
		snapshot.Runs = map[string]AggregationRun{}
	}
	if snapshot.Schemas == nil {
		snapshot.Schemas = map[string]FormSchema{}
	}

	ruleExists := func(id string) bool {
		if _, ok := snapshot.Aggregated[id]; ok {
			return true
		}
		_, ok := snapshot.Evidence[id]
		return ok
	}

	for ruleID, rows := range snapshot.Brackets {
		if len(rows) == 0 || !ruleExists(ruleID) {
			delete(snapshot.Brackets, ruleID)
		}
	}

	for aggID, links := range snapshot.Provenance {
		if _, ok := snapshot.Aggregated[aggID]; !ok {
			delete(snapshot.Provenance, aggID)
			continue
		}
		kept := links[:0]
		for _, link := range links {
			if _, ok := snapshot.Evidence[link.EvidenceRuleID]; ok {
				kept = append(kept, link)
			}
		}
		if len(kept) == 0 {
			delete(snapshot.Provenance, aggID)
			continue
		}
		snapshot.Provenance[aggID] = kept
	}

	return snapshot
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.evidence {
		cloned.evidence[k] = cloneEvidence(v)
	}
	for k, v := range s.aggregated {
		cloned.aggregated[k] = cloneAggregated(v)
	}
	for k, v := range s.brackets {
		cloned.brackets[k] = cloneBrackets(v)
	}
	for k, v := range s.provenance {
		cloned.provenance[k] = cloneLinks(v)
	}
	for k, v := range s.runs {
		cloned.runs[k] = v
	}
	for k, v := range s.schemas {
		cloned.schemas[k] = cloneSchema(v)
	}
	return cloned
}

func cloneEvidence(r EvidenceRule) EvidenceRule {
	cp := r
	if r.ExpiryDate != nil {
		d := *r.ExpiryDate
		cp.ExpiryDate = &d
	}
	cp.Data = cloneRuleData(r.Data)
	return cp
}

func cloneAggregated(r AggregatedRule) AggregatedRule {
	cp := r
	cp.Data = cloneRuleData(r.Data)
	return cp
}

func cloneRuleData(d domain.RuleData) domain.RuleData {
	cp := d
	cp.RequiredVariables = append([]string(nil), d.RequiredVariables...)
	cp.UIOrder = append([]string(nil), d.UIOrder...)
	cp.CalculationFlow = append([]string(nil), d.CalculationFlow...)
	cp.ConflictsResolved = append([]string(nil), d.ConflictsResolved...)
	if d.FieldMetadata != nil {
		cp.FieldMetadata = make(map[string]domain.FieldMeta, len(d.FieldMetadata))
		for name, meta := range d.FieldMetadata {
			m := meta
			m.Options = append([]string(nil), meta.Options...)
			m.SourceRefs = append([]domain.SourceRef(nil), meta.SourceRefs...)
			if meta.Minimum != nil {
				v := *meta.Minimum
				m.Minimum = &v
			}
			cp.FieldMetadata[name] = m
		}
	}
	if d.Formulas != nil {
		cp.Formulas = make([]domain.Formula, len(d.Formulas))
		for i, f := range d.Formulas {
			cf := f
			cf.SourceRefs = append([]domain.SourceRef(nil), f.SourceRefs...)
			cp.Formulas[i] = cf
		}
	}
	if d.Brackets != nil {
		cp.Brackets = make([]domain.BracketSpec, len(d.Brackets))
		for i, b := range d.Brackets {
			cb := b
			cb.MinIncome = cloneDecimal(b.MinIncome)
			cb.MaxIncome = cloneDecimal(b.MaxIncome)
			cb.Rate = cloneDecimal(b.Rate)
			cb.RatePercent = cloneDecimal(b.RatePercent)
			cb.FixedAmount = cloneDecimal(b.FixedAmount)
			cb.SourceRefs = append([]domain.SourceRef(nil), b.SourceRefs...)
			cp.Brackets[i] = cb
		}
	}
	if d.Aggregation != nil {
		meta := *d.Aggregation
		meta.SourceRuleIDs = append([]string(nil), d.Aggregation.SourceRuleIDs...)
		cp.Aggregation = &meta
	}
	return cp
}

func cloneBracket(b Bracket) Bracket {
	cp := b
	cp.MinIncome = cloneDecimal(b.MinIncome)
	cp.MaxIncome = cloneDecimal(b.MaxIncome)
	cp.FixedAmount = cloneDecimal(b.FixedAmount)
	return cp
}

func cloneBrackets(rows []Bracket) []Bracket {
	out := make([]Bracket, len(rows))
	for i, row := range rows {
		out[i] = cloneBracket(row)
	}
	return out
}

func cloneLinks(links []ProvenanceLink) []ProvenanceLink {
	return append([]ProvenanceLink(nil), links...)
}

func cloneSchema(s FormSchema) FormSchema {
	cp := s
	doc := s.SchemaData
	doc.UIOrder = append([]string(nil), s.SchemaData.UIOrder...)
	doc.Formulas = append([]domain.Formula(nil), s.SchemaData.Formulas...)
	doc.Metadata.SourceRuleIDs = append([]string(nil), s.SchemaData.Metadata.SourceRuleIDs...)
	doc.Schema.Required = append([]string(nil), s.SchemaData.Schema.Required...)
	if s.SchemaData.Schema.Properties != nil {
		doc.Schema.Properties = make(map[string]domain.SchemaProperty, len(s.SchemaData.Schema.Properties))
		for name, prop := range s.SchemaData.Schema.Properties {
			p := prop
			p.Enum = append([]string(nil), prop.Enum...)
			if prop.Minimum != nil {
				v := *prop.Minimum
				p.Minimum = &v
			}
			doc.Schema.Properties[name] = p
		}
	}
	cp.SchemaData = doc
	return cp
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// Store provides an in-memory transactional store for the taxcore domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// transaction represents a mutation set applied to the store state.
type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

// transactionView exposes a read-only snapshot of the transactional state to rules.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// ListEvidenceRules returns all evidence rules, ordered by id for determinism.
func (v transactionView) ListEvidenceRules() []EvidenceRule {
	out := make([]EvidenceRule, 0, len(v.state.evidence))
	for _, r := range v.state.evidence {
		out = append(out, cloneEvidence(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListAggregatedRules returns all aggregated rules, ordered by id.
func (v transactionView) ListAggregatedRules() []AggregatedRule {
	out := make([]AggregatedRule, 0, len(v.state.aggregated))
	for _, r := range v.state.aggregated {
		out = append(out, cloneAggregated(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListBrackets returns the bracket rows owned by a rule in bracket order.
func (v transactionView) ListBrackets(ruleID string) []Bracket {
	rows := cloneBrackets(v.state.brackets[ruleID])
	sort.Slice(rows, func(i, j int) bool { return rows[i].Order < rows[j].Order })
	return rows
}

// ListProvenance returns the provenance links of an aggregated rule.
func (v transactionView) ListProvenance(aggregatedRuleID string) []ProvenanceLink {
	links := cloneLinks(v.state.provenance[aggregatedRuleID])
	sort.Slice(links, func(i, j int) bool { return links[i].EvidenceRuleID < links[j].EvidenceRuleID })
	return links
}

// ListFormSchemas returns every schema version for a type, oldest first.
func (v transactionView) ListFormSchemas(schemaType domain.TaxType) []FormSchema {
	var out []FormSchema
	for _, schema := range v.state.schemas {
		if schema.SchemaType == schemaType {
			out = append(out, cloneSchema(schema))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// FindEvidenceRule retrieves an evidence rule by id.
func (v transactionView) FindEvidenceRule(id string) (EvidenceRule, bool) {
	r, ok := v.state.evidence[id]
	if !ok {
		return EvidenceRule{}, false
	}
	return cloneEvidence(r), true
}

// FindAggregatedRule retrieves an aggregated rule by id.
func (v transactionView) FindAggregatedRule(id string) (AggregatedRule, bool) {
	r, ok := v.state.aggregated[id]
	if !ok {
		return AggregatedRule{}, false
	}
	return cloneAggregated(r), true
}

// ListAggregationRuns returns all run records, oldest first.
func (v transactionView) ListAggregationRuns() []AggregationRun {
	out := make([]AggregationRun, 0, len(v.state.runs))
	for _, run := range v.state.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveFormSchema returns the single active schema for a type, if any.
func (v transactionView) ActiveFormSchema(schemaType domain.TaxType) (FormSchema, bool) {
	for _, schema := range v.state.schemas {
		if schema.SchemaType == schemaType && schema.IsActive {
			return cloneSchema(schema), true
		}
	}
	return FormSchema{}, false
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := newTransactionView(&snapshot)
	return fn(view)
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// CreateEvidenceRule stores a new evidence rule within the transaction.
func (tx *transaction) CreateEvidenceRule(r EvidenceRule) (EvidenceRule, error) {
	if r.ID == "" {
		r.ID = tx.store.newID()
	}
	if _, exists := tx.state.evidence[r.ID]; exists {
		return EvidenceRule{}, fmt.Errorf("evidence rule %q already exists", r.ID)
	}
	if r.RuleType == "" {
		r.RuleType = domain.RuleTypeEvidence
	}
	if err := domain.ValidateISODate(r.EffectiveDate); err != nil {
		return EvidenceRule{}, fmt.Errorf("evidence rule %q: %w", r.ID, err)
	}
	if _, err := domain.ParseTaxType(string(r.TaxType)); err != nil {
		return EvidenceRule{}, err
	}
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.state.evidence[r.ID] = cloneEvidence(r)
	tx.recordChange(Change{Entity: domain.EntityEvidenceRule, Action: domain.ActionCreate, After: cloneEvidence(r)})
	return cloneEvidence(r), nil
}

// UpdateEvidenceRule mutates an evidence rule using the provided mutator.
func (tx *transaction) UpdateEvidenceRule(id string, mutator func(*EvidenceRule) error) (EvidenceRule, error) {
	current, ok := tx.state.evidence[id]
	if !ok {
		return EvidenceRule{}, fmt.Errorf("evidence rule %q not found", id)
	}
	before := cloneEvidence(current)
	if err := mutator(&current); err != nil {
		return EvidenceRule{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.evidence[id] = cloneEvidence(current)
	tx.recordChange(Change{Entity: domain.EntityEvidenceRule, Action: domain.ActionUpdate, Before: before, After: cloneEvidence(current)})
	return cloneEvidence(current), nil
}

// DeleteEvidenceRule removes an evidence rule from the transaction state.
func (tx *transaction) DeleteEvidenceRule(id string) error {
	current, ok := tx.state.evidence[id]
	if !ok {
		return fmt.Errorf("evidence rule %q not found", id)
	}
	for aggID, links := range tx.state.provenance {
		for _, link := range links {
			if link.EvidenceRuleID == id {
				return fmt.Errorf("evidence rule %q still referenced by aggregated rule %q", id, aggID)
			}
		}
	}
	delete(tx.state.evidence, id)
	tx.recordChange(Change{Entity: domain.EntityEvidenceRule, Action: domain.ActionDelete, Before: cloneEvidence(current)})
	return nil
}

// CreateAggregatedRule stores a new aggregated rule within the transaction.
func (tx *transaction) CreateAggregatedRule(r AggregatedRule) (AggregatedRule, error) {
	if r.ID == "" {
		r.ID = tx.store.newID()
	}
	if _, exists := tx.state.aggregated[r.ID]; exists {
		return AggregatedRule{}, fmt.Errorf("aggregated rule %q already exists", r.ID)
	}
	if r.RuleType == "" {
		r.RuleType = domain.RuleTypeAggregated
	}
	if err := domain.ValidateISODate(r.EffectiveDate); err != nil {
		return AggregatedRule{}, fmt.Errorf("aggregated rule %q: %w", r.ID, err)
	}
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.state.aggregated[r.ID] = cloneAggregated(r)
	tx.recordChange(Change{Entity: domain.EntityAggregatedRule, Action: domain.ActionCreate, After: cloneAggregated(r)})
	return cloneAggregated(r), nil
}

// DeleteAggregatedRule removes an aggregated rule together with its bracket
// rows and provenance links.
func (tx *transaction) DeleteAggregatedRule(id string) error {
	current, ok := tx.state.aggregated[id]
	if !ok {
		return fmt.Errorf("aggregated rule %q not found", id)
	}
	if rows := tx.state.brackets[id]; len(rows) > 0 {
		tx.recordChange(Change{Entity: domain.EntityBracket, Action: domain.ActionDelete, Before: cloneBrackets(rows)})
		delete(tx.state.brackets, id)
	}
	if links := tx.state.provenance[id]; len(links) > 0 {
		tx.recordChange(Change{Entity: domain.EntityProvenanceLink, Action: domain.ActionDelete, Before: cloneLinks(links)})
		delete(tx.state.provenance, id)
	}
	delete(tx.state.aggregated, id)
	tx.recordChange(Change{Entity: domain.EntityAggregatedRule, Action: domain.ActionDelete, Before: cloneAggregated(current)})
	return nil
}

// ReplaceBrackets deletes every bracket owned by ruleID and inserts the
// provided rows. Rows are never patched in place.
func (tx *transaction) ReplaceBrackets(ruleID string, brackets []Bracket) ([]Bracket, error) {
	if _, ok := tx.state.aggregated[ruleID]; !ok {
		if _, ok := tx.state.evidence[ruleID]; !ok {
			return nil, fmt.Errorf("rule %q not found", ruleID)
		}
	}
	before := cloneBrackets(tx.state.brackets[ruleID])
	rows := make([]Bracket, len(brackets))
	for i, row := range brackets {
		cp := cloneBracket(row)
		if cp.ID == "" {
			cp.ID = tx.store.newID()
		}
		cp.RuleID = ruleID
		cp.CreatedAt = tx.now
		cp.UpdatedAt = tx.now
		rows[i] = cp
	}
	if len(rows) == 0 {
		delete(tx.state.brackets, ruleID)
	} else {
		tx.state.brackets[ruleID] = cloneBrackets(rows)
	}
	tx.recordChange(Change{Entity: domain.EntityBracket, Action: domain.ActionReplace, Before: before, After: cloneBrackets(rows)})
	return cloneBrackets(rows), nil
}

// ReplaceProvenance rebuilds the provenance links of an aggregated rule.
func (tx *transaction) ReplaceProvenance(aggregatedRuleID string, evidenceRuleIDs []string) ([]ProvenanceLink, error) {
	if _, ok := tx.state.aggregated[aggregatedRuleID]; !ok {
		return nil, fmt.Errorf("aggregated rule %q not found", aggregatedRuleID)
	}
	before := cloneLinks(tx.state.provenance[aggregatedRuleID])
	links := make([]ProvenanceLink, 0, len(evidenceRuleIDs))
	for _, evidenceID := range evidenceRuleIDs {
		links = append(links, ProvenanceLink{
			Base:             domain.Base{ID: tx.store.newID(), CreatedAt: tx.now, UpdatedAt: tx.now},
			AggregatedRuleID: aggregatedRuleID,
			EvidenceRuleID:   evidenceID,
		})
	}
	if len(links) == 0 {
		delete(tx.state.provenance, aggregatedRuleID)
	} else {
		tx.state.provenance[aggregatedRuleID] = cloneLinks(links)
	}
	tx.recordChange(Change{Entity: domain.EntityProvenanceLink, Action: domain.ActionReplace, Before: before, After: cloneLinks(links)})
	return cloneLinks(links), nil
}

// CreateAggregationRun stores an audit record for one aggregation call.
func (tx *transaction) CreateAggregationRun(run AggregationRun) (AggregationRun, error) {
	if run.ID == "" {
		run.ID = tx.store.newID()
	}
	if _, exists := tx.state.runs[run.ID]; exists {
		return AggregationRun{}, fmt.Errorf("aggregation run %q already exists", run.ID)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = tx.now
	}
	run.CreatedAt = tx.now
	run.UpdatedAt = tx.now
	tx.state.runs[run.ID] = run
	tx.recordChange(Change{Entity: domain.EntityAggregationRun, Action: domain.ActionCreate, After: run})
	return run, nil
}

// CreateFormSchema stores a new immutable schema version.
func (tx *transaction) CreateFormSchema(schema FormSchema) (FormSchema, error) {
	if schema.ID == "" {
		schema.ID = tx.store.newID()
	}
	if _, exists := tx.state.schemas[schema.ID]; exists {
		return FormSchema{}, fmt.Errorf("form schema %q already exists", schema.ID)
	}
	if schema.Version <= 0 {
		return FormSchema{}, fmt.Errorf("form schema %q version must be positive", schema.ID)
	}
	for _, existing := range tx.state.schemas {
		if existing.SchemaType == schema.SchemaType && existing.Version == schema.Version {
			return FormSchema{}, fmt.Errorf("form schema version %d already exists for %s", schema.Version, schema.SchemaType)
		}
	}
	schema.CreatedAt = tx.now
	schema.UpdatedAt = tx.now
	tx.state.schemas[schema.ID] = cloneSchema(schema)
	tx.recordChange(Change{Entity: domain.EntityFormSchema, Action: domain.ActionCreate, After: cloneSchema(schema)})
	return cloneSchema(schema), nil
}

// ActivateFormSchema deactivates every active schema of the same type and
// activates the identified version within the same transactional scope.
func (tx *transaction) ActivateFormSchema(schemaType domain.TaxType, id string) error {
	target, ok := tx.state.schemas[id]
	if !ok {
		return fmt.Errorf("form schema %q not found", id)
	}
	if target.SchemaType != schemaType {
		return fmt.Errorf("form schema %q is type %s, not %s", id, target.SchemaType, schemaType)
	}
	for existingID, existing := range tx.state.schemas {
		if existing.SchemaType != schemaType || !existing.IsActive || existingID == id {
			continue
		}
		before := cloneSchema(existing)
		existing.IsActive = false
		existing.UpdatedAt = tx.now
		tx.state.schemas[existingID] = existing
		tx.recordChange(Change{Entity: domain.EntityFormSchema, Action: domain.ActionUpdate, Before: before, After: cloneSchema(existing)})
	}
	before := cloneSchema(target)
	target.IsActive = true
	target.UpdatedAt = tx.now
	tx.state.schemas[id] = target
	tx.recordChange(Change{Entity: domain.EntityFormSchema, Action: domain.ActionUpdate, Before: before, After: cloneSchema(target)})
	return nil
}

// NextFormSchemaVersion returns the next monotonic version for a type.
// Versions count past rows, not just live ones, so numbers are never reused.
func (tx *transaction) NextFormSchemaVersion(schemaType domain.TaxType) int {
	max := 0
	for _, schema := range tx.state.schemas {
		if schema.SchemaType == schemaType && schema.Version > max {
			max = schema.Version
		}
	}
	return max + 1
}

// GetEvidenceRule retrieves an evidence rule by id.
func (s *Store) GetEvidenceRule(id string) (EvidenceRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.evidence[id]
	if !ok {
		return EvidenceRule{}, false
	}
	return cloneEvidence(r), true
}

// ListEvidenceRules returns all evidence rules.
func (s *Store) ListEvidenceRules() []EvidenceRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListEvidenceRules()
}

// GetAggregatedRule retrieves an aggregated rule by id.
func (s *Store) GetAggregatedRule(id string) (AggregatedRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.aggregated[id]
	if !ok {
		return AggregatedRule{}, false
	}
	return cloneAggregated(r), true
}

// ListAggregatedRules returns all aggregated rules.
func (s *Store) ListAggregatedRules() []AggregatedRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListAggregatedRules()
}

// ListBrackets returns the bracket rows owned by a rule.
func (s *Store) ListBrackets(ruleID string) []Bracket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListBrackets(ruleID)
}

// ListProvenance returns the provenance links of an aggregated rule.
func (s *Store) ListProvenance(aggregatedRuleID string) []ProvenanceLink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListProvenance(aggregatedRuleID)
}

// ListAggregationRuns returns all run records.
func (s *Store) ListAggregationRuns() []AggregationRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListAggregationRuns()
}

// ListFormSchemas returns every schema version for a type.
func (s *Store) ListFormSchemas(schemaType domain.TaxType) []FormSchema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListFormSchemas(schemaType)
}

// ActiveFormSchema returns the single active schema for a type, if any.
func (s *Store) ActiveFormSchema(schemaType domain.TaxType) (FormSchema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ActiveFormSchema(schemaType)
}
