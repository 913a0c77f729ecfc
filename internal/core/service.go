package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"taxcore/pkg/domain"
)

// Archive receives immutable copies of published payloads. Archive failures
// never fail the operation that produced the payload.
type Archive interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Service exposes the transactional operations of the aggregation engine.
type Service struct {
	store   domain.PersistentStore
	merger  *Merger
	archive Archive
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
	clock   func() time.Time
}

// Option customizes service construction.
type Option func(*Service)

// WithMerger supplies the model-assisted merger. Without one, multi-rule
// aggregation always degrades to deterministic selection.
func WithMerger(m *Merger) Option {
	return func(s *Service) { s.merger = m }
}

// WithArchive supplies a payload archive.
func WithArchive(a Archive) Option {
	return func(s *Service) { s.archive = a }
}

// WithAuditRecorder supplies an audit sink.
func WithAuditRecorder(r AuditRecorder) Option {
	return func(s *Service) {
		if r != nil {
			s.audit = r
		}
	}
}

// WithMetricsRecorder supplies a metrics sink.
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(s *Service) {
		if r != nil {
			s.metrics = r
		}
	}
}

// WithTracer supplies a tracer.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock overrides the service clock.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:   store,
		audit:   noopAudit{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},
		clock:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// finish records the audit entry, metrics sample, and span end for one
// operation. Every instrumented service method defers through it exactly once.
func (s *Service) finish(ctx context.Context, op string, entity domain.EntityType, entityID string, started time.Time, span TraceSpan, err error) {
	duration := s.clock().Sub(started)
	status := AuditStatusSuccess
	var msg string
	if err != nil {
		status = AuditStatusError
		msg = err.Error()
	}
	s.audit.Record(ctx, AuditEntry{
		Operation: op,
		Entity:    entity,
		EntityID:  entityID,
		Status:    status,
		Error:     msg,
		At:        s.clock(),
	})
	s.metrics.Observe(ctx, op, err == nil, duration)
	span.End(err)
}

// ImportEvidenceRule persists one extracted rule document.
func (s *Service) ImportEvidenceRule(ctx context.Context, rule domain.EvidenceRule) (domain.EvidenceRule, domain.Result, error) {
	started := s.clock()
	ctx, span := s.tracer.Start(ctx, "import_evidence_rule")
	var created domain.EvidenceRule
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateEvidenceRule(rule)
		return err
	})
	s.finish(ctx, "import_evidence_rule", domain.EntityEvidenceRule, created.ID, started, span, err)
	return created, res, err
}

// UpdateEvidenceRule mutates an evidence rule using the provided mutator.
func (s *Service) UpdateEvidenceRule(ctx context.Context, id string, mutator func(*domain.EvidenceRule) error) (domain.EvidenceRule, domain.Result, error) {
	started := s.clock()
	ctx, span := s.tracer.Start(ctx, "update_evidence_rule")
	var updated domain.EvidenceRule
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		updated, err = tx.UpdateEvidenceRule(id, mutator)
		return err
	})
	s.finish(ctx, "update_evidence_rule", domain.EntityEvidenceRule, id, started, span, err)
	return updated, res, err
}

// DeleteEvidenceRule removes an evidence rule record.
func (s *Service) DeleteEvidenceRule(ctx context.Context, id string) (domain.Result, error) {
	started := s.clock()
	ctx, span := s.tracer.Start(ctx, "delete_evidence_rule")
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.DeleteEvidenceRule(id)
	})
	s.finish(ctx, "delete_evidence_rule", domain.EntityEvidenceRule, id, started, span, err)
	return res, err
}

// AggregateRules reconciles all evidence rules active for the tax type at the
// target date into the single authoritative aggregated rule for that key. The
// prior rule for the key, its brackets, and its provenance links are replaced
// inside the same transaction that validates the new output, so a failure at
// any stage leaves the previous aggregation untouched.
func (s *Service) AggregateRules(ctx context.Context, taxType domain.TaxType, targetDate string) (domain.Outcome, error) {
	started := s.clock()
	ctx, span := s.tracer.Start(ctx, "aggregate_rules")

	var outcome domain.Outcome
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		outcome, err = s.aggregateInTx(ctx, tx, taxType, targetDate)
		return err
	})
	if err != nil {
		s.recordFailedRun(ctx, taxType, targetDate, started, err)
		s.finish(ctx, "aggregate_rules", domain.EntityAggregatedRule, "", started, span, err)
		return domain.Outcome{}, err
	}

	if warn := s.archivePayload(ctx, aggregatedArchiveKey(outcome.Rule), outcome); warn != "" {
		outcome.Warnings = append(outcome.Warnings, warn)
	}
	s.finish(ctx, "aggregate_rules", domain.EntityAggregatedRule, outcome.Rule.ID, started, span, nil)
	return outcome, nil
}

func (s *Service) aggregateInTx(ctx context.Context, tx domain.Transaction, taxType domain.TaxType, targetDate string) (domain.Outcome, error) {
	view := tx.Snapshot()
	evidence, err := ActiveEvidence(view, taxType, targetDate)
	if err != nil {
		return domain.Outcome{}, err
	}
	conflicts := DetectConflicts(evidence)

	payload, strategy, sourceIDs, warnings := s.resolvePayload(ctx, evidence, conflicts)

	now := s.clock()
	ruleID := fmt.Sprintf("agg-%s-%s-%d", taxType, targetDate, now.UnixNano())
	payload.Aggregation = &domain.AggregationMeta{
		SourceRuleIDs: sourceIDs,
		Strategy:      strategy,
		Conflicts:     domain.SummarizeConflicts(conflicts),
		AggregatedAt:  now,
	}

	rows, bracketWarnings := MaterializeBrackets(ruleID, payload.Brackets)
	warnings = append(warnings, bracketWarnings...)
	if taxType.BracketBased() && len(rows) == 0 {
		// Validated before any delete so a bracketless output cannot wipe
		// the previous aggregation.
		return domain.Outcome{}, domain.ErrNoBrackets{TaxType: taxType, RuleID: ruleID}
	}

	for _, prior := range view.ListAggregatedRules() {
		if prior.TaxType == taxType && prior.EffectiveDate == targetDate {
			if err := tx.DeleteAggregatedRule(prior.ID); err != nil {
				return domain.Outcome{}, domain.ErrPersistence{Op: "delete prior aggregated rule", Err: err}
			}
		}
	}

	rule := domain.AggregatedRule{
		Base:          domain.Base{ID: ruleID},
		TaxType:       taxType,
		RuleType:      domain.RuleTypeAggregated,
		Title:         fmt.Sprintf("Aggregated %s rule effective %s", taxType, targetDate),
		Data:          payload,
		EffectiveDate: targetDate,
	}
	created, err := tx.CreateAggregatedRule(rule)
	if err != nil {
		return domain.Outcome{}, domain.ErrPersistence{Op: "create aggregated rule", Err: err}
	}
	persisted, err := tx.ReplaceBrackets(created.ID, rows)
	if err != nil {
		return domain.Outcome{}, domain.ErrPersistence{Op: "replace brackets", Err: err}
	}
	if _, err := tx.ReplaceProvenance(created.ID, sourceIDs); err != nil {
		return domain.Outcome{}, domain.ErrPersistence{Op: "replace provenance", Err: err}
	}
	if _, err := tx.CreateAggregationRun(domain.AggregationRun{
		TaxType:        taxType,
		TargetDate:     targetDate,
		Strategy:       strategy,
		InputsCount:    len(evidence),
		OutputsCount:   1,
		ConflictsCount: len(conflicts),
		Status:         domain.RunStatusSucceeded,
		StartedAt:      now,
	}); err != nil {
		return domain.Outcome{}, domain.ErrPersistence{Op: "create aggregation run", Err: err}
	}

	return domain.Outcome{
		Rule:      created,
		Brackets:  persisted,
		Strategy:  strategy,
		Conflicts: conflicts,
		Degraded:  strategy == domain.StrategyFallbackSingleBest,
		Warnings:  warnings,
	}, nil
}

// resolvePayload picks the aggregation strategy. One input short-circuits to
// direct adoption. Multiple inputs attempt a model merge; any merge failure
// degrades to deterministic selection of the best single rule rather than
// failing the aggregation.
func (s *Service) resolvePayload(ctx context.Context, evidence []domain.EvidenceRule, conflicts []domain.Conflict) (domain.RuleData, domain.AggregationStrategy, []string, []string) {
	if len(evidence) == 1 {
		return evidence[0].Data, domain.StrategySingleRuleDirect, []string{evidence[0].ID}, nil
	}

	allIDs := make([]string, 0, len(evidence))
	for _, r := range evidence {
		allIDs = append(allIDs, r.ID)
	}

	if s.merger != nil {
		merged, err := s.merger.Merge(ctx, evidence, conflicts)
		if err == nil {
			return merged, domain.StrategyIntelligentMerge, allIDs, nil
		}
		best, _ := SelectBestRule(evidence)
		return best.Data, domain.StrategyFallbackSingleBest, allIDs,
			[]string{fmt.Sprintf("merge degraded to best single rule %s: %v", best.ID, err)}
	}

	best, _ := SelectBestRule(evidence)
	return best.Data, domain.StrategyFallbackSingleBest, allIDs,
		[]string{fmt.Sprintf("no model client configured; selected best single rule %s", best.ID)}
}

// recordFailedRun writes the audit row for a failed aggregation in its own
// transaction, since the failing transaction rolled back.
func (s *Service) recordFailedRun(ctx context.Context, taxType domain.TaxType, targetDate string, started time.Time, cause error) {
	_, _ = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateAggregationRun(domain.AggregationRun{
			TaxType:    taxType,
			TargetDate: targetDate,
			Status:     domain.RunStatusFailed,
			Details:    cause.Error(),
			StartedAt:  started,
		})
		return err
	})
}

// archivePayload writes a JSON copy of a published payload to the archive.
// Failures are reported as a warning string, never as an error.
func (s *Service) archivePayload(ctx context.Context, key string, payload any) string {
	if s.archive == nil {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("archive %s: encode: %v", key, err)
	}
	if err := s.archive.Put(ctx, key, data, "application/json"); err != nil {
		return fmt.Sprintf("archive %s: %v", key, err)
	}
	return ""
}

func aggregatedArchiveKey(rule domain.AggregatedRule) string {
	return fmt.Sprintf("aggregated/%s/%s/%s.json", rule.TaxType, rule.EffectiveDate, rule.ID)
}
