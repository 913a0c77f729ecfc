package domain

import "fmt"

// ErrNoEvidence is returned when no evidence rules cover a (tax type, date)
// window. Fatal to the whole aggregation call; there is no fallback.
type ErrNoEvidence struct {
	TaxType    TaxType
	TargetDate string
}

func (e ErrNoEvidence) Error() string {
	return fmt.Sprintf("no evidence rules found for %s at %s", e.TaxType, e.TargetDate)
}

// ErrMergeFailed indicates the intelligent merge could not produce a usable
// payload. Recoverable: the engine falls back to deterministic selection.
type ErrMergeFailed struct {
	Reason string
	Err    error
}

func (e ErrMergeFailed) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("merge failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("merge failed: %s", e.Reason)
}

func (e ErrMergeFailed) Unwrap() error { return e.Err }

// ErrMergeValidation indicates the model returned a structurally valid
// response that references an evidence rule outside the merge's input set.
// A referential violation rejects the entire merge, never partially.
type ErrMergeValidation struct {
	Section string
	Field   string
	RuleID  string
}

func (e ErrMergeValidation) Error() string {
	return fmt.Sprintf("merge validation failed: %s %q references unknown rule %q", e.Section, e.Field, e.RuleID)
}

// Is lets errors.Is treat a validation failure as a merge failure, since both
// trigger the same fallback path.
func (e ErrMergeValidation) Is(target error) bool {
	_, ok := target.(ErrMergeFailed)
	return ok
}

// ErrNoBrackets is returned when a bracket-based tax type aggregates to zero
// materialized brackets. Fatal for that aggregation call.
type ErrNoBrackets struct {
	TaxType TaxType
	RuleID  string
}

func (e ErrNoBrackets) Error() string {
	return fmt.Sprintf("no brackets materialized for bracket-based tax type %s (rule %s)", e.TaxType, e.RuleID)
}

// ErrPersistence wraps storage failures surfaced to the caller as-is.
type ErrPersistence struct {
	Op  string
	Err error
}

func (e ErrPersistence) Error() string {
	return fmt.Sprintf("persistence failed during %s: %v", e.Op, e.Err)
}

func (e ErrPersistence) Unwrap() error { return e.Err }
