package domain

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported operations captured for rule evaluation.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	// ActionDelete indicates an entity was deleted.
	ActionDelete Action = "delete"
	// ActionReplace indicates a row group was replaced wholesale.
	ActionReplace Action = "replace"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "transaction blocked by rules"
}

// Outcome carries an aggregation's output together with the strategy actually
// used, so callers and audits can distinguish a full intelligent merge from
// degraded-but-valid fallback output.
type Outcome struct {
	Rule      AggregatedRule      `json:"rule"`
	Brackets  []Bracket           `json:"brackets"`
	Strategy  AggregationStrategy `json:"strategy"`
	Conflicts []Conflict          `json:"conflicts,omitempty"`
	Degraded  bool                `json:"degraded"`
	Warnings  []string            `json:"warnings,omitempty"`
}
