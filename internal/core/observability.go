package core

import (
	"context"
	"time"

	"taxcore/pkg/domain"
)

// AuditStatus classifies the outcome recorded in an audit entry.
type AuditStatus string

// Audit entry statuses.
const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry captures one service operation for audit sinks.
type AuditEntry struct {
	Operation string            `json:"operation"`
	Entity    domain.EntityType `json:"entity,omitempty"`
	EntityID  string            `json:"entity_id,omitempty"`
	Status    AuditStatus       `json:"status"`
	Error     string            `json:"error,omitempty"`
	At        time.Time         `json:"at"`
}

// AuditRecorder receives audit entries for service operations. Implementations
// must be safe for concurrent use and must not block the calling operation.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// MetricsRecorder receives operation timing and outcome signals.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// TraceSpan finalizes a single traced operation.
type TraceSpan interface {
	End(err error)
}

// Tracer opens spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}
