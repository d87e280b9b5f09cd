package core

import (
	"context"
	"sync"
	"time"

	"spectroscopy/pkg/domain"
)

// Logger is the structured logging surface used by the dataset. Arguments
// after the message are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// NoopLogger discards every message.
func NoopLogger() Logger { return noopLogger{} }

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reports wall time in UTC.
func SystemClock() Clock {
	return ClockFunc(func() time.Time { return time.Now().UTC() })
}

// MetricsRecorder observes the outcome of dataset operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

// Tracer starts a span per dataset operation.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended exactly once with the operation error, if any.
type TraceSpan interface {
	End(err error)
}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// AuditStatus is the outcome recorded in an audit entry.
type AuditStatus string

// Audit outcomes.
const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one dataset operation.
type AuditEntry struct {
	Operation string            `json:"operation"`
	Entity    domain.EntityType `json:"entity,omitempty"`
	EntityID  string            `json:"entity_id,omitempty"`
	Status    AuditStatus       `json:"status"`
	Error     string            `json:"error,omitempty"`
	User      string            `json:"user,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
}

// AuditRecorder receives audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}

// MemoryAuditLog captures audit entries in memory.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// Record stores an audit entry.
func (l *MemoryAuditLog) Record(_ context.Context, entry AuditEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

// Entries returns a copy of the recorded entries.
func (l *MemoryAuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Observer bundles the instrumentation a dataset reports through. The zero
// value is usable; unset members discard their input.
type Observer struct {
	Logger  Logger
	Clock   Clock
	Metrics MetricsRecorder
	Tracer  Tracer
	Audit   AuditRecorder
	User    string
}

// WithDefaults fills unset members with no-op implementations.
func (o Observer) WithDefaults() Observer {
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.Metrics == nil {
		o.Metrics = noopMetricsRecorder{}
	}
	if o.Tracer == nil {
		o.Tracer = noopTracer{}
	}
	if o.Audit == nil {
		o.Audit = noopAuditRecorder{}
	}
	return o
}

// Observe runs fn inside a span and records metrics, an audit entry and a log
// line for the outcome. fn returns the id of the entity it touched, if any.
func (o Observer) Observe(ctx context.Context, operation string, entity domain.EntityType, fn func(context.Context) (string, error)) error {
	o = o.WithDefaults()
	ctx, span := o.Tracer.Start(ctx, operation)
	start := o.Clock.Now()
	id, err := fn(ctx)
	elapsed := o.Clock.Now().Sub(start)
	span.End(err)
	o.Metrics.Observe(ctx, operation, err == nil, elapsed)
	entry := AuditEntry{
		Operation: operation,
		Entity:    entity,
		EntityID:  id,
		Status:    AuditStatusSuccess,
		User:      o.User,
		Duration:  elapsed,
		Timestamp: start,
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		o.Logger.Warn("dataset operation failed", "operation", operation, "entity", string(entity), "id", id, "error", err)
	} else {
		o.Logger.Debug("dataset operation", "operation", operation, "entity", string(entity), "id", id, "duration", elapsed)
	}
	o.Audit.Record(ctx, entry)
	return err
}
