package observability

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mahnoorkhalid8/digitalfte/internal/tracing"
)

// Event kinds recorded by the engine.
const (
	KindApproval = "approval"
	KindPlan     = "plan"
	KindStep     = "step"
	KindRoute    = "route"
	KindInbox    = "inbox"
	KindWebhook  = "webhook"
)

// Event is one timestamped state transition. Together with plan step notes
// and approval decision fields it forms the audit trail.
type Event struct {
	Kind      string                 `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	Subject   string                 `json:"subject"`         // approval id, plan id or task id
	Action    string                 `json:"action"`          // e.g. "created", "decided", "step_failed"
	Status    string                 `json:"status"`          // status after the transition
	Actor     string                 `json:"actor,omitempty"` // requested_by or decided_by
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// Sink receives audit events. Implementations must be safe for concurrent use
// and must not block the caller for long.
type Sink interface {
	Record(ctx context.Context, event Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Record(ctx context.Context, event Event) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, event)
		}
	}
}

// OrNop returns s, or Nop when s is nil or a nil *Recorder.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	if r, ok := s.(*Recorder); ok && r == nil {
		return Nop{}
	}
	return s
}

// AuditLogger writes audit events as JSON lines and mirrors them onto the
// active OpenTelemetry span.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	closer io.Closer
}

// NewAuditLogger writes events to w.
func NewAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// OpenAuditLogger appends events to the file at path.
func OpenAuditLogger(path string) (*AuditLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	a := NewAuditLogger(file)
	a.closer = file
	return a, nil
}

// Record emits an audit event to the log and to the span in ctx, if any.
func (a *AuditLogger) Record(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()

		span.AddEvent(event.Kind+"."+event.Action, trace.WithAttributes(
			attribute.String("audit.subject", event.Subject),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}
	if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("kind", event.Kind).
		Time("at", event.Timestamp).
		Str("subject", event.Subject).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.Actor != "" {
		entry.Str("actor", event.Actor)
	}
	if event.TraceID != "" {
		entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		err := a.closer.Close()
		a.closer = nil
		return err
	}
	return nil
}

// Recorder is a Sink that keeps events in memory. Tests use it to assert on
// the audit trail.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Record(_ context.Context, event Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Actions returns the Kind.Action pairs recorded for subject, in order.
func (r *Recorder) Actions(subject string) []string {
	var out []string
	for _, e := range r.Events() {
		if e.Subject == subject {
			out = append(out, e.Kind+"."+e.Action)
		}
	}
	return out
}

// CloseAll closes every sink that implements io.Closer.
func CloseAll(sinks ...Sink) error {
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
