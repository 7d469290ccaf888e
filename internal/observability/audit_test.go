package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestAuditLoggerWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditLogger(&buf)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a.Record(context.Background(), Event{
		Kind:      KindApproval,
		Timestamp: at,
		Subject:   "APR-20260102-ABC123",
		Action:    "created",
		Status:    "PENDING",
		Actor:     "ai_employee",
		Metadata:  map[string]interface{}{"priority": "high"},
	})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "approval", line["kind"])
	assert.Equal(t, "APR-20260102-ABC123", line["subject"])
	assert.Equal(t, "PENDING", line["status"])
	assert.Equal(t, "ai_employee", line["actor"])
	assert.NotContains(t, line, "trace_id")
}

func TestAuditLoggerAddsTraceID(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	NewAuditLogger(&buf).Record(ctx, Event{Kind: KindPlan, Subject: "p1", Action: "created", Status: "NOT_STARTED"})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, span.SpanContext().TraceID().String(), line["trace_id"])
}

func TestOpenAuditLoggerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	a, err := OpenAuditLogger(path)
	require.NoError(t, err)
	a.Record(context.Background(), Event{Kind: KindStep, Subject: "p1", Action: "started"})
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestMultiAndRecorder(t *testing.T) {
	r1, r2 := &Recorder{}, &Recorder{}
	sink := Multi{r1, nil, r2}
	sink.Record(context.Background(), Event{Kind: KindPlan, Subject: "p1", Action: "created"})
	sink.Record(context.Background(), Event{Kind: KindStep, Subject: "p1", Action: "completed"})
	sink.Record(context.Background(), Event{Kind: KindPlan, Subject: "p2", Action: "created"})

	assert.Len(t, r1.Events(), 3)
	assert.Equal(t, []string{"plan.created", "step.completed"}, r2.Actions("p1"))
	OrNop(nil).Record(context.Background(), Event{})
}

func TestOrNopNilRecorder(t *testing.T) {
	var r *Recorder
	sink := OrNop(r)
	assert.Equal(t, Nop{}, sink)
	assert.NotPanics(t, func() { sink.Record(context.Background(), Event{Kind: KindInbox}) })
	assert.NotPanics(t, func() { r.Record(context.Background(), Event{Kind: KindInbox}) })
	assert.Empty(t, r.Events())
}
