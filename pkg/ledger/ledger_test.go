package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahnoorkhalid8/digitalfte/internal/observability"
	"github.com/mahnoorkhalid8/digitalfte/internal/tracing"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(Config{Path: filepath.Join(t.TempDir(), "ledger.db"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestAppendAndHistory(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

	events := []observability.Event{
		{Kind: observability.KindApproval, Timestamp: base, Subject: "APR-1", Action: "created", Status: "PENDING", Actor: "ai_employee"},
		{Kind: observability.KindApproval, Timestamp: base.Add(time.Minute), Subject: "APR-1", Action: "decided", Status: "APPROVED", Actor: "alice",
			Metadata: map[string]interface{}{"comments": "ok"}},
		{Kind: observability.KindPlan, Timestamp: base.Add(2 * time.Minute), Subject: "plan-1", Action: "created", Status: "NOT_STARTED"},
	}
	for _, e := range events {
		require.NoError(t, l.Append(ctx, e))
	}

	history, err := l.History(ctx, "APR-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "created", history[0].Action)
	assert.Equal(t, "alice", history[1].Actor)
	assert.Equal(t, "ok", history[1].Metadata["comments"])
	assert.True(t, history[1].Timestamp.Equal(base.Add(time.Minute)))
	assert.NotEmpty(t, history[0].ID)

	recent, err := l.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "plan-1", recent[0].Subject)
}

func TestAppendTakesTraceIDFromContext(t *testing.T) {
	l := openTestLedger(t)
	ctx := tracing.WithTraceID(context.Background(), "trace-123")

	require.NoError(t, l.Append(ctx, observability.Event{Kind: observability.KindRoute, Subject: "task", Action: "routed", Status: "EXECUTE_DIRECT"}))

	history, err := l.History(ctx, "task")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "trace-123", history[0].TraceID)
}

func TestRecordSurvivesCancelledContext(t *testing.T) {
	l := openTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l.Record(ctx, observability.Event{Kind: observability.KindStep, Subject: "plan-1", Action: "step_failed", Status: "PENDING"})

	history, err := l.History(context.Background(), "plan-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestStats(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	today := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)

	record := func(at time.Time, kind, action, status string) {
		l.Record(ctx, observability.Event{Kind: kind, Timestamp: at, Subject: "x", Action: action, Status: status})
	}
	record(today.Add(-time.Hour), observability.KindPlan, "finished", "COMPLETED")
	record(today.Add(time.Hour), observability.KindPlan, "finished", "COMPLETED")
	record(today.Add(time.Hour), observability.KindPlan, "finished", "AWAITING_APPROVAL")
	record(today.Add(time.Hour), observability.KindPlan, "created", "NOT_STARTED")
	record(today.Add(time.Hour), observability.KindRoute, "routed", "EXECUTE_DIRECT")
	record(today.Add(time.Hour), observability.KindRoute, "routed", "EXECUTE_DIRECT")
	record(today.Add(time.Hour), observability.KindRoute, "routed", "NEEDS_APPROVAL")
	record(today.Add(time.Hour), observability.KindApproval, "created", "PENDING")
	record(today.Add(2*time.Hour), observability.KindApproval, "decided", "EXPIRED")
	record(today.Add(2*time.Hour), observability.KindStep, "step_failed", "PENDING")

	stats, err := l.Stats(ctx, today)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.PlansFinished["COMPLETED"], "yesterday's plan is excluded")
	assert.Equal(t, 1, stats.PlansFinished["AWAITING_APPROVAL"])
	assert.Equal(t, 2, stats.Routed["EXECUTE_DIRECT"])
	assert.Equal(t, 1, stats.Routed["NEEDS_APPROVAL"])
	assert.Equal(t, 1, stats.Approvals["created"])
	assert.Equal(t, 1, stats.Decisions["EXPIRED"])
	assert.Equal(t, 1, stats.StepFailures)
}

func TestLedgerIsASink(t *testing.T) {
	l := openTestLedger(t)
	var sink observability.Sink = l
	sink.Record(context.Background(), observability.Event{Kind: observability.KindInbox, Subject: "file", Action: "accepted", Status: "EXECUTE_DIRECT"})

	entries, err := l.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
