// Package ledger keeps an append-only SQLite record of every routing,
// approval, plan and step transition, and answers the counters shown by
// `fte status`.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/mahnoorkhalid8/digitalfte/internal/observability"
	"github.com/mahnoorkhalid8/digitalfte/internal/tracing"
)

// Config configures a Ledger.
type Config struct {
	Path   string
	Logger zerolog.Logger
}

// Entry is a stored event.
type Entry struct {
	ID string
	observability.Event
}

// Stats aggregates events since a point in time.
type Stats struct {
	Since time.Time
	// Routed counts route decisions by decision.
	Routed map[string]int
	// PlansFinished counts finished plan runs by final status.
	PlansFinished map[string]int
	// Approvals counts approval transitions by action.
	Approvals map[string]int
	// Decisions counts decided approvals by status.
	Decisions map[string]int
	// StepFailures counts failed step attempts.
	StepFailures int
}

// Ledger is an observability.Sink backed by SQLite.
type Ledger struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the ledger database.
func Open(cfg Config) (*Ledger, error) {
	if cfg.Path == "" {
		return nil, errors.New("ledger path is required")
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	l := &Ledger{
		db:     db,
		logger: cfg.Logger.With().Str("component", "ledger").Logger(),
	}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	l.logger.Debug().Str("path", cfg.Path).Msg("Ledger opened")
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			subject TEXT NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			actor TEXT,
			metadata TEXT,
			trace_id TEXT,
			recorded_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_subject ON events(subject);
		CREATE INDEX IF NOT EXISTS idx_events_recorded ON events(recorded_at);
		CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, action);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Record appends event. Failures are logged, never returned, so the ledger
// cannot stall the engine.
func (l *Ledger) Record(ctx context.Context, event observability.Event) {
	if err := l.Append(ctx, event); err != nil {
		l.logger.Error().Err(err).
			Str("kind", event.Kind).
			Str("subject", event.Subject).
			Msg("Failed to record ledger event")
	}
}

// Append stores event and reports failures.
func (l *Ledger) Append(ctx context.Context, event observability.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}
	var meta []byte
	if len(event.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
	}

	// A cancelled caller still gets its transition recorded.
	_, err := l.db.ExecContext(context.WithoutCancel(ctx), `
		INSERT INTO events (id, kind, subject, action, status, actor, metadata, trace_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), event.Kind, event.Subject, event.Action, event.Status,
		event.Actor, string(meta), event.TraceID, event.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// History returns the events of one subject, oldest first.
func (l *Ledger) History(ctx context.Context, subject string) ([]Entry, error) {
	return l.query(ctx, `
		SELECT id, kind, subject, action, status, actor, metadata, trace_id, recorded_at
		FROM events WHERE subject = ? ORDER BY recorded_at, rowid`, subject)
}

// Recent returns the latest limit events, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	return l.query(ctx, `
		SELECT id, kind, subject, action, status, actor, metadata, trace_id, recorded_at
		FROM events ORDER BY recorded_at DESC, rowid DESC LIMIT ?`, limit)
}

func (l *Ledger) query(ctx context.Context, q string, args ...interface{}) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                    Entry
			actor, meta, traceID sql.NullString
			recordedAt           int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.Subject, &e.Action, &e.Status, &actor, &meta, &traceID, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Actor = actor.String
		e.TraceID = traceID.String
		e.Timestamp = time.UnixMilli(recordedAt).UTC()
		if meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				l.logger.Warn().Err(err).Str("event_id", e.ID).Msg("Unreadable event metadata")
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats counts events recorded at or after since.
func (l *Ledger) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT kind, action, status, COUNT(*)
		FROM events WHERE recorded_at >= ?
		GROUP BY kind, action, status`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{
		Since:         since,
		Routed:        make(map[string]int),
		PlansFinished: make(map[string]int),
		Approvals:     make(map[string]int),
		Decisions:     make(map[string]int),
	}
	for rows.Next() {
		var (
			kind, action, status string
			n                    int
		)
		if err := rows.Scan(&kind, &action, &status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		switch kind {
		case observability.KindRoute:
			stats.Routed[status] += n
		case observability.KindPlan:
			if action == "finished" {
				stats.PlansFinished[status] += n
			}
		case observability.KindApproval:
			stats.Approvals[action] += n
			if action == "decided" {
				stats.Decisions[status] += n
			}
		case observability.KindStep:
			if action == "step_failed" {
				stats.StepFailures += n
			}
		}
	}
	return stats, rows.Err()
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
