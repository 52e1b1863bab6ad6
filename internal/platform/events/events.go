package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Event is a lifecycle notification (batch created, processing started,
// finished). Publishing is best-effort and must never block or fail the
// operation that triggered it.
type Event struct {
	OccurredAt  time.Time
	Kind        string
	SubjectType string
	SubjectID   string
	Metadata    map[string]any
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.Kind) == "" {
		return errors.New("Kind is required")
	}
	if strings.TrimSpace(e.SubjectType) == "" {
		return errors.New("SubjectType is required")
	}
	if strings.TrimSpace(e.SubjectID) == "" {
		return errors.New("SubjectID is required")
	}
	return nil
}

type Sink interface {
	Publish(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Publish(Event) {}

// DBSink writes events to the lifecycle_events table from a single background
// goroutine. A full buffer drops the event rather than blocking the caller.
type DBSink struct {
	logger *slog.Logger
	db     *sql.DB
	ch     chan Event
}

func NewDBSink(ctx context.Context, logger *slog.Logger, db *sql.DB, buffer int) *DBSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &DBSink{
		logger: logger,
		db:     db,
		ch:     make(chan Event, buffer),
	}
	go s.drain(ctx)
	return s
}

func (s *DBSink) Publish(event Event) {
	if s == nil || s.db == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		s.logger.Warn("dropping invalid lifecycle event", "error", err)
		return
	}
	select {
	case s.ch <- event:
	default:
		s.logger.Warn("lifecycle event buffer full, dropping",
			"kind", event.Kind, "subject_id", event.SubjectID)
	}
}

func (s *DBSink) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.ch:
			s.insert(ctx, event)
		}
	}
}

func (s *DBSink) insert(ctx context.Context, event Event) {
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		s.logger.Warn("marshal lifecycle event metadata", "error", err)
		return
	}

	insertCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = s.db.ExecContext(
		insertCtx,
		`INSERT INTO lifecycle_events (occurred_at, kind, subject_type, subject_id, metadata)
		 VALUES ($1,$2,$3,$4,$5)`,
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.Kind),
		strings.TrimSpace(event.SubjectType),
		strings.TrimSpace(event.SubjectID),
		metadataJSON,
	)
	if err != nil {
		s.logger.Warn("insert lifecycle event", "kind", event.Kind, "error", err)
	}
}
