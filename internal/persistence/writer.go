package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"TunaEngine/internal/event"
)

// EventRow is a row in event_log.events.
type EventRow struct {
	Sequence  int64
	EventID   uuid.UUID
	EventType string
	Pool      string
	Payload   []byte
	Timestamp time.Time
}

// RowFromEnvelope flattens an engine event into its storage row.
func RowFromEnvelope(env *event.Envelope) (EventRow, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return EventRow{}, fmt.Errorf("marshal payload: %w", err)
	}
	return EventRow{
		Sequence:  env.Sequence,
		EventID:   env.EventID,
		EventType: env.TypeName,
		Pool:      env.Pool,
		Payload:   payload,
		Timestamp: env.Timestamp,
	}, nil
}

// EventLogWriter appends events to event_log.events with multi-row INSERT.
// Writes are idempotent on sequence, so a replayed batch after a crash is a
// no-op.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteBatch appends a batch of events inside the given transaction.
func (w *EventLogWriter) WriteBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_id, event_type, pool, payload, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*6)
	for i, e := range events {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		pool := sql.NullString{String: e.Pool, Valid: e.Pool != ""}
		args = append(args, e.Sequence, e.EventID, e.EventType, pool, e.Payload, e.Timestamp)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LatestSequence returns the highest sequence in the event log, 0 when empty.
func (w *EventLogWriter) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := w.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// EventsFrom loads events at or after a sequence, oldest first.
func (w *EventLogWriter) EventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sequence, event_id, event_type, COALESCE(pool, ''), payload, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.Sequence, &e.EventID, &e.EventType, &e.Pool, &e.Payload, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
