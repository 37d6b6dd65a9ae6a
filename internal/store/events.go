package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/argus-sec/argus/internal/model"
)

// InsertEventBatch persists a batch in one transaction. Each row inserts
// with ON CONFLICT DO NOTHING, so a redelivered event that slipped past the
// dedup window cannot fail the whole batch.
func (s *Store) InsertEventBatch(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (event_id, timestamp, sentinel_id, event_class, severity, raw_data, enrichments, mitre_techniques)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		techniques := ev.MITRETechniques
		if techniques == nil {
			techniques = []string{}
		}
		_, err := stmt.ExecContext(ctx,
			ev.EventID, ev.Timestamp, ev.SentinelID, ev.EventClass, string(ev.Severity),
			mustJSON(ev.RawData), mustJSON(ev.Enrichments), mustJSON(techniques))
		if err != nil {
			return fmt.Errorf("insert event %s: %w", ev.EventID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event batch: %w", err)
	}
	return nil
}

// EventFilter narrows ListEvents. Zero values mean "no constraint".
type EventFilter struct {
	SentinelID string
	EventClass string
	Severity   string
	Limit      int
	Offset     int
}

// ListEvents returns events newest-first.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error) {
	q := `SELECT event_id, timestamp, sentinel_id, event_class, severity, raw_data, enrichments, mitre_techniques
		FROM events`
	var args []any
	q, args = appendCond(q, args, "sentinel_id = $%d", f.SentinelID)
	q, args = appendCond(q, args, "event_class = $%d", f.EventClass)
	q, args = appendCond(q, args, "severity = $%d", f.Severity)
	q += " ORDER BY timestamp DESC"
	q, args = appendPage(q, args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetEvent returns a single event, or nil when absent.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, timestamp, sentinel_id, event_class, severity, raw_data, enrichments, mitre_techniques
		FROM events WHERE event_id = $1`, eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (model.Event, error) {
	var ev model.Event
	var severity string
	var raw, enrich, mitre []byte
	if err := r.Scan(&ev.EventID, &ev.Timestamp, &ev.SentinelID, &ev.EventClass, &severity, &raw, &enrich, &mitre); err != nil {
		return ev, fmt.Errorf("scan event: %w", err)
	}
	ev.Severity = model.Severity(severity)
	scanJSON(raw, &ev.RawData)
	scanJSON(enrich, &ev.Enrichments)
	scanJSON(mitre, &ev.MITRETechniques)
	return ev, nil
}

// appendCond adds "AND col = $n" (or WHERE for the first condition) when the
// value is non-empty. The format carries a single %d for the placeholder.
func appendCond(q string, args []any, cond, value string) (string, []any) {
	if value == "" {
		return q, args
	}
	args = append(args, value)
	sep := " WHERE "
	if len(args) > 1 {
		sep = " AND "
	}
	return q + sep + fmt.Sprintf(cond, len(args)), args
}

func appendPage(q string, args []any, limit, offset int) (string, []any) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	q += fmt.Sprintf(" LIMIT $%d", len(args))
	if offset > 0 {
		args = append(args, offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return q, args
}
