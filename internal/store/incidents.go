package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/argus-sec/argus/internal/model"
)

// InsertIncident persists a new incident.
func (s *Store) InsertIncident(ctx context.Context, inc *model.Incident) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, alert_ids, incident_type, severity, status, assigned_to, playbook_id, source, score, timeline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		inc.ID, mustJSON(inc.AlertIDs), inc.Type, string(inc.Severity), inc.Status,
		strArg(inc.AssignedTo), strArg(inc.PlaybookID), strArg(inc.Source), inc.Score, mustJSON(inc.Timeline))
	if err != nil {
		return fmt.Errorf("insert incident %s: %w", inc.ID, err)
	}
	return nil
}

// GetIncident returns an incident by id, or nil when absent.
func (s *Store) GetIncident(ctx context.Context, id string) (*model.Incident, error) {
	row := s.db.QueryRowContext(ctx, incidentSelect+` WHERE id = $1`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

// IncidentFilter narrows ListIncidents.
type IncidentFilter struct {
	Status   string
	Severity string
	Limit    int
	Offset   int
}

// ListIncidents returns incidents newest-first.
func (s *Store) ListIncidents(ctx context.Context, f IncidentFilter) ([]model.Incident, error) {
	q := incidentSelect
	var args []any
	q, args = appendCond(q, args, "status = $%d", f.Status)
	q, args = appendCond(q, args, "severity = $%d", f.Severity)
	q += " ORDER BY created_at DESC"
	q, args = appendPage(q, args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// UpdateIncidentStatus moves an incident through its lifecycle. Returns
// false when the incident does not exist.
func (s *Store) UpdateIncidentStatus(ctx context.Context, id, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return false, fmt.Errorf("update incident status %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetIncidentPlaybook records which playbook took the incident.
func (s *Store) SetIncidentPlaybook(ctx context.Context, id, playbookID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET playbook_id = $2, updated_at = NOW() WHERE id = $1`, id, playbookID)
	if err != nil {
		return fmt.Errorf("set incident playbook %s: %w", id, err)
	}
	return nil
}

// AppendIncidentTimeline appends one entry to the incident's timeline.
func (s *Store) AppendIncidentTimeline(ctx context.Context, id string, entry map[string]any) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET
			timeline = COALESCE(timeline, '[]'::jsonb) || $2::jsonb,
			updated_at = NOW()
		WHERE id = $1`, id, mustJSON(entry))
	if err != nil {
		return fmt.Errorf("append incident timeline %s: %w", id, err)
	}
	return nil
}

const incidentSelect = `SELECT id, created_at, updated_at, alert_ids, incident_type, severity, status,
	assigned_to, playbook_id, source, score, timeline
	FROM incidents`

func scanIncident(r rowScanner) (model.Incident, error) {
	var inc model.Incident
	var severity string
	var alertIDs, timeline []byte
	var assigned, playbook, source sql.NullString
	err := r.Scan(&inc.ID, &inc.CreatedAt, &inc.UpdatedAt, &alertIDs, &inc.Type, &severity,
		&inc.Status, &assigned, &playbook, &source, &inc.Score, &timeline)
	if err != nil {
		return inc, fmt.Errorf("scan incident: %w", err)
	}
	inc.Severity = model.Severity(severity)
	inc.AssignedTo = nullStr(assigned)
	inc.PlaybookID = nullStr(playbook)
	inc.Source = nullStr(source)
	scanJSON(alertIDs, &inc.AlertIDs)
	scanJSON(timeline, &inc.Timeline)
	return inc, nil
}
