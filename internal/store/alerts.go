package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/argus-sec/argus/internal/model"
)

// InsertAlert persists a freshly minted alert.
func (s *Store) InsertAlert(ctx context.Context, al *model.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (alert_id, created_at, event_ids, threat_score, severity, status, verdict, affected_assets, reasoning)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (alert_id) DO NOTHING`,
		al.AlertID, al.CreatedAt, mustJSON(al.EventIDs), al.ThreatScore, string(al.Severity),
		al.Status, al.Verdict, mustJSON(al.AffectedAssets), mustJSON(al.Reasoning))
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", al.AlertID, err)
	}
	return nil
}

// UpdateAlertLLM writes the four enrichment fields onto an alert.
func (s *Store) UpdateAlertLLM(ctx context.Context, alertID, narrative, tactic, technique, remediation string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET
			llm_narrative = $2,
			llm_mitre_tactic = $3,
			llm_mitre_technique = $4,
			llm_remediation = $5,
			updated_at = NOW()
		WHERE alert_id = $1`,
		alertID, narrative, tactic, technique, remediation)
	if err != nil {
		return fmt.Errorf("update alert llm %s: %w", alertID, err)
	}
	return nil
}

// UpdateAlertVerdict records the decision engine's verdict.
func (s *Store) UpdateAlertVerdict(ctx context.Context, alertID, verdict string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET verdict = $2, updated_at = NOW() WHERE alert_id = $1`,
		alertID, verdict)
	if err != nil {
		return fmt.Errorf("update alert verdict %s: %w", alertID, err)
	}
	return nil
}

// UpdateAlertStatus moves an alert through its triage lifecycle. Returns
// false when the alert does not exist.
func (s *Store) UpdateAlertStatus(ctx context.Context, alertID, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status = $2, updated_at = NOW() WHERE alert_id = $1`,
		alertID, status)
	if err != nil {
		return false, fmt.Errorf("update alert status %s: %w", alertID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	Status   string
	Severity string
	Verdict  string
	Limit    int
	Offset   int
}

// ListAlerts returns alerts newest-first.
func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]model.Alert, error) {
	q := `SELECT alert_id, created_at, updated_at, event_ids, threat_score, severity, status, verdict,
			affected_assets, reasoning, llm_narrative, llm_mitre_tactic, llm_mitre_technique, llm_remediation
		FROM alerts`
	var args []any
	q, args = appendCond(q, args, "status = $%d", f.Status)
	q, args = appendCond(q, args, "severity = $%d", f.Severity)
	q, args = appendCond(q, args, "verdict = $%d", f.Verdict)
	q += " ORDER BY created_at DESC"
	q, args = appendPage(q, args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		al, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, al)
	}
	return out, rows.Err()
}

// GetAlert returns a single alert, or nil when absent.
func (s *Store) GetAlert(ctx context.Context, alertID string) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT alert_id, created_at, updated_at, event_ids, threat_score, severity, status, verdict,
			affected_assets, reasoning, llm_narrative, llm_mitre_tactic, llm_mitre_technique, llm_remediation
		FROM alerts WHERE alert_id = $1`, alertID)
	al, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &al, nil
}

func scanAlert(r rowScanner) (model.Alert, error) {
	var al model.Alert
	var severity string
	var eventIDs, assets, reasoning []byte
	var narrative, tactic, technique, remediation sql.NullString
	err := r.Scan(&al.AlertID, &al.CreatedAt, &al.UpdatedAt, &eventIDs, &al.ThreatScore, &severity,
		&al.Status, &al.Verdict, &assets, &reasoning, &narrative, &tactic, &technique, &remediation)
	if err != nil {
		return al, fmt.Errorf("scan alert: %w", err)
	}
	al.Severity = model.Severity(severity)
	scanJSON(eventIDs, &al.EventIDs)
	scanJSON(assets, &al.AffectedAssets)
	scanJSON(reasoning, &al.Reasoning)
	al.LLMNarrative = nullStr(narrative)
	al.LLMMitreTactic = nullStr(tactic)
	al.LLMMitreTechnique = nullStr(technique)
	al.LLMRemediation = nullStr(remediation)
	return al, nil
}
