package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/argus-sec/argus/internal/model"
)

// InsertAction records a dispatched response action in its queued state.
func (s *Store) InsertAction(ctx context.Context, ac *model.Action) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (action_id, incident_id, alert_id, striker_id, action_type, parameters, status, initiated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (action_id) DO NOTHING`,
		ac.ActionID, strArg(ac.IncidentID), strArg(ac.AlertID), strArg(ac.StrikerID),
		ac.ActionType, mustJSON(ac.Parameters), ac.Status, strArg(ac.InitiatedBy))
	if err != nil {
		return fmt.Errorf("insert action %s: %w", ac.ActionID, err)
	}
	return nil
}

// ApplyActionStatus folds a striker status report into the action row. The
// row is created if the action was dispatched by a path that never persisted
// it (a self-scheduled rollback, for instance). Result data and evidence
// merge key-wise; the report's result is also appended to the rollback
// entry's execution_result list. Redelivered reports are absorbed by the
// upsert without corrupting the row.
func (s *Store) ApplyActionStatus(ctx context.Context, st *model.ActionStatus, rowStatus string) error {
	result := st.ResultData
	if result == nil {
		result = map[string]any{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (action_id, striker_id, action_type, status, result_data, evidence, initiated_by)
		VALUES ($1, $2, $3, $4, $5, $6, 'striker_report')
		ON CONFLICT (action_id) DO UPDATE SET
			striker_id = EXCLUDED.striker_id,
			status = EXCLUDED.status,
			result_data = COALESCE(actions.result_data, '{}'::jsonb) || EXCLUDED.result_data,
			evidence = COALESCE(actions.evidence, '{}'::jsonb) || EXCLUDED.evidence,
			rollback_entry = jsonb_set(
				COALESCE(actions.rollback_entry, '{}'::jsonb),
				'{execution_result}',
				COALESCE(actions.rollback_entry->'execution_result', '[]'::jsonb) || EXCLUDED.result_data),
			updated_at = NOW()`,
		st.ActionID, strArg(st.StrikerID), st.ActionType, rowStatus,
		mustJSON(result), mustJSON(st.Evidence))
	if err != nil {
		return fmt.Errorf("apply action status %s: %w", st.ActionID, err)
	}
	return nil
}

// MarkActionRolledBack flips an action's status once its reversal completed.
func (s *Store) MarkActionRolledBack(ctx context.Context, actionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE actions SET status = $2, updated_at = NOW() WHERE action_id = $1`,
		actionID, model.ActionRolledBack)
	if err != nil {
		return fmt.Errorf("mark action rolled back %s: %w", actionID, err)
	}
	return nil
}

// ActionFilter narrows ListActions.
type ActionFilter struct {
	Status     string
	ActionType string
	AlertID    string
	Limit      int
	Offset     int
}

// ListActions returns actions newest-first.
func (s *Store) ListActions(ctx context.Context, f ActionFilter) ([]model.Action, error) {
	q := `SELECT action_id, created_at, incident_id, alert_id, striker_id, action_type, parameters, status, initiated_by, result_data
		FROM actions`
	var args []any
	q, args = appendCond(q, args, "status = $%d", f.Status)
	q, args = appendCond(q, args, "action_type = $%d", f.ActionType)
	q, args = appendCond(q, args, "alert_id = $%d", f.AlertID)
	q += " ORDER BY created_at DESC"
	q, args = appendPage(q, args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []model.Action
	for rows.Next() {
		ac, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ac)
	}
	return out, rows.Err()
}

// GetAction returns a single action, or nil when absent.
func (s *Store) GetAction(ctx context.Context, actionID string) (*model.Action, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT action_id, created_at, incident_id, alert_id, striker_id, action_type, parameters, status, initiated_by, result_data
		FROM actions WHERE action_id = $1`, actionID)
	ac, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ac, nil
}

func scanAction(r rowScanner) (model.Action, error) {
	var ac model.Action
	var incidentID, alertID, strikerID, initiatedBy sql.NullString
	var params, result []byte
	err := r.Scan(&ac.ActionID, &ac.Timestamp, &incidentID, &alertID, &strikerID,
		&ac.ActionType, &params, &ac.Status, &initiatedBy, &result)
	if err != nil {
		return ac, fmt.Errorf("scan action: %w", err)
	}
	ac.IncidentID = nullStr(incidentID)
	ac.AlertID = nullStr(alertID)
	ac.StrikerID = nullStr(strikerID)
	ac.InitiatedBy = nullStr(initiatedBy)
	scanJSON(params, &ac.Parameters)
	scanJSON(result, &ac.ResultData)
	return ac, nil
}
