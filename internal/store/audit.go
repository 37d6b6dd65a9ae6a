package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AuditRow is one link in the tamper-evident chain. CurrentHash commits to
// every field plus the previous row's hash.
type AuditRow struct {
	Seq          int64          `json:"seq"`
	LogID        string         `json:"log_id"`
	CreatedAt    time.Time      `json:"created_at"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	Resource     string         `json:"resource"`
	Details      map[string]any `json:"details,omitempty"`
	PreviousHash string         `json:"previous_hash"`
	CurrentHash  string         `json:"current_hash"`
}

// LastAuditHash returns the newest row's hash, or "" for an empty chain.
func (s *Store) LastAuditHash(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT current_hash FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last audit hash: %w", err)
	}
	return hash, nil
}

// InsertAuditRow appends a link. The caller (internal/audit) serialises
// writers; at this layer the unique log_id is the only guard.
func (s *Store) InsertAuditRow(ctx context.Context, row *AuditRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (log_id, created_at, actor, action, resource, details, previous_hash, current_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		row.LogID, row.CreatedAt, row.Actor, row.Action, row.Resource,
		mustJSON(row.Details), row.PreviousHash, row.CurrentHash)
	if err != nil {
		return fmt.Errorf("insert audit row %s: %w", row.LogID, err)
	}
	return nil
}

// WalkAudit streams rows oldest-first into fn, up to limit rows (0 means
// all). fn returning an error stops the walk.
func (s *Store) WalkAudit(ctx context.Context, limit int, fn func(AuditRow) error) error {
	q := `SELECT seq, log_id, created_at, actor, action, resource, details, previous_hash, current_hash
		FROM audit_log ORDER BY seq`
	var args []any
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("walk audit: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row AuditRow
		var details []byte
		if err := rows.Scan(&row.Seq, &row.LogID, &row.CreatedAt, &row.Actor, &row.Action,
			&row.Resource, &details, &row.PreviousHash, &row.CurrentHash); err != nil {
			return fmt.Errorf("scan audit row: %w", err)
		}
		scanJSON(details, &row.Details)
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ListAuditRows returns the newest rows, most recent first.
func (s *Store) ListAuditRows(ctx context.Context, limit int) ([]AuditRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, log_id, created_at, actor, action, resource, details, previous_hash, current_hash
		FROM audit_log ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit rows: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var row AuditRow
		var details []byte
		if err := rows.Scan(&row.Seq, &row.LogID, &row.CreatedAt, &row.Actor, &row.Action,
			&row.Resource, &details, &row.PreviousHash, &row.CurrentHash); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		scanJSON(details, &row.Details)
		out = append(out, row)
	}
	return out, rows.Err()
}
