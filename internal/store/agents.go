package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/argus-sec/argus/internal/model"
)

// InsertAgent persists a newly registered agent.
func (s *Store) InsertAgent(ctx context.Context, a *model.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, agent_type, agent_subtype, zone, capabilities, status, last_heartbeat, node_metadata, api_key_prefix, api_key_hash)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7, $8, $9)`,
		a.ID, a.AgentType, a.AgentSubtype, a.Zone, mustJSON(a.Capabilities),
		a.Status, mustJSON(a.NodeMetadata), a.APIKeyPrefix, a.APIKeyHash)
	if err != nil {
		return fmt.Errorf("insert agent %s: %w", a.ID, err)
	}
	return nil
}

// GetAgent returns an agent by id, or nil when absent.
func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx, agentSelect+` WHERE id = $1`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAgentsByPrefix returns every agent whose stored key prefix matches.
// Prefixes are not unique, so callers verify the full hash per candidate.
func (s *Store) GetAgentsByPrefix(ctx context.Context, prefix string) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, agentSelect+` WHERE api_key_prefix = $1`, prefix)
	if err != nil {
		return nil, fmt.Errorf("agents by prefix: %w", err)
	}
	defer rows.Close()

	var out []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AgentFilter narrows ListAgents.
type AgentFilter struct {
	AgentType string
	Status    string
	Zone      string
}

// ListAgents returns agents ordered by registration time.
func (s *Store) ListAgents(ctx context.Context, f AgentFilter) ([]model.Agent, error) {
	q := agentSelect
	var args []any
	q, args = appendCond(q, args, "agent_type = $%d", f.AgentType)
	q, args = appendCond(q, args, "status = $%d", f.Status)
	q, args = appendCond(q, args, "zone = $%d", f.Zone)
	q += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TouchHeartbeat upserts liveness for an agent. The insert arm covers
// heartbeats arriving before (or surviving past) the registration row, so a
// beat from an unknown agent creates a minimal record instead of vanishing.
func (s *Store) TouchHeartbeat(ctx context.Context, hb *model.Heartbeat) error {
	status := hb.Status
	if status == "" {
		status = model.AgentActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, agent_type, agent_subtype, zone, status, last_heartbeat, resource_usage)
		VALUES ($1, $2, $3, $4, $5, NOW(), $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			last_heartbeat = NOW(),
			resource_usage = EXCLUDED.resource_usage,
			updated_at = NOW()`,
		hb.AgentID, orDefault(hb.AgentType, "unknown"), hb.AgentSubtype,
		orDefault(hb.Zone, "default"), status, mustJSON(hb.ResourceUsage))
	if err != nil {
		return fmt.Errorf("touch heartbeat %s: %w", hb.AgentID, err)
	}
	return nil
}

// UpdateAgentStatus sets an agent's status.
func (s *Store) UpdateAgentStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update agent status %s: %w", id, err)
	}
	return nil
}

// UpdateAgentProfile changes the operator-editable registration fields.
func (s *Store) UpdateAgentProfile(ctx context.Context, id, subtype, zone string, capabilities []string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET agent_subtype = $2, zone = $3, capabilities = $4, updated_at = NOW()
		WHERE id = $1`, id, subtype, zone, mustJSON(capabilities))
	if err != nil {
		return fmt.Errorf("update agent profile %s: %w", id, err)
	}
	return nil
}

// UpdateAgentMetadata replaces the stored node metadata document.
func (s *Store) UpdateAgentMetadata(ctx context.Context, id string, meta map[string]any) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET node_metadata = $2, updated_at = NOW() WHERE id = $1`,
		id, mustJSON(meta))
	if err != nil {
		return fmt.Errorf("update agent metadata %s: %w", id, err)
	}
	return nil
}

// UpdateAgentCredentials stores a fresh key prefix and hash, reactivating
// the agent. Used when a known agent re-registers.
func (s *Store) UpdateAgentCredentials(ctx context.Context, id, prefix, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET api_key_prefix = $2, api_key_hash = $3, status = $4, last_heartbeat = NOW(), updated_at = NOW()
		WHERE id = $1`, id, prefix, hash, model.AgentActive)
	if err != nil {
		return fmt.Errorf("update agent credentials %s: %w", id, err)
	}
	return nil
}

// SetAgentConfigVersion records the version last acknowledged for an agent.
func (s *Store) SetAgentConfigVersion(ctx context.Context, id string, version int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET config_version = $2, updated_at = NOW() WHERE id = $1`, id, version)
	if err != nil {
		return fmt.Errorf("set agent config version %s: %w", id, err)
	}
	return nil
}

// MarkStaleUnhealthy degrades every active agent whose last heartbeat is
// older than cutoff, returning how many were flipped.
func (s *Store) MarkStaleUnhealthy(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = $1, updated_at = NOW()
		WHERE status = $2 AND (last_heartbeat IS NULL OR last_heartbeat < $3)`,
		model.AgentUnhealthy, model.AgentActive, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark stale agents: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const agentSelect = `SELECT id, created_at, updated_at, agent_type, agent_subtype, zone, capabilities,
	status, last_heartbeat, config_version, resource_usage, node_metadata, api_key_prefix, api_key_hash
	FROM agents`

func scanAgent(r rowScanner) (model.Agent, error) {
	var a model.Agent
	var caps, usage, meta []byte
	var hb sql.NullTime
	err := r.Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt, &a.AgentType, &a.AgentSubtype, &a.Zone, &caps,
		&a.Status, &hb, &a.ConfigVersion, &usage, &meta, &a.APIKeyPrefix, &a.APIKeyHash)
	if err != nil {
		return a, fmt.Errorf("scan agent: %w", err)
	}
	a.LastHeartbeat = nullTime(hb)
	scanJSON(caps, &a.Capabilities)
	scanJSON(usage, &a.ResourceUsage)
	scanJSON(meta, &a.NodeMetadata)
	return a, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
