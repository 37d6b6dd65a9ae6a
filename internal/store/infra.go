package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/argus-sec/argus/internal/model"
)

// UpsertInfraNode records a discovered host, keyed by IP address. A rescan
// refreshes last_seen and reachability without losing deployment state. The
// node's ID and timestamps are rewritten from the canonical row, which
// matters when the IP was already known under an earlier id.
func (s *Store) UpsertInfraNode(ctx context.Context, n *model.InfraNode) error {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO infra_nodes (id, hostname, ip_address, os_type, ssh_port, winrm_port, mac_address,
			ssh_username, status, deployment_status, last_seen, discovery_method)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), $11)
		ON CONFLICT (ip_address) DO UPDATE SET
			hostname = COALESCE(NULLIF(EXCLUDED.hostname, ''), infra_nodes.hostname),
			os_type = COALESCE(NULLIF(EXCLUDED.os_type, ''), infra_nodes.os_type),
			status = EXCLUDED.status,
			last_seen = NOW(),
			discovery_method = EXCLUDED.discovery_method,
			updated_at = NOW()
		RETURNING id, created_at, updated_at, last_seen`,
		n.ID, n.Hostname, n.IPAddress, n.OSType, portOr(n.SSHPort, 22), portOr(n.WinRMPort, 5985),
		strArg(n.MACAddress), strArg(n.SSHUsername), orDefault(n.Status, model.NodeDiscovered),
		orDefault(n.DeploymentStatus, model.DeployNone), strArg(n.DiscoveryMethod))
	if err := row.Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt, &n.LastSeen); err != nil {
		return fmt.Errorf("upsert infra node %s: %w", n.IPAddress, err)
	}
	return nil
}

// GetInfraNodeByIP returns the node holding an address, or nil when absent.
func (s *Store) GetInfraNodeByIP(ctx context.Context, ip string) (*model.InfraNode, error) {
	row := s.db.QueryRowContext(ctx, infraSelect+` WHERE ip_address = $1`, ip)
	n, err := scanInfraNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// GetInfraNode returns a node by id, or nil when absent.
func (s *Store) GetInfraNode(ctx context.Context, id string) (*model.InfraNode, error) {
	row := s.db.QueryRowContext(ctx, infraSelect+` WHERE id = $1`, id)
	n, err := scanInfraNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ListInfraNodes returns all known nodes, most recently seen first.
func (s *Store) ListInfraNodes(ctx context.Context, status string) ([]model.InfraNode, error) {
	q := infraSelect
	var args []any
	q, args = appendCond(q, args, "status = $%d", status)
	q += " ORDER BY last_seen DESC NULLS LAST"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list infra nodes: %w", err)
	}
	defer rows.Close()

	var out []model.InfraNode
	for rows.Next() {
		n, err := scanInfraNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UpdateNodeDeployment tracks an agent rollout on a node.
func (s *Store) UpdateNodeDeployment(ctx context.Context, id, deployStatus, agentType, agentID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE infra_nodes SET
			deployment_status = $2,
			deployed_agent_type = COALESCE(NULLIF($3, ''), deployed_agent_type),
			deployed_agent_id = COALESCE(NULLIF($4, ''), deployed_agent_id),
			error_message = NULLIF($5, ''),
			status = CASE WHEN $2 = 'success' THEN 'deployed' ELSE status END,
			updated_at = NOW()
		WHERE id = $1`,
		id, deployStatus, agentType, agentID, errMsg)
	if err != nil {
		return fmt.Errorf("update node deployment %s: %w", id, err)
	}
	return nil
}

const infraSelect = `SELECT id, created_at, updated_at, hostname, ip_address, os_type, ssh_port, winrm_port,
	mac_address, ssh_username, status, deployment_status, deployed_agent_type, deployed_agent_id,
	last_seen, discovery_method, error_message
	FROM infra_nodes`

func scanInfraNode(r rowScanner) (model.InfraNode, error) {
	var n model.InfraNode
	var hostname, osType, mac, sshUser, depType, depID, discovery, errMsg sql.NullString
	var lastSeen sql.NullTime
	err := r.Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt, &hostname, &n.IPAddress, &osType,
		&n.SSHPort, &n.WinRMPort, &mac, &sshUser, &n.Status, &n.DeploymentStatus,
		&depType, &depID, &lastSeen, &discovery, &errMsg)
	if err != nil {
		return n, fmt.Errorf("scan infra node: %w", err)
	}
	n.Hostname = nullStr(hostname)
	n.OSType = nullStr(osType)
	n.MACAddress = nullStr(mac)
	n.SSHUsername = nullStr(sshUser)
	n.DeployedAgentType = nullStr(depType)
	n.DeployedAgentID = nullStr(depID)
	n.DiscoveryMethod = nullStr(discovery)
	n.ErrorMessage = nullStr(errMsg)
	n.LastSeen = nullTime(lastSeen)
	return n, nil
}

func portOr(p, def int) int {
	if p == 0 {
		return def
	}
	return p
}
