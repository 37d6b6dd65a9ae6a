package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/argus-sec/argus/internal/model"
)

// ProvisionAgentConfig inserts a default config row at version 1 unless one
// already exists. Called during registration; an existing row is untouched
// so re-registration never resets operator tuning.
func (s *Store) ProvisionAgentConfig(ctx context.Context, c *model.AgentConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_configs (agent_id, nats_url_enc, core_api_url_enc, log_level, environment, zone,
			detection_thresholds, probe_interval_seconds, enabled_probes,
			capabilities, allowed_actions, action_defaults, max_concurrent_actions, config_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)
		ON CONFLICT (agent_id) DO NOTHING`,
		configArgs(c)...)
	if err != nil {
		return fmt.Errorf("provision config %s: %w", c.AgentID, err)
	}
	return nil
}

// UpsertAgentConfig writes the full config row. The version bump happens in
// SQL, so concurrent writers can never hand an agent a stale or repeated
// version number. Returns the stored version.
func (s *Store) UpsertAgentConfig(ctx context.Context, c *model.AgentConfig) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO agent_configs (agent_id, nats_url_enc, core_api_url_enc, log_level, environment, zone,
			detection_thresholds, probe_interval_seconds, enabled_probes,
			capabilities, allowed_actions, action_defaults, max_concurrent_actions, config_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)
		ON CONFLICT (agent_id) DO UPDATE SET
			nats_url_enc = EXCLUDED.nats_url_enc,
			core_api_url_enc = EXCLUDED.core_api_url_enc,
			log_level = EXCLUDED.log_level,
			environment = EXCLUDED.environment,
			zone = EXCLUDED.zone,
			detection_thresholds = EXCLUDED.detection_thresholds,
			probe_interval_seconds = EXCLUDED.probe_interval_seconds,
			enabled_probes = EXCLUDED.enabled_probes,
			capabilities = EXCLUDED.capabilities,
			allowed_actions = EXCLUDED.allowed_actions,
			action_defaults = EXCLUDED.action_defaults,
			max_concurrent_actions = EXCLUDED.max_concurrent_actions,
			config_version = agent_configs.config_version + 1,
			updated_at = NOW()
		RETURNING config_version`,
		configArgs(c)...)

	var version int
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("upsert config %s: %w", c.AgentID, err)
	}
	return version, nil
}

// GetAgentConfig returns the stored (still encrypted) config row, or nil
// when the agent has none.
func (s *Store) GetAgentConfig(ctx context.Context, agentID string) (*model.AgentConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, nats_url_enc, core_api_url_enc, log_level, environment, zone,
			detection_thresholds, probe_interval_seconds, enabled_probes,
			capabilities, allowed_actions, action_defaults, max_concurrent_actions, config_version, updated_at
		FROM agent_configs WHERE agent_id = $1`, agentID)

	var c model.AgentConfig
	var natsEnc, coreEnc sql.NullString
	var thresholds, probes, caps, allowed, defaults []byte
	var probeInterval, maxConcurrent sql.NullInt64
	err := row.Scan(&c.AgentID, &natsEnc, &coreEnc, &c.LogLevel, &c.Environment, &c.Zone,
		&thresholds, &probeInterval, &probes, &caps, &allowed, &defaults, &maxConcurrent,
		&c.ConfigVersion, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get config %s: %w", agentID, err)
	}
	c.NATSURLEnc = nullStr(natsEnc)
	c.CoreAPIEnc = nullStr(coreEnc)
	scanJSON(thresholds, &c.DetectionThresholds)
	scanJSON(probes, &c.EnabledProbes)
	scanJSON(caps, &c.Capabilities)
	scanJSON(allowed, &c.AllowedActions)
	scanJSON(defaults, &c.ActionDefaults)
	if probeInterval.Valid {
		c.ProbeIntervalSeconds = int(probeInterval.Int64)
	}
	if maxConcurrent.Valid {
		c.MaxConcurrentActions = int(maxConcurrent.Int64)
	}
	return &c, nil
}

func configArgs(c *model.AgentConfig) []any {
	return []any{
		c.AgentID,
		strArg(c.NATSURLEnc),
		strArg(c.CoreAPIEnc),
		orDefault(c.LogLevel, "INFO"),
		orDefault(c.Environment, "production"),
		orDefault(c.Zone, "default"),
		nilJSON(c.DetectionThresholds == nil, c.DetectionThresholds),
		intArg(c.ProbeIntervalSeconds),
		nilJSON(c.EnabledProbes == nil, c.EnabledProbes),
		nilJSON(c.Capabilities == nil, c.Capabilities),
		nilJSON(c.AllowedActions == nil, c.AllowedActions),
		nilJSON(c.ActionDefaults == nil, c.ActionDefaults),
		intArg(c.MaxConcurrentActions),
	}
}

// nilJSON keeps the NULL/empty-list distinction: a nil allowed_actions means
// unrestricted, while an empty list allows nothing.
func nilJSON(isNil bool, v any) any {
	if isNil {
		return nil
	}
	return mustJSON(v)
}

func intArg(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
