// Package store is the Postgres persistence layer. One Store instance is
// shared by every Core service; consumers depend on narrow interfaces they
// declare themselves, so tests swap in fakes without touching SQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Store wraps the database handle.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping verifies the connection is still healthy.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// schema is applied in order on every start; each statement is idempotent.
// Ids are TEXT rather than UUID so a repaired foreign event id can never
// poison an insert.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		event_id         TEXT PRIMARY KEY,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		timestamp        TIMESTAMPTZ NOT NULL,
		sentinel_id      TEXT NOT NULL,
		event_class      TEXT NOT NULL,
		severity         TEXT NOT NULL,
		raw_data         JSONB NOT NULL DEFAULT '{}'::jsonb,
		enrichments      JSONB NOT NULL DEFAULT '{}'::jsonb,
		mitre_techniques JSONB NOT NULL DEFAULT '[]'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events (timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_events_sentinel ON events (sentinel_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_class ON events (event_class)`,

	`CREATE TABLE IF NOT EXISTS alerts (
		alert_id            TEXT PRIMARY KEY,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		event_ids           JSONB NOT NULL DEFAULT '[]'::jsonb,
		threat_score        INTEGER NOT NULL DEFAULT 0,
		severity            TEXT NOT NULL,
		status              TEXT NOT NULL DEFAULT 'new',
		verdict             TEXT NOT NULL DEFAULT 'pending',
		affected_assets     JSONB NOT NULL DEFAULT '[]'::jsonb,
		reasoning           JSONB NOT NULL DEFAULT '{}'::jsonb,
		llm_narrative       TEXT,
		llm_mitre_tactic    TEXT,
		llm_mitre_technique TEXT,
		llm_remediation     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts (status)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts (severity)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts (created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS actions (
		action_id      TEXT PRIMARY KEY,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		incident_id    TEXT,
		alert_id       TEXT,
		striker_id     TEXT,
		action_type    TEXT NOT NULL,
		parameters     JSONB NOT NULL DEFAULT '{}'::jsonb,
		status         TEXT NOT NULL DEFAULT 'queued',
		initiated_by   TEXT,
		result_data    JSONB NOT NULL DEFAULT '{}'::jsonb,
		evidence       JSONB NOT NULL DEFAULT '{}'::jsonb,
		rollback_entry JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_alert ON actions (alert_id)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_status ON actions (status)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_created ON actions (created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS agents (
		id             TEXT PRIMARY KEY,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		agent_type     TEXT NOT NULL,
		agent_subtype  TEXT NOT NULL DEFAULT '',
		zone           TEXT NOT NULL DEFAULT 'default',
		capabilities   JSONB NOT NULL DEFAULT '[]'::jsonb,
		status         TEXT NOT NULL DEFAULT 'active',
		last_heartbeat TIMESTAMPTZ,
		config_version INTEGER NOT NULL DEFAULT 0,
		resource_usage JSONB NOT NULL DEFAULT '{}'::jsonb,
		node_metadata  JSONB NOT NULL DEFAULT '{}'::jsonb,
		api_key_prefix TEXT NOT NULL DEFAULT '',
		api_key_hash   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_key_prefix ON agents (api_key_prefix)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_type ON agents (agent_type)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents (status)`,

	`CREATE TABLE IF NOT EXISTS agent_configs (
		agent_id               TEXT PRIMARY KEY,
		updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		nats_url_enc           TEXT,
		core_api_url_enc       TEXT,
		log_level              TEXT NOT NULL DEFAULT 'INFO',
		environment            TEXT NOT NULL DEFAULT 'production',
		zone                   TEXT NOT NULL DEFAULT 'default',
		detection_thresholds   JSONB,
		probe_interval_seconds INTEGER,
		enabled_probes         JSONB,
		capabilities           JSONB,
		allowed_actions        JSONB,
		action_defaults        JSONB,
		max_concurrent_actions INTEGER,
		config_version         INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		seq           BIGSERIAL PRIMARY KEY,
		log_id        TEXT NOT NULL UNIQUE,
		created_at    TIMESTAMPTZ NOT NULL,
		actor         TEXT NOT NULL,
		action        TEXT NOT NULL,
		resource      TEXT NOT NULL,
		details       JSONB NOT NULL DEFAULT '{}'::jsonb,
		previous_hash TEXT NOT NULL DEFAULT '',
		current_hash  TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS users (
		id              TEXT PRIMARY KEY,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		username        TEXT NOT NULL UNIQUE,
		email           TEXT NOT NULL DEFAULT '',
		hashed_password TEXT NOT NULL,
		role            TEXT NOT NULL DEFAULT 'analyst',
		is_active       BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS incidents (
		id            TEXT PRIMARY KEY,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		alert_ids     JSONB NOT NULL DEFAULT '[]'::jsonb,
		incident_type TEXT NOT NULL DEFAULT '',
		severity      TEXT NOT NULL DEFAULT 'medium',
		status        TEXT NOT NULL DEFAULT 'open',
		assigned_to   TEXT,
		playbook_id   TEXT,
		source        TEXT,
		score         INTEGER NOT NULL DEFAULT 0,
		timeline      JSONB NOT NULL DEFAULT '[]'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents (status)`,

	`CREATE TABLE IF NOT EXISTS infra_nodes (
		id                  TEXT PRIMARY KEY,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		hostname            TEXT,
		ip_address          TEXT NOT NULL UNIQUE,
		os_type             TEXT,
		ssh_port            INTEGER NOT NULL DEFAULT 22,
		winrm_port          INTEGER NOT NULL DEFAULT 5985,
		mac_address         TEXT,
		ssh_username        TEXT,
		status              TEXT NOT NULL DEFAULT 'discovered',
		deployment_status   TEXT NOT NULL DEFAULT 'none',
		deployed_agent_type TEXT,
		deployed_agent_id   TEXT,
		last_seen           TIMESTAMPTZ,
		discovery_method    TEXT,
		error_message       TEXT
	)`,
}

// EnsureSchema creates all tables and indexes. Safe to run on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// mustJSON marshals a JSONB argument built from maps and slices of
// primitives; a marshal error degrades to an empty document.
func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func scanJSON(data []byte, dst any) {
	if len(data) == 0 {
		return
	}
	_ = json.Unmarshal(data, dst)
}

func nullStr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func nullTime(nt sql.NullTime) time.Time {
	if nt.Valid {
		return nt.Time
	}
	return time.Time{}
}

func strArg(s string) any {
	if s == "" {
		return nil
	}
	return s
}
