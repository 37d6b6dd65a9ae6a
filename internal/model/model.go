// Package model holds the entities shared between Core, Sentinel, and Striker:
// events, alerts, actions, agents, and their enums. Wire encoding lives in
// internal/wire; persistence in internal/store.
package model

import (
	"strings"
	"time"
)

// Severity is the ordered event/alert severity scale.
type Severity string

const (
	SeverityInfo     Severity = "informational"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for comparison. Unknown values rank below
// informational so a malformed severity never outranks a real one.
var severityRank = map[Severity]int{
	SeverityInfo:     1,
	SeverityLow:      2,
	SeverityMedium:   3,
	SeverityHigh:     4,
	SeverityCritical: 5,
}

// ParseSeverity normalizes a severity string. "info" is accepted as an alias
// for "informational". Unknown or empty input falls back to informational.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info", "informational":
		return SeverityInfo
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// Rank returns the numeric position of s on the severity scale (1..5).
func (s Severity) Rank() int { return severityRank[s] }

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool { return s.Rank() >= other.Rank() }

// Agent types.
const (
	AgentTypeSentinel = "sentinel"
	AgentTypeStriker  = "striker"
)

// Agent statuses.
const (
	AgentActive    = "active"
	AgentUnhealthy = "unhealthy"
	AgentInactive  = "inactive"
)

// Alert statuses.
const (
	AlertNew          = "new"
	AlertAcknowledged = "acknowledged"
	AlertResolved     = "resolved"
)

// Alert verdicts.
const (
	VerdictPending     = "pending"
	VerdictAutoRespond = "auto_respond"
	VerdictEscalate    = "escalate"
	VerdictDismiss     = "dismiss"
)

// Action statuses as persisted on the action row.
const (
	ActionQueued     = "queued"
	ActionExecuting  = "executing"
	ActionSucceeded  = "succeeded"
	ActionFailed     = "failed"
	ActionRejected   = "rejected"
	ActionRolledBack = "rolled_back"
	ActionError      = "error"
)

// Striker-reported statuses on actions.status. The decision engine maps
// "completed" to the persisted "succeeded".
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRejected  = "rejected"
	StatusError     = "error"
)

// Event is an immutable telemetry record emitted by a Sentinel. After insert
// it is never mutated except for enrichments added during ingest.
type Event struct {
	EventID         string         `json:"event_id"`
	Timestamp       time.Time      `json:"timestamp"`
	SentinelID      string         `json:"sentinel_id"`
	EventClass      string         `json:"event_class"`
	Severity        Severity       `json:"severity"`
	RawData         map[string]any `json:"raw_data"`
	Enrichments     map[string]any `json:"enrichments,omitempty"`
	MITRETechniques []string       `json:"mitre_techniques,omitempty"`
}

// Reasoning explains why the correlation engine minted an alert. The llm_*
// fields are filled in by the enricher before the alert reaches the decision
// engine.
type Reasoning struct {
	Rule            string   `json:"rule"`
	Description     string   `json:"description,omitempty"`
	MitreTactics    []string `json:"mitre_tactics,omitempty"`
	MitreTechniques []string `json:"mitre_techniques,omitempty"`
	Count           int      `json:"count"`
	Source          string   `json:"source,omitempty"`
	IsMultiStage    bool     `json:"is_multi_stage"`

	LLMNarrative      string `json:"llm_narrative,omitempty"`
	LLMMitreTactic    string `json:"llm_mitre_tactic,omitempty"`
	LLMMitreTechnique string `json:"llm_mitre_technique,omitempty"`
}

// Alert is minted by the correlation engine and enriched downstream.
type Alert struct {
	AlertID        string    `json:"alert_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
	EventIDs       []string  `json:"event_ids"`
	ThreatScore    int       `json:"threat_score"`
	Severity       Severity  `json:"severity"`
	Status         string    `json:"status"`
	Verdict        string    `json:"verdict"`
	AffectedAssets []string  `json:"affected_assets,omitempty"`
	Reasoning      Reasoning `json:"reasoning"`

	LLMNarrative      string `json:"llm_narrative,omitempty"`
	LLMMitreTactic    string `json:"llm_mitre_tactic,omitempty"`
	LLMMitreTechnique string `json:"llm_mitre_technique,omitempty"`
	LLMRemediation    string `json:"llm_remediation,omitempty"`
}

// EventSummary is an abbreviated event snapshot carried in an AlertBundle so
// the LLM prompt stays within its token budget.
type EventSummary struct {
	EventID    string    `json:"event_id"`
	Timestamp  time.Time `json:"timestamp"`
	EventClass string    `json:"event_class"`
	Severity   Severity  `json:"severity"`
}

// AlertBundle is published on llm.analyze by the correlation engine.
type AlertBundle struct {
	AlertID        string         `json:"alert_id"`
	Reasoning      Reasoning      `json:"reasoning"`
	ThreatScore    int            `json:"threat_score"`
	Severity       Severity       `json:"severity"`
	EventIDs       []string       `json:"event_ids"`
	AffectedAssets []string       `json:"affected_assets,omitempty"`
	EventSummaries []EventSummary `json:"event_summaries,omitempty"`
}

// Action is a response command dispatched to a Striker.
type Action struct {
	ActionID    string         `json:"action_id"`
	IncidentID  string         `json:"incident_id,omitempty"`
	StrikerID   string         `json:"striker_id,omitempty"`
	AlertID     string         `json:"alert_id,omitempty"`
	ActionType  string         `json:"action_type"`
	Parameters  map[string]any `json:"parameters"`
	Status      string         `json:"status,omitempty"`
	InitiatedBy string         `json:"initiated_by,omitempty"`
	ResultData  map[string]any `json:"result_data,omitempty"`
	Timestamp   time.Time      `json:"timestamp,omitempty"`
}

// Evidence pairs the pre- and post-action forensic snapshots.
type Evidence struct {
	Pre  map[string]any `json:"pre,omitempty"`
	Post map[string]any `json:"post,omitempty"`
}

// ActionStatus is the final outcome a Striker reports on actions.status.
// Delivery is at-least-once; consumers key on ActionID.
type ActionStatus struct {
	ActionID   string         `json:"action_id"`
	StrikerID  string         `json:"striker_id"`
	ActionType string         `json:"action_type"`
	Status     string         `json:"status"`
	ResultData map[string]any `json:"result_data,omitempty"`
	Evidence   Evidence       `json:"evidence"`
}

// RollbackEntry describes how to reverse a completed action. AutoRollbackAt
// is zero when the rollback requires an operator.
type RollbackEntry struct {
	ActionID           string         `json:"action_id"`
	ActionType         string         `json:"action_type"`
	RollbackActionType string         `json:"rollback_action_type"`
	RollbackParams     map[string]any `json:"rollback_params,omitempty"`
	RegisteredAt       time.Time      `json:"registered_at"`
	AutoRollbackAt     time.Time      `json:"auto_rollback_at,omitempty"`
	RolledBack         bool           `json:"rolled_back"`
}

// Agent is a registered Sentinel or Striker.
type Agent struct {
	ID            string         `json:"id"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	AgentType     string         `json:"agent_type"`
	AgentSubtype  string         `json:"agent_subtype"`
	Zone          string         `json:"zone"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	Status        string         `json:"status"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	ConfigVersion int            `json:"config_version"`
	ResourceUsage map[string]any `json:"resource_usage,omitempty"`
	NodeMetadata  map[string]any `json:"node_metadata,omitempty"`
	APIKeyPrefix  string         `json:"-"`
	APIKeyHash    string         `json:"-"`
}

// Heartbeat is the liveness payload published on heartbeat.<type>.<id>.
type Heartbeat struct {
	AgentID       string         `json:"agent_id"`
	Status        string         `json:"status"`
	AgentType     string         `json:"agent_type,omitempty"`
	AgentSubtype  string         `json:"agent_subtype,omitempty"`
	Zone          string         `json:"zone,omitempty"`
	ResourceUsage map[string]any `json:"resource_usage,omitempty"`
}

// AgentConfig is the centrally managed per-agent configuration. The two
// *_Enc fields are encrypted with the Core master key at rest and
// re-encrypted per agent when served.
type AgentConfig struct {
	AgentID     string `json:"agent_id"`
	NATSURLEnc  string `json:"nats_url_enc,omitempty"`
	CoreAPIEnc  string `json:"core_api_url_enc,omitempty"`
	LogLevel    string `json:"log_level"`
	Environment string `json:"environment"`
	Zone        string `json:"zone"`

	// Sentinel-specific.
	DetectionThresholds  map[string]float64 `json:"detection_thresholds,omitempty"`
	ProbeIntervalSeconds int                `json:"probe_interval_seconds,omitempty"`
	EnabledProbes        []string           `json:"enabled_probes,omitempty"`

	// Striker-specific. AllowedActions nil means unrestricted; an empty,
	// non-nil list allows nothing.
	Capabilities         []string                  `json:"capabilities,omitempty"`
	AllowedActions       []string                  `json:"allowed_actions,omitempty"`
	ActionDefaults       map[string]map[string]any `json:"action_defaults,omitempty"`
	MaxConcurrentActions int                       `json:"max_concurrent_actions,omitempty"`

	ConfigVersion int       `json:"config_version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ConfigSnapshot is the plaintext form pushed on config.<agent_id> and the
// decrypted view an agent works with after fetching its config over HTTP.
type ConfigSnapshot struct {
	AgentID     string `json:"agent_id"`
	NATSURL     string `json:"nats_url,omitempty"`
	CoreAPIURL  string `json:"core_api_url,omitempty"`
	LogLevel    string `json:"log_level"`
	Environment string `json:"environment"`
	Zone        string `json:"zone"`

	DetectionThresholds  map[string]float64 `json:"detection_thresholds,omitempty"`
	ProbeIntervalSeconds int                `json:"probe_interval_seconds,omitempty"`
	EnabledProbes        []string           `json:"enabled_probes,omitempty"`

	Capabilities         []string                  `json:"capabilities,omitempty"`
	AllowedActions       []string                  `json:"allowed_actions,omitempty"`
	ActionDefaults       map[string]map[string]any `json:"action_defaults,omitempty"`
	MaxConcurrentActions int                       `json:"max_concurrent_actions,omitempty"`

	ConfigVersion int `json:"config_version"`
}

// Incident groups related alerts for response tracking. Nothing in the core
// closes incidents; the lifecycle end is an open extension point.
type Incident struct {
	ID         string           `json:"id"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	AlertIDs   []string         `json:"alert_ids"`
	Type       string           `json:"incident_type"`
	Severity   Severity         `json:"severity"`
	Status     string           `json:"status"`
	AssignedTo string           `json:"assigned_to,omitempty"`
	PlaybookID string           `json:"playbook_id,omitempty"`
	Source     string           `json:"source,omitempty"`
	Score      int              `json:"score"`
	Timeline   []map[string]any `json:"timeline,omitempty"`
}

// Incident statuses.
const (
	IncidentOpen       = "open"
	IncidentContained  = "contained"
	IncidentEradicated = "eradicated"
	IncidentRecovered  = "recovered"
	IncidentClosed     = "closed"
)

// InfraNode is a host discovered by the deployment scanner.
type InfraNode struct {
	ID                string    `json:"id"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	Hostname          string    `json:"hostname,omitempty"`
	IPAddress         string    `json:"ip_address"`
	OSType            string    `json:"os_type,omitempty"`
	SSHPort           int       `json:"ssh_port"`
	WinRMPort         int       `json:"winrm_port"`
	MACAddress        string    `json:"mac_address,omitempty"`
	SSHUsername       string    `json:"ssh_username,omitempty"`
	Status            string    `json:"status"`
	DeploymentStatus  string    `json:"deployment_status"`
	DeployedAgentType string    `json:"deployed_agent_type,omitempty"`
	DeployedAgentID   string    `json:"deployed_agent_id,omitempty"`
	LastSeen          time.Time `json:"last_seen,omitempty"`
	DiscoveryMethod   string    `json:"discovery_method,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"`
}

// Infra node statuses.
const (
	NodeDiscovered  = "discovered"
	NodeReachable   = "reachable"
	NodeUnreachable = "unreachable"
	NodeDeployed    = "deployed"
	NodeFailed      = "failed"
)

// Deployment statuses.
const (
	DeployNone       = "none"
	DeployPending    = "pending"
	DeployInProgress = "in_progress"
	DeploySuccess    = "success"
	DeployFailed     = "failed"
)

// User is an operator account.
type User struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	HashedPassword string    `json:"-"`
	Role           string    `json:"role"`
	IsActive       bool      `json:"is_active"`
}

// Operator roles.
const (
	RoleAdmin    = "admin"
	RoleAnalyst  = "analyst"
	RoleOperator = "operator"
	RoleAuditor  = "auditor"
)
