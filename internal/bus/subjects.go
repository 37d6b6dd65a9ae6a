package bus

import "strings"

// Stream and durable names. The EVENTS stream captures every events.>
// subject; ingest workers share one durable pull consumer so each event is
// delivered to exactly one worker and survives Core restarts.
const (
	StreamEvents  = "EVENTS"
	DurableIngest = "ingest"
)

// Fixed subjects.
const (
	SubjectEventsAll       = "events.>"
	SubjectDeception       = "events.sentinel.deception"
	SubjectInternalEvents  = "internal.events"
	SubjectLLMAnalyze      = "llm.analyze"
	SubjectAlerts          = "alerts"
	SubjectActionBroadcast = "actions.broadcast"
	SubjectActionStatus    = "actions.status"
	SubjectNotifications   = "notifications"
	SubjectHeartbeatAll    = "heartbeat.>"
	SubjectNodeMetadataAll = "node.metadata.>"
)

// Queue groups. Subscribers in the same group split the subject's traffic.
const (
	QueueCorrelator   = "correlator"
	QueueEnricher     = "llm"
	QueueDecision     = "decision"
	QueueStatus       = "action_status"
	QueueAgentManager = "agent_manager"
)

// EventSubject returns the publish subject for a Sentinel event subtype,
// e.g. events.sentinel.endpoint.
func EventSubject(subtype string) string { return "events.sentinel." + subtype }

// ActionSubject returns the capability-routed subject for an action type.
// Strikers advertising that capability join one queue group on it.
func ActionSubject(actionType string) string { return "actions." + actionType }

// ActionDirectSubject returns the per-striker direct subject used for
// targeted dispatch and self-scheduled rollbacks.
func ActionDirectSubject(strikerID string) string { return "actions." + strikerID }

// StrikerQueue returns the queue group for an action-type subject.
func StrikerQueue(actionType string) string { return "strikers." + actionType }

// HeartbeatSubject returns heartbeat.<agent_type>.<agent_id>.
func HeartbeatSubject(agentType, agentID string) string {
	return "heartbeat." + agentType + "." + agentID
}

// NodeMetadataSubject returns node.metadata.<agent_id>.
func NodeMetadataSubject(agentID string) string { return "node.metadata." + agentID }

// ConfigSubject returns config.<agent_id>, the push channel for config
// snapshots.
func ConfigSubject(agentID string) string { return "config." + agentID }

// ParseHeartbeatSubject splits heartbeat.<agent_type>.<agent_id>. The agent
// id may itself contain dots; everything after the type is the id.
func ParseHeartbeatSubject(subject string) (agentType, agentID string, ok bool) {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) != 3 || parts[0] != "heartbeat" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// ParseNodeMetadataSubject extracts the agent id from node.metadata.<agent_id>.
func ParseNodeMetadataSubject(subject string) (agentID string, ok bool) {
	const prefix = "node.metadata."
	if !strings.HasPrefix(subject, prefix) || len(subject) == len(prefix) {
		return "", false
	}
	return subject[len(prefix):], true
}

// EventSubtype extracts the subtype from events.sentinel.<subtype>. Returns
// false for subjects outside the sentinel namespace.
func EventSubtype(subject string) (string, bool) {
	const prefix = "events.sentinel."
	if !strings.HasPrefix(subject, prefix) || len(subject) == len(prefix) {
		return "", false
	}
	return subject[len(prefix):], true
}
