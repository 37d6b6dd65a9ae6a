package decide

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/argus-sec/argus/internal/bus"
	"github.com/argus-sec/argus/internal/clock"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/metrics"
	"github.com/argus-sec/argus/internal/model"
	"github.com/argus-sec/argus/internal/wire"
)

// defaultBlockSeconds is how long an automatic network block stays in place
// before the striker rolls it back.
const defaultBlockSeconds = 3600

// Store is the persistence surface of the decision engine.
type Store interface {
	UpdateAlertVerdict(ctx context.Context, alertID, verdict string) error
	InsertIncident(ctx context.Context, inc *model.Incident) error
	ApplyActionStatus(ctx context.Context, st *model.ActionStatus, rowStatus string) error
	MarkActionRolledBack(ctx context.Context, actionID string) error
}

// IncidentSink receives incidents the engine opens. The playbook engine
// implements it; a nil sink disables playbook handoff.
type IncidentSink interface {
	HandleIncident(ctx context.Context, inc *model.Incident, assets []string)
}

// Bus is the messaging surface of the engine.
type Bus interface {
	Publish(subject string, data []byte) error
	QueueSubscribe(subject, queue string, h nats.MsgHandler) (*nats.Subscription, error)
}

// Engine turns enriched alerts into verdicts and applies striker status
// reports. Auto-respond verdicts dispatch immediately; escalated critical
// alerts open an incident and hand it to the playbook sink.
type Engine struct {
	bus      Bus
	store    Store
	dispatch *Dispatcher
	sink     IncidentSink
	audit    Auditor
	log      *logging.Logger
	clock    clock.Clock
}

func New(b Bus, st Store, d *Dispatcher, sink IncidentSink, audit Auditor, log *logging.Logger, clk clock.Clock) *Engine {
	return &Engine{bus: b, store: st, dispatch: d, sink: sink, audit: audit, log: log, clock: clk}
}

// Run subscribes for enriched alerts and striker status reports until ctx is
// cancelled. Both subscriptions are queue groups so Core replicas split the
// load without double-deciding.
func (e *Engine) Run(ctx context.Context) error {
	alertSub, err := e.bus.QueueSubscribe(bus.SubjectAlerts, bus.QueueDecision, func(msg *nats.Msg) {
		al, err := wire.DecodeAlert(msg.Data)
		if err != nil {
			e.log.Warn("dropping undecodable alert", "error", err)
			return
		}
		e.HandleAlert(ctx, al)
	})
	if err != nil {
		return err
	}
	defer alertSub.Unsubscribe()

	statusSub, err := e.bus.QueueSubscribe(bus.SubjectActionStatus, bus.QueueStatus, func(msg *nats.Msg) {
		st, err := wire.DecodeActionStatus(msg.Data)
		if err != nil {
			e.log.Warn("dropping undecodable action status", "error", err)
			return
		}
		e.HandleStatus(ctx, st)
	})
	if err != nil {
		return err
	}
	defer statusSub.Unsubscribe()

	e.log.Info("decision engine running")
	<-ctx.Done()
	return ctx.Err()
}

// HandleAlert decides and records the verdict for one alert, then carries out
// its consequences: dispatching an auto-response, opening an incident, and
// publishing a notification for live dashboards.
func (e *Engine) HandleAlert(ctx context.Context, al model.Alert) {
	verdict, action := verdictFor(al)

	if err := e.store.UpdateAlertVerdict(ctx, al.AlertID, verdict); err != nil {
		e.log.Warn("update alert verdict", "alert_id", al.AlertID, "error", err)
	}
	metrics.VerdictsDecided.WithLabelValues(verdict).Inc()
	e.audit.Record(ctx, "decision_engine", "verdict_"+verdict, al.AlertID, map[string]any{
		"rule":         al.Reasoning.Rule,
		"severity":     al.Severity,
		"threat_score": al.ThreatScore,
	})
	e.log.Info("verdict decided",
		"alert_id", al.AlertID,
		"verdict", verdict,
		"rule", al.Reasoning.Rule,
		"severity", al.Severity,
		"threat_score", al.ThreatScore,
	)

	if verdict == model.VerdictAutoRespond && action != nil {
		if err := e.dispatch.Dispatch(ctx, action, bus.SubjectActionBroadcast); err != nil {
			e.log.Error("dispatch auto-response", "alert_id", al.AlertID, "action_type", action.ActionType, "error", err)
		}
	}
	if verdict == model.VerdictEscalate && al.Severity == model.SeverityCritical {
		e.openIncident(ctx, al)
	}
	e.notify(al, verdict)
}

// verdictFor applies the response policy in order; the first matching branch
// wins. Containment before blocking: a multi-stage critical isolates the
// whole host, a scoring brute-force blocks just the source address. The IP
// parse guard keeps hostname sources from reaching iptables.
func verdictFor(al model.Alert) (string, *model.Action) {
	source := al.Reasoning.Source
	switch {
	case al.Severity == model.SeverityCritical && al.Reasoning.IsMultiStage && source != "":
		return model.VerdictAutoRespond, &model.Action{
			AlertID:    al.AlertID,
			ActionType: "isolate_host",
			Parameters: map[string]any{
				"target":   source,
				"reason":   al.Reasoning.Rule,
				"alert_id": al.AlertID,
			},
		}
	case al.Severity == model.SeverityHigh && al.ThreatScore > 70 &&
		strings.Contains(al.Reasoning.Rule, "Brute Force") && net.ParseIP(source) != nil:
		return model.VerdictAutoRespond, &model.Action{
			AlertID:    al.AlertID,
			ActionType: "network_block",
			Parameters: map[string]any{
				"target":   source,
				"duration": defaultBlockSeconds,
			},
		}
	case al.Severity == model.SeverityCritical || al.Severity == model.SeverityMedium:
		return model.VerdictEscalate, nil
	default:
		return model.VerdictDismiss, nil
	}
}

// openIncident creates an incident for an escalated critical alert and hands
// it to the playbook sink.
func (e *Engine) openIncident(ctx context.Context, al model.Alert) {
	now := e.clock.Now().UTC()
	inc := &model.Incident{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		AlertIDs:  []string{al.AlertID},
		Type:      incidentType(al.Reasoning.Rule),
		Severity:  al.Severity,
		Status:    model.IncidentOpen,
		Source:    al.Reasoning.Source,
		Score:     al.ThreatScore,
		Timeline: []map[string]any{{
			"at":    now.Format(time.RFC3339),
			"actor": "decision_engine",
			"entry": "incident opened from alert " + al.AlertID,
		}},
	}
	if err := e.store.InsertIncident(ctx, inc); err != nil {
		e.log.Error("insert incident", "alert_id", al.AlertID, "error", err)
		return
	}
	e.audit.Record(ctx, "decision_engine", "incident_opened", inc.ID, map[string]any{
		"incident_type": inc.Type,
		"alert_id":      al.AlertID,
		"severity":      inc.Severity,
	})
	e.log.Info("incident opened", "incident_id", inc.ID, "incident_type", inc.Type, "severity", inc.Severity)
	if e.sink != nil {
		e.sink.HandleIncident(ctx, inc, al.AffectedAssets)
	}
}

// incidentType derives a stable incident type from the rule name, e.g.
// "Brute Force Attack Detection" becomes "brute_force_attack_detection".
func incidentType(rule string) string {
	var b strings.Builder
	sep := false
	for _, r := range strings.ToLower(rule) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			sep = false
			continue
		}
		if !sep && b.Len() > 0 {
			b.WriteByte('_')
			sep = true
		}
	}
	out := strings.TrimSuffix(b.String(), "_")
	if out == "" {
		return "unclassified"
	}
	return out
}

// notify publishes a compact verdict notification for SSE stream consumers.
func (e *Engine) notify(al model.Alert, verdict string) {
	payload, err := json.Marshal(map[string]any{
		"alert_id":     al.AlertID,
		"severity":     al.Severity,
		"rule":         al.Reasoning.Rule,
		"verdict":      verdict,
		"threat_score": al.ThreatScore,
	})
	if err != nil {
		return
	}
	if err := e.bus.Publish(bus.SubjectNotifications, payload); err != nil {
		e.log.Warn("publish notification", "alert_id", al.AlertID, "error", err)
	}
}

// HandleStatus applies a striker status report to its action row. Strikers
// report completed, failed, rejected, or error; completed persists as
// succeeded. A succeeded report carrying original_action_id is a finished
// rollback, so the original row flips to rolled_back.
func (e *Engine) HandleStatus(ctx context.Context, st model.ActionStatus) {
	if st.ActionID == "" {
		e.log.Warn("action status without action id", "striker_id", st.StrikerID, "action_type", st.ActionType)
		return
	}
	rowStatus := persistedStatus(st.Status)
	if err := e.store.ApplyActionStatus(ctx, &st, rowStatus); err != nil {
		e.log.Error("apply action status", "action_id", st.ActionID, "error", err)
		return
	}
	metrics.ActionStatusReports.WithLabelValues(rowStatus).Inc()
	e.audit.Record(ctx, st.StrikerID, "action_"+rowStatus, st.ActionID, map[string]any{
		"action_type": st.ActionType,
		"result_data": st.ResultData,
	})
	e.log.Info("action status applied", "action_id", st.ActionID, "striker_id", st.StrikerID, "status", rowStatus)

	if rowStatus != model.ActionSucceeded {
		return
	}
	orig, _ := st.ResultData["original_action_id"].(string)
	if orig == "" {
		return
	}
	if err := e.store.MarkActionRolledBack(ctx, orig); err != nil {
		e.log.Warn("mark action rolled back", "action_id", orig, "error", err)
		return
	}
	e.log.Info("action rolled back", "action_id", orig, "rollback_action_id", st.ActionID)
}

// persistedStatus maps a wire status onto the action row status.
func persistedStatus(s string) string {
	if s == model.StatusCompleted {
		return model.ActionSucceeded
	}
	return s
}
