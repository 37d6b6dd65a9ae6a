package decide

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/argus-sec/argus/internal/bus"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/model"
	"github.com/argus-sec/argus/internal/wire"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                         { return f.now }
func (f *fakeClock) After(d time.Duration) <-chan time.Time { return make(chan time.Time) }
func (f *fakeClock) Since(t time.Time) time.Duration        { return f.now.Sub(t) }

type appliedStatus struct {
	status    model.ActionStatus
	rowStatus string
}

type fakeStore struct {
	verdicts   map[string]string
	incidents  []model.Incident
	actions    []model.Action
	applied    []appliedStatus
	rolledBack []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{verdicts: map[string]string{}}
}

func (f *fakeStore) UpdateAlertVerdict(_ context.Context, alertID, verdict string) error {
	f.verdicts[alertID] = verdict
	return nil
}

func (f *fakeStore) InsertIncident(_ context.Context, inc *model.Incident) error {
	f.incidents = append(f.incidents, *inc)
	return nil
}

func (f *fakeStore) InsertAction(_ context.Context, ac *model.Action) error {
	f.actions = append(f.actions, *ac)
	return nil
}

func (f *fakeStore) ApplyActionStatus(_ context.Context, st *model.ActionStatus, rowStatus string) error {
	f.applied = append(f.applied, appliedStatus{status: *st, rowStatus: rowStatus})
	return nil
}

func (f *fakeStore) MarkActionRolledBack(_ context.Context, actionID string) error {
	f.rolledBack = append(f.rolledBack, actionID)
	return nil
}

type fakeBus struct {
	published map[string][][]byte
}

func (f *fakeBus) Publish(subject string, data []byte) error {
	if f.published == nil {
		f.published = map[string][][]byte{}
	}
	f.published[subject] = append(f.published[subject], data)
	return nil
}

func (f *fakeBus) QueueSubscribe(string, string, nats.MsgHandler) (*nats.Subscription, error) {
	return nil, nil
}

type auditEntry struct {
	actor, action, resource string
}

type fakeAudit struct {
	entries []auditEntry
}

func (f *fakeAudit) Record(_ context.Context, actor, action, resource string, _ map[string]any) {
	f.entries = append(f.entries, auditEntry{actor: actor, action: action, resource: resource})
}

type fakeSink struct {
	incidents []model.Incident
	assets    [][]string
}

func (f *fakeSink) HandleIncident(_ context.Context, inc *model.Incident, assets []string) {
	f.incidents = append(f.incidents, *inc)
	f.assets = append(f.assets, assets)
}

func newTestEngine(t *testing.T) (*Engine, *fakeStore, *fakeBus, *fakeAudit, *fakeSink) {
	t.Helper()
	store := newFakeStore()
	b := &fakeBus{}
	aud := &fakeAudit{}
	sink := &fakeSink{}
	log := logging.New(false, "error")
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	d := NewDispatcher(store, b, aud, log, clk)
	e := New(b, store, d, sink, aud, log, clk)
	return e, store, b, aud, sink
}

func alert(severity model.Severity, score int, rule, source string, multiStage bool) model.Alert {
	return model.Alert{
		AlertID:        "al-1",
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		EventIDs:       []string{"ev-1"},
		ThreatScore:    score,
		Severity:       severity,
		Status:         model.AlertNew,
		Verdict:        model.VerdictPending,
		AffectedAssets: []string{source},
		Reasoning: model.Reasoning{
			Rule:         rule,
			Count:        1,
			Source:       source,
			IsMultiStage: multiStage,
		},
	}
}

func dispatchedAction(t *testing.T, b *fakeBus, subject string) model.Action {
	t.Helper()
	msgs := b.published[subject]
	if len(msgs) != 1 {
		t.Fatalf("published %d actions on %s, want 1", len(msgs), subject)
	}
	ac, err := wire.DecodeAction(msgs[0])
	if err != nil {
		t.Fatalf("decode action: %v", err)
	}
	return ac
}

func TestMultiStageCriticalIsolatesHost(t *testing.T) {
	e, store, b, _, sink := newTestEngine(t)
	al := alert(model.SeverityCritical, 100, "Lateral Movement Detection", "10.0.0.7", true)

	e.HandleAlert(context.Background(), al)

	if got := store.verdicts["al-1"]; got != model.VerdictAutoRespond {
		t.Fatalf("verdict = %q, want %q", got, model.VerdictAutoRespond)
	}
	if len(store.actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(store.actions))
	}
	ac := dispatchedAction(t, b, bus.SubjectActionBroadcast)
	if ac.ActionType != "isolate_host" {
		t.Errorf("action_type = %q, want isolate_host", ac.ActionType)
	}
	if ac.Parameters["target"] != "10.0.0.7" || ac.Parameters["alert_id"] != "al-1" {
		t.Errorf("parameters = %v", ac.Parameters)
	}
	if ac.Status != model.ActionQueued || ac.InitiatedBy != "auto" {
		t.Errorf("status=%s initiated_by=%s, want queued/auto", ac.Status, ac.InitiatedBy)
	}
	if len(store.incidents) != 0 || len(sink.incidents) != 0 {
		t.Errorf("auto-respond opened an incident")
	}
}

func TestBruteForceBlocksSourceIP(t *testing.T) {
	e, store, b, _, _ := newTestEngine(t)
	al := alert(model.SeverityHigh, 75, "Brute Force Attack Detection", "203.0.113.9", false)

	e.HandleAlert(context.Background(), al)

	if got := store.verdicts["al-1"]; got != model.VerdictAutoRespond {
		t.Fatalf("verdict = %q, want %q", got, model.VerdictAutoRespond)
	}
	ac := dispatchedAction(t, b, bus.SubjectActionBroadcast)
	if ac.ActionType != "network_block" {
		t.Errorf("action_type = %q, want network_block", ac.ActionType)
	}
	if ac.Parameters["target"] != "203.0.113.9" {
		t.Errorf("target = %v", ac.Parameters["target"])
	}
	if d, ok := ac.Parameters["duration"].(float64); !ok || d != defaultBlockSeconds {
		t.Errorf("duration = %v, want %d", ac.Parameters["duration"], defaultBlockSeconds)
	}
}

func TestBruteForceHostnameSourceIsNotBlocked(t *testing.T) {
	e, store, b, _, _ := newTestEngine(t)
	al := alert(model.SeverityHigh, 75, "Brute Force Attack Detection", "workstation-7", false)

	e.HandleAlert(context.Background(), al)

	if got := store.verdicts["al-1"]; got != model.VerdictDismiss {
		t.Fatalf("verdict = %q, want %q", got, model.VerdictDismiss)
	}
	if len(store.actions) != 0 || len(b.published[bus.SubjectActionBroadcast]) != 0 {
		t.Errorf("hostname source dispatched a network block")
	}
}

func TestCriticalEscalationOpensIncident(t *testing.T) {
	e, store, _, aud, sink := newTestEngine(t)
	al := alert(model.SeverityCritical, 95, "Credential Dumping Attempt", "10.0.0.7", false)
	al.AffectedAssets = []string{"10.0.0.7", "sn-1"}

	e.HandleAlert(context.Background(), al)

	if got := store.verdicts["al-1"]; got != model.VerdictEscalate {
		t.Fatalf("verdict = %q, want %q", got, model.VerdictEscalate)
	}
	if len(store.incidents) != 1 {
		t.Fatalf("incidents = %d, want 1", len(store.incidents))
	}
	inc := store.incidents[0]
	if inc.Type != "credential_dumping_attempt" {
		t.Errorf("incident_type = %q, want credential_dumping_attempt", inc.Type)
	}
	if inc.Status != model.IncidentOpen || inc.Score != 95 || inc.Source != "10.0.0.7" {
		t.Errorf("incident = %+v", inc)
	}
	if len(inc.AlertIDs) != 1 || inc.AlertIDs[0] != "al-1" {
		t.Errorf("alert_ids = %v", inc.AlertIDs)
	}
	if len(inc.Timeline) != 1 {
		t.Errorf("timeline = %v, want one opening entry", inc.Timeline)
	}

	if len(sink.incidents) != 1 || sink.incidents[0].ID != inc.ID {
		t.Fatalf("sink did not receive the incident")
	}
	if len(sink.assets[0]) != 2 || sink.assets[0][0] != "10.0.0.7" {
		t.Errorf("sink assets = %v", sink.assets[0])
	}

	var opened bool
	for _, en := range aud.entries {
		if en.action == "incident_opened" && en.resource == inc.ID {
			opened = true
		}
	}
	if !opened {
		t.Errorf("incident_opened missing from audit trail: %+v", aud.entries)
	}
}

func TestMediumEscalatesWithoutIncident(t *testing.T) {
	e, store, _, _, sink := newTestEngine(t)
	al := alert(model.SeverityMedium, 50, "Abnormal Resource Consumption", "sn-1", false)

	e.HandleAlert(context.Background(), al)

	if got := store.verdicts["al-1"]; got != model.VerdictEscalate {
		t.Fatalf("verdict = %q, want %q", got, model.VerdictEscalate)
	}
	if len(store.incidents) != 0 || len(sink.incidents) != 0 {
		t.Errorf("medium alert opened an incident")
	}
}

func TestLowSeverityIsDismissed(t *testing.T) {
	e, store, b, _, _ := newTestEngine(t)
	al := alert(model.SeverityLow, 25, "Noise", "sn-1", false)

	e.HandleAlert(context.Background(), al)

	if got := store.verdicts["al-1"]; got != model.VerdictDismiss {
		t.Fatalf("verdict = %q, want %q", got, model.VerdictDismiss)
	}
	if len(store.actions) != 0 || len(store.incidents) != 0 {
		t.Errorf("dismissed alert produced side effects")
	}
	if len(b.published[bus.SubjectNotifications]) != 1 {
		t.Errorf("dismissed alert did not notify")
	}
}

func TestEveryVerdictNotifies(t *testing.T) {
	e, _, b, _, _ := newTestEngine(t)
	al := alert(model.SeverityHigh, 75, "Brute Force Attack Detection", "203.0.113.9", false)

	e.HandleAlert(context.Background(), al)

	msgs := b.published[bus.SubjectNotifications]
	if len(msgs) != 1 {
		t.Fatalf("notifications = %d, want 1", len(msgs))
	}
	var n map[string]any
	if err := json.Unmarshal(msgs[0], &n); err != nil {
		t.Fatalf("unmarshal notification: %v", err)
	}
	if n["alert_id"] != "al-1" || n["verdict"] != model.VerdictAutoRespond {
		t.Errorf("notification = %v", n)
	}
	if n["threat_score"] != float64(75) {
		t.Errorf("threat_score = %v, want 75", n["threat_score"])
	}
}

func TestHandleStatusMapsCompletedToSucceeded(t *testing.T) {
	e, store, _, aud, _ := newTestEngine(t)

	e.HandleStatus(context.Background(), model.ActionStatus{
		ActionID:   "ac-1",
		StrikerID:  "st-1",
		ActionType: "network_block",
		Status:     model.StatusCompleted,
	})

	if len(store.applied) != 1 {
		t.Fatalf("applied = %d, want 1", len(store.applied))
	}
	if got := store.applied[0].rowStatus; got != model.ActionSucceeded {
		t.Errorf("row status = %q, want %q", got, model.ActionSucceeded)
	}
	if len(store.rolledBack) != 0 {
		t.Errorf("rollback marked without original_action_id")
	}
	if len(aud.entries) != 1 || aud.entries[0].actor != "st-1" {
		t.Errorf("audit entries = %+v", aud.entries)
	}
}

func TestHandleStatusMarksOriginalRolledBack(t *testing.T) {
	e, store, _, _, _ := newTestEngine(t)

	e.HandleStatus(context.Background(), model.ActionStatus{
		ActionID:   "ac-2",
		StrikerID:  "st-1",
		ActionType: "network_unblock",
		Status:     model.StatusCompleted,
		ResultData: map[string]any{"original_action_id": "ac-1"},
	})

	if len(store.rolledBack) != 1 || store.rolledBack[0] != "ac-1" {
		t.Fatalf("rolledBack = %v, want [ac-1]", store.rolledBack)
	}
}

func TestHandleStatusFailedRollbackLeavesOriginal(t *testing.T) {
	e, store, _, _, _ := newTestEngine(t)

	e.HandleStatus(context.Background(), model.ActionStatus{
		ActionID:   "ac-2",
		StrikerID:  "st-1",
		ActionType: "network_unblock",
		Status:     model.StatusFailed,
		ResultData: map[string]any{"original_action_id": "ac-1"},
	})

	if got := store.applied[0].rowStatus; got != model.ActionFailed {
		t.Errorf("row status = %q, want %q", got, model.ActionFailed)
	}
	if len(store.rolledBack) != 0 {
		t.Errorf("failed rollback still marked the original")
	}
}

func TestHandleStatusWithoutActionIDIsDropped(t *testing.T) {
	e, store, _, _, _ := newTestEngine(t)

	e.HandleStatus(context.Background(), model.ActionStatus{StrikerID: "st-1", Status: model.StatusCompleted})

	if len(store.applied) != 0 {
		t.Errorf("status without action id was applied")
	}
}

func TestDispatcherFillsDefaults(t *testing.T) {
	_, store, b, _, _ := newTestEngine(t)
	d := NewDispatcher(store, b, &fakeAudit{}, logging.New(false, "error"), &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})

	ac := &model.Action{ActionType: "kill_process", Parameters: map[string]any{"pid": 4242}}
	if err := d.Dispatch(context.Background(), ac, bus.ActionSubject("kill_process")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if ac.ActionID == "" || ac.Status != model.ActionQueued || ac.InitiatedBy != "auto" {
		t.Errorf("defaults not filled: %+v", ac)
	}
	if ac.Timestamp.IsZero() {
		t.Errorf("timestamp not set")
	}
	if len(store.actions) != 1 || store.actions[0].ActionID != ac.ActionID {
		t.Errorf("action row not persisted")
	}
	got := dispatchedAction(t, b, bus.ActionSubject("kill_process"))
	if got.ActionID != ac.ActionID || got.ActionType != "kill_process" {
		t.Errorf("published action = %+v", got)
	}
}

func TestDispatcherRejectsMissingType(t *testing.T) {
	_, store, b, _, _ := newTestEngine(t)
	d := NewDispatcher(store, b, &fakeAudit{}, logging.New(false, "error"), &fakeClock{})

	if err := d.Dispatch(context.Background(), &model.Action{}, bus.SubjectActionBroadcast); err == nil {
		t.Fatal("Dispatch accepted an action without a type")
	}
	if len(store.actions) != 0 {
		t.Errorf("typeless action was persisted")
	}
}

func TestIncidentType(t *testing.T) {
	cases := []struct {
		rule, want string
	}{
		{"Brute Force Attack Detection", "brute_force_attack_detection"},
		{"IOC Match - Known Threat", "ioc_match_known_threat"},
		{"Ransomware Behavior!", "ransomware_behavior"},
		{"", "unclassified"},
	}
	for _, tc := range cases {
		t.Run(tc.rule, func(t *testing.T) {
			if got := incidentType(tc.rule); got != tc.want {
				t.Errorf("incidentType(%q) = %q, want %q", tc.rule, got, tc.want)
			}
		})
	}
}
