package correlate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/argus-sec/argus/internal/bus"
	"github.com/argus-sec/argus/internal/clock"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/metrics"
	"github.com/argus-sec/argus/internal/model"
	"github.com/argus-sec/argus/internal/wire"
	"github.com/google/uuid"
)

const (
	// bufferAge is how much per-source history multi-stage rules can see.
	bufferAge = time.Hour

	// cooldownTTL suppresses LLM dispatch for a recurring (rule, source).
	cooldownTTL = 300 * time.Second

	// maxSummaries caps the event snapshots carried to the LLM.
	maxSummaries = 5
)

// baseScores anchors the threat score to the rule severity.
var baseScores = map[model.Severity]int{
	model.SeverityCritical: 90,
	model.SeverityHigh:     75,
	model.SeverityMedium:   50,
	model.SeverityLow:      25,
	model.SeverityInfo:     10,
}

// Windows is the cache surface used for counters and cooldowns.
type Windows interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// AlertStore persists minted alerts.
type AlertStore interface {
	InsertAlert(ctx context.Context, al *model.Alert) error
}

// Publisher carries alert bundles to the LLM enricher.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Subscriber is the queue-subscription surface of the bus.
type Subscriber interface {
	QueueSubscribe(subject, queue string, h nats.MsgHandler) (*nats.Subscription, error)
}

// Engine consumes post-ingest events and mints alerts. Rules are per-source,
// so queue-group reordering across sources is harmless.
type Engine struct {
	bus     Subscriber
	windows Windows
	store   AlertStore
	out     Publisher
	log     *logging.Logger
	clock   clock.Clock
	rules   []Rule

	buffers *sourceBuffers
}

func New(sub Subscriber, windows Windows, store AlertStore, out Publisher, log *logging.Logger, clk clock.Clock) *Engine {
	return &Engine{
		bus:     sub,
		windows: windows,
		store:   store,
		out:     out,
		log:     log,
		clock:   clk,
		rules:   Rules,
		buffers: newSourceBuffers(),
	}
}

// Run subscribes on the internal event subject and evaluates rules until ctx
// is cancelled. A background sweep trims buffers of idle sources.
func (e *Engine) Run(ctx context.Context) error {
	sub, err := e.bus.QueueSubscribe(bus.SubjectInternalEvents, bus.QueueCorrelator, func(msg *nats.Msg) {
		ev, err := wire.DecodeEvent(msg.Data)
		if err != nil {
			e.log.Warn("dropping undecodable internal event", "error", err)
			return
		}
		e.Process(ctx, ev)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-e.clock.After(5 * time.Minute):
			e.buffers.trimAll(e.clock.Now().Add(-bufferAge))
		case <-ctx.Done():
			return nil
		}
	}
}

// Process runs one event through every rule.
func (e *Engine) Process(ctx context.Context, ev model.Event) {
	source := sourceOf(ev)
	now := e.clock.Now()
	e.buffers.add(source, ev, now.Add(-bufferAge))

	for _, rule := range e.rules {
		if rule.MultiStage() {
			e.evalMultiStage(ctx, rule, source, now)
			continue
		}
		if matchPattern(rule.Pattern, ev) {
			e.evalSimple(ctx, rule, source, ev, now)
		}
	}
}

// sourceOf picks the correlation key: the event's source_ip when present,
// otherwise the emitting sentinel.
func sourceOf(ev model.Event) string {
	if ip, ok := ev.RawData["source_ip"].(string); ok && ip != "" {
		return ip
	}
	return ev.SentinelID
}

// evalSimple counts the match in the cache and mints when the counter
// reaches the rule threshold. The counter TTL starts with the first event,
// so the window is anchored there.
func (e *Engine) evalSimple(ctx context.Context, rule Rule, source string, ev model.Event, now time.Time) {
	key := "corr:" + rule.ID + ":" + source
	n, err := e.windows.Incr(ctx, key, rule.Window)
	if err != nil {
		// Degrade rather than stall: without the cache no simple rule can
		// count, but event flow continues.
		e.log.Warn("correlation counter unavailable", "rule", rule.ID, "error", err)
		return
	}
	if n < int64(rule.Threshold) {
		return
	}
	if err := e.windows.Del(ctx, key); err != nil {
		e.log.Warn("correlation counter delete failed", "rule", rule.ID, "error", err)
	}

	matched := e.buffers.collect(source, func(buffered model.Event) bool {
		return matchPattern(rule.Pattern, buffered) && now.Sub(buffered.Timestamp) <= rule.Window
	})
	if len(matched) == 0 {
		matched = []model.Event{ev}
	}
	e.mint(ctx, rule, source, matched, int(n), now)
}

// evalMultiStage scans the source buffer for every stage. All stages
// satisfied mints an alert and clears the buffer so the same chain is not
// reported twice.
func (e *Engine) evalMultiStage(ctx context.Context, rule Rule, source string, now time.Time) {
	var involved []model.Event
	for _, stage := range rule.Stages {
		matched := e.buffers.collect(source, func(buffered model.Event) bool {
			if stage.Within > 0 && now.Sub(buffered.Timestamp) > stage.Within {
				return false
			}
			return matchStage(stage, buffered)
		})
		if len(matched) < stage.MinOccurrences {
			return
		}
		involved = append(involved, matched...)
	}
	e.buffers.clear(source)
	e.mint(ctx, rule, source, dedupEvents(involved), len(involved), now)
}

// mint persists the alert, then dispatches the bundle to the LLM unless the
// (rule, source) pair is in cooldown. Persist failures do not block
// dispatch; response latency outranks row completeness.
func (e *Engine) mint(ctx context.Context, rule Rule, source string, events []model.Event, count int, now time.Time) {
	alert := model.Alert{
		AlertID:        uuid.NewString(),
		CreatedAt:      now.UTC(),
		EventIDs:       eventIDs(events),
		ThreatScore:    threatScore(rule),
		Severity:       rule.Severity,
		Status:         model.AlertNew,
		Verdict:        model.VerdictPending,
		AffectedAssets: affectedAssets(source, events),
		Reasoning: model.Reasoning{
			Rule:            rule.Name,
			Description:     rule.Description,
			MitreTactics:    rule.MitreTactics,
			MitreTechniques: rule.MitreTechniques,
			Count:           count,
			Source:          source,
			IsMultiStage:    rule.MultiStage(),
		},
	}

	if err := e.store.InsertAlert(ctx, &alert); err != nil {
		e.log.Error("alert persist failed", "alert_id", alert.AlertID, "rule", rule.ID, "error", err)
	}
	metrics.AlertsMinted.WithLabelValues(rule.ID).Inc()
	e.log.Info("alert minted",
		"alert_id", alert.AlertID,
		"rule", rule.ID,
		"source", source,
		"severity", alert.Severity,
		"threat_score", alert.ThreatScore,
	)

	cooldownKey := "alert_cooldown:" + rule.ID + ":" + source
	fresh, err := e.windows.SetNX(ctx, cooldownKey, "1", cooldownTTL)
	if err != nil {
		e.log.Warn("cooldown check failed, dispatching anyway", "rule", rule.ID, "error", err)
	} else if !fresh {
		// Recurring condition: the row above keeps the record, but the LLM
		// does not need to see it again.
		metrics.AlertsCooldownSuppressed.Inc()
		return
	}

	bundle := model.AlertBundle{
		AlertID:        alert.AlertID,
		Reasoning:      alert.Reasoning,
		ThreatScore:    alert.ThreatScore,
		Severity:       alert.Severity,
		EventIDs:       alert.EventIDs,
		AffectedAssets: alert.AffectedAssets,
		EventSummaries: summarize(events),
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		e.log.Error("bundle marshal failed", "alert_id", alert.AlertID, "error", err)
		return
	}
	if err := e.out.Publish(bus.SubjectLLMAnalyze, data); err != nil {
		e.log.Warn("bundle publish failed", "alert_id", alert.AlertID, "error", err)
	}
}

// threatScore derives the score from the rule severity; multi-stage chains
// score higher, and a honeytoken touch is always maximal confidence.
func threatScore(rule Rule) int {
	if rule.ID == "honeytoken_access" {
		return 100
	}
	score := baseScores[rule.Severity]
	if rule.MultiStage() {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

func eventIDs(events []model.Event) []string {
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.EventID)
	}
	return ids
}

// affectedAssets lists the source first, then any distinct sentinels that
// contributed events.
func affectedAssets(source string, events []model.Event) []string {
	assets := []string{source}
	seen := map[string]bool{source: true}
	for _, ev := range events {
		if ev.SentinelID == "" || seen[ev.SentinelID] {
			continue
		}
		seen[ev.SentinelID] = true
		assets = append(assets, ev.SentinelID)
	}
	return assets
}

// summarize keeps the newest maxSummaries snapshots.
func summarize(events []model.Event) []model.EventSummary {
	start := 0
	if len(events) > maxSummaries {
		start = len(events) - maxSummaries
	}
	out := make([]model.EventSummary, 0, len(events)-start)
	for _, ev := range events[start:] {
		out = append(out, model.EventSummary{
			EventID:    ev.EventID,
			Timestamp:  ev.Timestamp,
			EventClass: ev.EventClass,
			Severity:   ev.Severity,
		})
	}
	return out
}

func dedupEvents(events []model.Event) []model.Event {
	seen := map[string]bool{}
	out := events[:0]
	for _, ev := range events {
		if seen[ev.EventID] {
			continue
		}
		seen[ev.EventID] = true
		out = append(out, ev)
	}
	return out
}
