// Package llm turns alert bundles into plain-English attack narratives via a
// local Ollama endpoint. The endpoint is optional: a circuit breaker guards
// the calls and a deterministic rule-based narrative serves whenever the
// model is unreachable, slow, or returns garbage.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"

	"github.com/argus-sec/argus/internal/bus"
	"github.com/argus-sec/argus/internal/clock"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/metrics"
	"github.com/argus-sec/argus/internal/model"
	"github.com/argus-sec/argus/internal/wire"
)

const (
	generateTimeout = 45 * time.Second
	healthTimeout   = 10 * time.Second
	narrativeTTL    = time.Hour
	maxSummaries    = 5
)

// systemPrompt instructs the model to answer in strict JSON. The \n inside
// the example remediation is literal; it shows the model the separator.
const systemPrompt = `You are a senior cybersecurity analyst AI assistant. Analyze the security alert bundle provided and return ONLY a JSON object (no markdown, no explanation outside the JSON) with exactly four keys:
  "narrative": a concise 2-4 sentence plain-English description of the attack,
  "mitre_tactic": the most relevant MITRE ATT&CK tactic name (e.g. 'Lateral Movement'),
  "mitre_technique": the most relevant technique ID and name (e.g. 'T1021 - Remote Services'),
  "remediation": a numbered list of 3-5 specific, actionable remediation steps as a single string with steps separated by newlines (e.g. '1. Isolate the affected host immediately.\n2. Reset compromised credentials.\n3. Review firewall rules for unauthorized outbound connections.').
Focus on what the attacker likely did, why it is dangerous, and what MITRE stage it represents.`

// Narrative is the structured model output persisted onto the alert.
type Narrative struct {
	Narrative      string `json:"narrative"`
	MitreTactic    string `json:"mitre_tactic"`
	MitreTechnique string `json:"mitre_technique"`
	Remediation    string `json:"remediation"`
}

// Cache memoizes narratives so redelivered bundles do not hit the model
// twice.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// AlertStore persists the four llm_* columns.
type AlertStore interface {
	UpdateAlertLLM(ctx context.Context, alertID, narrative, tactic, technique, remediation string) error
}

// Bus is the subscribe/publish surface the enricher needs.
type Bus interface {
	QueueSubscribe(subject, queue string, h nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
}

// Enricher consumes llm.analyze and republishes enriched alerts on alerts.
type Enricher struct {
	bus     Bus
	cache   Cache
	store   AlertStore
	log     *logging.Logger
	clock   clock.Clock
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	url     string
	model   string
}

func New(b Bus, c Cache, store AlertStore, log *logging.Logger, clk clock.Clock, ollamaURL, modelName string) *Enricher {
	return &Enricher{
		bus:    b,
		cache:  c,
		store:  store,
		log:    log,
		clock:  clk,
		client: &http.Client{Timeout: generateTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ollama",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		url:   strings.TrimRight(ollamaURL, "/"),
		model: modelName,
	}
}

// Run probes the endpoint once, then consumes bundles until ctx is
// cancelled.
func (e *Enricher) Run(ctx context.Context) error {
	if h := e.CheckHealth(ctx); h.Reachable {
		e.log.Info("llm endpoint reachable", "url", e.url, "model", e.model, "model_present", h.ModelPresent)
	} else {
		e.log.Warn("llm endpoint unreachable, serving fallback narratives", "url", e.url, "error", h.Error)
	}

	sub, err := e.bus.QueueSubscribe(bus.SubjectLLMAnalyze, bus.QueueEnricher, func(msg *nats.Msg) {
		e.handleBundle(ctx, msg.Data)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	<-ctx.Done()
	return nil
}

func (e *Enricher) handleBundle(ctx context.Context, data []byte) {
	var bundle model.AlertBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		e.log.Warn("dropping malformed alert bundle", "error", err)
		return
	}
	if bundle.AlertID == "" {
		return
	}

	nar := e.narrativeFor(ctx, bundle)

	if err := e.store.UpdateAlertLLM(ctx, bundle.AlertID, nar.Narrative, nar.MitreTactic, nar.MitreTechnique, nar.Remediation); err != nil {
		e.log.Error("persist narrative failed", "alert_id", bundle.AlertID, "error", err)
	}

	enriched := enrichedAlert(bundle, nar, e.clock.Now())
	if err := e.bus.Publish(bus.SubjectAlerts, wire.EncodeAlert(enriched)); err != nil {
		e.log.Warn("enriched alert publish failed", "alert_id", bundle.AlertID, "error", err)
		return
	}
	e.log.Info("alert enriched", "alert_id", bundle.AlertID, "severity", bundle.Severity)
}

// narrativeFor returns the cached narrative when present, otherwise asks the
// model and memoizes whatever it ends up with, fallback included, so a
// redelivery in the next hour is free.
func (e *Enricher) narrativeFor(ctx context.Context, bundle model.AlertBundle) Narrative {
	key := "llm:narrative:" + bundle.AlertID
	if raw, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		var n Narrative
		if json.Unmarshal([]byte(raw), &n) == nil {
			metrics.LLMEnrichments.WithLabelValues("cached").Inc()
			return n
		}
	}

	n, err := e.generate(ctx, bundle)
	if err != nil {
		e.log.Warn("llm generate failed, using fallback narrative", "alert_id", bundle.AlertID, "error", err)
		n = fallback(bundle.Reasoning)
		metrics.LLMEnrichments.WithLabelValues("fallback").Inc()
	} else {
		metrics.LLMEnrichments.WithLabelValues("generated").Inc()
	}

	if data, err := json.Marshal(n); err == nil {
		if err := e.cache.Set(ctx, key, string(data), narrativeTTL); err != nil {
			e.log.Warn("narrative cache write failed", "alert_id", bundle.AlertID, "error", err)
		}
	}
	return n
}

func (e *Enricher) generate(ctx context.Context, bundle model.AlertBundle) (Narrative, error) {
	r := bundle.Reasoning
	summaries := bundle.EventSummaries
	if len(summaries) > maxSummaries {
		summaries = summaries[:maxSummaries]
	}
	promptCtx, err := json.MarshalIndent(map[string]any{
		"rule":             r.Rule,
		"description":      r.Description,
		"source":           r.Source,
		"mitre_tactics":    r.MitreTactics,
		"mitre_techniques": r.MitreTechniques,
		"event_count":      r.Count,
		"is_multi_stage":   r.IsMultiStage,
		"event_summaries":  summaries,
	}, "", "  ")
	if err != nil {
		return Narrative{}, fmt.Errorf("marshal prompt context: %w", err)
	}
	prompt := systemPrompt + "\n\nAlert bundle:\n" + string(promptCtx) + "\n\nJSON response:"

	start := e.clock.Now()
	out, err := e.breaker.Execute(func() (any, error) {
		return e.post(ctx, prompt)
	})
	metrics.LLMRequestDuration.Observe(e.clock.Since(start).Seconds())
	if err != nil {
		return Narrative{}, err
	}

	var n Narrative
	if err := json.Unmarshal([]byte(out.(string)), &n); err != nil {
		return Narrative{}, fmt.Errorf("model returned malformed JSON: %w", err)
	}
	if n.Narrative == "" {
		n.Narrative = fallbackNarrative(r)
	}
	return n, nil
}

func (e *Enricher) post(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model":  e.model,
		"prompt": prompt,
		"stream": false,
		"format": "json",
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	return out.Response, nil
}

// fallback builds the deterministic narrative used when the model cannot.
func fallback(r model.Reasoning) Narrative {
	return Narrative{
		Narrative:      fallbackNarrative(r),
		MitreTactic:    strings.Join(r.MitreTactics, ", "),
		MitreTechnique: strings.Join(r.MitreTechniques, ", "),
		Remediation:    fallbackRemediation(r),
	}
}

func fallbackNarrative(r model.Reasoning) string {
	rule := r.Rule
	if rule == "" {
		rule = "Unknown rule"
	}
	source := r.Source
	if source == "" {
		source = "unknown source"
	}
	tactics := "unknown"
	if len(r.MitreTactics) > 0 {
		tactics = strings.Join(r.MitreTactics, ", ")
	}
	multi := ""
	if r.IsMultiStage {
		multi = " This is a multi-stage attack pattern."
	}
	return fmt.Sprintf(
		"Alert '%s' triggered for source %s. %d matching event(s) observed.%s Associated MITRE tactics: %s. Manual analyst review recommended.",
		rule, source, r.Count, multi, tactics,
	)
}

func fallbackRemediation(r model.Reasoning) string {
	rule := r.Rule
	if rule == "" {
		rule = "Unknown rule"
	}
	return fmt.Sprintf("1. Investigate the triggered rule: '%s'.\n", rule) +
		"2. Review system and application logs on all affected hosts for anomalous activity.\n" +
		"3. Isolate any confirmed compromised hosts from the network pending investigation.\n" +
		"4. Apply relevant firewall rules or access control restrictions as a precaution.\n" +
		"5. Escalate to your security team and document findings in your incident response system."
}

// enrichedAlert carries the bundle plus the narrative to the decision
// engine. The llm_* fields ride both on the alert and inside reasoning so a
// JSON consumer sees them without knowing the alert schema.
func enrichedAlert(bundle model.AlertBundle, n Narrative, now time.Time) model.Alert {
	reasoning := bundle.Reasoning
	reasoning.LLMNarrative = n.Narrative
	reasoning.LLMMitreTactic = n.MitreTactic
	reasoning.LLMMitreTechnique = n.MitreTechnique
	return model.Alert{
		AlertID:           bundle.AlertID,
		CreatedAt:         now.UTC(),
		EventIDs:          bundle.EventIDs,
		ThreatScore:       bundle.ThreatScore,
		Severity:          bundle.Severity,
		Status:            model.AlertNew,
		Verdict:           model.VerdictPending,
		AffectedAssets:    bundle.AffectedAssets,
		Reasoning:         reasoning,
		LLMNarrative:      n.Narrative,
		LLMMitreTactic:    n.MitreTactic,
		LLMMitreTechnique: n.MitreTechnique,
		LLMRemediation:    n.Remediation,
	}
}

// Health is what the API's health endpoint reports about the model.
type Health struct {
	Reachable    bool   `json:"reachable"`
	ModelPresent bool   `json:"model_present"`
	Model        string `json:"model"`
	Error        string `json:"error,omitempty"`
}

// CheckHealth probes the tag-listing endpoint. It reports rather than
// errors; a down model is a degraded state, not a failure.
func (e *Enricher) CheckHealth(ctx context.Context) Health {
	h := Health{Model: e.model}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url+"/api/tags", nil)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	resp, err := e.client.Do(req)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		h.Error = fmt.Sprintf("ollama returned %d", resp.StatusCode)
		return h
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		h.Error = fmt.Sprintf("decode tags: %v", err)
		return h
	}
	h.Reachable = true
	for _, m := range tags.Models {
		// "llama3" matches both "llama3" and "llama3:latest".
		if m.Name == e.model || strings.HasPrefix(m.Name, e.model+":") {
			h.ModelPresent = true
			break
		}
	}
	return h
}
