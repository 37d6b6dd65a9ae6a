package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "argus_events_ingested_total",
		Help: "Events accepted by the ingest pipeline by event class.",
	}, []string{"event_class"})
	EventsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "argus_events_deduplicated_total",
		Help: "Events dropped as duplicates inside the dedup window.",
	})
	EventsUndecodable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "argus_events_undecodable_total",
		Help: "Payloads that decoded as neither binary nor JSON events.",
	})
	EventsIOCMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "argus_events_ioc_matched_total",
		Help: "Events promoted to critical by a threat-intel match.",
	})
	IngestFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "argus_ingest_flush_duration_seconds",
		Help:    "Duration of event batch flushes to the store.",
		Buckets: prometheus.DefBuckets,
	})
	IngestBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "argus_ingest_batch_size",
		Help:    "Events per flushed batch.",
		Buckets: []float64{1, 10, 50, 100, 250, 500},
	})
	AlertsMinted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "argus_alerts_total",
		Help: "Alerts minted by the correlation engine by rule.",
	}, []string{"rule"})
	AlertsCooldownSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "argus_alerts_cooldown_suppressed_total",
		Help: "Alerts persisted but not sent to enrichment due to cooldown.",
	})
	LLMEnrichments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "argus_llm_enrichments_total",
		Help: "Alert enrichments by outcome (llm, cache, fallback).",
	}, []string{"outcome"})
	LLMRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "argus_llm_request_duration_seconds",
		Help:    "Latency of inference calls.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 45},
	})
	ActionsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "argus_actions_dispatched_total",
		Help: "Response actions dispatched by action type.",
	}, []string{"action_type"})
	ActionStatusReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "argus_action_status_total",
		Help: "Striker status reports received by outcome.",
	}, []string{"status"})
	VerdictsDecided = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "argus_verdicts_total",
		Help: "Decision engine verdicts by kind.",
	}, []string{"verdict"})
	AgentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "argus_agents",
		Help: "Registered agents by type and status.",
	}, []string{"agent_type", "status"})
	HeartbeatsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "argus_heartbeats_received_total",
		Help: "Heartbeats consumed from the bus and HTTP fallback.",
	})
	IOCsCached = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "argus_iocs_cached",
		Help: "Indicators currently cached by type.",
	}, []string{"ioc_type"})
	IOCFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "argus_ioc_fetches_total",
		Help: "Threat-intel feed fetches by feed and outcome.",
	}, []string{"feed", "outcome"})
)
