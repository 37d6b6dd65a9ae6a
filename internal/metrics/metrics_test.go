package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	// Vec metrics only appear in Gather output once a label set exists.
	EventsIngested.WithLabelValues("auth")
	AlertsMinted.WithLabelValues("SSH Brute Force Attempt")
	LLMEnrichments.WithLabelValues("fallback")
	ActionsDispatched.WithLabelValues("network_block")
	ActionStatusReports.WithLabelValues("completed")
	VerdictsDecided.WithLabelValues("escalate")
	AgentsByStatus.WithLabelValues("sentinel", "active")
	IOCsCached.WithLabelValues("ip")
	IOCFetches.WithLabelValues("urlhaus", "ok")

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"argus_events_ingested_total":            false,
		"argus_events_deduplicated_total":        false,
		"argus_events_undecodable_total":         false,
		"argus_events_ioc_matched_total":         false,
		"argus_ingest_flush_duration_seconds":    false,
		"argus_ingest_batch_size":                false,
		"argus_alerts_total":                     false,
		"argus_alerts_cooldown_suppressed_total": false,
		"argus_llm_enrichments_total":            false,
		"argus_llm_request_duration_seconds":     false,
		"argus_actions_dispatched_total":         false,
		"argus_action_status_total":              false,
		"argus_verdicts_total":                   false,
		"argus_agents":                           false,
		"argus_heartbeats_received_total":        false,
		"argus_iocs_cached":                      false,
		"argus_ioc_fetches_total":                false,
	}

	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}
