// Package correlate turns the post-ingest event flow into alerts. Nine
// static rules cover the attack patterns the platform detects; simple rules
// count matching events per source in the cache, multi-stage rules scan a
// per-source buffer of the last hour.
package correlate

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/argus-sec/argus/internal/model"
)

// Stage is one step of a multi-stage rule. Equals fields must match exactly,
// Contains fields must contain any of the listed substrings
// (case-insensitive). Within bounds how far back in the buffer the stage
// looks; zero means the whole buffer.
type Stage struct {
	EventClass     string
	Equals         map[string]any
	Contains       map[string][]string
	MinOccurrences int
	Within         time.Duration
}

// Rule is a static detection descriptor. Exactly one of Pattern (simple) or
// Stages (multi-stage) is set.
type Rule struct {
	ID          string
	Name        string
	Description string

	// Simple shape: count pattern matches per source.
	Pattern   map[string]any
	Threshold int
	Window    time.Duration

	// Multi-stage shape: every stage must be satisfied in the buffer.
	Stages []Stage

	Severity        model.Severity
	MitreTactics    []string
	MitreTechniques []string
}

// MultiStage reports whether the rule uses the staged shape.
func (r Rule) MultiStage() bool { return len(r.Stages) > 0 }

// Rules is the production rule table, evaluated in order on every event.
var Rules = []Rule{
	{
		ID:          "brute_force",
		Name:        "Brute Force Attack Detection",
		Description: "Detects multiple failed authentication attempts from the same source",
		Pattern: map[string]any{
			"event_class": "authentication",
			"outcome":     "failure",
		},
		Threshold:       5,
		Window:          60 * time.Second,
		Severity:        model.SeverityHigh,
		MitreTactics:    []string{"TA0001"},
		MitreTechniques: []string{"T1110"},
	},
	{
		ID:          "lateral_movement",
		Name:        "Lateral Movement Detection",
		Description: "Detects suspicious lateral movement patterns",
		Stages: []Stage{
			{
				EventClass:     "authentication",
				Equals:         map[string]any{"outcome": "success"},
				MinOccurrences: 1,
			},
			{
				EventClass:     "process",
				Contains:       map[string][]string{"process_name": {"psexec", "wmic", "powershell"}},
				MinOccurrences: 1,
				Within:         300 * time.Second,
			},
		},
		Severity:        model.SeverityCritical,
		MitreTactics:    []string{"TA0008"},
		MitreTechniques: []string{"T1021"},
	},
	{
		ID:          "data_exfiltration",
		Name:        "Data Exfiltration Detection",
		Description: "Detects large outbound data transfers",
		Pattern: map[string]any{
			"event_class":     "network",
			"direction":       "outbound",
			"bytes_threshold": float64(1048576),
		},
		Threshold:       3,
		Window:          120 * time.Second,
		Severity:        model.SeverityCritical,
		MitreTactics:    []string{"TA0010"},
		MitreTechniques: []string{"T1041"},
	},
	{
		ID:          "credential_dumping",
		Name:        "Credential Dumping Detection",
		Description: "Detects tools commonly used for credential theft",
		Pattern: map[string]any{
			"event_class":        "process",
			"process_name_regex": regexp.MustCompile(`(?i)(mimikatz|procdump|lsass|pwdump)`),
		},
		Threshold:       1,
		Window:          60 * time.Second,
		Severity:        model.SeverityCritical,
		MitreTactics:    []string{"TA0006"},
		MitreTechniques: []string{"T1003"},
	},
	{
		ID:          "ransomware_behavior",
		Name:        "Ransomware Behavior Detection",
		Description: "Detects file encryption patterns typical of ransomware",
		Stages: []Stage{
			{
				EventClass:     "file",
				Contains:       map[string][]string{"action": {"modify", "rename"}},
				MinOccurrences: 10,
				Within:         60 * time.Second,
			},
			{
				EventClass: "process",
				Contains: map[string][]string{
					"process_name": {"vssadmin", "wbadmin", "bcdedit"},
					"action":       {"delete", "shadows"},
				},
				MinOccurrences: 1,
				Within:         120 * time.Second,
			},
		},
		Severity:        model.SeverityCritical,
		MitreTactics:    []string{"TA0040"},
		MitreTechniques: []string{"T1486"},
	},
	{
		ID:   "ioc_match",
		Name: "Threat Intel IOC Match",
		Description: "An event's raw data matched a known-malicious Indicator of Compromise " +
			"(IP, domain, URL, or file hash) from the threat intelligence feed.",
		Pattern: map[string]any{
			"ioc_matched": true,
		},
		Threshold:       1,
		Window:          300 * time.Second,
		Severity:        model.SeverityCritical,
		MitreTactics:    []string{"TA0043"},
		MitreTechniques: []string{"T1595"},
	},
	{
		ID:   "high_cpu_usage",
		Name: "Sustained High CPU Usage",
		Description: "A monitored endpoint is reporting sustained high CPU utilisation, " +
			"which may indicate a crypto-miner, denial-of-service, or runaway process.",
		Pattern: map[string]any{
			"event_class":       "endpoint",
			"description_regex": regexp.MustCompile(`(?i)High CPU Usage`),
		},
		Threshold:       1,
		Window:          120 * time.Second,
		Severity:        model.SeverityHigh,
		MitreTactics:    []string{"TA0040"},
		MitreTechniques: []string{"T1496"},
	},
	{
		ID:          "high_memory_usage",
		Name:        "Sustained High Memory Usage",
		Description: "A monitored endpoint is reporting sustained high memory utilisation.",
		Pattern: map[string]any{
			"event_class":       "endpoint",
			"description_regex": regexp.MustCompile(`(?i)High Memory Usage`),
		},
		Threshold:       1,
		Window:          120 * time.Second,
		Severity:        model.SeverityHigh,
		MitreTactics:    []string{"TA0040"},
		MitreTechniques: []string{"T1496"},
	},
	{
		ID:   "honeytoken_access",
		Name: "Honeytoken File Access",
		Description: "A deception honeytoken file was accessed. Legitimate users never interact " +
			"with these files, so any access indicates an active attacker or malicious " +
			"insider performing reconnaissance.",
		Pattern: map[string]any{
			"event_class": "honeytoken_access",
		},
		Threshold:       1,
		Window:          3600 * time.Second,
		Severity:        model.SeverityCritical,
		MitreTactics:    []string{"TA0009"},
		MitreTechniques: []string{"T1083"},
	},
}

// matchPattern evaluates a simple rule's pattern against an event. Keys with
// the _threshold suffix require a numeric raw field ≥ the value, _regex keys
// apply their precompiled case-insensitive regex, event_class matches the
// event's class, and everything else is an equality check on raw_data.
func matchPattern(pattern map[string]any, ev model.Event) bool {
	for key, want := range pattern {
		switch {
		case key == "event_class":
			if ev.EventClass != want {
				return false
			}
		case strings.HasSuffix(key, "_threshold"):
			field := strings.TrimSuffix(key, "_threshold")
			got, ok := numeric(ev.RawData[field])
			limit, _ := numeric(want)
			if !ok || got < limit {
				return false
			}
		case strings.HasSuffix(key, "_regex"):
			field := strings.TrimSuffix(key, "_regex")
			re, ok := want.(*regexp.Regexp)
			if !ok {
				return false
			}
			s, ok := ev.RawData[field].(string)
			if !ok || !re.MatchString(s) {
				return false
			}
		default:
			if !valueEquals(ev.RawData[key], want) {
				return false
			}
		}
	}
	return true
}

// matchStage checks the non-temporal part of a stage against an event. The
// caller applies the Within window when scanning the buffer.
func matchStage(stage Stage, ev model.Event) bool {
	if stage.EventClass != "" && ev.EventClass != stage.EventClass {
		return false
	}
	for field, want := range stage.Equals {
		if !valueEquals(ev.RawData[field], want) {
			return false
		}
	}
	for field, subs := range stage.Contains {
		s, ok := ev.RawData[field].(string)
		if !ok {
			return false
		}
		if !containsAny(strings.ToLower(s), subs) {
			return false
		}
	}
	return true
}

func containsAny(lowered string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(lowered, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// valueEquals compares a raw field against a pattern value, coercing numbers
// so a JSON float64 still matches an int descriptor.
func valueEquals(got, want any) bool {
	if gf, ok := numeric(got); ok {
		if wf, ok := numeric(want); ok {
			return gf == wf
		}
	}
	return got == want
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
