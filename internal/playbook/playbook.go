// Package playbook runs YAML response playbooks against freshly opened
// incidents. A playbook names a trigger (incident type plus severities) and
// an ordered list of steps; each step is an action template with optional
// numeric guard conditions. Steps dispatch through the decision engine's
// dispatcher, so playbook actions get the same persistence, metrics, and
// audit trail as automatic verdicts.
package playbook

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/argus-sec/argus/internal/bus"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/model"
)

// Step is one action template within a playbook. Conditions and string
// params may reference incident fields as {{incident.field}}; a condition
// that fails to resolve or parse skips the step.
type Step struct {
	Name       string         `yaml:"name"`
	ActionType string         `yaml:"action_type"`
	Params     map[string]any `yaml:"params,omitempty"`
	Conditions []string       `yaml:"conditions,omitempty"`
}

// Trigger decides which incidents a playbook handles. An empty severity
// list matches every severity.
type Trigger struct {
	IncidentType string   `yaml:"incident_type"`
	Severity     []string `yaml:"severity,omitempty"`
}

// Playbook is one parsed playbook file.
type Playbook struct {
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	Description string  `yaml:"description,omitempty"`
	Trigger     Trigger `yaml:"trigger"`
	Steps       []Step  `yaml:"steps"`
}

// IncidentStore records which playbook handled an incident.
type IncidentStore interface {
	SetIncidentPlaybook(ctx context.Context, id, playbookID string) error
}

// Dispatcher hands resolved steps to the response pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, ac *model.Action, subject string) error
}

// Engine matches incidents to playbooks and executes their steps in order.
type Engine struct {
	dir       string
	playbooks []Playbook
	store     IncidentStore
	dispatch  Dispatcher
	log       *logging.Logger
}

func New(dir string, st IncidentStore, d Dispatcher, log *logging.Logger) *Engine {
	return &Engine{dir: dir, store: st, dispatch: d, log: log}
}

// Load reads every *.yaml / *.yml playbook from the configured directory.
// A missing or empty directory gets the sample brute-force playbook written
// into it, so a fresh install always has one working response.
func (e *Engine) Load() error {
	entries, err := os.ReadDir(e.dir)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(e.dir, 0o755); err != nil {
			return fmt.Errorf("create playbook dir: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read playbook dir: %w", err)
	}

	var loaded []Playbook
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(e.dir, name))
		if err != nil {
			e.log.Error("read playbook", "file", name, "error", err)
			continue
		}
		var pb Playbook
		if err := yaml.Unmarshal(data, &pb); err != nil {
			e.log.Error("parse playbook", "file", name, "error", err)
			continue
		}
		if pb.ID == "" {
			pb.ID = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		loaded = append(loaded, pb)
		e.log.Info("loaded playbook", "playbook_id", pb.ID, "file", name)
	}

	if len(loaded) == 0 {
		pb, err := e.writeSample()
		if err != nil {
			return err
		}
		loaded = append(loaded, *pb)
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].ID < loaded[j].ID })
	e.playbooks = loaded
	e.log.Info("playbooks ready", "count", len(loaded))
	return nil
}

func (e *Engine) writeSample() (*Playbook, error) {
	pb := samplePlaybook()
	data, err := yaml.Marshal(pb)
	if err != nil {
		return nil, fmt.Errorf("marshal sample playbook: %w", err)
	}
	path := filepath.Join(e.dir, pb.ID+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write sample playbook: %w", err)
	}
	e.log.Info("wrote sample playbook", "playbook_id", pb.ID, "path", path)
	return &pb, nil
}

// samplePlaybook blocks the source of a critical brute-force incident,
// pulls evidence from the box, and notifies the SOC channel. The trigger
// type matches the slug the decision engine derives from the brute-force
// correlation rule.
func samplePlaybook() Playbook {
	return Playbook{
		ID:          "brute_force_response",
		Name:        "Brute Force Attack Response",
		Description: "Automated response to brute force attacks",
		Trigger: Trigger{
			IncidentType: "brute_force_attack_detection",
			Severity:     []string{"high", "critical"},
		},
		Steps: []Step{
			{
				Name:       "Block Source IP",
				ActionType: "network_block",
				Params: map[string]any{
					"target":   "{{incident.affected_assets[0]}}",
					"duration": 3600,
				},
				Conditions: []string{"{{incident.threat_score}} > 70"},
			},
			{
				Name:       "Collect Evidence",
				ActionType: "collect_evidence",
				Params: map[string]any{
					"asset":     "{{incident.affected_assets[0]}}",
					"artifacts": []string{"network_logs", "auth_logs"},
				},
			},
			{
				Name:       "Notify SOC",
				ActionType: "notify",
				Params: map[string]any{
					"channel": "slack",
					"message": "Brute force attack blocked: {{incident.incident_id}}",
				},
			},
		},
	}
}

// HandleIncident runs the first matching playbook. It is the decision
// engine's incident sink; incidents with no matching playbook are left for
// operators.
func (e *Engine) HandleIncident(ctx context.Context, inc *model.Incident, assets []string) {
	pb := e.match(inc.Type, string(inc.Severity))
	if pb == nil {
		e.log.Info("no playbook for incident", "incident_id", inc.ID, "incident_type", inc.Type)
		return
	}
	e.log.Info("executing playbook", "playbook_id", pb.ID, "incident_id", inc.ID)
	e.run(ctx, pb, inc, assets)
}

// match returns the first playbook (by id order) whose trigger covers the
// incident type and severity.
func (e *Engine) match(incidentType, severity string) *Playbook {
	for i := range e.playbooks {
		pb := &e.playbooks[i]
		if pb.Trigger.IncidentType == "" || pb.Trigger.IncidentType != incidentType {
			continue
		}
		if len(pb.Trigger.Severity) == 0 {
			return pb
		}
		for _, s := range pb.Trigger.Severity {
			if s == severity {
				return pb
			}
		}
	}
	return nil
}

func (e *Engine) run(ctx context.Context, pb *Playbook, inc *model.Incident, assets []string) {
	tctx := templateContext(inc, assets)
	executed := 0
	for _, step := range pb.Steps {
		if !conditionsMet(step.Conditions, tctx) {
			e.log.Info("skipping step", "playbook_id", pb.ID, "step", step.Name)
			continue
		}
		ac := &model.Action{
			IncidentID:  inc.ID,
			ActionType:  step.ActionType,
			Parameters:  resolveParams(step.Params, tctx),
			InitiatedBy: "playbook:" + pb.ID,
		}
		if err := e.dispatch.Dispatch(ctx, ac, bus.ActionSubject(step.ActionType)); err != nil {
			e.log.Error("dispatch playbook step", "playbook_id", pb.ID, "step", step.Name, "error", err)
			continue
		}
		executed++
	}
	e.log.Info("playbook finished", "playbook_id", pb.ID, "incident_id", inc.ID, "steps_executed", executed)

	if err := e.store.SetIncidentPlaybook(ctx, inc.ID, pb.ID); err != nil {
		e.log.Warn("record playbook on incident", "incident_id", inc.ID, "error", err)
	}
}

// templateContext exposes incident fields under the "incident" key, which is
// what step templates reference. When the alert carried no affected assets
// the incident source stands in, so {{incident.affected_assets[0]}} still
// resolves for source-driven incidents.
func templateContext(inc *model.Incident, assets []string) map[string]any {
	if len(assets) == 0 && inc.Source != "" {
		assets = []string{inc.Source}
	}
	return map[string]any{
		"incident": map[string]any{
			"incident_id":     inc.ID,
			"incident_type":   inc.Type,
			"severity":        string(inc.Severity),
			"threat_score":    inc.Score,
			"score":           inc.Score,
			"source":          inc.Source,
			"affected_assets": assets,
			"alert_ids":       inc.AlertIDs,
		},
	}
}

var templateRe = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// resolveString substitutes {{path}} placeholders. Unresolvable paths keep
// the original placeholder text, which makes a later condition parse fail
// closed instead of comparing garbage.
func resolveString(s string, tctx map[string]any) string {
	return templateRe.ReplaceAllStringFunc(s, func(m string) string {
		path := strings.TrimSpace(m[2 : len(m)-2])
		v, ok := lookup(path, tctx)
		if !ok {
			return m
		}
		return fmt.Sprintf("%v", v)
	})
}

// lookup walks a dotted path with optional [N] array access, e.g.
// incident.affected_assets[0].
func lookup(path string, tctx map[string]any) (any, bool) {
	var cur any = tctx
	for _, part := range strings.Split(path, ".") {
		field := part
		idx := -1
		if i := strings.IndexByte(part, '['); i >= 0 && strings.HasSuffix(part, "]") {
			n, err := strconv.Atoi(part[i+1 : len(part)-1])
			if err != nil || n < 0 {
				return nil, false
			}
			field, idx = part[:i], n
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[field]; !ok {
			return nil, false
		}
		if idx >= 0 {
			switch s := cur.(type) {
			case []string:
				if idx >= len(s) {
					return nil, false
				}
				cur = s[idx]
			case []any:
				if idx >= len(s) {
					return nil, false
				}
				cur = s[idx]
			default:
				return nil, false
			}
		}
	}
	return cur, true
}

func resolveParams(params map[string]any, tctx map[string]any) map[string]any {
	resolved := make(map[string]any, len(params))
	for k, v := range params {
		if s, ok := v.(string); ok {
			resolved[k] = resolveString(s, tctx)
		} else {
			resolved[k] = v
		}
	}
	return resolved
}

func conditionsMet(conditions []string, tctx map[string]any) bool {
	for _, cond := range conditions {
		if !evalCondition(cond, tctx) {
			return false
		}
	}
	return true
}

// evalCondition resolves templates then evaluates a single "lhs op rhs"
// comparison. Both sides numeric get numeric comparison; otherwise only
// == and != apply, as string equality. Anything unparseable is false.
func evalCondition(cond string, tctx map[string]any) bool {
	fields := strings.Fields(resolveString(cond, tctx))
	if len(fields) != 3 {
		return false
	}
	lhs, op, rhs := fields[0], fields[1], fields[2]

	ln, lerr := strconv.ParseFloat(lhs, 64)
	rn, rerr := strconv.ParseFloat(rhs, 64)
	if lerr == nil && rerr == nil {
		switch op {
		case ">":
			return ln > rn
		case "<":
			return ln < rn
		case ">=":
			return ln >= rn
		case "<=":
			return ln <= rn
		case "==":
			return ln == rn
		case "!=":
			return ln != rn
		}
		return false
	}
	switch op {
	case "==":
		return lhs == rhs
	case "!=":
		return lhs != rhs
	}
	return false
}
