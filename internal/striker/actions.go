package striker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/argus-sec/argus/internal/clock"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/model"
)

const (
	quarantineChain = "ARGUS_QUARANTINE"

	// busPort must stay open under isolation or the striker can never
	// receive the unisolate order.
	busPort = 4222

	// defaultBlockSeconds is how long a network_block holds when the action
	// carries no duration.
	defaultBlockSeconds = 3600
)

// Handler executes one action type with merged parameters and returns the
// result payload for the status report.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Descriptor binds an action type to its handler and rollback policy. A nil
// Rollback marks the type irreversible.
type Descriptor struct {
	Run      Handler
	Rollback func(ac model.Action, now time.Time) model.RollbackEntry
}

// runner executes an external command, reporting only its exit error. Tests
// swap in a recorder.
type runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// killable is the slice of a process the kill handler needs.
type killable interface {
	NameWithContext(ctx context.Context) (string, error)
	KillWithContext(ctx context.Context) error
}

func openProcess(ctx context.Context, pid int32) (killable, error) {
	return process.NewProcessWithContext(ctx, pid)
}

func listProcesses(ctx context.Context) ([]killable, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]killable, len(procs))
	for i, p := range procs {
		out[i] = p
	}
	return out, nil
}

// Actions holds the host-level handlers. The iptables path is resolved once
// at construction; when absent the network handlers simulate success so
// drills on boxes without iptables do not fail the pipeline.
type Actions struct {
	log      *logging.Logger
	clock    clock.Clock
	run      runner
	iptables string

	openProc  func(ctx context.Context, pid int32) (killable, error)
	listProcs func(ctx context.Context) ([]killable, error)
}

func NewActions(log *logging.Logger, clk clock.Clock) *Actions {
	path, _ := exec.LookPath("iptables")
	return &Actions{
		log:       log,
		clock:     clk,
		run:       execRunner,
		iptables:  path,
		openProc:  openProcess,
		listProcs: listProcesses,
	}
}

// Registry maps every action type this striker build can execute to its
// descriptor. The runtime derives capability subscriptions from these keys.
func (a *Actions) Registry() map[string]Descriptor {
	return map[string]Descriptor{
		"network_block":   {Run: a.networkBlock, Rollback: networkBlockRollback},
		"network_unblock": {Run: a.networkUnblock},
		"isolate_host":    {Run: a.isolateHost, Rollback: isolateRollback},
		"unisolate_host":  {Run: a.unisolateHost},
		"kill_process":    {Run: a.killProcess},
	}
}

// networkBlock DROPs inbound traffic from the target address. The rule is
// probed before insertion so redelivered actions stay idempotent.
func (a *Actions) networkBlock(ctx context.Context, params map[string]any) (map[string]any, error) {
	target := stringParam(params, "target")
	if target == "" {
		return nil, errors.New("no target specified")
	}
	if a.iptables == "" {
		a.log.Warn("iptables unavailable, simulating block", "target", target)
		return map[string]any{"status": "succeeded", "simulated": true, "target": target}, nil
	}
	if a.run(ctx, a.iptables, "-C", "INPUT", "-s", target, "-j", "DROP") == nil {
		return map[string]any{"status": "succeeded", "target": target, "reason": "already blocked"}, nil
	}
	if err := a.run(ctx, a.iptables, "-A", "INPUT", "-s", target, "-j", "DROP"); err != nil {
		return nil, fmt.Errorf("iptables append: %w", err)
	}
	a.log.Info("blocked inbound traffic", "target", target)
	return map[string]any{"status": "succeeded", "target": target}, nil
}

func networkBlockRollback(ac model.Action, now time.Time) model.RollbackEntry {
	seconds := numberParam(ac.Parameters, "duration", defaultBlockSeconds)
	return model.RollbackEntry{
		ActionID:           ac.ActionID,
		ActionType:         ac.ActionType,
		RollbackActionType: "network_unblock",
		RollbackParams:     map[string]any{"target": stringParam(ac.Parameters, "target")},
		RegisteredAt:       now,
		AutoRollbackAt:     now.Add(time.Duration(seconds * float64(time.Second))),
	}
}

// networkUnblock removes the DROP rule for the target. A missing rule still
// succeeds: the block may have expired or been cleared by hand.
func (a *Actions) networkUnblock(ctx context.Context, params map[string]any) (map[string]any, error) {
	target := stringParam(params, "target")
	if target == "" {
		return nil, errors.New("no target specified")
	}
	if a.iptables == "" {
		return map[string]any{"status": "succeeded", "simulated": true, "target": target}, nil
	}
	if a.run(ctx, a.iptables, "-C", "INPUT", "-s", target, "-j", "DROP") != nil {
		return map[string]any{"status": "succeeded", "target": target, "reason": "not blocked"}, nil
	}
	if err := a.run(ctx, a.iptables, "-D", "INPUT", "-s", target, "-j", "DROP"); err != nil {
		return nil, fmt.Errorf("iptables delete: %w", err)
	}
	a.log.Info("unblocked inbound traffic", "target", target)
	return map[string]any{"status": "succeeded", "target": target}, nil
}

// isolateHost cuts the host off through a dedicated chain while keeping
// loopback, established flows, and the bus port alive, so the striker stays
// reachable for the eventual unisolate.
func (a *Actions) isolateHost(ctx context.Context, params map[string]any) (map[string]any, error) {
	reason := stringParam(params, "reason")
	alertID := stringParam(params, "alert_id")
	if a.iptables == "" {
		a.log.Warn("iptables unavailable, simulating isolation", "reason", reason)
		res := a.isolationResult(reason, alertID)
		res["simulated"] = true
		return res, nil
	}
	// Clear leftovers from a prior isolation; both fail harmlessly when the
	// chain does not exist yet.
	_ = a.run(ctx, a.iptables, "-F", quarantineChain)
	_ = a.run(ctx, a.iptables, "-X", quarantineChain)
	port := strconv.Itoa(busPort)
	steps := [][]string{
		{"-N", quarantineChain},
		{"-A", quarantineChain, "-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
		{"-A", quarantineChain, "-i", "lo", "-j", "ACCEPT"},
		{"-A", quarantineChain, "-o", "lo", "-j", "ACCEPT"},
		{"-A", quarantineChain, "-p", "tcp", "--dport", port, "-j", "ACCEPT"},
		{"-A", quarantineChain, "-p", "tcp", "--sport", port, "-j", "ACCEPT"},
		{"-A", quarantineChain, "-j", "DROP"},
	}
	for _, args := range steps {
		if err := a.run(ctx, a.iptables, args...); err != nil {
			return nil, fmt.Errorf("iptables %s: %w", strings.Join(args, " "), err)
		}
	}
	for _, hook := range []string{"INPUT", "OUTPUT"} {
		if a.run(ctx, a.iptables, "-C", hook, "-j", quarantineChain) == nil {
			continue
		}
		if err := a.run(ctx, a.iptables, "-I", hook, "1", "-j", quarantineChain); err != nil {
			return nil, fmt.Errorf("hook %s into %s: %w", quarantineChain, hook, err)
		}
	}
	a.log.Warn("host isolated", "reason", reason, "alert_id", alertID)
	return a.isolationResult(reason, alertID), nil
}

func (a *Actions) isolationResult(reason, alertID string) map[string]any {
	return map[string]any{
		"success":             true,
		"action_type":         "isolate_host",
		"isolated_at":         a.clock.Now().UTC().Format(time.RFC3339),
		"platform":            runtime.GOOS,
		"nats_port_preserved": busPort,
		"reason":              reason,
		"alert_id":            alertID,
	}
}

func isolateRollback(ac model.Action, now time.Time) model.RollbackEntry {
	// Zero AutoRollbackAt: reconnecting an isolated host is an operator
	// decision, never a timer.
	return model.RollbackEntry{
		ActionID:           ac.ActionID,
		ActionType:         ac.ActionType,
		RollbackActionType: "unisolate_host",
		RegisteredAt:       now,
	}
}

// unisolateHost unhooks and deletes the quarantine chain. Every step runs
// regardless of earlier failures so a half-torn chain still ends up gone.
func (a *Actions) unisolateHost(ctx context.Context, params map[string]any) (map[string]any, error) {
	if a.iptables == "" {
		return map[string]any{"success": true, "action_type": "unisolate_host", "simulated": true}, nil
	}
	_ = a.run(ctx, a.iptables, "-D", "INPUT", "-j", quarantineChain)
	_ = a.run(ctx, a.iptables, "-D", "OUTPUT", "-j", quarantineChain)
	_ = a.run(ctx, a.iptables, "-F", quarantineChain)
	_ = a.run(ctx, a.iptables, "-X", quarantineChain)
	a.log.Info("host isolation lifted")
	return map[string]any{
		"success":       true,
		"action_type":   "unisolate_host",
		"unisolated_at": a.clock.Now().UTC().Format(time.RFC3339),
	}, nil
}

// killProcess terminates by pid or by process name. A name can match several
// processes; the kill count lands in the result.
func (a *Actions) killProcess(ctx context.Context, params map[string]any) (map[string]any, error) {
	if pid := int32(numberParam(params, "pid", 0)); pid > 0 {
		p, err := a.openProc(ctx, pid)
		if err != nil {
			return nil, fmt.Errorf("process %d not found", pid)
		}
		if err := p.KillWithContext(ctx); err != nil {
			return nil, fmt.Errorf("kill pid %d: %w", pid, err)
		}
		a.log.Info("killed process", "pid", pid)
		return map[string]any{"status": "succeeded", "killed_count": 1, "pid": pid}, nil
	}
	name := stringParam(params, "process_name")
	if name == "" {
		return nil, errors.New("no pid or process_name specified")
	}
	procs, err := a.listProcs(ctx)
	if err != nil {
		return nil, err
	}
	killed := 0
	for _, p := range procs {
		n, err := p.NameWithContext(ctx)
		if err != nil || n != name {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			continue
		}
		killed++
	}
	if killed == 0 {
		return nil, fmt.Errorf("no process named %q found", name)
	}
	a.log.Info("killed processes", "name", name, "count", killed)
	return map[string]any{"status": "succeeded", "killed_count": killed, "process_name": name}, nil
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

// numberParam reads a numeric parameter. Values arrive as float64 off the
// wire but as native ints from in-process callers.
func numberParam(params map[string]any, key string, fallback float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}
