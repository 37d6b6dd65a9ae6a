package striker

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/model"
)

// fakeRunner records each command line and returns the error configured for
// it; unconfigured commands succeed.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	results map[string]error
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) error {
	line := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, line)
	return f.results[line]
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeProc struct {
	name    string
	killErr error
	killed  bool
}

func (p *fakeProc) NameWithContext(context.Context) (string, error) { return p.name, nil }

func (p *fakeProc) KillWithContext(context.Context) error {
	if p.killErr != nil {
		return p.killErr
	}
	p.killed = true
	return nil
}

func newTestActions(r *fakeRunner) *Actions {
	return &Actions{
		log:      logging.New(false, "error"),
		clock:    &fakeClock{now: strikeNow},
		run:      r.run,
		iptables: "iptables",
	}
}

func TestNetworkBlockAddsRule(t *testing.T) {
	r := &fakeRunner{results: map[string]error{
		"iptables -C INPUT -s 203.0.113.9 -j DROP": errors.New("exit status 1"),
	}}
	a := newTestActions(r)

	res, err := a.networkBlock(context.Background(), map[string]any{"target": "203.0.113.9"})
	if err != nil {
		t.Fatalf("networkBlock: %v", err)
	}
	if res["status"] != "succeeded" {
		t.Errorf("status = %v, want succeeded", res["status"])
	}
	if _, ok := res["reason"]; ok {
		t.Errorf("fresh block carries reason %v", res["reason"])
	}
	want := []string{
		"iptables -C INPUT -s 203.0.113.9 -j DROP",
		"iptables -A INPUT -s 203.0.113.9 -j DROP",
	}
	if got := r.commands(); !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestNetworkBlockIdempotentWhenRuleExists(t *testing.T) {
	r := &fakeRunner{}
	a := newTestActions(r)

	res, err := a.networkBlock(context.Background(), map[string]any{"target": "203.0.113.9"})
	if err != nil {
		t.Fatalf("networkBlock: %v", err)
	}
	if res["reason"] != "already blocked" {
		t.Errorf("reason = %v, want already blocked", res["reason"])
	}
	if got := r.commands(); len(got) != 1 {
		t.Errorf("commands = %v, want the -C probe only", got)
	}
}

func TestNetworkBlockRequiresTarget(t *testing.T) {
	r := &fakeRunner{}
	a := newTestActions(r)

	if _, err := a.networkBlock(context.Background(), map[string]any{}); err == nil {
		t.Fatal("networkBlock without target succeeded")
	}
	if len(r.commands()) != 0 {
		t.Errorf("iptables ran despite missing target: %v", r.commands())
	}
}

func TestNetworkBlockSimulatesWithoutIptables(t *testing.T) {
	r := &fakeRunner{}
	a := newTestActions(r)
	a.iptables = ""

	res, err := a.networkBlock(context.Background(), map[string]any{"target": "203.0.113.9"})
	if err != nil {
		t.Fatalf("networkBlock: %v", err)
	}
	if res["simulated"] != true || res["status"] != "succeeded" {
		t.Errorf("result = %v, want simulated success", res)
	}
	if len(r.commands()) != 0 {
		t.Errorf("commands ran in simulation: %v", r.commands())
	}
}

func TestNetworkBlockRollbackRecipe(t *testing.T) {
	now := strikeNow
	ac := model.Action{
		ActionID:   "act-7",
		ActionType: "network_block",
		Parameters: map[string]any{"target": "203.0.113.9", "duration": float64(600)},
	}

	e := networkBlockRollback(ac, now)
	if e.RollbackActionType != "network_unblock" {
		t.Errorf("rollback type = %q, want network_unblock", e.RollbackActionType)
	}
	if e.RollbackParams["target"] != "203.0.113.9" {
		t.Errorf("rollback target = %v", e.RollbackParams["target"])
	}
	if got, want := e.AutoRollbackAt, now.Add(10*time.Minute); !got.Equal(want) {
		t.Errorf("auto rollback at %s, want %s", got, want)
	}

	// No duration falls back to an hour.
	e = networkBlockRollback(model.Action{ActionID: "act-8", Parameters: map[string]any{"target": "x"}}, now)
	if got, want := e.AutoRollbackAt, now.Add(time.Hour); !got.Equal(want) {
		t.Errorf("default auto rollback at %s, want %s", got, want)
	}
}

func TestNetworkUnblockRemovesRule(t *testing.T) {
	r := &fakeRunner{}
	a := newTestActions(r)

	res, err := a.networkUnblock(context.Background(), map[string]any{"target": "203.0.113.9"})
	if err != nil {
		t.Fatalf("networkUnblock: %v", err)
	}
	if res["status"] != "succeeded" {
		t.Errorf("status = %v, want succeeded", res["status"])
	}
	want := []string{
		"iptables -C INPUT -s 203.0.113.9 -j DROP",
		"iptables -D INPUT -s 203.0.113.9 -j DROP",
	}
	if got := r.commands(); !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestNetworkUnblockSucceedsWhenNotBlocked(t *testing.T) {
	r := &fakeRunner{results: map[string]error{
		"iptables -C INPUT -s 203.0.113.9 -j DROP": errors.New("exit status 1"),
	}}
	a := newTestActions(r)

	res, err := a.networkUnblock(context.Background(), map[string]any{"target": "203.0.113.9"})
	if err != nil {
		t.Fatalf("networkUnblock: %v", err)
	}
	if res["reason"] != "not blocked" {
		t.Errorf("reason = %v, want not blocked", res["reason"])
	}
	if got := r.commands(); len(got) != 1 {
		t.Errorf("commands = %v, want the -C probe only", got)
	}
}

func TestIsolateHostBuildsQuarantineChain(t *testing.T) {
	r := &fakeRunner{results: map[string]error{
		"iptables -C INPUT -j ARGUS_QUARANTINE":  errors.New("exit status 1"),
		"iptables -C OUTPUT -j ARGUS_QUARANTINE": errors.New("exit status 1"),
	}}
	a := newTestActions(r)

	res, err := a.isolateHost(context.Background(), map[string]any{
		"reason":   "ransomware beacon",
		"alert_id": "alr-3",
	})
	if err != nil {
		t.Fatalf("isolateHost: %v", err)
	}
	want := []string{
		"iptables -F ARGUS_QUARANTINE",
		"iptables -X ARGUS_QUARANTINE",
		"iptables -N ARGUS_QUARANTINE",
		"iptables -A ARGUS_QUARANTINE -m state --state ESTABLISHED,RELATED -j ACCEPT",
		"iptables -A ARGUS_QUARANTINE -i lo -j ACCEPT",
		"iptables -A ARGUS_QUARANTINE -o lo -j ACCEPT",
		"iptables -A ARGUS_QUARANTINE -p tcp --dport 4222 -j ACCEPT",
		"iptables -A ARGUS_QUARANTINE -p tcp --sport 4222 -j ACCEPT",
		"iptables -A ARGUS_QUARANTINE -j DROP",
		"iptables -C INPUT -j ARGUS_QUARANTINE",
		"iptables -I INPUT 1 -j ARGUS_QUARANTINE",
		"iptables -C OUTPUT -j ARGUS_QUARANTINE",
		"iptables -I OUTPUT 1 -j ARGUS_QUARANTINE",
	}
	if got := r.commands(); !reflect.DeepEqual(got, want) {
		t.Errorf("commands:\n got %v\nwant %v", got, want)
	}
	if res["success"] != true || res["nats_port_preserved"] != busPort {
		t.Errorf("result = %v", res)
	}
	if res["reason"] != "ransomware beacon" || res["alert_id"] != "alr-3" {
		t.Errorf("result context = %v", res)
	}
}

func TestIsolateHostSkipsExistingHooks(t *testing.T) {
	r := &fakeRunner{}
	a := newTestActions(r)

	if _, err := a.isolateHost(context.Background(), map[string]any{"reason": "drill"}); err != nil {
		t.Fatalf("isolateHost: %v", err)
	}
	for _, line := range r.commands() {
		if strings.Contains(line, "-I ") {
			t.Errorf("hook re-inserted although present: %s", line)
		}
	}
}

func TestUnisolateHostTearsDownChain(t *testing.T) {
	r := &fakeRunner{}
	a := newTestActions(r)

	res, err := a.unisolateHost(context.Background(), nil)
	if err != nil {
		t.Fatalf("unisolateHost: %v", err)
	}
	if res["success"] != true {
		t.Errorf("result = %v", res)
	}
	want := []string{
		"iptables -D INPUT -j ARGUS_QUARANTINE",
		"iptables -D OUTPUT -j ARGUS_QUARANTINE",
		"iptables -F ARGUS_QUARANTINE",
		"iptables -X ARGUS_QUARANTINE",
	}
	if got := r.commands(); !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestKillProcessByPID(t *testing.T) {
	a := newTestActions(&fakeRunner{})
	p := &fakeProc{name: "cryptominer"}
	a.openProc = func(_ context.Context, pid int32) (killable, error) {
		if pid != 4242 {
			t.Errorf("opened pid %d, want 4242", pid)
		}
		return p, nil
	}

	res, err := a.killProcess(context.Background(), map[string]any{"pid": float64(4242)})
	if err != nil {
		t.Fatalf("killProcess: %v", err)
	}
	if !p.killed {
		t.Error("process not killed")
	}
	if res["killed_count"] != 1 {
		t.Errorf("killed_count = %v, want 1", res["killed_count"])
	}
}

func TestKillProcessPIDNotFound(t *testing.T) {
	a := newTestActions(&fakeRunner{})
	a.openProc = func(context.Context, int32) (killable, error) {
		return nil, errors.New("process does not exist")
	}

	if _, err := a.killProcess(context.Background(), map[string]any{"pid": float64(9)}); err == nil {
		t.Fatal("killProcess on missing pid succeeded")
	}
}

func TestKillProcessByNameKillsAllMatches(t *testing.T) {
	a := newTestActions(&fakeRunner{})
	miners := []*fakeProc{{name: "miner"}, {name: "sshd"}, {name: "miner"}}
	a.listProcs = func(context.Context) ([]killable, error) {
		out := make([]killable, len(miners))
		for i, p := range miners {
			out[i] = p
		}
		return out, nil
	}

	res, err := a.killProcess(context.Background(), map[string]any{"process_name": "miner"})
	if err != nil {
		t.Fatalf("killProcess: %v", err)
	}
	if res["killed_count"] != 2 {
		t.Errorf("killed_count = %v, want 2", res["killed_count"])
	}
	if miners[1].killed {
		t.Error("killed a non-matching process")
	}
}

func TestKillProcessNoMatchFails(t *testing.T) {
	a := newTestActions(&fakeRunner{})
	a.listProcs = func(context.Context) ([]killable, error) {
		return []killable{&fakeProc{name: "sshd"}}, nil
	}

	if _, err := a.killProcess(context.Background(), map[string]any{"process_name": "ghost"}); err == nil {
		t.Fatal("killProcess with no match succeeded")
	}
}

func TestKillProcessRequiresSelector(t *testing.T) {
	a := newTestActions(&fakeRunner{})
	if _, err := a.killProcess(context.Background(), map[string]any{}); err == nil {
		t.Fatal("killProcess without pid or name succeeded")
	}
}

func TestRegistryCoversAllActionTypes(t *testing.T) {
	a := NewActions(logging.New(false, "error"), &fakeClock{now: strikeNow})
	reg := a.Registry()
	for _, actionType := range []string{
		"network_block", "network_unblock", "isolate_host", "unisolate_host", "kill_process",
	} {
		if _, ok := reg[actionType]; !ok {
			t.Errorf("registry missing %s", actionType)
		}
	}
	if reg["network_block"].Rollback == nil || reg["isolate_host"].Rollback == nil {
		t.Error("reversible types missing rollback builders")
	}
	if reg["kill_process"].Rollback != nil {
		t.Error("kill_process marked reversible")
	}
}
