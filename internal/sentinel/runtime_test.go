package sentinel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/argus-sec/argus/internal/agent"
	"github.com/argus-sec/argus/internal/bus"
	"github.com/argus-sec/argus/internal/config"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/model"
)

// fakeClock parks every timer so loops wait on ctx instead of spinning.
type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                       { return f.now }
func (f *fakeClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }
func (f *fakeClock) Since(t time.Time) time.Duration      { return f.now.Sub(t) }

type fakeSink struct {
	mu       sync.Mutex
	subjects []string
	events   []model.Event
}

func (f *fakeSink) Emit(subject string, ev model.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.events = append(f.events, ev)
}

func (f *fakeSink) snapshot() ([]string, []model.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subjects...), append([]model.Event(nil), f.events...)
}

type fakeRuntimeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string]nats.MsgHandler
	pubErr    error
}

func (f *fakeRuntimeBus) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	if f.published == nil {
		f.published = map[string][][]byte{}
	}
	f.published[subject] = append(f.published[subject], append([]byte(nil), data...))
	return nil
}

func (f *fakeRuntimeBus) Subscribe(subject string, h nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = map[string]nats.MsgHandler{}
	}
	f.handlers[subject] = h
	return nil, nil
}

func (f *fakeRuntimeBus) handler(subject string) nats.MsgHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[subject]
}

func (f *fakeRuntimeBus) sent(subject string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[subject]
}

type fakeCore struct {
	mu         sync.Mutex
	assignID   string
	regErr     error
	regReq     *agent.RegisterRequest
	snap       *model.ConfigSnapshot
	fetchErr   error
	heartbeats []model.Heartbeat
	hbErr      error
}

func (f *fakeCore) RegisterWithBackoff(_ context.Context, req agent.RegisterRequest) (*agent.RegisterResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.regErr != nil {
		return nil, f.regErr
	}
	f.regReq = &req
	return &agent.RegisterResponse{
		AgentID: f.assignID,
		Status:  "registered",
		CertPEM: "CERT",
		KeyPEM:  "KEY",
		CAPEM:   "CA",
	}, nil
}

func (f *fakeCore) FetchConfig(context.Context, string, string) (*model.ConfigSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.fetchErr
}

func (f *fakeCore) Heartbeat(_ context.Context, _ string, hb model.Heartbeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, hb)
	return f.hbErr
}

func (f *fakeCore) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heartbeats)
}

func testSentinelConfig(t *testing.T) *config.Sentinel {
	t.Helper()
	return &config.Sentinel{
		Agent: config.Agent{
			NATSURL:    "nats://localhost:4222",
			CoreAPIURL: "http://core:8000/api/v1",
			DataDir:    t.TempDir(),
			Subtype:    "endpoint",
			Zone:       "default",
		},
		ProbeInterval: 10 * time.Second,
	}
}

func newTestRuntime(t *testing.T, b *fakeRuntimeBus, core *fakeCore, sink *fakeSink) *Runtime {
	t.Helper()
	return NewRuntime(testSentinelConfig(t), b, core, sink, "1.2.3",
		logging.New(false, "error"), &fakeClock{now: probeNow})
}

func TestRunRegistersAndSyncsConfig(t *testing.T) {
	fbus := &fakeRuntimeBus{}
	core := &fakeCore{
		assignID: "sen-42",
		snap: &model.ConfigSnapshot{
			AgentID:              "sen-42",
			LogLevel:             "DEBUG",
			Zone:                 "dmz",
			ProbeIntervalSeconds: 30,
			DetectionThresholds:  map[string]float64{"cpu_threshold": 70},
			ConfigVersion:        3,
		},
	}
	rt := newTestRuntime(t, fbus, core, &fakeSink{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	// Registration, metadata publish, and config sync all happen before the
	// config subscription is installed; wait for that marker.
	deadline := time.Now().Add(5 * time.Second)
	for fbus.handler(bus.ConfigSubject("sen-42")) == nil {
		if time.Now().After(deadline) {
			t.Fatal("config subscription never installed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	core.mu.Lock()
	req := core.regReq
	core.mu.Unlock()
	if req == nil {
		t.Fatal("no registration request sent")
	}
	if req.AgentType != model.AgentTypeSentinel || req.AgentSubtype != "endpoint" {
		t.Errorf("registered as %s/%s, want sentinel/endpoint", req.AgentType, req.AgentSubtype)
	}
	if !strings.HasPrefix(req.APIKey, "agk_") {
		t.Errorf("api key %q missing agk_ prefix", req.APIKey)
	}
	if req.NodeMetadata["agent_version"] != "1.2.3" {
		t.Errorf("node metadata agent_version = %v, want 1.2.3", req.NodeMetadata["agent_version"])
	}

	if got := fbus.sent(bus.NodeMetadataSubject("sen-42")); len(got) != 1 {
		t.Errorf("node metadata publishes = %d, want 1", len(got))
	}

	// Initial HTTP config snapshot was applied.
	if got := rt.probeInterval(); got != 30*time.Second {
		t.Errorf("probe interval = %s, want 30s", got)
	}
	if got := rt.currentZone(); got != "dmz" {
		t.Errorf("zone = %q, want dmz", got)
	}

	// A stale push is ignored, a newer one lands.
	push := func(snap model.ConfigSnapshot) {
		data, _ := json.Marshal(snap)
		fbus.handler(bus.ConfigSubject("sen-42"))(&nats.Msg{Subject: bus.ConfigSubject("sen-42"), Data: data})
	}
	push(model.ConfigSnapshot{Zone: "stale", ConfigVersion: 2})
	if got := rt.currentZone(); got != "dmz" {
		t.Errorf("zone after stale push = %q, want dmz", got)
	}
	push(model.ConfigSnapshot{Zone: "prod", ConfigVersion: 4})
	if got := rt.currentZone(); got != "prod" {
		t.Errorf("zone after newer push = %q, want prod", got)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}

	// Identity was persisted with the Core-assigned id and cert bundle.
	id, err := agent.LoadIdentity(rt.cfg.DataDir)
	if err != nil {
		t.Fatalf("LoadIdentity: %v", err)
	}
	if id == nil || id.AgentID != "sen-42" {
		t.Fatalf("persisted identity = %+v, want agent id sen-42", id)
	}
	if string(id.CertPEM) != "CERT" {
		t.Errorf("persisted cert = %q, want CERT", id.CertPEM)
	}
}

func TestRunSurfacesRegistrationRejection(t *testing.T) {
	core := &fakeCore{regErr: agent.ErrRegistrationRejected}
	rt := newTestRuntime(t, &fakeRuntimeBus{}, core, &fakeSink{})

	if err := rt.Run(context.Background()); !errors.Is(err, agent.ErrRegistrationRejected) {
		t.Errorf("Run returned %v, want registration rejection", err)
	}
}

func TestApplyConfigVersionGuard(t *testing.T) {
	rt := newTestRuntime(t, &fakeRuntimeBus{}, &fakeCore{}, &fakeSink{})

	if !rt.applyConfig(&model.ConfigSnapshot{Zone: "a", ConfigVersion: 2}) {
		t.Error("first snapshot (v2) not applied")
	}
	if rt.applyConfig(&model.ConfigSnapshot{Zone: "b", ConfigVersion: 2}) {
		t.Error("replayed snapshot (v2) applied twice")
	}
	if rt.applyConfig(&model.ConfigSnapshot{Zone: "c", ConfigVersion: 1}) {
		t.Error("older snapshot (v1) applied over v2")
	}
	if got := rt.currentZone(); got != "a" {
		t.Errorf("zone = %q, want a", got)
	}
	if !rt.applyConfig(&model.ConfigSnapshot{Zone: "d", ConfigVersion: 3}) {
		t.Error("newer snapshot (v3) not applied")
	}
}

func TestApplyConfigPartialUpdateKeepsPrevious(t *testing.T) {
	rt := newTestRuntime(t, &fakeRuntimeBus{}, &fakeCore{}, &fakeSink{})

	rt.applyConfig(&model.ConfigSnapshot{
		ProbeIntervalSeconds: 30,
		DetectionThresholds:  map[string]float64{"cpu_threshold": 70},
		EnabledProbes:        []string{"system"},
		ConfigVersion:        1,
	})
	// The next version touches only the log level.
	rt.applyConfig(&model.ConfigSnapshot{LogLevel: "DEBUG", ConfigVersion: 2})

	if got := rt.probeInterval(); got != 30*time.Second {
		t.Errorf("probe interval = %s, want 30s", got)
	}
	if got := rt.currentThresholds()["cpu_threshold"]; got != 70 {
		t.Errorf("cpu_threshold = %v, want 70", got)
	}
	if !rt.probeEnabled("system") || rt.probeEnabled("process") {
		t.Error("enabled probe set changed by partial update")
	}
}

func TestProbeGateDefaultsToEnabled(t *testing.T) {
	rt := newTestRuntime(t, &fakeRuntimeBus{}, &fakeCore{}, &fakeSink{})
	for _, name := range []string{"system", "process", "network"} {
		if !rt.probeEnabled(name) {
			t.Errorf("probe %s disabled before any config arrived", name)
		}
	}
}

func TestSendHeartbeatPublishesOnBus(t *testing.T) {
	fbus := &fakeRuntimeBus{}
	core := &fakeCore{}
	rt := newTestRuntime(t, fbus, core, &fakeSink{})
	rt.identity = &agent.Identity{AgentID: "sen-1", APIKey: "agk_test"}
	rt.lastUsage = map[string]any{"cpu_percent": 12.5}

	rt.sendHeartbeat(context.Background())

	sent := fbus.sent(bus.HeartbeatSubject("sentinel", "sen-1"))
	if len(sent) != 1 {
		t.Fatalf("heartbeat publishes = %d, want 1", len(sent))
	}
	var hb model.Heartbeat
	if err := json.Unmarshal(sent[0], &hb); err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if hb.AgentID != "sen-1" || hb.Status != model.AgentActive || hb.AgentType != "sentinel" {
		t.Errorf("heartbeat = %+v", hb)
	}
	if hb.ResourceUsage["cpu_percent"] != 12.5 {
		t.Errorf("resource usage = %v, want cpu_percent 12.5", hb.ResourceUsage)
	}
	if core.heartbeatCount() != 0 {
		t.Error("HTTP fallback used although the bus publish succeeded")
	}
}

func TestSendHeartbeatFallsBackToHTTP(t *testing.T) {
	fbus := &fakeRuntimeBus{pubErr: errors.New("nats: connection closed")}
	core := &fakeCore{}
	rt := newTestRuntime(t, fbus, core, &fakeSink{})
	rt.identity = &agent.Identity{AgentID: "sen-1", APIKey: "agk_test"}

	rt.sendHeartbeat(context.Background())

	if core.heartbeatCount() != 1 {
		t.Fatalf("HTTP heartbeats = %d, want 1", core.heartbeatCount())
	}
	core.mu.Lock()
	hb := core.heartbeats[0]
	core.mu.Unlock()
	if hb.AgentID != "sen-1" {
		t.Errorf("fallback heartbeat agent = %q, want sen-1", hb.AgentID)
	}
}

func TestCollectSystemFeedsUsageAndEvents(t *testing.T) {
	sink := &fakeSink{}
	rt := newTestRuntime(t, &fakeRuntimeBus{}, &fakeCore{}, sink)
	rt.system = newFakeSystemProbe(95, 50, 30)

	rt.collectSystem(context.Background())

	subjects, events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("emitted %d events, want 1 (cpu breach)", len(events))
	}
	if subjects[0] != bus.EventSubject("endpoint") {
		t.Errorf("subject = %q, want events.sentinel.endpoint", subjects[0])
	}

	rt.mu.Lock()
	usage := rt.lastUsage
	rt.mu.Unlock()
	if usage["cpu_percent"] != 95.0 {
		t.Errorf("recorded usage = %v, want cpu_percent 95", usage)
	}
}

func TestCollectProcessesEmitsOnSubject(t *testing.T) {
	sink := &fakeSink{}
	rt := newTestRuntime(t, &fakeRuntimeBus{}, &fakeCore{}, sink)

	pids := []int32{10}
	probe := NewProcessProbe("sen-1")
	probe.pids = func(context.Context) ([]int32, error) { return pids, nil }
	probe.describe = func(_ context.Context, pid int32) (map[string]any, error) {
		return map[string]any{"pid": pid}, nil
	}
	rt.procs = probe

	if err := probe.Prime(context.Background()); err != nil {
		t.Fatal(err)
	}
	pids = []int32{10, 11}
	rt.collectProcesses(context.Background())

	subjects, events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("emitted %d events, want 1", len(events))
	}
	if subjects[0] != bus.EventSubject("process") {
		t.Errorf("subject = %q, want events.sentinel.process", subjects[0])
	}
}
