package sentinel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/argus-sec/argus/internal/agent"
	"github.com/argus-sec/argus/internal/bus"
	"github.com/argus-sec/argus/internal/clock"
	"github.com/argus-sec/argus/internal/config"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/model"
)

const (
	heartbeatInterval = 30 * time.Second
	processInterval   = time.Second
)

// CoreClient is the HTTP surface the runtime needs from the agent client.
type CoreClient interface {
	RegisterWithBackoff(ctx context.Context, req agent.RegisterRequest) (*agent.RegisterResponse, error)
	FetchConfig(ctx context.Context, agentID, apiKey string) (*model.ConfigSnapshot, error)
	Heartbeat(ctx context.Context, apiKey string, hb model.Heartbeat) error
}

// RuntimeBus is the bus surface the runtime uses directly; telemetry events
// travel through the Emitter instead.
type RuntimeBus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, h nats.MsgHandler) (*nats.Subscription, error)
}

// Runtime ties the Sentinel together: registration, config sync, heartbeats,
// and the probe loops feeding the emitter.
type Runtime struct {
	cfg          *config.Sentinel
	bus          RuntimeBus
	core         CoreClient
	sink         EventSink
	agentVersion string
	log          *logging.Logger
	clock        clock.Clock

	// Probes are built after registration once the agent id is known;
	// pre-set instances are kept (tests inject fakes that way).
	system *SystemProbe
	procs  *ProcessProbe

	mu         sync.Mutex
	identity   *agent.Identity
	cfgVersion int
	thresholds map[string]float64
	interval   time.Duration
	enabled    map[string]bool
	zone       string
	lastUsage  map[string]any
}

func NewRuntime(cfg *config.Sentinel, b RuntimeBus, core CoreClient, sink EventSink, agentVersion string, log *logging.Logger, clk clock.Clock) *Runtime {
	return &Runtime{
		cfg:          cfg,
		bus:          b,
		core:         core,
		sink:         sink,
		agentVersion: agentVersion,
		log:          log,
		clock:        clk,
		interval:     cfg.ProbeInterval,
		zone:         cfg.Zone,
	}
}

// Run registers the agent, syncs config, and drives the heartbeat and probe
// loops until ctx ends.
func (r *Runtime) Run(ctx context.Context) error {
	meta := CollectNodeMetadata(ctx, r.agentVersion, r.log)
	id, err := r.register(ctx, meta)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.identity = id
	r.mu.Unlock()

	if r.system == nil {
		r.system = NewSystemProbe(id.AgentID)
	}
	if r.procs == nil {
		r.procs = NewProcessProbe(id.AgentID)
	}

	if data, err := json.Marshal(meta); err == nil {
		if err := r.bus.Publish(bus.NodeMetadataSubject(id.AgentID), data); err != nil {
			r.log.Warn("node metadata publish failed", "error", err)
		}
	}

	if snap, err := r.core.FetchConfig(ctx, id.AgentID, id.APIKey); err != nil {
		r.log.Warn("initial config fetch failed", "error", err)
	} else if snap != nil {
		r.applyConfig(snap)
	}

	sub, err := r.bus.Subscribe(bus.ConfigSubject(id.AgentID), func(msg *nats.Msg) {
		var snap model.ConfigSnapshot
		if err := json.Unmarshal(msg.Data, &snap); err != nil {
			r.log.Warn("dropping undecodable config push", "error", err)
			return
		}
		r.applyConfig(&snap)
	})
	if err != nil {
		return fmt.Errorf("subscribe config pushes: %w", err)
	}
	defer sub.Unsubscribe()

	r.log.Info("sentinel running",
		"agent_id", id.AgentID, "subtype", r.cfg.Subtype, "zone", r.currentZone())

	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){r.heartbeatLoop, r.systemLoop, r.processLoop} {
		wg.Add(1)
		go func(f func(context.Context)) {
			defer wg.Done()
			f(ctx)
		}(loop)
	}
	wg.Wait()
	return ctx.Err()
}

// register loads or mints the on-disk identity and (re-)registers with Core.
// Registration runs on every start so Core sees fresh node metadata and
// reactivates agents it marked unhealthy.
func (r *Runtime) register(ctx context.Context, meta map[string]any) (*agent.Identity, error) {
	id, err := agent.LoadIdentity(r.cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if id == nil {
		if id, err = agent.NewIdentity(); err != nil {
			return nil, err
		}
	}
	resp, err := r.core.RegisterWithBackoff(ctx, agent.RegisterRequest{
		AgentID:      id.AgentID,
		APIKey:       id.APIKey,
		AgentType:    model.AgentTypeSentinel,
		AgentSubtype: r.cfg.Subtype,
		Zone:         r.cfg.Zone,
		NodeMetadata: meta,
	})
	if err != nil {
		return nil, fmt.Errorf("register with core: %w", err)
	}
	id.AgentID = resp.AgentID
	if resp.CertPEM != "" {
		id.CertPEM = []byte(resp.CertPEM)
		id.KeyPEM = []byte(resp.KeyPEM)
		id.CAPEM = []byte(resp.CAPEM)
	}
	if err := id.Save(r.cfg.DataDir); err != nil {
		return nil, err
	}
	return id, nil
}

// applyConfig installs a snapshot if it is newer than the one already
// applied. Re-deliveries and stale pushes are ignored.
func (r *Runtime) applyConfig(snap *model.ConfigSnapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if snap.ConfigVersion <= r.cfgVersion {
		r.log.Debug("ignoring stale config push",
			"pushed_version", snap.ConfigVersion, "applied_version", r.cfgVersion)
		return false
	}
	r.cfgVersion = snap.ConfigVersion
	if snap.LogLevel != "" {
		r.log.SetLevel(snap.LogLevel)
	}
	if snap.Zone != "" {
		r.zone = snap.Zone
	}
	if len(snap.DetectionThresholds) > 0 {
		r.thresholds = snap.DetectionThresholds
	}
	if snap.ProbeIntervalSeconds > 0 {
		r.interval = time.Duration(snap.ProbeIntervalSeconds) * time.Second
	}
	if len(snap.EnabledProbes) > 0 {
		enabled := make(map[string]bool, len(snap.EnabledProbes))
		for _, p := range snap.EnabledProbes {
			enabled[p] = true
		}
		r.enabled = enabled
	}
	r.log.Info("config applied",
		"version", snap.ConfigVersion, "zone", r.zone, "log_level", snap.LogLevel)
	return true
}

func (r *Runtime) currentThresholds() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.thresholds
}

func (r *Runtime) probeInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

// probeEnabled defaults to true until a config names its probe set.
func (r *Runtime) probeEnabled(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled == nil {
		return true
	}
	return r.enabled[name]
}

func (r *Runtime) currentZone() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zone
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	for {
		if err := clock.Sleep(ctx, r.clock, heartbeatInterval); err != nil {
			return
		}
		r.sendHeartbeat(ctx)
	}
}

// sendHeartbeat publishes liveness over the bus, falling back to the HTTP
// endpoint when the publish fails.
func (r *Runtime) sendHeartbeat(ctx context.Context) {
	r.mu.Lock()
	id := r.identity
	usage := r.lastUsage
	r.mu.Unlock()
	if id == nil {
		return
	}
	hb := model.Heartbeat{
		AgentID:       id.AgentID,
		Status:        model.AgentActive,
		AgentType:     model.AgentTypeSentinel,
		AgentSubtype:  r.cfg.Subtype,
		Zone:          r.currentZone(),
		ResourceUsage: usage,
	}
	data, err := json.Marshal(hb)
	if err != nil {
		return
	}
	if err := r.bus.Publish(bus.HeartbeatSubject(model.AgentTypeSentinel, id.AgentID), data); err == nil {
		return
	}
	if err := r.core.Heartbeat(ctx, id.APIKey, hb); err != nil {
		r.log.Warn("heartbeat failed on bus and http", "error", err)
	}
}

func (r *Runtime) systemLoop(ctx context.Context) {
	for {
		if err := clock.Sleep(ctx, r.clock, r.probeInterval()); err != nil {
			return
		}
		if !r.probeEnabled("system") {
			continue
		}
		r.collectSystem(ctx)
	}
}

func (r *Runtime) collectSystem(ctx context.Context) {
	usage, events, err := r.system.Collect(ctx, r.currentThresholds(), r.clock.Now())
	if err != nil {
		r.log.Warn("system probe failed", "error", err)
		return
	}
	r.mu.Lock()
	r.lastUsage = usage
	r.mu.Unlock()
	for _, ev := range events {
		r.sink.Emit(bus.EventSubject("endpoint"), ev)
	}
}

func (r *Runtime) processLoop(ctx context.Context) {
	if err := r.procs.Prime(ctx); err != nil {
		r.log.Warn("process baseline failed", "error", err)
	}
	for {
		if err := clock.Sleep(ctx, r.clock, processInterval); err != nil {
			return
		}
		if !r.probeEnabled("process") {
			continue
		}
		r.collectProcesses(ctx)
	}
}

func (r *Runtime) collectProcesses(ctx context.Context) {
	events, err := r.procs.Collect(ctx, r.clock.Now())
	if err != nil {
		r.log.Warn("process probe failed", "error", err)
		return
	}
	for _, ev := range events {
		r.sink.Emit(bus.EventSubject("process"), ev)
	}
}
