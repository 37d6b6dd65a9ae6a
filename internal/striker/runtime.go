package striker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/argus-sec/argus/internal/agent"
	"github.com/argus-sec/argus/internal/bus"
	"github.com/argus-sec/argus/internal/clock"
	"github.com/argus-sec/argus/internal/config"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/model"
	"github.com/argus-sec/argus/internal/wire"
)

const (
	heartbeatInterval = 30 * time.Second
	rollbackTick      = 30 * time.Second
)

// CoreClient is the HTTP surface the runtime needs from the agent client.
type CoreClient interface {
	RegisterWithBackoff(ctx context.Context, req agent.RegisterRequest) (*agent.RegisterResponse, error)
	FetchConfig(ctx context.Context, agentID, apiKey string) (*model.ConfigSnapshot, error)
	Heartbeat(ctx context.Context, apiKey string, hb model.Heartbeat) error
}

// Bus is the bus surface the runtime uses for intake and reporting.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, h nats.MsgHandler) (*nats.Subscription, error)
	QueueSubscribe(subject, queue string, h nats.MsgHandler) (*nats.Subscription, error)
}

// Runtime ties the Striker together: registration, config sync, heartbeats,
// action intake and execution, and the rollback scheduler.
type Runtime struct {
	cfg          *config.Striker
	bus          Bus
	core         CoreClient
	registry     map[string]Descriptor
	collect      *Collector
	ledger       *Ledger
	agentVersion string
	log          *logging.Logger
	clock        clock.Clock

	mu         sync.Mutex
	identity   *agent.Identity
	cfgVersion int
	zone       string
	allowed    map[string]bool // nil until a config restricts
	defaults   map[string]map[string]any
	sem        chan struct{} // nil means unlimited

	handlerWG sync.WaitGroup
}

func NewRuntime(cfg *config.Striker, b Bus, core CoreClient, acts *Actions, agentVersion string, log *logging.Logger, clk clock.Clock) *Runtime {
	r := &Runtime{
		cfg:          cfg,
		bus:          b,
		core:         core,
		registry:     acts.Registry(),
		collect:      NewCollector(),
		ledger:       NewLedger(),
		agentVersion: agentVersion,
		log:          log,
		clock:        clk,
		zone:         cfg.Zone,
	}
	if cfg.MaxConcurrent > 0 {
		r.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	return r
}

// capabilities are the action types this build can execute, which is what
// the striker advertises at registration and subscribes queues for.
func (r *Runtime) capabilities() []string {
	caps := make([]string, 0, len(r.registry))
	for t := range r.registry {
		caps = append(caps, t)
	}
	sort.Strings(caps)
	return caps
}

// Run registers the agent, syncs config, wires the action subscriptions, and
// drives the heartbeat and rollback loops until ctx ends.
func (r *Runtime) Run(ctx context.Context) error {
	id, err := r.register(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.identity = id
	r.mu.Unlock()

	if snap, err := r.core.FetchConfig(ctx, id.AgentID, id.APIKey); err != nil {
		r.log.Warn("initial config fetch failed", "error", err)
	} else if snap != nil {
		r.applyConfig(snap)
	}

	// Intake: direct dispatch, fleet broadcast, and one capability queue
	// per action type. Each message gets its own goroutine; the semaphore
	// inside handleAction applies the concurrency cap.
	onAction := func(msg *nats.Msg) {
		r.handlerWG.Add(1)
		go func(data []byte) {
			defer r.handlerWG.Done()
			r.handleAction(ctx, data)
		}(msg.Data)
	}
	var subs []*nats.Subscription
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()
	direct, err := r.bus.Subscribe(bus.ActionDirectSubject(id.AgentID), onAction)
	if err != nil {
		return fmt.Errorf("subscribe direct actions: %w", err)
	}
	subs = append(subs, direct)
	bcast, err := r.bus.QueueSubscribe(bus.SubjectActionBroadcast, bus.StrikerQueue(r.cfg.Subtype), onAction)
	if err != nil {
		return fmt.Errorf("subscribe broadcast actions: %w", err)
	}
	subs = append(subs, bcast)
	for _, actionType := range r.capabilities() {
		sub, err := r.bus.QueueSubscribe(bus.ActionSubject(actionType), bus.StrikerQueue(actionType), onAction)
		if err != nil {
			return fmt.Errorf("subscribe %s actions: %w", actionType, err)
		}
		subs = append(subs, sub)
	}
	cfgSub, err := r.bus.Subscribe(bus.ConfigSubject(id.AgentID), func(msg *nats.Msg) {
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
	subs = append(subs, cfgSub)

	r.log.Info("striker running",
		"agent_id", id.AgentID, "subtype", r.cfg.Subtype, "zone", r.currentZone(),
		"capabilities", r.capabilities())

	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){r.heartbeatLoop, r.rollbackLoop} {
		wg.Add(1)
		go func(f func(context.Context)) {
			defer wg.Done()
			f(ctx)
		}(loop)
	}
	wg.Wait()
	r.handlerWG.Wait()
	return ctx.Err()
}

// register loads or mints the on-disk identity and (re-)registers with Core.
// Registration runs on every start so Core sees current capabilities and
// reactivates agents it marked unhealthy.
func (r *Runtime) register(ctx context.Context) (*agent.Identity, error) {
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
		AgentType:    model.AgentTypeStriker,
		AgentSubtype: r.cfg.Subtype,
		Zone:         r.cfg.Zone,
		Capabilities: r.capabilities(),
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
	if len(snap.AllowedActions) > 0 {
		allowed := make(map[string]bool, len(snap.AllowedActions))
		for _, t := range snap.AllowedActions {
			allowed[t] = true
		}
		r.allowed = allowed
	}
	if len(snap.ActionDefaults) > 0 {
		r.defaults = snap.ActionDefaults
	}
	if snap.MaxConcurrentActions > 0 && (r.sem == nil || cap(r.sem) != snap.MaxConcurrentActions) {
		// Handlers holding a slot on the old channel release into it;
		// new actions queue on the resized one.
		r.sem = make(chan struct{}, snap.MaxConcurrentActions)
	}
	r.log.Info("config applied",
		"version", snap.ConfigVersion, "zone", r.zone, "max_concurrent", snap.MaxConcurrentActions)
	return true
}

// actionAllowed applies the pushed allowlist. A striker that never received
// one runs anything in its registry.
func (r *Runtime) actionAllowed(actionType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.allowed == nil {
		return true
	}
	return r.allowed[actionType]
}

// mergedParams overlays the action's parameters onto the configured defaults
// for its type. Incoming values win.
func (r *Runtime) mergedParams(actionType string, params map[string]any) map[string]any {
	r.mu.Lock()
	defaults := r.defaults[actionType]
	r.mu.Unlock()
	merged := make(map[string]any, len(defaults)+len(params))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}

// acquireSlot blocks until a handler slot frees up. The returned release is
// nil when ctx ended while waiting.
func (r *Runtime) acquireSlot(ctx context.Context) func() {
	r.mu.Lock()
	sem := r.sem
	r.mu.Unlock()
	if sem == nil {
		return func() {}
	}
	select {
	case sem <- struct{}{}:
		return func() { <-sem }
	case <-ctx.Done():
		return nil
	}
}

func (r *Runtime) currentZone() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zone
}

func (r *Runtime) agentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.identity == nil {
		return ""
	}
	return r.identity.AgentID
}

// handleAction runs the pipeline for one dispatched action: decode, handler
// lookup, allowlist, evidence around execution, rollback registration, and
// the final status report.
func (r *Runtime) handleAction(ctx context.Context, data []byte) {
	ac, err := wire.DecodeAction(data)
	if err != nil {
		r.log.Warn("dropping undecodable action", "error", err)
		return
	}
	desc, ok := r.registry[ac.ActionType]
	if !ok {
		r.log.Warn("dropping action of unknown type",
			"action_type", ac.ActionType, "action_id", ac.ActionID)
		return
	}
	if !r.actionAllowed(ac.ActionType) {
		r.log.Warn("action type not allowed",
			"action_type", ac.ActionType, "action_id", ac.ActionID)
		r.report(ac, model.StatusRejected,
			map[string]any{"reason": "action type not in allowed_actions"}, model.Evidence{})
		return
	}
	release := r.acquireSlot(ctx)
	if release == nil {
		return
	}
	defer release()

	ac.Parameters = r.mergedParams(ac.ActionType, ac.Parameters)
	r.log.Info("executing action",
		"action_id", ac.ActionID, "action_type", ac.ActionType, "initiated_by", ac.InitiatedBy)
	pre := r.collect.Snapshot(ctx, r.clock.Now())
	result, status := r.runHandler(ctx, desc.Run, ac.Parameters)
	post := r.collect.Snapshot(ctx, r.clock.Now())

	if status == model.StatusCompleted {
		if desc.Rollback != nil {
			r.ledger.Register(desc.Rollback(ac, r.clock.Now()))
		}
		// A completed reversal retires the original entry, including
		// operator-initiated reversals that beat the timer.
		if origID := stringParam(ac.Parameters, "original_action_id"); origID != "" {
			r.ledger.MarkRolledBack(origID)
		}
	}
	r.report(ac, status, result, model.Evidence{Pre: pre, Post: post})
}

// runHandler maps the handler outcome onto a reported status. A panic is
// contained to the one action and reported as status error.
func (r *Runtime) runHandler(ctx context.Context, run Handler, params map[string]any) (result map[string]any, status string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("action handler panicked", "panic", rec)
			result = map[string]any{"status": "failed", "reason": fmt.Sprint(rec)}
			status = model.StatusError
		}
	}()
	res, err := run(ctx, params)
	if err != nil {
		if res == nil {
			res = make(map[string]any, 2)
		}
		res["status"] = "failed"
		res["reason"] = err.Error()
		return res, model.StatusFailed
	}
	return res, model.StatusCompleted
}

func (r *Runtime) report(ac model.Action, status string, result map[string]any, ev model.Evidence) {
	st := model.ActionStatus{
		ActionID:   ac.ActionID,
		StrikerID:  r.agentID(),
		ActionType: ac.ActionType,
		Status:     status,
		ResultData: result,
		Evidence:   ev,
	}
	if err := r.bus.Publish(bus.SubjectActionStatus, wire.EncodeActionStatus(st)); err != nil {
		r.log.Warn("status publish failed", "action_id", ac.ActionID, "error", err)
	}
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
	r.mu.Unlock()
	if id == nil {
		return
	}
	hb := model.Heartbeat{
		AgentID:      id.AgentID,
		Status:       model.AgentActive,
		AgentType:    model.AgentTypeStriker,
		AgentSubtype: r.cfg.Subtype,
		Zone:         r.currentZone(),
	}
	data, err := json.Marshal(hb)
	if err != nil {
		return
	}
	if err := r.bus.Publish(bus.HeartbeatSubject(model.AgentTypeStriker, id.AgentID), data); err == nil {
		return
	}
	if err := r.core.Heartbeat(ctx, id.APIKey, hb); err != nil {
		r.log.Warn("heartbeat failed on bus and http", "error", err)
	}
}

func (r *Runtime) rollbackLoop(ctx context.Context) {
	for {
		if err := clock.Sleep(ctx, r.clock, rollbackTick); err != nil {
			return
		}
		r.fireDueRollbacks()
	}
}

// fireDueRollbacks dispatches a synthetic action to this striker's own
// direct subject for every ledger entry whose window expired. Entries are
// marked only after a successful publish so a bus outage retries next tick.
func (r *Runtime) fireDueRollbacks() {
	now := r.clock.Now()
	for _, e := range r.ledger.Due(now) {
		params := make(map[string]any, len(e.RollbackParams)+1)
		for k, v := range e.RollbackParams {
			params[k] = v
		}
		params["original_action_id"] = e.ActionID
		ac := model.Action{
			ActionID:    uuid.NewString(),
			StrikerID:   r.agentID(),
			ActionType:  e.RollbackActionType,
			Parameters:  params,
			Status:      model.ActionQueued,
			InitiatedBy: "auto_rollback",
			Timestamp:   now.UTC(),
		}
		if err := r.bus.Publish(bus.ActionDirectSubject(r.agentID()), wire.EncodeAction(ac)); err != nil {
			r.log.Warn("rollback dispatch failed", "original_action_id", e.ActionID, "error", err)
			continue
		}
		r.ledger.MarkRolledBack(e.ActionID)
		r.log.Info("auto rollback dispatched",
			"original_action_id", e.ActionID, "rollback_type", e.RollbackActionType)
	}
}
