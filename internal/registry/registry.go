// Package registry tracks the agent fleet: registration with cert issuance,
// heartbeat liveness from the bus and the HTTP fallback, node metadata, and
// the background sweep that degrades quiet agents. The store is
// authoritative; an in-memory mirror serves reads without a query per
// request.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/argus-sec/argus/internal/auth"
	"github.com/argus-sec/argus/internal/ca"
	"github.com/argus-sec/argus/internal/clock"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/metrics"
	"github.com/argus-sec/argus/internal/model"
	"github.com/argus-sec/argus/internal/store"
)

const (
	// sweepInterval is how often the liveness sweep runs.
	sweepInterval = 30 * time.Second
	// staleAfter is the heartbeat silence after which an active agent is
	// unhealthy, and after which list views present it as inactive.
	staleAfter = 90 * time.Second
)

var (
	// ErrKeyMismatch is returned when a registration key hits a stored
	// prefix but fails hash verification. Maps to 400 at the HTTP layer.
	ErrKeyMismatch = errors.New("api key does not match stored credentials")
	// ErrInvalidRequest covers registrations missing required fields.
	ErrInvalidRequest = errors.New("invalid registration request")
	// ErrUnknownKey means an API key resolved to no registered agent.
	// Maps to 401 at the HTTP layer.
	ErrUnknownKey = errors.New("unknown api key")
)

// Store is the agent persistence surface.
type Store interface {
	InsertAgent(ctx context.Context, a *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	GetAgentsByPrefix(ctx context.Context, prefix string) ([]model.Agent, error)
	ListAgents(ctx context.Context, f store.AgentFilter) ([]model.Agent, error)
	TouchHeartbeat(ctx context.Context, hb *model.Heartbeat) error
	UpdateAgentProfile(ctx context.Context, id, subtype, zone string, capabilities []string) error
	UpdateAgentMetadata(ctx context.Context, id string, meta map[string]any) error
	UpdateAgentCredentials(ctx context.Context, id, prefix, hash string) error
	MarkStaleUnhealthy(ctx context.Context, cutoff time.Time) (int, error)
}

// CertIssuer signs agent client certificates. The built-in CA implements it.
type CertIssuer interface {
	IssueAgentCredentials(agentID string) (*ca.Credentials, error)
}

// Provisioner seeds a default config row for a newly registered agent. The
// config sync service implements it.
type Provisioner interface {
	Provision(ctx context.Context, agentID, agentType string) error
}

// Auditor appends registration events to the audit trail.
type Auditor interface {
	Record(ctx context.Context, actor, action, resource string, details map[string]any)
}

// RegistrationRequest is the body of POST /api/v1/agents/register. The agent
// supplies its own high-entropy key; Core keeps only the prefix and a bcrypt
// hash.
type RegistrationRequest struct {
	AgentID      string         `json:"agent_id,omitempty"`
	APIKey       string         `json:"api_key"`
	AgentType    string         `json:"agent_type"`
	AgentSubtype string         `json:"agent_subtype,omitempty"`
	Zone         string         `json:"zone,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	NodeMetadata map[string]any `json:"node_metadata,omitempty"`
}

// RegistrationResponse carries the canonical agent id and the mTLS bundle.
// The private key exists only in this response and on the agent's disk.
type RegistrationResponse struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	CertPEM string `json:"cert_pem"`
	KeyPEM  string `json:"key_pem"`
	CAPEM   string `json:"ca_pem"`
}

type agentState struct {
	agent    model.Agent
	lastSeen time.Time
}

// Registry is the fleet tracker. All writes go to the store first; the
// mirror only ever lags by one failed write.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agentState

	store  Store
	bus    Bus
	ca     CertIssuer
	config Provisioner
	audit  Auditor
	log    *logging.Logger
	clock  clock.Clock
}

func New(st Store, b Bus, issuer CertIssuer, config Provisioner, audit Auditor, log *logging.Logger, clk clock.Clock) *Registry {
	return &Registry{
		agents: make(map[string]*agentState),
		store:  st,
		bus:    b,
		ca:     issuer,
		config: config,
		audit:  audit,
		log:    log,
		clock:  clk,
	}
}

// LoadFromStore hydrates the mirror from the agents table. Call once after
// construction.
func (r *Registry) LoadFromStore(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx, store.AgentFilter{})
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	r.mu.Lock()
	for _, a := range agents {
		r.agents[a.ID] = &agentState{agent: a, lastSeen: a.LastHeartbeat}
	}
	r.mu.Unlock()

	r.log.Info("loaded agents from store", "count", len(agents))
	return nil
}

// Register enrolls or reactivates an agent. Lookup is by key prefix; a
// matching hash reactivates the stored row, a prefix hit without a hash
// match is rejected, and an unknown key inserts a new agent. Both paths
// issue a fresh client certificate.
func (r *Registry) Register(ctx context.Context, req RegistrationRequest) (*RegistrationResponse, error) {
	if req.APIKey == "" {
		return nil, fmt.Errorf("%w: api_key required", ErrInvalidRequest)
	}
	if req.AgentType == "" {
		return nil, fmt.Errorf("%w: agent_type required", ErrInvalidRequest)
	}
	prefix, err := auth.KeyPrefix(req.APIKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	candidates, err := r.store.GetAgentsByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("lookup by prefix: %w", err)
	}
	for _, a := range candidates {
		if auth.CheckAPIKey(a.APIKeyHash, req.APIKey) {
			return r.reactivate(ctx, a, req)
		}
	}
	if len(candidates) > 0 {
		return nil, ErrKeyMismatch
	}
	return r.registerNew(ctx, req, prefix)
}

func (r *Registry) reactivate(ctx context.Context, a model.Agent, req RegistrationRequest) (*RegistrationResponse, error) {
	if err := r.store.UpdateAgentCredentials(ctx, a.ID, a.APIKeyPrefix, a.APIKeyHash); err != nil {
		return nil, fmt.Errorf("reactivate agent %s: %w", a.ID, err)
	}
	if req.NodeMetadata != nil {
		if err := r.store.UpdateAgentMetadata(ctx, a.ID, req.NodeMetadata); err != nil {
			r.log.Warn("update node metadata", "agent_id", a.ID, "error", err)
		} else {
			a.NodeMetadata = req.NodeMetadata
		}
	}

	creds, err := r.ca.IssueAgentCredentials(a.ID)
	if err != nil {
		return nil, fmt.Errorf("issue cert %s: %w", a.ID, err)
	}

	a.Status = model.AgentActive
	r.remember(a)

	r.audit.Record(ctx, a.ID, "agent_reactivated", a.ID, map[string]any{
		"agent_type": a.AgentType,
		"zone":       a.Zone,
	})
	r.log.Info("agent reactivated", "agent_id", a.ID, "agent_type", a.AgentType)

	return &RegistrationResponse{
		AgentID: a.ID,
		Status:  "reactivated",
		CertPEM: string(creds.CertPEM),
		KeyPEM:  string(creds.KeyPEM),
		CAPEM:   string(creds.CAPEM),
	}, nil
}

func (r *Registry) registerNew(ctx context.Context, req RegistrationRequest, prefix string) (*RegistrationResponse, error) {
	hash, err := auth.HashAPIKey(req.APIKey)
	if err != nil {
		return nil, fmt.Errorf("hash api key: %w", err)
	}

	id := req.AgentID
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	zone := req.Zone
	if zone == "" {
		zone = "default"
	}
	now := r.clock.Now().UTC()
	agent := model.Agent{
		ID:            id,
		CreatedAt:     now,
		UpdatedAt:     now,
		AgentType:     req.AgentType,
		AgentSubtype:  req.AgentSubtype,
		Zone:          zone,
		Capabilities:  req.Capabilities,
		Status:        model.AgentActive,
		LastHeartbeat: now,
		NodeMetadata:  req.NodeMetadata,
		APIKeyPrefix:  prefix,
		APIKeyHash:    hash,
	}
	if err := r.store.InsertAgent(ctx, &agent); err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	if r.config != nil {
		if err := r.config.Provision(ctx, id, req.AgentType); err != nil {
			r.log.Warn("provision agent config", "agent_id", id, "error", err)
		}
	}

	creds, err := r.ca.IssueAgentCredentials(id)
	if err != nil {
		return nil, fmt.Errorf("issue cert %s: %w", id, err)
	}

	r.remember(agent)

	r.audit.Record(ctx, id, "agent_registered", id, map[string]any{
		"agent_type":    req.AgentType,
		"agent_subtype": req.AgentSubtype,
		"zone":          zone,
	})
	r.log.Info("agent registered", "agent_id", id, "agent_type", req.AgentType, "zone", zone)

	return &RegistrationResponse{
		AgentID: id,
		Status:  "registered",
		CertPEM: string(creds.CertPEM),
		KeyPEM:  string(creds.KeyPEM),
		CAPEM:   string(creds.CAPEM),
	}, nil
}

// Authenticate resolves an API key to its agent: prefix index lookup, then
// hash verification against each candidate. Used by the HTTP endpoints that
// take X-Agent-API-Key.
func (r *Registry) Authenticate(ctx context.Context, apiKey string) (*model.Agent, error) {
	prefix, err := auth.KeyPrefix(apiKey)
	if err != nil {
		return nil, ErrUnknownKey
	}
	candidates, err := r.store.GetAgentsByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("lookup by prefix: %w", err)
	}
	for i := range candidates {
		if auth.CheckAPIKey(candidates[i].APIKeyHash, apiKey) {
			a := candidates[i]
			return &a, nil
		}
	}
	return nil, ErrUnknownKey
}

// ApplyHeartbeat upserts liveness. Unknown agents get a minimal row so a
// heartbeat arriving before its registration is not lost.
func (r *Registry) ApplyHeartbeat(ctx context.Context, hb *model.Heartbeat) error {
	if hb.AgentID == "" {
		return fmt.Errorf("heartbeat without agent_id")
	}
	if hb.Status == "" {
		hb.Status = model.AgentActive
	}
	if err := r.store.TouchHeartbeat(ctx, hb); err != nil {
		return err
	}
	metrics.HeartbeatsReceived.Inc()

	now := r.clock.Now().UTC()
	r.mu.Lock()
	st, ok := r.agents[hb.AgentID]
	if !ok {
		st = &agentState{agent: model.Agent{
			ID:           hb.AgentID,
			AgentType:    hb.AgentType,
			AgentSubtype: hb.AgentSubtype,
			Zone:         hb.Zone,
		}}
		r.agents[hb.AgentID] = st
	}
	st.agent.Status = hb.Status
	st.agent.LastHeartbeat = now
	if hb.ResourceUsage != nil {
		st.agent.ResourceUsage = hb.ResourceUsage
	}
	st.lastSeen = now
	r.mu.Unlock()
	return nil
}

// UpdateNodeMetadata replaces the stored hardware/OS identity document.
func (r *Registry) UpdateNodeMetadata(ctx context.Context, id string, meta map[string]any) error {
	if err := r.store.UpdateAgentMetadata(ctx, id, meta); err != nil {
		return err
	}
	r.mu.Lock()
	if st, ok := r.agents[id]; ok {
		st.agent.NodeMetadata = meta
	}
	r.mu.Unlock()
	return nil
}

// UpdateProfile changes the mutable registration fields. Config cascade is
// the caller's concern.
func (r *Registry) UpdateProfile(ctx context.Context, id, subtype, zone string, capabilities []string) error {
	if err := r.store.UpdateAgentProfile(ctx, id, subtype, zone, capabilities); err != nil {
		return err
	}
	r.mu.Lock()
	if st, ok := r.agents[id]; ok {
		st.agent.AgentSubtype = subtype
		st.agent.Zone = zone
		st.agent.Capabilities = capabilities
	}
	r.mu.Unlock()
	return nil
}

// Get returns an agent by id, serving from the mirror and falling back to
// the store for rows written by another replica.
func (r *Registry) Get(ctx context.Context, id string) (*model.Agent, error) {
	r.mu.RLock()
	st, ok := r.agents[id]
	r.mu.RUnlock()
	if ok {
		a := st.agent
		return &a, nil
	}
	a, err := r.store.GetAgent(ctx, id)
	if err != nil || a == nil {
		return a, err
	}
	r.remember(*a)
	return a, nil
}

// List returns agents from the store with staleness folded into the
// presented status: anything quiet past the liveness threshold reads as
// inactive regardless of the stored value.
func (r *Registry) List(ctx context.Context, f store.AgentFilter) ([]model.Agent, error) {
	agents, err := r.store.ListAgents(ctx, f)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	for i := range agents {
		if agents[i].LastHeartbeat.IsZero() || now.Sub(agents[i].LastHeartbeat) > staleAfter {
			agents[i].Status = model.AgentInactive
		}
	}
	return agents, nil
}

func (r *Registry) remember(a model.Agent) {
	r.mu.Lock()
	r.agents[a.ID] = &agentState{agent: a, lastSeen: r.clock.Now().UTC()}
	r.mu.Unlock()
}
