// Package confsync manages the centrally stored, versioned per-agent
// configuration. The two connectivity values are encrypted with the Core
// master secret at rest and re-encrypted under the requesting agent's API
// key in transit, so only that agent can read them. Every successful update
// pushes the plaintext snapshot on config.<agent_id>.
package confsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/argus-sec/argus/internal/auth"
	"github.com/argus-sec/argus/internal/bus"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/model"
)

const (
	defaultProbeInterval = 10
	defaultLogLevel      = "INFO"
	defaultEnvironment   = "production"
	defaultZone          = "default"
)

// Store is the config persistence surface.
type Store interface {
	ProvisionAgentConfig(ctx context.Context, c *model.AgentConfig) error
	UpsertAgentConfig(ctx context.Context, c *model.AgentConfig) (int, error)
	GetAgentConfig(ctx context.Context, agentID string) (*model.AgentConfig, error)
}

// Publisher pushes config snapshots onto the bus.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Auditor records config changes.
type Auditor interface {
	Record(ctx context.Context, actor, action, resource string, details map[string]any)
}

// ConfigUpdate is a partial config change. Nil fields are left untouched;
// connectivity values arrive in plaintext and are encrypted before storage.
type ConfigUpdate struct {
	NATSURL              *string                   `json:"nats_url,omitempty"`
	CoreAPIURL           *string                   `json:"core_api_url,omitempty"`
	LogLevel             *string                   `json:"log_level,omitempty"`
	Environment          *string                   `json:"environment,omitempty"`
	Zone                 *string                   `json:"zone,omitempty"`
	DetectionThresholds  map[string]float64        `json:"detection_thresholds,omitempty"`
	ProbeIntervalSeconds *int                      `json:"probe_interval_seconds,omitempty"`
	EnabledProbes        []string                  `json:"enabled_probes,omitempty"`
	Capabilities         []string                  `json:"capabilities,omitempty"`
	AllowedActions       *[]string                 `json:"allowed_actions,omitempty"`
	ActionDefaults       map[string]map[string]any `json:"action_defaults,omitempty"`
	MaxConcurrentActions *int                      `json:"max_concurrent_actions,omitempty"`
}

// Service owns config storage, encryption, and push.
type Service struct {
	store      Store
	bus        Publisher
	audit      Auditor
	box        *auth.Box
	natsURL    string
	coreAPIURL string
	log        *logging.Logger
}

func New(st Store, b Publisher, audit Auditor, masterSecret, natsURL, coreAPIURL string, log *logging.Logger) (*Service, error) {
	box, err := auth.NewBox(masterSecret)
	if err != nil {
		return nil, fmt.Errorf("config secretbox: %w", err)
	}
	return &Service{
		store:      st,
		bus:        b,
		audit:      audit,
		box:        box,
		natsURL:    natsURL,
		coreAPIURL: coreAPIURL,
		log:        log,
	}, nil
}

// defaultConfig builds the type-appropriate baseline. Maps and slices are
// freshly allocated per call so stored rows never alias each other.
func (s *Service) defaultConfig(agentID, agentType string) (*model.AgentConfig, error) {
	c := &model.AgentConfig{
		AgentID:     agentID,
		LogLevel:    defaultLogLevel,
		Environment: defaultEnvironment,
		Zone:        defaultZone,
	}
	switch agentType {
	case model.AgentTypeSentinel:
		c.DetectionThresholds = map[string]float64{
			"cpu_threshold":   80,
			"mem_threshold":   85,
			"disk_threshold":  90,
			"load_multiplier": 2.0,
		}
		c.EnabledProbes = []string{"system", "network", "process", "file"}
		c.ProbeIntervalSeconds = defaultProbeInterval
	case model.AgentTypeStriker:
		c.Capabilities = []string{"network_block", "process_kill", "file_quarantine"}
		c.ActionDefaults = map[string]map[string]any{
			"network_block": {"duration": 3600},
		}
	}

	var err error
	if c.NATSURLEnc, err = s.box.Encrypt(s.natsURL); err != nil {
		return nil, fmt.Errorf("encrypt nats url: %w", err)
	}
	if c.CoreAPIEnc, err = s.box.Encrypt(s.coreAPIURL); err != nil {
		return nil, fmt.Errorf("encrypt core api url: %w", err)
	}
	return c, nil
}

// Provision seeds the default config row for a newly registered agent. An
// existing row is left untouched so re-registration never resets operator
// tuning.
func (s *Service) Provision(ctx context.Context, agentID, agentType string) error {
	c, err := s.defaultConfig(agentID, agentType)
	if err != nil {
		return err
	}
	if err := s.store.ProvisionAgentConfig(ctx, c); err != nil {
		return err
	}
	s.audit.Record(ctx, "config_sync", "config_provisioned", agentID, map[string]any{
		"agent_type": agentType,
	})
	s.log.Info("provisioned agent config", "agent_id", agentID, "agent_type", agentType)
	return nil
}

// Upsert applies a partial update, auto-provisioning a default row for
// agents that registered themselves. The version bump is monotone (done in
// SQL), and the full plaintext snapshot is pushed on config.<agent_id>
// before returning.
func (s *Service) Upsert(ctx context.Context, agentID string, upd ConfigUpdate, agentType string) (*model.ConfigSnapshot, error) {
	base, err := s.store.GetAgentConfig(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if base == nil {
		if base, err = s.defaultConfig(agentID, agentType); err != nil {
			return nil, err
		}
		s.log.Info("auto-provisioned default config", "agent_id", agentID, "agent_type", agentType)
	}
	if err := s.applyUpdate(base, upd); err != nil {
		return nil, err
	}

	version, err := s.store.UpsertAgentConfig(ctx, base)
	if err != nil {
		return nil, err
	}
	base.ConfigVersion = version

	snap := s.snapshot(base)
	s.push(agentID, snap)

	s.audit.Record(ctx, "config_sync", "config_updated", agentID, map[string]any{
		"config_version": version,
	})
	s.log.Info("updated agent config", "agent_id", agentID, "config_version", version)
	return snap, nil
}

func (s *Service) applyUpdate(c *model.AgentConfig, upd ConfigUpdate) error {
	var err error
	if upd.NATSURL != nil {
		if c.NATSURLEnc, err = s.box.Encrypt(*upd.NATSURL); err != nil {
			return fmt.Errorf("encrypt nats url: %w", err)
		}
	}
	if upd.CoreAPIURL != nil {
		if c.CoreAPIEnc, err = s.box.Encrypt(*upd.CoreAPIURL); err != nil {
			return fmt.Errorf("encrypt core api url: %w", err)
		}
	}
	if upd.LogLevel != nil {
		c.LogLevel = *upd.LogLevel
	}
	if upd.Environment != nil {
		c.Environment = *upd.Environment
	}
	if upd.Zone != nil {
		c.Zone = *upd.Zone
	}
	if upd.DetectionThresholds != nil {
		c.DetectionThresholds = upd.DetectionThresholds
	}
	if upd.ProbeIntervalSeconds != nil {
		c.ProbeIntervalSeconds = *upd.ProbeIntervalSeconds
	}
	if upd.EnabledProbes != nil {
		c.EnabledProbes = upd.EnabledProbes
	}
	if upd.Capabilities != nil {
		c.Capabilities = upd.Capabilities
	}
	if upd.AllowedActions != nil {
		c.AllowedActions = *upd.AllowedActions
	}
	if upd.ActionDefaults != nil {
		c.ActionDefaults = upd.ActionDefaults
	}
	if upd.MaxConcurrentActions != nil {
		c.MaxConcurrentActions = *upd.MaxConcurrentActions
	}
	return nil
}

// GetForAgent returns the config with the connectivity values re-encrypted
// under the requesting agent's API key. Returns nil when the agent has no
// config row.
func (s *Service) GetForAgent(ctx context.Context, agentID, apiKey string) (*model.AgentConfig, error) {
	c, err := s.store.GetAgentConfig(ctx, agentID)
	if err != nil || c == nil {
		return nil, err
	}
	agentBox, err := auth.NewBox(apiKey)
	if err != nil {
		return nil, fmt.Errorf("agent secretbox: %w", err)
	}
	if c.NATSURLEnc != "" {
		if c.NATSURLEnc, err = s.box.Reseal(c.NATSURLEnc, agentBox); err != nil {
			return nil, fmt.Errorf("reseal nats url for %s: %w", agentID, err)
		}
	}
	if c.CoreAPIEnc != "" {
		if c.CoreAPIEnc, err = s.box.Reseal(c.CoreAPIEnc, agentBox); err != nil {
			return nil, fmt.Errorf("reseal core api url for %s: %w", agentID, err)
		}
	}
	return c, nil
}

// OperatorView returns the config without its connectivity values: operators
// see the tunables, not the secrets. Nil when the agent has no config row.
func (s *Service) OperatorView(ctx context.Context, agentID string) (*model.ConfigSnapshot, error) {
	c, err := s.store.GetAgentConfig(ctx, agentID)
	if err != nil || c == nil {
		return nil, err
	}
	snap := s.snapshot(c)
	snap.NATSURL = ""
	snap.CoreAPIURL = ""
	return snap, nil
}

// snapshot renders the plaintext view of a config row. Undecryptable values
// degrade to empty rather than blocking the rest of the config.
func (s *Service) snapshot(c *model.AgentConfig) *model.ConfigSnapshot {
	snap := &model.ConfigSnapshot{
		AgentID:              c.AgentID,
		LogLevel:             c.LogLevel,
		Environment:          c.Environment,
		Zone:                 c.Zone,
		DetectionThresholds:  c.DetectionThresholds,
		ProbeIntervalSeconds: c.ProbeIntervalSeconds,
		EnabledProbes:        c.EnabledProbes,
		Capabilities:         c.Capabilities,
		AllowedActions:       c.AllowedActions,
		ActionDefaults:       c.ActionDefaults,
		MaxConcurrentActions: c.MaxConcurrentActions,
		ConfigVersion:        c.ConfigVersion,
	}
	var err error
	if c.NATSURLEnc != "" {
		if snap.NATSURL, err = s.box.Decrypt(c.NATSURLEnc); err != nil {
			s.log.Error("decrypt stored nats url", "agent_id", c.AgentID, "error", err)
		}
	}
	if c.CoreAPIEnc != "" {
		if snap.CoreAPIURL, err = s.box.Decrypt(c.CoreAPIEnc); err != nil {
			s.log.Error("decrypt stored core api url", "agent_id", c.AgentID, "error", err)
		}
	}
	return snap
}

// push publishes the snapshot on the agent's config subject. A publish
// failure is not an upsert failure; the agent picks the change up on its
// next fetch.
func (s *Service) push(agentID string, snap *model.ConfigSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.bus.Publish(bus.ConfigSubject(agentID), data); err != nil {
		s.log.Warn("push config snapshot", "agent_id", agentID, "error", err)
	}
}
