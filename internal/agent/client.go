package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/argus-sec/argus/internal/auth"
	"github.com/argus-sec/argus/internal/clock"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/model"
)

const (
	httpTimeout        = 10 * time.Second
	initialBackoff     = 2 * time.Second
	maxRegisterBackoff = 60 * time.Second
)

// ErrRegistrationRejected means Core refused the key outright (prefix
// collision with a different key). Retrying cannot help; the agent needs a
// fresh identity or operator intervention.
var ErrRegistrationRejected = errors.New("registration rejected by core")

// RegisterRequest mirrors the body of POST /agents/register.
type RegisterRequest struct {
	AgentID      string         `json:"agent_id,omitempty"`
	APIKey       string         `json:"api_key"`
	AgentType    string         `json:"agent_type"`
	AgentSubtype string         `json:"agent_subtype,omitempty"`
	Zone         string         `json:"zone,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	NodeMetadata map[string]any `json:"node_metadata,omitempty"`
}

// RegisterResponse is Core's answer: the canonical agent id plus the mTLS
// bundle.
type RegisterResponse struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	CertPEM string `json:"cert_pem"`
	KeyPEM  string `json:"key_pem"`
	CAPEM   string `json:"ca_pem"`
}

// Client talks to the Core HTTP API on behalf of an agent. baseURL carries
// the versioned prefix, e.g. http://core:8000/api/v1.
type Client struct {
	baseURL string
	http    *http.Client
	clock   clock.Clock
	log     *logging.Logger
}

func NewClient(baseURL string, clk clock.Clock, log *logging.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: httpTimeout},
		clock:   clk,
		log:     log,
	}
}

// Register performs a single registration attempt.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal registration: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agents/register", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return nil, ErrRegistrationRejected
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("register: core returned %d", resp.StatusCode)
	}

	var out RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode registration response: %w", err)
	}
	return &out, nil
}

// RegisterWithBackoff retries registration until Core answers, the key is
// rejected outright, or the context ends. Backoff doubles from 2 s to a
// 60 s cap.
func (c *Client) RegisterWithBackoff(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	delay := initialBackoff
	for {
		resp, err := c.Register(ctx, req)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, ErrRegistrationRejected) {
			return nil, err
		}
		c.log.Warn("registration attempt failed", "error", err, "retry_in", delay.String())
		if err := clock.Sleep(ctx, c.clock, delay); err != nil {
			return nil, err
		}
		if delay *= 2; delay > maxRegisterBackoff {
			delay = maxRegisterBackoff
		}
	}
}

// Heartbeat is the HTTP fallback used when the bus publish fails. The agent
// authenticates with its API key; Core resolves the id from the key and
// rejects mismatched payloads.
func (c *Client) Heartbeat(ctx context.Context, apiKey string, hb model.Heartbeat) error {
	body, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agents/heartbeat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderAgentKey, apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat: core returned %d", resp.StatusCode)
	}
	return nil
}

// FetchConfig pulls the centrally managed config and decrypts the two
// connectivity values with the agent's own key. Returns nil (no error) when
// no config is provisioned yet; the caller falls back to local settings.
func (c *Client) FetchConfig(ctx context.Context, agentID, apiKey string) (*model.ConfigSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/agent-config/"+agentID+"/config", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(auth.HeaderAgentKey, apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch config: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch config: core returned %d", resp.StatusCode)
	}

	var cfg model.AgentConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return c.decryptConfig(&cfg, apiKey), nil
}

// decryptConfig turns the transport form into the plaintext snapshot. A
// value that fails to decrypt is dropped rather than failing the whole
// config; the agent keeps its current connection settings.
func (c *Client) decryptConfig(cfg *model.AgentConfig, apiKey string) *model.ConfigSnapshot {
	snap := &model.ConfigSnapshot{
		AgentID:              cfg.AgentID,
		LogLevel:             cfg.LogLevel,
		Environment:          cfg.Environment,
		Zone:                 cfg.Zone,
		DetectionThresholds:  cfg.DetectionThresholds,
		ProbeIntervalSeconds: cfg.ProbeIntervalSeconds,
		EnabledProbes:        cfg.EnabledProbes,
		Capabilities:         cfg.Capabilities,
		AllowedActions:       cfg.AllowedActions,
		ActionDefaults:       cfg.ActionDefaults,
		MaxConcurrentActions: cfg.MaxConcurrentActions,
		ConfigVersion:        cfg.ConfigVersion,
	}
	box, err := auth.NewBox(apiKey)
	if err != nil {
		c.log.Error("derive config box", "error", err)
		return snap
	}
	if cfg.NATSURLEnc != "" {
		if snap.NATSURL, err = box.Decrypt(cfg.NATSURLEnc); err != nil {
			c.log.Error("decrypt nats url", "error", err)
		}
	}
	if cfg.CoreAPIEnc != "" {
		if snap.CoreAPIURL, err = box.Decrypt(cfg.CoreAPIEnc); err != nil {
			c.log.Error("decrypt core api url", "error", err)
		}
	}
	c.log.Info("remote config loaded",
		"config_version", snap.ConfigVersion, "zone", snap.Zone, "log_level", snap.LogLevel)
	return snap
}
