// Package web is Core's HTTP surface: operator endpoints under /api/v1
// authenticated with bearer tokens, agent endpoints authenticated with the
// X-Agent-API-Key header, the SSE notification stream, Prometheus metrics,
// and the health report.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/argus-sec/argus/internal/audit"
	"github.com/argus-sec/argus/internal/auth"
	"github.com/argus-sec/argus/internal/clock"
	"github.com/argus-sec/argus/internal/confsync"
	"github.com/argus-sec/argus/internal/deploy"
	"github.com/argus-sec/argus/internal/intel"
	"github.com/argus-sec/argus/internal/llm"
	"github.com/argus-sec/argus/internal/logging"
	"github.com/argus-sec/argus/internal/model"
	"github.com/argus-sec/argus/internal/registry"
	"github.com/argus-sec/argus/internal/store"
	"github.com/argus-sec/argus/internal/stream"
)

// Dependencies defines what the API needs from the rest of Core.
type Dependencies struct {
	Registry  AgentRegistry
	Config    ConfigService
	Events    EventStore
	Alerts    AlertStore
	Actions   ActionStore
	Incidents IncidentStore
	Users     UserStore
	Dispatch  ActionDispatcher
	Intel     IntelStore
	LLM       LLMHealth
	Deploy    DeployService
	Audit     Auditor
	Feed      *stream.Feed
	Bus       BusHealth
	DB        Pinger
	Cache     Pinger
	JWTSecret string
	Log       *logging.Logger
	Clock     clock.Clock
}

// AgentRegistry is the fleet surface: enrollment, key auth, liveness, reads.
type AgentRegistry interface {
	Register(ctx context.Context, req registry.RegistrationRequest) (*registry.RegistrationResponse, error)
	Authenticate(ctx context.Context, apiKey string) (*model.Agent, error)
	ApplyHeartbeat(ctx context.Context, hb *model.Heartbeat) error
	Get(ctx context.Context, id string) (*model.Agent, error)
	List(ctx context.Context, f store.AgentFilter) ([]model.Agent, error)
	UpdateProfile(ctx context.Context, id, subtype, zone string, capabilities []string) error
}

// ConfigService manages the centrally stored per-agent configuration.
type ConfigService interface {
	Upsert(ctx context.Context, agentID string, upd confsync.ConfigUpdate, agentType string) (*model.ConfigSnapshot, error)
	GetForAgent(ctx context.Context, agentID, apiKey string) (*model.AgentConfig, error)
	OperatorView(ctx context.Context, agentID string) (*model.ConfigSnapshot, error)
}

// EventStore reads persisted telemetry.
type EventStore interface {
	ListEvents(ctx context.Context, f store.EventFilter) ([]model.Event, error)
	GetEvent(ctx context.Context, id string) (*model.Event, error)
}

// AlertStore reads minted alerts.
type AlertStore interface {
	ListAlerts(ctx context.Context, f store.AlertFilter) ([]model.Alert, error)
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
}

// ActionStore reads the response-action ledger.
type ActionStore interface {
	ListActions(ctx context.Context, f store.ActionFilter) ([]model.Action, error)
}

// IncidentStore reads incidents opened by the decision engine.
type IncidentStore interface {
	ListIncidents(ctx context.Context, f store.IncidentFilter) ([]model.Incident, error)
	GetIncident(ctx context.Context, id string) (*model.Incident, error)
}

// UserStore persists operator accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	CountUsers(ctx context.Context) (int, error)
}

// ActionDispatcher hands operator-initiated actions to the response
// pipeline.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, ac *model.Action, subject string) error
}

// IntelStore reads the indicator cache.
type IntelStore interface {
	Stats(ctx context.Context) (*intel.Stats, error)
	Lookup(ctx context.Context, iocType, value string) (*intel.IOC, error)
}

// LLMHealth probes the inference endpoint.
type LLMHealth interface {
	CheckHealth(ctx context.Context) llm.Health
}

// DeployService discovers infrastructure and rolls agents out to it.
type DeployService interface {
	Scan(ctx context.Context, cidr string) ([]model.InfraNode, error)
	AddNode(ctx context.Context, n *model.InfraNode) error
	ListNodes(ctx context.Context, status string) ([]model.InfraNode, error)
	RequestDeploy(ctx context.Context, nodeID string, req deploy.DeployRequest) (*model.InfraNode, error)
}

// Auditor records operator actions on the tamper-evident trail and can
// verify it end to end.
type Auditor interface {
	Record(ctx context.Context, actor, action, resource string, details map[string]any)
	VerifyChain(ctx context.Context, limit int) (*audit.VerifyResult, error)
}

// BusHealth reports message bus connectivity.
type BusHealth interface {
	IsConnected() bool
}

// Pinger reports reachability of a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the Core HTTP API.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Operator auth.
	s.mux.HandleFunc("POST /api/v1/token", s.apiToken)
	// apiCreateUser gates itself: open only while the users table is empty.
	s.mux.HandleFunc("POST /api/v1/users/", s.apiCreateUser)
	s.mux.HandleFunc("GET /api/v1/users/", s.requireUser(s.apiListUsers))
	s.mux.HandleFunc("GET /api/v1/users/me", s.requireUser(s.apiCurrentUser))

	// Agent lifecycle.
	s.mux.HandleFunc("POST /api/v1/agents/register", s.apiRegisterAgent)
	s.mux.HandleFunc("POST /api/v1/agents/heartbeat", s.requireAgent(s.apiHeartbeat))
	s.mux.HandleFunc("GET /api/v1/agents/", s.requireUser(s.apiListAgents))
	s.mux.HandleFunc("GET /api/v1/agents/strikers", s.requireUser(s.apiListStrikers))
	s.mux.HandleFunc("PUT /api/v1/agents/{id}", s.requireUser(s.apiUpdateAgent))
	s.mux.HandleFunc("GET /api/v1/agents/{id}/config", s.requireUser(s.apiGetAgentConfig))
	s.mux.HandleFunc("PUT /api/v1/agents/{id}/config", s.requireUser(s.apiPutAgentConfig))
	s.mux.HandleFunc("GET /api/v1/agent-config/{id}/config", s.requireAgent(s.apiAgentFetchConfig))

	// Telemetry and detections.
	s.mux.HandleFunc("GET /api/v1/events/", s.apiListEvents)
	s.mux.HandleFunc("GET /api/v1/events/{id}", s.apiGetEvent)
	s.mux.HandleFunc("POST /api/v1/events/{id}/strike", s.requireUser(s.apiStrikeFromEvent))
	s.mux.HandleFunc("GET /api/v1/alerts/", s.apiListAlerts)
	s.mux.HandleFunc("GET /api/v1/alerts/{id}", s.apiGetAlert)
	s.mux.HandleFunc("POST /api/v1/alerts/{id}/dispatch", s.requireUser(s.apiDispatchActions))
	s.mux.HandleFunc("GET /api/v1/actions/", s.apiListActions)
	s.mux.HandleFunc("GET /api/v1/incidents/", s.apiListIncidents)
	s.mux.HandleFunc("GET /api/v1/incidents/{id}", s.apiGetIncident)

	// Threat intel.
	s.mux.HandleFunc("GET /api/v1/threat-intel/stats", s.apiIntelStats)
	s.mux.HandleFunc("GET /api/v1/threat-intel/lookup", s.apiIntelLookup)

	// Deployment.
	s.mux.HandleFunc("POST /api/v1/deployment/scan", s.requireUser(s.apiDeployScan))
	s.mux.HandleFunc("GET /api/v1/deployment/nodes", s.requireUser(s.apiDeployListNodes))
	s.mux.HandleFunc("POST /api/v1/deployment/nodes", s.requireUser(s.apiDeployAddNode))
	s.mux.HandleFunc("POST /api/v1/deployment/nodes/{id}/deploy", s.requireUser(s.apiDeployNode))

	// Audit.
	s.mux.HandleFunc("GET /api/v1/audit/verify", s.requireUser(s.apiAuditVerify))

	// Operations.
	s.mux.HandleFunc("GET /api/v1/health", s.apiHealth)
	s.mux.HandleFunc("GET /api/v1/stream", s.apiStream)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived.
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("api listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

type ctxKey int

const (
	ctxKeyUser ctxKey = iota
	ctxKeyAgent
	ctxKeyAgentAPIKey
)

// requireUser verifies the bearer token and stashes the username in the
// request context.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		username, err := auth.VerifyToken(s.deps.JWTSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUser, username)
		next(w, r.WithContext(ctx))
	}
}

// requireAgent resolves X-Agent-API-Key to a registered agent and stashes
// both the agent and the presented key (config resealing needs it).
func (s *Server) requireAgent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(auth.HeaderAgentKey)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing agent api key")
			return
		}
		agent, err := s.deps.Registry.Authenticate(r.Context(), key)
		if errors.Is(err, registry.ErrUnknownKey) {
			writeError(w, http.StatusUnauthorized, "unknown agent api key")
			return
		}
		if err != nil {
			s.deps.Log.Error("agent authentication", "error", err)
			writeError(w, http.StatusInternalServerError, "authentication failed")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyAgent, agent)
		ctx = context.WithValue(ctx, ctxKeyAgentAPIKey, key)
		next(w, r.WithContext(ctx))
	}
}

func usernameFrom(r *http.Request) string {
	u, _ := r.Context().Value(ctxKeyUser).(string)
	return u
}

func agentFrom(r *http.Request) (*model.Agent, string) {
	a, _ := r.Context().Value(ctxKeyAgent).(*model.Agent)
	key, _ := r.Context().Value(ctxKeyAgentAPIKey).(string)
	return a, key
}

// queryInt parses an integer query parameter, falling back on def.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// pageFrom reads the shared limit/offset pagination parameters.
func pageFrom(r *http.Request) (limit, offset int) {
	return queryInt(r, "limit", 100), queryInt(r, "offset", 0)
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
