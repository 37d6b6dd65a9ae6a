package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

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

const testJWTSecret = "test-secret"

type fakeRegistry struct {
	agents   map[string]*model.Agent
	byKey    map[string]*model.Agent
	hbs      []model.Heartbeat
	profiles map[string][]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		agents:   map[string]*model.Agent{},
		byKey:    map[string]*model.Agent{},
		profiles: map[string][]string{},
	}
}

func (f *fakeRegistry) Register(_ context.Context, req registry.RegistrationRequest) (*registry.RegistrationResponse, error) {
	if req.APIKey == "" || req.AgentType == "" {
		return nil, registry.ErrInvalidRequest
	}
	return &registry.RegistrationResponse{AgentID: "agent-1", Status: "registered", CertPEM: "cert", KeyPEM: "key", CAPEM: "ca"}, nil
}

func (f *fakeRegistry) Authenticate(_ context.Context, apiKey string) (*model.Agent, error) {
	if a, ok := f.byKey[apiKey]; ok {
		return a, nil
	}
	return nil, registry.ErrUnknownKey
}

func (f *fakeRegistry) ApplyHeartbeat(_ context.Context, hb *model.Heartbeat) error {
	f.hbs = append(f.hbs, *hb)
	return nil
}

func (f *fakeRegistry) Get(_ context.Context, id string) (*model.Agent, error) {
	return f.agents[id], nil
}

func (f *fakeRegistry) List(_ context.Context, fl store.AgentFilter) ([]model.Agent, error) {
	var out []model.Agent
	for _, a := range f.agents {
		if fl.AgentType != "" && a.AgentType != fl.AgentType {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (f *fakeRegistry) UpdateProfile(_ context.Context, id, subtype, zone string, caps []string) error {
	f.profiles[id] = append([]string{subtype, zone}, caps...)
	if a, ok := f.agents[id]; ok {
		a.AgentSubtype, a.Zone, a.Capabilities = subtype, zone, caps
	}
	return nil
}

type fakeConfigService struct {
	upserts  map[string]confsync.ConfigUpdate
	snaps    map[string]*model.ConfigSnapshot
	rows     map[string]*model.AgentConfig
	forAgent map[string]*model.AgentConfig
}

func newFakeConfigService() *fakeConfigService {
	return &fakeConfigService{
		upserts:  map[string]confsync.ConfigUpdate{},
		snaps:    map[string]*model.ConfigSnapshot{},
		rows:     map[string]*model.AgentConfig{},
		forAgent: map[string]*model.AgentConfig{},
	}
}

func (f *fakeConfigService) Upsert(_ context.Context, agentID string, upd confsync.ConfigUpdate, _ string) (*model.ConfigSnapshot, error) {
	f.upserts[agentID] = upd
	snap := f.snaps[agentID]
	if snap == nil {
		snap = &model.ConfigSnapshot{AgentID: agentID, ConfigVersion: 1}
	}
	return snap, nil
}

func (f *fakeConfigService) GetForAgent(_ context.Context, agentID, _ string) (*model.AgentConfig, error) {
	return f.forAgent[agentID], nil
}

func (f *fakeConfigService) OperatorView(_ context.Context, agentID string) (*model.ConfigSnapshot, error) {
	return f.snaps[agentID], nil
}

type fakeEventStore struct{ events map[string]*model.Event }

func (f *fakeEventStore) ListEvents(context.Context, store.EventFilter) ([]model.Event, error) {
	var out []model.Event
	for _, ev := range f.events {
		out = append(out, *ev)
	}
	return out, nil
}

func (f *fakeEventStore) GetEvent(_ context.Context, id string) (*model.Event, error) {
	return f.events[id], nil
}

type fakeAlertStore struct{ alerts map[string]*model.Alert }

func (f *fakeAlertStore) ListAlerts(context.Context, store.AlertFilter) ([]model.Alert, error) {
	var out []model.Alert
	for _, al := range f.alerts {
		out = append(out, *al)
	}
	return out, nil
}

func (f *fakeAlertStore) GetAlert(_ context.Context, id string) (*model.Alert, error) {
	return f.alerts[id], nil
}

type fakeActionStore struct{ actions []model.Action }

func (f *fakeActionStore) ListActions(context.Context, store.ActionFilter) ([]model.Action, error) {
	return f.actions, nil
}

type fakeIncidentStore struct{ incidents map[string]*model.Incident }

func (f *fakeIncidentStore) ListIncidents(context.Context, store.IncidentFilter) ([]model.Incident, error) {
	return nil, nil
}

func (f *fakeIncidentStore) GetIncident(_ context.Context, id string) (*model.Incident, error) {
	return f.incidents[id], nil
}

type fakeUserStore struct{ users map[string]*model.User }

func (f *fakeUserStore) CreateUser(_ context.Context, u *model.User) error {
	f.users[u.Username] = u
	return nil
}

func (f *fakeUserStore) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	return f.users[username], nil
}

func (f *fakeUserStore) ListUsers(_ context.Context) ([]model.User, error) {
	var out []model.User
	for _, u := range f.users {
		out = append(out, *u)
	}
	return out, nil
}

func (f *fakeUserStore) CountUsers(_ context.Context) (int, error) {
	return len(f.users), nil
}

type dispatched struct {
	action  model.Action
	subject string
}

type fakeDispatcher struct{ calls []dispatched }

func (f *fakeDispatcher) Dispatch(_ context.Context, ac *model.Action, subject string) error {
	ac.ActionID = "action-1"
	ac.Status = model.ActionQueued
	f.calls = append(f.calls, dispatched{action: *ac, subject: subject})
	return nil
}

type fakeIntel struct{ iocs map[string]*intel.IOC }

func (f *fakeIntel) Stats(context.Context) (*intel.Stats, error) {
	return &intel.Stats{Total: len(f.iocs), ByType: map[string]int{}}, nil
}

func (f *fakeIntel) Lookup(_ context.Context, iocType, value string) (*intel.IOC, error) {
	return f.iocs[iocType+":"+value], nil
}

type fakeLLM struct{ health llm.Health }

func (f *fakeLLM) CheckHealth(context.Context) llm.Health { return f.health }

type fakeDeploy struct {
	nodes   map[string]*model.InfraNode
	byIP    map[string]*model.InfraNode
	deploys []string
}

func (f *fakeDeploy) Scan(context.Context, string) ([]model.InfraNode, error) { return nil, nil }

func (f *fakeDeploy) AddNode(_ context.Context, n *model.InfraNode) error {
	if _, ok := f.byIP[n.IPAddress]; ok {
		return deploy.ErrNodeExists
	}
	n.ID = "node-1"
	f.byIP[n.IPAddress] = n
	return nil
}

func (f *fakeDeploy) ListNodes(context.Context, string) ([]model.InfraNode, error) { return nil, nil }

func (f *fakeDeploy) RequestDeploy(_ context.Context, nodeID string, _ deploy.DeployRequest) (*model.InfraNode, error) {
	n, ok := f.nodes[nodeID]
	if !ok {
		return nil, deploy.ErrNodeNotFound
	}
	f.deploys = append(f.deploys, nodeID)
	return n, nil
}

type fakeAuditor struct{ records []string }

func (f *fakeAuditor) Record(_ context.Context, _, action, _ string, _ map[string]any) {
	f.records = append(f.records, action)
}

func (f *fakeAuditor) VerifyChain(context.Context, int) (*audit.VerifyResult, error) {
	return &audit.VerifyResult{Rows: 3, Valid: true}, nil
}

type fakeBus struct{ connected bool }

func (f *fakeBus) IsConnected() bool { return f.connected }

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

type testEnv struct {
	srv      *Server
	registry *fakeRegistry
	config   *fakeConfigService
	events   *fakeEventStore
	alerts   *fakeAlertStore
	users    *fakeUserStore
	dispatch *fakeDispatcher
	deploy   *fakeDeploy
	audit    *fakeAuditor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		registry: newFakeRegistry(),
		config:   newFakeConfigService(),
		events:   &fakeEventStore{events: map[string]*model.Event{}},
		alerts:   &fakeAlertStore{alerts: map[string]*model.Alert{}},
		users:    &fakeUserStore{users: map[string]*model.User{}},
		dispatch: &fakeDispatcher{},
		deploy:   &fakeDeploy{nodes: map[string]*model.InfraNode{}, byIP: map[string]*model.InfraNode{}},
		audit:    &fakeAuditor{},
	}
	env.srv = NewServer(Dependencies{
		Registry:  env.registry,
		Config:    env.config,
		Events:    env.events,
		Alerts:    env.alerts,
		Actions:   &fakeActionStore{},
		Incidents: &fakeIncidentStore{incidents: map[string]*model.Incident{}},
		Users:     env.users,
		Dispatch:  env.dispatch,
		Intel:     &fakeIntel{iocs: map[string]*intel.IOC{"ip:203.0.113.9": {Value: "203.0.113.9", Type: "ip"}}},
		LLM:       &fakeLLM{health: llm.Health{Reachable: true, ModelPresent: true, Model: "llama3.2"}},
		Deploy:    env.deploy,
		Audit:     env.audit,
		Feed:      stream.NewFeed(),
		Bus:       &fakeBus{connected: true},
		DB:        &fakePinger{},
		Cache:     &fakePinger{},
		JWTSecret: testJWTSecret,
		Log:       logging.New(false, "ERROR"),
		Clock:     clock.Real{},
	})
	return env
}

func (env *testEnv) bearer(t *testing.T, username string) string {
	t.Helper()
	token, err := auth.IssueToken(testJWTSecret, username, clock.Real{}.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + token
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestTokenLoginAndMe(t *testing.T) {
	env := newTestEnv(t)
	hash, err := auth.HashPassword("s3cure-enough-Pw")
	if err != nil {
		t.Fatal(err)
	}
	env.users.users["alice"] = &model.User{Username: "alice", HashedPassword: hash, Role: model.RoleAdmin, IsActive: true}

	form := strings.NewReader("username=alice&password=s3cure-enough-Pw")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/token", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("token: got %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil {
		t.Fatal(err)
	}
	if tok.TokenType != "bearer" || tok.AccessToken == "" {
		t.Fatalf("unexpected token response: %+v", tok)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	rec = env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("users/me: got %d, want 200", rec.Code)
	}
	var me model.User
	if err := json.Unmarshal(rec.Body.Bytes(), &me); err != nil {
		t.Fatal(err)
	}
	if me.Username != "alice" {
		t.Fatalf("got user %q, want alice", me.Username)
	}
}

func TestTokenRejectsBadPassword(t *testing.T) {
	env := newTestEnv(t)
	hash, _ := auth.HashPassword("right-password-1")
	env.users.users["bob"] = &model.User{Username: "bob", HashedPassword: hash, IsActive: true}

	form := strings.NewReader("username=bob&password=wrong-password-1")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/token", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if rec := env.do(req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401", rec.Code)
	}
}

func TestProtectedRouteNeedsToken(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/", nil)
	if rec := env.do(req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401", rec.Code)
	}
}

func TestRegisterAgentValidation(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/register", strings.NewReader(`{"agent_type":"sentinel"}`))
	if rec := env.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rec.Code)
	}

	body := `{"api_key":"0123456789abcdef0123456789abcdef","agent_type":"sentinel"}`
	req = httptest.NewRequest(http.MethodPost, "/api/v1/agents/register", strings.NewReader(body))
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp registry.RegistrationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.AgentID == "" || resp.CertPEM == "" {
		t.Fatalf("incomplete registration response: %+v", resp)
	}
}

func TestHeartbeatIdentityMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.registry.byKey["key-a"] = &model.Agent{ID: "agent-a", AgentType: model.AgentTypeSentinel}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/heartbeat",
		strings.NewReader(`{"agent_id":"agent-b","status":"active"}`))
	req.Header.Set(auth.HeaderAgentKey, "key-a")
	if rec := env.do(req); rec.Code != http.StatusForbidden {
		t.Fatalf("got %d, want 403", rec.Code)
	}
	if len(env.registry.hbs) != 0 {
		t.Fatal("mismatched heartbeat must not be applied")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/agents/heartbeat",
		strings.NewReader(`{"agent_id":"agent-a","status":"active"}`))
	req.Header.Set(auth.HeaderAgentKey, "key-a")
	if rec := env.do(req); rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	if len(env.registry.hbs) != 1 {
		t.Fatalf("got %d applied heartbeats, want 1", len(env.registry.hbs))
	}
}

func TestHeartbeatUnknownKey(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/heartbeat", strings.NewReader(`{}`))
	req.Header.Set(auth.HeaderAgentKey, "nope")
	if rec := env.do(req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401", rec.Code)
	}
}

func TestAgentConfigFetchScopedToOwnRow(t *testing.T) {
	env := newTestEnv(t)
	env.registry.byKey["key-a"] = &model.Agent{ID: "agent-a"}
	env.config.forAgent["agent-a"] = &model.AgentConfig{AgentID: "agent-a", ConfigVersion: 4}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agent-config/agent-b/config", nil)
	req.Header.Set(auth.HeaderAgentKey, "key-a")
	if rec := env.do(req); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign config: got %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/agent-config/agent-a/config", nil)
	req.Header.Set(auth.HeaderAgentKey, "key-a")
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("own config: got %d, want 200", rec.Code)
	}
	var cfg model.AgentConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.ConfigVersion != 4 {
		t.Fatalf("got version %d, want 4", cfg.ConfigVersion)
	}
}

func TestAgentConfigFetchNotProvisioned(t *testing.T) {
	env := newTestEnv(t)
	env.registry.byKey["key-a"] = &model.Agent{ID: "agent-a"}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/agent-config/agent-a/config", nil)
	req.Header.Set(auth.HeaderAgentKey, "key-a")
	if rec := env.do(req); rec.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", rec.Code)
	}
}

func TestUpdateAgentCascadesConfig(t *testing.T) {
	env := newTestEnv(t)
	env.registry.agents["agent-a"] = &model.Agent{ID: "agent-a", AgentType: model.AgentTypeStriker, Zone: "default"}

	body := `{"zone":"dmz","capabilities":["network_block"]}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/agents/agent-a", strings.NewReader(body))
	req.Header.Set("Authorization", env.bearer(t, "op"))
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200: %s", rec.Code, rec.Body.String())
	}

	upd, ok := env.config.upserts["agent-a"]
	if !ok {
		t.Fatal("profile update did not cascade into config")
	}
	if upd.Zone == nil || *upd.Zone != "dmz" {
		t.Fatalf("cascaded zone = %v, want dmz", upd.Zone)
	}
	if len(upd.Capabilities) != 1 || upd.Capabilities[0] != "network_block" {
		t.Fatalf("cascaded capabilities = %v", upd.Capabilities)
	}
}

func TestDispatchActionsRouting(t *testing.T) {
	env := newTestEnv(t)
	env.alerts.alerts["al-1"] = &model.Alert{AlertID: "al-1"}

	body := `{"actions":[
		{"action_type":"network_block","parameters":{"target":"203.0.113.9"}},
		{"action_type":"process_kill","striker_id":"striker-7"}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/al-1/dispatch", strings.NewReader(body))
	req.Header.Set("Authorization", env.bearer(t, "op"))
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if len(env.dispatch.calls) != 2 {
		t.Fatalf("got %d dispatches, want 2", len(env.dispatch.calls))
	}
	if got, want := env.dispatch.calls[0].subject, "actions.network_block"; got != want {
		t.Errorf("subject = %q, want %q", got, want)
	}
	if got, want := env.dispatch.calls[1].subject, "actions.striker-7"; got != want {
		t.Errorf("direct subject = %q, want %q", got, want)
	}
	if got := env.dispatch.calls[0].action.InitiatedBy; got != "op" {
		t.Errorf("initiated_by = %q, want op", got)
	}
}

func TestDispatchUnknownAlert(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/missing/dispatch",
		strings.NewReader(`{"actions":[{"action_type":"network_block"}]}`))
	req.Header.Set("Authorization", env.bearer(t, "op"))
	if rec := env.do(req); rec.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", rec.Code)
	}
}

func TestStrikeDefaultsTargetFromEvent(t *testing.T) {
	env := newTestEnv(t)
	env.events.events["ev-1"] = &model.Event{
		EventID: "ev-1",
		RawData: map[string]any{"source_ip": "198.51.100.7"},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events/ev-1/strike",
		strings.NewReader(`{"action_type":"network_block"}`))
	req.Header.Set("Authorization", env.bearer(t, "op"))
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if len(env.dispatch.calls) != 1 {
		t.Fatalf("got %d dispatches, want 1", len(env.dispatch.calls))
	}
	if got := env.dispatch.calls[0].action.Parameters["target"]; got != "198.51.100.7" {
		t.Fatalf("target = %v, want event source ip", got)
	}
}

func TestIntelLookup(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/threat-intel/lookup?type=ip&value=203.0.113.9", nil)
	if rec := env.do(req); rec.Code != http.StatusOK {
		t.Fatalf("hit: got %d, want 200", rec.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/threat-intel/lookup?type=ip&value=192.0.2.1", nil)
	if rec := env.do(req); rec.Code != http.StatusNotFound {
		t.Fatalf("miss: got %d, want 404", rec.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/threat-intel/lookup?type=ip", nil)
	if rec := env.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing value: got %d, want 400", rec.Code)
	}
}

func TestHealthReport(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	var body struct {
		Status string     `json:"status"`
		Bus    string     `json:"bus"`
		Store  string     `json:"store"`
		Cache  string     `json:"cache"`
		LLM    llm.Health `json:"llm"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Bus != "ok" || body.Store != "ok" || body.Cache != "ok" {
		t.Fatalf("unexpected health: %+v", body)
	}
	if !body.LLM.Reachable || body.LLM.Model != "llama3.2" {
		t.Fatalf("unexpected llm health: %+v", body.LLM)
	}
}

func TestDeployNodeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	authz := env.bearer(t, "op")

	body := `{"ip_address":"192.0.2.10","hostname":"db-1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deployment/nodes", strings.NewReader(body))
	req.Header.Set("Authorization", authz)
	if rec := env.do(req); rec.Code != http.StatusCreated {
		t.Fatalf("add: got %d, want 201: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/deployment/nodes", strings.NewReader(body))
	req.Header.Set("Authorization", authz)
	if rec := env.do(req); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: got %d, want 409", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/deployment/nodes/ghost/deploy",
		strings.NewReader(`{"agent_type":"sentinel"}`))
	req.Header.Set("Authorization", authz)
	if rec := env.do(req); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown node: got %d, want 404", rec.Code)
	}

	env.deploy.nodes["node-1"] = &model.InfraNode{ID: "node-1", IPAddress: "192.0.2.10"}
	req = httptest.NewRequest(http.MethodPost, "/api/v1/deployment/nodes/node-1/deploy",
		strings.NewReader(`{"agent_type":"sentinel"}`))
	req.Header.Set("Authorization", authz)
	if rec := env.do(req); rec.Code != http.StatusAccepted {
		t.Fatalf("deploy: got %d, want 202", rec.Code)
	}
}

func TestAuditVerifyEndpoint(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/verify", nil)
	req.Header.Set("Authorization", env.bearer(t, "op"))
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	var res audit.VerifyResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Rows != 3 {
		t.Fatalf("unexpected verify result: %+v", res)
	}
}

func TestCreateUserValidation(t *testing.T) {
	env := newTestEnv(t)
	env.users.users["admin"] = &model.User{Username: "admin", Role: model.RoleAdmin, IsActive: true}
	authz := env.bearer(t, "admin")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/users/",
		strings.NewReader(`{"username":"carol","password":"short"}`))
	req.Header.Set("Authorization", authz)
	if rec := env.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("weak password: got %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/users/",
		strings.NewReader(`{"username":"carol","password":"long-enough-pw-123","role":"superuser"}`))
	req.Header.Set("Authorization", authz)
	if rec := env.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad role: got %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/users/",
		strings.NewReader(`{"username":"carol","password":"long-enough-pw-123"}`))
	req.Header.Set("Authorization", authz)
	rec := env.do(req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var u model.User
	if err := json.Unmarshal(rec.Body.Bytes(), &u); err != nil {
		t.Fatal(err)
	}
	if u.Role != model.RoleAnalyst {
		t.Fatalf("default role = %q, want analyst", u.Role)
	}
	if env.users.users["carol"] == nil {
		t.Fatal("user not persisted")
	}
}

func TestFirstOperatorBootstrap(t *testing.T) {
	env := newTestEnv(t)

	// Fresh install: no accounts exist, so the first create needs no token
	// and lands as admin.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/users/",
		strings.NewReader(`{"username":"root","password":"long-enough-pw-123"}`))
	rec := env.do(req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("bootstrap create: got %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var u model.User
	if err := json.Unmarshal(rec.Body.Bytes(), &u); err != nil {
		t.Fatal(err)
	}
	if u.Role != model.RoleAdmin {
		t.Fatalf("bootstrap role = %q, want admin", u.Role)
	}

	// The new account can log in.
	form := strings.NewReader("username=root&password=long-enough-pw-123")
	req = httptest.NewRequest(http.MethodPost, "/api/v1/token", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if rec = env.do(req); rec.Code != http.StatusOK {
		t.Fatalf("login after bootstrap: got %d, want 200: %s", rec.Code, rec.Body.String())
	}

	// Once an account exists the door closes again.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/users/",
		strings.NewReader(`{"username":"mallory","password":"long-enough-pw-123"}`))
	if rec = env.do(req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("second unauthenticated create: got %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/users/",
		strings.NewReader(`{"username":"dana","password":"long-enough-pw-123"}`))
	req.Header.Set("Authorization", env.bearer(t, "root"))
	rec = env.do(req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("authenticated create: got %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &u); err != nil {
		t.Fatal(err)
	}
	if u.Role != model.RoleAnalyst {
		t.Fatalf("post-bootstrap default role = %q, want analyst", u.Role)
	}
}

func TestListUsers(t *testing.T) {
	env := newTestEnv(t)
	env.users.users["admin"] = &model.User{Username: "admin", Role: model.RoleAdmin, IsActive: true}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/", nil)
	if rec := env.do(req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list: got %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/users/", nil)
	req.Header.Set("Authorization", env.bearer(t, "admin"))
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list users: got %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var users []model.User
	if err := json.Unmarshal(rec.Body.Bytes(), &users); err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].Username != "admin" {
		t.Fatalf("unexpected users: %+v", users)
	}
}
