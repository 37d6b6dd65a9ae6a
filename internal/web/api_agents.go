package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/argus-sec/argus/internal/confsync"
	"github.com/argus-sec/argus/internal/model"
	"github.com/argus-sec/argus/internal/registry"
	"github.com/argus-sec/argus/internal/store"
)

// apiRegisterAgent enrolls an agent. No prior auth: the request carries the
// agent's self-generated key, and a prefix collision with a different key is
// rejected outright.
func (s *Server) apiRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registry.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	resp, err := s.deps.Registry.Register(r.Context(), req)
	switch {
	case errors.Is(err, registry.ErrInvalidRequest), errors.Is(err, registry.ErrKeyMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.deps.Log.Error("agent registration", "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// apiHeartbeat is the HTTP fallback for bus heartbeats. The payload must
// describe the agent the key resolved to; anything else is an identity
// mismatch.
func (s *Server) apiHeartbeat(w http.ResponseWriter, r *http.Request) {
	agent, _ := agentFrom(r)
	var hb model.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if hb.AgentID == "" {
		hb.AgentID = agent.ID
	}
	if hb.AgentID != agent.ID {
		writeError(w, http.StatusForbidden, "heartbeat agent_id does not match credentials")
		return
	}
	if err := s.deps.Registry.ApplyHeartbeat(r.Context(), &hb); err != nil {
		s.deps.Log.Error("apply heartbeat", "agent_id", hb.AgentID, "error", err)
		writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) apiListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agents, err := s.deps.Registry.List(r.Context(), store.AgentFilter{
		AgentType: q.Get("agent_type"),
		Status:    q.Get("status"),
		Zone:      q.Get("zone"),
	})
	if err != nil {
		s.deps.Log.Error("list agents", "error", err)
		writeError(w, http.StatusInternalServerError, "list agents failed")
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// apiListStrikers returns the striker fleet with liveness folded in, the
// view the dispatch UI picks targets from.
func (s *Server) apiListStrikers(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Registry.List(r.Context(), store.AgentFilter{
		AgentType: model.AgentTypeStriker,
		Zone:      r.URL.Query().Get("zone"),
	})
	if err != nil {
		s.deps.Log.Error("list strikers", "error", err)
		writeError(w, http.StatusInternalServerError, "list strikers failed")
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

type updateAgentRequest struct {
	AgentSubtype string   `json:"agent_subtype"`
	Zone         string   `json:"zone"`
	Capabilities []string `json:"capabilities"`
}

// apiUpdateAgent changes the mutable profile fields and cascades zone and
// capability changes into the agent's managed config, which pushes them to
// the agent.
func (s *Server) apiUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	agent, err := s.deps.Registry.Get(r.Context(), id)
	if err != nil {
		s.deps.Log.Error("get agent", "agent_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "agent lookup failed")
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	subtype := req.AgentSubtype
	if subtype == "" {
		subtype = agent.AgentSubtype
	}
	zone := req.Zone
	if zone == "" {
		zone = agent.Zone
	}
	caps := req.Capabilities
	if caps == nil {
		caps = agent.Capabilities
	}
	if err := s.deps.Registry.UpdateProfile(r.Context(), id, subtype, zone, caps); err != nil {
		s.deps.Log.Error("update agent profile", "agent_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}

	upd := confsync.ConfigUpdate{}
	cascade := false
	if req.Zone != "" {
		upd.Zone = &req.Zone
		cascade = true
	}
	if req.Capabilities != nil {
		upd.Capabilities = req.Capabilities
		cascade = true
	}
	if cascade {
		if _, err := s.deps.Config.Upsert(r.Context(), id, upd, agent.AgentType); err != nil {
			s.deps.Log.Warn("config cascade after profile update", "agent_id", id, "error", err)
		}
	}

	s.deps.Audit.Record(r.Context(), usernameFrom(r), "agent_updated", id, map[string]any{
		"agent_subtype": subtype,
		"zone":          zone,
	})

	updated, err := s.deps.Registry.Get(r.Context(), id)
	if err != nil || updated == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// apiGetAgentConfig is the operator view: tunables without the encrypted
// connectivity values.
func (s *Server) apiGetAgentConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.deps.Config.OperatorView(r.Context(), id)
	if err != nil {
		s.deps.Log.Error("operator config view", "agent_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "config lookup failed")
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "no config for agent")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// apiPutAgentConfig applies a partial config update and pushes the new
// snapshot to the agent.
func (s *Server) apiPutAgentConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var upd confsync.ConfigUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	agent, err := s.deps.Registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "agent lookup failed")
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	snap, err := s.deps.Config.Upsert(r.Context(), id, upd, agent.AgentType)
	if err != nil {
		s.deps.Log.Error("config update", "agent_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "config update failed")
		return
	}
	s.deps.Audit.Record(r.Context(), usernameFrom(r), "config_updated_by_operator", id, map[string]any{
		"config_version": snap.ConfigVersion,
	})
	writeJSON(w, http.StatusOK, snap)
}

// apiAgentFetchConfig serves an agent its own config with the connectivity
// values re-encrypted under its API key. An agent can only read its own row.
func (s *Server) apiAgentFetchConfig(w http.ResponseWriter, r *http.Request) {
	agent, apiKey := agentFrom(r)
	id := r.PathValue("id")
	if id != agent.ID {
		writeError(w, http.StatusForbidden, "config belongs to a different agent")
		return
	}
	cfg, err := s.deps.Config.GetForAgent(r.Context(), id, apiKey)
	if err != nil {
		s.deps.Log.Error("agent config fetch", "agent_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "config fetch failed")
		return
	}
	if cfg == nil {
		writeError(w, http.StatusNotFound, "no config provisioned")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
