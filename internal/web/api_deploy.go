package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/argus-sec/argus/internal/deploy"
	"github.com/argus-sec/argus/internal/model"
)

type scanRequest struct {
	CIDR string `json:"cidr"`
}

// apiDeployScan sweeps a network range for reachable hosts. Synchronous:
// the response carries every node found or refreshed.
func (s *Server) apiDeployScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	nodes, err := s.deps.Deploy.Scan(r.Context(), req.CIDR)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Audit.Record(r.Context(), usernameFrom(r), "network_scanned", req.CIDR, map[string]any{
		"nodes_found": len(nodes),
	})
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) apiDeployListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.deps.Deploy.ListNodes(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.deps.Log.Error("list infra nodes", "error", err)
		writeError(w, http.StatusInternalServerError, "list nodes failed")
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

type addNodeRequest struct {
	IPAddress   string `json:"ip_address"`
	Hostname    string `json:"hostname"`
	OSType      string `json:"os_type"`
	SSHUsername string `json:"ssh_username"`
}

func (s *Server) apiDeployAddNode(w http.ResponseWriter, r *http.Request) {
	var req addNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	n := &model.InfraNode{
		IPAddress:   req.IPAddress,
		Hostname:    req.Hostname,
		OSType:      req.OSType,
		SSHUsername: req.SSHUsername,
	}
	err := s.deps.Deploy.AddNode(r.Context(), n)
	switch {
	case errors.Is(err, deploy.ErrInvalidAddress):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, deploy.ErrNodeExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.deps.Log.Error("add infra node", "ip", req.IPAddress, "error", err)
		writeError(w, http.StatusInternalServerError, "add node failed")
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

// apiDeployNode starts an agent rollout on a discovered node. The rollout
// runs in the background; the response reflects the in-progress state.
func (s *Server) apiDeployNode(w http.ResponseWriter, r *http.Request) {
	var req deploy.DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	node, err := s.deps.Deploy.RequestDeploy(r.Context(), r.PathValue("id"), req)
	switch {
	case errors.Is(err, deploy.ErrNodeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, deploy.ErrDeployInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, deploy.ErrUnknownAgentType):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.deps.Log.Error("request deploy", "node_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "deploy failed")
		return
	}
	writeJSON(w, http.StatusAccepted, node)
}
