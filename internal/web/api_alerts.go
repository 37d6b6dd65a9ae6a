package web

import (
	"encoding/json"
	"net/http"

	"github.com/argus-sec/argus/internal/bus"
	"github.com/argus-sec/argus/internal/model"
	"github.com/argus-sec/argus/internal/store"
)

func (s *Server) apiListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pageFrom(r)
	events, err := s.deps.Events.ListEvents(r.Context(), store.EventFilter{
		SentinelID: q.Get("sentinel_id"),
		EventClass: q.Get("event_class"),
		Severity:   q.Get("severity"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.deps.Log.Error("list events", "error", err)
		writeError(w, http.StatusInternalServerError, "list events failed")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) apiGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Events.GetEvent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "event lookup failed")
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) apiListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pageFrom(r)
	alerts, err := s.deps.Alerts.ListAlerts(r.Context(), store.AlertFilter{
		Status:   q.Get("status"),
		Severity: q.Get("severity"),
		Verdict:  q.Get("verdict"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.deps.Log.Error("list alerts", "error", err)
		writeError(w, http.StatusInternalServerError, "list alerts failed")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) apiGetAlert(w http.ResponseWriter, r *http.Request) {
	al, err := s.deps.Alerts.GetAlert(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "alert lookup failed")
		return
	}
	if al == nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, al)
}

type dispatchAction struct {
	ActionType string         `json:"action_type"`
	Parameters map[string]any `json:"parameters"`
	StrikerID  string         `json:"striker_id,omitempty"`
}

type dispatchRequest struct {
	Actions []dispatchAction `json:"actions"`
}

// apiDispatchActions queues operator-chosen response actions against an
// alert. Each action goes to a named striker's direct subject or onto the
// type-wide queue.
func (s *Server) apiDispatchActions(w http.ResponseWriter, r *http.Request) {
	al, err := s.deps.Alerts.GetAlert(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "alert lookup failed")
		return
	}
	if al == nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Actions) == 0 {
		writeError(w, http.StatusBadRequest, "no actions given")
		return
	}

	operator := usernameFrom(r)
	dispatched := make([]model.Action, 0, len(req.Actions))
	for _, da := range req.Actions {
		if da.ActionType == "" {
			writeError(w, http.StatusBadRequest, "action_type required")
			return
		}
		ac := model.Action{
			AlertID:     al.AlertID,
			StrikerID:   da.StrikerID,
			ActionType:  da.ActionType,
			Parameters:  da.Parameters,
			InitiatedBy: operator,
		}
		subject := bus.ActionSubject(da.ActionType)
		if da.StrikerID != "" {
			subject = bus.ActionDirectSubject(da.StrikerID)
		}
		if err := s.deps.Dispatch.Dispatch(r.Context(), &ac, subject); err != nil {
			s.deps.Log.Error("dispatch action", "alert_id", al.AlertID, "action_type", da.ActionType, "error", err)
			writeError(w, http.StatusInternalServerError, "dispatch failed")
			return
		}
		dispatched = append(dispatched, ac)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alert_id": al.AlertID,
		"actions":  dispatched,
	})
}

type strikeRequest struct {
	ActionType string         `json:"action_type"`
	Parameters map[string]any `json:"parameters"`
	StrikerID  string         `json:"striker_id,omitempty"`
}

// apiStrikeFromEvent launches a one-off response straight from a raw event,
// defaulting the target to the event's source IP when the operator gives
// none.
func (s *Server) apiStrikeFromEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Events.GetEvent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "event lookup failed")
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}

	var req strikeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ActionType == "" {
		writeError(w, http.StatusBadRequest, "action_type required")
		return
	}
	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}
	if _, ok := params["target"]; !ok {
		if ip, ok := ev.RawData["source_ip"].(string); ok && ip != "" {
			params["target"] = ip
		}
	}

	ac := model.Action{
		StrikerID:   req.StrikerID,
		ActionType:  req.ActionType,
		Parameters:  params,
		InitiatedBy: usernameFrom(r),
	}
	subject := bus.ActionSubject(req.ActionType)
	if req.StrikerID != "" {
		subject = bus.ActionDirectSubject(req.StrikerID)
	}
	if err := s.deps.Dispatch.Dispatch(r.Context(), &ac, subject); err != nil {
		s.deps.Log.Error("strike from event", "event_id", ev.EventID, "error", err)
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusOK, ac)
}

func (s *Server) apiListActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pageFrom(r)
	actions, err := s.deps.Actions.ListActions(r.Context(), store.ActionFilter{
		Status:     q.Get("status"),
		ActionType: q.Get("action_type"),
		AlertID:    q.Get("alert_id"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.deps.Log.Error("list actions", "error", err)
		writeError(w, http.StatusInternalServerError, "list actions failed")
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) apiListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pageFrom(r)
	incidents, err := s.deps.Incidents.ListIncidents(r.Context(), store.IncidentFilter{
		Status:   q.Get("status"),
		Severity: q.Get("severity"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.deps.Log.Error("list incidents", "error", err)
		writeError(w, http.StatusInternalServerError, "list incidents failed")
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (s *Server) apiGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.deps.Incidents.GetIncident(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "incident lookup failed")
		return
	}
	if inc == nil {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	writeJSON(w, http.StatusOK, inc)
}
