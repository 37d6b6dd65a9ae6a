package web

import (
	"context"
	"net/http"
	"time"
)

func (s *Server) apiIntelStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Intel.Stats(r.Context())
	if err != nil {
		s.deps.Log.Error("intel stats", "error", err)
		writeError(w, http.StatusInternalServerError, "intel stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// apiIntelLookup answers "is this indicator known bad": 200 with the cached
// indicator on a hit, 404 on a miss.
func (s *Server) apiIntelLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	iocType := q.Get("type")
	value := q.Get("value")
	if iocType == "" || value == "" {
		writeError(w, http.StatusBadRequest, "type and value required")
		return
	}
	ioc, err := s.deps.Intel.Lookup(r.Context(), iocType, value)
	if err != nil {
		s.deps.Log.Error("intel lookup", "type", iocType, "error", err)
		writeError(w, http.StatusInternalServerError, "intel lookup failed")
		return
	}
	if ioc == nil {
		writeError(w, http.StatusNotFound, "indicator not found")
		return
	}
	writeJSON(w, http.StatusOK, ioc)
}

// apiAuditVerify recomputes the audit hash chain and reports the first
// broken link, if any.
func (s *Server) apiAuditVerify(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Audit.VerifyChain(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		s.deps.Log.Error("audit verify", "error", err)
		writeError(w, http.StatusInternalServerError, "audit verification failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// apiHealth reports component status. It always answers 200; degradation is
// in the body, not the status code, so load balancers keep routing while
// operators see what is down.
func (s *Server) apiHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := map[string]any{
		"status": "ok",
		"llm":    s.deps.LLM.CheckHealth(ctx),
		"bus":    componentStatus(s.deps.Bus.IsConnected()),
		"store":  pingStatus(ctx, s.deps.DB),
		"cache":  pingStatus(ctx, s.deps.Cache),
	}
	if resp["store"] != "ok" {
		resp["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func componentStatus(up bool) string {
	if up {
		return "ok"
	}
	return "down"
}

func pingStatus(ctx context.Context, p Pinger) string {
	if err := p.Ping(ctx); err != nil {
		return "down"
	}
	return "ok"
}
