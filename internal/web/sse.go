package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ssePingInterval keeps idle connections alive through proxies.
const ssePingInterval = 15 * time.Second

// apiStream pushes verdicts, action status changes, incidents, and agent
// status transitions to dashboard clients over Server-Sent Events.
func (s *Server) apiStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	notices, cancel := s.deps.Feed.Subscribe()
	defer cancel()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case n, open := <-notices:
			if !open {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Kind, data)
			flusher.Flush()
		}
	}
}
