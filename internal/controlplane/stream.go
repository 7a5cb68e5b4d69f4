package controlplane

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mlowden/strand/internal/broadcast"
)

// keepAliveInterval is how often an SSE comment line is sent on an idle
// stream so intermediaries do not reap the connection.
const keepAliveInterval = 25 * time.Second

// handleEvents serves GET /events/{chat|logs|agents} as a Server-Sent
// Events stream. Delivery is at-most-once with no replay: a client that
// connects late or falls behind reconciles through the pull endpoints.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/events/")
	channel := broadcast.Channel(name)
	if !channel.Valid() {
		http.Error(w, "unknown channel: "+name, http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel := s.service.Hub().Subscribe(channel)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				// Hub shut down; the client reconnects against the new
				// process and re-pulls state.
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
