// ABOUTME: HTTP handlers for health checks and read-only inspection endpoints
// ABOUTME: Serves buffered thread counts and recent ledger rows as JSON

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/store"
)

// ThreadInfo is one entry of GET /api/threads.
type ThreadInfo struct {
	ChannelID string `json:"channel_id"`
	ThreadTS  string `json:"thread_ts"`
	Pending   int    `json:"pending"`
}

// ThreadsResponse is the JSON response for GET /api/threads.
type ThreadsResponse struct {
	Threads []ThreadInfo `json:"threads"`
	Pending int          `json:"pending"`
}

// BatchesResponse is the JSON response for GET /api/batches.
type BatchesResponse struct {
	Batches []*store.BatchRecord `json:"batches"`
}

// handleHealth returns 200 OK while the process is up.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the ledger database answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.ledger.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleThreads handles GET /api/threads.
func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	stats := s.threads.Threads()
	resp := ThreadsResponse{Threads: make([]ThreadInfo, 0, len(stats))}
	for _, st := range stats {
		resp.Threads = append(resp.Threads, ThreadInfo{
			ChannelID: st.Key.ChannelID,
			ThreadTS:  st.Key.ThreadTS,
			Pending:   st.Pending,
		})
		resp.Pending += st.Pending
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleBatches handles GET /api/batches?channel=X&thread=Y&limit=N.
func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	channel := q.Get("channel")
	thread := q.Get("thread")
	if thread != "" && channel == "" {
		s.sendJSONError(w, http.StatusBadRequest, "thread requires channel")
		return
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			s.sendJSONError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	batches, err := s.ledger.ListBatches(r.Context(), channel, thread, limit)
	if err != nil {
		s.logger.Error("failed to list batches", "error", err, "principal", auth.PrincipalFromContext(r.Context()))
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if batches == nil {
		batches = []*store.BatchRecord{}
	}
	s.writeJSON(w, http.StatusOK, BatchesResponse{Batches: batches})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
