package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/chatwatch/chatwatch/internal/storage"
	"github.com/chatwatch/chatwatch/internal/tracker"
	"github.com/gorilla/mux"
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// StatsResponse is the JSON body for a stats query.
type StatsResponse struct {
	Date  string                        `json:"date"`
	Stats map[string]storage.EntityStat `json:"stats"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// handleCommand accepts one command envelope and forwards it to the worker.
// Unknown command types are accepted and dropped, so old and new hosts can
// talk to the same endpoint.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var env tracker.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid command envelope")
		return
	}
	if env.Type == "" {
		writeError(w, http.StatusBadRequest, "Command type is required")
		return
	}

	if err := s.worker.Dispatch(r.Context(), env); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s payload", env.Type))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleStats returns the stats for one date; without a date it returns
// today's live aggregate.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	date := mux.Vars(r)["date"]
	if date != "" {
		if _, err := time.Parse(storage.DateLayout, date); err != nil {
			writeError(w, http.StatusBadRequest, "Date must be formatted as YYYY-MM-DD")
			return
		}
	}

	stats, err := s.worker.StatsFor(r.Context(), date)
	if err != nil {
		s.logger.Error().Err(err).Str("date", date).Msg("Stats query failed")
		writeError(w, http.StatusInternalServerError, "Failed to read stats")
		return
	}

	if date == "" {
		date = time.Now().Format(storage.DateLayout)
	}
	writeJSON(w, http.StatusOK, StatsResponse{Date: date, Stats: stats})
}

// handleEvents streams stats updates to the client as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming is not supported")
		return
	}

	updates, cancel := s.worker.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case update, open := <-updates:
			if !open {
				return
			}
			data, err := json.Marshal(update)
			if err != nil {
				s.logger.Error().Err(err).Msg("Failed to encode stats update")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: statsUpdated\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
