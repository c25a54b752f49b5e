package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

type handler struct {
	log *Log
}

func NewHandler(log *Log) *handler {
	return &handler{log: log}
}

func (h *handler) RegisterRoutes() (string, http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/events", h.listEvents)
	return "/api/v1/events", mux
}

type listResponse struct {
	Events    []Event `json:"events"`
	OldestSeq uint64  `json:"oldest_seq"`
	LastSeq   uint64  `json:"last_seq"`
	NextFrom  uint64  `json:"next_from,omitempty"`
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	from, err := parseUint(r.URL.Query().Get("from"), 1)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid from: %w", err))
		return
	}
	limit, err := parseUint(r.URL.Query().Get("limit"), defaultPageLimit)
	if err != nil || limit == 0 {
		writeJSONError(w, http.StatusBadRequest, errors.New("invalid limit"))
		return
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	bounds, err := h.log.Bounds()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	events, err := h.log.ReadFrom(from, int(limit))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []Event{}
	}

	resp := listResponse{
		Events:    events,
		OldestSeq: bounds.Oldest,
		LastSeq:   bounds.Last,
	}
	if n := len(events); n > 0 && events[n-1].Seq < bounds.Last {
		resp.NextFrom = events[n-1].Seq + 1
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		zap.L().Debug("failed to write events response", zap.Error(err))
	}
}

func parseUint(raw string, fallback uint64) (uint64, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
