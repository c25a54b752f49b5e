package registry

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type handler struct {
	service Service
}

func NewHandler(service Service) *handler {
	return &handler{service: service}
}

func (h *handler) RegisterRoutes() (string, http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/repos", h.listRepositories)
	mux.HandleFunc("GET /api/v1/repos/{name}", h.getRepository)
	return "/api/v1/repos", mux
}

type repositoryResponse struct {
	Name           string     `json:"name"`
	Path           string     `json:"path"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

func toResponse(entry *Entry) repositoryResponse {
	return repositoryResponse{
		Name:           entry.Name,
		Path:           entry.Path,
		CreatedAt:      entry.CreatedAt,
		LastActivityAt: entry.LastActivityAt,
	}
}

func (h *handler) listRepositories(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := make([]repositoryResponse, 0, len(entries))
	for _, entry := range entries {
		resp = append(resp, toResponse(entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{"repositories": resp})
}

func (h *handler) getRepository(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.Resolve(r.Context(), r.PathValue("name"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(entry))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Debug("failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
