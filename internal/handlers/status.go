package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/models"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/store"
)

// StatusHandler serves the read-only task status API. It only ever reads
// snapshots from the store; all writes belong to the orchestrator.
type StatusHandler struct {
	store  store.TaskStore
	logger *zap.Logger
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(taskStore store.TaskStore, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{
		store:  taskStore,
		logger: logger.Named("status_handler"),
	}
}

// Routes returns the router for the status API.
func (h *StatusHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/task-status", h.taskStatusHandler)
	r.Get("/tasks", h.listTasksHandler)
	return r
}

// historyEntryResponse carries ISO-8601 times on the wire.
type historyEntryResponse struct {
	Time    string            `json:"time"`
	Stage   models.TaskStage  `json:"stage,omitempty"`
	Status  models.TaskStatus `json:"status"`
	Message string            `json:"message,omitempty"`
}

type taskStatusResponse struct {
	ID        string                 `json:"id"`
	TokenID   uint64                 `json:"token_id"`
	Status    models.TaskStatus      `json:"status"`
	Stage     models.TaskStage       `json:"stage,omitempty"`
	Progress  int                    `json:"progress"`
	Message   string                 `json:"message,omitempty"`
	TokenURI  string                 `json:"token_uri,omitempty"`
	CreatedAt string                 `json:"created_at"`
	UpdatedAt string                 `json:"updated_at"`
	History   []historyEntryResponse `json:"history,omitempty"`
}

func buildStatusResponse(task *models.Task, minimal, withHistory bool) taskStatusResponse {
	resp := taskStatusResponse{
		ID:        task.ID,
		TokenID:   task.TokenID,
		Status:    task.Status,
		Stage:     task.Stage,
		Progress:  task.Progress,
		TokenURI:  task.Artifact.TokenURI,
		CreatedAt: task.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: task.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !minimal {
		resp.Message = task.Message
	}
	if withHistory && !minimal {
		resp.History = make([]historyEntryResponse, 0, len(task.History))
		for _, e := range task.History {
			resp.History = append(resp.History, historyEntryResponse{
				Time:    e.Time.UTC().Format(time.RFC3339Nano),
				Stage:   e.Stage,
				Status:  e.Status,
				Message: e.Message,
			})
		}
	}
	return resp
}

// taskStatusHandler handles GET /api/task-status?id=<taskId>.
// Query parameters: minimal=true omits message and history; history=true
// includes the audit history.
func (h *StatusHandler) taskStatusHandler(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.respondWithError(w, r, http.StatusBadRequest, "Query parameter 'id' is required", nil)
		return
	}
	if err := models.ValidateTaskID(id); err != nil {
		h.respondWithError(w, r, http.StatusBadRequest, "Invalid task id format", err)
		return
	}

	task, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrTaskNotFound) {
			h.respondWithJSON(w, r, http.StatusNotFound, map[string]string{
				"id":     id,
				"status": "UNKNOWN",
			})
			return
		}
		h.respondWithError(w, r, http.StatusInternalServerError, "Failed to load task", err)
		return
	}

	minimal := r.URL.Query().Get("minimal") == "true"
	withHistory := r.URL.Query().Get("history") == "true"
	h.respondWithJSON(w, r, http.StatusOK, buildStatusResponse(task, minimal, withHistory))
}

// listTasksHandler handles GET /api/tasks?status=<status>&limit=<n>.
func (h *StatusHandler) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	filter := store.TaskFilter{}

	if s := r.URL.Query().Get("status"); s != "" {
		status := models.TaskStatus(s)
		switch status {
		case models.StatusPending, models.StatusInProgress, models.StatusCompleted,
			models.StatusFailed, models.StatusTimeout:
			filter.Status = status
		default:
			h.respondWithError(w, r, http.StatusBadRequest, "Unknown status filter", nil)
			return
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			h.respondWithError(w, r, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = n
	}

	tasks, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.respondWithError(w, r, http.StatusInternalServerError, "Failed to list tasks", err)
		return
	}

	resp := make([]taskStatusResponse, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, buildStatusResponse(t, false, false))
	}
	h.respondWithJSON(w, r, http.StatusOK, map[string]interface{}{
		"count": len(resp),
		"tasks": resp,
	})
}

// respondWithError sends a JSON error response.
func (h *StatusHandler) respondWithError(w http.ResponseWriter, r *http.Request, code int, message string, err error) {
	logFields := []zap.Field{
		zap.Int("status_code", code),
		zap.String("error_message", message),
		zap.String("path", r.URL.Path),
	}
	if err != nil {
		logFields = append(logFields, zap.Error(err))
	}
	h.logger.Warn("HTTP handler error", logFields...)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// respondWithJSON sends a JSON response.
func (h *StatusHandler) respondWithJSON(w http.ResponseWriter, r *http.Request, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			h.logger.Error("Failed to encode JSON response", zap.Error(err))
		}
	}
}
