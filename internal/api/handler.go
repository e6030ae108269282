package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/podushkina/jobrelay/internal/bus"
	"github.com/podushkina/jobrelay/internal/deadletter"
	"github.com/podushkina/jobrelay/internal/queue"
	"github.com/podushkina/jobrelay/internal/router"
	"github.com/podushkina/jobrelay/internal/task"
	"github.com/podushkina/jobrelay/internal/worker"
)

// StatsSource reports the counters of the pools running in this process.
type StatsSource interface {
	Stats() []worker.Snapshot
}

type Handler struct {
	queue       *queue.Queue
	deadLetters *deadletter.Sink
	bus         *bus.Bus
	pools       StatsSource
	logger      *slog.Logger
}

func NewHandler(q *queue.Queue, dlq *deadletter.Sink, b *bus.Bus, pools StatsSource, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if pools == nil {
		pools = worker.Group{}
	}
	return &Handler{
		queue:       q,
		deadLetters: dlq,
		bus:         b,
		pools:       pools,
		logger:      logger.With("component", "api"),
	}
}

type CreateTaskRequest struct {
	Name     task.Name       `json:"name"`
	Payload  json.RawMessage `json:"payload"`
	MaxRetry *int            `json:"max_retry,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	payload, err := task.Decode(req.Name, req.Payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var opts []queue.EnqueueOption
	if req.MaxRetry != nil {
		if *req.MaxRetry < 0 {
			respondError(w, http.StatusBadRequest, "max_retry must not be negative")
			return
		}
		opts = append(opts, queue.WithMaxRetry(*req.MaxRetry))
	}

	t, err := h.queue.Enqueue(r.Context(), payload, opts...)
	if err != nil {
		if errors.Is(err, router.ErrNoRoute) {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.logger.Error("enqueue failed", "task_name", req.Name, "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Debug("task enqueued", "task_id", t.ID, "task_name", t.Name, "queue", t.Queue)
	respondJSON(w, http.StatusCreated, t)
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := h.queue.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if t == nil {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}

	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.queue.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, tasks)
}

func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.queue.Delete(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			respondError(w, http.StatusNotFound, "task not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
