package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/podushkina/jobrelay/internal/bus"
	"github.com/podushkina/jobrelay/internal/deadletter"
	"github.com/podushkina/jobrelay/internal/queue"
	"github.com/podushkina/jobrelay/internal/worker"
)

const (
	defaultDLQLimit = 100
	maxDLQLimit     = 1000
)

type ControlResponse struct {
	Subject     string `json:"subject"`
	Paused      bool   `json:"paused"`
	Subscribers int64  `json:"subscribers"`
}

// PauseAgent stops agent tasks of the subject from starting and tells any
// listener on the pause channel.
func (h *Handler) PauseAgent(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, true)
}

func (h *Handler) ResumeAgent(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, false)
}

func (h *Handler) control(w http.ResponseWriter, r *http.Request, pause bool) {
	subject := chi.URLParam(r, "subject")
	ctx := r.Context()

	tmpl, msgType := bus.ChannelResume, "resume"
	var err error
	if pause {
		tmpl, msgType = bus.ChannelPause, "pause"
		err = h.queue.Pause(ctx, subject)
	} else {
		err = h.queue.Resume(ctx, subject)
	}
	if err != nil {
		h.logger.Error("control failed", "subject", subject, "action", msgType, "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The pause key is authoritative; a lost notification only delays listeners.
	n, err := h.bus.Publish(ctx, tmpl, subject, msgType, nil)
	if err != nil {
		h.logger.Warn("control publish failed", "subject", subject, "action", msgType, "error", err)
	}

	respondJSON(w, http.StatusAccepted, ControlResponse{Subject: subject, Paused: pause, Subscribers: n})
}

type DeadLetterQueue struct {
	Queue   string             `json:"queue"`
	Total   int64              `json:"total"`
	Entries []deadletter.Entry `json:"entries"`
}

type DeadLetterResponse struct {
	Queues []DeadLetterQueue `json:"queues"`
	Total  int64             `json:"total"`
}

// ListDeadLetters returns the newest entries of one queue, or of every queue
// holding entries when none is named.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := defaultDLQLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxDLQLimit {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	var names []string
	if name := r.URL.Query().Get("queue"); name != "" {
		names = []string{name}
	} else {
		var err error
		names, err = h.deadLetters.Queues(ctx)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	resp := DeadLetterResponse{Queues: make([]DeadLetterQueue, 0, len(names))}
	for _, name := range names {
		entries, total, err := h.deadLetters.List(ctx, name, limit)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Queues = append(resp.Queues, DeadLetterQueue{Queue: name, Total: total, Entries: entries})
		resp.Total += total
	}

	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) PurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")

	n, err := h.deadLetters.Purge(r.Context(), name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info("dead letters purged", "queue", name, "count", n)
	respondJSON(w, http.StatusOK, map[string]any{"queue": name, "purged": n})
}

type StatsResponse struct {
	Queues        []queue.Depth     `json:"queues"`
	ActiveWorkers int               `json:"active_workers"`
	Pools         []worker.Snapshot `json:"pools"`
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	depths, err := h.queue.Depths(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	active, err := h.queue.ActiveWorkers(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, StatsResponse{
		Queues:        depths,
		ActiveWorkers: len(active),
		Pools:         h.pools.Stats(),
	})
}
