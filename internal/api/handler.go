package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/event"
	"github.com/copperline/foundry/internal/model"
	"github.com/copperline/foundry/internal/pool"
	"github.com/copperline/foundry/internal/queue"
	"github.com/copperline/foundry/internal/relay"
	"github.com/copperline/foundry/internal/store"
)

// NewHandler wires the HTTP surface over the scheduler components:
// event ingestion, run inspection, the runner callback endpoints, and
// the live stream. callbackURL is handed to sandboxes for streaming
// their output back.
func NewHandler(matcher *event.Matcher, q *queue.Queue, p *pool.Manager,
	r *relay.Relay, st store.Store, callbackURL string, logger *zap.Logger) http.Handler {
	h := &handler{
		matcher:  matcher,
		queue:    q,
		pool:     p,
		relay:    r,
		store:    st,
		callback: callbackURL,
		hbEvery:  5 * time.Second,
		logger:   logger,
	}
	return h.routes()
}

type handler struct {
	matcher  *event.Matcher
	queue    *queue.Queue
	pool     *pool.Manager
	relay    *relay.Relay
	store    store.Store
	callback string
	hbEvery  time.Duration
	logger   *zap.Logger
}

func (h *handler) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Post("/events", h.ingestEvent)

		r.Route("/runs/{id}", func(r chi.Router) {
			r.Get("/", h.getRun)
			r.Get("/tasks", h.listRunTasks)
			r.Post("/cancel", h.cancelRun)
		})

		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Get("/", h.getTask)
			r.Post("/events", h.pushTaskEvents)
		})

		r.Route("/sandboxes", func(r chi.Router) {
			r.Post("/register", h.registerSandbox)
			r.Post("/{id}/heartbeat", h.heartbeatSandbox)
		})

		r.Get("/stream", h.stream)
	})
	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ingestEvent accepts an external event and activates every matching
// workflow. 202 even when nothing matched; the caller cannot know the
// repository's definitions.
func (h *handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	ev, err := event.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := h.matcher.Dispatch(r.Context(), ev)
	if err != nil {
		h.logger.Error("event dispatch failed",
			zap.String("event", ev.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	runIDs := make([]string, 0, len(runs))
	for _, run := range runs {
		runIDs = append(runIDs, run.ID)
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"event_id": ev.ID,
		"run_ids":  runIDs,
	})
}

func (h *handler) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handler) listRunTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.ListRunTasks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// cancelRun flags the run's live tasks. Running sandboxes observe the
// flag on their next poll; waiting tasks are settled at claim time.
func (h *handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.CancelRun(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}

// getTask is the runner's cancel-flag poll.
func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// pushTaskEvents is the runner callback: a batch of output events in
// sequence order. Terminal events also settle the task.
func (h *handler) pushTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	var events []*model.OutputEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		writeError(w, http.StatusBadRequest, "decode events: "+err.Error())
		return
	}
	for _, ev := range events {
		ev.TaskID = taskID
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now()
		}
		if err := h.relay.Push(r.Context(), ev); err != nil {
			h.logger.Error("relay push failed",
				zap.String("task", taskID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "push failed")
			return
		}
		if err := h.settle(r, taskID, ev); err != nil {
			h.logger.Error("task settle failed",
				zap.String("task", taskID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "settle failed")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(events)})
}

// settle applies terminal output events to the task's lifecycle.
func (h *handler) settle(r *http.Request, taskID string, ev *model.OutputEvent) error {
	switch ev.Kind {
	case model.EventDone:
		return h.queue.Complete(r.Context(), taskID, string(ev.Payload))
	case model.EventError:
		var p struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.Reason == "" {
			p.Reason = model.ReasonStepFailed
		}
		return h.queue.Fail(r.Context(), taskID, p.Reason, p.Message)
	default:
		return nil
	}
}

// registerRequest is a standby runner announcing readiness.
type registerRequest struct {
	Addr string `json:"addr"`
}

// registerResponse either enrolls the sandbox in the warm pool or hands
// it a task immediately when the backlog is non-empty.
type registerResponse struct {
	SandboxID         string          `json:"sandbox_id,omitempty"`
	HeartbeatInterval string          `json:"heartbeat_interval,omitempty"`
	TaskID            string          `json:"task_id,omitempty"`
	TaskConfig        json.RawMessage `json:"task_config,omitempty"`
	CallbackURL       string          `json:"callback_url,omitempty"`
}

// registerSandbox implements the standby protocol. A waiting task
// short-circuits the pool: the sandbox goes straight to work and
// re-registers when done.
func (h *handler) registerSandbox(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode register: "+err.Error())
		return
	}
	if req.Addr == "" {
		writeError(w, http.StatusBadRequest, "register requires addr")
		return
	}

	for {
		task, err := h.queue.ClaimNext(r.Context(), "register:"+req.Addr)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "claim failed")
			return
		}
		if task == nil {
			break
		}
		if task.Cancelled {
			if err := h.queue.Fail(r.Context(), task.ID, model.ReasonCancelled, "cancelled before dispatch"); err != nil {
				h.logger.Error("cancel settle failed",
					zap.String("task", task.ID), zap.Error(err))
			}
			continue
		}
		if err := h.store.MarkTaskRunning(r.Context(), task.ID); err != nil {
			writeStoreError(w, err)
			return
		}
		if err := h.store.MarkRunRunning(r.Context(), task.RunID); err != nil {
			writeStoreError(w, err)
			return
		}
		h.logger.Info("task assigned at registration",
			zap.String("task", task.ID), zap.String("addr", req.Addr))
		writeJSON(w, http.StatusOK, registerResponse{
			TaskID:      task.ID,
			TaskConfig:  task.Config,
			CallbackURL: h.callback,
		})
		return
	}

	sb, err := h.pool.Register(r.Context(), req.Addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "register failed")
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{
		SandboxID:         sb.ID,
		HeartbeatInterval: h.hbEvery.String(),
	})
}

// heartbeatSandbox refreshes idle liveness. 404 tells the sandbox it
// has been claimed or expired and must stop heartbeating.
func (h *handler) heartbeatSandbox(w http.ResponseWriter, r *http.Request) {
	err := h.pool.Heartbeat(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, http.StatusNotFound, "sandbox not in pool")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
