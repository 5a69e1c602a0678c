// Package httpapi exposes the producer and listing surface over HTTP.
// Payload semantics: priority is accepted in its string form and always
// serialized back as its numeric enum; args and kwargs pass through to
// the handler untouched.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	relayq "github.com/relayq/relayq-go"
)

// API wires the queue manager into an http.Handler.
type API struct {
	mgr      *relayq.Manager
	validate *validator.Validate
	log      relayq.Logger
}

// New creates the API over the given manager.
func New(mgr *relayq.Manager, log relayq.Logger) *API {
	if log == nil {
		log = relayq.NewFmtLogger()
	}
	return &API{mgr: mgr, validate: validator.New(), log: log}
}

// Router builds the chi router for the API.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks/", a.createTask)
		r.Post("/tasks", a.createTask)
		r.Get("/tasks/", a.listTasks)
		r.Get("/tasks", a.listTasks)
		r.Get("/tasks/{id}", a.getTask)
		r.Get("/queues/{queue}/stats", a.queueStats)
	})
	return r
}

type createTaskRequest struct {
	TaskName   string           `json:"task_name" validate:"required"`
	Args       []any            `json:"args"`
	Kwargs     map[string]any   `json:"kwargs"`
	Priority   *relayq.Priority `json:"priority"`
	MaxRetries *int             `json:"max_retries" validate:"omitempty,gte=0"`
	RetryDelay *int64           `json:"retry_delay" validate:"omitempty,gte=0"`
	Timeout    *int64           `json:"timeout" validate:"omitempty,gt=0"`
	QueueName  string           `json:"queue_name"`
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Count   *int   `json:"count,omitempty"`
	Errors  any    `json:"errors,omitempty"`
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	dec := sonic.ConfigDefault.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "validation failed", validationErrors(err))
		return
	}

	opts := []relayq.Option{}
	if req.QueueName != "" {
		opts = append(opts, relayq.Queue(req.QueueName))
	}
	if req.Priority != nil {
		opts = append(opts, relayq.WithPriority(*req.Priority))
	}
	if req.MaxRetries != nil {
		opts = append(opts, relayq.MaxRetries(*req.MaxRetries))
	}
	if req.RetryDelay != nil {
		opts = append(opts, relayq.RetryDelay(*req.RetryDelay))
	}
	if req.Timeout != nil {
		opts = append(opts, relayq.Timeout(*req.Timeout))
	}

	rec, err := a.mgr.Enqueue(r.Context(), req.TaskName, req.Args, req.Kwargs, opts...)
	if err != nil {
		a.log.Errorf("api: enqueue failed: %v", err)
		a.writeError(w, http.StatusInternalServerError, "failed to enqueue task", nil)
		return
	}
	a.writeJSON(w, http.StatusCreated, envelope{Success: true, Message: "task created", Data: rec})
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	f := relayq.TaskFilter{
		Queue:    r.URL.Query().Get("queue_name"),
		TaskName: r.URL.Query().Get("task_name"),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		st, err := relayq.ParseStatus(s)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "unknown status", s)
			return
		}
		f.Status = st
	}
	if p := r.URL.Query().Get("priority"); p != "" {
		pr, err := relayq.ParsePriority(p)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "unknown priority", p)
			return
		}
		f.Priority = &pr
	}

	recs, err := a.mgr.Store().List(r.Context(), f)
	if err != nil {
		a.log.Errorf("api: list failed: %v", err)
		a.writeError(w, http.StatusInternalServerError, "failed to list tasks", nil)
		return
	}
	n := len(recs)
	a.writeJSON(w, http.StatusOK, envelope{Success: true, Data: recs, Count: &n})
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := a.mgr.Store().Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, relayq.ErrTaskNotFound) {
			a.writeError(w, http.StatusNotFound, "task not found", id)
			return
		}
		a.log.Errorf("api: get failed: %v", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load task", nil)
		return
	}
	a.writeJSON(w, http.StatusOK, envelope{Success: true, Data: rec})
}

func (a *API) queueStats(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	stats, err := a.mgr.Stats(r.Context(), queue)
	if err != nil {
		a.log.Errorf("api: stats failed: %v", err)
		a.writeError(w, http.StatusInternalServerError, "failed to read queue stats", nil)
		return
	}
	a.writeJSON(w, http.StatusOK, envelope{Success: true, Data: stats})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Errorf("api: encode response: %v", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string, details any) {
	a.writeJSON(w, status, envelope{Success: false, Message: msg, Errors: details})
}

func validationErrors(err error) any {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = fe.Tag()
	}
	return out
}
