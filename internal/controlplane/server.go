package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fentz26/swarmq/internal/logger"
	"github.com/fentz26/swarmq/internal/store"
	"github.com/fentz26/swarmq/internal/telemetry"
)

const maxBodyBytes = 4 << 20

// Server provides the HTTP API for swarmq.
type Server struct {
	service *Service
	addr    string
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string) *Server {
	return &Server{
		service: service,
		addr:    addr,
		logger:  service.logger,
	}
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.HTTPMiddleware("swarmq-api"))

	r.Get("/health", s.handleHealth)

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.listTasks)
		r.Post("/", s.createTasks)
		r.Get("/{id}", s.getTask)
		r.Get("/{id}/events", s.getTaskEvents)
		r.Get("/{id}/runs", s.getTaskRuns)
	})
	r.Get("/events", s.tailEvents)
	r.Get("/counts", s.getCounts)
	r.Get("/ledger", s.getLedger)

	r.Get("/control", s.getControl)
	r.Post("/control/{action}", s.postControl)
	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("api listening", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logger.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		s.logger.DebugContext(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.service.Health(r.Context())
	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// createTaskRequest accepts either a single task or a batch under "tasks".
type createTaskRequest struct {
	TaskSpec
	Tasks []TaskSpec `json:"tasks,omitempty"`
}

func (s *Server) createTasks(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createTaskRequest](w, r)
	if !ok {
		return
	}
	specs := req.Tasks
	if len(specs) == 0 && req.Instruction != "" {
		specs = []TaskSpec{req.TaskSpec}
	}

	tasks, err := s.service.CreateTasks(r.Context(), specs)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if len(req.Tasks) == 0 {
		writeJSON(w, http.StatusCreated, tasks[0])
		return
	}
	writeJSON(w, http.StatusCreated, tasks)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.service.ListTasks(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(tasks))
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) getTaskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.service.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(events))
}

func (s *Server) getTaskRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.service.Runs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(runs))
}

func (s *Server) tailEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := queryInt(q.Get("after"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid after")
		return
	}
	limit, err := queryInt(q.Get("limit"), 100)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	events, err := s.service.Tail(r.Context(), after, int(limit))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(events))
}

func (s *Server) getCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.service.Counts(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) getLedger(w http.ResponseWriter, r *http.Request) {
	resp, err := s.service.Ledger(r.Context(), r.URL.Query().Get("identity"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getControl(w http.ResponseWriter, _ *http.Request) {
	resp, err := s.service.Control()
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type controlRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) postControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if r.ContentLength > 0 {
		var ok bool
		if req, ok = readJSON[controlRequest](w, r); !ok {
			return
		}
	}
	resp, err := s.service.Signal(chi.URLParam(r, "action"), req.Reason)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- helpers ---

type errorResponse struct {
	Error string `json:"error"`
}

func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid json")
		}
		return v, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicateTask):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInvalidTask),
		errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrUnknownSignal),
		errors.Is(err, ErrEmptyBatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoControl):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// orEmpty keeps empty lists encoding as [] rather than null.
func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func queryInt(v string, def int64) (int64, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}
