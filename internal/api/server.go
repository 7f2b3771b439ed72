// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/apperrors"
	"github.com/atlas-desktop/backtest-lab/internal/diagnosis"
	"github.com/atlas-desktop/backtest-lab/internal/execution"
	"github.com/atlas-desktop/backtest-lab/internal/metrics"
	"github.com/atlas-desktop/backtest-lab/internal/tasks"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	tasks      *execution.Service
	diagnosis  *diagnosis.Service
	hub        *Hub
	metrics    *metrics.Metrics
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Code    apperrors.Code `json:"code"`
	Message string         `json:"message"`
}

// NewServer creates a new API server
func NewServer(
	logger *zap.Logger,
	config *types.ServerConfig,
	taskService *execution.Service,
	diagService *diagnosis.Service,
	hub *Hub,
	m *metrics.Metrics,
) *Server {
	s := &Server{
		logger:    logger.With(zap.String("component", "api")),
		config:    config,
		router:    mux.NewRouter(),
		tasks:     taskService,
		diagnosis: diagService,
		hub:       hub,
		metrics:   m,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.metrics.Middleware(routeTemplate))

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Task endpoints; static paths before {id}
	api.HandleFunc("/tasks", s.handleCreateTask).Methods("POST")
	api.HandleFunc("/tasks", s.handleListTasks).Methods("GET")
	api.HandleFunc("/tasks/next", s.handleNextTask).Methods("GET")
	api.HandleFunc("/tasks/running", s.handleRunningCount).Methods("GET")
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods("GET")
	api.HandleFunc("/tasks/{id}", s.handleUpdateParams).Methods("PUT")
	api.HandleFunc("/tasks/{id}", s.handleDeleteTask).Methods("DELETE")
	api.HandleFunc("/tasks/{id}/{action:start|pause|resume|cancel}", s.handleTaskAction).Methods("POST")

	// Result endpoints
	api.HandleFunc("/results/{id}", s.handleGetResult).Methods("GET")
	api.HandleFunc("/results/{id}/diagnose", s.handleDiagnose).Methods("POST")
	api.HandleFunc("/results/{id}/diagnosis", s.handleGetDiagnosis).Methods("GET")

	if s.config.EnableMetrics && s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	if s.hub != nil {
		path := s.config.WebSocketPath
		if path == "" {
			path = "/ws"
		}
		s.router.HandleFunc(path, s.hub.ServeWS)
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)
}

// Router exposes the route table
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	s.writeJSON(w, status, ErrorResponse{Code: apperrors.CodeOf(err), Message: err.Error()})
}

// decodeBody reads an optional JSON body into v; empty bodies leave v untouched
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperrors.Validation("api.decode", "invalid request body: %v", err)
	}
	return nil
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	running, err := s.tasks.RunningCount(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := map[string]interface{}{
		"status":     "healthy",
		"time":       time.Now().Unix(),
		"running":    running,
		"queueDepth": s.tasks.QueueDepth(),
	}
	if s.hub != nil {
		body["wsClients"] = s.hub.ClientCount()
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	req := tasks.CreateRequest{Priority: types.PriorityNormal}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.tasks.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, task)
}

// handleListTasks accepts status, type and created_by filters; status and
// type take comma separated lists
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter types.TaskFilter
	for _, v := range splitList(q.Get("status")) {
		filter.Status = append(filter.Status, types.TaskStatus(strings.ToUpper(v)))
	}
	for _, v := range splitList(q.Get("type")) {
		filter.Type = append(filter.Type, types.TaskType(strings.ToUpper(v)))
	}
	filter.CreatedBy = q.Get("created_by")

	var page types.Pagination
	var err error
	if page.Page, err = intParam(q.Get("page")); err != nil {
		s.writeError(w, r, err)
		return
	}
	if page.PageSize, err = intParam(q.Get("page_size")); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.tasks.List(r.Context(), filter, page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperrors.Validation("api.query", "invalid integer %q", v)
	}
	return n, nil
}

func (s *Server) handleNextTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.GetNextPending(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if task == nil {
		s.writeJSON(w, http.StatusNoContent, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRunningCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.tasks.RunningCount(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"running": n})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateParams(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Params map[string]any `json:"params"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.tasks.UpdateParams(r.Context(), mux.Vars(r)["id"], body.Params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	var task *types.Task
	var err error
	switch vars["action"] {
	case "start":
		task, err = s.tasks.Start(r.Context(), id)
	case "pause":
		task, err = s.tasks.Pause(r.Context(), id)
	case "resume":
		task, err = s.tasks.Resume(r.Context(), id)
	case "cancel":
		task, err = s.tasks.Cancel(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.diagnosis.Result(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleDiagnose runs a diagnosis; an empty body uses the configured defaults
func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	var params *types.DiagnosisParams
	if r.ContentLength != 0 {
		var p types.DiagnosisParams
		if err := decodeBody(r, &p); err != nil {
			s.writeError(w, r, err)
			return
		}
		params = &p
	}
	diag, err := s.diagnosis.Diagnose(r.Context(), mux.Vars(r)["id"], params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, diag)
}

func (s *Server) handleGetDiagnosis(w http.ResponseWriter, r *http.Request) {
	diag, err := s.diagnosis.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, diag)
}
