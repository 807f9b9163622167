// Package api exposes the orchestration core to presentation layers: a
// JSON HTTP surface for queue and scheduler operations plus a websocket
// feed of status and lifecycle events. It never mutates core state beyond
// the operator verbs it forwards.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/printflow-ai/printflow/internal/state"
	"github.com/printflow-ai/printflow/pkg/job"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server hosts the HTTP API
type Server struct {
	app    *state.AppState
	hub    *WebSocketHub
	logger logr.Logger
}

// NewServer wires the API against the application state and subscribes
// the websocket hub to core events.
func NewServer(app *state.AppState, l logr.Logger) *Server {
	s := &Server{
		app:    app,
		hub:    NewWebSocketHub(l.WithName("ws")),
		logger: l,
	}

	app.Printer.OnStatus(s.hub.BroadcastStatus)
	app.Scheduler.OnJobStart(func(j *job.PrintJob) { s.hub.BroadcastJobEvent("job_start", j) })
	app.Scheduler.OnJobComplete(func(j *job.PrintJob) { s.hub.BroadcastJobEvent("job_complete", j) })
	app.Scheduler.OnJobFailed(func(j *job.PrintJob) { s.hub.BroadcastJobEvent("job_failed", j) })

	return s
}

// Handler builds the routed, CORS-wrapped handler
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/queue", s.handleQueue).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs", s.handleAddJob).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs/{id}", s.handleRemoveJob).Methods(http.MethodDelete)
	r.HandleFunc("/api/jobs/{id}/top", s.handleMoveTop).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs/{id}/bottom", s.handleMoveBottom).Methods(http.MethodPost)
	r.HandleFunc("/api/scheduler/start", s.handleSchedulerStart).Methods(http.MethodPost)
	r.HandleFunc("/api/scheduler/pause", s.handleSchedulerPause).Methods(http.MethodPost)
	r.HandleFunc("/api/scheduler/resume", s.handleSchedulerResume).Methods(http.MethodPost)
	r.HandleFunc("/api/scheduler/cancel", s.handleSchedulerCancel).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWebSocket)
	return cors.Default().Handler(r)
}

// Run starts the hub pump and serves until the listener fails
func (s *Server) Run(addr string) error {
	go s.hub.Run()
	s.logger.Info("api listening", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(err, "response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"connected": s.app.Printer.IsConnected(),
		"scheduler": s.app.Scheduler.State(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.app.Printer.Status())
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   s.app.Queue.Jobs(),
		"counts": s.app.Queue.CountByStatus(),
	})
}

// AddJobRequest is the enqueue payload
type AddJobRequest struct {
	Name             string   `json:"name"`
	FilePath         string   `json:"filePath"`
	Priority         string   `json:"priority"`
	MaterialType     string   `json:"materialType"`
	Color            string   `json:"color"`
	Colors           []string `json:"colors,omitempty"`
	DependsOn        []string `json:"dependsOn,omitempty"`
	EstimatedMinutes int      `json:"estimatedMinutes"`
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var req AddJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FilePath == "" {
		s.writeError(w, http.StatusBadRequest, "filePath is required")
		return
	}
	if req.Name == "" {
		req.Name = req.FilePath
	}

	j := job.New(req.Name, req.FilePath)
	j.Material.Type = req.MaterialType
	j.Material.Color = req.Color
	j.Material.Colors = req.Colors
	if req.EstimatedMinutes > 0 {
		j.EstimatedDuration = time.Duration(req.EstimatedMinutes) * time.Minute
	}

	added, err := s.app.Queue.Add(j, job.ParsePriority(req.Priority), req.DependsOn)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.app.Queue.Remove(id) {
		s.writeError(w, http.StatusConflict, "job not found or active")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

func (s *Server) handleMoveTop(w http.ResponseWriter, r *http.Request) {
	s.handleMove(w, r, s.app.Queue.MoveToTop)
}

func (s *Server) handleMoveBottom(w http.ResponseWriter, r *http.Request) {
	s.handleMove(w, r, s.app.Queue.MoveToBottom)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request, move func(string) error) {
	id := mux.Vars(r)["id"]
	if err := move(id); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	j, _ := s.app.Queue.Get(id)
	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	dispatched := s.app.Scheduler.Start()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":      s.app.Scheduler.State(),
		"dispatched": dispatched,
	})
}

func (s *Server) handleSchedulerPause(w http.ResponseWriter, r *http.Request) {
	s.app.Scheduler.Pause()
	s.writeSchedulerState(w)
}

func (s *Server) handleSchedulerResume(w http.ResponseWriter, r *http.Request) {
	s.app.Scheduler.Resume()
	s.writeSchedulerState(w)
}

func (s *Server) handleSchedulerCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.app.Scheduler.CancelCurrent()
	if cancelled == nil {
		s.writeError(w, http.StatusConflict, "no job in flight")
		return
	}
	s.writeJSON(w, http.StatusOK, cancelled)
}

func (s *Server) writeSchedulerState(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":   s.app.Scheduler.State(),
		"current": s.app.Scheduler.CurrentJob(),
	})
}
