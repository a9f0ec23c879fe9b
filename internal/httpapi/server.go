// Package httpapi exposes internal/control's tagged-union dispatcher
// over HTTP: a mux.Router serving POST /v1/dispatch and GET /v1/health
// behind a security-headers middleware.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/taskmesh/controlplane/internal/control"
)

// MaxPayloadSize bounds a /v1/dispatch request body as a DoS guard.
const MaxPayloadSize = 1 * 1024 * 1024

// Server is the control plane's HTTP surface: POST /v1/dispatch plus a
// health check, backed by a control.Dispatcher.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	dispatcher *control.Dispatcher
	startTime  time.Time
}

// New builds a Server bound to addr, routing every request through
// dispatcher.
func New(addr string, dispatcher *control.Dispatcher) *Server {
	s := &Server{
		dispatcher: dispatcher,
		startTime:  time.Now(),
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(securityHeadersMiddleware)

	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/dispatch", s.handleDispatch).Methods("POST")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type dispatchRequest struct {
	Component   control.Component      `json:"component"`
	Method      string                 `json:"method"`
	ActingAgent string                 `json:"actingAgent"`
	Params      map[string]interface{} `json:"params"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	limitRequestSize(r, MaxPayloadSize)

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp := s.dispatcher.Dispatch(control.Request{
		Component:   req.Component,
		Method:      req.Method,
		ActingAgent: req.ActingAgent,
		Params:      req.Params,
	})

	status := http.StatusOK
	if !resp.Success {
		status = http.StatusBadRequest
	}
	respondJSONStatus(w, status, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func limitRequestSize(r *http.Request, maxSize int64) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxSize)
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSONStatus(w, status, map[string]string{"error": message})
}
