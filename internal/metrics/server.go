// Package metrics serves the operational HTTP surface: Prometheus metrics,
// liveness and a status snapshot.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"gridbot/internal/core"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports whether trading is healthy plus detail for the payload.
type HealthFunc func() (bool, map[string]interface{})

type Server struct {
	port   string
	logger core.ILogger
	srv    *http.Server

	mu        sync.RWMutex
	status    map[string]string
	health    HealthFunc
	reconcile func() bool
}

func NewServer(port string, logger core.ILogger, health HealthFunc) *Server {
	return &Server{
		port:   port,
		logger: logger.WithField("component", "metrics_server"),
		status: make(map[string]string),
		health: health,
	}
}

// SetReconcileTrigger installs the handler behind POST /reconcile. The
// function reports whether the request was accepted. Call before Start.
func (s *Server) SetReconcileTrigger(trigger func() bool) {
	s.reconcile = trigger
}

func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/reconcile", s.handleReconcile)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    ":" + s.port,
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting metrics server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) UpdateStatus(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[key] = value
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"status": "ok",
		"time":   time.Now(),
	}

	code := http.StatusOK
	if s.health != nil {
		healthy, detail := s.health()
		payload["trading"] = detail
		if !healthy {
			payload["status"] = "halted"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if s.reconcile == nil {
		http.Error(w, "reconciliation not wired", http.StatusNotImplemented)
		return
	}
	if !s.reconcile() {
		http.Error(w, "engine busy, retry", http.StatusServiceUnavailable)
		return
	}
	s.logger.Info("Manual reconciliation requested")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	snapshot := make(map[string]string, len(s.status))
	for k, v := range s.status {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	data, _ := json.Marshal(snapshot)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
