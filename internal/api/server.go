package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgrouter/pgrouter/internal/config"
	"github.com/pgrouter/pgrouter/internal/metrics"
	"github.com/pgrouter/pgrouter/internal/proxy"
	"github.com/pgrouter/pgrouter/internal/registry"
)

// Server is the REST API and metrics server.
type Server struct {
	registry   *registry.Registry
	monitor    *registry.Monitor
	metrics    *metrics.Collector
	proxy      *proxy.Server
	httpServer *http.Server
	startTime  time.Time
	listenCfg  config.ListenConfig
}

// NewServer creates a new API server.
func NewServer(r *registry.Registry, mon *registry.Monitor, m *metrics.Collector, p *proxy.Server, lc config.ListenConfig) *Server {
	return &Server{
		registry:  r,
		monitor:   mon,
		metrics:   m,
		proxy:     p,
		startTime: time.Now(),
		listenCfg: lc,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	// Targets and maintenance control
	r.HandleFunc("/targets", s.listTargets).Methods("GET")
	r.HandleFunc("/targets/{name}", s.getTarget).Methods("GET")
	r.HandleFunc("/targets/{name}/maintenance", s.enterMaintenance).Methods("POST")
	r.HandleFunc("/targets/{name}/maintenance", s.leaveMaintenance).Methods("DELETE")

	// Live sessions
	r.HandleFunc("/sessions", s.listSessions).Methods("GET")

	// Server status & config
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")

	// Health & readiness
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	// Prometheus metrics
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	return r
}

// Start starts the HTTP API server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.listenCfg.APIBind, s.listenCfg.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] REST API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Target Handlers ---

type targetResponse struct {
	registry.Target
	Maintenance       bool                   `json:"maintenance"`
	MaintenanceReason string                 `json:"maintenance_reason,omitempty"`
	Health            *registry.TargetHealth `json:"health,omitempty"`
}

func (s *Server) targetResponse(t registry.Target) targetResponse {
	tr := targetResponse{
		Target:            t,
		Maintenance:       s.registry.InMaintenance(t.Name),
		MaintenanceReason: s.registry.MaintenanceReason(t.Name),
	}
	if s.monitor != nil {
		h := s.monitor.GetStatus(t.Name)
		tr.Health = &h
	}
	return tr
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	var result []targetResponse
	for _, t := range s.registry.Targets() {
		result = append(result, s.targetResponse(t))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	t, ok := s.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}
	writeJSON(w, http.StatusOK, s.targetResponse(t))
}

func (s *Server) enterMaintenance(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if _, ok := s.registry.Get(name); !ok {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}

	transitioned := s.registry.SetMaintenance(name, "operator request")
	log.Printf("[api] target %s maintenance requested (transitioned=%v)", name, transitioned)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"target":       name,
		"maintenance":  true,
		"transitioned": transitioned,
	})
}

func (s *Server) leaveMaintenance(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if _, ok := s.registry.Get(name); !ok {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}

	transitioned := s.registry.ClearMaintenance(name)
	log.Printf("[api] target %s maintenance cleared (transitioned=%v)", name, transitioned)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"target":       name,
		"maintenance":  false,
		"transitioned": transitioned,
	})
}

// --- Session Handlers ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.proxy.Sessions()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

// --- Health Handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
		return
	}

	statuses := s.monitor.GetAllStatuses()
	allHealthy := s.monitor.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":  boolToStatus(allHealthy),
		"targets": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	// Ready when the main target can serve sessions.
	targets := s.registry.Targets()
	if len(targets) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}

	main := targets[0]
	ready := !s.registry.InMaintenance(main.Name) &&
		(s.monitor == nil || s.monitor.IsHealthy(main.Name))

	if ready {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Status & Config Handlers ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_targets":    len(s.registry.Targets()),
		"num_sessions":   len(s.proxy.Sessions()),
		"listen": map[string]int{
			"port":     s.listenCfg.Port,
			"api_port": s.listenCfg.APIPort,
		},
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	var targets []string
	for _, t := range s.registry.Targets() {
		targets = append(targets, t.Name)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listen": map[string]int{
			"port":     s.listenCfg.Port,
			"api_port": s.listenCfg.APIPort,
		},
		"targets": targets,
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
