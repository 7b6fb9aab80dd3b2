// Package web exposes the controller over HTTP: a small JSON API for
// reports and status, a health probe and a WebSocket endpoint that
// carries the command/event contract the UI speaks.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PapaMarky/pi-camera-control-sub003/internal/bus"
	"github.com/PapaMarky/pi-camera-control-sub003/internal/ccapi"
	"github.com/PapaMarky/pi-camera-control-sub003/internal/config"
	"github.com/PapaMarky/pi-camera-control-sub003/internal/logger"
	"github.com/PapaMarky/pi-camera-control-sub003/internal/report"
	"github.com/PapaMarky/pi-camera-control-sub003/internal/session"
	"github.com/PapaMarky/pi-camera-control-sub003/internal/timesync"
	"github.com/PapaMarky/pi-camera-control-sub003/pkg/health"
)

// Logger interface for dependency injection
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type defaultLogger struct{}

func (d *defaultLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (d *defaultLogger) Info(msg string, keysAndValues ...interface{})  {}
func (d *defaultLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (d *defaultLogger) Error(msg string, keysAndValues ...interface{}) {}

// statusInterval is the cadence of the periodic status_update aggregate
const statusInterval = 10 * time.Second

// Deps bundles everything the server fronts
type Deps struct {
	Config      *config.Config
	Coordinator *ccapi.Coordinator
	Sessions    *session.Manager
	Reports     *report.Store
	TimeSync    *timesync.Machine
	Bus         *bus.Bus
	Monitor     *health.SystemMonitor
	NTP         *timesync.NTPHealth
	Log         Logger
}

// Server is the controller's HTTP and WebSocket front
type Server struct {
	deps     Deps
	mux      *http.ServeMux
	server   *http.Server
	apSubnet *net.IPNet
	log      Logger

	// baseCtx outlives any single connection; sessions started over a
	// WebSocket must not die with it
	baseCtx context.Context
}

// NewServer creates a web server over the given dependencies
func NewServer(deps Deps) (*Server, error) {
	if deps.Log == nil {
		deps.Log = &defaultLogger{}
	}
	_, apSubnet, err := net.ParseCIDR(deps.Config.Web.APSubnet)
	if err != nil {
		return nil, fmt.Errorf("parse access-point subnet: %w", err)
	}

	s := &Server{
		deps:     deps,
		mux:      http.NewServeMux(),
		apSubnet: apSubnet,
		log:      deps.Log,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/logs", s.handleLogs)
	s.mux.HandleFunc("/api/reports", s.handleReports)
	s.mux.HandleFunc("/api/reports/", s.handleReport)
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/healthz", health.HealthHandler)
	s.mux.HandleFunc("/readyz", health.ReadyHandler)
}

// Run serves until ctx is cancelled, then shuts down gracefully. It
// also drives the periodic status_update publication.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.deps.Config.Web.Port),
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.statusLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	s.log.Info("Web server listening", "addr", s.server.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("Web server shutdown error", "error", err)
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// statusLoop publishes the aggregate status on a fixed cadence
func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.deps.Bus.Publish(bus.EventStatusUpdate, s.statusPayload())
		}
	}
}

func (s *Server) statusPayload() map[string]interface{} {
	payload := map[string]interface{}{
		"camera":    s.deps.Coordinator.GetStatus(),
		"time_sync": s.deps.TimeSync.Status(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.deps.Monitor != nil {
		payload["system"] = s.deps.Monitor.GetStats()
	}
	if s.deps.NTP != nil {
		payload["ntp"] = s.deps.NTP.Status()
	}
	if current := s.deps.Sessions.Current(); current != nil {
		payload["session"] = current.Snapshot()
	}
	return payload
}

// HTTP handlers

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.statusPayload())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	count := 100
	if v := r.URL.Query().Get("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			count = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs": logger.GetRecentLogs(count),
	})
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reports": s.deps.Reports.List(),
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/reports/")
	id, sub, _ := strings.Cut(id, "/")
	if id == "" {
		http.Error(w, "Report ID required", http.StatusBadRequest)
		return
	}

	switch {
	case r.Method == http.MethodGet && sub == "":
		rep, err := s.deps.Reports.Get(id)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)

	case r.Method == http.MethodDelete && sub == "":
		if err := s.deps.Reports.Delete(id); err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"deleted": id})

	case r.Method == http.MethodPut && sub == "title":
		var body struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.deps.Reports.UpdateTitle(id, body.Title); err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "title": body.Title})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, report.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, report.ErrInvalidTitle):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// clientTier classifies a remote address by the interface it arrived on
func (s *Server) clientTier(remoteAddr string) timesync.Tier {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip != nil && s.apSubnet.Contains(ip) {
		return timesync.TierAP0
	}
	return timesync.TierWLAN0
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
