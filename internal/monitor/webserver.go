// Package monitor serves the cart's HTTP surface: JSON status and map
// endpoints, the delivery workflow controls, debug charts of the occupancy
// map and the Prometheus scrape endpoint.
package monitor

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/cartnav/internal/monitoring"
	"github.com/banshee-data/cartnav/internal/runner"
)

//go:embed status.html
var statusFS embed.FS

var statusTemplate = template.Must(template.ParseFS(statusFS, "status.html"))

// WebServer exposes a running control loop over HTTP.
type WebServer struct {
	address string
	runner  *runner.Runner
	server  *http.Server
	version string
}

// WebServerConfig contains configuration options for the web server
type WebServerConfig struct {
	Address string
	Runner  *runner.Runner
	Version string

	// AdminRoutes are attached to the same mux, typically the database and
	// serial board debug handlers.
	AdminRoutes []func(*http.ServeMux)
}

// NewWebServer builds the server. Runner is required.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address: config.Address,
		runner:  config.Runner,
		version: config.Version,
	}

	mux := ws.setupRoutes()
	for _, attach := range config.AdminRoutes {
		attach(mux)
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// Handler returns the root handler, mainly for tests.
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

// Start serves until ctx is cancelled, then shuts the server down.
func (ws *WebServer) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("[monitor] starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("http server: %w", err)
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	monitoring.Logf("[monitor] shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("[monitor] HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("[monitor] HTTP server force close error: %v", err)
		}
	}

	monitoring.Logf("[monitor] HTTP server routine stopped")
	return nil
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/{$}", ws.handleIndex)
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/map", ws.handleMap)
	mux.HandleFunc("/api/scan", ws.handleScan)
	mux.HandleFunc("/api/confirm", ws.handleConfirm)
	mux.HandleFunc("/api/cancel", ws.handleCancel)
	mux.HandleFunc("/api/snapshot", ws.handleSnapshot)
	mux.HandleFunc("/charts/map", ws.handleMapChart)
	mux.HandleFunc("/charts/map.png", ws.handleMapPlot)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// handleHealth handles the health check endpoint
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "cartnav", "timestamp": "%s"}`, time.Now().UTC().Format(time.RFC3339))
}

func (ws *WebServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	st := ws.runner.Status()
	codes := []string(nil)
	if wf := ws.runner.Workflow(); wf != nil {
		codes = wf.Codes()
	}
	buf := bytes.NewBuffer(nil)
	err := statusTemplate.Execute(buf, map[string]any{
		"Version": ws.version,
		"Status":  st,
		"Codes":   codes,
	})
	if err != nil {
		http.Error(w, "Failed to render template", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}
