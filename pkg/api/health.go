package api

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cuemby/kioskd/pkg/log"
	"github.com/cuemby/kioskd/pkg/metrics"
	"github.com/cuemby/kioskd/pkg/types"
)

// maxLogView bounds how much of each sink the log view renders
const maxLogView = 256 * 1024

// BundleChecker reports whether the installed bundle is safe to run
type BundleChecker interface {
	Validate() error
	CurrentVersion() (string, error)
}

// ProcessChecker reports whether the bundle is running
type ProcessChecker interface {
	Running() bool
}

// EventSource exposes the buffered agent log history
type EventSource interface {
	Snapshot() []types.LogEvent
}

// Options configures the status server. Every checker is optional.
type Options struct {
	Version    string
	Bundle     BundleChecker
	Process    ProcessChecker
	Events     EventSource
	StdoutSink string
	StderrSink string
}

// HealthServer provides the device's local HTTP status endpoints
type HealthServer struct {
	opts Options
	mux  *http.ServeMux
}

// NewHealthServer creates the status server
func NewHealthServer(opts Options) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		opts: opts,
		mux:  mux,
	}

	// Register endpoints
	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.HandleFunc("/events", hs.eventsHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/components", metrics.HealthHandler())
	mux.HandleFunc("/components/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.HandleFunc("/", hs.logsHandler)

	return hs
}

// Run serves on addr until ctx is done
func (hs *HealthServer) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("Status server started")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint
// This is a simple liveness check - returns 200 if the agent is alive
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   hs.opts.Version,
	}

	writeJSON(w, http.StatusOK, response)
}

// readyHandler implements the /ready endpoint
// Ready means the bundle validates and the application is running
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	// Check 1: Bundle
	if hs.opts.Bundle != nil {
		if err := hs.opts.Bundle.Validate(); err != nil {
			checks["bundle"] = "invalid: " + err.Error()
			ready = false
			message = "Bundle not ready"
		} else {
			version, _ := hs.opts.Bundle.CurrentVersion()
			checks["bundle"] = "ready (" + version + ")"
		}
	} else {
		checks["bundle"] = "not initialized"
		ready = false
		message = "Update engine not initialized"
	}

	// Check 2: Application process
	if hs.opts.Process != nil {
		if hs.opts.Process.Running() {
			checks["app"] = "running"
		} else {
			checks["app"] = "stopped"
			ready = false
			if message == "" {
				message = "Application not running"
			}
		}
	} else {
		checks["app"] = "not initialized"
		ready = false
	}

	// Prepare response
	status := "ready"
	statusCode := http.StatusOK

	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}

	writeJSON(w, statusCode, response)
}

// eventsHandler returns the buffered agent log history as JSON
func (hs *HealthServer) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	events := []types.LogEvent{}
	if hs.opts.Events != nil {
		events = hs.opts.Events.Snapshot()
	}
	writeJSON(w, http.StatusOK, events)
}

var logView = template.Must(template.New("logs").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Device logs</title></head>
<body>
<br><div>SYS Logs:</div><br>
{{range .Stdout}}<div>{{.}}</div>
{{end}}<br><div>ERR Logs:</div><br>
{{range .Stderr}}<div>{{.}}</div>
{{end}}</body>
</html>
`))

// logsHandler renders the tail of the application log sinks as HTML
func (hs *HealthServer) logsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data := struct {
		Stdout []string
		Stderr []string
	}{
		Stdout: tailLines(hs.opts.StdoutSink, maxLogView),
		Stderr: tailLines(hs.opts.StderrSink, maxLogView),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := logView.Execute(w, data); err != nil {
		logger := log.WithComponent("api")
		logger.Warn().Err(err).Msg("Failed to render log view")
	}
}

// tailLines returns the lines of the last limit bytes of path. A missing file
// yields no lines.
func tailLines(path string, limit int64) []string {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil
	}
	offset := info.Size() - limit
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if offset > 0 && len(lines) > 1 {
		// Drop the partial first line
		lines = lines[1:]
	}
	return lines
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
