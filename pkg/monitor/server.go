package monitor

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stackd/stackd/pkg/errors"
	"github.com/stackd/stackd/pkg/logging"
	"github.com/stackd/stackd/pkg/supervisor"
)

// StatusSource provides run-state snapshots for the /status endpoint
type StatusSource interface {
	Status(ctx context.Context) ([]supervisor.ServiceStatus, error)
}

// Controller accepts lifecycle commands on behalf of a running stack.
// Implemented by the supervisor.
type Controller interface {
	StartAll(ctx context.Context) error
	StartService(ctx context.Context, name string) error
	StopAll(ctx context.Context) error
	StopService(ctx context.Context, name string, force bool) error
	RestartService(ctx context.Context, name string) error
	Logs(ctx context.Context, name string) (io.ReadCloser, error)
}

// Server is the HTTP endpoint of a running stack: observation on
// /status, /healthz and /metrics, lifecycle control under /v1/. The
// control routes are how the CLI reaches an already-running supervisor.
type Server struct {
	address    string
	source     StatusSource
	controller Controller
	metrics    *Metrics
	logger     logging.Logger

	listener   net.Listener
	httpServer *http.Server
	shutdownCh chan struct{}
}

// NewServer creates an endpoint bound to address. A nil controller
// disables the control routes, leaving a read-only endpoint.
func NewServer(address string, source StatusSource, controller Controller, metrics *Metrics, logger logging.Logger) *Server {
	return &Server{
		address:    address,
		source:     source,
		controller: controller,
		metrics:    metrics,
		logger:     logger,
		shutdownCh: make(chan struct{}, 1),
	}
}

// Start binds the listener and serves in the background. Bind failures
// are reported synchronously.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	if s.controller != nil {
		mux.HandleFunc("/v1/start", s.handleStart)
		mux.HandleFunc("/v1/stop", s.handleStop)
		mux.HandleFunc("/v1/restart", s.handleRestart)
		mux.HandleFunc("/v1/logs", s.handleLogs)
		mux.HandleFunc("/v1/shutdown", s.handleShutdown)
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return errors.NewIOError("failed to bind monitor endpoint", err).WithContext("address", s.address)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Infof("Monitor endpoint listening, address: %s", listener.Addr())

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("Monitor endpoint serve error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound address, nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ShutdownRequests signals once per accepted /v1/shutdown request
func (s *Server) ShutdownRequests() <-chan struct{} {
	return s.shutdownCh
}

// Stop shuts the endpoint down, draining in-flight requests until the
// context expires
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Infof("Monitor endpoint shutting down...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.NewIOError("failed to shut down monitor endpoint", err)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	statuses, err := s.source.Status(ctx)
	if err != nil {
		s.logger.Errorf("Status query failed: %v", err)
		http.Error(w, "status query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		s.logger.Errorf("Failed to encode status response: %v", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	// liveness of the supervisor itself, not of any service
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	service := r.URL.Query().Get("service")
	var err error
	if service == "" {
		err = s.controller.StartAll(r.Context())
	} else {
		err = s.controller.StartService(r.Context(), service)
	}
	s.writeCommandResult(w, err)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	service := r.URL.Query().Get("service")
	force := r.URL.Query().Get("force") == "1"
	var err error
	if service == "" {
		err = s.controller.StopAll(r.Context())
	} else {
		err = s.controller.StopService(r.Context(), service, force)
	}
	s.writeCommandResult(w, err)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	service := r.URL.Query().Get("service")
	if service == "" {
		http.Error(w, "service parameter is required", http.StatusBadRequest)
		return
	}
	s.writeCommandResult(w, s.controller.RestartService(r.Context(), service))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	service := r.URL.Query().Get("service")
	if service == "" {
		http.Error(w, "service parameter is required", http.StatusBadRequest)
		return
	}

	reader, err := s.controller.Logs(r.Context(), service)
	if err != nil {
		s.writeCommandResult(w, err)
		return
	}
	defer reader.Close()

	// unblock a pending Read when the client goes away
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-r.Context().Done():
			reader.Close()
		case <-finished:
		}
	}()

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buffer := make([]byte, 4096)
	for {
		n, readErr := reader.Read(buffer)
		if n > 0 {
			if _, writeErr := w.Write(buffer[:n]); writeErr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return
		}
	}
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	select {
	case s.shutdownCh <- struct{}{}:
	default:
		// a shutdown is already pending
	}

	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("shutting down\n"))
}

func (s *Server) writeCommandResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	case errors.IsNotFoundError(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.IsValidationError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
