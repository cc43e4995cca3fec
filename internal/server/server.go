// Package server exposes the rotation orchestrator over HTTP so a scheduler
// can deliver step triggers without linking the engine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ssgrim/daylight-rotator/internal/history"
	"github.com/ssgrim/daylight-rotator/internal/logging"
	"github.com/ssgrim/daylight-rotator/internal/metrics"
	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

const maxBodyBytes = 64 << 10

// Config holds configuration for the HTTP server.
type Config struct {
	// Addr is the listen address, for example ":8080".
	Addr string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout bounds a whole step, including validation probes.
	WriteTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

// StepHandler is the part of the orchestrator the server drives.
type StepHandler interface {
	HandleStep(ctx context.Context, req rotation.StepRequest) error
	Describe(ctx context.Context, secretID string) (*rotation.Status, error)
}

// Server serves step triggers, stage lookups, metrics and health.
type Server struct {
	config  Config
	steps   StepHandler
	logger  *logging.Logger
	metrics *metrics.Metrics
	history history.Storage
	server  *http.Server
	addr    string
	serveCh chan error
	listen  func(network, address string) (net.Listener, error)
}

// Option customises a Server.
type Option func(*Server)

// WithMetrics serves m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithHistory serves step history for each secret.
func WithHistory(h history.Storage) Option {
	return func(s *Server) {
		s.history = h
	}
}

// New creates a server. Zero timeouts take the defaults.
func New(config Config, steps StepHandler, logger *logging.Logger, opts ...Option) *Server {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{config: config, steps: steps, logger: logger, listen: net.Listen}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router wires the routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/rotation/steps", s.handleStep)
		r.Get("/secrets/{secretId}/stages", s.handleStages)
		if s.history != nil {
			r.Get("/secrets/{secretId}/history", s.handleHistory)
		}
	})
	return r
}

// Start binds the listen address and serves in the background. Use Stop to
// shut down.
func (s *Server) Start() error {
	ln, err := s.listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.addr = ln.Addr().String()
	s.server = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.serveCh = make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.serveCh <- err
		}
		close(s.serveCh)
	}()

	s.logger.Info("Listening for rotation triggers on %s", s.addr)
	return nil
}

// Run serves until ctx is cancelled, then shuts down gracefully. It returns
// early with the serve error if the server stops on its own.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	select {
	case err, ok := <-s.serveCh:
		if ok && err != nil {
			s.logger.Error("HTTP server stopped: %v", err)
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()
	return s.Stop(shutdownCtx)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.addr != "" {
		return s.addr
	}
	return s.config.Addr
}

type errorResponse struct {
	Step     rotation.Step      `json:"step,omitempty"`
	SecretID string             `json:"secretId,omitempty"`
	Kind     rotation.ErrorKind `json:"kind"`
	Message  string             `json:"message"`
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	var req rotation.StepRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Kind:    rotation.ErrInvalidRequest,
			Message: "invalid request body: " + err.Error(),
		})
		return
	}

	err := s.steps.HandleStep(r.Context(), req)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStages(w http.ResponseWriter, r *http.Request) {
	secretID, ok := secretParam(w, r)
	if !ok {
		return
	}
	status, err := s.steps.Describe(r.Context(), secretID)
	if err != nil {
		s.writeError(w, rotation.StepRequest{SecretID: secretID}, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	secretID, ok := secretParam(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				SecretID: secretID,
				Kind:     rotation.ErrInvalidRequest,
				Message:  "invalid limit",
			})
			return
		}
		limit = n
	}

	entries, err := s.history.GetHistory(secretID, limit)
	if err != nil {
		s.logger.Error("Failed to read history for %s: %v", secretID, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			SecretID: secretID,
			Kind:     rotation.ErrStoreUnavailable,
			Message:  "history unavailable",
		})
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) writeError(w http.ResponseWriter, req rotation.StepRequest, err error) {
	resp := errorResponse{
		Step:     req.Step,
		SecretID: req.SecretID,
		Kind:     rotation.KindOf(err),
		Message:  err.Error(),
	}
	var rerr *rotation.Error
	if errors.As(err, &rerr) {
		if rerr.Step != "" {
			resp.Step = rerr.Step
		}
		if rerr.SecretID != "" {
			resp.SecretID = rerr.SecretID
		}
	}

	status := StatusFor(resp.Kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("%s", err)
	} else {
		s.logger.Warn("%s", err)
	}
	writeJSON(w, status, resp)
}

// StatusFor maps an error kind to the HTTP status returned to the scheduler.
// 4xx means the trigger will not succeed as sent; 5xx means a retry may.
func StatusFor(kind rotation.ErrorKind) int {
	switch kind {
	case rotation.ErrInvalidRequest:
		return http.StatusBadRequest
	case rotation.ErrNotFound:
		return http.StatusNotFound
	case rotation.ErrInvalidState, rotation.ErrTokenConflict, rotation.ErrStageConflict, rotation.ErrAlreadyExists:
		return http.StatusConflict
	case rotation.ErrMalformedSecret, rotation.ErrValidationFailed:
		return http.StatusUnprocessableEntity
	case rotation.ErrValidationUnreachable, rotation.ErrPropagationFailed:
		return http.StatusBadGateway
	case rotation.ErrStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// secretParam reads the secretId path parameter. Secret names containing a
// slash arrive percent-encoded.
func secretParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "secretId")
	secretID, err := url.PathUnescape(raw)
	if err != nil || secretID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Kind:    rotation.ErrInvalidRequest,
			Message: "invalid secretId",
		})
		return "", false
	}
	return secretID, true
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("%s %s -> %d in %s (request %s)",
			r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond),
			chimiddleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
