// Package server provides the HTTP control surface for handchoir.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ayusman/handchoir/internal/app"
	"github.com/ayusman/handchoir/internal/capture"
	"github.com/ayusman/handchoir/internal/server/api"
)

// Performance is the part of the app the server exposes.
type Performance interface {
	Snapshot() app.State
	ActivateAudio() error
}

// Config holds the server configuration. Every field is optional; routes
// whose backing component is nil are not registered.
type Config struct {
	StaticDir string
	App       Performance
	Frames    *capture.FrameBuffer
	Recorder  api.SessionRecorder
	Metrics   http.Handler
	Logger    *slog.Logger

	// ControlInterval is the websocket push period. Defaults to ~15 fps.
	ControlInterval time.Duration
}

// Server represents the HTTP server for the handchoir application.
type Server struct {
	config  Config
	logger  *slog.Logger
	mux     *http.ServeMux
	start   time.Time
	control *ControlHandler
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config: config,
		logger: logger.With(slog.String("component", "http")),
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if s.config.App != nil {
		s.mux.HandleFunc("/api/state", s.handleState)
		s.mux.Handle("/api/audio/activate", api.NewAudioHandler(s.config.App))

		s.control = NewControlHandler(s.config.App, s.config.ControlInterval, s.logger)
		s.mux.Handle("/api/control", s.control)
	}

	if s.config.Recorder != nil {
		s.mux.Handle("/api/session/", api.NewSessionHandler(s.config.Recorder))
	}

	if s.config.Frames != nil {
		s.mux.Handle("/api/stream", NewStreamHandler(s.config.Frames))
	}

	if s.config.Metrics != nil {
		s.mux.Handle("/metrics", s.config.Metrics)
	}

	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	}
	if s.config.App != nil {
		if snap := s.config.App.Snapshot(); snap.Error != "" {
			response["status"] = "degraded"
			response["error"] = snap.Error
		}
	}

	writeJSON(w, response)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.config.App.Snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// Close stops background broadcasters.
func (s *Server) Close() {
	if s.control != nil {
		s.control.Close()
	}
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
