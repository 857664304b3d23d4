// Package server exposes voice conversion over HTTP.
//
// Routes:
//
//	POST   /v1/conversions               submit (multipart: reference, tts | text+voice)
//	GET    /v1/conversions/{id}          job status
//	GET    /v1/conversions/{id}/audio    converted WAV
//	GET    /v1/conversions/{id}/events   WebSocket stream of JSON events
//	DELETE /v1/conversions/{id}          cancel
//	GET    /v1/conversions/{id}/similar  nearest finished jobs by envelope
//	GET    /v1/voices                    voices of the TTS backend
//	GET    /healthz, /readyz, /metrics
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxmatch/internal/convert"
	"github.com/MrWong99/voxmatch/internal/health"
	"github.com/MrWong99/voxmatch/internal/jobs"
	"github.com/MrWong99/voxmatch/internal/observe"
	"github.com/MrWong99/voxmatch/pkg/denoise"
	"github.com/MrWong99/voxmatch/pkg/provider/tts"
)

// DefaultMaxUploadBytes bounds a conversion request body when no
// [WithMaxUploadBytes] option is given.
const DefaultMaxUploadBytes = 64 << 20

// Settings are the per-request defaults. They can be swapped at runtime with
// [Server.SetSettings], e.g. from a config watcher.
type Settings struct {
	Params  convert.Params
	Denoise denoise.Config

	// Voice is used for text jobs that name no voice.
	Voice tts.Voice
}

// Server routes the conversion API. Construct with [New].
type Server struct {
	jobs     *jobs.Manager
	health   *health.Handler
	voices   tts.Provider
	metrics  *observe.Metrics
	logger   *slog.Logger
	maxBytes int64
	settings atomic.Pointer[Settings]
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth serves /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option { return func(s *Server) { s.health = h } }

// WithVoices enables GET /v1/voices.
func WithVoices(p tts.Provider) Option { return func(s *Server) { s.voices = p } }

// WithMetrics records HTTP metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithLogger sets the logger for request errors.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithMaxUploadBytes bounds the size of a conversion request.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// New returns a server submitting work to m with the given defaults.
func New(m *jobs.Manager, defaults Settings, opts ...Option) *Server {
	s := &Server{
		jobs:     m,
		logger:   slog.Default(),
		maxBytes: DefaultMaxUploadBytes,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New()
	}
	s.SetSettings(defaults)
	return s
}

// SetSettings replaces the request defaults. Running jobs are unaffected.
func (s *Server) SetSettings(v Settings) { s.settings.Store(&v) }

// Settings returns the current request defaults.
func (s *Server) Settings() Settings { return *s.settings.Load() }

// Handler returns the routed API wrapped in the tracing and metrics
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/conversions", s.handleSubmit)
	mux.HandleFunc("GET /v1/conversions/{id}", s.handleGet)
	mux.HandleFunc("GET /v1/conversions/{id}/audio", s.handleAudio)
	mux.HandleFunc("GET /v1/conversions/{id}/events", s.handleEvents)
	mux.HandleFunc("DELETE /v1/conversions/{id}", s.handleCancel)
	mux.HandleFunc("GET /v1/conversions/{id}/similar", s.handleSimilar)
	mux.HandleFunc("GET /v1/voices", s.handleVoices)
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(s.metrics)(mux)
}

// ListenAndServe serves on addr until ctx ends, then drains for up to
// grace. TLS is used when both certFile and keyFile are set.
func (s *Server) ListenAndServe(ctx context.Context, addr, certFile, keyFile string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		var err error
		if certFile != "" && keyFile != "" {
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errc <- err
	}()
	s.logger.Info("http server listening", "addr", addr, "tls", certFile != "")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.health.SetDraining(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		observe.With(r.Context(), s.logger).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// statusFor maps job errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrNotReady), errors.Is(err, jobs.ErrNoFingerprint):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrInvalidInput), errors.Is(err, convert.ErrInvalidParameter),
		errors.Is(err, tts.ErrEmptyText), errors.Is(err, denoise.ErrUnknownMethod):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrNoTTS):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
