// Package server implements the transcription HTTP surface: the
// OpenAI-compatible upload endpoint, the admission gate that bounds decoder
// concurrency, language detection, temperature fallback, and response
// shaping.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voxline/voxline/internal/config"
	"github.com/voxline/voxline/internal/health"
	"github.com/voxline/voxline/internal/observe"
	"github.com/voxline/voxline/pkg/decoder"
)

// Server wires the decoder behind the admission gate and serves the HTTP
// API. Construct with New; the zero value is not usable.
type Server struct {
	cfg     *config.Config
	dec     decoder.Decoder
	gate    *Gate
	metrics *observe.Metrics
	health  *health.Handler
}

// New builds a Server around dec. metrics may be nil in tests, in which case
// the package-level default instruments are used.
func New(cfg *config.Config, dec decoder.Decoder, metrics *observe.Metrics) *Server {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	s := &Server{
		cfg:     cfg,
		dec:     dec,
		gate:    NewGate(cfg.Admission.MaxConcurrent, cfg.Admission.MaxQueue, cfg.Admission.FailFastWhenBusy),
		metrics: metrics,
	}
	s.health = health.New(cfg.Server.WorkerID, dec.Info, health.Checker{
		Name:  "decoder",
		Check: s.decoderReady,
	})
	return s
}

// Handler returns the full route table wrapped in the observability
// middleware. The health and description endpoints are unauthenticated so
// orchestrators can probe without credentials.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.health.Register(mux)
	mux.HandleFunc("POST /v1/audio/transcriptions", s.handleTranscribe)
	return observe.Middleware(s.metrics)(mux)
}

// authorize checks the shared-secret token from either the X-API-Key header
// or an Authorization bearer. An empty configured token disables auth; the
// warning fires per request so a misconfigured deployment is loud in logs.
func (s *Server) authorize(r *http.Request) bool {
	token := s.cfg.Server.APIToken
	if token == "" {
		observe.Logger(r.Context()).Warn("authentication disabled: no API token configured")
		return true
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(auth, "Bearer ")), []byte(token)) == 1
	}
	return false
}

// decoderReady gates /health: the worker reports healthy only when the
// decoder handle carries a loaded model identity.
func (s *Server) decoderReady(ctx context.Context) error {
	if s.dec == nil {
		return errors.New("model not loaded")
	}
	if s.dec.Info().Model == "" {
		return errors.New("model not loaded")
	}
	return nil
}

// errorBody is the JSON error envelope. Every error carries a short
// human-readable detail; stack traces never cross the boundary.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, errorBody{Detail: detail})
}
