// Package health provides the HTTP health and service-description handlers.
//
// The package exposes two endpoints:
//
//   - /health — readiness probe; returns 200 with worker and model identity
//     when every registered [Checker] passes, 503 otherwise.
//   - /       — service description for humans and orchestrators poking the
//     port.
//
// Upstream schedulers route audio away from a worker whose /health fails, so
// the payload carries enough identity (worker_id, model, device) to tell
// replicas apart in fleet dashboards.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/voxline/voxline/pkg/decoder"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "decoder").
	// It appears in the failure detail.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// status is the JSON response body for /health.
type status struct {
	Status       string `json:"status"`
	WorkerID     string `json:"worker_id"`
	Timestamp    string `json:"timestamp"`
	Model        string `json:"model"`
	Device       string `json:"device"`
	GPUAvailable bool   `json:"gpu_available"`
	ComputeType  string `json:"compute_type,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// description is the JSON response body for the root endpoint.
type description struct {
	Service   string            `json:"service"`
	WorkerID  string            `json:"worker_id"`
	Status    string            `json:"status"`
	Model     string            `json:"model"`
	Device    string            `json:"device"`
	Endpoints map[string]string `json:"endpoints"`
}

// Handler serves the /health and / endpoints. It is safe for concurrent use;
// the checker list is fixed at construction time.
type Handler struct {
	workerID string
	info     func() decoder.ModelInfo
	now      func() time.Time
	checkers []Checker
}

// New creates a [Handler] for the given worker identity. info supplies the
// model identity reported in every response; the checkers are evaluated
// sequentially on each /health request.
func New(workerID string, info func() decoder.ModelInfo, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{
		workerID: workerID,
		info:     info,
		now:      time.Now,
		checkers: c,
	}
}

// Health reports readiness. 200 means the worker will accept transcription
// work; 503 means the scheduler should route elsewhere.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	info := h.info()
	res := status{
		Status:       "ok",
		WorkerID:     h.workerID,
		Timestamp:    h.now().UTC().Format(time.RFC3339Nano),
		Model:        info.Model,
		Device:       info.Device,
		GPUAvailable: info.Device == "cuda",
		ComputeType:  info.ComputeType,
	}

	code := http.StatusOK
	if name, err := h.runChecks(r.Context()); err != nil {
		res.Status = "unavailable"
		res.Detail = name + ": " + err.Error()
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, res)
}

// Describe answers the root endpoint with the service description. The status
// field mirrors readiness: "initializing" until every checker passes.
func (h *Handler) Describe(w http.ResponseWriter, r *http.Request) {
	info := h.info()
	st := "ready"
	if _, err := h.runChecks(r.Context()); err != nil {
		st = "initializing"
	}
	writeJSON(w, http.StatusOK, description{
		Service:  "voxline-transcription",
		WorkerID: h.workerID,
		Status:   st,
		Model:    info.Model,
		Device:   info.Device,
		Endpoints: map[string]string{
			"transcribe": "/v1/audio/transcriptions",
			"health":     "/health",
		},
	})
}

// runChecks evaluates the checkers in order and returns the first failure
// with its checker name.
func (h *Handler) runChecks(ctx context.Context) (string, error) {
	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()
		if err != nil {
			return c.Name, err
		}
	}
	return "", nil
}

// Register adds the / and /health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.Describe)
	mux.HandleFunc("GET /health", h.Health)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
