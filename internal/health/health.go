// Package health aggregates component liveness checks and exposes them
// over HTTP for probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// checkTimeout bounds a single component check.
const checkTimeout = 2 * time.Second

// Check reports whether one component is usable.
type Check func(ctx context.Context) error

// ComponentStatus is the outcome of one check.
type ComponentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report is the aggregate outcome across all registered checks.
type Report struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Registry holds named component checks.
type Registry struct {
	logger *zap.Logger

	mu     sync.RWMutex
	checks map[string]Check
}

// NewRegistry creates an empty check registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger: logger,
		checks: make(map[string]Check),
	}
}

// Register adds or replaces a named check.
func (r *Registry) Register(name string, check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = check
}

// Run executes every check and aggregates the outcome. Any failing
// component makes the whole report unhealthy.
func (r *Registry) Run(ctx context.Context) Report {
	r.mu.RLock()
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make(map[string]Check, len(r.checks))
	for name, check := range r.checks {
		checks[name] = check
	}
	r.mu.RUnlock()

	report := Report{
		Status:     "ok",
		Components: make(map[string]ComponentStatus, len(names)),
		Timestamp:  time.Now().UTC(),
	}
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := checks[name](cctx)
		cancel()

		if err != nil {
			report.Status = "unhealthy"
			report.Components[name] = ComponentStatus{Status: "unhealthy", Error: err.Error()}
			r.logger.Warn("Health check failed", zap.String("component", name), zap.Error(err))
			continue
		}
		report.Components[name] = ComponentStatus{Status: "ok"}
	}
	return report
}

// Handler serves the aggregate report as JSON, 503 when unhealthy.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		report := r.Run(req.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	})
}

// LivenessHandler always answers 200. Process liveness is separate from
// component readiness.
func LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
}
