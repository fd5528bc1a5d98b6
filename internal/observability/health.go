package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ReadinessProbe reports whether one dependency is usable.
type ReadinessProbe func(ctx context.Context) error

// HealthChecker manages liveness and readiness state.
// Readiness requires both the ready flag (startup replay finished) and every
// registered dependency probe to pass.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu     sync.RWMutex
	probes map[string]ReadinessProbe

	probeTimeout time.Duration
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime:    time.Now(),
		probes:       make(map[string]ReadinessProbe),
		probeTimeout: 2 * time.Second,
	}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// AddProbe registers a dependency check (e.g. "postgres", "nats", "redis").
func (h *HealthChecker) AddProbe(name string, probe ReadinessProbe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = probe
}

// CheckProbes runs every probe and returns the failures by name.
func (h *HealthChecker) CheckProbes(ctx context.Context) map[string]string {
	h.mu.RLock()
	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	probes := make([]ReadinessProbe, len(names))
	for i, name := range names {
		probes[i] = h.probes[name]
	}
	h.mu.RUnlock()

	failures := make(map[string]string)
	for i, probe := range probes {
		pctx, cancel := context.WithTimeout(ctx, h.probeTimeout)
		err := probe(pctx)
		cancel()
		if err != nil {
			failures[names[i]] = err.Error()
		}
	}
	return failures
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once startup replay is done and all
// dependency probes pass, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
		})
		return
	}

	if failures := h.CheckProbes(r.Context()); len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "degraded",
			"failures": failures,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
