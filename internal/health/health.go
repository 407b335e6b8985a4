// Package health provides liveness and readiness endpoints for the query server.
package health

import (
	"net/http"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Check reports nil when the dependency it watches is usable
type Check func() error

// HealthCheck manages health check functionality.
type HealthCheck struct {
	logger *zap.Logger

	mu        sync.RWMutex
	ready     bool
	checks    map[string]Check
	lastCheck time.Time
}

// NewHealthCheck creates a new HealthCheck instance. It starts not ready.
func NewHealthCheck(logger *zap.Logger) *HealthCheck {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthCheck{
		logger: logger,
		checks: make(map[string]Check),
	}
}

// Register adds a named readiness check
func (hc *HealthCheck) Register(name string, check Check) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// SetReady flips the readiness gate, e.g. once chains are built or when draining
func (hc *HealthCheck) SetReady(ready bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.ready = ready
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// LivenessHandler handles GET /health/live.
// Returns 200 OK if the process is running.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /health/ready.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	resp, ok := hc.Evaluate()
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Evaluate runs every check and reports whether the server should take traffic
func (hc *HealthCheck) Evaluate() (ReadinessResponse, bool) {
	hc.mu.RLock()
	ready := hc.ready
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	checks := hc.checks
	hc.mu.RUnlock()

	if !ready {
		return ReadinessResponse{Status: "not_ready", Error: "starting or draining"}, false
	}

	sort.Strings(names)
	resp := ReadinessResponse{Status: "ready", Checks: make(map[string]string, len(names))}
	ok := true
	for _, name := range names {
		if err := checks[name](); err != nil {
			resp.Checks[name] = "unhealthy"
			if ok {
				resp.Error = name + ": " + err.Error()
			}
			ok = false
			hc.logger.Warn("Readiness check failed",
				zap.String("check", name),
				zap.Error(err))
			continue
		}
		resp.Checks[name] = "healthy"
	}
	if !ok {
		resp.Status = "not_ready"
	}

	hc.mu.Lock()
	hc.lastCheck = time.Now()
	hc.mu.Unlock()
	return resp, ok
}

// LastCheck returns when readiness was last evaluated
func (hc *HealthCheck) LastCheck() time.Time {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.lastCheck
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
