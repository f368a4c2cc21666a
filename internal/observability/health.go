package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state. Readiness requires
// SetReady(true) and every registered dependency to report connected.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu   sync.RWMutex
	deps map[string]func() bool
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		deps:      make(map[string]func() bool),
	}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// AddDependency registers a probe, e.g. the bus connection status.
func (h *HealthChecker) AddDependency(name string, up func() bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deps[name] = up
}

// IsReady reports readiness and the names of failing dependencies.
func (h *HealthChecker) IsReady() (bool, []string) {
	if !h.ready.Load() {
		return false, nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	var down []string
	for name, up := range h.deps {
		if !up() {
			down = append(down, name)
		}
	}
	return len(down) == 0, down
}

// LivenessHandler returns 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns 200 when ready, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ok, down := h.IsReady()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"down":   down,
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
