package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus is the body of /health and /ready
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "unhealthy", "ready", "not_ready"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth tracks the health of a single dependency
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker aggregates dependency health for a relay or API process.
// Components listed as critical must be registered and healthy before the
// process reports ready.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   []string
	startTime  time.Time
	version    string
}

// NewHealthChecker creates a checker; critical names gate readiness
func NewHealthChecker(version string, critical ...string) *HealthChecker {
	return &HealthChecker{
		components: make(map[string]ComponentHealth),
		critical:   append([]string(nil), critical...),
		startTime:  time.Now(),
		version:    version,
	}
}

// Set records the current health of a component
func (h *HealthChecker) Set(name string, healthy bool, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// Health reports unhealthy as soon as one component is unhealthy
func (h *HealthChecker) Health() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string)
	for name, comp := range h.components {
		if !comp.Healthy {
			status = "unhealthy"
			components[name] = "unhealthy: " + comp.Message
		} else {
			components[name] = "healthy"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    h.version,
		Uptime:     time.Since(h.startTime).String(),
	}
}

// Readiness reports not_ready while a critical component is missing or down
func (h *HealthChecker) Readiness() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string)

	critical := append([]string(nil), h.critical...)
	sort.Strings(critical)
	for _, name := range critical {
		comp, exists := h.components[name]
		switch {
		case !exists:
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !comp.Healthy:
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = "ready"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    h.version,
		Uptime:     time.Since(h.startTime).String(),
	}
}

// HealthHandler serves /health
func (h *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := h.Health()
		statusCode := http.StatusOK
		if health.Status == "unhealthy" {
			statusCode = http.StatusServiceUnavailable
		}
		writeStatus(w, statusCode, health)
	}
}

// ReadyHandler serves /ready
func (h *HealthChecker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := h.Readiness()
		statusCode := http.StatusOK
		if readiness.Status != "ready" {
			statusCode = http.StatusServiceUnavailable
		}
		writeStatus(w, statusCode, readiness)
	}
}

// LivenessHandler always answers 200 while the process runs
func (h *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(h.startTime).String(),
		})
	}
}

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
