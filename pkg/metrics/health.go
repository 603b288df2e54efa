package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthStatus is the JSON body served by the control endpoints.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth is the last reported state of one agent subsystem.
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker aggregates per-component health reports.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	startTime  time.Time
	version    string
}

var healthChecker = &HealthChecker{
	components: make(map[string]ComponentHealth),
	startTime:  time.Now(),
}

// criticalComponents must all be healthy before the agent is considered
// ready to accept commands.
var criticalComponents = []string{"containerd", "rpc", "pipeline"}

// SetVersion records the agent version reported in health responses.
func SetVersion(version string) {
	healthChecker.mu.Lock()
	healthChecker.version = version
	healthChecker.mu.Unlock()
}

// RegisterComponent records the initial health of a subsystem.
func RegisterComponent(name string, healthy bool, message string) {
	healthChecker.set(name, healthy, message)
}

// UpdateComponent reports a health change for a registered subsystem.
func UpdateComponent(name string, healthy bool, message string) {
	healthChecker.set(name, healthy, message)
}

func (hc *HealthChecker) set(name string, healthy bool, message string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// GetHealth reports liveness: unhealthy if any registered component is.
func GetHealth() HealthStatus {
	hc := healthChecker
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	st := HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Components: make(map[string]string, len(hc.components)),
		Version:    hc.version,
		Uptime:     time.Since(hc.startTime).String(),
	}
	for name, comp := range hc.components {
		if comp.Healthy {
			st.Components[name] = "healthy"
			continue
		}
		st.Status = "unhealthy"
		st.Components[name] = "unhealthy: " + comp.Message
	}
	return st
}

// GetReadiness reports readiness: every critical component must be
// registered and healthy before the agent may take traffic.
func GetReadiness() HealthStatus {
	hc := healthChecker
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	st := HealthStatus{
		Status:     "ready",
		Timestamp:  time.Now(),
		Components: make(map[string]string, len(criticalComponents)),
	}
	for _, name := range criticalComponents {
		comp, ok := hc.components[name]
		switch {
		case !ok:
			st.Status = "not_ready"
			st.Message = "waiting for " + name
			st.Components[name] = "not registered"
		case !comp.Healthy:
			st.Status = "not_ready"
			st.Message = "waiting for " + name
			st.Components[name] = "not ready: " + comp.Message
		default:
			st.Components[name] = "ready"
		}
	}
	return st
}

// HealthHandler serves the liveness endpoint.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, GetHealth(), "healthy")
}

// ReadinessHandler serves the readiness endpoint.
func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, GetReadiness(), "ready")
}

func writeStatus(w http.ResponseWriter, st HealthStatus, ok string) {
	w.Header().Set("Content-Type", "application/json")
	if st.Status != ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(st); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
