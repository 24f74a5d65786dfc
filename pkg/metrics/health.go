package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Component names reported by the agent
const (
	ComponentBundle     = "bundle"
	ComponentSupervisor = "supervisor"
	ComponentFleet      = "fleet"
	ComponentJournal    = "journal"
)

// Overall statuses
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded" // A non-critical component is failing
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// criticalComponents must be healthy for the device to serve its application.
// The fleet backend and the journal are not: a device keeps running offline.
var criticalComponents = []string{ComponentBundle, ComponentSupervisor}

// HealthStatus is the aggregated view of all components
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

type componentState struct {
	healthy bool
	message string
	updated time.Time
}

type registry struct {
	mu         sync.RWMutex
	components map[string]componentState
	started    time.Time
	version    string
}

func newRegistry() *registry {
	return &registry{
		components: make(map[string]componentState),
		started:    time.Now(),
	}
}

var components = newRegistry()

// SetVersion sets the agent version reported in health responses
func SetVersion(version string) {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.version = version
}

// UpdateComponent records the latest health of a component
func UpdateComponent(name string, healthy bool, message string) {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.components[name] = componentState{
		healthy: healthy,
		message: message,
		updated: time.Now(),
	}
}

func isCritical(name string) bool {
	for _, c := range criticalComponents {
		if c == name {
			return true
		}
	}
	return false
}

// GetHealth reports unhealthy if a critical component fails and degraded if
// only non-critical ones do
func GetHealth() HealthStatus {
	components.mu.RLock()
	defer components.mu.RUnlock()

	status := StatusHealthy
	view := make(map[string]string, len(components.components))
	var failing []string

	for name, comp := range components.components {
		if comp.healthy {
			view[name] = StatusHealthy
			continue
		}
		view[name] = StatusUnhealthy + ": " + comp.message
		failing = append(failing, name)
		if isCritical(name) {
			status = StatusUnhealthy
		} else if status == StatusHealthy {
			status = StatusDegraded
		}
	}

	var message string
	if len(failing) > 0 {
		sort.Strings(failing)
		message = "failing: " + joinNames(failing)
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: view,
		Message:    message,
		Version:    components.version,
		Uptime:     time.Since(components.started).String(),
	}
}

// GetReadiness reports ready once every critical component is registered
// and healthy
func GetReadiness() HealthStatus {
	components.mu.RLock()
	defer components.mu.RUnlock()

	status := StatusReady
	message := ""
	view := make(map[string]string, len(criticalComponents))

	for _, name := range criticalComponents {
		comp, ok := components.components[name]
		switch {
		case !ok:
			status = StatusNotReady
			message = "waiting for " + name + " initialization"
			view[name] = "not registered"
		case !comp.healthy:
			status = StatusNotReady
			message = "waiting for " + name
			view[name] = "not ready: " + comp.message
		default:
			view[name] = StatusReady
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: view,
		Message:    message,
		Version:    components.version,
		Uptime:     time.Since(components.started).String(),
	}
}

func joinNames(names []string) string {
	out := names[0]
	for _, n := range names[1:] {
		out += ", " + n
	}
	return out
}

// HealthHandler serves GetHealth. Degraded still answers 200.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	}
}

// ReadyHandler serves GetReadiness
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != StatusReady {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, readiness)
	}
}

// LivenessHandler always answers 200 while the agent process is up
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		components.mu.RLock()
		uptime := time.Since(components.started).String()
		components.mu.RUnlock()

		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": uptime,
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
