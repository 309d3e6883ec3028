package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"trading_engine/internal/core"
)

// HealthManager aggregates health status from different components
type HealthManager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger core.ILogger) *HealthManager {
	hm := &HealthManager{checks: make(map[string]func() error)}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds a new health check for a component, replacing any previous
// check under the same name
func (hm *HealthManager) Register(component string, check func() error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
}

// evaluate runs every check once, outside the lock
func (hm *HealthManager) evaluate() map[string]error {
	hm.mu.RLock()
	checks := make(map[string]func() error, len(hm.checks))
	for name, check := range hm.checks {
		checks[name] = check
	}
	hm.mu.RUnlock()

	results := make(map[string]error, len(checks))
	for name, check := range checks {
		results[name] = check()
	}
	return results
}

// GetStatus returns the current status of all registered components
func (hm *HealthManager) GetStatus() map[string]string {
	status := make(map[string]string)
	for component, err := range hm.evaluate() {
		if err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy returns true if all registered components are healthy
func (hm *HealthManager) IsHealthy() bool {
	for _, err := range hm.evaluate() {
		if err != nil {
			return false
		}
	}
	return true
}

type report struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components"`
	Failing    []string          `json:"failing,omitempty"`
}

// Handler serves the aggregated status as JSON, with 503 when any component
// is unhealthy
func (hm *HealthManager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep := report{Healthy: true, Components: make(map[string]string)}
		for component, err := range hm.evaluate() {
			if err != nil {
				rep.Healthy = false
				rep.Components[component] = "Unhealthy: " + err.Error()
				rep.Failing = append(rep.Failing, component)
				continue
			}
			rep.Components[component] = "Healthy"
		}
		sort.Strings(rep.Failing)

		code := http.StatusOK
		if !rep.Healthy {
			code = http.StatusServiceUnavailable
			if hm.logger != nil {
				hm.logger.Warn("Health check failing", "components", rep.Failing)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(rep)
	})
}
