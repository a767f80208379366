// Package health aggregates component health checks
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"gridmaker/internal/core"
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

// Register adds a health check for a component, replacing any previous one
func (hm *HealthManager) Register(component string, check func() error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
}

// GetStatus returns the current status of all registered components
func (hm *HealthManager) GetStatus() map[string]string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := make(map[string]string, len(hm.checks))
	for component, check := range hm.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy returns true if every registered component is healthy
func (hm *HealthManager) IsHealthy() bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	for component, check := range hm.checks {
		if err := check(); err != nil {
			if hm.logger != nil {
				hm.logger.Warn("Component unhealthy", "check", component, "error", err)
			}
			return false
		}
	}
	return true
}

type statusResponse struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components"`
	Order      []string          `json:"order"`
}

// ServeHTTP reports the aggregate status as JSON, 503 when unhealthy
func (hm *HealthManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := hm.GetStatus()
	resp := statusResponse{Healthy: true, Components: status}
	for component, s := range status {
		resp.Order = append(resp.Order, component)
		if s != "Healthy" {
			resp.Healthy = false
		}
	}
	sort.Strings(resp.Order)

	w.Header().Set("Content-Type", "application/json")
	if !resp.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
