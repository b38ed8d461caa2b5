// Package health aggregates readiness checks of the running gateways.
package health

import (
	"fmt"
	"sort"
	"sync"

	"trade_gateway/internal/core"
)

// HealthManager aggregates health status from registered components, one per
// venue session plus any supporting service.
type HealthManager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
	// optional components report status but never make the process unhealthy
	optional map[string]bool
}

// NewHealthManager creates a new health manager. logger may be nil.
func NewHealthManager(logger core.ILogger) *HealthManager {
	hm := &HealthManager{
		checks:   make(map[string]func() error),
		optional: make(map[string]bool),
	}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds a critical health check for a component.
func (hm *HealthManager) Register(component string, check func() error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
	delete(hm.optional, component)
}

// RegisterOptional adds a check that is reported but not required.
func (hm *HealthManager) RegisterOptional(component string, check func() error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
	hm.optional[component] = true
}

// Components returns the registered component names in order.
func (hm *HealthManager) Components() []string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	names := make([]string, 0, len(hm.checks))
	for name := range hm.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs the check of a single component.
func (hm *HealthManager) Check(component string) error {
	hm.mu.RLock()
	check, ok := hm.checks[component]
	hm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown component %q", component)
	}
	return check()
}

// GetStatus returns the current status of all registered components
func (hm *HealthManager) GetStatus() map[string]string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := make(map[string]string)
	for component, check := range hm.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy returns true if all critical components are healthy
func (hm *HealthManager) IsHealthy() bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	for component, check := range hm.checks {
		if hm.optional[component] {
			continue
		}
		if err := check(); err != nil {
			if hm.logger != nil {
				hm.logger.Debug("Component unhealthy", "name", component, "error", err)
			}
			return false
		}
	}
	return true
}
