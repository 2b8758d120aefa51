// Package health tracks the readiness of the relay's components: the media
// pipelines and the session registry.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status represents the health status of a component
type Status string

const (
	// StatusUp indicates that the component is healthy
	StatusUp Status = "up"
	// StatusDown indicates that the component is unhealthy
	StatusDown Status = "down"
	// StatusDegraded indicates that the component is partially healthy
	StatusDegraded Status = "degraded"
)

// CheckFunc probes a component
type CheckFunc func(ctx context.Context) (Status, error)

// Component represents a component that can be health checked
type Component struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Checker represents a health checker. Components are either probed by a
// CheckFunc or report their own status through Set.
type Checker struct {
	mu          sync.RWMutex
	components  map[string]*Component
	checkFuncs  map[string]CheckFunc
	updatedAt   time.Time
	checkPeriod time.Duration
	timeout     time.Duration
}

// NewChecker creates a health checker probing every period
func NewChecker(period time.Duration) *Checker {
	if period <= 0 {
		period = 30 * time.Second
	}
	return &Checker{
		components:  make(map[string]*Component),
		checkFuncs:  make(map[string]CheckFunc),
		updatedAt:   time.Now(),
		checkPeriod: period,
		timeout:     5 * time.Second,
	}
}

// RegisterComponent registers a probed component. It starts down until the
// first check.
func (c *Checker) RegisterComponent(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.components[name] = &Component{
		Name:      name,
		Status:    StatusDown,
		UpdatedAt: time.Now(),
	}
	c.checkFuncs[name] = check
}

// Set records the status of a self-reporting component, registering it on
// first use
func (c *Checker) Set(name string, status Status, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	component, exists := c.components[name]
	if !exists {
		component = &Component{Name: name}
		c.components[name] = component
	}
	component.Status = status
	component.Error = ""
	if err != nil {
		component.Error = err.Error()
	}
	component.UpdatedAt = time.Now()
	c.updatedAt = component.UpdatedAt
}

// Run probes all components every period until ctx is done
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.checkPeriod)
	defer ticker.Stop()

	// Initial check
	c.CheckAll(ctx)

	for {
		select {
		case <-ticker.C:
			c.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs the registered probes in parallel and records the results
func (c *Checker) CheckAll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checkFuncs))
	for name, check := range c.checkFuncs {
		checks[name] = check
	}
	c.mu.RUnlock()

	type result struct {
		status Status
		err    error
	}
	var resultsMu sync.Mutex
	results := make(map[string]result, len(checks))

	g, gctx := errgroup.WithContext(ctx)
	for name, check := range checks {
		g.Go(func() error {
			status, err := check(gctx)
			resultsMu.Lock()
			results[name] = result{status: status, err: err}
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for name, r := range results {
		c.mu.RLock()
		_, exists := c.components[name]
		c.mu.RUnlock()

		// Component was removed during check
		if !exists {
			continue
		}
		c.Set(name, r.status, r.err)
	}
}

// Remove drops a component
func (c *Checker) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.components, name)
	delete(c.checkFuncs, name)
}

// GetComponentStatus gets the status of a component
func (c *Checker) GetComponentStatus(name string) (Component, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	component, exists := c.components[name]
	if !exists {
		return Component{}, fmt.Errorf("component not found: %s", name)
	}

	return *component, nil
}

// GetAllComponentStatuses gets the status of all components, sorted by name
func (c *Checker) GetAllComponentStatuses() []Component {
	c.mu.RLock()
	defer c.mu.RUnlock()

	statuses := make([]Component, 0, len(c.components))
	for _, component := range c.components {
		statuses = append(statuses, *component)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })

	return statuses
}

// GetOverallStatus is down with no components or none up, degraded when
// some are down and up otherwise
func (c *Checker) GetOverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.components) == 0 {
		return StatusDown
	}

	up := 0
	for _, component := range c.components {
		if component.Status == StatusUp {
			up++
		}
	}

	switch up {
	case len(c.components):
		return StatusUp
	case 0:
		return StatusDown
	default:
		return StatusDegraded
	}
}

// HTTPHandler serves the readiness report. Anything but down answers 200.
func (c *Checker) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		// Get query parameters
		format := r.URL.Query().Get("format")
		component := r.URL.Query().Get("component")

		// If component is specified, return the status of that component
		if component != "" {
			componentStatus, err := c.GetComponentStatus(component)
			if err != nil {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprintf(w, "Component not found: %s", component)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(componentStatus)
			return
		}

		overallStatus := c.GetOverallStatus()
		code := http.StatusOK
		if overallStatus == StatusDown {
			code = http.StatusServiceUnavailable
		}

		// If format is simple, return a simple status
		if format == "simple" {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(code)
			fmt.Fprintf(w, "%s", overallStatus)
			return
		}

		c.mu.RLock()
		updatedAt := c.updatedAt
		c.mu.RUnlock()

		// Default to JSON format
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     overallStatus,
			"components": c.GetAllComponentStatuses(),
			"updated_at": updatedAt.Format(time.RFC3339),
		})
	})
}
