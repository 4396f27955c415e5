// Package health aggregates readiness checks for the dependencies the
// booking platform cannot serve without (database, payment gateway).
package health

import (
	"context"
	"sync"
)

// Status is one check's verdict, as rendered on /health.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker inspects a single dependency. It must respect ctx
// cancellation; the HTTP handler runs checks with a request-scoped
// deadline.
type Checker func(ctx context.Context) Status

// Registry collects named checks registered at wiring time.
type Registry struct {
	mu     sync.RWMutex
	checks []namedCheck
}

type namedCheck struct {
	name  string
	check Checker
}

// NewRegistry returns an empty check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a check under a stable name ("postgres", "stripe").
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checks = append(r.checks, namedCheck{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every check in registration order. The aggregate is
// healthy only when every check passes; individual results are returned
// for the response body.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checks := make([]namedCheck, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(checks))
	for _, nc := range checks {
		st := nc.check(ctx)
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
