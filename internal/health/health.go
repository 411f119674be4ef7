// Package health runs named subsystem probes for the liveness endpoint.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is the result of one subsystem probe.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand. Registering a
// name twice replaces the earlier checker.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
}

// NewRegistry creates an empty registry with a 3s probe budget.
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		timeout:  3 * time.Second,
	}
}

// Register adds or replaces a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers[name] = check
	r.mu.Unlock()
}

// CheckAll probes every subsystem concurrently and returns the aggregate
// health plus per-subsystem results sorted by name.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]Checker, len(names))
	for i, name := range names {
		checks[i] = r.checkers[name]
	}
	r.mu.RUnlock()

	probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	statuses := make([]Status, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check Checker) {
			defer wg.Done()
			statuses[i] = check(probeCtx)
		}(i, check)
	}
	wg.Wait()

	healthy := true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Pinger is anything with a context-aware ping (database/sql.DB fits).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingChecker wraps a Pinger as a named checker.
func PingChecker(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.PingContext(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}
