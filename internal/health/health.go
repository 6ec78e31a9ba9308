// Package health provides a registry of named subsystem probes.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status reports the outcome of probing a single subsystem.
type Status struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Detail  string        `json:"detail,omitempty"`
	Latency time.Duration `json:"latency,omitempty"`
}

// Checker probes one subsystem. Checkers must respect ctx: the server caps
// the whole health pass with a single deadline.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker. Registration order is preserved in
// CheckAll results.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll probes every registered subsystem in parallel and returns the
// aggregate health plus individual results. The store, database, and broker
// probes all cross the network, so the slowest one bounds the call rather
// than the sum.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))

	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			statuses[i] = runChecker(ctx, nc)
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
			break
		}
	}
	return healthy, statuses
}

// runChecker times one probe and contains panics, so a broken checker
// reports unhealthy instead of taking down the health endpoint.
func runChecker(ctx context.Context, nc namedChecker) (st Status) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			st = Status{Name: nc.name, Healthy: false, Detail: fmt.Sprintf("checker panicked: %v", rec)}
		}
		st.Latency = time.Since(start)
	}()

	st = nc.check(ctx)
	if st.Name == "" {
		st.Name = nc.name
	}
	return st
}
