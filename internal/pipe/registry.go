package pipe

//
// Active-pipe registry
//

import "sync/atomic"

// Registry counts the pipes currently forwarding traffic. The count
// is observational: it appears in log lines and in the prometheus
// gauge and is never load bearing for correctness. A nil [Registry]
// is valid and counts nothing.
type Registry struct {
	// active is the number of currently active pipes.
	active atomic.Int64
}

// NewRegistry creates an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a pipe and returns the new active count.
func (r *Registry) Add() int64 {
	if r == nil {
		return 0
	}
	metricPipesActiveGauge.Inc()
	return r.active.Add(1)
}

// Remove unregisters a pipe and returns the new active count.
func (r *Registry) Remove() int64 {
	if r == nil {
		return 0
	}
	metricPipesActiveGauge.Dec()
	return r.active.Add(-1)
}

// Count returns the current number of active pipes.
func (r *Registry) Count() int64 {
	if r == nil {
		return 0
	}
	return r.active.Load()
}
