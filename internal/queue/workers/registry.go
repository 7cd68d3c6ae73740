package workers

import (
	"context"
	"sync"
	"time"
)

// run is one job held by a worker slot. publish and terminate share mu, so
// once terminate returns nothing more is published for the job.
type run struct {
	jobID      string
	mu         sync.Mutex
	terminated bool
	cancel     context.CancelFunc
	total      int
	completed  int
}

// guard runs fn unless the run was terminated. Returns false when terminated.
func (r *run) guard(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminated {
		return false
	}
	fn()
	return true
}

func (r *run) terminate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminated {
		return
	}
	r.terminated = true
	r.cancel()
}

func (r *run) isTerminated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated
}

// progress returns the last published counters
func (r *run) progress() (total, completed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total, r.completed
}

// Registry tracks running jobs and cancel tombstones
type Registry struct {
	mu         sync.Mutex
	running    map[string]*run
	tombstones map[string]time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		running:    make(map[string]*run),
		tombstones: make(map[string]time.Time),
	}
}

// Register records a job as running. It returns false when a cancel arrived
// between the claim and this call; the tombstone is consumed.
func (r *Registry) Register(jobID string, cancel context.CancelFunc) (*run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, cancelled := r.tombstones[jobID]; cancelled {
		delete(r.tombstones, jobID)
		return nil, false
	}

	entry := &run{jobID: jobID, cancel: cancel}
	r.running[jobID] = entry
	return entry, true
}

// Unregister removes a finished job
func (r *Registry) Unregister(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, jobID)
}

// Terminate cancels a running job, or tombstones it when not running
func (r *Registry) Terminate(jobID string) bool {
	r.mu.Lock()
	entry, ok := r.running[jobID]
	if !ok {
		r.tombstones[jobID] = time.Now()
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	entry.terminate()
	return true
}

// PruneTombstones drops tombstones created before the cutoff
func (r *Registry) PruneTombstones(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for id, created := range r.tombstones {
		if created.Before(before) {
			delete(r.tombstones, id)
			pruned++
		}
	}
	return pruned
}

// Running returns the number of registered jobs
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// IsRunning reports whether a job is held by a slot
func (r *Registry) IsRunning(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[jobID]
	return ok
}
