// Package registry tracks worker processes, their capabilities, and liveness.
package registry

import (
	"strings"
	"sync"
	"time"
)

// Status is the liveness state of a worker.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusError:
		return true
	}
	return false
}

// Worker describes a registered worker process.
type Worker struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Endpoint          string        `json:"endpoint"`
	Capabilities      []string      `json:"capabilities"`
	SupportsStreaming bool          `json:"supports_streaming"`
	Status            Status        `json:"status"`
	Timeout           time.Duration `json:"timeout,omitempty"`
	Legacy            bool          `json:"legacy,omitempty"`
	RegisteredAt      time.Time     `json:"registered_at"`
	LastActivityAt    time.Time     `json:"last_activity_at"`
}

func (w Worker) clone() Worker {
	w.Capabilities = append([]string(nil), w.Capabilities...)
	return w
}

// Registry is the capability index. The capability index always mirrors the
// capability lists of currently registered workers.
type Registry struct {
	workers map[string]*Worker
	order   []string
	index   map[string][]string
	now     func() time.Time
	mu      sync.RWMutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		workers: make(map[string]*Worker),
		index:   make(map[string][]string),
		now:     time.Now,
	}
}

// Register adds w. It returns false when the id is empty or already taken;
// the existing record is left untouched in that case.
func (r *Registry) Register(w Worker) bool {
	w.ID = strings.TrimSpace(w.ID)
	if w.ID == "" {
		return false
	}
	w.Capabilities = dedupe(w.Capabilities)
	if w.Name == "" {
		w.Name = w.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[w.ID]; exists {
		return false
	}
	now := r.now()
	w.Status = StatusActive
	w.RegisteredAt = now
	w.LastActivityAt = now
	r.workers[w.ID] = &w
	r.order = append(r.order, w.ID)
	for _, c := range w.Capabilities {
		r.index[c] = append(r.index[c], w.ID)
	}
	return true
}

// RegisterWorker is a positional convenience around Register.
func (r *Registry) RegisterWorker(id, name, endpoint string, capabilities []string, streaming bool) bool {
	return r.Register(Worker{
		ID:                id,
		Name:              name,
		Endpoint:          endpoint,
		Capabilities:      capabilities,
		SupportsStreaming: streaming,
	})
}

// Unregister removes the worker and drops it from every capability bucket.
// Empty buckets are removed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return false
	}
	for _, c := range w.Capabilities {
		bucket := remove(r.index[c], id)
		if len(bucket) == 0 {
			delete(r.index, c)
		} else {
			r.index[c] = bucket
		}
	}
	delete(r.workers, id)
	r.order = remove(r.order, id)
	return true
}

// Get returns a copy of the worker record.
func (r *Registry) Get(id string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return Worker{}, false
	}
	return w.clone(), true
}

// List returns all workers in registration order.
func (r *Registry) List() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Worker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.workers[id].clone())
	}
	return out
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// FindByCapability returns the ids of workers offering tag, in registration
// order. Unknown tags yield an empty slice.
func (r *Registry) FindByCapability(tag string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.index[tag]...)
}

// FindBestForTask scores each worker by how many of the required
// capabilities it offers and returns the highest scorer. Ties go to the
// worker first scored. It returns false when no worker offers any of them.
func (r *Registry) FindBestForTask(required []string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	scores := make(map[string]int)
	var seen []string
	for _, c := range dedupe(required) {
		for _, id := range r.index[c] {
			if _, ok := scores[id]; !ok {
				seen = append(seen, id)
			}
			scores[id]++
		}
	}

	best, bestScore := "", 0
	for _, id := range seen {
		if scores[id] > bestScore {
			best, bestScore = id, scores[id]
		}
	}
	return best, bestScore > 0
}

// MarkActive refreshes the worker's activity timestamp and sets it active.
func (r *Registry) MarkActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return false
	}
	w.LastActivityAt = r.now()
	w.Status = StatusActive
	return true
}

// UpdateStatus sets the worker's status. Unknown statuses are rejected.
func (r *Registry) UpdateStatus(id string, status Status) bool {
	if !status.Valid() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return false
	}
	w.Status = status
	return true
}

// ListInactive returns workers whose last activity is older than threshold.
func (r *Registry) ListInactive(threshold time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := r.now().Add(-threshold)
	out := make([]string, 0)
	for _, id := range r.order {
		if r.workers[id].LastActivityAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func remove(list []string, id string) []string {
	out := list[:0]
	for _, s := range list {
		if s != id {
			out = append(out, s)
		}
	}
	return out
}
