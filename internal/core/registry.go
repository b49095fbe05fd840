package core

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// TaskRecord tracks the process currently executing a task id.
type TaskRecord struct {
	ID        string
	PID       int
	Command   string
	Mode      ExecutionMode
	StartedAt time.Time

	cancelled atomic.Bool
}

// Cancelled reports whether the record was removed by a cancel request.
func (r *TaskRecord) Cancelled() bool {
	return r.cancelled.Load()
}

func (r *TaskRecord) info() TaskInfo {
	return TaskInfo{ID: r.ID, PID: r.PID, Command: r.Command, Mode: r.Mode, StartedAt: r.StartedAt}
}

// Registry maps task ids to running processes. The lock only guards map
// access and is never held across process I/O.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*TaskRecord
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*TaskRecord)}
}

// Register tracks rec under rec.ID and returns the record it replaced, if any.
func (r *Registry) Register(rec *TaskRecord) *TaskRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.entries[rec.ID]
	r.entries[rec.ID] = rec
	return prev
}

// Lookup returns the record tracked under id.
func (r *Registry) Lookup(id string) (*TaskRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.entries[id]
	return rec, ok
}

// Evict untracks id and flags its record as cancelled. The flag is set under
// the lock, so a waiter whose Release fails always observes it.
func (r *Registry) Evict(id string) (*TaskRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.entries[id]
	if ok {
		rec.cancelled.Store(true)
		delete(r.entries, id)
	}
	return rec, ok
}

// Release removes rec only if it is still the entry for its id, so a finishing
// process never untracks a newer one registered under the same id.
func (r *Registry) Release(rec *TaskRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[rec.ID] != rec {
		return false
	}
	delete(r.entries, rec.ID)
	return true
}

// Len returns the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot lists tracked tasks ordered by start time.
func (r *Registry) Snapshot() []TaskInfo {
	r.mu.Lock()
	out := make([]TaskInfo, 0, len(r.entries))
	for _, rec := range r.entries {
		out = append(out, rec.info())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
