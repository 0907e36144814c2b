// Package dedup suppresses repeated delivery of server-issued message ids.
package dedup

import "sync"

// DefaultCapacity is the number of ids remembered when none is configured.
const DefaultCapacity = 100

// Filter is a bounded set of recently seen message ids. When the set is
// full, the oldest inserted id is evicted to make room for the new one.
//
// An id present in the set is never reported as deliverable again.
type Filter struct {
	capacity int

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string // insertion order, oldest first
}

// NewFilter creates a Filter remembering at most capacity ids.
// A non-positive capacity falls back to DefaultCapacity.
func NewFilter(capacity int) *Filter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Filter{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

// ShouldSuppress reports whether a message with the given id was already
// delivered. An empty id is never suppressed. Otherwise an unseen id is
// recorded and false is returned.
func (f *Filter) ShouldSuppress(id string) bool {
	if id == "" {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.seen[id]; ok {
		return true
	}

	if len(f.order) >= f.capacity {
		oldest := f.order[0]
		f.order = f.order[1:]
		delete(f.seen, oldest)
	}
	f.order = append(f.order, id)
	f.seen[id] = struct{}{}
	return false
}

// Contains reports whether id is currently remembered.
func (f *Filter) Contains(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[id]
	return ok
}

// Len returns the number of remembered ids.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

// Cap returns the capacity of the filter.
func (f *Filter) Cap() int {
	return f.capacity
}
