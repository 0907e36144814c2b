// Package outbox holds outbound chat payloads composed while no session can
// carry them.
package outbox

import (
	"errors"
	"sync"
)

// DefaultCapacity is the queue size used when none is configured.
const DefaultCapacity = 50

// ErrFull is returned by Enqueue when the queue is at capacity. The payload
// is dropped.
var ErrFull = errors.New("offline queue full")

// Queue is a bounded FIFO of pending text payloads.
type Queue struct {
	capacity int

	mu    sync.Mutex
	items []string
}

// NewQueue creates a Queue holding at most capacity payloads.
// A non-positive capacity falls back to DefaultCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity: capacity,
		items:    make([]string, 0, capacity),
	}
}

// Enqueue appends text to the tail. It returns ErrFull and drops text when
// the queue is at capacity.
func (q *Queue) Enqueue(text string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		return ErrFull
	}
	q.items = append(q.items, text)
	return nil
}

// Pop removes and returns the head of the queue.
func (q *Queue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return "", false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

// PushFront returns text to the head of the queue, ahead of everything
// already queued. It is used to give back a payload whose send failed.
// When the queue is full the newest tail entry is dropped to make room,
// so the payload that was composed first is never the one lost.
func (q *Queue) PushFront(text string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		q.items = q.items[:q.capacity-1]
	}
	q.items = append([]string{text}, q.items...)
}

// Drain sends every queued payload in FIFO order. It stops at the first
// failed send: that payload goes back to the head of the queue along with
// the untouched tail, and the error is returned. Payloads sent before the
// failure are gone from the queue.
func (q *Queue) Drain(send func(text string) error) (int, error) {
	sent := 0
	for {
		text, ok := q.Pop()
		if !ok {
			return sent, nil
		}
		if err := send(text); err != nil {
			q.PushFront(text)
			return sent, err
		}
		sent++
	}
}

// Snapshot returns a copy of the queued payloads, head first.
func (q *Queue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	out := make([]string, len(q.items))
	copy(out, q.items)
	return out
}

// Clear removes every queued payload.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
}

// Len returns the number of queued payloads.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the capacity of the queue.
func (q *Queue) Cap() int {
	return q.capacity
}
