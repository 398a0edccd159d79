// Package workqueue provides a FIFO queue whose items are handled one
// at a time, in arrival order, by an on-demand goroutine.
package workqueue

import "sync"

// Queue serializes calls to its handler. At most one goroutine runs
// the handler at any time, so the handler sees sequential semantics
// for every item enqueued to this Queue. Different Queues run
// independently.
type Queue[T any] struct {
	handler func(T)

	mu       sync.Mutex
	cond     *sync.Cond
	items    []T
	disabled bool
	running  bool
	shutdown bool
}

// New returns a Queue calling handler for each item
func New[T any](handler func(T)) *Queue[T] {
	q := &Queue[T]{handler: handler}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends item to the queue. It returns false, dropping item,
// once the queue has been shut down.
func (q *Queue[T]) Enqueue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return false
	}
	q.items = append(q.items, item)
	q.kick()
	return true
}

// SetDisable stops (or resumes) handling. Items enqueued while the
// queue is disabled accumulate until it is enabled again.
func (q *Queue[T]) SetDisable(disable bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.disabled = disable
	q.kick()
	q.cond.Broadcast()
}

// Disabled returns true if handling is disabled
func (q *Queue[T]) Disabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.disabled
}

// Len returns the number of items waiting to be handled
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Shutdown drops any waiting items and refuses further ones. An item
// being handled when Shutdown is called runs to completion.
func (q *Queue[T]) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shutdown = true
	q.items = nil
	q.cond.Broadcast()
}

// Drain removes and returns the items waiting to be handled
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	q.cond.Broadcast()
	return items
}

// IsShutdown returns true after Shutdown
func (q *Queue[T]) IsShutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shutdown
}

// Wait blocks until the queue is idle: nothing is being handled and
// nothing is waiting, or the queue is disabled. It must not be called
// from the handler.
func (q *Queue[T]) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.running || (!q.disabled && len(q.items) > 0) {
		q.cond.Wait()
	}
}

func (q *Queue[T]) kick() {
	if q.running || q.disabled || len(q.items) == 0 {
		return
	}
	q.running = true
	go q.run()
}

func (q *Queue[T]) run() {
	q.mu.Lock()
	for !q.disabled && len(q.items) > 0 {
		item := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()
		q.handler(item)
		q.mu.Lock()
	}
	q.running = false
	q.cond.Broadcast()
	q.mu.Unlock()
}
