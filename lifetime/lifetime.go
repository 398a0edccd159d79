// Package lifetime defers destruction of objects that may still be
// reachable from in-flight work.
//
// Deletion is two-phase. Delete marks an object and queues it; the
// manager then calls Shutdown, which detaches the object from whatever
// registries hold it, and calls Destroy only once MayDelete holds.
// Objects whose MayDelete is false stay pending until RetryDelete or a
// Sweep queues them again.
package lifetime

import (
	"sync"
	"sync/atomic"

	"github.com/andaru/xmpp/workqueue"
	"go.uber.org/zap"
)

// Actor is implemented by objects under lifetime management
type Actor interface {
	// MayDelete returns true when nothing still depends on the actor
	MayDelete() bool
	// Shutdown releases the actor's resources and detaches it from
	// registries. It is called once, before Destroy.
	Shutdown()
	// Destroy is called once after Shutdown, when MayDelete holds
	Destroy()
}

// State is a managed object's deletion state
type State int32

const (
	// Live objects have not been asked to delete
	Live State = iota
	// ShuttingDown objects are queued for Shutdown
	ShuttingDown
	// Pending objects are shut down and wait for MayDelete
	Pending
	// Destroyed objects have been destroyed
	Destroyed
)

func (s State) String() string {
	switch s {
	case Live:
		return "Live"
	case ShuttingDown:
		return "ShuttingDown"
	case Pending:
		return "Pending"
	case Destroyed:
		return "Destroyed"
	}
	return "Unknown"
}

// Manager runs deletions on its own queue
type Manager struct {
	q   *workqueue.Queue[*Handle]
	log *zap.Logger

	mu      sync.Mutex
	pending map[*Handle]struct{}
}

// NewManager returns a new Manager. A nil logger discards output.
func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{log: log, pending: map[*Handle]struct{}{}}
	m.q = workqueue.New(m.process)
	return m
}

// Handle is an actor's registration with a Manager
type Handle struct {
	m     *Manager
	actor Actor
	state atomic.Int32
}

// Register places a under management
func (m *Manager) Register(a Actor) *Handle { return &Handle{m: m, actor: a} }

// Delete requests deletion. It returns false if deletion was already
// requested.
func (h *Handle) Delete() bool {
	// a caller losing the race returns only once the request is queued
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if !h.state.CompareAndSwap(int32(Live), int32(ShuttingDown)) {
		return false
	}
	h.m.q.Enqueue(h)
	return true
}

// RetryDelete queues a pending actor for another MayDelete check
func (h *Handle) RetryDelete() {
	if h.State() == Pending {
		h.m.q.Enqueue(h)
	}
}

// IsDeleted returns true once deletion has been requested
func (h *Handle) IsDeleted() bool { return h.State() != Live }

// State returns the current deletion state
func (h *Handle) State() State { return State(h.state.Load()) }

func (m *Manager) process(h *Handle) {
	switch h.State() {
	case ShuttingDown:
		h.actor.Shutdown()
		h.state.Store(int32(Pending))
	case Pending:
	default:
		return
	}
	if !h.actor.MayDelete() {
		m.mu.Lock()
		m.pending[h] = struct{}{}
		m.mu.Unlock()
		return
	}
	m.mu.Lock()
	delete(m.pending, h)
	m.mu.Unlock()
	h.state.Store(int32(Destroyed))
	h.actor.Destroy()
}

// Sweep queues every pending actor for another MayDelete check
func (m *Manager) Sweep() {
	m.mu.Lock()
	hs := make([]*Handle, 0, len(m.pending))
	for h := range m.pending {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		h.RetryDelete()
	}
}

// SetQueueDisable stops (or resumes) processing deletions. Requests
// made while disabled are held in the queue.
func (m *Manager) SetQueueDisable(disable bool) {
	m.log.Debug("deletion queue", zap.Bool("disabled", disable))
	m.q.SetDisable(disable)
}

// QueueLen returns the number of deletion requests waiting
func (m *Manager) QueueLen() int { return m.q.Len() }

// PendingCount returns the number of shut down actors waiting on MayDelete
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Wait blocks until the deletion queue is idle
func (m *Manager) Wait() { m.q.Wait() }
