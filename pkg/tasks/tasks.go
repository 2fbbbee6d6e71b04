// Package tasks tracks in-process background tasks: each Enqueue spawns
// one goroutine and returns an id the caller can Cancel, with the stop /
// notifyStopped channel pairing giving Cancel a bounded wait for the
// task to acknowledge.
package tasks

import (
	"sync"

	"github.com/google/uuid"
)

type Manager struct {
	mu      sync.Mutex
	running map[string]*Task
}

type Task struct {
	id            string
	stop          chan struct{}
	notifyStopped chan struct{}
}

func NewManager() *Manager {
	return &Manager{running: map[string]*Task{}}
}

// Enqueue runs f in its own goroutine and returns its task id. f must
// return promptly once stop is closed; external work inside f should be
// wrapped in a timeout so cancellation is bounded.
func (m *Manager) Enqueue(f func(stop <-chan struct{})) string {
	t := &Task{
		id:            uuid.New().String(),
		stop:          make(chan struct{}),
		notifyStopped: make(chan struct{}),
	}

	m.mu.Lock()
	m.running[t.id] = t
	m.mu.Unlock()

	go func() {
		defer func() {
			close(t.notifyStopped)
			m.mu.Lock()
			delete(m.running, t.id)
			m.mu.Unlock()
		}()
		f(t.stop)
	}()

	return t.id
}

// Cancel signals the task to stop and waits for it to acknowledge.
// Cancelling an unknown or already-finished id is a no-op.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	t, ok := m.running[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	close(t.stop)
	<-t.notifyStopped
}

// Len reports how many tasks are currently in flight.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}
