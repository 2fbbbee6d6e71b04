package tasks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnqueueRunsTask(t *testing.T) {
	m := NewManager()
	done := make(chan struct{})
	m.Enqueue(func(stop <-chan struct{}) {
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestCancelWaitsForAcknowledgement(t *testing.T) {
	m := NewManager()
	started := make(chan struct{})
	var finished bool
	id := m.Enqueue(func(stop <-chan struct{}) {
		close(started)
		<-stop
		finished = true
	})
	<-started
	m.Cancel(id)
	assert.True(t, finished)
}

func TestCancelUnknownIDIsNoOp(t *testing.T) {
	m := NewManager()
	m.Cancel("nope")
}

func TestFinishedTaskLeavesRegistry(t *testing.T) {
	m := NewManager()
	done := make(chan struct{})
	m.Enqueue(func(stop <-chan struct{}) { close(done) })
	<-done
	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, time.Millisecond)
}
