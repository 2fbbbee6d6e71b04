package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/discodeploy/disco/pkg/manifest"
)

func newTestScheduler() *Scheduler {
	return New(nil, nil, logrus.NewEntry(logrus.New()))
}

func mustManifest(t *testing.T, raw string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(raw))
	assert.NoError(t, err)
	return m
}

func TestReloadRegistersOnlyCronServices(t *testing.T) {
	s := newTestScheduler()
	m := mustManifest(t, `{"version":"1.0","services":{
		"web":{"type":"container"},
		"nightly":{"type":"cron","schedule":"0 0 * * *","command":"echo hi"}
	},"images":{"default":{"dockerfile":"Dockerfile","context":"."}}}`)

	s.ReloadAndResumeProjectCrons("", "acme", 3, m, nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.crons, 1)
	_, ok := s.crons[cronKey("acme", "nightly")]
	assert.True(t, ok)
}

func TestReloadRemovesDisappearedService(t *testing.T) {
	s := newTestScheduler()
	both := mustManifest(t, `{"version":"1.0","services":{
		"a":{"type":"cron","schedule":"* * * * *"},
		"b":{"type":"cron","schedule":"* * * * *"}
	},"images":{"default":{"dockerfile":"Dockerfile","context":"."}}}`)
	onlyA := mustManifest(t, `{"version":"1.0","services":{
		"a":{"type":"cron","schedule":"* * * * *"}
	},"images":{"default":{"dockerfile":"Dockerfile","context":"."}}}`)

	s.ReloadAndResumeProjectCrons("", "acme", 1, both, nil)
	s.ReloadAndResumeProjectCrons("acme", "acme", 2, onlyA, nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.crons, 1)
	assert.Equal(t, 2, s.crons[cronKey("acme", "a")].number)
}

func TestReloadResetsNextOnlyWhenScheduleChanges(t *testing.T) {
	s := newTestScheduler()
	m1 := mustManifest(t, `{"version":"1.0","services":{"job":{"type":"cron","schedule":"*/5 * * * *"}},"images":{"default":{"dockerfile":"Dockerfile","context":"."}}}`)

	s.ReloadAndResumeProjectCrons("", "acme", 1, m1, nil)
	s.mu.Lock()
	firstNext := s.crons[cronKey("acme", "job")].next
	s.mu.Unlock()

	s.ReloadAndResumeProjectCrons("acme", "acme", 2, m1, nil)
	s.mu.Lock()
	assert.Equal(t, firstNext, s.crons[cronKey("acme", "job")].next)
	s.mu.Unlock()

	m2 := mustManifest(t, `{"version":"1.0","services":{"job":{"type":"cron","schedule":"* * * * *"}},"images":{"default":{"dockerfile":"Dockerfile","context":"."}}}`)
	s.ReloadAndResumeProjectCrons("acme", "acme", 3, m2, nil)
	s.mu.Lock()
	pc := s.crons[cronKey("acme", "job")]
	assert.Equal(t, "* * * * *", pc.scheduleText)
	assert.True(t, !pc.next.After(firstNext))
	s.mu.Unlock()
}

func TestPauseSuppressesWithoutUnregistering(t *testing.T) {
	s := newTestScheduler()
	m := mustManifest(t, `{"version":"1.0","services":{"job":{"type":"cron","schedule":"* * * * *"}},"images":{"default":{"dockerfile":"Dockerfile","context":"."}}}`)

	s.ReloadAndResumeProjectCrons("", "acme", 1, m, nil)
	s.PauseProjectCrons("acme")

	s.mu.Lock()
	pc := s.crons[cronKey("acme", "job")]
	assert.NotNil(t, pc)
	assert.True(t, pc.paused)
	s.mu.Unlock()

	s.ReloadAndResumeProjectCrons("acme", "acme", 2, m, nil)
	s.mu.Lock()
	assert.False(t, s.crons[cronKey("acme", "job")].paused)
	s.mu.Unlock()
}

func TestRemoveProjectCronsOnlyTouchesThatProject(t *testing.T) {
	s := newTestScheduler()
	m := mustManifest(t, `{"version":"1.0","services":{"job":{"type":"cron","schedule":"* * * * *"}},"images":{"default":{"dockerfile":"Dockerfile","context":"."}}}`)

	s.ReloadAndResumeProjectCrons("", "acme", 1, m, nil)
	s.ReloadAndResumeProjectCrons("", "widgetco", 1, m, nil)
	s.RemoveProjectCrons("acme")

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.crons, 1)
	_, ok := s.crons[cronKey("widgetco", "job")]
	assert.True(t, ok)
}

func TestQueueTaskCancelStopsTask(t *testing.T) {
	s := newTestScheduler()
	started := make(chan struct{})
	finished := make(chan struct{})

	id := s.EnqueueTask(func(stop <-chan struct{}) {
		close(started)
		<-stop
		close(finished)
	})
	<-started
	s.CancelTask(id)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("task did not stop after cancel")
	}
}

func TestDiscoCronFiresOnTick(t *testing.T) {
	s := newTestScheduler()
	fired := make(chan struct{}, 1)
	s.AddDiscoCron("test", time.Nanosecond, func(_ context.Context) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	time.Sleep(10 * time.Millisecond)
	s.tick(context.Background())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("disco cron did not fire")
	}
}
