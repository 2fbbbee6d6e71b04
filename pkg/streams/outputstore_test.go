package streams

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOutputStore(t *testing.T) *OutputStore {
	t.Helper()
	return NewOutputStore(t.TempDir(), logrus.NewEntry(logrus.New()))
}

func TestAppendAndReadBack(t *testing.T) {
	o := testOutputStore(t)
	ctx := context.Background()
	source := DeploymentSource("abc")

	require.NoError(t, o.Append(ctx, source, "line one"))
	require.NoError(t, o.Append(ctx, source, "line two"))

	lines, err := o.Since(ctx, source, 0)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "line one", *lines[0].Text)
	assert.Equal(t, "line two", *lines[1].Text)
	assert.Less(t, lines[0].ID, lines[1].ID)
}

func TestSinceSkipsReadLines(t *testing.T) {
	o := testOutputStore(t)
	ctx := context.Background()
	source := RunSource("r1")

	o.Append(ctx, source, "one")
	o.Append(ctx, source, "two")
	first, err := o.Since(ctx, source, 0)
	require.NoError(t, err)

	o.Append(ctx, source, "three")
	rest, err := o.Since(ctx, source, first[len(first)-1].ID)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "three", *rest[0].Text)
}

func TestTerminateAppendsNullSentinel(t *testing.T) {
	o := testOutputStore(t)
	ctx := context.Background()
	source := RunSource("r2")

	o.Append(ctx, source, "done soon")
	require.NoError(t, o.Terminate(ctx, source))

	lines, err := o.Since(ctx, source, 0)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Nil(t, lines[1].Text)
}

func TestEvictIdleClosesStaleConnections(t *testing.T) {
	o := testOutputStore(t)
	ctx := context.Background()
	o.Append(ctx, RunSource("stale"), "x")

	o.mu.Lock()
	o.conns[RunSource("stale")].lastUsed = time.Now().Add(-7 * time.Hour)
	o.mu.Unlock()

	o.EvictIdle()

	o.mu.Lock()
	_, ok := o.conns[RunSource("stale")]
	o.mu.Unlock()
	assert.False(t, ok)

	// the source reopens lazily and the rows are still there
	lines, err := o.Since(ctx, RunSource("stale"), 0)
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestLogsHubRetentionAndFanout(t *testing.T) {
	h := NewLogsHub(logrus.NewEntry(logrus.New()))
	lines, unsubscribe := h.Subscribe()
	defer unsubscribe()

	h.publish(LogLine{Source: "syslog", Text: "hello", At: time.Now().UTC()})

	select {
	case line := <-lines:
		assert.Equal(t, "hello", line.Text)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the line")
	}

	h.mu.Lock()
	h.ring[0].At = time.Now().Add(-2 * time.Hour)
	h.mu.Unlock()
	h.HourlyEvict()

	h.mu.Lock()
	assert.Empty(t, h.ring)
	h.mu.Unlock()
}

func TestTunnelSweepExpiredClosesTunnel(t *testing.T) {
	h := NewTunnelsHub(logrus.NewEntry(logrus.New()))
	closed := false
	h.Add(&Tunnel{
		ID:        "t1",
		Project:   "acme",
		Service:   "web",
		ExpiresAt: time.Now().Add(-time.Minute),
		Close:     func() error { closed = true; return nil },
	})

	h.SweepExpired(time.Now())
	assert.True(t, closed)
	assert.Empty(t, h.List())
}
