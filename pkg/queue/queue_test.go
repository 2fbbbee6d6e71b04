package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discodeploy/disco/pkg/store"
)

func testConsumer(t *testing.T) (*Consumer, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite3"), logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewConsumer(db, logrus.NewEntry(logrus.New()), time.Millisecond), db
}

func taskStatus(t *testing.T, db *store.DB, id string) (status, result string) {
	t.Helper()
	rows, err := db.Conn().Query(`SELECT status, IFNULL(result, '') FROM tasks WHERE id = ?`, id)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	require.NoError(t, rows.Scan(&status, &result))
	return status, result
}

func TestDispatchCompletesTask(t *testing.T) {
	c, db := testConsumer(t)
	ctx := context.Background()
	c.Register("GREET", func(ctx context.Context, body string) (string, error) {
		return `{"greeting":"hi"}`, nil
	})

	task, err := db.Enqueue(ctx, "GREET", "{}")
	require.NoError(t, err)
	c.drainOnce(ctx)

	status, result := taskStatus(t, db, task.ID)
	assert.Equal(t, "COMPLETED", status)
	assert.Equal(t, `{"greeting":"hi"}`, result)
}

func TestHandlerErrorMarksFailed(t *testing.T) {
	c, db := testConsumer(t)
	ctx := context.Background()
	c.Register("BOOM", func(ctx context.Context, body string) (string, error) {
		return "", errors.New("boom")
	})

	task, _ := db.Enqueue(ctx, "BOOM", "{}")
	c.drainOnce(ctx)

	status, result := taskStatus(t, db, task.ID)
	assert.Equal(t, "FAILED", status)
	assert.Equal(t, `{"reason":"EXCEPTION"}`, result)
}

func TestHandlerPanicMarksFailedAndKeepsDraining(t *testing.T) {
	c, db := testConsumer(t)
	ctx := context.Background()
	c.Register("PANIC", func(ctx context.Context, body string) (string, error) {
		panic("oh no")
	})
	c.Register("OK", func(ctx context.Context, body string) (string, error) {
		return "fine", nil
	})

	bad, _ := db.Enqueue(ctx, "PANIC", "{}")
	good, _ := db.Enqueue(ctx, "OK", "{}")
	c.drainOnce(ctx)

	status, _ := taskStatus(t, db, bad.ID)
	assert.Equal(t, "FAILED", status)
	status, _ = taskStatus(t, db, good.ID)
	assert.Equal(t, "COMPLETED", status)
}

func TestUnregisteredTaskFails(t *testing.T) {
	c, db := testConsumer(t)
	ctx := context.Background()

	task, _ := db.Enqueue(ctx, "UNKNOWN", "{}")
	c.drainOnce(ctx)

	status, _ := taskStatus(t, db, task.ID)
	assert.Equal(t, "FAILED", status)
}
