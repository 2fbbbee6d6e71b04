package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discodeploy/disco/pkg/disco"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.sqlite3"), logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDeploymentNumbersAreContiguousFromOne(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	project, err := db.CreateProject(ctx, "acme", "")
	require.NoError(t, err)

	for want := 1; want <= 5; want++ {
		dep, err := db.CreateDeployment(ctx, project.ID, project.Name, "", "", "", "")
		require.NoError(t, err)
		assert.Equal(t, want, dep.Number)
	}
}

func TestDeploymentNumbersScopedPerProject(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a, _ := db.CreateProject(ctx, "a", "")
	b, _ := db.CreateProject(ctx, "b", "")

	d1, err := db.CreateDeployment(ctx, a.ID, "a", "", "", "", "")
	require.NoError(t, err)
	d2, err := db.CreateDeployment(ctx, b.ID, "b", "", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, d1.Number)
	assert.Equal(t, 1, d2.Number)
}

func TestLatestCompleteIsLiveDeployment(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	project, _ := db.CreateProject(ctx, "acme", "")

	d1, _ := db.CreateDeployment(ctx, project.ID, "acme", "", "", "", "")
	d2, _ := db.CreateDeployment(ctx, project.ID, "acme", "", "", "", "")
	d3, _ := db.CreateDeployment(ctx, project.ID, "acme", "", "", "", "")

	require.NoError(t, db.TransitionStatus(ctx, d1.ID, DeploymentComplete))
	require.NoError(t, db.TransitionStatus(ctx, d2.ID, DeploymentComplete))
	require.NoError(t, db.TransitionStatus(ctx, d3.ID, DeploymentFailed))

	live, err := db.LatestComplete(ctx, project.ID)
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, d2.ID, live.ID)
}

func TestLatestCompleteNilWhenNothingLive(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	project, _ := db.CreateProject(ctx, "acme", "")
	live, err := db.LatestComplete(ctx, project.ID)
	assert.NoError(t, err)
	assert.Nil(t, live)
}

func TestResolvedCommitOnlyWrittenWhileQueued(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	project, _ := db.CreateProject(ctx, "acme", "")
	dep, _ := db.CreateDeployment(ctx, project.ID, "acme", "", "_DEPLOY_LATEST_", "", "")

	require.NoError(t, db.SetResolvedCommit(ctx, dep.ID, "abc123"))
	got, _ := db.GetDeployment(ctx, dep.ID)
	assert.Equal(t, "abc123", got.CommitHash)

	require.NoError(t, db.TransitionStatus(ctx, dep.ID, DeploymentComplete))
	require.NoError(t, db.SetResolvedCommit(ctx, dep.ID, "def456"))
	got, _ = db.GetDeployment(ctx, dep.ID)
	assert.Equal(t, "abc123", got.CommitHash)
}

func TestTaskClaimIsFIFOAndExclusive(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first, err := db.Enqueue(ctx, "A", "{}")
	require.NoError(t, err)
	_, err = db.Enqueue(ctx, "B", "{}")
	require.NoError(t, err)

	claimed, err := db.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, TaskProcessing, claimed.Status)

	second, err := db.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", second.Name)

	third, err := db.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, third)
}

func TestCompleteIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	task, _ := db.Enqueue(ctx, "A", "{}")
	db.ClaimNext(ctx)

	require.NoError(t, db.Complete(ctx, task.ID, `{"ok":true}`))
	require.NoError(t, db.Fail(ctx, task.ID, `{"reason":"EXCEPTION"}`))

	got, err := db.conn.Query(`SELECT status, result FROM tasks WHERE id = ?`, task.ID)
	require.NoError(t, err)
	defer got.Close()
	require.True(t, got.Next())
	var status, result string
	require.NoError(t, got.Scan(&status, &result))
	assert.Equal(t, string(TaskCompleted), status)
	assert.Equal(t, `{"ok":true}`, result)
}

func TestDeleteLastApiKeyRejected(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	key, err := db.CreateApiKey(ctx, NewID(), "only", NewID())
	require.NoError(t, err)

	err = db.DeleteApiKey(ctx, key.ID)
	assert.True(t, disco.Is(err, disco.KindInvalidArgument))

	second, err := db.CreateApiKey(ctx, NewID(), "second", NewID())
	require.NoError(t, err)
	assert.NoError(t, db.DeleteApiKey(ctx, key.ID))

	err = db.DeleteApiKey(ctx, second.ID)
	assert.True(t, disco.Is(err, disco.KindInvalidArgument))
}

func TestCorsOriginReAddIsNoOp(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	require.NoError(t, db.AddCorsOrigin(ctx, "https://example.com"))
	require.NoError(t, db.AddCorsOrigin(ctx, "https://example.com"))

	origins, err := db.ListCorsOrigins(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com"}, origins)
}

func TestApiKeyInviteSingleUse(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	inv, err := db.CreateApiKeyInvite(ctx, "alex", 48*time.Hour)
	require.NoError(t, err)

	got, err := db.ConsumeApiKeyInvite(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "alex", got.Name)

	_, err = db.ConsumeApiKeyInvite(ctx, inv.ID)
	assert.True(t, disco.Is(err, disco.KindConflict))
}

func TestNewIDShape(t *testing.T) {
	id := NewID()
	assert.Len(t, id, 32)
	assert.NotEqual(t, id, NewID())
}
