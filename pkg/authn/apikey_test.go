package authn

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discodeploy/disco/pkg/disco"
	"github.com/discodeploy/disco/pkg/store"
)

func testAuth(t *testing.T) (*Authenticator, *store.ApiKey) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite3"), logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	key, err := db.CreateApiKey(context.Background(), store.NewID(), "test", store.NewID())
	require.NoError(t, err)
	return New(db), key
}

func TestBearerRoundTrip(t *testing.T) {
	auth, key := testAuth(t)
	token, err := MintToken(key, time.Hour)
	require.NoError(t, err)

	got, err := auth.Authenticate(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
}

func TestBearerRejectsForgedToken(t *testing.T) {
	auth, key := testAuth(t)
	forged, err := MintToken(&store.ApiKey{ID: "wrong secret", PublicKey: key.PublicKey}, time.Hour)
	require.NoError(t, err)

	_, err = auth.Authenticate(context.Background(), "Bearer "+forged)
	assert.True(t, disco.Is(err, disco.KindAuthError))
}

func TestBasicAuth(t *testing.T) {
	auth, key := testAuth(t)
	got, err := auth.Authenticate(context.Background(), "Basic "+basicCredential(key.ID))
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
}

func basicCredential(id string) string {
	return base64.StdEncoding.EncodeToString([]byte(id + ":"))
}

func TestMissingCredentialsIs401(t *testing.T) {
	auth, _ := testAuth(t)
	_, err := auth.Authenticate(context.Background(), "")
	derr, ok := err.(*disco.Error)
	require.True(t, ok)
	assert.Equal(t, 401, derr.Status)
}

func TestUnknownKeyRejected(t *testing.T) {
	auth, _ := testAuth(t)
	_, err := auth.Authenticate(context.Background(), "Basic "+basicCredential("nonexistent"))
	assert.True(t, disco.Is(err, disco.KindAuthError))
}
