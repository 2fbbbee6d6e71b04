package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type adminRequest struct {
	Method string
	Path   string
	Body   map[string]any
}

// fakeAdmin is a Caddy-admin stand-in on a unix socket: it records every
// request and refuses /id/ addressing for ids it has not seen a
// structural insert for, the way the real admin endpoint does.
type fakeAdmin struct {
	mu       sync.Mutex
	requests []adminRequest
	known    map[string]bool
}

func newFakeAdmin(t *testing.T) (*Driver, *fakeAdmin) {
	t.Helper()
	admin := &fakeAdmin{known: map[string]bool{}}
	socketPath := filepath.Join(t.TempDir(), "caddy.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	server := &http.Server{Handler: admin}
	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })
	return NewDriver(socketPath), admin
}

func (a *fakeAdmin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	if len(raw) > 0 {
		json.Unmarshal(raw, &body)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, adminRequest{Method: r.Method, Path: r.URL.Path, Body: body})

	if id, isID := idOf(r.URL.Path); isID && !a.known[id] {
		http.Error(w, "unknown object id", http.StatusNotFound)
		return
	}
	if r.Method == http.MethodPut && body != nil {
		if id, ok := body["@id"].(string); ok {
			a.known[id] = true
		}
		registerNestedIDs(a.known, body)
	}
	w.WriteHeader(http.StatusOK)
}

func idOf(path string) (string, bool) {
	const prefix = "/id/"
	if len(path) > len(prefix) && path[:len(prefix)] == prefix {
		return path[len(prefix):], true
	}
	return "", false
}

func registerNestedIDs(known map[string]bool, node any) {
	switch v := node.(type) {
	case map[string]any:
		if id, ok := v["@id"].(string); ok && id != "" {
			known[id] = true
		}
		for _, child := range v {
			registerNestedIDs(known, child)
		}
	case []any:
		for _, child := range v {
			registerNestedIDs(known, child)
		}
	}
}

func (a *fakeAdmin) last(t *testing.T) adminRequest {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.requests)
	return a.requests[len(a.requests)-1]
}

func TestUpsertProjectRouteInsertsStructurallyOnFirstCreate(t *testing.T) {
	d, admin := newFakeAdmin(t)
	ctx := context.Background()

	require.NoError(t, d.UpsertProjectRoute(ctx, "blog", []string{"blog.example.com"}, Upstream{ServiceDial: "blog-web.1:8000"}))

	admin.mu.Lock()
	require.Len(t, admin.requests, 2)
	first, second := admin.requests[0], admin.requests[1]
	admin.mu.Unlock()

	// the id does not exist yet, so the driver falls back from /id/
	// addressing to a structural insert at the head of the route list
	assert.Equal(t, "PUT /id/disco-project-blog", first.Method+" "+first.Path)
	assert.Equal(t, "PUT "+routesPath, second.Method+" "+second.Path)

	assert.Equal(t, "disco-project-blog", second.Body["@id"])
	hosts := second.Body["match"].([]any)[0].(map[string]any)["host"].([]any)
	assert.Equal(t, []any{"blog.example.com"}, hosts)

	subroute := second.Body["handle"].([]any)[0].(map[string]any)
	assert.Equal(t, "subroute", subroute["handler"])
	routes := subroute["routes"].([]any)

	discoRoute := routes[0].(map[string]any)
	paths := discoRoute["match"].([]any)[0].(map[string]any)["path"].([]any)
	assert.Equal(t, []any{"/.disco*"}, paths)

	fallback := routes[1].(map[string]any)
	handler := fallback["handle"].([]any)[0].(map[string]any)
	assert.Equal(t, "disco-project-handler-blog", handler["@id"])
	assert.Equal(t, "reverse_proxy", handler["handler"])
	dial := handler["upstreams"].([]any)[0].(map[string]any)["dial"]
	assert.Equal(t, "blog-web.1:8000", dial)
}

func TestUpsertProjectRouteReplacesByIDOnceKnown(t *testing.T) {
	d, admin := newFakeAdmin(t)
	ctx := context.Background()

	require.NoError(t, d.UpsertProjectRoute(ctx, "blog", []string{"blog.example.com"}, Upstream{ServiceDial: "blog-web.1:8000"}))
	require.NoError(t, d.UpsertProjectRoute(ctx, "blog", []string{"blog.example.com", "www.blog.example.com"}, Upstream{ServiceDial: "blog-web.1:8000"}))

	last := admin.last(t)
	assert.Equal(t, "PUT", last.Method)
	assert.Equal(t, "/id/disco-project-blog", last.Path)
	hosts := last.Body["match"].([]any)[0].(map[string]any)["host"].([]any)
	assert.Len(t, hosts, 2)
}

func TestPointToContainerPatchesHandlerShape(t *testing.T) {
	d, admin := newFakeAdmin(t)
	ctx := context.Background()
	require.NoError(t, d.UpsertProjectRoute(ctx, "api", []string{"api.example.com"}, Upstream{ServiceDial: "api-web.1:8000"}))

	require.NoError(t, d.PointToContainer(ctx, "api", "api-web.2", 8000))

	last := admin.last(t)
	assert.Equal(t, "PATCH", last.Method)
	assert.Equal(t, "/id/disco-project-handler-api", last.Path)
	// the PATCH body is the same handler-shaped object the route stores
	assert.Equal(t, "disco-project-handler-api", last.Body["@id"])
	assert.Equal(t, "reverse_proxy", last.Body["handler"])
	dial := last.Body["upstreams"].([]any)[0].(map[string]any)["dial"]
	assert.Equal(t, "api-web.2:8000", dial)
}

func TestPointToStaticPatchesFileServer(t *testing.T) {
	d, admin := newFakeAdmin(t)
	ctx := context.Background()
	require.NoError(t, d.UpsertProjectRoute(ctx, "blog", []string{"blog.example.com"}, Upstream{ServiceDial: "blog-web.2:8000"}))

	require.NoError(t, d.PointToStatic(ctx, "blog", 3))

	last := admin.last(t)
	assert.Equal(t, "PATCH", last.Method)
	assert.Equal(t, "/id/disco-project-handler-blog", last.Path)
	assert.Equal(t, "file_server", last.Body["handler"])
	assert.Equal(t, "/disco/srv/blog/3", last.Body["root"])
	_, hasUpstreams := last.Body["upstreams"]
	assert.False(t, hasUpstreams)
}

func TestApexWWWRedirectRoundTrip(t *testing.T) {
	d, admin := newFakeAdmin(t)
	ctx := context.Background()

	require.NoError(t, d.AddApexWWWRedirect(ctx, "dom1", "www.example.com", "example.com"))

	last := admin.last(t)
	assert.Equal(t, "PUT", last.Method)
	assert.Equal(t, routesPath, last.Path)
	assert.Equal(t, "disco-redirect-dom1", last.Body["@id"])
	hosts := last.Body["match"].([]any)[0].(map[string]any)["host"].([]any)
	assert.Equal(t, []any{"www.example.com"}, hosts)
	handler := last.Body["handle"].([]any)[0].(map[string]any)
	assert.Equal(t, "static_response", handler["handler"])
	assert.Equal(t, float64(308), handler["status_code"])
	location := handler["headers"].(map[string]any)["Location"].([]any)[0]
	assert.Equal(t, "https://example.com{http.request.uri}", location)

	// the id registered on create is the one removal resolves
	require.NoError(t, d.RemoveApexWWWRedirect(ctx, "dom1"))
	last = admin.last(t)
	assert.Equal(t, "DELETE", last.Method)
	assert.Equal(t, "/id/disco-redirect-dom1", last.Path)
}
