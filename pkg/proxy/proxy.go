// Package proxy drives the reverse-proxy admin API over a Unix-domain
// socket. The proxy's own config is the source of truth; the driver keeps
// no state and every write is an idempotent upsert against a stable
// route id.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/discodeploy/disco/pkg/disco"
)

// routesPath is the structural location new routes are inserted at. The
// /id/ endpoint can only address an element that already exists, so
// first-time creation has to go through the server's route list.
const routesPath = "/config/apps/http/servers/disco/routes/0"

type Driver struct {
	client *http.Client
}

func NewDriver(socketPath string) *Driver {
	return &Driver{
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return net.Dial("unix", socketPath)
				},
			},
		},
	}
}

// route is the per-project route object: a stable id, a subroute to
// /.disco carried by every project, and a fallback subroute whose handler
// carries its own id so cutover can PATCH it in place.
type route struct {
	ID     string   `json:"@id,omitempty"`
	Match  []match  `json:"match,omitempty"`
	Handle []handle `json:"handle"`
}

type match struct {
	Host []string `json:"host,omitempty"`
	Path []string `json:"path,omitempty"`
}

type handle struct {
	ID         string              `json:"@id,omitempty"`
	Handler    string              `json:"handler"`
	Routes     []route             `json:"routes,omitempty"`
	Upstreams  []upstream          `json:"upstreams,omitempty"`
	Root       string              `json:"root,omitempty"`
	StatusCode int                 `json:"status_code,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

type upstream struct {
	Dial string `json:"dial,omitempty"`
}

// UpsertProjectRoute replaces the project's whole route object when its id
// already exists, and inserts it at the head of the server's route list
// when it doesn't. Either write is atomic on the proxy's side.
func (d *Driver) UpsertProjectRoute(ctx context.Context, name string, domains []string, upstreamPointer Upstream) error {
	r := route{
		ID:    routeID(name),
		Match: []match{{Host: domains}},
		Handle: []handle{
			{
				Handler: "subroute",
				Routes: []route{
					{
						Match:  []match{{Path: []string{"/.disco*"}}},
						Handle: []handle{{Handler: "reverse_proxy", Upstreams: []upstream{{Dial: "unix//run/disco/daemon.sock"}}}},
					},
					{
						Handle: []handle{upstreamHandle(handlerID(name), upstreamPointer)},
					},
				},
			},
		},
	}
	return d.upsertRoute(ctx, r.ID, r)
}

func (d *Driver) RemoveProjectRoute(ctx context.Context, name string) error {
	return d.delete(ctx, "/id/"+routeID(name))
}

// Upstream is either a container web service (PointToContainer) or a
// static-site docroot (PointToStatic).
type Upstream struct {
	ServiceDial string // "<service>:<port>", empty when static
	StaticRoot  string // "/disco/srv/<name>/<number>", empty when container
}

func (d *Driver) PointToContainer(ctx context.Context, name, service string, port int) error {
	return d.patchHandler(ctx, name, Upstream{ServiceDial: fmt.Sprintf("%s:%d", service, port)})
}

func (d *Driver) PointToStatic(ctx context.Context, name string, deploymentNumber int) error {
	root := fmt.Sprintf("/disco/srv/%s/%d", name, deploymentNumber)
	return d.patchHandler(ctx, name, Upstream{StaticRoot: root})
}

// patchHandler swaps the fallback handler in place. The PATCH body is
// shape-identical to the handler object stored by UpsertProjectRoute, id
// included, so the proxy replaces the node rather than merging fields
// into a different shape.
func (d *Driver) patchHandler(ctx context.Context, name string, up Upstream) error {
	id := handlerID(name)
	return d.patch(ctx, "/id/"+id, upstreamHandle(id, up))
}

func upstreamHandle(id string, up Upstream) handle {
	if up.StaticRoot != "" {
		return handle{ID: id, Handler: "file_server", Root: up.StaticRoot}
	}
	return handle{ID: id, Handler: "reverse_proxy", Upstreams: []upstream{{Dial: up.ServiceDial}}}
}

// AddApexWWWRedirect / RemoveApexWWWRedirect maintain the apex/www rule:
// at most one of {X, www.X} has a redirect route, re-evaluated on every
// domain add/remove by the Reconciler.
func (d *Driver) AddApexWWWRedirect(ctx context.Context, ownerDomainID, from, to string) error {
	r := route{
		ID:    redirectID(ownerDomainID),
		Match: []match{{Host: []string{from}}},
		Handle: []handle{{
			Handler:    "static_response",
			StatusCode: 308,
			Headers:    map[string][]string{"Location": {"https://" + to + "{http.request.uri}"}},
		}},
	}
	return d.upsertRoute(ctx, r.ID, r)
}

// RemoveApexWWWRedirect is best-effort: the reconciler clears both
// directions before publishing one, so the id routinely does not exist
// and an unknown-id response is success, not an error.
func (d *Driver) RemoveApexWWWRedirect(ctx context.Context, ownerDomainID string) error {
	_, err := d.doStatus(ctx, http.MethodDelete, "/id/"+redirectID(ownerDomainID), nil)
	return err
}

func routeID(name string) string   { return "disco-project-" + name }
func handlerID(name string) string { return "disco-project-handler-" + name }
func redirectID(id string) string  { return "disco-redirect-" + id }

// upsertRoute PUTs to the id when the proxy already knows it, and inserts
// at the structural routes path otherwise.
func (d *Driver) upsertRoute(ctx context.Context, id string, body any) error {
	status, err := d.doStatus(ctx, http.MethodPut, "/id/"+id, body)
	if err != nil {
		return err
	}
	if status < 300 {
		return nil
	}
	return d.put(ctx, routesPath, body)
}

func (d *Driver) put(ctx context.Context, path string, body any) error {
	return d.do(ctx, http.MethodPut, path, body)
}

func (d *Driver) patch(ctx context.Context, path string, body any) error {
	return d.do(ctx, http.MethodPatch, path, body)
}

func (d *Driver) delete(ctx context.Context, path string) error {
	return d.do(ctx, http.MethodDelete, path, nil)
}

func (d *Driver) do(ctx context.Context, method, path string, body any) error {
	status, err := d.doStatus(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status >= 300 {
		return disco.ProxyError(fmt.Sprintf("proxy admin api returned %d for %s %s", status, method, path), nil)
	}
	return nil
}

func (d *Driver) doStatus(ctx context.Context, method, path string, body any) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, disco.ProxyError("encoding request", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://caddy"+path, reader)
	if err != nil {
		return 0, disco.ProxyError("building request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, disco.ProxyError("calling proxy admin api", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
