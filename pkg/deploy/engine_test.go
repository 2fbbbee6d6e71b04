package deploy

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discodeploy/disco/pkg/containers"
	"github.com/discodeploy/disco/pkg/disco"
	"github.com/discodeploy/disco/pkg/kv"
	"github.com/discodeploy/disco/pkg/proxy"
	"github.com/discodeploy/disco/pkg/secrets"
	"github.com/discodeploy/disco/pkg/store"
	"github.com/discodeploy/disco/pkg/streams"
)

// fakeDriver records every mutation the pipeline makes, standing in for
// the container engine.
type fakeDriver struct {
	mu       sync.Mutex
	services map[string]containers.ServiceSpec
	networks map[string]bool

	failCreateService bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{services: map[string]containers.ServiceSpec{}, networks: map[string]bool{}}
}

func (f *fakeDriver) Build(ctx context.Context, image, contextDir, dockerfile string, logSink io.Writer) error {
	return nil
}
func (f *fakeDriver) Push(ctx context.Context, image string, logSink io.Writer) error { return nil }

func (f *fakeDriver) CreateService(ctx context.Context, spec containers.ServiceSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateService {
		return disco.ContainerError("creating service "+spec.Name, nil)
	}
	f.services[spec.Name] = spec
	return nil
}

func (f *fakeDriver) UpdateService(ctx context.Context, spec containers.ServiceSpec) error {
	return f.CreateService(ctx, spec)
}

func (f *fakeDriver) RemoveService(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.services, name)
	return nil
}

func (f *fakeDriver) Scale(ctx context.Context, replicas map[string]uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, n := range replicas {
		spec, ok := f.services[name]
		if !ok {
			return disco.ContainerError("no such service "+name, nil)
		}
		spec.Replicas = n
		f.services[name] = spec
	}
	return nil
}

func (f *fakeDriver) ListServices(ctx context.Context, labelFilters map[string]string) ([]containers.ServiceSummary, error) {
	return nil, nil
}

func (f *fakeDriver) RunEphemeral(ctx context.Context, spec containers.EphemeralSpec, stdin io.Reader, stdout, stderr io.Writer, timeout time.Duration) (int, error) {
	return 0, nil
}
func (f *fakeDriver) CreateDetached(ctx context.Context, spec containers.EphemeralSpec) (string, error) {
	return "cid", nil
}
func (f *fakeDriver) StartContainer(ctx context.Context, containerID string) error { return nil }
func (f *fakeDriver) StartAttached(ctx context.Context, containerID string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	return 0, nil
}
func (f *fakeDriver) Exec(ctx context.Context, containerID string, argv []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	return 0, nil
}
func (f *fakeDriver) StartExec(ctx context.Context, containerID string, argv []string, tty bool, stdin io.Reader, output io.Writer) (containers.ExecSession, error) {
	return nil, disco.ContainerError("not supported", nil)
}
func (f *fakeDriver) RemoveContainer(ctx context.Context, nameOrID string, force bool) error {
	return nil
}
func (f *fakeDriver) ListContainers(ctx context.Context, labelFilters map[string]string) ([]containers.ContainerSummary, error) {
	return nil, nil
}

func (f *fakeDriver) CreateNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = true
	return nil
}

func (f *fakeDriver) RemoveNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.networks, name)
	return nil
}

func (f *fakeDriver) AttachToNetwork(ctx context.Context, containerID, network string) error {
	return nil
}
func (f *fakeDriver) DetachFromNetwork(ctx context.Context, containerID, network string) error {
	return nil
}
func (f *fakeDriver) ListVolumes(ctx context.Context, labelFilters map[string]string) ([]string, error) {
	return nil, nil
}
func (f *fakeDriver) PruneImages(ctx context.Context) error  { return nil }
func (f *fakeDriver) PruneBuilder(ctx context.Context) error { return nil }
func (f *fakeDriver) SwarmActive(ctx context.Context) (bool, error) {
	return true, nil
}
func (f *fakeDriver) Close() error { return nil }

func (f *fakeDriver) service(name string) (containers.ServiceSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.services[name]
	return spec, ok
}

func (f *fakeDriver) hasNetwork(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.networks[name]
}

// proxyStub serves the admin API over a unix socket and records the paths
// hit, so cutover calls can be asserted against.
type proxyStub struct {
	mu    sync.Mutex
	paths []string
}

func newProxyStub(t *testing.T) (*proxy.Driver, *proxyStub) {
	t.Helper()
	stub := &proxyStub{}
	socketPath := filepath.Join(t.TempDir(), "caddy.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.paths = append(stub.paths, r.Method+" "+r.URL.Path)
		stub.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})}
	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })
	return proxy.NewDriver(socketPath), stub
}

func (s *proxyStub) sawPath(want string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.paths {
		if p == want {
			return true
		}
	}
	return false
}

func testEngine(t *testing.T) (*Engine, *fakeDriver, *proxyStub, *store.DB) {
	t.Helper()
	logger := logrus.NewEntry(logrus.New())
	db, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite3"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(keyPath, key, 0o600))

	driver := newFakeDriver()
	proxyDriver, stub := newProxyStub(t)
	dataDir := t.TempDir()

	engine := &Engine{
		DB:             db,
		Driver:         driver,
		Proxy:          proxyDriver,
		Keys:           secrets.NewKeyring(keyPath),
		KV:             kv.New(db),
		Output:         streams.NewOutputStore(dataDir, logger),
		Log:            logger,
		ProjectsDir:    filepath.Join(dataDir, "projects"),
		DataDir:        dataDir,
		CaddyContainer: "disco-caddy",
	}
	return engine, driver, stub, db
}

const webManifest = `{"version":"1.0","services":{"web":{"type":"container","port":8000}}}`

func deployOnce(t *testing.T, engine *Engine, db *store.DB, project *store.Project, manifestJSON string) *store.Deployment {
	t.Helper()
	ctx := context.Background()
	dep, err := engine.StartDeployment(ctx, project, "", []byte(manifestJSON), "")
	require.NoError(t, err)
	require.NoError(t, engine.ProcessDeployment(ctx, dep.ID))
	got, err := db.GetDeployment(ctx, dep.ID)
	require.NoError(t, err)
	return got
}

func TestFirstDeploymentRollsOutWebService(t *testing.T) {
	engine, driver, stub, db := testEngine(t)
	ctx := context.Background()
	project, err := db.CreateProject(ctx, "api", "")
	require.NoError(t, err)
	_, err = db.AddProjectDomain(ctx, project.ID, "api.example.com")
	require.NoError(t, err)

	dep := deployOnce(t, engine, db, project, webManifest)
	assert.Equal(t, store.DeploymentComplete, dep.Status)
	assert.Equal(t, 1, dep.Number)

	spec, ok := driver.service("api-web.1")
	require.True(t, ok)
	assert.Equal(t, "disco/project-api-default:1", spec.Image)
	assert.Contains(t, spec.Networks, "api-network-1")
	assert.Contains(t, spec.Networks, "api-caddy-1")
	assert.Equal(t, "api", spec.Env["DISCO_PROJECT_NAME"])
	assert.Equal(t, "1", spec.Env["DISCO_DEPLOYMENT_NUMBER"])

	assert.True(t, driver.hasNetwork("api-network-1"))
	assert.True(t, stub.sawPath("PATCH /id/disco-project-handler-api"))
}

func TestSecondDeploymentRetiresPredecessor(t *testing.T) {
	engine, driver, _, db := testEngine(t)
	ctx := context.Background()
	project, _ := db.CreateProject(ctx, "api", "")
	db.AddProjectDomain(ctx, project.ID, "api.example.com")

	deployOnce(t, engine, db, project, webManifest)
	dep2 := deployOnce(t, engine, db, project, webManifest)

	assert.Equal(t, store.DeploymentComplete, dep2.Status)
	assert.Equal(t, 2, dep2.Number)

	_, oldExists := driver.service("api-web.1")
	assert.False(t, oldExists)
	_, newExists := driver.service("api-web.2")
	assert.True(t, newExists)
	assert.False(t, driver.hasNetwork("api-network-1"))
	assert.True(t, driver.hasNetwork("api-network-2"))
}

func TestFailedRolloutRollsBackToPredecessor(t *testing.T) {
	engine, driver, _, db := testEngine(t)
	ctx := context.Background()
	project, _ := db.CreateProject(ctx, "api", "")
	db.AddProjectDomain(ctx, project.ID, "api.example.com")

	deployOnce(t, engine, db, project, webManifest)

	driver.mu.Lock()
	driver.failCreateService = true
	driver.mu.Unlock()

	dep2, err := engine.StartDeployment(ctx, project, "", []byte(webManifest), "")
	require.NoError(t, err)
	assert.Error(t, engine.ProcessDeployment(ctx, dep2.ID))

	got, _ := db.GetDeployment(ctx, dep2.ID)
	assert.Equal(t, store.DeploymentFailed, got.Status)

	// deployment 1 is still the live one
	live, err := db.LatestComplete(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, live.Number)
}

func TestEnvVarChangeTriggersRedeployWithDecryptedValues(t *testing.T) {
	engine, driver, _, db := testEngine(t)
	ctx := context.Background()
	project, _ := db.CreateProject(ctx, "api", "")
	db.AddProjectDomain(ctx, project.ID, "api.example.com")

	deployOnce(t, engine, db, project, webManifest)

	dep, err := engine.SetEnvVariables(ctx, project, map[string]string{"FOO": "1"}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, dep.Number)
	require.NoError(t, engine.ProcessDeployment(ctx, dep.ID))

	spec, ok := driver.service("api-web.2")
	require.True(t, ok)
	assert.Equal(t, "1", spec.Env["FOO"])

	// the stored snapshot stays encrypted
	stored, err := db.GetDeploymentEnvVars(ctx, dep.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "1", stored["FOO"])
}

func TestScaleRejectsUnknownAndNonContainerServices(t *testing.T) {
	engine, driver, _, db := testEngine(t)
	ctx := context.Background()
	project, _ := db.CreateProject(ctx, "api", "")
	db.AddProjectDomain(ctx, project.ID, "api.example.com")
	deployOnce(t, engine, db, project, `{"version":"1.0","services":{"web":{"type":"container","port":8000},"nightly":{"type":"cron","schedule":"0 0 * * *"}}}`)

	assert.True(t, disco.Is(engine.Scale(ctx, project, map[string]uint64{"nope": 2}), disco.KindNotFound))
	assert.True(t, disco.Is(engine.Scale(ctx, project, map[string]uint64{"nightly": 2}), disco.KindInvalidArgument))

	require.NoError(t, engine.Scale(ctx, project, map[string]uint64{"web": 3}))
	spec, _ := driver.service("api-web.1")
	assert.Equal(t, uint64(3), spec.Replicas)
}

func TestStaticDeploymentPointsProxyAtDocroot(t *testing.T) {
	engine, _, stub, db := testEngine(t)
	ctx := context.Background()
	project, _ := db.CreateProject(ctx, "blog", "")
	db.AddProjectDomain(ctx, project.ID, "blog.example.com")

	dep := deployOnce(t, engine, db, project,
		`{"version":"1.0","services":{"web":{"type":"static","publicPath":"dist"}}}`)
	assert.Equal(t, store.DeploymentComplete, dep.Status)
	assert.True(t, stub.sawPath("PATCH /id/disco-project-handler-blog"))
}
