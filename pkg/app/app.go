// Package app wires every narrow adapter into one Runtime, constructed
// once at process startup to hold the daemon's and worker's shared set
// of stores, drivers, and background engines.
package app

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/discodeploy/disco/pkg/authn"
	"github.com/discodeploy/disco/pkg/config"
	"github.com/discodeploy/disco/pkg/containers"
	"github.com/discodeploy/disco/pkg/deploy"
	"github.com/discodeploy/disco/pkg/disco"
	"github.com/discodeploy/disco/pkg/kv"
	"github.com/discodeploy/disco/pkg/log"
	"github.com/discodeploy/disco/pkg/manifest"
	"github.com/discodeploy/disco/pkg/proxy"
	"github.com/discodeploy/disco/pkg/queue"
	"github.com/discodeploy/disco/pkg/runner"
	"github.com/discodeploy/disco/pkg/scheduler"
	"github.com/discodeploy/disco/pkg/secrets"
	"github.com/discodeploy/disco/pkg/store"
	"github.com/discodeploy/disco/pkg/streams"
	"github.com/discodeploy/disco/pkg/webhook"
)

// Runtime is the dependency-injection root shared by cmd/discod and
// cmd/disco-worker: both bootstrap the same set of components, and differ
// only in which goroutines they start against it afterwards.
type Runtime struct {
	closers []io.Closer

	Config *config.AppConfig
	Log    *logrus.Entry

	DB      *store.DB
	KV      *kv.Store
	Keys    *secrets.Keyring
	Driver  containers.Driver
	Proxy   *proxy.Driver
	Queue   *queue.Consumer
	Auth    *authn.Authenticator
	Webhook *webhook.Handler
	Output  *streams.OutputStore
	Logs    *streams.LogsHub
	Tunnels *streams.TunnelsHub
	Syslogs *streams.SyslogsHub
	Domains *proxy.Reconciler
	Deploy  *deploy.Engine
	Sched   *scheduler.Scheduler
	Runner  *runner.Runner
}

// NewRuntime constructs every component, in the dependency order the
// narrow adapters require: store first, then the adapters that read it,
// then the engine and scheduler that call those adapters.
func NewRuntime(cfg *config.AppConfig) (*Runtime, error) {
	rt := &Runtime{Config: cfg}
	rt.Log = log.NewLogger(cfg, "disco")

	db, err := store.Open(cfg.DBPath, rt.Log)
	if err != nil {
		return nil, err
	}
	rt.DB = db
	rt.closers = append(rt.closers, closerFunc(db.Close))

	rt.KV = kv.New(db)
	rt.Keys = secrets.NewKeyring(cfg.EncryptionKeyPath)
	rt.Auth = authn.New(db)
	rt.Webhook = webhook.NewHandler(db, rt.Log)
	rt.Output = streams.NewOutputStore(cfg.DataDir, rt.Log)
	rt.Logs = streams.NewLogsHub(rt.Log)
	rt.Tunnels = streams.NewTunnelsHub(rt.Log)

	driver, err := containers.NewDockerDriver(cfg.DockerHost, rt.Log)
	if err != nil {
		return nil, err
	}
	rt.Driver = driver
	rt.closers = append(rt.closers, closerFunc(driver.Close))

	rt.Proxy = proxy.NewDriver(cfg.CaddySocketPath)
	rt.Sched = scheduler.New(rt.Driver, rt.Output, rt.Log)
	rt.Runner = runner.New(rt.DB, rt.Driver, rt.Output, rt.Log)
	rt.Syslogs = streams.NewSyslogsHub(rt.DB, rt.Driver, rt.Log)
	rt.Domains = proxy.NewReconciler(rt.Proxy, domainLookup{rt.DB})

	rt.Deploy = &deploy.Engine{
		DB:             rt.DB,
		Driver:         rt.Driver,
		Proxy:          rt.Proxy,
		Keys:           rt.Keys,
		KV:             rt.KV,
		Output:         rt.Output,
		Log:            rt.Log,
		ProjectsDir:    filepath.Join(cfg.DataDir, "..", "projects"),
		DataDir:        cfg.DataDir,
		CaddyContainer: cfg.CaddyContainer,
	}
	rt.Deploy.CronReload = func(prev, project string, number int, m *manifest.Manifest, env map[string]string) {
		rt.Sched.ReloadAndResumeProjectCrons(prev, project, number, m, env)
	}
	rt.Deploy.CronPause = rt.Sched.PauseProjectCrons

	rt.KV.Subscribe(func(key, _ string) {
		if key == kv.KeySyslogURLs {
			if err := rt.Syslogs.Reconcile(context.Background()); err != nil {
				rt.Log.WithError(err).Warn("reconciling log forwarder")
			}
		}
	})

	rt.Queue = queue.NewConsumer(rt.DB, rt.Log, time.Duration(cfg.WorkerPollIntervalMS)*time.Millisecond)
	rt.Queue.Register("PROCESS_DEPLOYMENT", rt.handleProcessDeployment)
	rt.Queue.Register("PROCESS_GITHUB_WEBHOOK", rt.handleProcessGithubWebhook)

	return rt, nil
}

type deploymentTaskBody struct {
	DeploymentID string `json:"deploymentId"`
}

func (rt *Runtime) handleProcessDeployment(ctx context.Context, body string) (string, error) {
	var payload deploymentTaskBody
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return "", disco.InvalidArgument("malformed PROCESS_DEPLOYMENT task body")
	}
	if err := rt.Deploy.ProcessDeployment(ctx, payload.DeploymentID); err != nil {
		return "", err
	}
	return "ok", nil
}

type githubWebhookTaskBody struct {
	RepoFullName string `json:"repoFullName"`
	Commit       string `json:"commit"`
}

// handleProcessGithubWebhook resolves the repo-bound project and starts a
// deployment at the commit the push webhook named, the async half of
// webhook.Handler's push handling.
func (rt *Runtime) handleProcessGithubWebhook(ctx context.Context, body string) (string, error) {
	var payload githubWebhookTaskBody
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return "", disco.InvalidArgument("malformed PROCESS_GITHUB_WEBHOOK task body")
	}
	project, err := rt.projectForRepo(ctx, payload.RepoFullName)
	if err != nil {
		return "", err
	}
	if project == nil {
		rt.Log.WithField("repo", payload.RepoFullName).Info("no project bound to repo, ignoring webhook")
		return "ignored", nil
	}
	dep, err := rt.Deploy.StartDeployment(ctx, project, payload.Commit, nil, "")
	if err != nil {
		return "", err
	}
	return dep.ID, nil
}

func (rt *Runtime) projectForRepo(ctx context.Context, fullName string) (*store.Project, error) {
	return rt.DB.GetProjectBySourceRepo(ctx, fullName)
}

// LoadProjectCrons seeds the scheduler's registry from every project's
// live deployment, so a restarted process picks its cron schedules back
// up without waiting for the next deploy.
func (rt *Runtime) LoadProjectCrons(ctx context.Context) error {
	projects, err := rt.DB.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, project := range projects {
		live, err := rt.DB.LatestComplete(ctx, project.ID)
		if err != nil {
			return err
		}
		if live == nil {
			continue
		}
		m, err := manifest.ParseOrDefault([]byte(live.DiscoFile))
		if err != nil {
			rt.Log.WithError(err).WithField("project", project.Name).Warn("skipping crons for unparseable manifest")
			continue
		}
		env, err := rt.decryptedDeploymentEnv(ctx, live.ID)
		if err != nil {
			return err
		}
		rt.Sched.ReloadAndResumeProjectCrons("", project.Name, live.Number, m, env)
	}
	return nil
}

func (rt *Runtime) decryptedDeploymentEnv(ctx context.Context, deploymentID string) (map[string]string, error) {
	encrypted, err := rt.DB.GetDeploymentEnvVars(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(encrypted))
	for name, value := range encrypted {
		plain, err := rt.Keys.Decrypt(value)
		if err != nil {
			return nil, err
		}
		env[name] = plain
	}
	return env, nil
}

// Close releases every resource NewRuntime opened, in reverse order.
func (rt *Runtime) Close() error {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			return err
		}
	}
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// domainLookup adapts the store to the proxy reconciler's ownership query.
type domainLookup struct {
	db *store.DB
}

func (l domainLookup) OwnerDomainID(ctx context.Context, domain string) (string, bool, error) {
	d, err := l.db.GetProjectDomainByName(ctx, domain)
	if err != nil {
		if disco.Is(err, disco.KindNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return d.ID, true, nil
}
