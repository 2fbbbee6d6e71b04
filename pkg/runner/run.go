package runner

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/discodeploy/disco/pkg/containers"
	"github.com/discodeploy/disco/pkg/disco"
	"github.com/discodeploy/disco/pkg/manifest"
	"github.com/discodeploy/disco/pkg/store"
	"github.com/discodeploy/disco/pkg/streams"
)

const runTTL = time.Hour

type Runner struct {
	db     *store.DB
	driver containers.Driver
	output *streams.OutputStore
	log    *logrus.Entry
}

func New(db *store.DB, driver containers.Driver, output *streams.OutputStore, log *logrus.Entry) *Runner {
	return &Runner{db: db, driver: driver, output: output, log: log}
}

// CommandRunSpec is the resolved execution context of a command run:
// the live deployment's image, env, and networks, plus caller options.
type CommandRunSpec struct {
	Service     string
	Command     string
	Image       string
	Env         map[string]string
	Networks    []string
	Timeout     time.Duration
	Interactive bool
	APIKey      string // set only when the caller opts into DISCO_API_KEY
	DiscoIP     string
}

// Starter launches a previously created command run. For interactive runs
// it only creates the container, so a websocket endpoint can later start
// it attached; for plain runs it creates, starts, and streams output to
// the run's source stream until the process exits.
type Starter func(ctx context.Context) error

// CreateCommandRun validates the target service against the deployment's
// manifest, allocates the run row, and returns it with a starter closure
// the caller invokes when ready.
func (r *Runner) CreateCommandRun(ctx context.Context, project *store.Project, dep *store.Deployment, spec CommandRunSpec, apiKeyID string) (*store.CommandRun, Starter, error) {
	m, err := manifest.ParseOrDefault([]byte(dep.DiscoFile))
	if err != nil {
		return nil, nil, err
	}
	svc, ok := m.Services[spec.Service]
	if !ok {
		return nil, nil, disco.NotFound("no such service: " + spec.Service)
	}
	if svc.Type == manifest.ServiceStatic {
		return nil, nil, disco.InvalidArgument("cannot run commands against a static service")
	}

	run, err := r.db.CreateCommandRun(ctx, project.ID, spec.Service, spec.Command, dep.ID, apiKeyID)
	if err != nil {
		return nil, nil, err
	}

	name := containers.RunContainerName(project.Name, run.Number)
	env := map[string]string{}
	for k, v := range spec.Env {
		env[k] = v
	}
	for k, v := range containers.InjectedEnv(project.Name, spec.Service, "", dep.Number) {
		env[k] = v
	}
	if spec.DiscoIP != "" {
		env["DISCO_IP"] = spec.DiscoIP
	}
	if spec.APIKey != "" {
		env["DISCO_API_KEY"] = spec.APIKey
	}

	ephemeral := containers.EphemeralSpec{
		Name:     name,
		Image:    spec.Image,
		Command:  []string{"/bin/sh", "-c", spec.Command},
		Env:      env,
		Networks: spec.Networks,
		Labels:   containers.BaseLabels(project.Name, spec.Service, dep.Number),
		TTY:      spec.Interactive,
	}

	starter := func(startCtx context.Context) error {
		return r.start(startCtx, run, ephemeral, spec)
	}
	return run, starter, nil
}

func (r *Runner) start(ctx context.Context, run *store.CommandRun, ephemeral containers.EphemeralSpec, spec CommandRunSpec) error {
	if spec.Interactive {
		// The websocket endpoint starts the container attached later; the
		// TTL label lets the hourly sweep reap it if the client never does.
		_, err := SpawnWithTTL(ctx, r.driver, ephemeral, "run", runTTL)
		if err != nil {
			return err
		}
		return r.db.SetCommandRunStatus(ctx, run.ID, store.CommandRunCreated)
	}

	r.db.SetCommandRunStatus(ctx, run.ID, store.CommandRunRunning)
	source := streams.RunSource(run.ID)
	logWriter := &runLogWriter{output: r.output, ctx: ctx, source: source}

	for k, v := range containers.EphemeralLabels("run", time.Now().Add(runTTL).Unix()) {
		ephemeral.Labels[k] = v
	}
	exitCode, err := r.driver.RunEphemeral(ctx, ephemeral, nil, logWriter, logWriter, spec.Timeout)
	r.output.Terminate(ctx, source)
	if err != nil {
		r.log.WithError(err).WithField("run", run.ID).Warn("command run failed")
		return r.db.SetCommandRunStatus(ctx, run.ID, store.CommandRunFailed)
	}
	if exitCode == 0 {
		return r.db.SetCommandRunStatus(ctx, run.ID, store.CommandRunDone)
	}
	return r.db.SetCommandRunStatus(ctx, run.ID, store.CommandRunFailed)
}

// AttachCommandRun starts an interactive run's container attached,
// bridging the caller's streams to it, and records the terminal status.
func (r *Runner) AttachCommandRun(ctx context.Context, project *store.Project, run *store.CommandRun, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	name := containers.RunContainerName(project.Name, run.Number)
	r.db.SetCommandRunStatus(ctx, run.ID, store.CommandRunRunning)
	exitCode, err := r.driver.StartAttached(ctx, name, stdin, stdout, stderr)
	if err != nil {
		r.db.SetCommandRunStatus(ctx, run.ID, store.CommandRunFailed)
		return exitCode, err
	}
	if exitCode == 0 {
		r.db.SetCommandRunStatus(ctx, run.ID, store.CommandRunDone)
	} else {
		r.db.SetCommandRunStatus(ctx, run.ID, store.CommandRunFailed)
	}
	return exitCode, nil
}

type runLogWriter struct {
	output *streams.OutputStore
	ctx    context.Context
	source string
}

func (w *runLogWriter) Write(b []byte) (int, error) {
	w.output.Append(w.ctx, w.source, string(b))
	return len(b), nil
}

var _ io.Writer = (*runLogWriter)(nil)
