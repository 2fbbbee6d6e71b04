// Package deploy is the deployment orchestration engine, the heart of the
// daemon: it resolves the manifest, builds images, prepares networks,
// rolls services, reprograms the proxy, and retires the predecessor,
// preserving a recovery-mode log-and-continue pattern at every step.
package deploy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/discodeploy/disco/pkg/containers"
	"github.com/discodeploy/disco/pkg/disco"
	"github.com/discodeploy/disco/pkg/git"
	"github.com/discodeploy/disco/pkg/kv"
	"github.com/discodeploy/disco/pkg/manifest"
	"github.com/discodeploy/disco/pkg/proxy"
	"github.com/discodeploy/disco/pkg/secrets"
	"github.com/discodeploy/disco/pkg/store"
	"github.com/discodeploy/disco/pkg/streams"
)

type Engine struct {
	DB     *store.DB
	Driver containers.Driver
	Proxy  *proxy.Driver
	Keys   *secrets.Keyring
	KV     *kv.Store
	Output *streams.OutputStore
	Log    *logrus.Entry

	ProjectsDir string
	DataDir     string

	// CaddyContainer is the reverse-proxy container attached to each
	// deployment's caddy network so the cutover upstream is reachable.
	CaddyContainer string

	// CronReload is called after a successful rollout so the scheduler can
	// reconcile its project crons; wired by app.NewRuntime at startup to
	// avoid an import cycle between deploy and scheduler.
	CronReload func(prevProjectName, projectName string, newNumber int, manifest *manifest.Manifest, env map[string]string)

	// CronPause suppresses project cron firings during the rollout's
	// critical window; wired alongside CronReload.
	CronPause func(projectName string)
}

// StartDeployment allocates the next deployment number, writes it QUEUED
// with a snapshot of the project's encrypted env vars, enqueues the
// processing task, and returns without waiting for rollout.
func (e *Engine) StartDeployment(ctx context.Context, project *store.Project, commit string, manifestBytes []byte, byAPIKeyID string) (*store.Deployment, error) {
	registryHost, _ := e.KV.Get(ctx, kv.KeyRegistry)
	dep, err := e.DB.CreateDeployment(ctx, project.ID, project.Name, registryHost, commit, string(manifestBytes), byAPIKeyID)
	if err != nil {
		return nil, err
	}
	envVars, err := e.DB.ListProjectEnvVars(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	if len(envVars) > 0 {
		if err := e.DB.SetDeploymentEnvVars(ctx, dep.ID, envVars); err != nil {
			return nil, err
		}
	}
	body, _ := json.Marshal(map[string]string{"deploymentId": dep.ID})
	task, err := e.DB.Enqueue(ctx, "PROCESS_DEPLOYMENT", string(body))
	if err != nil {
		return nil, err
	}
	if err := e.DB.SetTaskID(ctx, dep.ID, task.ID); err != nil {
		return nil, err
	}
	return dep, nil
}

// Scale looks up the live deployment, rejects unknown or non-container
// services, and applies the replica counts with fully-qualified service
// names.
func (e *Engine) Scale(ctx context.Context, project *store.Project, replicas map[string]uint64) error {
	dep, err := e.DB.LatestComplete(ctx, project.ID)
	if err != nil {
		return err
	}
	if dep == nil {
		return disco.InvalidArgument("must deploy first")
	}
	m, err := manifest.ParseOrDefault([]byte(dep.DiscoFile))
	if err != nil {
		return err
	}
	qualified := make(map[string]uint64, len(replicas))
	for name, n := range replicas {
		svc, ok := m.Services[name]
		if !ok {
			return disco.NotFound("no such service: " + name)
		}
		if svc.Type != manifest.ServiceContainer {
			return disco.InvalidArgument("service is not scalable: " + name)
		}
		qualified[containers.ServiceName(project.Name, name, dep.Number)] = n
	}
	return e.Driver.Scale(ctx, qualified)
}

// SetEnvVariables upserts encrypted values and triggers a new deployment
// with the same commit and captured manifest as the current live one;
// there is no in-place env update.
func (e *Engine) SetEnvVariables(ctx context.Context, project *store.Project, pairs map[string]string, byAPIKeyID string) (*store.Deployment, error) {
	for name, value := range pairs {
		encrypted, err := e.Keys.Encrypt(value)
		if err != nil {
			return nil, err
		}
		if err := e.DB.SetProjectEnvVar(ctx, project.ID, name, encrypted); err != nil {
			return nil, err
		}
	}
	live, err := e.DB.LatestComplete(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	if live == nil {
		return nil, disco.InvalidArgument("must deploy first")
	}
	return e.StartDeployment(ctx, project, live.CommitHash, []byte(live.DiscoFile), byAPIKeyID)
}

// CurrentUpstream resolves what the project's proxy route should point at
// right now: the live deployment's web service or static docroot, or the
// zero Upstream when nothing is live yet. Domain add/remove uses it to
// build the full route object.
func (e *Engine) CurrentUpstream(ctx context.Context, project *store.Project) (proxy.Upstream, error) {
	live, err := e.DB.LatestComplete(ctx, project.ID)
	if err != nil || live == nil {
		return proxy.Upstream{}, err
	}
	m, err := manifest.ParseOrDefault([]byte(live.DiscoFile))
	if err != nil {
		return proxy.Upstream{}, err
	}
	web, ok := webService(m)
	if !ok {
		return proxy.Upstream{}, nil
	}
	if web.svc.Type == manifest.ServiceStatic {
		return proxy.Upstream{StaticRoot: fmt.Sprintf("/disco/srv/%s/%d", project.Name, live.Number)}, nil
	}
	return proxy.Upstream{
		ServiceDial: fmt.Sprintf("%s:%d", containers.ServiceName(project.Name, web.name, live.Number), web.svc.Port),
	}, nil
}

// pipeline carries the mutable state threaded through every step.
type pipeline struct {
	e         *Engine
	ctx       context.Context
	recovery  bool
	new       *store.Deployment // the deployment being rolled in
	prev      *store.Deployment // the deployment being retired (nil if none)
	project   *store.Project
	manifest  *manifest.Manifest
	repo      *git.Repo
	outputSrc string
}

// ProcessDeployment is the sole entry into the pipeline, invoked by the
// PROCESS_DEPLOYMENT task handler.
func (e *Engine) ProcessDeployment(ctx context.Context, deploymentID string) error {
	dep, err := e.DB.GetDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	project, err := e.DB.GetProject(ctx, dep.ProjectID)
	if err != nil {
		return err
	}

	p := &pipeline{e: e, ctx: ctx, new: dep, project: project, outputSrc: streams.DeploymentSource(dep.ID)}
	return p.run()
}

func (p *pipeline) log(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	p.e.Log.Info(line)
	p.e.Output.Append(p.ctx, p.outputSrc, line)
}

func (p *pipeline) run() error {
	if err := p.step1TransitionInProgress(); err != nil {
		return err
	}
	if p.e.CronPause != nil {
		p.e.CronPause(p.project.Name)
	}

	predecessor, err := p.e.DB.LatestComplete(p.ctx, p.project.ID)
	if err != nil {
		return p.fail(err)
	}
	p.prev = predecessor

	steps := []func() error{
		p.step3SourceCheckout,
		p.step4ManifestLoad,
		p.step5ImageBuild,
		p.step6StaticPrep,
		p.step7NetworkCreation,
		p.step8PortConflictResolution,
		p.step9ServiceRollout,
		p.step10TrafficCutover,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return p.fail(err)
		}
	}

	if err := p.step11MarkComplete(); err != nil {
		return p.fail(err)
	}
	p.step12RetirePredecessor()

	if p.e.CronReload != nil && p.manifest != nil {
		prevName := ""
		if p.prev != nil {
			prevName = p.prev.ProjectName
		}
		env, err := p.deploymentEnv("")
		if err != nil {
			p.log("resolving cron env: %v", err)
			env = nil
		}
		p.e.CronReload(prevName, p.project.Name, p.new.Number, p.manifest, env)
	}

	p.e.Output.Terminate(p.ctx, p.outputSrc)
	return nil
}

// fail marks the deployment FAILED and runs recovery mode: re-run the
// pipeline with roles swapped (new=predecessor, prev=failed), every step
// wrapped in log-and-continue.
func (p *pipeline) fail(cause error) error {
	p.log("deployment failed: %v", cause)
	p.e.DB.TransitionStatus(p.ctx, p.new.ID, store.DeploymentFailed)
	p.e.Output.Terminate(p.ctx, p.outputSrc)

	if p.recovery || p.prev == nil {
		// recovery mode itself failed, or there is nothing to roll back to:
		// nothing further to do.
		return cause
	}

	recoveryPipeline := &pipeline{
		e: p.e, ctx: p.ctx, recovery: true,
		new: p.prev, prev: p.new, project: p.project,
		outputSrc: streams.DeploymentSource(p.prev.ID),
	}
	recoveryPipeline.runRecovery()
	return cause
}

// runRecovery is the best-effort rollback: every step logs and continues
// on error instead of aborting, so a partial rollback never aborts the
// rollback.
func (p *pipeline) runRecovery() {
	steps := []func() error{
		p.step4ManifestLoad,
		p.step7NetworkCreation,
		p.step8PortConflictResolution,
		p.step9ServiceRollout,
		p.step10TrafficCutover,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			p.log("recovery step failed, continuing: %v", err)
		}
	}
	p.step12RetirePredecessor()
	p.e.Output.Terminate(p.ctx, p.outputSrc)
}
