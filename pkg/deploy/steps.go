package deploy

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/discodeploy/disco/pkg/containers"
	"github.com/discodeploy/disco/pkg/disco"
	"github.com/discodeploy/disco/pkg/git"
	"github.com/discodeploy/disco/pkg/kv"
	"github.com/discodeploy/disco/pkg/manifest"
	"github.com/discodeploy/disco/pkg/store"
)

// step1TransitionInProgress flips QUEUED to IN_PROGRESS and emits the
// opening line of the deployment's output stream.
func (p *pipeline) step1TransitionInProgress() error {
	p.log("deployment %s #%d starting", p.project.Name, p.new.Number)
	return p.e.DB.TransitionStatus(p.ctx, p.new.ID, store.DeploymentInProgress)
}

// step3SourceCheckout resolves _DEPLOY_LATEST_ against the project's bound
// branch, checks the commit out, and pins the resolved sha back onto the
// (still-QUEUED... now IN_PROGRESS) row.
func (p *pipeline) step3SourceCheckout() error {
	binding, err := p.e.DB.GetSourceRepoBinding(p.ctx, p.project.ID)
	if err != nil {
		return err
	}
	if binding == nil {
		// deploy-by-manifest with no bound repo: nothing to check out.
		return nil
	}

	repo, err := git.Open(p.e.ProjectsDir, p.project.Name, binding.FullName, p.e.Log)
	if err != nil {
		return err
	}
	p.repo = repo

	if err := repo.Fetch(p.ctx); err != nil {
		return err
	}
	sha, err := repo.ResolveCommit(p.ctx, p.new.CommitHash, binding.Branch)
	if err != nil {
		return err
	}
	if err := p.e.DB.SetResolvedCommit(p.ctx, p.new.ID, sha); err != nil {
		return err
	}
	p.new.CommitHash = sha
	return repo.Checkout(p.ctx, sha)
}

// step4ManifestLoad reads disco.json from the checked-out tree when the
// deployment didn't already carry one (an API-pushed manifest deploy), and
// falls back to the default {web: container, port 8000} shape when absent.
// In recovery the rolled-back-to deployment already has its captured
// manifest, which stays untouched: the bytes are immutable once the
// deployment leaves QUEUED.
func (p *pipeline) step4ManifestLoad() error {
	raw := []byte(p.new.DiscoFile)
	if len(raw) == 0 && p.repo != nil {
		fileBytes, err := p.repo.ReadFile("disco.json")
		if err != nil {
			return err
		}
		raw = fileBytes
	}
	m, err := manifest.ParseOrDefault(raw)
	if err != nil {
		return err
	}
	p.manifest = m
	if p.recovery {
		return nil
	}
	serialized, err := m.Serialize()
	if err != nil {
		return disco.Wrap(err)
	}
	return p.e.DB.SetManifest(p.ctx, p.new.ID, string(serialized))
}

// step5ImageBuild builds (or skips, for images.Pull entries) every image key
// referenced in the manifest, grouped implicitly by the images map itself,
// and pushes to the project's registry when one is configured.
func (p *pipeline) step5ImageBuild() error {
	if p.repo == nil {
		return nil // deploy-by-manifest with no source tree: nothing to build
	}
	for key, img := range p.manifest.Images {
		imageName := containers.ImageName(p.project.Name, key, p.new.Number)
		if img.Pull != "" {
			p.log("image %s: using pre-built tag %s", key, img.Pull)
			continue
		}
		contextDir := filepath.Join(p.repo.WorkingTreeDir(), img.Context)
		dockerfile := img.Dockerfile
		p.log("building image %s from %s", imageName, contextDir)
		logSink := &pipelineLogWriter{p: p}
		if err := p.e.Driver.Build(p.ctx, imageName, contextDir, dockerfile, logSink); err != nil {
			return err
		}
		if p.new.RegistryHost != "" {
			if err := p.e.Driver.Push(p.ctx, imageName, logSink); err != nil {
				return err
			}
		}
	}
	return nil
}

// step6StaticPrep copies the publicPath directory of every static service
// into /disco/srv/<project>/<number>, the docroot the proxy's file_server
// handler will later be pointed at. Generator services run their build
// command first, with the working tree mounted, so the publicPath exists
// before the copy.
func (p *pipeline) step6StaticPrep() error {
	if p.repo == nil {
		return nil
	}
	for name, svc := range p.manifest.Services {
		if svc.Type != manifest.ServiceStatic && svc.Type != manifest.ServiceGenerator {
			continue
		}
		if svc.Type == manifest.ServiceGenerator {
			if err := p.runGenerator(name, svc); err != nil {
				return err
			}
		}
		src := filepath.Join(p.repo.WorkingTreeDir(), svc.PublicPath)
		dst := containers.StaticSiteRoot(p.e.DataDir, p.project.Name, p.new.Number)
		p.log("copying %s service %s from %s to %s", svc.Type, name, src, dst)
		if err := copyTree(src, dst); err != nil {
			return disco.InternalError(err)
		}
	}
	return nil
}

// runGenerator runs a generator service's command in an ephemeral
// container with the checkout mounted at /project, honoring the service
// timeout.
func (p *pipeline) runGenerator(name string, svc manifest.Service) error {
	env, err := p.deploymentEnv(name)
	if err != nil {
		return err
	}
	spec := containers.EphemeralSpec{
		Name:    containers.CronContainerName(p.project.Name, name, p.new.Number),
		Image:   p.imageRef(svc.Image),
		Command: []string{"/bin/sh", "-c", svc.Command},
		Env:     env,
		Mounts: []containers.Mount{
			{Source: p.repo.WorkingTreeDir(), Target: "/project", IsBindMount: true},
		},
		Labels: containers.BaseLabels(p.project.Name, name, p.new.Number),
	}
	logSink := &pipelineLogWriter{p: p}
	p.log("running generator %s", name)
	exitCode, err := p.e.Driver.RunEphemeral(p.ctx, spec, nil, logSink, logSink, time.Duration(svc.Timeout)*time.Second)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return disco.ContainerError(fmt.Sprintf("generator %s exited %d", name, exitCode), nil)
	}
	return nil
}

// step7NetworkCreation makes the per-deployment overlay network every
// container-type service of this rollout joins, named so it never collides
// with the predecessor's network. When a web service exists, a second
// network peers the reverse-proxy container with it so the cutover
// upstream is reachable.
func (p *pipeline) step7NetworkCreation() error {
	if !p.hasContainerServices() {
		return nil
	}
	name := containers.NetworkName(p.project.Name, p.new.Number)
	p.log("creating network %s", name)
	if err := p.e.Driver.CreateNetwork(p.ctx, name); err != nil {
		return err
	}

	web, ok := webService(p.manifest)
	if !ok || web.svc.Type != manifest.ServiceContainer {
		return nil
	}
	caddyNet := containers.CaddyNetworkName(p.project.Name, p.new.Number)
	p.log("creating network %s", caddyNet)
	if err := p.e.Driver.CreateNetwork(p.ctx, caddyNet); err != nil {
		return err
	}
	return p.e.Driver.AttachToNetwork(p.ctx, p.e.CaddyContainer, caddyNet)
}

func (p *pipeline) hasContainerServices() bool {
	for _, svc := range p.manifest.Services {
		if svc.Type == manifest.ServiceContainer {
			return true
		}
	}
	return false
}

// step8PortConflictResolution stops the predecessor's services first when
// the new rollout republishes a host port the predecessor already holds:
// Swarm can't bind the same published port twice, so the old deployment
// has to vacate it before the new one can roll out.
func (p *pipeline) step8PortConflictResolution() error {
	if p.prev == nil {
		return nil
	}
	newPorts := publishedPorts(p.manifest)
	if len(newPorts) == 0 {
		return nil
	}
	prevManifest, err := manifest.ParseOrDefault([]byte(p.prev.DiscoFile))
	if err != nil {
		return err
	}
	for name, svc := range prevManifest.Services {
		if svc.Type != manifest.ServiceContainer {
			continue
		}
		conflict := false
		for _, pp := range svc.PublishedPorts {
			if newPorts[pp.PublishedAs] {
				conflict = true
				break
			}
		}
		if !conflict {
			continue
		}
		serviceName := containers.ServiceName(p.project.Name, name, p.prev.Number)
		p.log("stopping %s to free its published ports before rollout", serviceName)
		if err := p.e.Driver.RemoveService(p.ctx, serviceName); err != nil {
			return err
		}
	}
	return nil
}

func publishedPorts(m *manifest.Manifest) map[int]bool {
	out := map[int]bool{}
	for _, svc := range m.Services {
		for _, pp := range svc.PublishedPorts {
			out[pp.PublishedAs] = true
		}
	}
	return out
}

// step9ServiceRollout creates one Swarm service per container-type service;
// command/cron/cgi/generator services are spawned ephemerally on trigger by
// the scheduler and runner packages rather than kept running.
func (p *pipeline) step9ServiceRollout() error {
	for name, svc := range p.manifest.Services {
		if svc.Type != manifest.ServiceContainer {
			continue
		}
		spec, err := p.serviceSpec(name, svc)
		if err != nil {
			return err
		}
		p.log("rolling out service %s as %s", name, spec.Name)
		if err := p.e.Driver.CreateService(p.ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

func (p *pipeline) serviceSpec(name string, svc manifest.Service) (containers.ServiceSpec, error) {
	env, err := p.deploymentEnv(name)
	if err != nil {
		return containers.ServiceSpec{}, err
	}
	networks := []string{containers.NetworkName(p.project.Name, p.new.Number)}
	if web, ok := webService(p.manifest); ok && web.name == name && web.svc.Type == manifest.ServiceContainer {
		networks = append(networks, containers.CaddyNetworkName(p.project.Name, p.new.Number))
	}
	spec := containers.ServiceSpec{
		Name:          containers.ServiceName(p.project.Name, name, p.new.Number),
		Image:         p.imageRef(svc.Image),
		Env:           env,
		Replicas:      1,
		Networks:      networks,
		Labels:        containers.BaseLabels(p.project.Name, name, p.new.Number),
		RestartPolicy: "any",
	}
	if svc.Command != "" {
		spec.Command = []string{"/bin/sh", "-c", svc.Command}
	}
	if svc.Health != nil {
		spec.HealthCommand = svc.Health.Command
	}
	if svc.Resources != nil {
		spec.CPULimit = svc.Resources.CPULimit
		spec.CPUReservation = svc.Resources.CPUReservation
		spec.MemoryLimitB = svc.Resources.MemoryLimitBytes()
		spec.MemoryReservB = svc.Resources.MemoryReservationBytes()
	}
	for _, pp := range svc.PublishedPorts {
		spec.PublishedPorts = append(spec.PublishedPorts, containers.PublishedPort{
			PublishedAs:       uint32(pp.PublishedAs),
			FromContainerPort: uint32(pp.FromContainerPort),
			Protocol:          string(pp.Protocol),
		})
	}
	for _, v := range svc.Volumes {
		spec.Mounts = append(spec.Mounts, containers.Mount{Source: v.Name, Target: v.DestinationPath})
	}
	return spec, nil
}

// imageRef resolves a service's image key: a pull: pin uses the remote
// tag verbatim, anything else the tag built in step 5.
func (p *pipeline) imageRef(imageKey string) string {
	if img, ok := p.manifest.Images[imageKey]; ok && img.Pull != "" {
		return img.Pull
	}
	return containers.ImageName(p.project.Name, imageKey, p.new.Number)
}

// deploymentEnv decrypts the deployment's captured env-var snapshot and
// layers the injected DISCO_* variables on top.
func (p *pipeline) deploymentEnv(service string) (map[string]string, error) {
	encrypted, err := p.e.DB.GetDeploymentEnvVars(p.ctx, p.new.ID)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(encrypted)+6)
	for name, value := range encrypted {
		plain, err := p.e.Keys.Decrypt(value)
		if err != nil {
			return nil, err
		}
		env[name] = plain
	}
	host, _ := p.e.KV.Get(p.ctx, kv.KeyDiscoHost)
	for k, v := range containers.InjectedEnv(p.project.Name, service, host, p.new.Number) {
		env[k] = v
	}
	if p.new.CommitHash != "" && p.new.CommitHash != git.DeployLatestSentinel {
		env["DISCO_COMMIT"] = p.new.CommitHash
	}
	if domains, err := p.e.DB.ListProjectDomains(p.ctx, p.project.ID); err == nil && len(domains) > 0 {
		env["DISCO_PROJECT_DOMAIN"] = domains[0].Name
	}
	return env, nil
}

// step10TrafficCutover reprograms the proxy to point every project domain
// at the new rollout's web service (or static docroot), the moment the live
// deployment changes from the read side's point of view.
func (p *pipeline) step10TrafficCutover() error {
	web, ok := webService(p.manifest)
	if !ok {
		return nil
	}
	domains, err := p.e.DB.ListProjectDomains(p.ctx, p.project.ID)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(domains))
	for _, d := range domains {
		names = append(names, d.Name)
	}

	if len(names) == 0 {
		p.log("no domains attached, skipping traffic cutover")
		return nil
	}

	if web.svc.Type == manifest.ServiceStatic {
		p.log("pointing %s at static docroot for deployment %d", strings.Join(names, ", "), p.new.Number)
		return p.e.Proxy.PointToStatic(p.ctx, p.project.Name, p.new.Number)
	}
	serviceName := containers.ServiceName(p.project.Name, web.name, p.new.Number)
	p.log("pointing %s at %s:%d", strings.Join(names, ", "), serviceName, web.svc.Port)
	return p.e.Proxy.PointToContainer(p.ctx, p.project.Name, serviceName, web.svc.Port)
}

type namedService struct {
	name string
	svc  manifest.Service
}

// webService picks the service the proxy should point at: the one named
// "web" when present, else the sole container/static service.
func webService(m *manifest.Manifest) (namedService, bool) {
	if svc, ok := m.Services["web"]; ok {
		return namedService{"web", svc}, true
	}
	var found namedService
	candidates := 0
	for name, svc := range m.Services {
		if svc.Type == manifest.ServiceContainer || svc.Type == manifest.ServiceStatic {
			found = namedService{name, svc}
			candidates++
		}
	}
	if candidates == 1 {
		return found, true
	}
	return namedService{}, false
}

func (p *pipeline) step11MarkComplete() error {
	if p.prev != nil {
		if err := p.e.DB.SetDeploymentPredecessor(p.ctx, p.new.ID, p.prev.ID); err != nil {
			return err
		}
	}
	p.log("deployment %s #%d complete", p.project.Name, p.new.Number)
	return p.e.DB.TransitionStatus(p.ctx, p.new.ID, store.DeploymentComplete)
}

// step12RetirePredecessor tears down the deployment this rollout replaced.
// Errors here are logged, never fatal: the new deployment is already live.
func (p *pipeline) step12RetirePredecessor() {
	if p.prev == nil {
		return
	}
	if err := p.removeDeploymentServices(p.prev); err != nil {
		p.log("retiring predecessor #%d: %v", p.prev.Number, err)
	}
	name := containers.NetworkName(p.project.Name, p.prev.Number)
	if err := p.e.Driver.RemoveNetwork(p.ctx, name); err != nil {
		p.log("removing predecessor network %s: %v", name, err)
	}
	caddyNet := containers.CaddyNetworkName(p.project.Name, p.prev.Number)
	if err := p.e.Driver.DetachFromNetwork(p.ctx, p.e.CaddyContainer, caddyNet); err != nil {
		p.log("detaching proxy from %s: %v", caddyNet, err)
	}
	if err := p.e.Driver.RemoveNetwork(p.ctx, caddyNet); err != nil {
		p.log("removing predecessor network %s: %v", caddyNet, err)
	}
}

func (p *pipeline) removeDeploymentServices(dep *store.Deployment) error {
	m, err := manifest.ParseOrDefault([]byte(dep.DiscoFile))
	if err != nil {
		return err
	}
	for name, svc := range m.Services {
		if svc.Type != manifest.ServiceContainer {
			continue
		}
		serviceName := containers.ServiceName(p.project.Name, name, dep.Number)
		if err := p.e.Driver.RemoveService(p.ctx, serviceName); err != nil {
			p.log("removing service %s: %v", serviceName, err)
		}
	}
	return nil
}

// pipelineLogWriter adapts the per-deployment output log to the io.Writer
// shape docker image build/push streaming wants.
type pipelineLogWriter struct{ p *pipeline }

func (w *pipelineLogWriter) Write(b []byte) (int, error) {
	w.p.e.Output.Append(w.p.ctx, w.p.outputSrc, string(b))
	return len(b), nil
}

var _ io.Writer = (*pipelineLogWriter)(nil)

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, info os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
