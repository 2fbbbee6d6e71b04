// DockerDriver implements Driver over github.com/docker/docker/client and
// github.com/docker/go-connections, with a DOCKER_HOST override, covering
// the Swarm write path the daemon needs alongside its list queries.
package containers

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"

	"github.com/discodeploy/disco/pkg/disco"
)

type DockerDriver struct {
	cli *client.Client
	log *logrus.Entry
}

var _ Driver = (*DockerDriver)(nil)

// NewDockerDriver: DOCKER_HOST (if set) picks the socket/TCP endpoint the
// client dials.
func NewDockerDriver(dockerHost string, log *logrus.Entry) (*DockerDriver, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, disco.ContainerError("creating docker client", err)
	}
	return &DockerDriver{cli: cli, log: log}, nil
}

func (d *DockerDriver) Close() error { return d.cli.Close() }

// Build streams the engine's JSON-lines build log output into logSink as
// plain text, failing on the first errorDetail record.
func (d *DockerDriver) Build(ctx context.Context, image, contextDir, dockerfile string, logSink io.Writer) error {
	tarball, err := tarContextDir(contextDir)
	if err != nil {
		return disco.ContainerError("packing build context", err)
	}
	resp, err := d.cli.ImageBuild(ctx, tarball, types.ImageBuildOptions{
		Tags:       []string{image},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return disco.ContainerError("starting build", err)
	}
	defer resp.Body.Close()
	return streamJSONLines(resp.Body, logSink)
}

func (d *DockerDriver) Push(ctx context.Context, imageRef string, logSink io.Writer) error {
	rc, err := d.cli.ImagePush(ctx, imageRef, image.PushOptions{RegistryAuth: registryAuthFromEnv()})
	if err != nil {
		return disco.ContainerError("pushing image "+imageRef, err)
	}
	defer rc.Close()
	return streamJSONLines(rc, logSink)
}

func (d *DockerDriver) CreateService(ctx context.Context, spec ServiceSpec) error {
	swarmSpec := toSwarmSpec(spec)
	_, err := d.cli.ServiceCreate(ctx, swarmSpec, types.ServiceCreateOptions{})
	if err != nil {
		return disco.ContainerError("creating service "+spec.Name, err)
	}
	return nil
}

func (d *DockerDriver) UpdateService(ctx context.Context, spec ServiceSpec) error {
	existing, _, err := d.cli.ServiceInspectWithRaw(ctx, spec.Name, types.ServiceInspectOptions{})
	if err != nil {
		return disco.ContainerError("inspecting service "+spec.Name, err)
	}
	swarmSpec := toSwarmSpec(spec)
	_, err = d.cli.ServiceUpdate(ctx, existing.ID, existing.Version, swarmSpec, types.ServiceUpdateOptions{})
	if err != nil {
		return disco.ContainerError("updating service "+spec.Name, err)
	}
	return nil
}

func (d *DockerDriver) RemoveService(ctx context.Context, name string) error {
	if err := d.cli.ServiceRemove(ctx, name); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return disco.ContainerError("removing service "+name, err)
	}
	return nil
}

func (d *DockerDriver) Scale(ctx context.Context, replicas map[string]uint64) error {
	for name, n := range replicas {
		svc, _, err := d.cli.ServiceInspectWithRaw(ctx, name, types.ServiceInspectOptions{})
		if err != nil {
			return disco.ContainerError("inspecting service "+name, err)
		}
		svc.Spec.Mode.Replicated.Replicas = &n
		if _, err := d.cli.ServiceUpdate(ctx, svc.ID, svc.Version, svc.Spec, types.ServiceUpdateOptions{}); err != nil {
			return disco.ContainerError("scaling service "+name, err)
		}
	}
	return nil
}

func (d *DockerDriver) ListServices(ctx context.Context, labelFilters map[string]string) ([]ServiceSummary, error) {
	services, err := d.cli.ServiceList(ctx, types.ServiceListOptions{Filters: labelFilterArgs(labelFilters)})
	if err != nil {
		return nil, disco.ContainerError("listing services", err)
	}
	out := make([]ServiceSummary, 0, len(services))
	for _, s := range services {
		out = append(out, ServiceSummary{Name: s.Spec.Name, Labels: s.Spec.Labels})
	}
	return out, nil
}

// RunEphemeral creates, starts, and waits on a short-lived container,
// bridging stdio the way command/shell/cron need.
func (d *DockerDriver) RunEphemeral(ctx context.Context, spec EphemeralSpec, stdin io.Reader, stdout, stderr io.Writer, timeout time.Duration) (int, error) {
	id, err := d.CreateDetached(ctx, spec)
	if err != nil {
		return -1, err
	}
	defer d.RemoveContainer(context.Background(), id, true)

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return d.StartAttached(runCtx, id, stdin, stdout, stderr)
}

func (d *DockerDriver) CreateDetached(ctx context.Context, spec EphemeralSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    envSlice(spec.Env),
		Labels: spec.Labels,
		Tty:    spec.TTY,
	}
	hostCfg := &container.HostConfig{
		Mounts:     toDockerMounts(spec.Mounts),
		AutoRemove: false,
	}
	if len(spec.PublishedPorts) > 0 {
		exposed, bindings, err := natPortMap(spec.PublishedPorts)
		if err != nil {
			return "", err
		}
		cfg.ExposedPorts = exposed
		hostCfg.PortBindings = bindings
	}
	if spec.LogDriver != "" {
		hostCfg.LogConfig = container.LogConfig{Type: spec.LogDriver}
	}
	if spec.CPULimit > 0 {
		hostCfg.NanoCPUs = int64(spec.CPULimit * 1e9)
	}
	if spec.MemoryB > 0 {
		hostCfg.Memory = spec.MemoryB
	}
	netCfg := &network.NetworkingConfig{}
	if len(spec.Networks) > 0 {
		netCfg.EndpointsConfig = map[string]*network.EndpointSettings{spec.Networks[0]: {}}
	}
	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", disco.ContainerError("creating container "+spec.Name, err)
	}
	for _, n := range spec.Networks[1:] {
		if err := d.AttachToNetwork(ctx, resp.ID, n); err != nil {
			return resp.ID, err
		}
	}
	return resp.ID, nil
}

func (d *DockerDriver) StartContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return disco.ContainerError("starting container "+containerID, err)
	}
	return nil
}

func (d *DockerDriver) StartAttached(ctx context.Context, containerID string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	attach, err := d.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true, Stdin: stdin != nil, Stdout: true, Stderr: true,
	})
	if err != nil {
		return -1, disco.ContainerError("attaching to container "+containerID, err)
	}
	defer attach.Close()

	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return -1, disco.ContainerError("starting container "+containerID, err)
	}

	copyErrCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(stdout, attach.Reader)
		copyErrCh <- err
	}()
	if stdin != nil {
		go func() {
			_, err := io.Copy(attach.Conn, stdin)
			attach.CloseWrite()
			copyErrCh <- err
		}()
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		return int(status.StatusCode), nil
	case err := <-errCh:
		return -1, disco.ContainerError("waiting on container "+containerID, err)
	case <-ctx.Done():
		_ = d.cli.ContainerStop(context.Background(), containerID, container.StopOptions{})
		return -1, disco.Timeout("container " + containerID + " exceeded its timeout")
	}
}

func (d *DockerDriver) Exec(ctx context.Context, containerID string, argv []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	execID, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd: argv, AttachStdin: stdin != nil, AttachStdout: true, AttachStderr: true,
	})
	if err != nil {
		return -1, disco.ContainerError("creating exec", err)
	}
	attach, err := d.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, disco.ContainerError("attaching exec", err)
	}
	defer attach.Close()

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(stdout, attach.Reader)
		done <- err
	}()
	if stdin != nil {
		go io.Copy(attach.Conn, stdin)
	}
	<-done

	inspect, err := d.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return -1, disco.ContainerError("inspecting exec", err)
	}
	return inspect.ExitCode, nil
}

// StartExec starts an exec session and returns a handle whose Resize
// drives the terminal size while the process runs.
func (d *DockerDriver) StartExec(ctx context.Context, containerID string, argv []string, tty bool, stdin io.Reader, output io.Writer) (ExecSession, error) {
	execID, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd: argv, Tty: tty, AttachStdin: stdin != nil, AttachStdout: true, AttachStderr: true,
	})
	if err != nil {
		return nil, disco.ContainerError("creating exec", err)
	}
	attach, err := d.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{Tty: tty})
	if err != nil {
		return nil, disco.ContainerError("attaching exec", err)
	}

	sess := &dockerExecSession{cli: d.cli, execID: execID.ID, attach: attach, done: make(chan error, 1)}
	go func() {
		_, err := io.Copy(output, attach.Reader)
		sess.done <- err
	}()
	if stdin != nil {
		go func() {
			io.Copy(attach.Conn, stdin)
			attach.CloseWrite()
		}()
	}
	return sess, nil
}

type dockerExecSession struct {
	cli    *client.Client
	execID string
	attach types.HijackedResponse
	done   chan error
}

func (s *dockerExecSession) Resize(ctx context.Context, rows, cols uint) error {
	err := s.cli.ContainerExecResize(ctx, s.execID, container.ResizeOptions{Height: rows, Width: cols})
	if err != nil {
		return disco.ContainerError("resizing exec", err)
	}
	return nil
}

func (s *dockerExecSession) Wait(ctx context.Context) (int, error) {
	defer s.attach.Close()
	select {
	case <-s.done:
	case <-ctx.Done():
		return -1, disco.Timeout("exec session cancelled")
	}
	inspect, err := s.cli.ContainerExecInspect(ctx, s.execID)
	if err != nil {
		return -1, disco.ContainerError("inspecting exec", err)
	}
	return inspect.ExitCode, nil
}

func (d *DockerDriver) RemoveContainer(ctx context.Context, nameOrID string, force bool) error {
	err := d.cli.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: force})
	if err != nil && !client.IsErrNotFound(err) {
		return disco.ContainerError("removing container "+nameOrID, err)
	}
	return nil
}

func (d *DockerDriver) ListContainers(ctx context.Context, labelFilters map[string]string) ([]ContainerSummary, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: labelFilterArgs(labelFilters)})
	if err != nil {
		return nil, disco.ContainerError("listing containers", err)
	}
	out := make([]ContainerSummary, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ContainerSummary{ID: c.ID, Name: name, Labels: c.Labels})
	}
	return out, nil
}

func (d *DockerDriver) CreateNetwork(ctx context.Context, name string) error {
	_, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "overlay", Attachable: true})
	if err != nil {
		return disco.ContainerError("creating network "+name, err)
	}
	return nil
}

func (d *DockerDriver) RemoveNetwork(ctx context.Context, name string) error {
	if err := d.cli.NetworkRemove(ctx, name); err != nil && !client.IsErrNotFound(err) {
		return disco.ContainerError("removing network "+name, err)
	}
	return nil
}

func (d *DockerDriver) AttachToNetwork(ctx context.Context, containerID, networkName string) error {
	if err := d.cli.NetworkConnect(ctx, networkName, containerID, nil); err != nil {
		return disco.ContainerError("attaching to network "+networkName, err)
	}
	return nil
}

func (d *DockerDriver) DetachFromNetwork(ctx context.Context, containerID, networkName string) error {
	if err := d.cli.NetworkDisconnect(ctx, networkName, containerID, true); err != nil && !client.IsErrNotFound(err) {
		return disco.ContainerError("detaching from network "+networkName, err)
	}
	return nil
}

func (d *DockerDriver) ListVolumes(ctx context.Context, labelFilters map[string]string) ([]string, error) {
	resp, err := d.cli.VolumeList(ctx, volume.ListOptions{Filters: labelFilterArgs(labelFilters)})
	if err != nil {
		return nil, disco.ContainerError("listing volumes", err)
	}
	out := make([]string, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		out = append(out, v.Name)
	}
	return out, nil
}

func (d *DockerDriver) PruneImages(ctx context.Context) error {
	_, err := d.cli.ImagesPrune(ctx, filters.Args{})
	if err != nil {
		return disco.ContainerError("pruning images", err)
	}
	return nil
}

func (d *DockerDriver) PruneBuilder(ctx context.Context) error {
	_, err := d.cli.BuildCachePrune(ctx, types.BuildCachePruneOptions{All: true})
	if err != nil {
		return disco.ContainerError("pruning builder", err)
	}
	return nil
}

// SwarmActive reports whether the engine is a swarm member; service
// rollout is impossible without it, so the daemon checks at startup.
func (d *DockerDriver) SwarmActive(ctx context.Context) (bool, error) {
	info, err := d.cli.Info(ctx)
	if err != nil {
		return false, disco.ContainerError("reading engine info", err)
	}
	return info.Swarm.LocalNodeState == swarm.LocalNodeStateActive, nil
}

func toSwarmSpec(spec ServiceSpec) swarm.ServiceSpec {
	replicas := spec.Replicas
	if replicas == 0 {
		replicas = 1
	}
	restart := swarm.RestartPolicyConditionAny
	switch spec.RestartPolicy {
	case "on-failure":
		restart = swarm.RestartPolicyConditionOnFailure
	case "none":
		restart = swarm.RestartPolicyConditionNone
	}

	s := swarm.ServiceSpec{
		Annotations: swarm.Annotations{Name: spec.Name, Labels: spec.Labels},
		TaskTemplate: swarm.TaskSpec{
			ContainerSpec: &swarm.ContainerSpec{
				Image:   spec.Image,
				Command: spec.Command,
				Env:     envSlice(spec.Env),
				Mounts:  toSwarmMounts(spec.Mounts),
				Labels:  spec.Labels,
			},
			RestartPolicy: &swarm.RestartPolicy{Condition: restart},
			Networks:      toSwarmNetworks(spec.Networks),
			Resources:     toSwarmResources(spec),
		},
		Mode: swarm.ServiceMode{Replicated: &swarm.ReplicatedService{Replicas: &replicas}},
	}
	if spec.HealthCommand != "" {
		s.TaskTemplate.ContainerSpec.Healthcheck = &container.HealthConfig{
			Test: []string{"CMD-SHELL", spec.HealthCommand},
		}
	}
	if len(spec.PublishedPorts) > 0 {
		s.EndpointSpec = &swarm.EndpointSpec{Ports: toSwarmPorts(spec.PublishedPorts)}
	}
	return s
}

func toSwarmMounts(mounts []Mount) []mount.Mount {
	out := make([]mount.Mount, 0, len(mounts))
	for _, m := range mounts {
		typ := mount.TypeVolume
		if m.IsBindMount {
			typ = mount.TypeBind
		}
		out = append(out, mount.Mount{Type: typ, Source: m.Source, Target: m.Target})
	}
	return out
}

func toDockerMounts(mounts []Mount) []mount.Mount { return toSwarmMounts(mounts) }

func toSwarmNetworks(names []string) []swarm.NetworkAttachmentConfig {
	out := make([]swarm.NetworkAttachmentConfig, 0, len(names))
	for _, n := range names {
		out = append(out, swarm.NetworkAttachmentConfig{Target: n})
	}
	return out
}

func toSwarmResources(spec ServiceSpec) *swarm.ResourceRequirements {
	if spec.CPULimit == 0 && spec.MemoryLimitB == 0 && spec.CPUReservation == 0 && spec.MemoryReservB == 0 {
		return nil
	}
	r := &swarm.ResourceRequirements{}
	if spec.CPULimit > 0 || spec.MemoryLimitB > 0 {
		r.Limits = &swarm.Limit{NanoCPUs: int64(spec.CPULimit * 1e9), MemoryBytes: spec.MemoryLimitB}
	}
	if spec.CPUReservation > 0 || spec.MemoryReservB > 0 {
		r.Reservations = &swarm.Resources{NanoCPUs: int64(spec.CPUReservation * 1e9), MemoryBytes: spec.MemoryReservB}
	}
	return r
}

func toSwarmPorts(ports []PublishedPort) []swarm.PortConfig {
	out := make([]swarm.PortConfig, 0, len(ports))
	for _, p := range ports {
		proto := swarm.PortConfigProtocolTCP
		if p.Protocol == "udp" {
			proto = swarm.PortConfigProtocolUDP
		}
		out = append(out, swarm.PortConfig{
			Protocol:      proto,
			TargetPort:    p.FromContainerPort,
			PublishedPort: p.PublishedAs,
			PublishMode:   swarm.PortConfigPublishModeIngress,
		})
	}
	return out
}

func natPortMap(ports []PublishedPort) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, fmt.Sprintf("%d", p.FromContainerPort))
		if err != nil {
			return nil, nil, disco.ContainerError("invalid published port", err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: fmt.Sprintf("%d", p.PublishedAs)}}
	}
	return exposed, bindings, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

func labelFilterArgs(labels map[string]string) filters.Args {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}
	return args
}

// streamJSONLines reads docker's {"stream":"..."} / {"errorDetail":{...}}
// newline-delimited build/push output, writing human text to sink and
// failing on the first errorDetail.
func streamJSONLines(r io.Reader, sink io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var line struct {
		Stream      string `json:"stream"`
		Status      string `json:"status"`
		ErrorDetail *struct {
			Message string `json:"message"`
		} `json:"errorDetail"`
	}
	for scanner.Scan() {
		line.Stream, line.Status, line.ErrorDetail = "", "", nil
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.ErrorDetail != nil {
			return disco.ContainerError("build failed: "+line.ErrorDetail.Message, nil)
		}
		if line.Stream != "" {
			io.WriteString(sink, line.Stream)
		} else if line.Status != "" {
			io.WriteString(sink, line.Status+"\n")
		}
	}
	return scanner.Err()
}

func tarContextDir(dir string) (io.Reader, error) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf, nil
}

func registryAuthFromEnv() string {
	return os.Getenv("DISCO_REGISTRY_AUTH")
}
