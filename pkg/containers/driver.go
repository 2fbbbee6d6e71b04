// Package containers is the narrow wrapper over the container engine,
// extending a read-mostly query interface to the Swarm build/push/
// service/network/volume write operations the daemon requires.
package containers

import (
	"context"
	"io"
	"time"
)

// ServiceSpec describes a Swarm service to create or update.
type ServiceSpec struct {
	Name           string
	Image          string
	Command        []string
	Env            map[string]string
	Replicas       uint64
	Networks       []string
	Mounts         []Mount
	PublishedPorts []PublishedPort
	Labels         map[string]string
	HealthCommand  string
	RestartPolicy  string // "any" | "on-failure" | "none"
	CPULimit       float64
	CPUReservation float64
	MemoryLimitB   int64
	MemoryReservB  int64
}

type Mount struct {
	Source      string // volume name or host path
	Target      string
	IsBindMount bool
}

type PublishedPort struct {
	PublishedAs       uint32
	FromContainerPort uint32
	Protocol          string // tcp | udp
}

// EphemeralSpec describes a short-lived container sharing a live
// deployment's image/env/network/volumes, used for command/shell/cgi/cron
// execution.
type EphemeralSpec struct {
	Name           string
	Image          string
	Command        []string
	Env            map[string]string
	Networks       []string
	Mounts         []Mount
	PublishedPorts []PublishedPort
	Labels         map[string]string
	TTY            bool
	CPULimit       float64
	MemoryB        int64
	LogDriver      string // "none" disables logging
}

// ExecSession is a running exec whose terminal can be resized while it
// runs; Wait blocks until the process exits and reports its code.
type ExecSession interface {
	Resize(ctx context.Context, rows, cols uint) error
	Wait(ctx context.Context) (int, error)
}

type ServiceSummary struct {
	Name   string
	Labels map[string]string
}

type ContainerSummary struct {
	ID     string
	Name   string
	Labels map[string]string
}

// Driver is the narrow adapter the rest of the daemon calls into; every
// write is idempotent where the engine permits it and failures surface as
// *disco.Error{Kind: ContainerError}.
type Driver interface {
	Build(ctx context.Context, image, contextDir, dockerfile string, logSink io.Writer) error
	Push(ctx context.Context, image string, logSink io.Writer) error

	CreateService(ctx context.Context, spec ServiceSpec) error
	UpdateService(ctx context.Context, spec ServiceSpec) error
	RemoveService(ctx context.Context, name string) error
	Scale(ctx context.Context, replicas map[string]uint64) error
	ListServices(ctx context.Context, labelFilters map[string]string) ([]ServiceSummary, error)

	RunEphemeral(ctx context.Context, spec EphemeralSpec, stdin io.Reader, stdout, stderr io.Writer, timeout time.Duration) (exitCode int, err error)
	CreateDetached(ctx context.Context, spec EphemeralSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StartAttached(ctx context.Context, containerID string, stdin io.Reader, stdout, stderr io.Writer) (exitCode int, err error)
	Exec(ctx context.Context, containerID string, argv []string, stdin io.Reader, stdout, stderr io.Writer) (exitCode int, err error)
	StartExec(ctx context.Context, containerID string, argv []string, tty bool, stdin io.Reader, output io.Writer) (ExecSession, error)
	RemoveContainer(ctx context.Context, nameOrID string, force bool) error
	ListContainers(ctx context.Context, labelFilters map[string]string) ([]ContainerSummary, error)

	CreateNetwork(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, name string) error
	AttachToNetwork(ctx context.Context, containerID, network string) error
	DetachFromNetwork(ctx context.Context, containerID, network string) error

	ListVolumes(ctx context.Context, labelFilters map[string]string) ([]string, error)

	PruneImages(ctx context.Context) error
	PruneBuilder(ctx context.Context) error

	SwarmActive(ctx context.Context) (bool, error)

	Close() error
}
