// TunnelsHub owns ephemeral SSH tunnel bookkeeping: the active-tunnel
// registry, its expiry sweep, and the hourly sweep for rogue tunnel
// containers that outlived their registry entry.
package streams

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/discodeploy/disco/pkg/containers"
	"github.com/discodeploy/disco/pkg/store"
)

type Tunnel struct {
	ID        string
	Project   string
	Service   string
	Port      int
	ExpiresAt time.Time
	Close     func() error
}

type TunnelsHub struct {
	mu      sync.Mutex
	tunnels map[string]*Tunnel
	log     *logrus.Entry
}

func NewTunnelsHub(log *logrus.Entry) *TunnelsHub {
	return &TunnelsHub{tunnels: map[string]*Tunnel{}, log: log}
}

func (h *TunnelsHub) Add(t *Tunnel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tunnels[t.ID] = t
}

func (h *TunnelsHub) Remove(id string) {
	h.mu.Lock()
	t, ok := h.tunnels[id]
	delete(h.tunnels, id)
	h.mu.Unlock()
	if ok && t.Close != nil {
		if err := t.Close(); err != nil {
			h.log.WithError(err).WithField("tunnel", id).Warn("closing tunnel")
		}
	}
}

// SweepExpired closes every tunnel past its expiry, called by the
// minute-tick maintenance loop.
func (h *TunnelsHub) SweepExpired(now time.Time) {
	h.mu.Lock()
	var expired []string
	for id, t := range h.tunnels {
		if now.After(t.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	h.mu.Unlock()
	for _, id := range expired {
		h.Remove(id)
	}
}

func (h *TunnelsHub) List() []*Tunnel {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Tunnel, 0, len(h.tunnels))
	for _, t := range h.tunnels {
		out = append(out, t)
	}
	return out
}

const (
	tunnelImage = "linuxserver/openssh-server:latest"
	tunnelTTL   = time.Hour
)

// Create spawns an ssh endpoint container on the live deployment's
// network, publishing the requested host port, and registers it with an
// expiry. The returned tunnel's Close removes the container.
func (h *TunnelsHub) Create(ctx context.Context, driver containers.Driver, project string, deploymentNumber int, service string, hostPort int) (*Tunnel, error) {
	name := containers.TunnelServiceName(project, service)
	if err := driver.RemoveContainer(ctx, name, true); err != nil {
		h.log.WithError(err).Warn("removing leftover tunnel container")
	}

	expires := time.Now().UTC().Add(tunnelTTL)
	labels := containers.EphemeralLabels("tunnel", expires.Unix())
	labels[containers.LabelProjectName] = project
	labels[containers.LabelServiceName] = service
	spec := containers.EphemeralSpec{
		Name:     name,
		Image:    tunnelImage,
		Networks: []string{containers.NetworkName(project, deploymentNumber)},
		Labels:   labels,
		PublishedPorts: []containers.PublishedPort{
			{PublishedAs: uint32(hostPort), FromContainerPort: 2222, Protocol: "tcp"},
		},
	}
	id, err := driver.CreateDetached(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := driver.StartContainer(ctx, id); err != nil {
		driver.RemoveContainer(context.WithoutCancel(ctx), id, true)
		return nil, err
	}

	t := &Tunnel{
		ID:        store.NewID(),
		Project:   project,
		Service:   service,
		Port:      hostPort,
		ExpiresAt: expires,
		Close: func() error {
			return driver.RemoveContainer(context.WithoutCancel(ctx), id, true)
		},
	}
	h.Add(t)
	return t, nil
}

// SweepRogue removes tunnel containers with no registry entry, called by
// the hourly maintenance cron alongside the minute-tick expiry sweep.
func (h *TunnelsHub) SweepRogue(ctx context.Context, driver containers.Driver) error {
	found, err := driver.ListContainers(ctx, map[string]string{containers.LabelTunnel: "true"})
	if err != nil {
		return err
	}
	known := map[string]bool{}
	h.mu.Lock()
	for _, t := range h.tunnels {
		known[containers.TunnelServiceName(t.Project, t.Service)] = true
	}
	h.mu.Unlock()
	for _, c := range found {
		if known[c.Name] {
			continue
		}
		h.log.WithField("container", c.Name).Info("removing rogue tunnel container")
		if err := driver.RemoveContainer(ctx, c.ID, true); err != nil {
			return err
		}
	}
	return nil
}
