// SyslogsHub reconciles the log-forwarding swarm service against the set
// of configured syslog URLs: CORE entries are scoped to containers
// carrying the core log label, GLOBAL entries capture everything. The
// service is created, updated, or removed so it always matches the list.
package streams

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/discodeploy/disco/pkg/containers"
	"github.com/discodeploy/disco/pkg/disco"
	"github.com/discodeploy/disco/pkg/store"
)

const (
	logspoutServiceName = "disco-logspout"
	logspoutImage       = "gliderlabs/logspout:latest"
)

type SyslogsHub struct {
	db     *store.DB
	driver containers.Driver
	log    *logrus.Entry

	mu sync.Mutex
}

func NewSyslogsHub(db *store.DB, driver containers.Driver, log *logrus.Entry) *SyslogsHub {
	return &SyslogsHub{db: db, driver: driver, log: log}
}

// Reconcile makes the forwarder service match the configured URL list:
// no URLs removes the service, otherwise the service is (re)created with
// the full destination set as its command.
func (h *SyslogsHub) Reconcile(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	urls, err := h.db.ListSyslogURLs(ctx)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return h.driver.RemoveService(ctx, logspoutServiceName)
	}

	destinations := make([]string, 0, len(urls))
	for _, u := range urls {
		dest := u.URL
		if u.Type == "CORE" {
			sep := "?"
			if strings.Contains(dest, "?") {
				sep = "&"
			}
			dest += sep + "filter.labels=" + containers.LabelLogCore + ":true"
		}
		destinations = append(destinations, dest)
	}
	sort.Strings(destinations)

	spec := containers.ServiceSpec{
		Name:     logspoutServiceName,
		Image:    logspoutImage,
		Command:  []string{"/bin/logspout", strings.Join(destinations, ",")},
		Replicas: 1,
		Mounts: []containers.Mount{
			{Source: "/var/run/docker.sock", Target: "/var/run/docker.sock", IsBindMount: true},
		},
		Labels:        map[string]string{"disco.syslog": "true"},
		RestartPolicy: "any",
	}

	err = h.driver.UpdateService(ctx, spec)
	if err == nil {
		h.log.WithField("destinations", len(destinations)).Info("updated log forwarder")
		return nil
	}
	if !disco.Is(err, disco.KindContainerError) {
		return err
	}
	if err := h.driver.CreateService(ctx, spec); err != nil {
		return err
	}
	h.log.WithField("destinations", len(destinations)).Info("created log forwarder")
	return nil
}
