// Package runner spawns the ephemeral containers behind disco's three
// synchronous command surfaces: one-off command runs, interactive shells,
// and CGI requests, plus the TTL sweep their labels make possible.
package runner

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/discodeploy/disco/pkg/containers"
)

// SpawnWithTTL stamps spec's labels with an expiry the hourly sweep reads,
// then hands off to the driver to create the detached container.
func SpawnWithTTL(ctx context.Context, driver containers.Driver, spec containers.EphemeralSpec, kind string, ttl time.Duration) (string, error) {
	if spec.Labels == nil {
		spec.Labels = map[string]string{}
	}
	for k, v := range containers.EphemeralLabels(kind, time.Now().Add(ttl).Unix()) {
		spec.Labels[k] = v
	}
	return driver.CreateDetached(ctx, spec)
}

// SweepExpired removes every container of kind whose expiry label has
// passed, called by the hourly maintenance tick.
func SweepExpired(ctx context.Context, driver containers.Driver, kind string) error {
	found, err := driver.ListContainers(ctx, map[string]string{"disco." + kind: "true"})
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	for _, c := range found {
		raw, ok := c.Labels[fmt.Sprintf("disco.%s.expires", kind)]
		if !ok {
			continue
		}
		expires, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || now < expires {
			continue
		}
		if err := driver.RemoveContainer(ctx, c.ID, true); err != nil {
			return err
		}
	}
	return nil
}
