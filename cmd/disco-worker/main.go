// Command disco-worker drains the task queue: deployments, github webhook
// follow-ups, and any other background task enqueued by the daemon. It
// also runs the project-cron half of the scheduler, since deployments
// (and therefore cron reloads) happen in this process.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/discodeploy/disco/pkg/app"
	"github.com/discodeploy/disco/pkg/config"
)

const defaultVersion = "unversioned"

var (
	commit  string
	version = defaultVersion
	date    string
)

func main() {
	cfg, err := config.NewAppConfig("disco-worker", version, commit, date)
	if err != nil {
		log.Fatal(err.Error())
	}

	rt, err := app.NewRuntime(cfg)
	if err != nil {
		log.Fatal(err.Error())
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.LoadProjectCrons(ctx); err != nil {
		rt.Log.WithError(err).Warn("loading project crons at startup")
	}
	go rt.Sched.Run(ctx)

	rt.Log.Info("disco-worker draining task queue")
	rt.Queue.Work(ctx)
	rt.Log.Info("disco-worker stopped")
}
