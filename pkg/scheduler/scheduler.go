// Package scheduler drives the daemon's periodic work: a single
// UTC-second-aligned tick loop walks a live registry of parsed cron
// schedules and spawns an ephemeral container for every project cron
// whose time has come, alongside fixed-cadence maintenance jobs and
// ad-hoc cancellable background tasks.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/discodeploy/disco/pkg/containers"
	"github.com/discodeploy/disco/pkg/manifest"
	"github.com/discodeploy/disco/pkg/streams"
	"github.com/discodeploy/disco/pkg/tasks"
)

// projectCron is one cron-type service of a live deployment, carrying
// everything needed to spawn its container without touching the store at
// fire time.
type projectCron struct {
	project      string
	service      string
	number       int
	image        string
	command      string
	env          map[string]string
	networks     []string
	volumes      []containers.Mount
	scheduleText string
	schedule     cron.Schedule
	next         time.Time
	paused       bool
	timeout      time.Duration
}

// discoCron is a fixed-cadence maintenance job (minute, hour, day). The
// second tick itself is the wakeup; jobs hang off multiples of it.
type discoCron struct {
	name     string
	interval time.Duration
	next     time.Time
	fn       func(ctx context.Context)
}

type Scheduler struct {
	driver containers.Driver
	output *streams.OutputStore
	log    *logrus.Entry

	mu         sync.Mutex
	crons      map[string]*projectCron // key: project + "/" + service
	discoCrons []*discoCron

	queue *tasks.Manager
}

func New(driver containers.Driver, output *streams.OutputStore, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		driver: driver,
		output: output,
		log:    log,
		crons:  map[string]*projectCron{},
		queue:  tasks.NewManager(),
	}
}

func cronKey(project, service string) string { return project + "/" + service }

// AddDiscoCron registers a fixed-cadence maintenance job. The first run
// fires one full interval after registration, aligned to the tick.
func (s *Scheduler) AddDiscoCron(name string, interval time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discoCrons = append(s.discoCrons, &discoCron{
		name:     name,
		interval: interval,
		next:     time.Now().UTC().Truncate(time.Second).Add(interval),
		fn:       fn,
	})
}

// EnqueueTask runs fn as a cancellable background task and returns its id.
// The stop channel closes on Cancel; fn must honor it promptly.
func (s *Scheduler) EnqueueTask(fn func(stop <-chan struct{})) string {
	return s.queue.Enqueue(fn)
}

func (s *Scheduler) CancelTask(id string) {
	s.queue.Cancel(id)
}

// ReloadAndResumeProjectCrons reconciles the registry against the manifest
// of a freshly rolled-out deployment: existing crons whose service
// survives are updated in place (next-fire reset only when the schedule
// text changed), crons whose service disappeared are removed, new
// cron-type services are added, and the paused flag is cleared on
// everything belonging to the project.
func (s *Scheduler) ReloadAndResumeProjectCrons(prevProject, project string, number int, m *manifest.Manifest, env map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prevProject != "" && prevProject != project {
		for key, pc := range s.crons {
			if pc.project == prevProject {
				delete(s.crons, key)
			}
		}
	}

	seen := map[string]bool{}
	for name, svc := range m.Services {
		if svc.Type != manifest.ServiceCron {
			continue
		}
		schedule, err := cron.ParseStandard(svc.Schedule)
		if err != nil {
			s.log.WithError(err).WithField("service", name).Warn("skipping cron with unparseable schedule")
			continue
		}
		seen[name] = true

		var mounts []containers.Mount
		for _, v := range svc.Volumes {
			mounts = append(mounts, containers.Mount{Source: v.Name, Target: v.DestinationPath})
		}

		key := cronKey(project, name)
		if existing, ok := s.crons[key]; ok {
			existing.number = number
			existing.image = containers.ImageName(project, svc.Image, number)
			existing.command = svc.Command
			existing.env = env
			existing.networks = []string{containers.NetworkName(project, number)}
			existing.volumes = mounts
			existing.timeout = time.Duration(svc.Timeout) * time.Second
			existing.paused = false
			if existing.scheduleText != svc.Schedule {
				existing.scheduleText = svc.Schedule
				existing.schedule = schedule
				existing.next = schedule.Next(time.Now().UTC())
			}
			continue
		}

		s.crons[key] = &projectCron{
			project:      project,
			service:      name,
			number:       number,
			image:        containers.ImageName(project, svc.Image, number),
			command:      svc.Command,
			env:          env,
			networks:     []string{containers.NetworkName(project, number)},
			volumes:      mounts,
			scheduleText: svc.Schedule,
			schedule:     schedule,
			next:         schedule.Next(time.Now().UTC()),
			timeout:      time.Duration(svc.Timeout) * time.Second,
		}
		s.log.WithFields(logrus.Fields{"project": project, "service": name}).Info("registered cron")
	}

	for key, pc := range s.crons {
		if pc.project == project && !seen[pc.service] {
			delete(s.crons, key)
		}
	}
}

// PauseProjectCrons suppresses firings for every cron belonging to
// project without unregistering it, used during a deploy's critical
// window.
func (s *Scheduler) PauseProjectCrons(project string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pc := range s.crons {
		if pc.project == project {
			pc.paused = true
		}
	}
}

// RemoveProjectCrons unregisters every cron belonging to project, called
// on project delete.
func (s *Scheduler) RemoveProjectCrons(project string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, pc := range s.crons {
		if pc.project == project {
			delete(s.crons, key)
		}
	}
}

// Run is the tick loop: sleep until the next UTC-second boundary, then
// fire everything due. Cancel ctx to stop.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		now := time.Now().UTC()
		timer := time.NewTimer(time.Until(now.Truncate(time.Second).Add(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	var due []*projectCron
	for _, pc := range s.crons {
		if pc.paused || now.Before(pc.next) {
			continue
		}
		due = append(due, pc)
		pc.next = pc.schedule.Next(now)
	}
	var dueMaint []*discoCron
	for _, dc := range s.discoCrons {
		if now.Before(dc.next) {
			continue
		}
		dueMaint = append(dueMaint, dc)
		dc.next = dc.next.Add(dc.interval)
	}
	s.mu.Unlock()

	for _, pc := range due {
		go s.fire(ctx, pc)
	}
	for _, dc := range dueMaint {
		go dc.fn(ctx)
	}
}

// fire spawns the cron's ephemeral container: any leftover container with
// the same name is removed first, the run honors the service timeout, and
// failures are logged but never retried. The next schedule tick is the
// retry.
func (s *Scheduler) fire(ctx context.Context, pc *projectCron) {
	logger := s.log.WithFields(logrus.Fields{"project": pc.project, "service": pc.service})
	name := containers.CronContainerName(pc.project, pc.service, pc.number)
	source := streams.RunSource(name)

	if err := s.driver.RemoveContainer(ctx, name, true); err != nil {
		logger.WithError(err).Warn("removing leftover cron container")
	}

	var command []string
	if pc.command != "" {
		command = []string{"/bin/sh", "-c", pc.command}
	}

	env := map[string]string{}
	for k, v := range pc.env {
		env[k] = v
	}
	for k, v := range containers.InjectedEnv(pc.project, pc.service, "", pc.number) {
		env[k] = v
	}

	spec := containers.EphemeralSpec{
		Name:     name,
		Image:    pc.image,
		Command:  command,
		Env:      env,
		Networks: pc.networks,
		Mounts:   pc.volumes,
		Labels:   containers.BaseLabels(pc.project, pc.service, pc.number),
	}

	logWriter := &sourceLogWriter{store: s.output, ctx: ctx, source: source}
	logger.Info("firing cron")
	exitCode, err := s.driver.RunEphemeral(ctx, spec, nil, logWriter, logWriter, pc.timeout)
	s.output.Terminate(ctx, source)
	if err != nil {
		logger.WithError(err).Warn("cron run failed")
		return
	}
	if exitCode != 0 {
		logger.WithField("exitCode", exitCode).Warn("cron exited non-zero")
	}
}

type sourceLogWriter struct {
	store  *streams.OutputStore
	ctx    context.Context
	source string
}

func (w *sourceLogWriter) Write(b []byte) (int, error) {
	w.store.Append(w.ctx, w.source, string(b))
	return len(b), nil
}
