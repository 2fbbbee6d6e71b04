// Command discod is the daemon: it serves the control-plane HTTP API,
// ticks the scheduler, and hosts the ephemeral shell/run/cgi/tunnel and
// log-streaming subsystems.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-errors/errors"
	"github.com/gorilla/websocket"

	"github.com/discodeploy/disco/pkg/app"
	"github.com/discodeploy/disco/pkg/config"
	"github.com/discodeploy/disco/pkg/containers"
	"github.com/discodeploy/disco/pkg/disco"
	"github.com/discodeploy/disco/pkg/git"
	"github.com/discodeploy/disco/pkg/kv"
	"github.com/discodeploy/disco/pkg/manifest"
	"github.com/discodeploy/disco/pkg/runner"
	"github.com/discodeploy/disco/pkg/store"
)

const defaultVersion = "unversioned"

var (
	commit  string
	version = defaultVersion
	date    string
)

func main() {
	updateBuildInfo()

	cfg, err := config.NewAppConfig("disco", version, commit, date)
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

	if active, err := rt.Driver.SwarmActive(ctx); err != nil {
		rt.Log.WithError(err).Warn("could not read engine swarm state")
	} else if !active {
		rt.Log.Warn("engine is not a swarm member; deployments will fail until it is")
	}

	registerMaintenanceCrons(rt)
	go rt.Sched.Run(ctx)

	if err := rt.Syslogs.Reconcile(ctx); err != nil {
		rt.Log.WithError(err).Warn("reconciling log forwarder at startup")
	}

	engine := buildRouter(rt)
	server := &http.Server{Addr: cfg.ListenAddr, Handler: engine}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	rt.Log.WithField("addr", cfg.ListenAddr).Info("discod listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		newErr := errors.Wrap(err, 0)
		rt.Log.Error(newErr.ErrorStack())
		log.Fatalf("discod exited: %s", newErr.ErrorStack())
	}
}

// registerMaintenanceCrons hangs the fixed-cadence sweeps off the
// scheduler's tick loop: tunnel expiry every minute; ephemeral-container
// TTL cleanup, log retention, rogue tunnels, and idle output connections
// every hour; log-forwarder reconciliation, unused-image GC, and builder
// prune every day.
func registerMaintenanceCrons(rt *app.Runtime) {
	rt.Sched.AddDiscoCron("tunnel-expiry", time.Minute, func(ctx context.Context) {
		rt.Tunnels.SweepExpired(time.Now().UTC())
	})
	rt.Sched.AddDiscoCron("hourly-cleanup", time.Hour, func(ctx context.Context) {
		for _, kind := range []string{"run", "shell", "cgi", "tunnel"} {
			if err := runner.SweepExpired(ctx, rt.Driver, kind); err != nil {
				rt.Log.WithError(err).WithField("kind", kind).Warn("sweeping expired ephemeral containers")
			}
		}
		if err := rt.Tunnels.SweepRogue(ctx, rt.Driver); err != nil {
			rt.Log.WithError(err).Warn("sweeping rogue tunnels")
		}
		rt.Logs.HourlyEvict()
		rt.Output.EvictIdle()
	})
	rt.Sched.AddDiscoCron("daily-gc", 24*time.Hour, func(ctx context.Context) {
		if err := rt.Syslogs.Reconcile(ctx); err != nil {
			rt.Log.WithError(err).Warn("reconciling log forwarder")
		}
		if err := rt.Driver.PruneImages(ctx); err != nil {
			rt.Log.WithError(err).Warn("pruning images")
		}
		if err := rt.Driver.PruneBuilder(ctx); err != nil {
			rt.Log.WithError(err).Warn("pruning build cache")
		}
		if err := rt.DB.PruneApiKeyUsages(ctx, time.Now().UTC().AddDate(0, 0, -30)); err != nil {
			rt.Log.WithError(err).Warn("pruning api key usages")
		}
	})
}

func buildRouter(rt *app.Runtime) *gin.Engine {
	if !rt.Config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), ginLogger(rt))
	r.Use(cors.New(corsConfig(rt)))

	authorized := r.Group("/", authMiddleware(rt))
	{
		authorized.POST("/projects", createProject(rt))
		authorized.GET("/projects/:project", getProject(rt))
		authorized.DELETE("/projects/:project", deleteProject(rt))
		authorized.POST("/projects/:project/deployments", startDeployment(rt))
		authorized.GET("/projects/:project/deployments/:id", getDeployment(rt))
		authorized.GET("/projects/:project/deployments/:id/output", streamOutput(rt, "deployment_"))
		authorized.POST("/projects/:project/domains", addDomain(rt))
		authorized.DELETE("/projects/:project/domains/:domain", removeDomain(rt))
		authorized.POST("/projects/:project/env", setEnvVars(rt))
		authorized.POST("/projects/:project/scale", scaleProject(rt))
		authorized.POST("/projects/:project/runs", startCommandRun(rt))
		authorized.GET("/projects/:project/runs/:id/output", streamOutput(rt, "run_"))
		authorized.GET("/projects/:project/runs/:id/attach", attachCommandRun(rt))
		authorized.POST("/projects/:project/tunnels", createTunnel(rt))
		authorized.GET("/logs", streamLogs(rt))
		authorized.POST("/api-keys", createApiKey(rt))
		authorized.DELETE("/api-keys/:id", deleteApiKey(rt))
	}

	// the shell socket authenticates in-band with a JWT in its first frame
	r.GET("/projects/:project/shell", shellWebsocket(rt))
	r.POST("/.webhooks/github-apps", githubWebhook(rt))
	r.Any("/.disco/cgi/:project/:service/*rest", cgiPassthrough(rt))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	return r
}

func ginLogger(rt *app.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		rt.Log.WithFields(map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Info("request")
	}
}

func corsConfig(rt *app.Runtime) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowAllOrigins = false
	origins, _ := rt.DB.ListCorsOrigins(context.Background())
	cfg.AllowOrigins = origins
	cfg.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE"}
	cfg.AllowHeaders = []string{"Authorization", "Content-Type"}
	return cfg
}

func authMiddleware(rt *app.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, err := rt.Auth.Authenticate(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Set("apiKey", key)
		c.Next()
	}
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if derr, ok := err.(*disco.Error); ok {
		switch derr.Kind {
		case disco.KindNotFound:
			status = http.StatusNotFound
		case disco.KindConflict:
			status = http.StatusConflict
		case disco.KindInvalidArgument, disco.KindInvalidManifest:
			status = http.StatusUnprocessableEntity
		case disco.KindWebhookSignatureMismatch:
			status = http.StatusForbidden
		case disco.KindAuthError:
			status = derr.Status
			if status == 0 {
				status = http.StatusUnauthorized
			}
		}
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func createProject(rt *app.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Name string `json:"name"`
		}
		if err := c.BindJSON(&body); err != nil {
			writeError(c, disco.InvalidArgument("malformed request body"))
			return
		}
		project, err := rt.DB.CreateProject(c.Request.Context(), body.Name, store.NewID())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, project)
	}
}

func getProject(rt *app.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		project, err := rt.DB.GetProjectByName(c.Request.Context(), c.Param("project"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, project)
	}
}

// deleteProject stops the live deployment's services and networks,
// removes the proxy route, unregisters crons, and deletes the row.
// Deployment history is kept.
func deleteProject(rt *app.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		project, err := rt.DB.GetProjectByName(ctx, c.Param("project"))
		if err != nil {
			writeError(c, err)
			return
		}
		live, err := rt.DB.LatestComplete(ctx, project.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		if live != nil {
			m, err := manifest.ParseOrDefault([]byte(live.DiscoFile))
			if err == nil {
				for name, svc := range m.Services {
					if svc.Type != manifest.ServiceContainer {
						continue
					}
					serviceName := containers.ServiceName(project.Name, name, live.Number)
					if err := rt.Driver.RemoveService(ctx, serviceName); err != nil {
						rt.Log.WithError(err).WithField("service", serviceName).Warn("removing service")
					}
				}
			}
			rt.Driver.RemoveNetwork(ctx, containers.NetworkName(project.Name, live.Number))
			rt.Driver.DetachFromNetwork(ctx, rt.Config.CaddyContainer, containers.CaddyNetworkName(project.Name, live.Number))
			rt.Driver.RemoveNetwork(ctx, containers.CaddyNetworkName(project.Name, live.Number))
		}
		if err := rt.Proxy.RemoveProjectRoute(ctx, project.Name); err != nil {
			rt.Log.WithError(err).Warn("removing proxy route")
		}
		rt.Sched.RemoveProjectCrons(project.Name)
		if err := rt.DB.DeleteProject(ctx, project.ID); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func startDeployment(rt *app.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		project, err := rt.DB.GetProjectByName(c.Request.Context(), c.Param("project"))
		if err != nil {
			writeError(c, err)
			return
		}
		var body struct {
			Commit      string `json:"commit"`
			DiscoConfig string `json:"discoConfig"`
		}
		if err := c.BindJSON(&body); err != nil {
			writeError(c, disco.InvalidArgument("malformed request body"))
			return
		}
		if body.Commit == "" {
			body.Commit = git.DeployLatestSentinel
		}
		dep, err := rt.Deploy.StartDeployment(c.Request.Context(), project, body.Commit, []byte(body.DiscoConfig), apiKeyIDFromContext(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, dep)
	}
}

func getDeployment(rt *app.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		dep, err := rt.DB.GetDeployment(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, dep)
	}
}

// addDomain attaches a domain, rebuilds the project's proxy route with
// the current live upstream, and re-evaluates the apex/www redirect.
func addDomain(rt *app.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		project, err := rt.DB.GetProjectByName(ctx, c.Param("project"))
		if err != nil {
			writeError(c, err)
			return
		}
		var body struct {
			Name string `json:"name"`
		}
		if err := c.BindJSON(&body); err != nil {
			writeError(c, disco.InvalidArgument("malformed request body"))
			return
		}
		domain, err := rt.DB.AddProjectDomain(ctx, project.ID, body.Name)
		if err != nil {
			writeError(c, err)
			return
		}
		if err := syncProjectRoute(ctx, rt, project); err != nil {
			writeError(c, err)
			return
		}
		if err := rt.Domains.Reconcile(ctx, body.Name); err != nil {
			rt.Log.WithError(err).Warn("reconciling apex/www redirect")
		}
		c.JSON(http.StatusCreated, domain)
	}
}

func removeDomain(rt *app.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		project, err := rt.DB.GetProjectByName(ctx, c.Param("project"))
		if err != nil {
			writeError(c, err)
			return
		}
		name := c.Param("domain")
		if err := rt.DB.RemoveProjectDomain(ctx, name); err != nil {
			writeError(c, err)
			return
		}
		if err := syncProjectRoute(ctx, rt, project); err != nil {
			writeError(c, err)
			return
		}
		if err := rt.Domains.Reconcile(ctx, name); err != nil {
			rt.Log.WithError(err).Warn("reconciling apex/www redirect")
		}
		c.Status(http.StatusNoContent)
	}
}

// syncProjectRoute PUTs the whole route object for the project's current
// domain set and live upstream; no domains removes the route.
func syncProjectRoute(ctx context.Context, rt *app.Runtime, project *store.Project) error {
	domains, err := rt.DB.ListProjectDomains(ctx, project.ID)
	if err != nil {
		return err
	}
	if len(domains) == 0 {
		return rt.Proxy.RemoveProjectRoute(ctx, project.Name)
	}
	names := make([]string, 0, len(domains))
	for _, d := range domains {
		names = append(names, d.Name)
	}
	upstream, err := rt.Deploy.CurrentUpstream(ctx, project)
	if err != nil {
		return err
	}
	return rt.Proxy.UpsertProjectRoute(ctx, project.Name, names, upstream)
}

// setEnvVars upserts the encrypted values and rolls a new deployment;
// there is no in-place env update.
func setEnvVars(rt *app.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		project, err := rt.DB.GetProjectByName(c.Request.Context(), c.Param("project"))
		if err != nil {
			writeError(c, err)
			return
		}
		var body struct {
			EnvVariables []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"envVariables"`
		}
		if err := c.BindJSON(&body); err != nil {
			writeError(c, disco.InvalidArgument("malformed request body"))
			return
		}
		pairs := make(map[string]string, len(body.EnvVariables))
		for _, v := range body.EnvVariables {
			pairs[v.Name] = v.Value
		}
		dep, err := rt.Deploy.SetEnvVariables(c.Request.Context(), project, pairs, apiKeyIDFromContext(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, dep)
	}
}

func scaleProject(rt *app.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		project, err := rt.DB.GetProjectByName(c.Request.Context(), c.Param("project"))
		if err != nil {
			writeError(c, err)
			return
		}
		var body map[string]uint64
		if err := c.BindJSON(&body); err != nil {
			writeError(c, disco.InvalidArgument("malformed request body"))
			return
		}
		if err := rt.Deploy.Scale(c.Request.Context(), project, body); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// liveContext resolves a project's live deployment plus its manifest, the
// shared prologue of the run/shell/cgi/tunnel handlers.
func liveContext(ctx context.Context, rt *app.Runtime, projectName string) (*store.Project, *store.Deployment, *manifest.Manifest, error) {
	project, err := rt.DB.GetProjectByName(ctx, projectName)
	if err != nil {
		return nil, nil, nil, err
	}
	dep, err := rt.DB.LatestComplete(ctx, project.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	if dep == nil {
		return nil, nil, nil, disco.InvalidArgument("must deploy first")
	}
	m, err := manifest.ParseOrDefault([]byte(dep.DiscoFile))
	if err != nil {
		return nil, nil, nil, err
	}
	return project, dep, m, nil
}

func decryptedEnv(ctx context.Context, rt *app.Runtime, dep *store.Deployment) (map[string]string, error) {
	encrypted, err := rt.DB.GetDeploymentEnvVars(ctx, dep.ID)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(encrypted))
	for name, value := range encrypted {
		plain, err := rt.Keys.Decrypt(value)
		if err != nil {
			return nil, err
		}
		env[name] = plain
	}
	return env, nil
}

func startCommandRun(rt *app.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		project, dep, m, err := liveContext(ctx, rt, c.Param("project"))
		if err != nil {
			writeError(c, err)
			return
		}
		var body struct {
			Service     string `json:"service"`
			Command     string `json:"command"`
			Timeout     int    `json:"timeout"`
			Interactive bool   `json:"interactive"`
		}
		if err := c.BindJSON(&body); err != nil {
			writeError(c, disco.InvalidArgument("malformed request body"))
			return
		}
		svc, ok := m.Services[body.Service]
		if !ok {
			writeError(c, disco.NotFound("no such service in live deployment"))
			return
		}
		env, err := decryptedEnv(ctx, rt, dep)
		if err != nil {
			writeError(c, err)
			return
		}
		discoIP, _ := rt.KV.Get(ctx, kv.KeyDiscoIP)
		timeout := time.Duration(body.Timeout) * time.Second
		if body.Timeout == 0 {
			timeout = time.Duration(svc.Timeout) * time.Second
		}
		run, start, err := rt.Runner.CreateCommandRun(ctx, project, dep, runner.CommandRunSpec{
			Service:     body.Service,
			Command:     body.Command,
			Image:       containers.ImageName(project.Name, svc.Image, dep.Number),
			Env:         env,
			Networks:    []string{containers.NetworkName(project.Name, dep.Number)},
			Timeout:     timeout,
			Interactive: body.Interactive,
			DiscoIP:     discoIP,
		}, apiKeyIDFromContext(c))
		if err != nil {
			writeError(c, err)
			return
		}
		taskID := rt.Sched.EnqueueTask(func(stop <-chan struct{}) {
			runCtx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				<-stop
				cancel()
			}()
			if err := start(runCtx); err != nil {
				rt.Log.WithError(err).WithField("run", run.ID).Warn("command run failed to start")
			}
		})
		c.JSON(http.StatusAccepted, gin.H{"run": run, "taskId": taskID})
	}
}

// attachCommandRun starts an interactive run's container attached and
// bridges the websocket to its stdio: binary frames in are stdin, output
// comes back as binary frames.
func attachCommandRun(rt *app.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		project, err := rt.DB.GetProjectByName(ctx, c.Param("project"))
		if err != nil {
			writeError(c, err)
			return
		}
		run, err := rt.DB.GetCommandRun(ctx, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		conn, err := shellUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		stdinR, stdinW := io.Pipe()
		defer stdinW.Close()
		go func() {
			defer stdinR.Close()
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if _, err := stdinW.Write(data); err != nil {
					return
				}
			}
		}()

		out := wsBinaryWriter{conn}
		exitCode, err := rt.Runner.AttachCommandRun(ctx, project, run, stdinR, out, out)
		if err != nil {
			rt.Log.WithError(err).WithField("run", run.ID).Warn("attached run failed")
			return
		}
		conn.WriteJSON(gin.H{"type": "exit", "code": exitCode})
	}
}

type wsBinaryWriter struct {
	conn *websocket.Conn
}

func (w wsBinaryWriter) Write(b []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func streamOutput(rt *app.Runtime, sourcePrefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		source := sourcePrefix + c.Param("id")
		var afterID int64
		for {
			lines, err := rt.Output.Since(c.Request.Context(), source, afterID)
			if err != nil {
				return
			}
			for _, line := range lines {
				afterID = line.ID
				if line.Text == nil {
					c.Writer.Flush()
					return
				}
				fmt.Fprintf(c.Writer, "data: %s\n\n", *line.Text)
			}
			c.Writer.Flush()
			select {
			case <-c.Request.Context().Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
		}
	}
}

func streamLogs(rt *app.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		lines, unsubscribe := rt.Logs.Subscribe()
		defer unsubscribe()
		for {
			select {
			case <-c.Request.Context().Done():
				return
			case line, ok := <-lines:
				if !ok {
					return
				}
				fmt.Fprintf(c.Writer, "data: %s\n\n", line.Text)
				c.Writer.Flush()
			}
		}
	}
}

var shellUpgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}

func shellWebsocket(rt *app.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		project, dep, m, err := liveContext(ctx, rt, c.Param("project"))
		if err != nil {
			writeError(c, err)
			return
		}
		web, ok := m.Services["web"]
		if !ok || web.Type == manifest.ServiceStatic {
			ok = false
			for _, svc := range m.Services {
				if svc.Type != manifest.ServiceStatic {
					web, ok = svc, true
					break
				}
			}
		}
		if !ok {
			writeError(c, disco.InvalidArgument("no shell-capable service in live deployment"))
			return
		}
		env, err := decryptedEnv(ctx, rt, dep)
		if err != nil {
			writeError(c, err)
			return
		}
		for k, v := range containers.InjectedEnv(project.Name, "shell", "", dep.Number) {
			env[k] = v
		}

		conn, err := shellUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		authenticate := func(token string) error {
			_, err := rt.Auth.Authenticate(ctx, "Bearer "+token)
			return err
		}
		spec := runner.ShellSpec{
			Name:     fmt.Sprintf("%s-shell.%s", project.Name, store.NewID()[:8]),
			Image:    containers.ImageName(project.Name, web.Image, dep.Number),
			Env:      env,
			Networks: []string{containers.NetworkName(project.Name, dep.Number)},
		}
		if err := runner.RunShell(ctx, rt.Driver, conn, authenticate, spec, rt.Log); err != nil {
			rt.Log.WithError(err).Warn("shell session ended with error")
		}
	}
}

func createTunnel(rt *app.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		project, dep, m, err := liveContext(ctx, rt, c.Param("project"))
		if err != nil {
			writeError(c, err)
			return
		}
		var body struct {
			Service string `json:"service"`
			Port    int    `json:"port"`
		}
		if err := c.BindJSON(&body); err != nil {
			writeError(c, disco.InvalidArgument("malformed request body"))
			return
		}
		if _, ok := m.Services[body.Service]; !ok {
			writeError(c, disco.NotFound("no such service in live deployment"))
			return
		}
		tunnel, err := rt.Tunnels.Create(ctx, rt.Driver, project.Name, dep.Number, body.Service, body.Port)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"id":        tunnel.ID,
			"service":   tunnel.Service,
			"port":      tunnel.Port,
			"expiresAt": tunnel.ExpiresAt,
		})
	}
}

func createApiKey(rt *app.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Name string `json:"name"`
		}
		if err := c.BindJSON(&body); err != nil {
			writeError(c, disco.InvalidArgument("malformed request body"))
			return
		}
		key, err := rt.DB.CreateApiKey(c.Request.Context(), store.NewID(), body.Name, store.NewID())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, key)
	}
}

func deleteApiKey(rt *app.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := rt.DB.DeleteApiKey(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func githubWebhook(rt *app.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			writeError(c, disco.InvalidArgument("unreadable body"))
			return
		}
		err = rt.Webhook.Ingest(
			c.Request.Context(),
			c.GetHeader("X-GitHub-Hook-Installation-Target-Type"),
			c.GetHeader("X-GitHub-Hook-Installation-Target-Id"),
			c.GetHeader("X-GitHub-Event"),
			c.GetHeader("X-Hub-Signature-256"),
			body,
		)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	}
}

func cgiPassthrough(rt *app.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		project, dep, m, err := liveContext(ctx, rt, c.Param("project"))
		if err != nil {
			writeError(c, err)
			return
		}
		service := c.Param("service")
		svc, ok := m.Services[service]
		if !ok || svc.Type != manifest.ServiceCGI {
			writeError(c, disco.NotFound("no such cgi service"))
			return
		}
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			writeError(c, disco.InvalidArgument("unreadable body"))
			return
		}
		env, err := decryptedEnv(ctx, rt, dep)
		if err != nil {
			writeError(c, err)
			return
		}
		for k, v := range containers.InjectedEnv(project.Name, service, "", dep.Number) {
			env[k] = v
		}
		spec := containers.EphemeralSpec{
			Name:     fmt.Sprintf("%s-cgi.%s", project.Name, store.NewID()[:8]),
			Image:    containers.ImageName(project.Name, svc.Image, dep.Number),
			Env:      env,
			Networks: []string{containers.NetworkName(project.Name, dep.Number)},
			Labels:   containers.EphemeralLabels("cgi", time.Now().Add(time.Hour).Unix()),
		}
		if svc.Command != "" {
			spec.Command = []string{"/bin/sh", "-c", svc.Command}
		}
		status, headers, respBody, err := runner.RunCGI(ctx, rt.Driver, spec, c.Request, body)
		if err != nil {
			writeError(c, err)
			return
		}
		for key, values := range headers {
			for _, v := range values {
				c.Writer.Header().Add(key, v)
			}
		}
		c.Data(status, c.Writer.Header().Get("Content-Type"), respBody)
	}
}

func apiKeyIDFromContext(c *gin.Context) string {
	if v, ok := c.Get("apiKey"); ok {
		if key, ok := v.(*store.ApiKey); ok {
			return key.ID
		}
	}
	return ""
}

func updateBuildInfo() {
	if version == defaultVersion {
		if buildInfo, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range buildInfo.Settings {
				switch setting.Key {
				case "vcs.revision":
					commit = setting.Value
					if len(setting.Value) >= 7 {
						version = setting.Value[:7]
					}
				case "vcs.time":
					date = setting.Value
				}
			}
		}
	}
	if os.Getenv("DISCO_VERSION") != "" {
		version = os.Getenv("DISCO_VERSION")
	}
}
