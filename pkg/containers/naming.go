// Naming and labeling conventions shared by the deployment engine,
// scheduler, and ephemeral runners — kept here as one source of truth so
// every component derives image, service, and network names the same way.
package containers

import "fmt"

const (
	LabelProjectName      = "disco.project.name"
	LabelServiceName      = "disco.service.name"
	LabelDeploymentNumber = "disco.deployment.number"
	LabelRun              = "disco.run"
	LabelShell            = "disco.shell"
	LabelCGI              = "disco.cgi"
	LabelTunnel           = "disco.tunnel"
	LabelLogCore          = "disco.log.core"
	LabelExpiresSuffix    = ".expires"
)

func ImageName(project, imageKey string, deploymentNumber int) string {
	return fmt.Sprintf("disco/project-%s-%s:%d", project, imageKey, deploymentNumber)
}

func ServiceName(project, service string, deploymentNumber int) string {
	return fmt.Sprintf("%s-%s.%d", project, service, deploymentNumber)
}

func NetworkName(project string, deploymentNumber int) string {
	return fmt.Sprintf("%s-network-%d", project, deploymentNumber)
}

func CaddyNetworkName(project string, deploymentNumber int) string {
	return fmt.Sprintf("%s-caddy-%d", project, deploymentNumber)
}

func RunContainerName(project string, number int) string {
	return fmt.Sprintf("%s-run.%d", project, number)
}

func CronContainerName(project, service string, deploymentNumber int) string {
	return fmt.Sprintf("%s-%s.%d", project, service, deploymentNumber)
}

func TunnelServiceName(project, service string) string {
	return fmt.Sprintf("%s-tunnel-%s", project, service)
}

func StaticSiteRoot(dataDir, project string, deploymentNumber int) string {
	return fmt.Sprintf("%s/../srv/%s/%d", dataDir, project, deploymentNumber)
}

// BaseLabels returns the labels stamped on every object the engine creates.
func BaseLabels(project, service string, deploymentNumber int) map[string]string {
	return map[string]string{
		LabelProjectName:      project,
		LabelServiceName:      service,
		LabelDeploymentNumber: fmt.Sprintf("%d", deploymentNumber),
	}
}

// EphemeralLabels adds the disco.<kind>=true / disco.<kind>.expires=<unix>
// labels the hourly sweep uses for TTL cleanup.
func EphemeralLabels(kind string, expiresUnix int64) map[string]string {
	return map[string]string{
		"disco." + kind:                      "true",
		"disco." + kind + LabelExpiresSuffix: fmt.Sprintf("%d", expiresUnix),
	}
}

// InjectedEnv returns the DISCO_* environment every service, run, cgi,
// shell, and cron container receives. host may be empty when the node has
// no configured host name yet.
func InjectedEnv(project, service, host string, deploymentNumber int) map[string]string {
	env := map[string]string{
		"DISCO_PROJECT_NAME":      project,
		"DISCO_SERVICE_NAME":      service,
		"DISCO_DEPLOYMENT_NUMBER": fmt.Sprintf("%d", deploymentNumber),
	}
	if host != "" {
		env["DISCO_HOST"] = host
	}
	return env
}
