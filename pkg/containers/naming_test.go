package containers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNamingConventions(t *testing.T) {
	assert.Equal(t, "disco/project-api-default:2", ImageName("api", "default", 2))
	assert.Equal(t, "api-web.2", ServiceName("api", "web", 2))
	assert.Equal(t, "api-network-2", NetworkName("api", 2))
	assert.Equal(t, "api-caddy-2", CaddyNetworkName("api", 2))
	assert.Equal(t, "api-run.7", RunContainerName("api", 7))
	assert.Equal(t, "api-worker.2", CronContainerName("api", "worker", 2))
	assert.Equal(t, "api-tunnel-db", TunnelServiceName("api", "db"))
}

func TestBaseLabels(t *testing.T) {
	labels := BaseLabels("api", "web", 3)
	assert.Equal(t, "api", labels[LabelProjectName])
	assert.Equal(t, "web", labels[LabelServiceName])
	assert.Equal(t, "3", labels[LabelDeploymentNumber])
}

func TestEphemeralLabels(t *testing.T) {
	labels := EphemeralLabels("shell", 1700000000)
	assert.Equal(t, "true", labels["disco.shell"])
	assert.Equal(t, "1700000000", labels["disco.shell.expires"])
}

func TestInjectedEnv(t *testing.T) {
	env := InjectedEnv("api", "web", "node1.example.com", 4)
	assert.Equal(t, "api", env["DISCO_PROJECT_NAME"])
	assert.Equal(t, "web", env["DISCO_SERVICE_NAME"])
	assert.Equal(t, "4", env["DISCO_DEPLOYMENT_NUMBER"])
	assert.Equal(t, "node1.example.com", env["DISCO_HOST"])

	env = InjectedEnv("api", "web", "", 4)
	_, ok := env["DISCO_HOST"]
	assert.False(t, ok)
}
