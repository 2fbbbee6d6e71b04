package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/discodeploy/disco/pkg/manifest"
)

func TestWebServicePrefersNamedWeb(t *testing.T) {
	m, err := manifest.Parse([]byte(`{"version":"1.0","services":{"web":{"type":"container","port":9000},"worker":{"type":"container"}}}`))
	assert.NoError(t, err)

	named, ok := webService(m)
	assert.True(t, ok)
	assert.Equal(t, "web", named.name)
	assert.Equal(t, 9000, named.svc.Port)
}

func TestWebServiceFallsBackToSoleContainerService(t *testing.T) {
	m, err := manifest.Parse([]byte(`{"version":"1.0","services":{"app":{"type":"container","port":3000}}}`))
	assert.NoError(t, err)

	named, ok := webService(m)
	assert.True(t, ok)
	assert.Equal(t, "app", named.name)
}

func TestWebServiceAbsentForCronOnlyManifest(t *testing.T) {
	m, err := manifest.Parse([]byte(`{"version":"1.0","services":{"nightly":{"type":"cron","schedule":"0 0 * * *"}},"images":{"default":{"dockerfile":"Dockerfile","context":"."}}}`))
	assert.NoError(t, err)

	_, ok := webService(m)
	assert.False(t, ok)
}

func TestPublishedPortsCollectsAcrossServices(t *testing.T) {
	m, err := manifest.Parse([]byte(`{"version":"1.0","services":{
		"web":{"type":"container","publishedPorts":[{"publishedAs":8080,"fromContainerPort":80,"protocol":"tcp"}]},
		"metrics":{"type":"container","publishedPorts":[{"publishedAs":9090,"fromContainerPort":9090,"protocol":"tcp"}]}
	}}`))
	assert.NoError(t, err)

	ports := publishedPorts(m)
	assert.True(t, ports[8080])
	assert.True(t, ports[9090])
	assert.Len(t, ports, 2)
}
