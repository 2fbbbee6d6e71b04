package manifest

import (
	"testing"

	"github.com/discodeploy/disco/pkg/disco"
	"github.com/stretchr/testify/assert"
)

func TestParseDefaultManifest(t *testing.T) {
	m, err := Parse([]byte(DefaultManifestLiteral))
	assert.NoError(t, err)
	assert.Equal(t, "1.0", m.Version)
	assert.Contains(t, m.Services, "web")
	assert.Contains(t, m.Images, "default")
}

func TestParseOrDefaultWhenAbsent(t *testing.T) {
	m, err := ParseOrDefault(nil)
	assert.NoError(t, err)
	assert.Equal(t, 8000, m.Services["web"].Port)
}

func TestInvalidManifestUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"version":"1.0","services":{"web":{"type":"bogus"}}}`))
	assert.True(t, disco.Is(err, disco.KindInvalidManifest))
}

func TestInvalidManifestBadSchedule(t *testing.T) {
	_, err := Parse([]byte(`{"version":"1.0","services":{"worker":{"type":"cron","schedule":"not a cron"}}}`))
	assert.True(t, disco.Is(err, disco.KindInvalidManifest))
}

func TestInvalidManifestMemoryLimitBelowReservation(t *testing.T) {
	raw := `{"version":"1.0","services":{"web":{"resources":{"memoryLimit":"128m","memoryReservation":"256m"}}}}`
	_, err := Parse([]byte(raw))
	assert.True(t, disco.Is(err, disco.KindInvalidManifest))
}

func TestStaticSiteDoesNotInjectDefaultImage(t *testing.T) {
	m, err := Parse([]byte(`{"version":"1.0","services":{"web":{"type":"static","publicPath":"dist"}}}`))
	assert.NoError(t, err)
	assert.Empty(t, m.Images)
}

func TestManifestRoundTrip(t *testing.T) {
	m, err := Parse([]byte(DefaultManifestLiteral))
	assert.NoError(t, err)
	raw, err := m.Serialize()
	assert.NoError(t, err)
	m2, err := Parse(raw)
	assert.NoError(t, err)
	assert.Equal(t, m, m2)
}
