package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCGIResponseDefaultsStatus200(t *testing.T) {
	status, headers, body, err := parseCGIResponse([]byte("Content-Type: text/plain\r\n\r\nhello world"))
	assert.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, "text/plain", headers.Get("Content-Type"))
	assert.Equal(t, "hello world", string(body))
}

func TestParseCGIResponseHonorsExplicitStatus(t *testing.T) {
	status, _, body, err := parseCGIResponse([]byte("Status: 404 Not Found\nContent-Type: text/plain\n\nnope"))
	assert.NoError(t, err)
	assert.Equal(t, 404, status)
	assert.Equal(t, "nope", string(body))
}

func TestParseCGIResponseRejectsMalformedHeaderLine(t *testing.T) {
	_, _, _, err := parseCGIResponse([]byte("not-a-header-line\n\nbody"))
	assert.Error(t, err)
}
