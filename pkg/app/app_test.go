package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/discodeploy/disco/pkg/disco"
)

func TestHandleProcessDeploymentRejectsMalformedBody(t *testing.T) {
	rt := &Runtime{}
	_, err := rt.handleProcessDeployment(context.Background(), "not json")
	assert.True(t, disco.Is(err, disco.KindInvalidArgument))
}

func TestHandleProcessGithubWebhookRejectsMalformedBody(t *testing.T) {
	rt := &Runtime{}
	_, err := rt.handleProcessGithubWebhook(context.Background(), "not json")
	assert.True(t, disco.Is(err, disco.KindInvalidArgument))
}
