package git

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCandidateBranchesPrefersConfigured(t *testing.T) {
	assert.Equal(t, []string{"develop"}, candidateBranches("develop"))
}

func TestCandidateBranchesFallsBackToMainThenMaster(t *testing.T) {
	assert.Equal(t, []string{"main", "master"}, candidateBranches(""))
}
