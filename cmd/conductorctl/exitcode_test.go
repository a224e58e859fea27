package main

import (
	"os/exec"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundriesio/conductor/pkg/conderr"
)

func TestExitCodeUsageErrorIsOne(t *testing.T) {
	assert.Equal(t, 1, exitCode(errorWantedNoArgs))
	assert.Equal(t, 1, exitCode(conderr.Newf(conderr.Usage, "bad flag")))
}

func TestExitCodePropagatesGitExitStatus(t *testing.T) {
	err := exec.Command("/bin/sh", "-c", "exit 3").Run()
	require.Error(t, err)

	assert.Equal(t, 3, exitCode(err))
	assert.Equal(t, 3, exitCode(errors.Wrap(err, "pushing fingerprint commit")))
}

func TestExitCodeDefaultsToOne(t *testing.T) {
	assert.Equal(t, 1, exitCode(errors.New("dial tcp: connection refused")))
}
