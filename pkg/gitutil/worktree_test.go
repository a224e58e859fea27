package gitutil_test

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundriesio/conductor/pkg/gitutil"
	"github.com/foundriesio/conductor/pkg/gitutil/gittest"
)

func TestEnsureClonesAndReachesReady(t *testing.T) {
	url := gittest.BareRepo(t, nil)
	dir := filepath.Join(t.TempDir(), "tree")
	tree := gitutil.NewWorkTree(dir, gitutil.Remote{Name: "origin", URL: url}, gitutil.Branch("master"))

	require.NoError(t, tree.Ensure(context.Background()))
	status, err := tree.Status()
	assert.Equal(t, gitutil.TreeReady, status)
	assert.NoError(t, err)
}

func TestEnsureAdoptsExistingClone(t *testing.T) {
	url := gittest.BareRepo(t, nil)
	dir := filepath.Join(t.TempDir(), "tree")
	first := gitutil.NewWorkTree(dir, gitutil.Remote{Name: "origin", URL: url}, gitutil.Branch("master"))
	require.NoError(t, first.Ensure(context.Background()))
	rev, err := first.HeadRevision(context.Background())
	require.NoError(t, err)

	// a second resource over the same directory must not re-clone
	second := gitutil.NewWorkTree(dir, gitutil.Remote{Name: "origin", URL: url}, gitutil.Branch("master"))
	require.NoError(t, second.Ensure(context.Background()))
	rev2, err := second.HeadRevision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rev, rev2)
}

func TestEnsureRejectsMismatchedRemote(t *testing.T) {
	url := gittest.BareRepo(t, nil)
	other := gittest.BareRepo(t, nil)
	dir := filepath.Join(t.TempDir(), "tree")
	first := gitutil.NewWorkTree(dir, gitutil.Remote{Name: "origin", URL: url}, gitutil.Branch("master"))
	require.NoError(t, first.Ensure(context.Background()))

	wrong := gitutil.NewWorkTree(dir, gitutil.Remote{Name: "origin", URL: other}, gitutil.Branch("master"))
	err := wrong.Ensure(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected")
}

func TestEnsureWithoutConfigFails(t *testing.T) {
	tree := gitutil.NewWorkTree(t.TempDir(), gitutil.Remote{})
	err := tree.Ensure(context.Background())
	assert.Equal(t, gitutil.ErrNoConfig, err)
}

func TestGitFailureKeepsExitStatusInChain(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tree")
	url := "file://" + filepath.Join(t.TempDir(), "no-such-repo")
	tree := gitutil.NewWorkTree(dir, gitutil.Remote{Name: "origin", URL: url}, gitutil.Branch("master"))

	err := tree.Ensure(context.Background())
	require.Error(t, err)
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "git's exit error must stay in the chain: %v", err)
	assert.Equal(t, 128, exitErr.ExitCode())
}
