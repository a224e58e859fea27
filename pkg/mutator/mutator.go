// Package mutator performs the repository mutations that drive the
// rebuild/merge pipeline: the forced-rebuild fingerprint commit and
// the upstream reference merge. All mutations run under the work
// tree's directory lock, held from checkout through push.
package mutator

import (
	"context"
	"fmt"
	"io/ioutil"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/foundriesio/conductor/pkg/conderr"
	"github.com/foundriesio/conductor/pkg/gitutil"
)

const (
	// DefaultStateFile is the tracked single-line file recording the
	// last forced fingerprint, in the form `CHECKSUM=<hex-digest>`.
	DefaultStateFile = "checksum.env"

	// DefaultTrustDir is the subdirectory holding downstream signing
	// material. Merge conflicts confined to it are resolved by
	// removing the conflicting material.
	DefaultTrustDir = "factory-keys"

	// KeyConflictMessage is the fixed commit message used when
	// resolving a recognized signing-material conflict.
	KeyConflictMessage = "Resolve key conflict by removing factory signing material"

	// RebuildMessage is the default commit subject for forced rebuilds.
	// Builds whose reason starts with it are treated as upgrade targets.
	RebuildMessage = "Force container rebuild"

	// MergeMessagePrefix is how upstream merge commits start; builds
	// carrying it are graded as merge builds.
	MergeMessagePrefix = "Merge remote-tracking branch"
)

// Mutator owns a shared work tree and knows how to mutate it safely.
type Mutator struct {
	tree      *gitutil.WorkTree
	stateFile string
	trustDir  string
	logger    log.Logger
}

// New returns a Mutator over the given work tree. stateFile and
// trustDir fall back to the defaults when empty.
func New(tree *gitutil.WorkTree, stateFile, trustDir string, logger log.Logger) *Mutator {
	if stateFile == "" {
		stateFile = DefaultStateFile
	}
	if trustDir == "" {
		trustDir = DefaultTrustDir
	}
	return &Mutator{
		tree:      tree,
		stateFile: stateFile,
		trustDir:  trustDir,
		logger:    logger,
	}
}

// Tree returns the work tree this mutator owns.
func (m *Mutator) Tree() *gitutil.WorkTree { return m.tree }

// ForceRebuild records the current content fingerprint in the state
// file and commits and pushes it, allowing an empty commit so a
// rebuild can be forced even when nothing changed. Repeated calls on
// an unchanged tree record the identical fingerprint. Returns the
// pushed commit ref.
func (m *Mutator) ForceRebuild(ctx context.Context, message string) (string, error) {
	m.tree.Lock()
	defer m.tree.Unlock()

	if err := m.refreshBranch(ctx); err != nil {
		return "", err
	}

	fp, err := Fingerprint(m.tree.Dir(), m.stateFile)
	if err != nil {
		return "", err
	}
	statePath := filepath.Join(m.tree.Dir(), m.stateFile)
	if err := ioutil.WriteFile(statePath, []byte(fmt.Sprintf("CHECKSUM=%s\n", fp)), 0o644); err != nil {
		return "", errors.Wrap(err, "writing state file")
	}
	if err := m.tree.Add(ctx, m.stateFile); err != nil {
		return "", err
	}
	if err := m.tree.Commit(ctx, gitutil.CommitAction{Message: message, AllowEmpty: true}); err != nil {
		return "", err
	}
	if err := m.tree.Push(ctx); err != nil {
		return "", err
	}
	rev, err := m.tree.HeadRevision(ctx)
	if err != nil {
		return "", err
	}
	m.logger.Log("op", "force-rebuild", "rev", rev, "checksum", fp)
	return rev, nil
}

// MergeUpstream merges the upstream reference branch into the
// project branch, preferring upstream content on conflicting paths.
// A merge failure whose conflicts are confined to the trust-material
// subdirectory is resolved deterministically by removing the
// conflicting signing material and committing KeyConflictMessage. Any
// other failure aborts the merge and surfaces UnrecognizedConflict;
// a possibly-broken resolution is never pushed. Returns the pushed
// merge commit ref.
func (m *Mutator) MergeUpstream(ctx context.Context) (string, error) {
	up := m.tree.UpstreamRemote()
	if up.URL == "" {
		return "", conderr.Newf(conderr.Usage, "no upstream remote configured for %s", m.tree.Dir())
	}

	m.tree.Lock()
	defer m.tree.Unlock()

	if err := m.refreshBranch(ctx); err != nil {
		return "", err
	}
	if err := m.tree.FetchRemote(ctx, up.Name); err != nil {
		return "", err
	}

	mergeRef := up.Name + "/" + m.tree.Branch()
	mergeMsg := fmt.Sprintf("%s '%s'", MergeMessagePrefix, mergeRef)
	if err := m.tree.Merge(ctx, mergeRef, mergeMsg); err != nil {
		if resolveErr := m.resolveKeyConflict(ctx, err); resolveErr != nil {
			return "", resolveErr
		}
	}
	if err := m.tree.Push(ctx); err != nil {
		return "", err
	}
	rev, err := m.tree.HeadRevision(ctx)
	if err != nil {
		return "", err
	}
	m.logger.Log("op", "merge-upstream", "rev", rev, "upstream", up.Name)
	return rev, nil
}

// resolveKeyConflict inspects a failed merge. Conflicts confined to
// the trust-material subdirectory are resolved by removing the
// conflicting paths and completing the merge with the fixed message;
// anything else aborts the merge and reports UnrecognizedConflict.
func (m *Mutator) resolveKeyConflict(ctx context.Context, mergeErr error) error {
	conflicted, err := m.tree.UnmergedFiles(ctx)
	if err != nil {
		return errors.Wrap(err, "listing merge conflicts")
	}
	if len(conflicted) == 0 {
		// the merge failed for some reason other than conflicts
		return mergeErr
	}
	for _, p := range conflicted {
		if !strings.HasPrefix(path.Clean(p), m.trustDir+"/") && path.Clean(p) != m.trustDir {
			abortErr := m.tree.MergeAbort(ctx)
			if abortErr != nil {
				m.logger.Log("op", "merge-upstream", "err", "merge --abort failed", "detail", abortErr)
			}
			return conderr.Newf(conderr.UnrecognizedConflict,
				"merge conflict outside %s (first: %s): %s", m.trustDir, p, mergeErr)
		}
	}
	for _, p := range conflicted {
		if err := m.tree.RemovePath(ctx, p); err != nil {
			return errors.Wrapf(err, "removing conflicting key material %s", p)
		}
	}
	if err := m.tree.Commit(ctx, gitutil.CommitAction{Message: KeyConflictMessage}); err != nil {
		return errors.Wrap(err, "committing key conflict resolution")
	}
	m.logger.Log("op", "merge-upstream", "resolved", "key-conflict", "paths", strings.Join(conflicted, ","))
	return nil
}

// refreshBranch moves the branch to the origin's current state before
// mutating, so successive invocations against a shared tree start
// from the same place.
func (m *Mutator) refreshBranch(ctx context.Context) error {
	if err := m.tree.CheckoutBranch(ctx); err != nil {
		return err
	}
	if err := m.tree.FetchRemote(ctx, m.tree.Origin().Name); err != nil {
		return err
	}
	if m.tree.DryRunning() {
		return nil
	}
	return m.tree.ResetToOrigin(ctx)
}
