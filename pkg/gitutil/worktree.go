package gitutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/foundriesio/conductor/pkg/conderr"
)

const (
	defaultTimeout = 20 * time.Second
)

var (
	ErrNoConfig  = errors.New("work tree does not have a remote configured")
	ErrNotReady  = errors.New("work tree has not been initialised yet")
	ErrMisplaced = errors.New("work tree path exists but is not a git repository")
)

// Remote is a named git remote.
type Remote struct {
	Name string
	URL  string
}

// TreeStatus represents the progress made initialising a shared work
// tree. These are given below in expected order, but the status may go
// backwards if e.g., the directory is removed underneath us.
type TreeStatus string

const (
	TreeNoConfig TreeStatus = "unconfigured" // configuration is empty
	TreeNew      TreeStatus = "new"          // no attempt made to initialise it yet
	TreeCloned   TreeStatus = "cloned"       // clone present; remotes not yet verified
	TreeReady    TreeStatus = "ready"        // remotes and credential verified
)

// Work trees are shared between daemon workers and CLI invocations, so
// the mutual exclusion has to be keyed by directory rather than by
// WorkTree value.
var (
	treeLocksMu sync.Mutex
	treeLocks   = map[string]*sync.Mutex{}
)

func lockFor(dir string) *sync.Mutex {
	treeLocksMu.Lock()
	defer treeLocksMu.Unlock()
	l, ok := treeLocks[dir]
	if !ok {
		l = &sync.Mutex{}
		treeLocks[dir] = l
	}
	return l
}

// WorkTree is a shared, mutable git working tree. All mutations
// (checkout through push) must run under Lock; the mutator holds the
// lock for the whole transaction and releases it on every exit path.
type WorkTree struct {
	dir      string
	origin   Remote
	upstream Remote
	branch   string
	domain   string
	token    string
	user     string
	email    string
	timeout  time.Duration
	dryRun   bool

	lock *sync.Mutex

	// State; guarded by stateMu, which is separate from the work-tree
	// lock so Status can be read while a mutation is in flight.
	stateMu sync.RWMutex
	status  TreeStatus
	err     error
}

type Option interface {
	apply(*WorkTree)
}

type optionFunc func(*WorkTree)

func (f optionFunc) apply(w *WorkTree) { f(w) }

// Upstream sets the upstream reference remote merged in by
// MergeUpstream.
func Upstream(r Remote) Option {
	return optionFunc(func(w *WorkTree) { w.upstream = r })
}

// Branch sets the branch checked out and pushed. Defaults to "master".
func Branch(b string) Option {
	return optionFunc(func(w *WorkTree) { w.branch = b })
}

// Auth scopes the credential header to the given repository domain.
func Auth(domain, token string) Option {
	return optionFunc(func(w *WorkTree) { w.domain = domain; w.token = token })
}

// Committer sets the identity recorded on commits.
func Committer(user, email string) Option {
	return optionFunc(func(w *WorkTree) { w.user = user; w.email = email })
}

// Timeout bounds each git invocation.
func Timeout(d time.Duration) Option {
	return optionFunc(func(w *WorkTree) { w.timeout = d })
}

// DryRun short-circuits network operations (fetch, push) after local
// initialisation; used by unit tests and `--dry-run` invocations.
func DryRun(on bool) Option {
	return optionFunc(func(w *WorkTree) { w.dryRun = on })
}

// NewWorkTree constructs the work-tree resource for dir. It does not
// touch the filesystem; call Ensure to initialise.
func NewWorkTree(dir string, origin Remote, opts ...Option) *WorkTree {
	status := TreeNew
	statusErr := ErrNotReady
	if origin.URL == "" {
		status = TreeNoConfig
		statusErr = ErrNoConfig
	}
	w := &WorkTree{
		dir:     dir,
		origin:  origin,
		branch:  "master",
		status:  status,
		err:     statusErr,
		timeout: defaultTimeout,
		user:    "conductor",
		email:   "conductor@example.com",
		lock:    lockFor(dir),
	}
	for _, opt := range opts {
		opt.apply(w)
	}
	return w
}

// Dir returns the working directory this tree mutates.
func (w *WorkTree) Dir() string { return w.dir }

// Branch returns the configured branch name.
func (w *WorkTree) Branch() string { return w.branch }

// Origin returns the origin remote.
func (w *WorkTree) Origin() Remote { return w.origin }

// UpstreamRemote returns the upstream reference remote; the zero
// Remote when none is configured.
func (w *WorkTree) UpstreamRemote() Remote { return w.upstream }

// DryRunning reports whether network operations are short-circuited.
func (w *WorkTree) DryRunning() bool { return w.dryRun }

// Lock takes the per-directory mutation lock.
func (w *WorkTree) Lock() { w.lock.Lock() }

// Unlock releases the per-directory mutation lock.
func (w *WorkTree) Unlock() { w.lock.Unlock() }

// Status reports the initialisation status of the work tree, and if it
// is not ready, the error stopping it getting to the next state.
func (w *WorkTree) Status() (TreeStatus, error) {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.status, w.err
}

func (w *WorkTree) setUnready(s TreeStatus, err error) {
	w.stateMu.Lock()
	w.status = s
	w.err = err
	w.stateMu.Unlock()
}

func (w *WorkTree) setReady() {
	w.stateMu.Lock()
	w.status = TreeReady
	w.err = nil
	w.stateMu.Unlock()
}

func (w *WorkTree) errorIfNotReady() error {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	switch w.status {
	case TreeReady:
		return nil
	case TreeNoConfig:
		return ErrNoConfig
	default:
		return fmt.Errorf("work tree not ready: %w", w.err)
	}
}

// step attempts to advance the work-tree state machine, and returns
// `true` if it has made progress, `false` otherwise. Callers must hold
// the work-tree lock.
func (w *WorkTree) step(bg context.Context) bool {
	w.stateMu.RLock()
	status := w.status
	w.stateMu.RUnlock()

	switch status {

	case TreeNoConfig:
		// this is not going to change in the lifetime of this process
		return false

	case TreeNew:
		ctx, cancel := context.WithTimeout(bg, w.timeout)
		defer cancel()

		fi, statErr := os.Stat(filepath.Join(w.dir, ".git"))
		switch {
		case statErr == nil && fi.IsDir():
			// A clone is already present. If its origin matches the
			// expected URL we adopt it as-is; re-cloning a correct
			// working copy would lose any in-flight local state.
			url, err := remoteURL(ctx, w.dir, w.origin.Name)
			if err != nil {
				w.setUnready(TreeNew, err)
				return false
			}
			if url != "" && url != w.origin.URL {
				w.setUnready(TreeNew, fmt.Errorf("remote %q is %q, expected %q", w.origin.Name, url, w.origin.URL))
				return false
			}
			if url == "" {
				if err := addRemote(ctx, w.dir, w.origin.Name, w.origin.URL); err != nil {
					w.setUnready(TreeNew, err)
					return false
				}
			}
		case os.IsNotExist(statErr):
			if err := os.MkdirAll(w.dir, 0o755); err != nil {
				w.setUnready(TreeNew, err)
				return false
			}
			if _, err := clone(ctx, w.dir, w.origin.URL, w.branch); err != nil {
				w.setUnready(TreeNew, err)
				return false
			}
			if w.origin.Name != "origin" {
				if err := execGitCmd(ctx, []string{"remote", "rename", "origin", w.origin.Name}, gitCmdConfig{dir: w.dir}); err != nil {
					w.setUnready(TreeNew, err)
					return false
				}
			}
		default:
			w.setUnready(TreeNew, ErrMisplaced)
			return false
		}
		w.setUnready(TreeCloned, errors.New("remotes not yet verified"))
		return true

	case TreeCloned:
		ctx, cancel := context.WithTimeout(bg, w.timeout)
		defer cancel()

		if err := config(ctx, w.dir, w.user, w.email); err != nil {
			w.setUnready(TreeCloned, err)
			return false
		}
		if w.upstream.URL != "" {
			url, err := remoteURL(ctx, w.dir, w.upstream.Name)
			if err != nil {
				w.setUnready(TreeCloned, err)
				return false
			}
			switch {
			case url == "":
				err = addRemote(ctx, w.dir, w.upstream.Name, w.upstream.URL)
			case url != w.upstream.URL:
				err = setRemoteURL(ctx, w.dir, w.upstream.Name, w.upstream.URL)
			}
			if err != nil {
				w.setUnready(TreeCloned, err)
				return false
			}
		}
		// The credential is refreshed on every pass through here, so
		// rotating the token is just re-running Ensure.
		if w.token != "" && w.domain != "" {
			if err := setAuthHeader(ctx, w.dir, w.domain, w.token); err != nil {
				w.setUnready(TreeCloned, err)
				return false
			}
		}
		ok, err := refExists(ctx, w.dir, "refs/heads/"+w.branch)
		if err != nil {
			w.setUnready(TreeCloned, err)
			return false
		}
		if !ok {
			w.setUnready(TreeCloned, fmt.Errorf("configured branch '%s' does not exist", w.branch))
			return false
		}
		w.setReady()
		return true

	case TreeReady:
		return false
	}

	return false
}

// Ensure tries to advance the initialisation process along as far as
// possible, and returns an error if it is not able to get to a ready
// state. It is idempotent: an already-correct working copy is adopted,
// its credential refreshed, and nothing else touched.
func (w *WorkTree) Ensure(ctx context.Context) error {
	w.Lock()
	defer w.Unlock()
	for w.step(ctx) {
		// keep going!
	}
	RecordTreeStatus(w)
	_, err := w.Status()
	return err
}

// The operations below assume the caller holds the work-tree lock and
// has seen Ensure succeed.

// CheckoutBranch moves HEAD to the configured branch.
func (w *WorkTree) CheckoutBranch(ctx context.Context) error {
	if err := w.errorIfNotReady(); err != nil {
		return err
	}
	return checkout(ctx, w.dir, w.branch)
}

// FetchRemote fetches refs from the named remote. No-op under dry run.
func (w *WorkTree) FetchRemote(ctx context.Context, remote string) error {
	if err := w.errorIfNotReady(); err != nil {
		return err
	}
	if w.dryRun {
		return nil
	}
	return fetch(ctx, w.dir, remote)
}

// ResetToOrigin discards local state, hard-resetting the branch to the
// origin's copy.
func (w *WorkTree) ResetToOrigin(ctx context.Context) error {
	if err := w.errorIfNotReady(); err != nil {
		return err
	}
	return resetHard(ctx, w.dir, w.origin.Name+"/"+w.branch)
}

// Merge merges ref into the checked-out branch, preferring the
// incoming side on content conflicts.
func (w *WorkTree) Merge(ctx context.Context, ref, message string) error {
	if err := w.errorIfNotReady(); err != nil {
		return err
	}
	return merge(ctx, w.dir, ref, message)
}

// MergeAbort abandons an in-progress merge.
func (w *WorkTree) MergeAbort(ctx context.Context) error {
	return mergeAbort(ctx, w.dir)
}

// UnmergedFiles lists the paths still conflicted after a failed merge.
func (w *WorkTree) UnmergedFiles(ctx context.Context) ([]string, error) {
	return unmergedFiles(ctx, w.dir)
}

// RemovePath stages deletion of path (recursively).
func (w *WorkTree) RemovePath(ctx context.Context, path string) error {
	return remove(ctx, w.dir, path)
}

// Add stages path.
func (w *WorkTree) Add(ctx context.Context, path string) error {
	return add(ctx, w.dir, path)
}

// HasChanges reports whether the tree differs from HEAD.
func (w *WorkTree) HasChanges(ctx context.Context) bool {
	return hasChanges(ctx, w.dir)
}

// Commit commits staged and tracked changes.
func (w *WorkTree) Commit(ctx context.Context, action CommitAction) error {
	if err := w.errorIfNotReady(); err != nil {
		return err
	}
	return commit(ctx, w.dir, action)
}

// Push pushes the configured branch to origin. A rejected credential
// gets one refresh of the auth header before the error stands. No-op
// under dry run.
func (w *WorkTree) Push(ctx context.Context) error {
	if err := w.errorIfNotReady(); err != nil {
		return err
	}
	if w.dryRun {
		return nil
	}
	err := push(ctx, w.dir, w.origin.Name, []string{w.branch})
	if conderr.ClassOf(err) == conderr.Authentication && w.token != "" {
		if headerErr := setAuthHeader(ctx, w.dir, w.domain, w.token); headerErr != nil {
			return headerErr
		}
		return push(ctx, w.dir, w.origin.Name, []string{w.branch})
	}
	return err
}

// HeadRevision returns the commit hash of HEAD.
func (w *WorkTree) HeadRevision(ctx context.Context) (string, error) {
	return refRevision(ctx, w.dir, "HEAD")
}

// RemoteRevision returns the commit hash of the named remote's copy of
// the configured branch.
func (w *WorkTree) RemoteRevision(ctx context.Context, remote string) (string, error) {
	return refRevision(ctx, w.dir, remote+"/"+w.branch)
}

// CommitAction is a struct holding commit information.
type CommitAction struct {
	Author     string
	Message    string
	AllowEmpty bool
}
