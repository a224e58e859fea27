package gitutil

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/foundriesio/conductor/pkg/conderr"
)

// Env vars that are allowed to be inherited from the OS
var allowedEnvVars = []string{
	// these are for people using (no) proxies. Git follows the curl
	// conventions, so HTTP_PROXY is intentionally missing
	"http_proxy", "https_proxy", "no_proxy", "HTTPS_PROXY", "NO_PROXY", "GIT_PROXY_COMMAND",
	"HOME",
}

type gitCmdConfig struct {
	dir string
	env []string
	out io.Writer
}

func config(ctx context.Context, workingDir, user, email string) error {
	for k, v := range map[string]string{
		"user.name":  user,
		"user.email": email,
	} {
		args := []string{"config", k, v}
		if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir}); err != nil {
			return errors.Wrap(err, "setting git config")
		}
	}
	return nil
}

func clone(ctx context.Context, workingDir, repoURL, repoBranch string) (path string, err error) {
	repoPath := workingDir
	args := []string{"clone"}
	if repoBranch != "" {
		args = append(args, "--branch", repoBranch)
	}
	args = append(args, repoURL, repoPath)
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir}); err != nil {
		return "", errors.Wrap(err, "git clone")
	}
	return repoPath, nil
}

func checkout(ctx context.Context, workingDir, ref string) error {
	args := []string{"checkout", ref, "--"}
	return execGitCmd(ctx, args, gitCmdConfig{dir: workingDir})
}

func add(ctx context.Context, workingDir, path string) error {
	args := []string{"add", "--", path}
	return execGitCmd(ctx, args, gitCmdConfig{dir: workingDir})
}

// remove stages the deletion of a path, recursively. Used when
// dropping conflicting trust material during a merge.
func remove(ctx context.Context, workingDir, path string) error {
	args := []string{"rm", "-r", "--ignore-unmatch", "--", path}
	return execGitCmd(ctx, args, gitCmdConfig{dir: workingDir})
}

func commit(ctx context.Context, workingDir string, action CommitAction) error {
	args := []string{"commit", "--no-verify", "-a", "-m", action.Message}
	if action.AllowEmpty {
		args = append(args, "--allow-empty")
	}
	if action.Author != "" {
		args = append(args, "--author", action.Author)
	}
	args = append(args, "--")
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir}); err != nil {
		return errors.Wrap(err, "git commit")
	}
	return nil
}

// push the refs given to the upstream repo
func push(ctx context.Context, workingDir, upstream string, refs []string) error {
	args := append([]string{"push", upstream}, refs...)
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir}); err != nil {
		return classifyTransportError(errors.Wrap(err, fmt.Sprintf("git push %s %s", upstream, refs)))
	}
	return nil
}

// fetch updates refs from the named remote.
func fetch(ctx context.Context, workingDir, remote string, refspec ...string) error {
	args := append([]string{"fetch", "--tags", remote}, refspec...)
	// In git <=2.20 the error started with an uppercase, in 2.21 this
	// was changed to be consistent with all other die() and error()
	// messages, cast to lowercase to support both versions.
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir}); err != nil &&
		!strings.Contains(strings.ToLower(err.Error()), "couldn't find remote ref") {
		return classifyTransportError(errors.Wrap(err, fmt.Sprintf("git fetch --tags %s %s", remote, refspec)))
	}
	return nil
}

// merge merges ref into the current branch preferring the incoming
// side on content conflicts ("theirs"). Tree-level conflicts (e.g. a
// file deleted on one side) still fail and surface through err.
func merge(ctx context.Context, workingDir, ref, message string) error {
	args := []string{"merge", "-X", "theirs", "-m", message, ref}
	return execGitCmd(ctx, args, gitCmdConfig{dir: workingDir})
}

func mergeAbort(ctx context.Context, workingDir string) error {
	args := []string{"merge", "--abort"}
	return execGitCmd(ctx, args, gitCmdConfig{dir: workingDir})
}

// unmergedFiles lists paths still in conflict after a failed merge.
func unmergedFiles(ctx context.Context, workingDir string) ([]string, error) {
	out := &bytes.Buffer{}
	args := []string{"diff", "--name-only", "--diff-filter=U"}
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir, out: out}); err != nil {
		return nil, err
	}
	return splitList(out.String()), nil
}

func resetHard(ctx context.Context, workingDir, ref string) error {
	args := []string{"reset", "--hard", ref}
	return execGitCmd(ctx, args, gitCmdConfig{dir: workingDir})
}

func refExists(ctx context.Context, workingDir, ref string) (bool, error) {
	args := []string{"rev-list", ref, "--"}
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir}); err != nil {
		if strings.Contains(err.Error(), "bad revision") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// refRevision returns the commit hash for a reference.
func refRevision(ctx context.Context, workingDir, ref string) (string, error) {
	out := &bytes.Buffer{}
	args := []string{"rev-list", "--max-count", "1", ref, "--"}
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir, out: out}); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

// remoteURL returns the fetch URL configured for the named remote, or
// "" if the remote does not exist.
func remoteURL(ctx context.Context, workingDir, remote string) (string, error) {
	out := &bytes.Buffer{}
	args := []string{"remote", "get-url", remote}
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir, out: out}); err != nil {
		if strings.Contains(err.Error(), "No such remote") ||
			strings.Contains(err.Error(), "no such remote") {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

func addRemote(ctx context.Context, workingDir, remote, url string) error {
	args := []string{"remote", "add", remote, url}
	return execGitCmd(ctx, args, gitCmdConfig{dir: workingDir})
}

func setRemoteURL(ctx context.Context, workingDir, remote, url string) error {
	args := []string{"remote", "set-url", remote, url}
	return execGitCmd(ctx, args, gitCmdConfig{dir: workingDir})
}

// setAuthHeader configures an extra HTTP header carrying the bearer
// token, scoped to the repository domain so the credential is never
// sent elsewhere. Refreshing the token is re-running this.
func setAuthHeader(ctx context.Context, workingDir, domain, token string) error {
	basic := base64.StdEncoding.EncodeToString([]byte("ci:" + token))
	key := fmt.Sprintf("http.https://%s/.extraheader", domain)
	args := []string{"config", key, "Authorization: basic " + basic}
	return execGitCmd(ctx, args, gitCmdConfig{dir: workingDir})
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return []string{}
	}
	outStr := strings.TrimSuffix(s, "\n")
	return strings.Split(outStr, "\n")
}

// classifyTransportError tags network-ish and credential-ish git
// failures so the worker pool can decide whether to retry.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication failed"),
		strings.Contains(msg, "could not read username"),
		strings.Contains(msg, "403"),
		strings.Contains(msg, "401"):
		return conderr.New(conderr.Authentication, err)
	case strings.Contains(msg, "could not resolve host"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "operation timed out"),
		strings.Contains(msg, "early eof"),
		strings.Contains(msg, "the remote end hung up"):
		return conderr.New(conderr.TransientNetwork, err)
	}
	return err
}

type threadSafeBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *threadSafeBuffer) Write(p []byte) (n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *threadSafeBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

func (b *threadSafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// execGitCmd runs a `git` command with the supplied arguments.
func execGitCmd(ctx context.Context, args []string, config gitCmdConfig) error {
	c := exec.CommandContext(ctx, "git", args...)

	if config.dir != "" {
		c.Dir = config.dir
	}
	c.Env = append(env(), config.env...)
	stdOutAndStdErr := &threadSafeBuffer{}
	c.Stdout = stdOutAndStdErr
	c.Stderr = stdOutAndStdErr
	if config.out != nil {
		c.Stdout = io.MultiWriter(c.Stdout, config.out)
	}

	err := c.Run()
	if err != nil {
		// Wrap rather than replace: the *exec.ExitError stays in the
		// chain so callers can surface git's own exit status.
		if len(stdOutAndStdErr.Bytes()) > 0 {
			msg := findErrorMessage(bytes.NewReader(stdOutAndStdErr.Bytes()))
			if msg != "" {
				err = errors.Wrapf(err, "%s, full output:\n %s", msg, stdOutAndStdErr.String())
			} else {
				err = errors.Wrap(err, stdOutAndStdErr.String())
			}
		}
	}

	if ctx.Err() == context.DeadlineExceeded {
		return errors.Wrap(ctx.Err(), fmt.Sprintf("running git command: %s %v", "git", args))
	} else if ctx.Err() == context.Canceled {
		return errors.Wrap(ctx.Err(), fmt.Sprintf("context was unexpectedly cancelled when running git command: %s %v", "git", args))
	}
	return err
}

func env() []string {
	env := []string{"GIT_TERMINAL_PROMPT=0"}

	// include allowed env vars from os
	for _, k := range allowedEnvVars {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}

	return env
}

// hasChanges returns true if the working tree differs from HEAD.
func hasChanges(ctx context.Context, workingDir string) bool {
	// `--quiet` means "exit with 1 if there are changes"
	args := []string{"diff", "--quiet", "HEAD", "--"}
	return execGitCmd(ctx, args, gitCmdConfig{dir: workingDir}) != nil
}

func findErrorMessage(output io.Reader) string {
	sc := bufio.NewScanner(output)
	for sc.Scan() {
		switch {
		case strings.HasPrefix(sc.Text(), "fatal: "):
			return sc.Text()
		case strings.HasPrefix(sc.Text(), "ERROR fatal: "): // Saw this error on ubuntu systems
			return sc.Text()
		case strings.HasPrefix(sc.Text(), "error:"):
			return strings.TrimPrefix(sc.Text(), "error: ")
		}
	}
	return ""
}
