// Package gittest creates throwaway local git repositories for
// exercising the repository mutator without a network.
package gittest

import (
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// Files is a minimal manifest-repository layout used by default.
var Files = map[string]string{
	"default.xml":                "<manifest><project name=\"meta-os\"/></manifest>",
	"factory-keys/targets.pub":   "downstream targets key",
	"factory-keys/snapshot.pub":  "downstream snapshot key",
	"conf/machine.conf":          "MACHINE ?= \"imx8mm\"\n",
	"scripts/build-wrapper.conf": "JOBS=4\n",
}

// BareRepo creates a clone-able bare git repo pre-populated with the
// given files (Files when nil) and one commit. Returns the URL to
// clone from.
func BareRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	if files == nil {
		files = Files
	}
	newDir := t.TempDir()

	filesDir := filepath.Join(newDir, "files")
	gitDir := filepath.Join(newDir, "git")
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		t.Fatal(err)
	}

	execOrFatal(t, "git", "-C", filesDir, "init", "-b", "master")
	execOrFatal(t, "git", "-C", filesDir, "config", "--local", "user.email", "example@example.com")
	execOrFatal(t, "git", "-C", filesDir, "config", "--local", "user.name", "example")
	writeFiles(t, filesDir, files)
	execOrFatal(t, "git", "-C", filesDir, "add", "--all")
	execOrFatal(t, "git", "-C", filesDir, "commit", "-m", "Initial revision")
	execOrFatal(t, "git", "clone", "--bare", filesDir, gitDir)

	return "file://" + gitDir
}

// PushChange commits the given files on top of the repo at url and
// pushes, simulating an independent writer (e.g. the upstream
// reference moving on).
func PushChange(t *testing.T, url, branch, message string, files map[string]string) {
	t.Helper()
	workDir := t.TempDir()
	execOrFatal(t, "git", "clone", "--branch", branch, url, workDir)
	execOrFatal(t, "git", "-C", workDir, "config", "--local", "user.email", "example@example.com")
	execOrFatal(t, "git", "-C", workDir, "config", "--local", "user.name", "example")
	writeFiles(t, workDir, files)
	execOrFatal(t, "git", "-C", workDir, "add", "--all")
	execOrFatal(t, "git", "-C", workDir, "commit", "-m", message)
	execOrFatal(t, "git", "-C", workDir, "push", "origin", branch)
}

// ForkRepo creates a new bare repo sharing history with the repo at
// url, playing the role of an upstream reference that later diverges.
func ForkRepo(t *testing.T, url string) string {
	t.Helper()
	gitDir := filepath.Join(t.TempDir(), "fork")
	execOrFatal(t, "git", "clone", "--bare", url, gitDir)
	return "file://" + gitDir
}

// RemoveAndPush deletes the given paths on branch at url and pushes,
// e.g. an upstream rotating its signing material away.
func RemoveAndPush(t *testing.T, url, branch, message string, paths ...string) {
	t.Helper()
	workDir := t.TempDir()
	execOrFatal(t, "git", "clone", "--branch", branch, url, workDir)
	execOrFatal(t, "git", "-C", workDir, "config", "--local", "user.email", "example@example.com")
	execOrFatal(t, "git", "-C", workDir, "config", "--local", "user.name", "example")
	for _, p := range paths {
		execOrFatal(t, "git", "-C", workDir, "rm", "-r", p)
	}
	execOrFatal(t, "git", "-C", workDir, "commit", "-m", message)
	execOrFatal(t, "git", "-C", workDir, "push", "origin", branch)
}

// HeadMessage returns the subject of the last commit on branch at url.
func HeadMessage(t *testing.T, url, branch string) string {
	t.Helper()
	workDir := t.TempDir()
	execOrFatal(t, "git", "clone", "--branch", branch, url, workDir)
	out, err := exec.Command("git", "-C", workDir, "log", "-1", "--pretty=%s").Output()
	if err != nil {
		t.Fatal(err)
	}
	return string(out)
}

// FileAt returns the content of path on branch at url, and whether the
// file exists there at all.
func FileAt(t *testing.T, url, branch, path string) (string, bool) {
	t.Helper()
	workDir := t.TempDir()
	execOrFatal(t, "git", "clone", "--branch", branch, url, workDir)
	content, err := ioutil.ReadFile(filepath.Join(workDir, path))
	if os.IsNotExist(err) {
		return "", false
	}
	if err != nil {
		t.Fatal(err)
	}
	return string(content), true
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := ioutil.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func execOrFatal(t *testing.T, cmd string, args ...string) {
	t.Helper()
	c := exec.Command(cmd, args...)
	out, err := c.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %v: %v\n%s", cmd, args, err, out)
	}
}
