package mutator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Fingerprint computes a stable content hash over the working tree:
// the sorted file listing together with each file's content hash,
// hashed again. The .git directory and the recorded state file itself
// are excluded, so repeated runs over an unchanged tree are
// deterministic.
func Fingerprint(dir, stateFile string) (string, error) {
	var paths []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == stateFile {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "walking work tree")
	}
	sort.Strings(paths)

	sum := sha256.New()
	for _, rel := range paths {
		fileSum, err := hashFile(filepath.Join(dir, rel))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(sum, "%s\x00%s\n", filepath.ToSlash(rel), fileSum)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "hashing %s", path)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "hashing %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
