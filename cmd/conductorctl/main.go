package main

import (
	"os"
	"os/exec"

	"github.com/pkg/errors"

	"github.com/foundriesio/conductor/pkg/conderr"
)

func main() {
	if err := newRoot().Command().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps a failure to the process exit status: 1 for invalid
// invocation, otherwise the exit status of the underlying failed
// operation when one is in the chain.
func exitCode(err error) int {
	if conderr.ClassOf(err) == conderr.Usage {
		return 1
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	return 1
}
