// Command idflow runs an identity responder or checks an identity from the
// command line. Configuration comes from IDFLOW_-prefixed environment
// variables; flags override the most common ones.
package main

import (
	"errors"
	"fmt"
	"os"
)

// Build information injected via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := newRootCmd(fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date))
	os.Exit(exitCode(root.Execute()))
}

// exitCode maps a command error to the process exit code. Cobra has already
// printed the error to stderr.
func exitCode(err error) int {
	if err == nil {
		return exitVerified
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	return exitFailure
}
