package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/artpar/stackd/internal/core/domain"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "stackd: %v\n", err)
		return exitCode(err)
	}
	return ExitSuccess
}

// exitCode maps a command error onto the process exit status.
func exitCode(err error) int {
	var sErr *ServerError
	if errors.As(err, &sErr) {
		return sErr.ExitCode
	}
	if domain.IsConfigurationError(err) {
		return ExitConfigError
	}
	return ExitCommandError
}
