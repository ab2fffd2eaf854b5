package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spboyer/sessmerge/internal/merge"
)

// Exit codes for different failure modes
const (
	ExitSuccess   = 0 // Merge written, or nothing to merge
	ExitMergeData = 1 // Input sessions could not be merged
	ExitError     = 2 // Configuration or runtime error
)

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error returned by the CLI onto a process exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, merge.ErrMergeData):
		return ExitMergeData
	default:
		return ExitError
	}
}
