package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/cuemby/netident/pkg/reconciler"
	"github.com/cuemby/netident/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes
const (
	exitOK        = 0
	exitOther     = 1
	exitNoAddress = 2
	exitIssuance  = 3
	exitRender    = 4
	exitStore     = 5
)

func main() {
	cmd := newRootCmd()
	err := cmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps a command error onto the process exit status
func exitCode(err error) int {
	var usage *usageError
	if errors.As(err, &usage) {
		return exitOther
	}

	switch reconciler.Kind(err) {
	case types.ErrorKindNone, types.ErrorKindReloadWarning:
		return exitOK
	case types.ErrorKindNoAddress:
		return exitNoAddress
	case types.ErrorKindIssuance:
		return exitIssuance
	case types.ErrorKindRender:
		return exitRender
	case types.ErrorKindStore:
		return exitStore
	default:
		return exitOther
	}
}

// usageError marks configuration and flag problems
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }

func (e *usageError) Unwrap() error { return e.err }
