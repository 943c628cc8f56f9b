package main

import (
	"errors"

	"github.com/taniwha3/swapdog/internal/config"
	"github.com/taniwha3/swapdog/internal/controller"
	"github.com/taniwha3/swapdog/internal/lockfile"
)

// Process exit codes, following sysexits(3)
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 64 // EX_USAGE
	ExitMalformed   = 65 // EX_DATAERR
	ExitNotFound    = 66 // EX_NOINPUT
	ExitUnavailable = 69 // EX_UNAVAILABLE
	ExitLocked      = 75 // EX_TEMPFAIL
	ExitSchema      = 78 // EX_CONFIG
)

var errUsage = errors.New("usage error")

// ExitCode maps an error returned during startup or by the control loop to
// the process exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var fatal *controller.FatalError
	switch {
	case errors.Is(err, errUsage):
		return ExitUsage
	case errors.Is(err, config.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, config.ErrMalformed):
		return ExitMalformed
	case errors.Is(err, config.ErrSchema):
		return ExitSchema
	case errors.Is(err, lockfile.ErrLocked):
		return ExitLocked
	case errors.As(err, &fatal):
		return ExitUnavailable
	default:
		return ExitFailure
	}
}
