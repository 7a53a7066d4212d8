package launch

import "errors"

// ErrBuild marks image construction failures. ErrRun marks container
// start or execution failures. Both surface unmodified to the caller as
// a non-zero process exit; there is no retry or degraded mode.
var (
	ErrBuild = errors.New("build failed")
	ErrRun   = errors.New("run failed")
)
