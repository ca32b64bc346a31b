package loader

import (
	"errors"
	"fmt"
)

var (
	// ErrModNotFound means no installed mod has that name.
	ErrModNotFound = errors.New("mod not found")
	// ErrModNotActive means the mod has no live runner to route to.
	ErrModNotActive = errors.New("mod not active")
	// ErrModDisabled means the mod was manually disabled.
	ErrModDisabled = errors.New("mod disabled")
)

// RunnerCrashedError rejects pending calls when a runner process dies
// without a prior unload response.
type RunnerCrashedError struct {
	Mod string
	Err error
}

func (e *RunnerCrashedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("runner for mod %q crashed: %v", e.Mod, e.Err)
	}
	return fmt.Sprintf("runner for mod %q crashed", e.Mod)
}

func (e *RunnerCrashedError) Unwrap() error { return e.Err }

// IsRunnerCrashed reports whether err is (or wraps) a runner crash.
func IsRunnerCrashed(err error) bool {
	var rc *RunnerCrashedError
	return errors.As(err, &rc)
}

// ValidationFailedError carries the validator output for a rejected
// package.
type ValidationFailedError struct {
	Dir    string
	Reason error
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("mod package %s failed validation: %v", e.Dir, e.Reason)
}

func (e *ValidationFailedError) Unwrap() error { return e.Reason }
