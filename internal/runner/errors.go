package runner

import (
	"fmt"
	"strings"
	"time"
)

// LaunchError is returned when the Playwright executable cannot be
// resolved or started. It is never retried.
type LaunchError struct {
	Argv []string
	Err  error
}

func (e *LaunchError) Error() string {
	if len(e.Argv) == 0 {
		return fmt.Sprintf("launching playwright: %v", e.Err)
	}
	return fmt.Sprintf("launching %s: %v", strings.Join(e.Argv, " "), e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// TimeoutError is returned when a run exceeds its deadline. The process
// group has already been killed when the error is returned.
type TimeoutError struct {
	RunID    string
	Deadline time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run %s exceeded deadline of %s; process killed", e.RunID, e.Deadline)
}

// ExitError describes a run that completed with a nonzero exit status.
// Run does not return it; callers obtain it from Result.Err.
type ExitError struct {
	RunID    string
	ExitCode int
	Token    string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("run %s failed with exit status %d", e.RunID, e.ExitCode)
	if e.Token != "" {
		msg += fmt.Sprintf(" (marker reported %q)", e.Token)
	}
	return msg
}
