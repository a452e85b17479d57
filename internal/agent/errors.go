package agent

import (
	"fmt"
	"time"
)

// SpawnError means the agent process could not be started at all.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn agent process: %v", e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError means the agent process terminated with a non-zero status.
type ExitError struct {
	Code       int
	StderrTail string
}

func (e *ExitError) Error() string {
	if e.StderrTail == "" {
		return fmt.Sprintf("agent process exited with code %d", e.Code)
	}
	return fmt.Sprintf("agent process exited with code %d: %s", e.Code, e.StderrTail)
}

// TimeoutError means the run exceeded its deadline and the process was killed
// (graceful signal first, forceful after the grace window).
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent process timed out after %s", e.Timeout)
}

// OutputError means the process exited cleanly but its output artifact is
// missing, malformed, or carries an explicit error marker. It models a
// semantic failure separately from process termination.
type OutputError struct {
	Path   string
	Reason string
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("invalid agent output %s: %s", e.Path, e.Reason)
}
