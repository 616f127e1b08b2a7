package runner

import "time"

// Result holds the outcome of a Playwright run. It is created once, after
// the subprocess has exited.
type Result struct {
	RunID     string        // unique identifier for this run
	Argv      []string      // command that was executed
	Success   bool          // exit status was 0
	ExitCode  int           // process exit code
	Token     string        // first marker value on stdout; empty if none was seen
	Stdout    []byte        // retained stdout (may be truncated)
	Stderr    []byte        // retained stderr (may be truncated)
	Truncated bool          // true if output exceeded the size cap
	Duration  time.Duration // wall time from start to exit
}

// HasToken reports whether a marker line was seen on stdout.
func (r *Result) HasToken() bool {
	return r.Token != ""
}

// Err returns an *ExitError for a failed run, or nil on success.
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	return &ExitError{RunID: r.RunID, ExitCode: r.ExitCode, Token: r.Token}
}
