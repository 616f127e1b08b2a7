// Package runner supervises Playwright test runs: it resolves the
// executable, relays output, extracts the marker token and enforces a
// deadline with guaranteed cleanup.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"sync/atomic"
	"time"

	"github.com/deixis/pwbridge/internal/metrics"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultWaitDelay bounds how long Run waits for the output pipes to close
// after the child exits or is killed.
const DefaultWaitDelay = 2 * time.Second

// Config describes a single run. It is passed by value and never modified.
type Config struct {
	Spec       string            // spec path or test id
	Project    string            // Playwright project selector
	Grep       string            // optional --grep expression
	Headed     bool              // run browsers headed
	Reporter   string            // defaults to DefaultReporter
	Timeout    time.Duration     // zero means no deadline
	Dir        string            // working directory
	Env        map[string]string // overlay on the inherited environment
	Executable []string          // explicit argv prefix; skips Resolve
}

// Runner executes Playwright runs. The zero value is usable.
type Runner struct {
	Logger    *slog.Logger // relay sink; slog.Default() when nil
	MaxOutput int          // bytes retained per stream; 0 means DefaultMaxOutput
	WaitDelay time.Duration
	GOOS      string // defaults to runtime.GOOS
}

// DefaultMaxOutput is the per-stream retention cap when MaxOutput is unset.
const DefaultMaxOutput = 1 << 20

// Run executes one Playwright run and blocks until it has exited.
//
// It returns a *LaunchError if the executable cannot be resolved or started
// and a *TimeoutError if cfg.Timeout elapses first, after killing the
// process group. If ctx is canceled the process is killed the same way and
// ctx's error is returned. A nonzero exit status is not an error; see
// Result.Err.
func (r *Runner) Run(ctx context.Context, cfg Config) (*Result, error) {
	runID := uuid.New().String()
	logger := r.logger().With("run_id", runID)

	argv, err := r.argv(cfg)
	if err != nil {
		metrics.ObserveRun(metrics.OutcomeLaunch, 0)
		return nil, err
	}

	runCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var killed atomic.Bool
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = MergeEnv(os.Environ(), cfg.Env, r.goos() == "windows")
	cmd.Cancel = func() error {
		killed.Store(true)
		return killProcess(cmd)
	}
	cmd.WaitDelay = r.waitDelay()
	configureProcess(cmd, argv)

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	logger.Debug("starting playwright", "argv", argv, "dir", cfg.Dir, "timeout", cfg.Timeout)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = outW.Close()
		_ = errW.Close()
		metrics.ObserveRun(metrics.OutcomeLaunch, 0)
		return nil, &LaunchError{Argv: argv, Err: err}
	}

	limit := r.maxOutput()
	stdout := &limitWriter{limit: limit}
	stderr := &limitWriter{limit: limit}
	var token tokenSlot

	onPanic := func(stream string) func(any) {
		return func(p any) {
			logger.Error("output relay panicked", "stream", stream, "panic", p)
		}
	}

	var pumps errgroup.Group
	pumps.Go(func() error {
		pumpLines(outR, func(line string) {
			stdout.writeLine(line)
			logger.Info("[pw] " + line)
			if tok, ok := ExtractToken(line); ok && token.offer(tok) {
				logger.Debug("marker found", "token", tok)
			}
		}, onPanic("stdout"))
		return nil
	})
	pumps.Go(func() error {
		pumpLines(errR, func(line string) {
			stderr.writeLine(line)
			logger.Info("[pw:err] " + line)
		}, onPanic("stderr"))
		return nil
	})

	waitErr := cmd.Wait()
	duration := time.Since(start)

	// Wait has returned, so nothing writes to the pipes any more. Closing
	// them ends the pumps once every buffered line has been handled.
	_ = outW.Close()
	_ = errW.Close()
	_ = pumps.Wait()

	if killed.Load() {
		if ctx.Err() != nil {
			metrics.ObserveRun(metrics.OutcomeCancel, duration)
			return nil, fmt.Errorf("run %s canceled: %w", runID, ctx.Err())
		}
		metrics.ObserveRun(metrics.OutcomeTimeout, duration)
		logger.Warn("deadline exceeded, process killed", "timeout", cfg.Timeout)
		return nil, &TimeoutError{RunID: runID, Deadline: cfg.Timeout}
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
			exitCode = exitErr.ExitCode()
		case errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil:
			// Exited, but a descendant held the pipes open past WaitDelay.
			logger.Warn("output pipes closed after wait delay")
			exitCode = cmd.ProcessState.ExitCode()
		default:
			metrics.ObserveRun(metrics.OutcomeLaunch, duration)
			return nil, fmt.Errorf("waiting for run %s: %w", runID, waitErr)
		}
	}

	res := &Result{
		RunID:     runID,
		Argv:      argv,
		Success:   exitCode == 0,
		ExitCode:  exitCode,
		Token:     token.get(),
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  duration,
	}

	outcome := metrics.OutcomePass
	if !res.Success {
		outcome = metrics.OutcomeFail
	}
	metrics.ObserveRun(outcome, duration)
	logger.Info("playwright exited", "exit_code", exitCode, "token", res.Token, "duration", duration)
	return res, nil
}

func (r *Runner) argv(cfg Config) ([]string, error) {
	prefix := cfg.Executable
	if len(prefix) == 0 {
		var err error
		prefix, err = Resolve(r.goos(), cfg.Dir, exec.LookPath)
		if err != nil {
			return nil, err
		}
	}
	return append(slices.Clone(prefix), BuildArgs(cfg)...), nil
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) maxOutput() int {
	if r.MaxOutput > 0 {
		return r.MaxOutput
	}
	return DefaultMaxOutput
}

func (r *Runner) waitDelay() time.Duration {
	if r.WaitDelay > 0 {
		return r.WaitDelay
	}
	return DefaultWaitDelay
}

func (r *Runner) goos() string {
	if r.GOOS != "" {
		return r.GOOS
	}
	return runtime.GOOS
}
