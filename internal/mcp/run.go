package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deixis/pwbridge/internal/report"
	"github.com/deixis/pwbridge/internal/runner"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type runParams struct {
	Spec    string            `json:"spec,omitempty" jsonschema:"spec file or test id relative to the project root (e.g. tests/login.spec.ts or tests/login.spec.ts:12). Defaults to the whole suite."`
	Project string            `json:"project,omitempty" jsonschema:"Playwright project to run. Defaults to the configured project."`
	Grep    string            `json:"grep,omitempty" jsonschema:"only run tests whose title matches this pattern"`
	Headed  bool              `json:"headed,omitempty" jsonschema:"run browsers headed"`
	Timeout string            `json:"timeout,omitempty" jsonschema:"run deadline such as 90s or 5m; 0 disables it. Defaults to the configured timeout."`
	Env     map[string]string `json:"env,omitempty" jsonschema:"environment overlay, e.g. PW_BRIDGE_TARGET_URL or PW_BRIDGE_IDENTITY"`
}

func (h *handler) runHandler(ctx context.Context, req *mcp.CallToolRequest, params runParams) (*mcp.CallToolResult, any, error) {
	cfg, root := h.project()

	timeout := cfg.Timeout()
	if params.Timeout != "" {
		d, err := time.ParseDuration(params.Timeout)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid timeout %q: %v", params.Timeout, err))
		}
		timeout = d
	}
	project := params.Project
	if project == "" {
		project = cfg.Project()
	}
	env := make(map[string]string, len(cfg.Run.Env)+len(params.Env))
	for k, v := range cfg.Run.Env {
		env[k] = v
	}
	for k, v := range params.Env {
		env[k] = v
	}

	res, err := h.runner.Run(ctx, runner.Config{
		Spec:       params.Spec,
		Project:    project,
		Grep:       params.Grep,
		Headed:     params.Headed || cfg.Run.Headed,
		Timeout:    timeout,
		Dir:        root,
		Env:        env,
		Executable: cfg.Run.Executable,
	})
	if err != nil {
		return errorResult(formatRunError(err))
	}

	rec := report.FromRun(res)
	if err := h.store.Save(rec); err != nil {
		h.logger.Warn("saving run record", "run_id", rec.ID, "error", err)
	}
	return textResult(formatRun(rec))
}

func formatRunError(err error) string {
	var launchErr *runner.LaunchError
	var timeoutErr *runner.TimeoutError
	switch {
	case errors.As(err, &launchErr):
		return fmt.Sprintf("Status: LAUNCH ERROR\n\n%v\n\nAction: install Playwright in the project (npm i -D @playwright/test) or set run.executable in .pwbridge.", err)
	case errors.As(err, &timeoutErr):
		return fmt.Sprintf("Status: TIMEOUT\nRun: %s\n\n%v\n\nAction: re-run with a longer timeout or a narrower spec/grep.", timeoutErr.RunID, err)
	default:
		return fmt.Sprintf("run failed: %v", err)
	}
}

func formatRun(rec *report.Record) string {
	var b strings.Builder

	if rec.Success {
		fmt.Fprintln(&b, "Status: PASS")
	} else {
		fmt.Fprintln(&b, "Status: FAIL")
	}
	fmt.Fprintf(&b, "Run: %s\n", rec.ID)
	fmt.Fprintf(&b, "Exit status: %d\n", rec.ExitCode)
	if rec.Token != "" {
		fmt.Fprintf(&b, "Token: %s\n", rec.Token)
	} else {
		fmt.Fprintln(&b, "Token: none")
	}
	fmt.Fprintf(&b, "Duration: %s\n", (time.Duration(rec.DurationMS) * time.Millisecond).String())
	if rec.Truncated {
		fmt.Fprintln(&b, "Output: truncated")
	}
	fmt.Fprintln(&b)

	if len(rec.Failures) > 0 {
		fmt.Fprintln(&b, "Failures:")
		for _, f := range rec.Failures {
			fmt.Fprintf(&b, "  [%s] %s:%d %s\n", f.Project, f.File, f.Line, f.Title)
		}
		fmt.Fprintln(&b)
	}

	if !rec.Success {
		fmt.Fprintf(&b, "Inspect with pw_inspect(run_id=%q, grep=\"<spec file or error text>\").\n", rec.ID)
	}
	return b.String()
}
