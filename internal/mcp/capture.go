package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/deixis/pwbridge/internal/capture"
	"github.com/deixis/pwbridge/internal/cdp"
	"github.com/deixis/pwbridge/internal/report"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type captureParams struct {
	DevToolsURL string `json:"devtools_url,omitempty" jsonschema:"websocket DevTools endpoint (ws://127.0.0.1:9222/devtools/browser/...). Defaults to the configured endpoint."`
	URLContains string `json:"url_contains,omitempty" jsonschema:"only capture responses whose URL contains this text"`
	Navigate    string `json:"navigate,omitempty" jsonschema:"URL to load in the page once capture has started"`
	TimeoutMS   int    `json:"timeout_ms,omitempty" jsonschema:"how long to wait for a matching response (default 10000)"`
	Needle      string `json:"needle,omitempty" jsonschema:"wait for a response body containing this text (case-insensitive)"`
}

func (h *handler) captureHandler(ctx context.Context, req *mcp.CallToolRequest, params captureParams) (*mcp.CallToolResult, any, error) {
	cfg, _ := h.project()

	endpoint := params.DevToolsURL
	if endpoint == "" {
		endpoint = cfg.Capture.DevToolsURL
	}
	if endpoint == "" {
		return errorResult("devtools_url is required: pass it or set capture.devtools_url in .pwbridge")
	}
	contains := params.URLContains
	if contains == "" {
		contains = cfg.Capture.URLContains
	}
	wait := cfg.WaitTimeout()
	if params.TimeoutMS > 0 {
		wait = time.Duration(params.TimeoutMS) * time.Millisecond
	}

	client, err := cdp.Dial(ctx, endpoint)
	if err != nil {
		return errorResult(fmt.Sprintf("connecting to browser: %v", err))
	}
	defer client.Close()

	page, err := client.FirstPage(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("attaching to page: %v", err))
	}

	var filter capture.Filter = capture.AllURLs
	if contains != "" {
		filter = capture.URLContains(contains)
	}
	sess, err := capture.Open(ctx, capture.NewWireConn(page), filter,
		capture.WithLogger(h.logger),
		capture.WithPollInterval(cfg.PollInterval()),
		capture.WithBodyTimeout(cfg.BodyTimeout()),
	)
	if err != nil {
		return errorResult(err.Error())
	}

	if params.Navigate != "" {
		if err := page.Navigate(ctx, params.Navigate); err != nil {
			_ = sess.Close(ctx)
			return errorResult(err.Error())
		}
	}

	var found bool
	if params.Needle != "" {
		found = sess.WaitForBody(wait, params.Needle)
	} else {
		found = sess.WaitForAny(wait)
	}
	if found {
		sess.WaitForSettled(cfg.BodyTimeout())
	}
	_ = sess.Close(ctx)

	rec := report.FromCapture(sess.ID, sess.Exchanges())
	if err := h.store.Save(rec); err != nil {
		h.logger.Warn("saving capture record", "capture_id", rec.ID, "error", err)
	}
	for _, line := range sess.Summaries() {
		h.logger.Info("[capture] " + line)
	}
	return textResult(formatCapture(rec, found, contains, params.Needle, wait))
}

func formatCapture(rec *report.Record, found bool, contains, needle string, wait time.Duration) string {
	var b strings.Builder

	if found {
		fmt.Fprintln(&b, "Status: CAPTURED")
	} else {
		fmt.Fprintln(&b, "Status: NOT FOUND")
	}
	fmt.Fprintf(&b, "Capture: %s\n", rec.ID)
	if contains != "" {
		fmt.Fprintf(&b, "Filter: url contains %q\n", contains)
	}
	fmt.Fprintln(&b)

	fmt.Fprintf(&b, "Exchanges (%d):\n", len(rec.Exchanges))
	for _, ex := range rec.Exchanges {
		fmt.Fprintf(&b, "  %s\n", ex)
	}

	if !found {
		fmt.Fprintln(&b)
		if needle != "" {
			fmt.Fprintf(&b, "No response body contained %q within %s.\n", needle, wait)
		} else {
			fmt.Fprintf(&b, "No matching response arrived within %s.\n", wait)
		}
	}
	return b.String()
}
