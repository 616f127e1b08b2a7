package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultInspectLimit caps the lines returned when no limit is given.
const defaultInspectLimit = 200

type inspectParams struct {
	RunID  string `json:"run_id" jsonschema:"the run or capture id from a pw_run or pw_capture result"`
	Stream string `json:"stream,omitempty" jsonschema:"stdout or stderr; both when empty. Ignored for captures."`
	Grep   string `json:"grep,omitempty" jsonschema:"regular expression selecting lines"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of lines, counted from the end (default 200)"`
}

func (h *handler) inspectHandler(ctx context.Context, req *mcp.CallToolRequest, params inspectParams) (*mcp.CallToolResult, any, error) {
	if params.RunID == "" {
		return errorResult("run_id is required")
	}

	rec, err := h.store.Load(params.RunID)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to load run %s: %v", params.RunID, err))
	}
	lines, err := rec.Lines(params.Stream, params.Grep)
	if err != nil {
		return errorResult(err.Error())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s (%s)\n", rec.ID, rec.Kind)
	if len(lines) == 0 {
		fmt.Fprintln(&b, "No matching lines.")
		return textResult(b.String())
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultInspectLimit
	}
	if len(lines) > limit {
		fmt.Fprintf(&b, "Showing last %d of %d lines.\n", limit, len(lines))
		lines = lines[len(lines)-limit:]
	}
	fmt.Fprintln(&b)
	for _, l := range lines {
		fmt.Fprintf(&b, "%s\n", l)
	}
	return textResult(b.String())
}
