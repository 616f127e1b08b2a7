//go:build !windows

package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deixis/pwbridge/internal/cdp/cdptest"
	"github.com/deixis/pwbridge/internal/config"
	"github.com/deixis/pwbridge/internal/report"
	"github.com/deixis/pwbridge/internal/runner"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// setup creates a full pwbridge MCP server + client over in-memory
// transports. projectDir should hold a fake playwright script.
func setup(t *testing.T, projectDir string, cfg *config.Config) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	if cfg == nil {
		cfg = &config.Config{}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := report.NewLRUStore(5, report.NewDiskStore(t.TempDir()))
	r := &runner.Runner{Logger: logger, MaxOutput: cfg.MaxOutputBytes()}

	server := NewServer(cfg, r, store, projectDir, WithLogger(logger))

	ct, st := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server.Connect: %v", err)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client.Connect: %v", err)
	}

	t.Cleanup(func() {
		_ = cs.Close()
		_ = ss.Wait()
	})

	return cs
}

// fakeProject creates a project whose playwright binary is a shell script.
func fakeProject(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "node_modules", ".bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bin, "playwright"), []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"e2e"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func callTool(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return res
}

func resultText(r *mcp.CallToolResult) string {
	var parts []string
	for _, c := range r.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func field(text, prefix string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix)
		}
	}
	return ""
}

func TestListTools(t *testing.T) {
	cs := setup(t, t.TempDir(), nil)
	res, err := cs.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"pw_run", "pw_inspect", "pw_capture"} {
		if !names[want] {
			t.Errorf("tool %s not registered (have %v)", want, names)
		}
	}
}

// --- pw_run ---

func TestPwRun_Passing(t *testing.T) {
	dir := fakeProject(t, `echo "Running 1 test using 1 worker"
echo "project=$3 target=$PW_BRIDGE_TARGET_URL"
echo "PW_BRIDGE::SUCCESS_URL https://x/y"
echo "  1 passed (1.0s)"`)
	cs := setup(t, dir, nil)

	res := callTool(t, cs, "pw_run", map[string]any{
		"spec": "tests/login.spec.ts",
		"env":  map[string]any{"PW_BRIDGE_TARGET_URL": "https://staging.example"},
	})
	text := resultText(res)
	if res.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, "Status: PASS") {
		t.Errorf("expected Status: PASS, got:\n%s", text)
	}
	if got := field(text, "Token: "); got != "https://x/y" {
		t.Errorf("Token = %q, want https://x/y\n%s", got, text)
	}
	if field(text, "Run: ") == "" {
		t.Errorf("expected Run: in output, got:\n%s", text)
	}

	runID := field(text, "Run: ")
	insp := callTool(t, cs, "pw_inspect", map[string]any{"run_id": runID, "stream": "stdout", "grep": "^project="})
	inspText := resultText(insp)
	if insp.IsError {
		t.Fatalf("unexpected error from pw_inspect: %s", inspText)
	}
	if !strings.Contains(inspText, "project=--project=chromium target=https://staging.example") {
		t.Errorf("expected default project and env overlay, got:\n%s", inspText)
	}
}

func TestPwRun_Failing(t *testing.T) {
	dir := fakeProject(t, `echo "  1) [chromium] › tests/cart.spec.ts:8:3 › adds item ──────"
echo "    Error: expect(received).toBe(expected)"
echo "  1 failed"
exit 1`)
	cs := setup(t, dir, nil)

	res := callTool(t, cs, "pw_run", nil)
	text := resultText(res)
	if !strings.Contains(text, "Status: FAIL") {
		t.Errorf("expected Status: FAIL, got:\n%s", text)
	}
	if !strings.Contains(text, "Exit status: 1") {
		t.Errorf("expected exit status, got:\n%s", text)
	}
	if !strings.Contains(text, "tests/cart.spec.ts:8 adds item") {
		t.Errorf("expected failed test listed, got:\n%s", text)
	}
	if !strings.Contains(text, "pw_inspect") {
		t.Errorf("expected pw_inspect hint, got:\n%s", text)
	}
	if !strings.Contains(text, "Token: none") {
		t.Errorf("expected no token, got:\n%s", text)
	}
}

func TestPwRun_Timeout(t *testing.T) {
	dir := fakeProject(t, `exec sleep 10`)
	cs := setup(t, dir, nil)

	res := callTool(t, cs, "pw_run", map[string]any{"timeout": "1s"})
	text := resultText(res)
	if !res.IsError {
		t.Fatalf("expected IsError for timeout, got:\n%s", text)
	}
	if !strings.Contains(text, "Status: TIMEOUT") || !strings.Contains(text, "1s") {
		t.Errorf("expected timeout with deadline, got:\n%s", text)
	}
}

func TestPwRun_InvalidTimeout(t *testing.T) {
	cs := setup(t, fakeProject(t, "exit 0"), nil)
	res := callTool(t, cs, "pw_run", map[string]any{"timeout": "soon"})
	if !res.IsError {
		t.Errorf("expected IsError for invalid timeout, got:\n%s", resultText(res))
	}
}

func TestPwRun_LaunchError(t *testing.T) {
	cfg := &config.Config{Run: config.RunConfig{Executable: []string{"/nonexistent/playwright"}}}
	cs := setup(t, t.TempDir(), cfg)
	res := callTool(t, cs, "pw_run", nil)
	text := resultText(res)
	if !res.IsError || !strings.Contains(text, "LAUNCH ERROR") {
		t.Errorf("expected launch error, got:\n%s", text)
	}
}

// --- pw_inspect ---

func TestPwInspect_EmptyRunID(t *testing.T) {
	cs := setup(t, t.TempDir(), nil)
	res := callTool(t, cs, "pw_inspect", map[string]any{"run_id": ""})
	if !res.IsError {
		t.Error("expected IsError for empty run_id")
	}
}

func TestPwInspect_UnknownRunID(t *testing.T) {
	cs := setup(t, t.TempDir(), nil)
	res := callTool(t, cs, "pw_inspect", map[string]any{"run_id": "nonexistent-id"})
	if !res.IsError {
		t.Error("expected IsError for unknown run_id")
	}
}

func TestPwInspect_Limit(t *testing.T) {
	dir := fakeProject(t, `i=0
while [ $i -lt 10 ]; do echo "line $i"; i=$((i+1)); done`)
	cs := setup(t, dir, nil)

	runID := field(resultText(callTool(t, cs, "pw_run", nil)), "Run: ")
	res := callTool(t, cs, "pw_inspect", map[string]any{"run_id": runID, "limit": 3})
	text := resultText(res)
	if !strings.Contains(text, "Showing last 3 of 10 lines.") {
		t.Errorf("expected limit header, got:\n%s", text)
	}
	if strings.Contains(text, "line 6") || !strings.Contains(text, "line 9") {
		t.Errorf("expected only the last lines, got:\n%s", text)
	}
}

// --- pw_capture ---

func fakeBrowser(t *testing.T) *cdptest.Server {
	t.Helper()
	srv := cdptest.NewServer()
	t.Cleanup(srv.Close)

	srv.Reply("Network.enable", nil)
	srv.Reply("Network.disable", nil)
	srv.Handle("Page.navigate", func(string, json.RawMessage) (any, error) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = srv.Emit("", "Network.responseReceived", map[string]any{
				"requestId": "r-static",
				"response":  map[string]any{"url": "https://shop.example/app.js", "status": 200, "mimeType": "text/javascript"},
			})
			_ = srv.Emit("", "Network.responseReceived", map[string]any{
				"requestId": "r-api",
				"response":  map[string]any{"url": "https://shop.example/api/cart", "status": 200, "mimeType": "application/json"},
			})
		}()
		return map[string]any{"frameId": "F1"}, nil
	})
	srv.Handle("Network.getResponseBody", func(_ string, params json.RawMessage) (any, error) {
		return map[string]any{"body": `{"ok":true,"items":2}`, "base64Encoded": false}, nil
	})
	return srv
}

func TestPwCapture(t *testing.T) {
	srv := fakeBrowser(t)
	cs := setup(t, t.TempDir(), nil)

	res := callTool(t, cs, "pw_capture", map[string]any{
		"devtools_url": srv.URL,
		"url_contains": "/api/",
		"navigate":     "https://shop.example/",
		"needle":       "items",
		"timeout_ms":   3000,
	})
	text := resultText(res)
	if res.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, "Status: CAPTURED") {
		t.Errorf("expected Status: CAPTURED, got:\n%s", text)
	}
	if !strings.Contains(text, "Exchanges (1):") || !strings.Contains(text, "200 https://shop.example/api/cart") {
		t.Errorf("expected the api exchange only, got:\n%s", text)
	}
	if len(srv.Calls("Network.disable")) != 1 {
		t.Errorf("expected Network.disable on close, calls: %v", srv.Calls(""))
	}

	captureID := field(text, "Capture: ")
	insp := callTool(t, cs, "pw_inspect", map[string]any{"run_id": captureID})
	if !strings.Contains(resultText(insp), "(capture)") {
		t.Errorf("expected capture record, got:\n%s", resultText(insp))
	}
}

func TestPwCapture_NothingMatches(t *testing.T) {
	srv := fakeBrowser(t)
	cs := setup(t, t.TempDir(), nil)

	res := callTool(t, cs, "pw_capture", map[string]any{
		"devtools_url": srv.URL,
		"url_contains": "/graphql",
		"navigate":     "https://shop.example/",
		"timeout_ms":   300,
	})
	text := resultText(res)
	if res.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, "Status: NOT FOUND") || !strings.Contains(text, "Exchanges (0):") {
		t.Errorf("expected no exchanges, got:\n%s", text)
	}
}

func TestPwCapture_NoEndpoint(t *testing.T) {
	cs := setup(t, t.TempDir(), nil)
	res := callTool(t, cs, "pw_capture", nil)
	if !res.IsError || !strings.Contains(resultText(res), "devtools_url") {
		t.Errorf("expected devtools_url error, got:\n%s", resultText(res))
	}
}

func TestPwCapture_NetworkUnsupported(t *testing.T) {
	srv := cdptest.NewServer()
	t.Cleanup(srv.Close)
	cs := setup(t, t.TempDir(), &config.Config{Capture: config.CaptureConfig{DevToolsURL: srv.URL}})

	res := callTool(t, cs, "pw_capture", nil)
	text := resultText(res)
	if !res.IsError || !strings.Contains(text, "Network.enable") {
		t.Errorf("expected unsupported Network.enable, got:\n%s", text)
	}
}
