//go:build !windows

package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/deixis/pwbridge/internal/cdp/cdptest"
	"github.com/deixis/pwbridge/internal/report"
)

// sqliteProject creates a project with a fake playwright script and a
// .pwbridge file keeping records in records.db, and makes it the working
// directory.
func sqliteProject(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "node_modules", ".bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		filepath.Join(bin, "playwright"): "#!/bin/sh\n" + script + "\n",
		filepath.Join(dir, "package.json"): `{"name":"e2e"}`,
		filepath.Join(dir, ".pwbridge"):    "report:\n  store: sqlite\n  path: records.db\n",
	}
	for path, data := range files {
		if err := os.WriteFile(path, []byte(data), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	t.Chdir(dir)
	return dir
}

func listRecords(t *testing.T, dir string) []report.Entry {
	t.Helper()
	s, err := report.OpenSQLiteStore(filepath.Join(dir, "records.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	defer s.Close()
	entries, err := s.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return entries
}

func TestRunMain_FailedRunReturnsSentinel(t *testing.T) {
	dir := sqliteProject(t, `echo "  1) [chromium] › tests/a.spec.ts:3:1 › fails"; exit 1`)

	err := runMain(nil)
	if !errors.Is(err, errRunFailed) {
		t.Fatalf("runMain error = %v, want errRunFailed", err)
	}

	entries := listRecords(t, dir)
	if len(entries) != 1 || entries[0].Kind != report.Run || entries[0].Success {
		t.Errorf("expected one failed run record, got %+v", entries)
	}
}

func TestRunMain_Passing(t *testing.T) {
	sqliteProject(t, `echo "PW_BRIDGE::SUCCESS_URL https://x/y"`)

	if err := runMain(nil); err != nil {
		t.Fatalf("runMain: %v", err)
	}
}

func TestCaptureMain_NoMatchReturnsSentinel(t *testing.T) {
	dir := sqliteProject(t, "exit 0")
	srv := cdptest.NewServer()
	defer srv.Close()
	srv.Reply("Network.enable", nil)
	srv.Reply("Network.disable", nil)

	err := captureMain([]string{"-devtools", srv.URL, "-url-contains", "/graphql", "-timeout", "200ms"})
	if !errors.Is(err, errNoMatch) {
		t.Fatalf("captureMain error = %v, want errNoMatch", err)
	}
	if n := len(srv.Calls("Network.disable")); n != 1 {
		t.Errorf("Network.disable calls = %d, want 1", n)
	}

	entries := listRecords(t, dir)
	if len(entries) != 1 || entries[0].Kind != report.Capture {
		t.Errorf("expected one capture record, got %+v", entries)
	}
}
