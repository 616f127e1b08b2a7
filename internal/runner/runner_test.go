//go:build !windows

package runner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

// writePlaywright installs a fake node_modules/.bin/playwright script in dir.
func writePlaywright(t *testing.T, dir, body string) {
	t.Helper()
	bin := filepath.Join(dir, "node_modules", ".bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(filepath.Join(bin, "playwright"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func newTestRunner(t *testing.T) (*Runner, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	return &Runner{
		Logger:    slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		MaxOutput: 1 << 20,
	}, &logs
}

func TestRun_MarkerExtracted(t *testing.T) {
	dir := t.TempDir()
	writePlaywright(t, dir, `echo "Running 1 test using 1 worker"
echo "PW_BRIDGE::SUCCESS_URL https://x/y"
exit 0`)

	r, _ := newTestRunner(t)
	res, err := r.Run(context.Background(), Config{Dir: dir, Spec: "a.spec.ts", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Errorf("Success = false, want true")
	}
	if res.Token != "https://x/y" {
		t.Errorf("Token = %q, want %q", res.Token, "https://x/y")
	}
	if res.RunID == "" {
		t.Error("RunID is empty")
	}
	if res.Err() != nil {
		t.Errorf("Err() = %v, want nil", res.Err())
	}
}

func TestRun_FirstMarkerWins(t *testing.T) {
	dir := t.TempDir()
	writePlaywright(t, dir, `echo "PW_BRIDGE::SUCCESS_URL first"
echo "PW_BRIDGE::SUCCESS_URL second"
echo "PW_BRIDGE::SUCCESS_URL third"`)

	r, _ := newTestRunner(t)
	res, err := r.Run(context.Background(), Config{Dir: dir, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Token != "first" {
		t.Errorf("Token = %q, want %q", res.Token, "first")
	}
}

func TestRun_SuccessWithoutMarker(t *testing.T) {
	dir := t.TempDir()
	writePlaywright(t, dir, `echo "1 passed (2.1s)"`)

	r, _ := newTestRunner(t)
	res, err := r.Run(context.Background(), Config{Dir: dir, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Error("Success = false, want true")
	}
	if res.HasToken() {
		t.Errorf("Token = %q, want none", res.Token)
	}
}

func TestRun_NonZeroExitWithMarker(t *testing.T) {
	dir := t.TempDir()
	writePlaywright(t, dir, `echo "PW_BRIDGE::SUCCESS_URL https://x/partial"
exit 3`)

	r, _ := newTestRunner(t)
	res, err := r.Run(context.Background(), Config{Dir: dir, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Error("Success = true, want false")
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Token != "https://x/partial" {
		t.Errorf("Token = %q, want marker value even on failure", res.Token)
	}
	var exitErr *ExitError
	if !errors.As(res.Err(), &exitErr) {
		t.Fatalf("Err() = %v, want *ExitError", res.Err())
	}
	if !strings.Contains(exitErr.Error(), "exit status 3") {
		t.Errorf("error = %q, want to mention exit status", exitErr)
	}
}

func TestRun_PartialLastLine(t *testing.T) {
	dir := t.TempDir()
	writePlaywright(t, dir, `printf 'PW_BRIDGE::SUCCESS_URL tail'`)

	r, _ := newTestRunner(t)
	res, err := r.Run(context.Background(), Config{Dir: dir, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Token != "tail" {
		t.Errorf("Token = %q, want %q", res.Token, "tail")
	}
}

func TestRun_Timeout(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pid")
	writePlaywright(t, dir, `echo $$ > "`+pidFile+`"
exec sleep 10`)

	r, _ := newTestRunner(t)
	start := time.Now()
	res, err := r.Run(context.Background(), Config{Dir: dir, Timeout: 2 * time.Second})
	elapsed := time.Since(start)

	if res != nil {
		t.Errorf("Result = %+v, want nil on timeout", res)
	}
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if !strings.Contains(err.Error(), "2s") {
		t.Errorf("error = %q, want to mention the deadline", err)
	}
	if elapsed > 6*time.Second {
		t.Errorf("Run took %v, want close to the 2s deadline", elapsed)
	}

	data, readErr := os.ReadFile(pidFile)
	if readErr != nil {
		t.Fatalf("reading pid file: %v", readErr)
	}
	pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
	if convErr != nil {
		t.Fatalf("parsing pid: %v", convErr)
	}
	if err := syscall.Kill(pid, 0); !errors.Is(err, syscall.ESRCH) {
		t.Errorf("process %d still exists after timeout (kill(0) = %v)", pid, err)
	}
}

func TestRun_NoTimeoutIsUnbounded(t *testing.T) {
	dir := t.TempDir()
	writePlaywright(t, dir, `sleep 1
echo done`)

	r, _ := newTestRunner(t)
	res, err := r.Run(context.Background(), Config{Dir: dir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Error("Success = false, want true")
	}
}

func TestRun_ContextCanceled(t *testing.T) {
	dir := t.TempDir()
	writePlaywright(t, dir, `exec sleep 10`)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	r, _ := newTestRunner(t)
	_, err := r.Run(ctx, Config{Dir: dir, Timeout: 5 * time.Second})
	if err == nil {
		t.Fatal("expected error for canceled context")
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		t.Errorf("err = %v, want context error rather than *TimeoutError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want to wrap context.DeadlineExceeded", err)
	}
}

func TestRun_LaunchError(t *testing.T) {
	r, _ := newTestRunner(t)
	_, err := r.Run(context.Background(), Config{
		Dir:        t.TempDir(),
		Executable: []string{"nonexistent-playwright-xyz-123"},
	})
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("err = %v, want *LaunchError", err)
	}
	if !strings.Contains(err.Error(), "nonexistent-playwright-xyz-123") {
		t.Errorf("error = %q, want to mention the executable", err)
	}
}

func TestRun_ArgsAndEnv(t *testing.T) {
	dir := t.TempDir()
	writePlaywright(t, dir, `echo "args: $*"
echo "target: $PW_BRIDGE_TARGET_URL"
echo "identity: $PW_BRIDGE_IDENTITY"`)
	t.Setenv(EnvTargetURL, "https://inherited.example")
	t.Setenv(EnvIdentity, "inherited-user")

	r, _ := newTestRunner(t)
	res, err := r.Run(context.Background(), Config{
		Dir:     dir,
		Spec:    "specs/login.spec.ts",
		Project: "chromium",
		Grep:    "@smoke",
		Headed:  true,
		Timeout: 5 * time.Second,
		Env:     map[string]string{EnvTargetURL: "https://staging.example"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := string(res.Stdout)
	wantArgs := "args: test specs/login.spec.ts --project=chromium --reporter=line --grep=@smoke --headed"
	if !strings.Contains(out, wantArgs) {
		t.Errorf("Stdout = %q, want to contain %q", out, wantArgs)
	}
	if !strings.Contains(out, "target: https://staging.example") {
		t.Errorf("Stdout = %q, want overlay to win over inherited env", out)
	}
	if !strings.Contains(out, "identity: inherited-user") {
		t.Errorf("Stdout = %q, want inherited env to pass through", out)
	}
}

func TestRun_RelaysBothStreams(t *testing.T) {
	dir := t.TempDir()
	writePlaywright(t, dir, `echo "to stdout"
echo "to stderr" >&2`)

	r, logs := newTestRunner(t)
	res, err := r.Run(context.Background(), Config{Dir: dir, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(res.Stderr), "to stderr") {
		t.Errorf("Stderr = %q, want to contain 'to stderr'", res.Stderr)
	}
	log := logs.String()
	if !strings.Contains(log, "[pw] to stdout") {
		t.Errorf("log = %q, want stdout line with [pw] prefix", log)
	}
	if !strings.Contains(log, "[pw:err] to stderr") {
		t.Errorf("log = %q, want stderr line with [pw:err] prefix", log)
	}
}

func TestRun_OutputOrderPreserved(t *testing.T) {
	dir := t.TempDir()
	writePlaywright(t, dir, `i=0
while [ $i -lt 200 ]; do echo "line $i"; i=$((i+1)); done`)

	r, _ := newTestRunner(t)
	res, err := r.Run(context.Background(), Config{Dir: dir, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(res.Stdout)), "\n")
	if len(lines) != 200 {
		t.Fatalf("got %d lines, want 200", len(lines))
	}
	for i, l := range lines {
		if l != "line "+strconv.Itoa(i) {
			t.Fatalf("line %d = %q, out of order", i, l)
		}
	}
}

func TestRun_OutputTruncation(t *testing.T) {
	dir := t.TempDir()
	writePlaywright(t, dir, `dd if=/dev/zero bs=4096 count=16 2>/dev/null | tr '\0' 'a'; echo`)

	r, _ := newTestRunner(t)
	r.MaxOutput = 100
	res, err := r.Run(context.Background(), Config{Dir: dir, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Truncated {
		t.Error("Truncated = false, want true")
	}
	if len(res.Stdout) > r.MaxOutput {
		t.Errorf("len(Stdout) = %d, want <= %d", len(res.Stdout), r.MaxOutput)
	}
}
