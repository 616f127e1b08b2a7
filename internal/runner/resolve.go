package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Environment keys the harness passes to specs.
const (
	EnvTargetURL = "PW_BRIDGE_TARGET_URL"
	EnvIdentity  = "PW_BRIDGE_IDENTITY"
)

// DefaultReporter is a line-oriented, non-interactive Playwright reporter.
const DefaultReporter = "line"

// Resolve returns the argv prefix for invoking Playwright from dir.
//
// On Windows the runner always goes through the command shell, since npx is
// a .cmd shim. Elsewhere a project-local node_modules/.bin/playwright is
// preferred when it is an executable regular file; otherwise npx is used.
func Resolve(goos, dir string, lookPath func(string) (string, error)) ([]string, error) {
	if goos == "windows" {
		return []string{"cmd.exe", "/c", "npx", "playwright"}, nil
	}

	local := filepath.Join(dir, "node_modules", ".bin", "playwright")
	if fi, err := os.Stat(local); err == nil && fi.Mode().IsRegular() && fi.Mode().Perm()&0o111 != 0 {
		return []string{local}, nil
	}

	npx, err := lookPath("npx")
	if err != nil {
		return nil, &LaunchError{
			Argv: []string{"npx", "playwright"},
			Err:  fmt.Errorf("no executable at %s and npx not found: %w", local, err),
		}
	}
	return []string{npx, "playwright"}, nil
}

// BuildArgs assembles the Playwright arguments in a fixed order so runs are
// comparable: test, spec, project, reporter, grep, headed.
func BuildArgs(cfg Config) []string {
	args := []string{"test"}
	if cfg.Spec != "" {
		args = append(args, cfg.Spec)
	}
	if cfg.Project != "" {
		args = append(args, "--project="+cfg.Project)
	}
	reporter := cfg.Reporter
	if reporter == "" {
		reporter = DefaultReporter
	}
	args = append(args, "--reporter="+reporter)
	if cfg.Grep != "" {
		args = append(args, "--grep="+cfg.Grep)
	}
	if cfg.Headed {
		args = append(args, "--headed")
	}
	return args
}

// QuoteWindowsArg wraps s in double quotes, escaping embedded quotes, when
// it contains whitespace or a quote. Other arguments are returned unchanged.
func QuoteWindowsArg(s string) string {
	if s == "" {
		return `""`
	}
	if !strings.ContainsAny(s, " \t\"") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// WindowsCommandLine joins argv into a single command line for cmd.exe.
func WindowsCommandLine(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = QuoteWindowsArg(a)
	}
	return strings.Join(quoted, " ")
}

// MergeEnv layers overlay on top of base (KEY=VALUE entries). Overlay values
// win on collision and are appended in key order. When foldKeys is set, keys
// compare case-insensitively, as on Windows.
func MergeEnv(base []string, overlay map[string]string, foldKeys bool) []string {
	if len(overlay) == 0 {
		return append([]string(nil), base...)
	}

	norm := func(k string) string {
		if foldKeys {
			return strings.ToUpper(k)
		}
		return k
	}
	override := make(map[string]bool, len(overlay))
	for k := range overlay {
		override[norm(k)] = true
	}

	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if override[norm(k)] {
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overlay[k])
	}
	return out
}
