// Package report persists run and capture records so their output can be
// drilled into after the fact, by stream, pattern or failed test.
package report

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/deixis/pwbridge/internal/capture"
	"github.com/deixis/pwbridge/internal/runner"
)

// Kind identifies the type of a record.
type Kind string

const (
	// Run is a Playwright run.
	Run Kind = "run"
	// Capture is a network capture session.
	Capture Kind = "capture"
)

// ErrNotFound is returned by Load for an unknown id.
var ErrNotFound = errors.New("record not found")

// Store persists and retrieves records.
type Store interface {
	Save(rec *Record) error
	Load(id string) (*Record, error)
}

// Record is the stored form of a run or a capture.
type Record struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`

	// Run fields.
	Argv       []string      `json:"argv,omitempty"`
	ExitCode   int           `json:"exit_code"`
	Success    bool          `json:"success"`
	Token      string        `json:"token,omitempty"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	Truncated  bool          `json:"truncated,omitempty"`
	DurationMS int64         `json:"duration_ms"`
	Failures   []TestFailure `json:"failures,omitempty"`

	// Capture fields.
	Exchanges []ExchangeSummary `json:"exchanges,omitempty"`
}

// ExchangeSummary is a captured response without its full body.
type ExchangeSummary struct {
	RequestID string `json:"request_id"`
	URL       string `json:"url"`
	Status    int64  `json:"status"`
	MIMEType  string `json:"mime_type,omitempty"`
	BodySize  int    `json:"body_size"`
	Preview   string `json:"preview,omitempty"`
	BodyError string `json:"body_error,omitempty"`
	Pending   bool   `json:"body_pending,omitempty"`
}

// TestFailure is a failed test listed by the Playwright line reporter.
type TestFailure struct {
	Project string `json:"project"`
	File    string `json:"file"`
	Line    int    `json:"line"`
	Title   string `json:"title"`
}

// PreviewSize caps ExchangeSummary.Preview.
const PreviewSize = 512

// Expect returns an error if the record's Kind does not match want.
func (r *Record) Expect(want Kind) error {
	if r.Kind != want {
		return fmt.Errorf("record %s is a %s record, not a %s record", r.ID, r.Kind, want)
	}
	return nil
}

// FromRun converts a finished run.
func FromRun(res *runner.Result) *Record {
	stdout := string(res.Stdout)
	return &Record{
		ID:         res.RunID,
		Kind:       Run,
		CreatedAt:  time.Now().UTC(),
		Argv:       res.Argv,
		ExitCode:   res.ExitCode,
		Success:    res.Success,
		Token:      res.Token,
		Stdout:     stdout,
		Stderr:     string(res.Stderr),
		Truncated:  res.Truncated,
		DurationMS: res.Duration.Milliseconds(),
		Failures:   ParseFailures(stdout),
	}
}

// FromCapture converts the exchanges of a capture session.
func FromCapture(id string, exchanges []capture.Exchange) *Record {
	rec := &Record{
		ID:        id,
		Kind:      Capture,
		CreatedAt: time.Now().UTC(),
		Success:   len(exchanges) > 0,
	}
	for _, ex := range exchanges {
		s := ExchangeSummary{
			RequestID: ex.RequestID,
			URL:       ex.URL,
			Status:    ex.Status,
			MIMEType:  ex.MIMEType,
			BodySize:  len(ex.Body),
			Preview:   truncate(ex.Body, PreviewSize),
		}
		if ex.BodyErr != nil {
			s.BodyError = ex.BodyErr.Error()
		}
		s.Pending = ex.BodyPending()
		rec.Exchanges = append(rec.Exchanges, s)
	}
	return rec
}

// Lines returns the lines of stream ("stdout", "stderr" or "" for both)
// that match grep, a regular expression. An empty grep matches every line.
// For capture records the lines are exchange summaries.
func (r *Record) Lines(stream, grep string) ([]string, error) {
	var re *regexp.Regexp
	if grep != "" {
		var err error
		re, err = regexp.Compile(grep)
		if err != nil {
			return nil, fmt.Errorf("invalid grep pattern: %w", err)
		}
	}

	var src []string
	switch {
	case r.Kind == Capture:
		for _, ex := range r.Exchanges {
			src = append(src, ex.String())
		}
	case stream == "stdout":
		src = splitLines(r.Stdout)
	case stream == "stderr":
		src = splitLines(r.Stderr)
	case stream == "":
		src = append(splitLines(r.Stdout), splitLines(r.Stderr)...)
	default:
		return nil, fmt.Errorf("unknown stream %q (want stdout or stderr)", stream)
	}

	if re == nil {
		return src, nil
	}
	var out []string
	for _, l := range src {
		if re.MatchString(l) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s ExchangeSummary) String() string {
	if s.BodyError != "" {
		return fmt.Sprintf("%d %s (body unavailable: %s)", s.Status, s.URL, s.BodyError)
	}
	if s.Pending {
		return fmt.Sprintf("%d %s (body pending)", s.Status, s.URL)
	}
	return fmt.Sprintf("%d %s (%d bytes) %s", s.Status, s.URL, s.BodySize, s.Preview)
}

// failureRe matches the header the line reporter prints for each failure:
//
//	1) [chromium] › tests/login.spec.ts:12:5 › logs in ────────
var failureRe = regexp.MustCompile(`^\s*\d+\) \[([^\]]+)\] › (.+?):(\d+):\d+ › (.+?)[\s─]*$`)

// ParseFailures extracts failed tests from line reporter output.
func ParseFailures(stdout string) []TestFailure {
	var out []TestFailure
	seen := make(map[string]bool)
	for _, l := range splitLines(stdout) {
		m := failureRe.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		line, _ := strconv.Atoi(m[3])
		f := TestFailure{Project: m[1], File: m[2], Line: line, Title: m[4]}
		key := f.Project + "|" + f.File + "|" + m[3] + "|" + f.Title
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	return out
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "…"
}
