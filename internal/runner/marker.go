package runner

import (
	"bufio"
	"io"
	"strings"
	"sync/atomic"
)

// Marker prefixes the single result line a spec prints on stdout,
// e.g. "PW_BRIDGE::SUCCESS_URL https://app.example/orders/42".
const Marker = "PW_BRIDGE::SUCCESS_URL"

// ExtractToken returns the trimmed value following Marker in line.
// A marker without a value does not count as a match.
func ExtractToken(line string) (string, bool) {
	idx := strings.Index(line, Marker)
	if idx < 0 {
		return "", false
	}
	tok := strings.TrimSpace(line[idx+len(Marker):])
	if tok == "" {
		return "", false
	}
	return tok, true
}

// tokenSlot holds the first token seen on a stream. Later sets are ignored.
type tokenSlot struct {
	v atomic.Pointer[string]
}

func (s *tokenSlot) offer(tok string) bool {
	return s.v.CompareAndSwap(nil, &tok)
}

func (s *tokenSlot) get() string {
	if p := s.v.Load(); p != nil {
		return *p
	}
	return ""
}

// pumpLines reads r line by line until EOF or a read error and passes each
// line, without its terminator, to emit. A final unterminated line is
// delivered too. If emit panics, onPanic is called and reading continues so
// the writer is never blocked.
func pumpLines(r io.Reader, emit func(string), onPanic func(any)) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			safeEmit(emit, strings.TrimRight(line, "\r\n"), onPanic)
		}
		if err != nil {
			return
		}
	}
}

func safeEmit(emit func(string), line string, onPanic func(any)) {
	defer func() {
		if p := recover(); p != nil && onPanic != nil {
			onPanic(p)
		}
	}()
	emit(line)
}
