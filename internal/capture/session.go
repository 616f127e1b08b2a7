// Package capture records network responses from a browser page over the
// DevTools protocol so tests can assert on the traffic a page produced.
package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/deixis/pwbridge/internal/metrics"
	"github.com/google/uuid"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultBodyTimeout  = 10 * time.Second

	DefaultMaxTotalBufferSize    = 64 << 20
	DefaultMaxResourceBufferSize = 16 << 20
)

// Exchange is one captured response.
type Exchange struct {
	RequestID  string
	URL        string
	Status     int64
	MIMEType   string
	Body       string
	BodyReady  bool
	BodyErr    *BodyFetchError
	CapturedAt time.Time
}

// BodyPending reports whether the body fetch has not finished yet.
func (e Exchange) BodyPending() bool {
	return !e.BodyReady && e.BodyErr == nil
}

// Summary is a single line describing the exchange.
func (e Exchange) Summary() string {
	body := fmt.Sprintf("%d bytes", len(e.Body))
	switch {
	case e.BodyErr != nil:
		body = "body unavailable"
	case e.BodyPending():
		body = "body pending"
	}
	mime := e.MIMEType
	if mime == "" {
		mime = "-"
	}
	return fmt.Sprintf("%d %s %s (%s)", e.Status, e.URL, mime, body)
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithPollInterval sets the check interval of WaitForAny and WaitForBody.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithBodyTimeout bounds each response body fetch.
func WithBodyTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.bodyTimeout = d
		}
	}
}

// WithBufferSizes overrides the buffer sizes requested from the browser.
func WithBufferSizes(total, perResource int64) Option {
	return func(s *Session) {
		s.enable = EnableParams{MaxTotalBufferSize: total, MaxResourceBufferSize: perResource}
	}
}

// Session is a live capture on one page. It is created by Open and stays
// readable after Close.
type Session struct {
	ID string

	conn         Conn
	filter       Filter
	logger       *slog.Logger
	pollInterval time.Duration
	bodyTimeout  time.Duration
	enable       EnableParams

	mu        sync.Mutex
	seen      map[string]bool
	exchanges []*Exchange
	closed    bool

	unsubscribe func()
}

// Open starts capturing responses whose URL satisfies filter. driver must
// be a Conn or a Provider. A nil filter keeps every response.
//
// The network domain is enabled with buffer sizes first and without them
// if the browser rejects that form. If both fail, or driver offers no
// DevTools connection, Open returns an *UnsupportedError and no session.
func Open(ctx context.Context, driver any, filter Filter, opts ...Option) (*Session, error) {
	conn, err := resolveConn(ctx, driver)
	if err != nil {
		return nil, err
	}
	if filter == nil {
		filter = AllURLs
	}
	s := &Session{
		ID:           uuid.New().String(),
		conn:         conn,
		filter:       filter,
		pollInterval: DefaultPollInterval,
		bodyTimeout:  DefaultBodyTimeout,
		enable: EnableParams{
			MaxTotalBufferSize:    DefaultMaxTotalBufferSize,
			MaxResourceBufferSize: DefaultMaxResourceBufferSize,
		},
		seen: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("capture_id", s.ID)

	s.unsubscribe = conn.OnResponse(s.handle)
	if err := s.enableNetwork(ctx); err != nil {
		s.unsubscribe()
		return nil, err
	}
	metrics.SessionOpened()
	s.logger.Debug("capture started")
	return s, nil
}

func resolveConn(ctx context.Context, driver any) (Conn, error) {
	switch d := driver.(type) {
	case Conn:
		return d, nil
	case Provider:
		conn, err := d.DevTools(ctx)
		if err != nil {
			return nil, &UnsupportedError{Capability: "DevTools", Err: err}
		}
		return conn, nil
	default:
		return nil, &UnsupportedError{Capability: "DevTools", Err: fmt.Errorf("%T exposes no protocol connection", driver)}
	}
}

func (s *Session) enableNetwork(ctx context.Context) error {
	preferred := s.conn.EnableNetwork(ctx, s.enable)
	if preferred == nil {
		return nil
	}
	s.logger.Debug("Network.enable with buffer sizes rejected, retrying without", "error", preferred)
	alternate := s.conn.EnableNetwork(ctx, EnableParams{})
	if alternate == nil {
		return nil
	}
	return &UnsupportedError{Capability: "Network.enable", Err: errors.Join(preferred, alternate)}
}

func (s *Session) handle(ev ResponseEvent) {
	if !s.filter(ev.URL) {
		return
	}
	ex := &Exchange{
		RequestID:  ev.RequestID,
		URL:        ev.URL,
		Status:     ev.Status,
		MIMEType:   ev.MIMEType,
		CapturedAt: time.Now(),
	}

	s.mu.Lock()
	if s.closed || s.seen[ev.RequestID] {
		s.mu.Unlock()
		return
	}
	s.seen[ev.RequestID] = true
	s.exchanges = append(s.exchanges, ex)
	s.mu.Unlock()

	metrics.ExchangeCaptured()
	go s.fetchBody(ex)
}

// fetchBody fills in the body of a stored exchange. It is not cancelled by
// Close; a result that lands afterwards still completes the exchange.
func (s *Session) fetchBody(ex *Exchange) {
	ctx, cancel := context.WithTimeout(context.Background(), s.bodyTimeout)
	defer cancel()

	body, encoded, err := s.conn.ResponseBody(ctx, ex.RequestID)
	if err == nil && encoded {
		var raw []byte
		raw, err = base64.StdEncoding.DecodeString(body)
		body = string(raw)
	}
	if err != nil {
		metrics.BodyFetchFailed()
		s.logger.Debug("response body unavailable", "url", ex.URL, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		ex.BodyErr = &BodyFetchError{RequestID: ex.RequestID, Err: err}
		return
	}
	ex.Body = body
	ex.BodyReady = true
}

// Len returns the number of stored exchanges.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exchanges)
}

// Exchanges returns a copy of the stored exchanges in the order their
// responses arrived. Bodies may still be pending.
func (s *Session) Exchanges() []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Exchange, len(s.exchanges))
	for i, ex := range s.exchanges {
		out[i] = *ex
	}
	return out
}

// Summaries returns one line per stored exchange.
func (s *Session) Summaries() []string {
	exs := s.Exchanges()
	out := make([]string, len(exs))
	for i, ex := range exs {
		out[i] = ex.Summary()
	}
	return out
}

// AnyBodyContains reports whether a stored body contains needle, ignoring
// case.
func (s *Session) AnyBodyContains(needle string) bool {
	needle = strings.ToLower(needle)
	return s.anyBody(func(body string) bool {
		return strings.Contains(strings.ToLower(body), needle)
	})
}

// AnyBodyContainsExact is AnyBodyContains with case-sensitive matching.
func (s *Session) AnyBodyContainsExact(needle string) bool {
	return s.anyBody(func(body string) bool {
		return strings.Contains(body, needle)
	})
}

func (s *Session) anyBody(match func(string) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.ContainsFunc(s.exchanges, func(ex *Exchange) bool {
		return ex.BodyReady && match(ex.Body)
	})
}

// WaitForAny reports whether at least one exchange is stored within
// timeout. It polls, so it may return up to one poll interval late.
func (s *Session) WaitForAny(timeout time.Duration) bool {
	return s.poll(timeout, func() bool { return s.Len() > 0 })
}

// WaitForSettled reports whether every stored exchange has its body or a
// fetch error within timeout.
func (s *Session) WaitForSettled(timeout time.Duration) bool {
	return s.poll(timeout, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !slices.ContainsFunc(s.exchanges, func(ex *Exchange) bool { return ex.BodyPending() })
	})
}

// WaitForBody reports whether a stored body contains needle, ignoring case,
// within timeout.
func (s *Session) WaitForBody(timeout time.Duration, needle string) bool {
	return s.poll(timeout, func() bool { return s.AnyBodyContains(needle) })
}

func (s *Session) poll(timeout time.Duration, done func() bool) bool {
	if done() {
		return true
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for range ticker.C {
		if done() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
	}
	return false
}

// Close stops the capture and disables the network domain. Errors from a
// connection that has already gone away are logged and dropped. Close is
// idempotent and keeps the stored exchanges.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	n := len(s.exchanges)
	s.mu.Unlock()

	s.unsubscribe()
	if err := s.conn.DisableNetwork(ctx); err != nil {
		s.logger.Debug("Network.disable failed", "error", err)
	}
	metrics.SessionClosed()
	s.logger.Debug("capture closed", "exchanges", n)
	return nil
}
