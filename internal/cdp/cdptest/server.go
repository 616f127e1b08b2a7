// Package cdptest provides an in-process DevTools endpoint for tests.
package cdptest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/deixis/pwbridge/internal/cdp"
	"github.com/gorilla/websocket"
)

// HandlerFunc answers one command. A non-nil *cdp.ProtocolError is sent as
// an error reply; any other error becomes an internal error reply.
type HandlerFunc func(sessionID string, params json.RawMessage) (any, error)

// Call is a recorded command.
type Call struct {
	Method    string
	SessionID string
	Params    json.RawMessage
}

// Server is a fake browser speaking the DevTools wire protocol.
type Server struct {
	srv *httptest.Server
	// URL is the websocket endpoint to Dial.
	URL string

	mu        sync.Mutex
	handlers  map[string]HandlerFunc
	calls     []Call
	conns     []*conn
	connected chan struct{}
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// NewServer starts a fake endpoint. Unhandled methods reply with
// cdp.MethodNotFound, as Chrome does.
func NewServer() *Server {
	s := &Server{
		handlers:  make(map[string]HandlerFunc),
		connected: make(chan struct{}, 16),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &conn{ws: ws}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		s.connected <- struct{}{}
		s.serve(c)
	}))
	s.URL = "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/devtools/page/fake"
	return s
}

// Close stops the server and drops every connection.
func (s *Server) Close() {
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.ws.Close()
	}
	s.mu.Unlock()
	s.srv.Close()
}

// Handle registers h for method, replacing any earlier handler.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Reply registers a handler that always returns result.
func (s *Server) Reply(method string, result any) {
	s.Handle(method, func(string, json.RawMessage) (any, error) { return result, nil })
}

// Calls returns the recorded commands for method, or all commands when
// method is empty.
func (s *Server) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// WaitConnected blocks until a client connects or timeout elapses.
func (s *Server) WaitConnected(timeout time.Duration) bool {
	select {
	case <-s.connected:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Emit sends an event to every connected client.
func (s *Server) Emit(sessionID, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	msg := cdp.Message{Method: method, SessionID: sessionID, Params: raw}
	s.mu.Lock()
	conns := append([]*conn(nil), s.conns...)
	s.mu.Unlock()
	if len(conns) == 0 {
		return fmt.Errorf("cdptest: no connected clients")
	}
	for _, c := range conns {
		if err := c.send(msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) serve(c *conn) {
	for {
		var msg cdp.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: msg.Method, SessionID: msg.SessionID, Params: msg.Params})
		h := s.handlers[msg.Method]
		s.mu.Unlock()

		reply := cdp.Message{ID: msg.ID, SessionID: msg.SessionID}
		if h == nil {
			reply.Error = &cdp.ProtocolError{Code: cdp.MethodNotFound, Message: fmt.Sprintf("'%s' wasn't found", msg.Method)}
		} else if result, err := h(msg.SessionID, msg.Params); err != nil {
			if pe, ok := err.(*cdp.ProtocolError); ok {
				reply.Error = pe
			} else {
				reply.Error = &cdp.ProtocolError{Code: -32000, Message: err.Error()}
			}
		} else {
			if result == nil {
				result = struct{}{}
			}
			raw, err := json.Marshal(result)
			if err != nil {
				reply.Error = &cdp.ProtocolError{Code: -32000, Message: err.Error()}
			} else {
				reply.Result = raw
			}
		}
		if err := c.send(reply); err != nil {
			return
		}
	}
}
