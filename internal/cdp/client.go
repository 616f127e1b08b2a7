// Package cdp is a minimal Chrome DevTools Protocol client over a
// websocket. It dispatches command replies by id and events to per-session
// subscribers, and supports flattened target sessions.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by calls on a closed connection.
var ErrClosed = errors.New("cdp: connection closed")

// ProtocolError is an error reply from the browser.
type ProtocolError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// MethodNotFound is the JSON-RPC code for an unknown method.
const MethodNotFound = -32601

// IsMethodNotFound reports whether err is a protocol error for an unknown method.
func IsMethodNotFound(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Code == MethodNotFound
}

// Message is one frame on the wire, either direction.
type Message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ProtocolError  `json:"error,omitempty"`
}

type subKey struct {
	session string
	method  string
}

// Client is a DevTools websocket connection.
type Client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *Message
	subs    map[subKey]map[int64]func(json.RawMessage)
	subSeq  int64

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to a DevTools websocket endpoint, either the browser
// endpoint (ws://host:9222/devtools/browser/<id>) or a page endpoint.
func Dial(ctx context.Context, wsURL string) (*Client, error) {
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := d.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}
	c := &Client{
		ws:      ws,
		pending: make(map[int64]chan *Message),
		subs:    make(map[subKey]map[int64]func(json.RawMessage)),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed when the connection has shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection shut down, or nil while it is open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close shuts the connection down. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- &msg
			}
			continue
		}
		if msg.Method != "" {
			c.dispatch(msg)
		}
	}
}

// dispatch runs subscribers on the read goroutine; they must not block.
func (c *Client) dispatch(msg Message) {
	c.mu.Lock()
	set := c.subs[subKey{msg.SessionID, msg.Method}]
	fns := make([]func(json.RawMessage), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(msg.Params)
	}
}

func (c *Client) execute(ctx context.Context, session, method string, params, result any) error {
	id := c.nextID.Add(1)
	msg := Message{ID: id, Method: method, SessionID: session}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
		msg.Params = raw
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", method, err)
	}

	ch := make(chan *Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Time{})
	}
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case reply := <-ch:
		if reply.Error != nil {
			return reply.Error
		}
		if result != nil && len(reply.Result) > 0 {
			if err := json.Unmarshal(reply.Result, result); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) subscribe(session, method string, fn func(json.RawMessage)) func() {
	key := subKey{session, method}
	c.mu.Lock()
	c.subSeq++
	id := c.subSeq
	if c.subs[key] == nil {
		c.subs[key] = make(map[int64]func(json.RawMessage))
	}
	c.subs[key][id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs[key], id)
			if len(c.subs[key]) == 0 {
				delete(c.subs, key)
			}
			c.mu.Unlock()
		})
	}
}
