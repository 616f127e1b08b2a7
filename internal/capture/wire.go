package capture

import (
	"context"
	"encoding/json"

	"github.com/deixis/pwbridge/internal/cdp"
)

// WireConn is a Conn over a raw DevTools websocket target, for browsers
// started elsewhere (a Playwright worker, a remote Chrome).
type WireConn struct {
	target *cdp.Target
}

func NewWireConn(t *cdp.Target) *WireConn {
	return &WireConn{target: t}
}

func (c *WireConn) EnableNetwork(ctx context.Context, p EnableParams) error {
	params := map[string]any{}
	if p.MaxTotalBufferSize > 0 {
		params["maxTotalBufferSize"] = p.MaxTotalBufferSize
	}
	if p.MaxResourceBufferSize > 0 {
		params["maxResourceBufferSize"] = p.MaxResourceBufferSize
	}
	return c.target.Execute(ctx, "Network.enable", params, nil)
}

func (c *WireConn) DisableNetwork(ctx context.Context) error {
	return c.target.Execute(ctx, "Network.disable", nil, nil)
}

type wireResponseReceived struct {
	RequestID string `json:"requestId"`
	Response  struct {
		URL      string `json:"url"`
		Status   int64  `json:"status"`
		MIMEType string `json:"mimeType"`
	} `json:"response"`
}

func (c *WireConn) OnResponse(fn func(ResponseEvent)) func() {
	return c.target.Subscribe("Network.responseReceived", func(params json.RawMessage) {
		var ev wireResponseReceived
		if err := json.Unmarshal(params, &ev); err != nil {
			return
		}
		fn(ResponseEvent{
			RequestID: ev.RequestID,
			URL:       ev.Response.URL,
			Status:    ev.Response.Status,
			MIMEType:  ev.Response.MIMEType,
		})
	})
}

func (c *WireConn) ResponseBody(ctx context.Context, requestID string) (string, bool, error) {
	var res struct {
		Body          string `json:"body"`
		Base64Encoded bool   `json:"base64Encoded"`
	}
	err := c.target.Execute(ctx, "Network.getResponseBody", map[string]any{"requestId": requestID}, &res)
	if err != nil {
		return "", false, err
	}
	return res.Body, res.Base64Encoded, nil
}

// WireProvider hands out a WireConn on the first page of a browser
// connection.
type WireProvider struct {
	Client *cdp.Client
}

func (p WireProvider) DevTools(ctx context.Context) (Conn, error) {
	page, err := p.Client.FirstPage(ctx)
	if err != nil {
		return nil, err
	}
	return NewWireConn(page), nil
}
