package cdp

import (
	"context"
	"encoding/json"
	"fmt"
)

// Target is a command/event scope on a Client: the connection's own target,
// or a flattened session attached with Attach.
type Target struct {
	client    *Client
	SessionID string
}

// Page returns the connection's root target. On a page endpoint that is
// the page itself.
func (c *Client) Page() *Target {
	return &Target{client: c}
}

// Client returns the underlying connection.
func (t *Target) Client() *Client {
	return t.client
}

// Execute sends method with params and decodes the reply into result,
// which may be nil.
func (t *Target) Execute(ctx context.Context, method string, params, result any) error {
	return t.client.execute(ctx, t.SessionID, method, params, result)
}

// Subscribe calls fn with the params of every method event on this target.
// fn runs on the connection's read goroutine and must not block.
func (t *Target) Subscribe(method string, fn func(params json.RawMessage)) (unsubscribe func()) {
	return t.client.subscribe(t.SessionID, method, fn)
}

// TargetInfo describes a browser target.
type TargetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

// Targets lists the browser's targets.
func (c *Client) Targets(ctx context.Context) ([]TargetInfo, error) {
	var res struct {
		TargetInfos []TargetInfo `json:"targetInfos"`
	}
	if err := c.Page().Execute(ctx, "Target.getTargets", nil, &res); err != nil {
		return nil, err
	}
	return res.TargetInfos, nil
}

// Attach opens a flattened session on targetID.
func (c *Client) Attach(ctx context.Context, targetID string) (*Target, error) {
	params := map[string]any{"targetId": targetID, "flatten": true}
	var res struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.Page().Execute(ctx, "Target.attachToTarget", params, &res); err != nil {
		return nil, fmt.Errorf("attaching to %s: %w", targetID, err)
	}
	if res.SessionID == "" {
		return nil, fmt.Errorf("attaching to %s: empty session id", targetID)
	}
	return &Target{client: c, SessionID: res.SessionID}, nil
}

// FirstPage attaches to the first page target. On a page endpoint, where
// the Target domain is unavailable, it returns the root target.
func (c *Client) FirstPage(ctx context.Context) (*Target, error) {
	infos, err := c.Targets(ctx)
	if err != nil {
		if IsMethodNotFound(err) {
			return c.Page(), nil
		}
		return nil, fmt.Errorf("listing targets: %w", err)
	}
	for _, info := range infos {
		if info.Type == "page" {
			return c.Attach(ctx, info.TargetID)
		}
	}
	return nil, fmt.Errorf("no page target among %d targets", len(infos))
}

// Navigate loads url in the target.
func (t *Target) Navigate(ctx context.Context, url string) error {
	var res struct {
		ErrorText string `json:"errorText"`
	}
	if err := t.Execute(ctx, "Page.navigate", map[string]any{"url": url}, &res); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	if res.ErrorText != "" {
		return fmt.Errorf("navigating to %s: %s", url, res.ErrorText)
	}
	return nil
}
