package capture

import (
	"context"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// ChromedpConn is a Conn over a chromedp tab context.
type ChromedpConn struct {
	tab context.Context
}

// NewChromedpConn wraps a context created by chromedp.NewContext. The
// browser and tab lifecycle stay with the caller.
func NewChromedpConn(tab context.Context) *ChromedpConn {
	return &ChromedpConn{tab: tab}
}

// executor binds ctx to the tab's target, allocating the tab on first use.
func (c *ChromedpConn) executor(ctx context.Context) (context.Context, error) {
	cc := chromedp.FromContext(c.tab)
	if cc == nil {
		return nil, chromedp.ErrInvalidContext
	}
	if cc.Target == nil {
		if err := chromedp.Run(c.tab); err != nil {
			return nil, err
		}
	}
	return cdp.WithExecutor(ctx, cc.Target), nil
}

func (c *ChromedpConn) EnableNetwork(ctx context.Context, p EnableParams) error {
	ectx, err := c.executor(ctx)
	if err != nil {
		return err
	}
	enable := network.Enable()
	if p.MaxTotalBufferSize > 0 {
		enable = enable.WithMaxTotalBufferSize(p.MaxTotalBufferSize)
	}
	if p.MaxResourceBufferSize > 0 {
		enable = enable.WithMaxResourceBufferSize(p.MaxResourceBufferSize)
	}
	return enable.Do(ectx)
}

func (c *ChromedpConn) DisableNetwork(ctx context.Context) error {
	ectx, err := c.executor(ctx)
	if err != nil {
		return err
	}
	return network.Disable().Do(ectx)
}

func (c *ChromedpConn) OnResponse(fn func(ResponseEvent)) func() {
	if chromedp.FromContext(c.tab) == nil {
		// ListenTarget panics here; EnableNetwork reports the bad context.
		return func() {}
	}
	lctx, cancel := context.WithCancel(c.tab)
	chromedp.ListenTarget(lctx, func(ev any) {
		e, ok := ev.(*network.EventResponseReceived)
		if !ok || e.Response == nil {
			return
		}
		fn(ResponseEvent{
			RequestID: string(e.RequestID),
			URL:       e.Response.URL,
			Status:    e.Response.Status,
			MIMEType:  e.Response.MimeType,
		})
	})
	return cancel
}

// ResponseBody returns the decoded body; cdproto handles base64 itself.
func (c *ChromedpConn) ResponseBody(ctx context.Context, requestID string) (string, bool, error) {
	ectx, err := c.executor(ctx)
	if err != nil {
		return "", false, err
	}
	body, err := network.GetResponseBody(network.RequestID(requestID)).Do(ectx)
	if err != nil {
		return "", false, err
	}
	return string(body), false, nil
}
