package capture

import "context"

// ResponseEvent is a network response notification from the browser.
type ResponseEvent struct {
	RequestID string
	URL       string
	Status    int64
	MIMEType  string
}

// EnableParams sizes the browser's response buffers. Zero values leave a
// field unset.
type EnableParams struct {
	MaxTotalBufferSize    int64
	MaxResourceBufferSize int64
}

// Conn is a DevTools protocol connection scoped to one page.
type Conn interface {
	EnableNetwork(ctx context.Context, p EnableParams) error
	DisableNetwork(ctx context.Context) error
	// OnResponse registers fn for every response event. fn must not block.
	OnResponse(fn func(ResponseEvent)) (unsubscribe func())
	ResponseBody(ctx context.Context, requestID string) (body string, base64Encoded bool, err error)
}

// Provider is implemented by drivers that can hand out a DevTools
// connection.
type Provider interface {
	DevTools(ctx context.Context) (Conn, error)
}
