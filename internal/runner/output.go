package runner

import "bytes"

// limitWriter writes up to limit bytes to buf, then silently discards the rest.
type limitWriter struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (w *limitWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			w.truncated = true
		}
		return len(p), nil // discard
	}
	if len(p) > remaining {
		// Write only what fits, but report all bytes as consumed.
		w.buf.Write(p[:remaining])
		w.truncated = true
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *limitWriter) writeLine(line string) {
	_, _ = w.Write([]byte(line))
	_, _ = w.Write([]byte{'\n'})
}

func (w *limitWriter) Bytes() []byte {
	return w.buf.Bytes()
}
