package monitor

import (
	"bytes"
	"io"
	"sync"
)

// MaxStreamCaptureBytes caps how much of a streaming response body is copied
// into the monitoring event. The client always receives the full stream; only
// the monitoring copy is truncated.
const MaxStreamCaptureBytes = 256 * 1024

// TruncationMessage is recorded when a captured body hit the cap.
const TruncationMessage = "Response body truncated to 262144 bytes"

// BodyCapture tees a response body into a capped buffer as the client drains
// it. Reads are passed through unmodified, so the capture never stalls or
// re-orders the caller's stream and never reads ahead of it.
//
// onDone fires exactly once — on EOF, on read error, or on Close, whichever
// comes first — with the captured bytes and a truncation flag.
type BodyCapture struct {
	src       io.ReadCloser
	buf       bytes.Buffer
	truncated bool
	once      sync.Once
	onDone    func(body []byte, truncated bool)
}

// CaptureBody wraps rc so the first MaxStreamCaptureBytes flowing through it
// are retained for monitoring.
func CaptureBody(rc io.ReadCloser, onDone func(body []byte, truncated bool)) io.ReadCloser {
	return &BodyCapture{src: rc, onDone: onDone}
}

// Read implements io.Reader.
func (c *BodyCapture) Read(p []byte) (int, error) {
	n, err := c.src.Read(p)
	if n > 0 {
		remaining := MaxStreamCaptureBytes - c.buf.Len()
		if remaining > 0 {
			chunk := p[:n]
			if n > remaining {
				chunk = p[:remaining]
			}
			c.buf.Write(chunk)
		}
		if c.buf.Len() >= MaxStreamCaptureBytes && n > remaining {
			c.truncated = true
		}
	}
	if err != nil {
		c.finish()
	}
	return n, err
}

// Close implements io.Closer and finalizes the capture.
func (c *BodyCapture) Close() error {
	err := c.src.Close()
	c.finish()
	return err
}

func (c *BodyCapture) finish() {
	c.once.Do(func() {
		if c.onDone != nil {
			c.onDone(c.buf.Bytes(), c.truncated)
		}
	})
}
