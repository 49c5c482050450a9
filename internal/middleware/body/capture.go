package body

import (
	"context"
	"io"
	"sync"
)

// Capture accumulates a copy of a request body while the downstream consumer
// reads it. It is frozen when the stream ends or is closed; after that the
// captured bytes never change.
type Capture struct {
	max        int64
	onOverflow func(seen int64)

	mu        sync.Mutex
	chunks    [][]byte
	stored    int64
	seen      int64
	truncated bool
	complete  bool
	frozen    []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewCapture creates a capture holding at most max bytes (unbounded when
// max <= 0). onOverflow, when set, is called once, the first time the stream
// grows past max.
func NewCapture(max int64, onOverflow func(seen int64)) *Capture {
	return &Capture{
		max:        max,
		onOverflow: onOverflow,
		done:       make(chan struct{}),
	}
}

func (c *Capture) write(p []byte) {
	c.mu.Lock()
	if c.isDone() {
		c.mu.Unlock()
		return
	}
	c.seen += int64(len(p))
	keep := len(p)
	overflowed := false
	if c.max > 0 && c.stored+int64(keep) > c.max {
		keep = int(c.max - c.stored)
		if !c.truncated {
			c.truncated = true
			overflowed = true
		}
	}
	if keep > 0 {
		c.chunks = append(c.chunks, append([]byte(nil), p[:keep]...))
		c.stored += int64(keep)
	}
	seen := c.seen
	c.mu.Unlock()

	if overflowed && c.onOverflow != nil {
		c.onOverflow(seen)
	}
}

func (c *Capture) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// freeze joins the chunks and releases waiters. complete reports whether the
// stream reached EOF.
func (c *Capture) freeze(complete bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		buf := make([]byte, 0, c.stored)
		for _, chunk := range c.chunks {
			buf = append(buf, chunk...)
		}
		c.frozen = buf
		c.chunks = nil
		c.complete = complete
		c.mu.Unlock()
		close(c.done)
	})
}

// Done is closed once the capture is frozen.
func (c *Capture) Done() <-chan struct{} {
	return c.done
}

// Bytes returns the captured bytes, or nil while the stream is still open.
func (c *Capture) Bytes() []byte {
	if !c.isDone() {
		return nil
	}
	return c.frozen
}

// Wait blocks until the capture is frozen or ctx ends.
func (c *Capture) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return c.frozen, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Size returns the number of bytes seen on the stream so far, including
// bytes dropped after truncation.
func (c *Capture) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen
}

// Truncated reports whether the stream outgrew the capture limit.
func (c *Capture) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

// Complete reports whether the capture saw the end of the stream rather
// than an early close.
func (c *Capture) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

// teeBody copies every chunk read from the wrapped body into a Capture.
type teeBody struct {
	rc      io.ReadCloser
	capture *Capture
}

// Tee wraps rc so that reads are mirrored into c. The returned reader yields
// exactly the bytes of rc.
func Tee(rc io.ReadCloser, c *Capture) io.ReadCloser {
	return &teeBody{rc: rc, capture: c}
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 {
		t.capture.write(p[:n])
	}
	if err == io.EOF {
		t.capture.freeze(true)
	}
	return n, err
}

func (t *teeBody) Close() error {
	t.capture.freeze(false)
	return t.rc.Close()
}

type captureKey struct{}

// WithCapture stores c in ctx.
func WithCapture(ctx context.Context, c *Capture) context.Context {
	return context.WithValue(ctx, captureKey{}, c)
}

// CaptureFromContext returns the capture attached to ctx, or nil.
func CaptureFromContext(ctx context.Context) *Capture {
	c, _ := ctx.Value(captureKey{}).(*Capture)
	return c
}
