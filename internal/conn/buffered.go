package conn

import (
	"bytes"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/minnykit/minny/internal/clock"
)

// readChunkSize is the backend read granularity of the background reader.
const readChunkSize = 512

// Conn is a buffered device connection. A background goroutine continuously
// drains the backend into an internal queue so device writes never block on
// a full OS buffer while the host is busy. All read methods consume from the
// internal buffer; Unread pushes bytes back for lookahead-then-backtrack
// parsing.
//
// Read methods must be called from a single goroutine at a time (the session
// owner). Write is safe to call concurrently with reads, which the interrupt
// path relies on.
type Conn struct {
	backend Backend
	clk     clock.Clock

	readCh   chan []byte
	buf      []byte
	chClosed bool

	errMu sync.Mutex
	err   error

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Conn.
type Option func(*Conn)

// WithClock sets the time source, used by tests for deterministic timing.
func WithClock(clk clock.Clock) Option {
	return func(c *Conn) {
		c.clk = clk
	}
}

// New wraps a backend in a buffered connection and starts its background
// reader.
func New(backend Backend, opts ...Option) *Conn {
	c := &Conn{
		backend: backend,
		clk:     clock.System,
		readCh:  make(chan []byte, 256),
	}

	for _, opt := range opts {
		opt(c)
	}

	go c.listen()

	return c
}

// listen is the background reader. It runs until the backend read fails,
// which also covers deliberate Close calls unblocking the read.
func (c *Conn) listen() {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := c.backend.Read(chunk)
		if n > 0 {
			data := make([]byte, n)
			copy(data, chunk[:n])
			c.readCh <- data
		}
		if err != nil {
			c.setErr(err)
			close(c.readCh)
			return
		}
	}
}

// setErr records the first failure; later ones are ignored.
func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
		log.Debug().Str("device", c.backend.String()).Err(err).Msg("connection error latched")
	}
}

// Err returns the sticky error, or nil while the connection is healthy.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Backend returns the underlying backend, letting callers probe optional
// capabilities such as the WebREPL side channel.
func (c *Conn) Backend() Backend {
	return c.backend
}

// String describes the connection for logs and error messages.
func (c *Conn) String() string {
	return c.backend.String()
}

// Write sends bytes to the device. It fails once the sticky error is set.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.Err(); err != nil {
		return 0, &CommunicationError{Cause: err}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	n, err := c.backend.Write(p)
	if err != nil {
		c.setErr(err)
		return n, &CommunicationError{Cause: err}
	}
	return n, nil
}

// drainPending moves every already queued chunk into the buffer without
// blocking. Reports whether anything new arrived.
func (c *Conn) drainPending() bool {
	got := false
	for {
		select {
		case chunk, ok := <-c.readCh:
			if !ok {
				c.chClosed = true
				return got
			}
			c.buf = append(c.buf, chunk...)
			got = true
		default:
			return got
		}
	}
}

// fetch waits until at least one new chunk lands in the buffer or the
// deadline passes. Reports whether anything new arrived.
func (c *Conn) fetch(deadline time.Time) bool {
	if c.drainPending() {
		return true
	}
	if c.chClosed {
		return false
	}

	wait := deadline.Sub(c.clk.Now())
	if wait <= 0 {
		return false
	}

	select {
	case chunk, ok := <-c.readCh:
		if !ok {
			c.chClosed = true
			return false
		}
		c.buf = append(c.buf, chunk...)
		c.drainPending()
		return true
	case <-c.clk.After(wait):
		return false
	}
}

// take removes and returns the first n buffered bytes.
func (c *Conn) take(n int) []byte {
	out := c.buf[:n:n]
	c.buf = c.buf[n:]
	return out
}

// takeAll removes and returns the whole buffer.
func (c *Conn) takeAll() []byte {
	return c.take(len(c.buf))
}

// dead reports whether the stream has ended and no more data can arrive.
// A closed read channel delivers its remaining chunks before reporting
// closed, so chClosed implies the queue is already drained.
func (c *Conn) dead() bool {
	return c.chClosed
}

// Read blocks until exactly n bytes are available and returns them. It
// fails with a TimeoutError when the window passes first, or with a
// CommunicationError when the sticky error is set and the buffer cannot
// satisfy the request.
func (c *Conn) Read(n int, timeout time.Duration) ([]byte, error) {
	deadline := c.clk.Now().Add(timeout)
	for len(c.buf) < n {
		if c.fetch(deadline) {
			continue
		}
		if c.dead() {
			return nil, &CommunicationError{Cause: c.Err()}
		}
		return nil, &TimeoutError{Op: "read", Timeout: timeout, Partial: bytes.Clone(c.buf)}
	}
	return c.take(n), nil
}

// SoftRead waits up to the timeout for n bytes and returns whatever subset
// arrived. It never fails.
func (c *Conn) SoftRead(n int, timeout time.Duration) []byte {
	deadline := c.clk.Now().Add(timeout)
	for len(c.buf) < n {
		if !c.fetch(deadline) {
			break
		}
	}
	if len(c.buf) < n {
		return c.takeAll()
	}
	return c.take(n)
}

// ReadUntil blocks until the marker appears and returns everything up to
// and including it.
func (c *Conn) ReadUntil(marker []byte, timeout time.Duration) ([]byte, error) {
	deadline := c.clk.Now().Add(timeout)
	for {
		if i := bytes.Index(c.buf, marker); i >= 0 {
			return c.take(i + len(marker)), nil
		}
		if c.fetch(deadline) {
			continue
		}
		if c.dead() {
			return nil, &CommunicationError{Cause: c.Err()}
		}
		return nil, &TimeoutError{Op: "read until " + string(marker), Timeout: timeout, Partial: bytes.Clone(c.buf)}
	}
}

// SoftReadUntil waits for the first occurrence of any marker and returns
// the consumed bytes up to and including it. When the window closes first
// it returns everything that arrived instead. The earliest match in the
// stream wins; markers matching at the same position prefer the longest.
func (c *Conn) SoftReadUntil(markers [][]byte, timeout time.Duration) []byte {
	deadline := c.clk.Now().Add(timeout)
	for {
		if end := earliestMarkerEnd(c.buf, markers); end >= 0 {
			return c.take(end)
		}
		if !c.fetch(deadline) {
			return c.takeAll()
		}
	}
}

// earliestMarkerEnd locates the first complete marker occurrence in buf and
// returns the index just past it, or -1 when none matches.
func earliestMarkerEnd(buf []byte, markers [][]byte) int {
	start, length := -1, 0
	for _, m := range markers {
		if len(m) == 0 {
			continue
		}
		i := bytes.Index(buf, m)
		if i < 0 {
			continue
		}
		if start == -1 || i < start || (i == start && len(m) > length) {
			start, length = i, len(m)
		}
	}
	if start < 0 {
		return -1
	}
	return start + length
}

// ReadAll returns everything currently buffered without waiting. Used on
// diagnostic paths, so it ignores the sticky error.
func (c *Conn) ReadAll() []byte {
	c.drainPending()
	return c.takeAll()
}

// ReadAllChecked returns everything currently buffered and surfaces the
// sticky error alongside it.
func (c *Conn) ReadAllChecked() ([]byte, error) {
	data := c.ReadAll()
	if err := c.Err(); err != nil {
		return data, &CommunicationError{Cause: err}
	}
	return data, nil
}

// ReadAllExpected reads exactly len(expected) bytes and verifies them.
// A mismatch fails with a MismatchError carrying the actual bytes.
func (c *Conn) ReadAllExpected(expected []byte, timeout time.Duration) error {
	actual, err := c.Read(len(expected), timeout)
	if err != nil {
		return err
	}
	if !bytes.Equal(actual, expected) {
		return &MismatchError{Expected: bytes.Clone(expected), Actual: actual}
	}
	return nil
}

// Unread pushes bytes back to the front of the buffer so the next read sees
// them again. Prompt detection relies on this for lookahead backtracking.
func (c *Conn) Unread(p []byte) {
	if len(p) == 0 {
		return
	}
	merged := make([]byte, 0, len(p)+len(c.buf))
	merged = append(merged, p...)
	merged = append(merged, c.buf...)
	c.buf = merged
}

// SetTextMode switches backends with distinct text/binary framing; others
// ignore it.
func (c *Conn) SetTextMode(textMode bool) {
	if s, ok := c.backend.(TextModeSetter); ok {
		s.SetTextMode(textMode)
	}
}

// IncomingIsEmpty reports whether no received bytes are waiting.
func (c *Conn) IncomingIsEmpty() bool {
	c.drainPending()
	return len(c.buf) == 0
}

// OutgoingIsEmpty reports whether every written byte reached the device.
func (c *Conn) OutgoingIsEmpty() bool {
	if o, ok := c.backend.(OutgoingChecker); ok {
		return o.OutgoingIsEmpty()
	}
	return true
}

// Close shuts the connection down. The sticky error is set to ErrClosed
// first so a deliberate close is distinguishable from a device failure.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.setErr(ErrClosed)
		c.closeErr = c.backend.Close()
	})
	return c.closeErr
}
