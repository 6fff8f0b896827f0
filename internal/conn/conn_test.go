package conn

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeBackend is an in-memory backend: the test feeds the incoming side
// through an io.Pipe and captures everything the connection writes.
type pipeBackend struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu  sync.Mutex
	out bytes.Buffer
}

func newPipeBackend() *pipeBackend {
	r, w := io.Pipe()
	return &pipeBackend{r: r, w: w}
}

func (b *pipeBackend) feed(t *testing.T, data string) {
	t.Helper()
	_, err := b.w.Write([]byte(data))
	require.NoError(t, err)
}

func (b *pipeBackend) fail(err error) {
	_ = b.w.CloseWithError(err)
}

func (b *pipeBackend) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *pipeBackend) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.out.Write(p)
}

func (b *pipeBackend) Close() error   { return b.r.Close() }
func (b *pipeBackend) String() string { return "pipe" }

func (b *pipeBackend) sent() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.out.String()
}

func newTestConn(t *testing.T) (*Conn, *pipeBackend) {
	t.Helper()
	b := newPipeBackend()
	c := New(b)
	t.Cleanup(func() { _ = c.Close() })
	return c, b
}

func TestConnReadExact(t *testing.T) {
	c, b := newTestConn(t)
	b.feed(t, "hello world")

	got, err := c.Read(5, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	got, err = c.Read(6, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte(" world"), got)
}

func TestConnReadTimeoutKeepsPartial(t *testing.T) {
	c, b := newTestConn(t)
	b.feed(t, "he")

	_, err := c.Read(5, 100*time.Millisecond)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, []byte("he"), timeoutErr.Partial)

	// The partial data stays buffered for the next read.
	b.feed(t, "llo")
	got, err := c.Read(5, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestConnSoftRead(t *testing.T) {
	c, b := newTestConn(t)

	assert.Empty(t, c.SoftRead(4, 50*time.Millisecond))

	b.feed(t, "abc")
	assert.Equal(t, []byte("abc"), c.SoftRead(10, 200*time.Millisecond))

	b.feed(t, "xyz")
	assert.Equal(t, []byte("xy"), c.SoftRead(2, 2*time.Second))
	assert.Equal(t, []byte("z"), c.SoftRead(1, 2*time.Second))
}

func TestConnReadUntil(t *testing.T) {
	c, b := newTestConn(t)
	b.feed(t, "ok\r\n>>> rest")

	got, err := c.ReadUntil([]byte(">>> "), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok\r\n>>> "), got)

	got, err = c.Read(4, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("rest"), got)
}

func TestConnReadUntilTimeout(t *testing.T) {
	c, b := newTestConn(t)
	b.feed(t, "no marker here")

	_, err := c.ReadUntil([]byte("$$$"), 100*time.Millisecond)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, []byte("no marker here"), timeoutErr.Partial)
}

func TestEarliestMarkerEnd(t *testing.T) {
	prompt := [][]byte{[]byte(">>> "), []byte("\n")}

	tests := []struct {
		name    string
		buf     string
		markers [][]byte
		want    int
	}{
		{"no match", "plain output", prompt, -1},
		{"earliest wins", "xx\r\n>>> ", prompt, 4},
		{"longest at same start", ">>> x", [][]byte{[]byte(">"), []byte(">>> ")}, 4},
		{"empty marker skipped", "abc", [][]byte{nil, []byte("b")}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, earliestMarkerEnd([]byte(tt.buf), tt.markers))
		})
	}
}

func TestConnSoftReadUntil(t *testing.T) {
	c, b := newTestConn(t)
	markers := [][]byte{[]byte(">>> "), []byte("\n")}

	b.feed(t, "banner\r\n>>> ")
	assert.Equal(t, []byte("banner\r\n"), c.SoftReadUntil(markers, 2*time.Second))
	assert.Equal(t, []byte(">>> "), c.SoftReadUntil(markers, 2*time.Second))

	// No marker before the window closes: everything received comes back.
	b.feed(t, "partial")
	assert.Equal(t, []byte("partial"), c.SoftReadUntil([][]byte{[]byte("$")}, 100*time.Millisecond))
}

func TestConnUnread(t *testing.T) {
	c, b := newTestConn(t)
	b.feed(t, "abcdef")

	got, err := c.Read(3, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got)

	c.Unread(got)
	got, err = c.Read(6, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), got)
}

func TestConnReadAllExpected(t *testing.T) {
	c, b := newTestConn(t)

	b.feed(t, "OK")
	require.NoError(t, c.ReadAllExpected([]byte("OK"), 2*time.Second))

	b.feed(t, "NO")
	err := c.ReadAllExpected([]byte("OK"), 2*time.Second)
	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, []byte("NO"), mismatch.Actual)
}

func TestConnBackendFailure(t *testing.T) {
	c, b := newTestConn(t)
	cause := errors.New("device unplugged")

	b.feed(t, "tail")
	b.fail(cause)

	// Data received before the failure is still readable.
	got, err := c.Read(4, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("tail"), got)

	_, err = c.Read(1, 2*time.Second)
	var commErr *CommunicationError
	require.ErrorAs(t, err, &commErr)
	assert.ErrorIs(t, err, cause)

	// Writes fail once the sticky error is set.
	_, err = c.Write([]byte("x"))
	assert.ErrorIs(t, err, cause)
}

func TestConnClose(t *testing.T) {
	c, _ := newTestConn(t)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = c.Read(1, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConnWrite(t *testing.T) {
	c, b := newTestConn(t)

	n, err := c.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "ping", b.sent())
	assert.True(t, c.OutgoingIsEmpty())
}

func TestSplitSpec(t *testing.T) {
	tests := []struct {
		spec   string
		scheme string
		rest   string
	}{
		{"auto", "serial", "auto"},
		{"/dev/ttyACM0", "serial", "/dev/ttyACM0"},
		{"COM3", "serial", "COM3"},
		{"exec:micropython -i", "exec", "micropython -i"},
		{"docker:devboard", "docker", "devboard"},
		{"ws://192.168.4.1:8266", "ws", "ws://192.168.4.1:8266"},
		{"wss://device.local:8266", "ws", "wss://device.local:8266"},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			scheme, rest := SplitSpec(tt.spec)
			assert.Equal(t, tt.scheme, scheme)
			assert.Equal(t, tt.rest, rest)
		})
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	f := func(string, Options) (Backend, error) { return nil, nil }

	Register("dup-test", f)
	assert.Contains(t, Schemes(), "dup-test")
	assert.Panics(t, func() { Register("dup-test", f) })
}
