// Package webrepl provides the WebREPL websocket backend and the binary
// side-channel file protocol CircuitPython/MicroPython expose on port 8266.
//
// REPL traffic travels in text frames; the file protocol and raw-paste
// transfers switch the backend to binary frames via SetTextMode.
package webrepl

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/minnykit/minny/internal/conn"
)

// handshakeTimeout bounds the dial plus password exchange.
const handshakeTimeout = 10 * time.Second

func init() {
	conn.Register("ws", func(rest string, opts conn.Options) (conn.Backend, error) {
		return Dial(rest, opts.Password)
	})
}

// Backend is a websocket connection to a device's WebREPL server.
type Backend struct {
	ws  *websocket.Conn
	url string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	textMode bool

	leftover []byte
}

// Dial connects to a WebREPL endpoint and authenticates. The device sends
// a Password: prompt on connect; the reply must end the line, and the
// device confirms with a WebREPL connected banner before regular REPL
// traffic starts.
func Dial(url, password string) (*Backend, error) {
	dialCtx, dialDone := context.WithTimeout(context.Background(), handshakeTimeout)
	defer dialDone()

	ws, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	ws.SetReadLimit(1 << 20)

	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		ws:       ws,
		url:      url,
		ctx:      ctx,
		cancel:   cancel,
		textMode: true,
	}

	if err := b.authenticate(dialCtx, password); err != nil {
		b.Close()
		return nil, err
	}

	log.Info().Str("url", url).Msg("WebREPL connected")
	return b, nil
}

// authenticate performs the password exchange and stashes whatever arrived
// after the confirmation banner for the first regular read.
func (b *Backend) authenticate(ctx context.Context, password string) error {
	banner, err := b.collectUntil(ctx, "Password:")
	if err != nil {
		return fmt.Errorf("no password prompt from %s: %w", b.url, err)
	}
	_ = banner

	if err := b.ws.Write(ctx, websocket.MessageText, []byte(password+"\r")); err != nil {
		return fmt.Errorf("failed to send WebREPL password: %w", err)
	}

	outcome, err := b.collectUntil(ctx, "WebREPL connected", "Access denied")
	if err != nil {
		return fmt.Errorf("no WebREPL confirmation: %w", err)
	}
	if strings.Contains(outcome, "Access denied") {
		return fmt.Errorf("WebREPL access denied: wrong password")
	}
	return nil
}

// collectUntil accumulates incoming text until any needle appears,
// stashing the part after the match as leftover REPL output.
func (b *Backend) collectUntil(ctx context.Context, needles ...string) (string, error) {
	var acc []byte
	for {
		for _, needle := range needles {
			if i := bytes.Index(acc, []byte(needle)); i >= 0 {
				end := i + len(needle)
				b.leftover = append(b.leftover, acc[end:]...)
				return string(acc[:end]), nil
			}
		}
		_, data, err := b.ws.Read(ctx)
		if err != nil {
			return "", err
		}
		acc = append(acc, data...)
	}
}

// Read delivers the next websocket message, streaming leftovers first.
func (b *Backend) Read(p []byte) (int, error) {
	if len(b.leftover) == 0 {
		_, data, err := b.ws.Read(b.ctx)
		if err != nil {
			return 0, fmt.Errorf("WebREPL read failed: %w", err)
		}
		b.leftover = data
	}

	n := copy(p, b.leftover)
	b.leftover = b.leftover[n:]
	return n, nil
}

// Write sends bytes in a frame type matching the current text mode.
func (b *Backend) Write(p []byte) (int, error) {
	b.mu.Lock()
	msgType := websocket.MessageText
	if !b.textMode {
		msgType = websocket.MessageBinary
	}
	b.mu.Unlock()

	if err := b.ws.Write(b.ctx, msgType, p); err != nil {
		return 0, fmt.Errorf("WebREPL write failed: %w", err)
	}
	return len(p), nil
}

// SetTextMode switches between text frames (REPL traffic) and binary
// frames (raw-paste payloads and the file protocol).
func (b *Backend) SetTextMode(textMode bool) {
	b.mu.Lock()
	b.textMode = textMode
	b.mu.Unlock()
}

// Close tears the websocket down and unblocks any pending read.
func (b *Backend) Close() error {
	b.cancel()
	err := b.ws.Close(websocket.StatusNormalClosure, "")
	if err != nil && !strings.Contains(err.Error(), "already") {
		return err
	}
	return nil
}

// String returns the endpoint URL for logs.
func (b *Backend) String() string {
	return b.url
}

// Ensure Backend implements the backend interfaces.
var (
	_ conn.Backend        = (*Backend)(nil)
	_ conn.TextModeSetter = (*Backend)(nil)
)
