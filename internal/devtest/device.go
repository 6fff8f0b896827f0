// Package devtest provides an in-memory MicroPython device simulator
// for exercising the REPL protocol without hardware. The simulator
// speaks the friendly, raw, paste and raw-paste wire protocols well
// enough for a protocol session to drive it like a board on a serial
// port, and records what it received for assertions.
package devtest

import (
	"bytes"
	"io"
	"sync"
)

// ExecResult is what a simulated script execution produces.
type ExecResult struct {
	Stdout string
	Stderr string

	// Hang makes the device emit Stdout and then stay busy without
	// printing a prompt until it is interrupted.
	Hang bool
}

// ExecFunc maps a submitted script to its simulated outcome. It runs
// with the device locked and must not touch the device.
type ExecFunc func(script string) ExecResult

// DefaultWelcome imitates a Raspberry Pi Pico banner.
const DefaultWelcome = "MicroPython v1.22.2 on 2024-02-22; Raspberry Pi Pico with RP2040\r\n" +
	"Type \"help()\" for more information.\r\n"

const rawBanner = "raw REPL; CTRL-B to exit\r\n>"

const pasteBanner = "paste mode; Ctrl-C to cancel, Ctrl-D to finish\r\n=== "

const interruptTraceback = "Traceback (most recent call last):\r\n" +
	"  File \"<stdin>\", line 1, in <module>\r\nKeyboardInterrupt: \r\n"

type state int

const (
	stateNormal state = iota
	stateRaw
	statePaste
	stateRawPasteCmd
	stateRawPasteRecv
	stateBusy
)

// Device simulates a MicroPython board. It implements the connection
// backend interface: protocol sessions read device output with Read and
// type at it with Write. The zero value is not usable; call New.
type Device struct {
	mu     sync.Mutex
	rd     sync.Cond
	out    bytes.Buffer
	closed bool

	state     state
	busyState state // which REPL the busy program was started from

	exec       ExecFunc
	welcome    string
	window     int
	refusePush bool
	w600       bool

	lineBuf        []byte
	scriptBuf      []byte
	cmdBuf         []byte
	outstanding    int
	maxOutstanding int

	scripts          []string
	rawPasteAttempts int
	interrupts       int
}

// Option configures the simulated device.
type Option func(*Device)

// WithExec installs the script execution hook.
func WithExec(f ExecFunc) Option {
	return func(d *Device) { d.exec = f }
}

// WithWelcome replaces the boot banner.
func WithWelcome(text string) Option {
	return func(d *Device) { d.welcome = text }
}

// WithWindowSize sets the raw-paste flow control window.
func WithWindowSize(n int) Option {
	return func(d *Device) { d.window = n }
}

// WithRawPasteRefused makes the device answer raw-paste requests with a
// clear refusal, like older firmware does.
func WithRawPasteRefused() Option {
	return func(d *Device) { d.refusePush = true }
}

// WithW600Banner switches the raw mode banner to the W600 variant with
// its doubled carriage return.
func WithW600Banner() Option {
	return func(d *Device) { d.w600 = true }
}

// New builds a simulated device sitting at its friendly prompt.
func New(opts ...Option) *Device {
	d := &Device{
		exec:    func(string) ExecResult { return ExecResult{} },
		welcome: DefaultWelcome,
		window:  32,
	}
	d.rd.L = &d.mu
	for _, opt := range opts {
		opt(d)
	}
	d.out.WriteString(">>> ")
	return d
}

// Print emits text as if a background thread on the device printed it,
// bypassing the REPL state machine.
func (d *Device) Print(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emit(text)
	d.rd.Broadcast()
}

// Scripts returns every script the device has executed, in order.
func (d *Device) Scripts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.scripts...)
}

// RawPasteAttempts counts how many times raw-paste mode was requested.
func (d *Device) RawPasteAttempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rawPasteAttempts
}

// Interrupts counts received Ctrl-C bytes.
func (d *Device) Interrupts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interrupts
}

// MaxOutstanding reports the largest number of raw-paste bytes that
// were ever in flight beyond a granted window. A well-behaved sender
// keeps this at or below the window size.
func (d *Device) MaxOutstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOutstanding
}

// Read blocks until the device has produced output, then copies it out.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.out.Len() == 0 && !d.closed {
		d.rd.Wait()
	}
	if d.out.Len() == 0 {
		return 0, io.EOF
	}
	return d.out.Read(p)
}

// Write feeds bytes into the device, advancing its REPL state machine.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, io.ErrClosedPipe
	}
	for _, b := range p {
		d.feed(b)
	}
	d.rd.Broadcast()
	return len(p), nil
}

// Close disconnects the device, waking pending reads.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.rd.Broadcast()
	return nil
}

func (d *Device) String() string {
	return "simulated device"
}

func (d *Device) emit(s string) {
	d.out.WriteString(s)
}

func (d *Device) rawPrompt() string {
	if d.w600 {
		return "raw REPL; CTRL-B to exit\r\r\n>"
	}
	return rawBanner
}

func (d *Device) feed(b byte) {
	switch d.state {
	case stateNormal:
		d.feedNormal(b)
	case stateRaw:
		d.feedRaw(b)
	case statePaste:
		d.feedPaste(b)
	case stateRawPasteCmd:
		d.feedRawPasteCmd(b)
	case stateRawPasteRecv:
		d.feedRawPasteRecv(b)
	case stateBusy:
		d.feedBusy(b)
	}
}

func (d *Device) feedNormal(b byte) {
	switch b {
	case 0x01:
		d.state = stateRaw
		d.scriptBuf = nil
		d.emit("\r\n" + d.rawPrompt())
	case 0x02:
		d.emit("\r\n" + d.welcome + ">>> ")
	case 0x03:
		d.interrupts++
		d.lineBuf = nil
		d.emit("\r\nKeyboardInterrupt: \r\n>>> ")
	case 0x04:
		d.emit("MPY: soft reboot\r\n" + d.welcome + ">>> ")
	case 0x05:
		d.state = statePaste
		d.scriptBuf = nil
		d.emit("\r\n" + pasteBanner)
	default:
		// Friendly REPL echoes the typing.
		d.lineBuf = append(d.lineBuf, b)
		d.emit(string(b))
		if bytes.HasSuffix(d.lineBuf, []byte("\r\n")) {
			d.run(string(d.lineBuf), stateNormal)
			d.lineBuf = nil
		}
	}
}

func (d *Device) feedRaw(b byte) {
	switch b {
	case 0x01:
		d.scriptBuf = nil
		d.emit("\r\n" + d.rawPrompt())
	case 0x02:
		d.state = stateNormal
		d.emit("\r\n" + d.welcome + ">>> ")
	case 0x03:
		d.interrupts++
		d.scriptBuf = nil
	case 0x04:
		d.emit("OK")
		d.run(string(d.scriptBuf), stateRaw)
		d.scriptBuf = nil
	case 0x05:
		d.state = stateRawPasteCmd
		d.cmdBuf = nil
	default:
		d.scriptBuf = append(d.scriptBuf, b)
	}
}

func (d *Device) feedPaste(b byte) {
	switch b {
	case 0x03:
		d.interrupts++
		d.state = stateNormal
		d.scriptBuf = nil
		d.emit("\r\n>>> ")
	case 0x04:
		d.state = stateNormal
		d.emit("\r\n")
		d.run(string(d.scriptBuf), stateNormal)
		d.scriptBuf = nil
	default:
		d.scriptBuf = append(d.scriptBuf, b)
		switch b {
		case '\r':
			// echoed as part of the following line feed
		case '\n':
			d.emit("\r\n=== ")
		default:
			d.emit(string(b))
		}
	}
}

func (d *Device) feedRawPasteCmd(b byte) {
	d.cmdBuf = append(d.cmdBuf, b)
	if len(d.cmdBuf) < 2 {
		return
	}
	if bytes.Equal(d.cmdBuf, []byte{'A', 0x01}) {
		d.rawPasteAttempts++
		if d.refusePush {
			d.state = stateRaw
			d.emit("R\x00")
			return
		}
		d.state = stateRawPasteRecv
		d.scriptBuf = nil
		d.outstanding = 0
		d.emit("R\x01")
		d.emit(string([]byte{byte(d.window), byte(d.window >> 8)}))
		return
	}
	// Not a raw-paste request after all; treat as script bytes.
	d.state = stateRaw
	d.scriptBuf = append(d.scriptBuf, 0x05)
	d.scriptBuf = append(d.scriptBuf, d.cmdBuf...)
	d.cmdBuf = nil
}

func (d *Device) feedRawPasteRecv(b byte) {
	if b == 0x04 {
		d.state = stateRaw
		d.emit("\x04")
		d.run(string(d.scriptBuf), stateRaw)
		d.scriptBuf = nil
		return
	}
	d.outstanding++
	if d.outstanding > d.maxOutstanding {
		d.maxOutstanding = d.outstanding
	}
	d.scriptBuf = append(d.scriptBuf, b)
	if d.outstanding >= d.window {
		d.outstanding = 0
		d.emit("\x01")
	}
}

func (d *Device) feedBusy(b byte) {
	if b != 0x03 {
		// A busy program treats further bytes as stdin; drop them.
		return
	}
	d.interrupts++
	if d.busyState == stateRaw {
		d.state = stateRaw
		d.emit("\x04" + interruptTraceback + "\x04>")
	} else {
		d.state = stateNormal
		d.emit("\r\n" + interruptTraceback + ">>> ")
	}
}

// run executes a collected script and emits its results framed the way
// the originating REPL frames them.
func (d *Device) run(script string, from state) {
	d.scripts = append(d.scripts, script)
	res := d.exec(script)

	if res.Hang {
		d.emit(res.Stdout)
		d.busyState = from
		d.state = stateBusy
		return
	}

	if from == stateRaw {
		d.emit(res.Stdout)
		d.emit("\x04")
		d.emit(res.Stderr)
		d.emit("\x04>")
		return
	}
	d.emit(res.Stdout)
	d.emit(res.Stderr)
	d.emit(">>> ")
}
