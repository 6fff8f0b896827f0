package repl

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/minnykit/minny/internal/clock"
	"github.com/minnykit/minny/internal/conn"
)

// SubmitMode selects the protocol used to hand a script to the device.
type SubmitMode int

const (
	// SubmitRawPaste is the flow-controlled binary submission protocol
	// of modern firmware. Preferred; falls back to SubmitRaw when the
	// device refuses it.
	SubmitRawPaste SubmitMode = iota

	// SubmitRaw writes the script in fixed blocks while the REPL echo
	// is suppressed. Needs an inter-block delay on slow firmware.
	SubmitRaw

	// SubmitPaste types the script into the friendly REPL's paste mode,
	// verifying the echo of every block.
	SubmitPaste
)

func (m SubmitMode) String() string {
	switch m {
	case SubmitRawPaste:
		return "raw_paste"
	case SubmitRaw:
		return "raw"
	case SubmitPaste:
		return "paste"
	default:
		return fmt.Sprintf("submit_mode(%d)", int(m))
	}
}

// ParseSubmitMode resolves a mode name as used in profiles and flags.
func ParseSubmitMode(name string) (SubmitMode, error) {
	switch name {
	case "raw_paste", "raw-paste":
		return SubmitRawPaste, nil
	case "raw":
		return SubmitRaw, nil
	case "paste":
		return SubmitPaste, nil
	default:
		return 0, fmt.Errorf("unknown submit mode %q (raw_paste, raw or paste)", name)
	}
}

// TimingObserver receives the duration of each completed protocol
// phase. Useful for finding unwarranted delays. Without one installed
// the durations go to the debug log.
type TimingObserver func(phase string, elapsed time.Duration)

// DefaultWriteBlockSize is the largest chunk written to the device in
// one go during script submission.
const DefaultWriteBlockSize = 255

// rawModeBlockDelay is the default pause between raw mode blocks. Slow
// firmware loses bytes when blocks arrive back to back.
const rawModeBlockDelay = 10 * time.Millisecond

// Session drives the REPL protocol over one connection. It tracks the
// last prompt seen so mode switches can be skipped when the device is
// already in the right state.
//
// A session expects one command at a time. The only operation safe to
// call concurrently with a running command is Interrupt.
type Session struct {
	conn *conn.Conn
	clk  clock.Clock

	mode          SubmitMode
	blockSize     int
	blockDelay    time.Duration
	delayExplicit bool

	lastPrompt []byte

	// interruptMu serializes submission writes with the interrupt
	// sender so an interrupt byte can never split a script block.
	interruptMu     sync.Mutex
	interruptsSent  int
	lastInterruptAt time.Time

	// outputTrigger reports whether withheld-looking output warrants an
	// automatic interrupt (CircuitPython's "press any key" state).
	outputTrigger func(data []byte) bool

	observe TimingObserver
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSubmitMode sets the initial submission protocol.
func WithSubmitMode(m SubmitMode) SessionOption {
	return func(s *Session) { s.mode = m }
}

// WithWriteBlockSize overrides the submission block size.
func WithWriteBlockSize(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.blockSize = n
		}
	}
}

// WithWriteBlockDelay overrides the pause between submission blocks.
func WithWriteBlockDelay(d time.Duration) SessionOption {
	return func(s *Session) {
		s.blockDelay = d
		s.delayExplicit = true
	}
}

// WithSessionClock substitutes the time source.
func WithSessionClock(clk clock.Clock) SessionOption {
	return func(s *Session) { s.clk = clk }
}

// WithTimingObserver installs a phase reporter.
func WithTimingObserver(f TimingObserver) SessionOption {
	return func(s *Session) { s.observe = f }
}

// WithInterruptTrigger installs a predicate deciding whether recent
// output means the device is waiting for a keypress and should be
// interrupted into its REPL.
func WithInterruptTrigger(f func(data []byte) bool) SessionOption {
	return func(s *Session) { s.outputTrigger = f }
}

// SetInterruptTrigger replaces the interrupt predicate. The right
// predicate usually depends on the welcome banner, which is only known
// once the session is already up.
func (s *Session) SetInterruptTrigger(f func(data []byte) bool) {
	s.outputTrigger = f
}

// NewSession wraps a connection in a protocol session.
func NewSession(c *conn.Conn, opts ...SessionOption) *Session {
	s := &Session{
		conn:      c,
		clk:       clock.System,
		mode:      SubmitRawPaste,
		blockSize: DefaultWriteBlockSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.delayExplicit && s.mode == SubmitRaw {
		s.blockDelay = rawModeBlockDelay
	}

	log.Debug().
		Stringer("submit_mode", s.mode).
		Int("write_block_size", s.blockSize).
		Dur("write_block_delay", s.blockDelay).
		Msg("session configured")
	return s
}

// Conn exposes the underlying connection for side protocols that need
// direct transport access (the WebREPL file protocol, diagnostics).
func (s *Session) Conn() *conn.Conn {
	return s.conn
}

// Mode returns the currently active submission protocol. It changes only
// on the documented raw-paste refusal downgrade.
func (s *Session) Mode() SubmitMode {
	return s.mode
}

// LastPrompt returns the prompt marker that ended the latest scan, or
// nil before the first prompt has been seen.
func (s *Session) LastPrompt() []byte {
	return s.lastPrompt
}

// AtRawPrompt reports whether the device is known to sit at a raw mode
// prompt.
func (s *Session) AtRawPrompt() bool {
	for _, p := range [][]byte{RawPrompt, eotRawPrompt, FirstRawPrompt, W600FirstRawPrompt} {
		if bytes.Equal(s.lastPrompt, p) {
			return true
		}
	}
	return false
}

// Write sends bytes to the device without any framing. Control bytes in
// the payload are logged, as they change device state.
func (s *Session) Write(data []byte) error {
	for _, ctrl := range []byte{0x01, 0x02, 0x03, 0x04, 0x05} {
		if bytes.IndexByte(data, ctrl) >= 0 {
			log.Debug().Hex("data", data).Msg("sending ctrl chars")
			break
		}
	}
	_, err := s.conn.Write(data)
	return err
}

// writeControl sends a control byte under the interrupt lock so it
// cannot land inside a concurrent submission write.
func (s *Session) writeControl(cmd []byte) error {
	s.interruptMu.Lock()
	defer s.interruptMu.Unlock()
	return s.Write(cmd)
}

// Interrupt sends Ctrl-C to the device. Safe to call from another
// goroutine while a command is running; the byte is serialized against
// submission writes.
func (s *Session) Interrupt() error {
	s.interruptMu.Lock()
	defer s.interruptMu.Unlock()

	log.Debug().Msg("sending interrupt")
	if err := s.Write(InterruptCmd); err != nil {
		return err
	}
	s.interruptsSent++
	s.lastInterruptAt = s.clk.Now()
	return nil
}

// interruptStats samples the interrupt counters for the scanner's
// advice policy.
func (s *Session) interruptStats() (sent int, lastAt time.Time) {
	s.interruptMu.Lock()
	defer s.interruptMu.Unlock()
	return s.interruptsSent, s.lastInterruptAt
}

// note reports a finished protocol phase measured from start.
func (s *Session) note(phase string, start time.Time) {
	elapsed := s.clk.Since(start)
	if s.observe != nil {
		s.observe(phase, elapsed)
		return
	}
	log.Debug().Str("phase", phase).Dur("elapsed", elapsed).Msg("protocol phase finished")
}

// EnsureRawMode brings the device to a raw prompt. No-op when the last
// prompt already was one.
func (s *Session) EnsureRawMode() error {
	if s.AtRawPrompt() {
		return nil
	}

	log.Debug().Bytes("prompt", s.lastPrompt).Msg("requesting raw mode")
	defer s.note("enter raw mode", s.clk.Now())

	if err := s.writeControl(RawModeCmd); err != nil {
		return err
	}
	if err := s.discardUntilPrompt(); err != nil {
		return err
	}
	if bytes.Equal(s.lastPrompt, NormalPrompt) {
		// Happens when interrupting a restarted program that is still
		// printing (seen on ESP32). One more attempt usually lands.
		log.Debug().Msg("got normal prompt instead of raw prompt, trying again")
		if err := s.writeControl(RawModeCmd); err != nil {
			return err
		}
		s.clk.Sleep(500 * time.Millisecond)
		if err := s.discardUntilPrompt(); err != nil {
			return err
		}
	}

	if !bytes.Equal(s.lastPrompt, FirstRawPrompt) && !bytes.Equal(s.lastPrompt, W600FirstRawPrompt) {
		log.Error().Bytes("prompt", s.lastPrompt).Msg("could not enter raw prompt")
		return &ProtocolError{Message: "could not enter raw prompt"}
	}
	log.Debug().Msg("entered raw prompt")
	return nil
}

// EnsureNormalMode brings the device to the friendly REPL prompt. When
// force is set the mode switch is sent even if the device already
// reported a normal prompt, which restarts the banner output.
func (s *Session) EnsureNormalMode(force bool) error {
	if bytes.Equal(s.lastPrompt, NormalPrompt) && !force {
		return nil
	}

	log.Debug().Bytes("prompt", s.lastPrompt).Msg("requesting normal mode")
	defer s.note("enter normal mode", s.clk.Now())

	if err := s.writeControl(NormalModeCmd); err != nil {
		return err
	}
	if err := s.discardUntilPrompt(); err != nil {
		return err
	}
	if !bytes.Equal(s.lastPrompt, NormalPrompt) {
		return &ProtocolError{Message: fmt.Sprintf("could not get normal prompt, got %q", s.lastPrompt)}
	}
	return nil
}

// discardUntilPrompt scans to the next active prompt, logging whatever
// output turns up on the way.
func (s *Session) discardUntilPrompt() error {
	_, err := s.ScanUntilPrompt(func(text string, stream Stream) {
		if text != "" {
			log.Debug().Str("stream", string(stream)).Str("data", text).Msg("discarding output")
		}
	}, ScanPolicies{})
	return err
}

// DrainUnexpectedOutput consumes bytes the device produced between
// commands (background threads, unexpected resets) and forwards them to
// the sink. Trailing prompts are recognized and hidden: they mean the
// device was reset, so the reported last prompt is updated and the
// caller should assume remote state is gone. Reports whether such a
// prompt was seen.
func (s *Session) DrainUnexpectedOutput(sink Sink) bool {
	data := s.conn.ReadAll()
	sawPrompt := false
	for bytes.HasSuffix(data, NormalPrompt) || bytes.HasSuffix(data, FirstRawPrompt) {
		prompt := NormalPrompt
		if bytes.HasSuffix(data, FirstRawPrompt) {
			prompt = FirstRawPrompt
		}
		if !sawPrompt {
			s.lastPrompt = prompt
		}
		sawPrompt = true
		data = data[:len(data)-len(prompt)]
	}

	if len(data) > 0 {
		sink(decode(data), StreamStdout)
	}
	return sawPrompt
}
