package repl

import (
	"bytes"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/minnykit/minny/internal/conn"
)

// Stream names an output channel of the device.
type Stream string

const (
	// StreamStdout carries regular program output.
	StreamStdout Stream = "stdout"

	// StreamStderr carries tracebacks. Raw mode separates them with an
	// embedded EOT; paste mode gives no better signal than the
	// traceback header text.
	StreamStderr Stream = "stderr"

	// StreamOSC carries terminal escape sequences some firmware emits
	// right after its prompt (CircuitPython 8 window titles).
	StreamOSC Stream = "osc"
)

// Sink receives decoded output chunks in arrival order. Malformed UTF-8
// is replaced, never rejected.
type Sink func(text string, stream Stream)

// ScanPolicies are the timed side effects a scan may perform while
// waiting for a prompt. The zero value waits forever, which is the
// right thing for interactive use; management calls should set bounds
// or accept the risk.
type ScanPolicies struct {
	// InterruptTimes lists elapsed times at which to send Ctrl-C. A
	// zero entry means "immediately".
	InterruptTimes []time.Duration

	// PokeAfter sends a raw mode keystroke if the device has shown
	// nothing for this long, to provoke some reaction. Zero disables.
	PokeAfter time.Duration

	// AdviceAfter prints recovery advice on stderr if the device has
	// shown nothing (or ignored an interrupt) for this long. Zero
	// disables.
	AdviceAfter time.Duration
}

// pollTimeout is the scan loop's read window. Short enough to keep the
// timed side effects responsive.
const pollTimeout = 50 * time.Millisecond

// promptLookahead is how long a candidate prompt must stay silent to
// count as active.
const promptLookahead = 10 * time.Millisecond

// overlapWait is how long to wait for the rest of a possible prompt
// when the buffer ends in a prefix of one.
const overlapWait = 300 * time.Millisecond

// outputInterruptQuiet is how long output must stay unchanged before
// the interrupt trigger predicate is consulted.
const outputInterruptQuiet = 500 * time.Millisecond

const unresponsiveAdvice = "\nDevice is busy or does not respond. Your options:\n\n" +
	"  - wait until it completes current work;\n" +
	"  - use Ctrl+C to interrupt current work;\n" +
	"  - reset the device and try again;\n" +
	"  - check connection properties;\n" +
	"  - make sure the device has suitable MicroPython / CircuitPython / firmware;\n" +
	"  - make sure the device is not in bootloader mode.\n"

// ScanUntilPrompt reads device output until an active prompt appears,
// forwarding everything before it to the sink. It returns the prompt
// marker it terminated on; the session records it as the last prompt.
//
// An active prompt is one followed by silence within the lookahead
// window. A prompt followed by more bytes is pushed back and treated as
// ordinary output, because the program may legitimately print prompt
// lookalikes. Output produced by background threads on the device can
// still defeat this: there is no way to tell a busy main thread from an
// idle prompt plus a chatty second thread, so everything is assumed to
// come from the main thread.
//
// In raw mode an EOT byte switches the remainder of the output to
// stderr. In paste mode the traceback header does the same.
func (s *Session) ScanUntilPrompt(sink Sink, pol ScanPolicies) ([]byte, error) {
	var (
		sawNonWhitespace bool
		poked            bool
		advised          bool
		interruptedOnOut bool
		ctrlCAdviceShown bool
		lastData         []byte
		pending          []byte
	)
	stream := StreamStdout
	start := s.clk.Now()
	lastDataAt := start
	defer func() { s.note("scan for prompt", start) }()
	interruptsBefore, _ := s.interruptStats()
	interruptQueue := append([]time.Duration(nil), pol.InterruptTimes...)

	// Including the line feed keeps forwarding incremental: whole lines
	// when possible, without holding a busy program's output back.
	closers := [][]byte{NormalPrompt, lf, eotRawPrompt, FirstRawPrompt, W600FirstRawPrompt}
	prompts := [][]byte{eotRawPrompt, NormalPrompt, FirstRawPrompt, W600FirstRawPrompt}

	emit := func(text string, st Stream) {
		if text == "" {
			return
		}
		if strings.Contains(text, "Ctrl-C") {
			// CircuitPython's own advice; ours would be redundant.
			ctrlCAdviceShown = true
		}
		sink(text, st)
	}

	for {
		if err := s.conn.Err(); err != nil && s.conn.IncomingIsEmpty() {
			return nil, &conn.CommunicationError{Cause: err}
		}

		elapsed := s.clk.Since(start)
		interruptsSent, lastInterruptAt := s.interruptStats()
		interruptsHere := interruptsSent - interruptsBefore

		switch {
		case pol.AdviceAfter > 0 && !advised && !ctrlCAdviceShown &&
			(!sawNonWhitespace && elapsed > pol.AdviceAfter ||
				interruptsHere > 0 && !lastInterruptAt.IsZero() && s.clk.Since(lastInterruptAt) > pol.AdviceAfter):
			log.Debug().Msg("Printing recovery advice")
			emit(unresponsiveAdvice, StreamStderr)
			advised = true
		case pol.PokeAfter > 0 && elapsed > pol.PokeAfter && !sawNonWhitespace && !poked:
			log.Debug().Msg("Device silent, poking for a prompt")
			if err := s.Write(RawModeCmd); err != nil {
				return nil, err
			}
			poked = true
		case len(interruptQueue) > 0 && elapsed >= interruptQueue[0]:
			if err := s.Interrupt(); err != nil {
				return nil, err
			}
			interruptQueue = interruptQueue[1:]
		case !interruptedOnOut && s.outputTrigger != nil &&
			s.clk.Since(lastDataAt) > outputInterruptQuiet && s.outputTrigger(lastData):
			if err := s.Interrupt(); err != nil {
				return nil, err
			}
			interruptedOnOut = true
		}

		data := s.conn.SoftReadUntil(closers, pollTimeout)
		if len(data) > 0 {
			if len(bytes.TrimSpace(data)) > 0 {
				sawNonWhitespace = true
			}
			lastData = data
			lastDataAt = s.clk.Now()
		}

		// An EOT not followed by a raw prompt separates stdout from the
		// traceback in raw mode.
		if i := bytes.IndexByte(data, 0x04); i >= 0 && stream == StreamStdout &&
			!bytes.HasPrefix(data[i:], eotRawPrompt) {
			pending = append(pending, data[:i]...)
			emit(decode(pending), stream)
			pending = nil
			data = data[i+1:]
			stream = StreamStderr
		} else if s.mode == SubmitPaste && bytes.Contains(data, TracebackMarker) {
			stream = StreamStderr
		}

		if len(data) == 0 && len(pending) == 0 {
			continue
		}
		pending = append(pending, data...)

		var current []byte
		for _, p := range prompts {
			if bytes.HasSuffix(pending, p) {
				current = p
				break
			}
		}

		if current != nil {
			// Looks like a prompt; make sure nothing follows it.
			followUp := s.conn.SoftRead(1, promptLookahead)
			if bytes.Equal(followUp, esc) {
				osc := append(followUp, s.conn.SoftReadUntil([][]byte{st}, waitOrCrashTimeout)...)
				if bytes.HasSuffix(osc, st) {
					log.Debug().Hex("sequence", osc).Msg("found OSC sequence")
					emit(decode(osc), StreamOSC)
				}
				followUp = nil
			}

			if len(followUp) > 0 {
				// Inactive. The follow-up may turn into another prompt,
				// so it goes back for the next round; the prompt text
				// stays in pending as ordinary output.
				log.Debug().Hex("follow_up", followUp).Msg("found inactive prompt")
				s.conn.Unread(followUp)
				continue
			}

			for _, p := range prompts {
				if bytes.HasSuffix(pending, p) {
					pending = pending[:len(pending)-len(p)]
				}
			}
			emit(decode(pending), stream)
			s.lastPrompt = bytes.Clone(current)
			log.Debug().Bytes("prompt", current).Msg("found prompt")
			return current, nil
		}

		if bytes.HasSuffix(pending, lf) {
			if bytes.HasSuffix(pending, FirstRawPrompt[:len(FirstRawPrompt)-1]) ||
				bytes.HasSuffix(pending, W600FirstRawPrompt[:len(W600FirstRawPrompt)-1]) {
				// One byte short of a first raw prompt. Push everything
				// back so the next read can see the banner whole.
				pending = append(pending, s.conn.SoftRead(1, time.Second)...)
				s.conn.Unread(pending)
				pending = nil
			} else {
				emit(decode(pending), stream)
				pending = nil
			}
			continue
		}

		if _, n := firstOverlappingPrompt(pending, prompts); n > 0 {
			// The buffer ends in a prefix of a prompt. Real output
			// usually ends with a newline, so a short wait for the rest
			// is cheap.
			followUp := s.conn.SoftRead(1, overlapWait)
			if len(followUp) == 0 {
				// Never completed; it was just output.
				emit(decode(pending), stream)
				pending = nil
				continue
			}
			tail := append(bytes.Clone(pending[len(pending)-n:]), followUp...)
			s.conn.Unread(tail)
			emit(decode(pending[:len(pending)-n]), stream)
			pending = nil
			continue
		}

		emit(decode(pending), stream)
		pending = nil
	}
}

// firstOverlappingPrompt finds the first prompt whose prefix the data
// ends with, returning it and the overlap length.
func firstOverlappingPrompt(data []byte, prompts [][]byte) ([]byte, int) {
	for _, p := range prompts {
		if n := endsOverlap(data, p); n > 0 {
			return p, n
		}
	}
	return nil, 0
}

// endsOverlap returns the length of the longest suffix of data that is
// a prefix of marker.
func endsOverlap(data, marker []byte) int {
	limit := min(len(data), len(marker))
	for i := limit; i > 0; i-- {
		if bytes.HasSuffix(data, marker[:i]) {
			return i
		}
	}
	return 0
}

// decode converts device bytes to text, substituting the replacement
// character for malformed UTF-8.
func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
