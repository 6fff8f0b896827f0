package repl

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const submitLogSample = 1024

// Submit sends a script for execution, using the session's submit mode.
// It assumes the caller has already dealt with any pending output. After
// a successful Submit the device is compiling or running the script and
// the caller should scan for the outcome.
//
// If the device refuses raw-paste mode, the session downgrades itself to
// plain raw mode for the rest of its life and resubmits, so one refusal
// costs one round trip instead of failing the command.
func (s *Session) Submit(script string) error {
	if script == "" {
		return errors.New("refusing to submit empty script")
	}

	payload := []byte(script)
	log.Debug().
		Stringer("submit_mode", s.mode).
		Str("script", truncateForLog(script, submitLogSample)).
		Msg("submitting code")

	// The mode is read in the defer so a raw-paste downgrade mid-call
	// reports the mode that actually carried the script.
	start := s.clk.Now()
	defer func() { s.note("submit "+s.mode.String(), start) }()

	switch s.mode {
	case SubmitPaste:
		return s.submitPaste(payload)
	case SubmitRawPaste:
		err := s.submitRawPaste(payload)
		if errors.Is(err, ErrRawPasteUnsupported) {
			log.Warn().Msg("device does not support raw-paste mode, falling back to raw mode")
			s.mode = SubmitRaw
			if !s.delayExplicit {
				s.blockDelay = rawModeBlockDelay
			}
			return s.submitRaw(payload)
		}
		return err
	default:
		return s.submitRaw(payload)
	}
}

func (s *Session) submitPaste(script []byte) error {
	if err := s.EnsureNormalMode(false); err != nil {
		return err
	}

	s.interruptMu.Lock()
	defer s.interruptMu.Unlock()

	if err := s.Write(PasteModeCmd); err != nil {
		return err
	}
	discarded, err := s.conn.ReadUntil(pasteModeLinePrefix, waitOrCrashTimeout)
	if err != nil {
		return fmt.Errorf("failed to enter paste mode: %w", err)
	}
	log.Debug().Hex("discarded", discarded).Msg("entered paste mode")

	echoPrefix := append([]byte("\r\n"), pasteModeLinePrefix...)
	rest := script
	for len(rest) > 0 {
		block := rest[:min(s.blockSize, len(rest))]
		rest = rest[len(block):]

		// Find a block boundary whose echo fits in one block and does
		// not split a CRLF pair or a multi-byte character.
		var expectedEcho []byte
		for {
			expectedEcho = bytes.ReplaceAll(block, []byte("\r\n"), echoPrefix)
			if len(block) > 1 &&
				(len(expectedEcho) > s.blockSize ||
					bytes.HasSuffix(block, []byte{'\r'}) ||
					len(block) > 2 && len(rest) > 0 && isContinuationByte(rest[0])) {
				rest = append([]byte{block[len(block)-1]}, rest...)
				block = block[:len(block)-1]
				continue
			}
			break
		}

		if err := s.Write(block); err != nil {
			return err
		}
		if err := s.conn.ReadAllExpected(expectedEcho, waitOrCrashTimeout); err != nil {
			return fmt.Errorf("unexpected paste mode echo: %w", err)
		}
	}

	if err := s.Write(EOT); err != nil {
		return err
	}
	confirmation, err := s.conn.Read(2, waitOrCrashTimeout)
	if err != nil {
		return fmt.Errorf("failed to read paste mode confirmation: %w", err)
	}
	if !bytes.Equal(confirmation, []byte("\r\n")) {
		return &ProtocolError{Message: fmt.Sprintf("unexpected paste mode confirmation %q", confirmation)}
	}
	return nil
}

func (s *Session) submitRaw(script []byte) error {
	if err := s.EnsureRawMode(); err != nil {
		return err
	}

	s.interruptMu.Lock()
	defer s.interruptMu.Unlock()

	rest := append(bytes.Clone(script), EOT...)
	for len(rest) > 0 {
		block := extractBlock(rest, s.blockSize)
		if err := s.Write(block); err != nil {
			return err
		}
		rest = rest[len(block):]
		if len(rest) > 0 {
			s.clk.Sleep(s.blockDelay)
		}
	}

	confirmation := s.conn.SoftRead(2, waitOrCrashTimeout)
	if bytes.Equal(confirmation, OK) {
		return nil
	}

	diagnostics := append(bytes.Clone(confirmation), s.conn.ReadAll()...)
	diagnostics = append(diagnostics, s.conn.SoftRead(1, time.Second)...)
	diagnostics = append(diagnostics, s.conn.ReadAll()...)
	log.Error().
		Str("script", truncateForLog(decode(script), submitLogSample)).
		Hex("data", diagnostics).
		Msg("could not read command confirmation")
	return &ProtocolError{Message: "could not read command confirmation"}
}

// SubmitInput forwards user input to a program waiting on stdin. Input
// must end with a newline; it is sent as CRLF and the echo is consumed
// so that it does not reappear as program output.
func (s *Session) SubmitInput(text string) error {
	if !strings.HasSuffix(text, "\n") {
		return errors.New("input must end with a newline")
	}
	if !strings.HasSuffix(text, "\r\n") {
		text = text[:len(text)-1] + "\r\n"
	}
	if !s.conn.OutgoingIsEmpty() {
		log.Warn().Msg("submitting input while previous write is still pending")
	}

	payload := []byte(text)
	var echo []byte

	s.interruptMu.Lock()
	rest := payload
	for len(rest) > 0 {
		block := extractBlock(rest, s.blockSize)
		if err := s.Write(block); err != nil {
			s.interruptMu.Unlock()
			return err
		}
		echo = append(echo, s.conn.SoftRead(len(block), time.Second)...)
		rest = rest[len(block):]
	}
	s.interruptMu.Unlock()

	if !bytes.Equal(stripLineBreaks(echo), stripLineBreaks(payload)) {
		if hasNonASCII(text) {
			// MicroPython's stdin drops non-ascii characters, which
			// makes the echo shorter than the input.
			log.Warn().Msg("MicroPython ignores non-ascii characters of the input")
		} else {
			// Autoreload? Timing? Interruption? Leave it for the next
			// scan to sort out.
			log.Warn().Hex("expected", payload).Hex("got", echo).Msg("unexpected input echo")
		}
		s.conn.Unread(echo)
	}
	return nil
}

// extractBlock cuts at most blockSize bytes from the front of src,
// moving the boundary left so it never lands inside a multi-byte
// character.
func extractBlock(src []byte, blockSize int) []byte {
	i := blockSize
	if i >= len(src) {
		return src
	}
	for i > 0 && isContinuationByte(src[i]) {
		i--
	}
	return src[:i]
}

// isContinuationByte reports whether b is a UTF-8 continuation byte.
func isContinuationByte(b byte) bool {
	return b&0xC0 == 0x80
}

func stripLineBreaks(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte{'\r'}, nil)
	return bytes.ReplaceAll(b, []byte{'\n'}, nil)
}

func hasNonASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return true
		}
	}
	return false
}

func truncateForLog(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
