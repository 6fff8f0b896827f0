package repl

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	rawPasteHeaderTimeout = 2 * time.Second
	rawPasteProbeTimeout  = 500 * time.Millisecond
)

// submitRawPaste runs the flow-controlled variant of raw mode. The
// device names a window size and extends it with continuation bytes as
// it consumes data, so large scripts can be streamed without guessing
// at receive buffer sizes.
func (s *Session) submitRawPaste(script []byte) error {
	if err := s.EnsureRawMode(); err != nil {
		return err
	}

	s.interruptMu.Lock()
	defer s.interruptMu.Unlock()

	s.conn.SetTextMode(false)
	defer s.conn.SetTextMode(true)

	// A device that supports raw-paste may still fail to confirm it,
	// e.g. when a program presented something that merely looked like a
	// raw prompt and the session only thought it was in raw mode. When
	// the reply turns out to be the raw mode banner, one more attempt
	// is worth making.
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			log.Debug().Msg("trying raw-paste again")
		}

		if err := s.Write(rawPasteCommand); err != nil {
			return err
		}
		response := s.conn.SoftRead(2, waitOrCrashTimeout)
		switch {
		case bytes.Equal(response, rawPasteConfirmation):
			return s.rawPasteWrite(script)
		case bytes.Equal(response, rawPasteRefusal):
			log.Info().Msg("device refused raw paste")
			return ErrRawPasteUnsupported
		default:
			log.Debug().Hex("response", response).Msg("no raw-paste confirmation")
			response = append(response, s.conn.SoftReadUntil([][]byte{FirstRawPrompt}, rawPasteProbeTimeout)...)
			if !bytes.HasSuffix(response, FirstRawPrompt) {
				log.Error().Hex("response", response).Msg("unrecognized raw-paste response")
				return &ProtocolError{Message: "could not get raw-paste confirmation"}
			}
			s.lastPrompt = bytes.Clone(FirstRawPrompt)
		}
	}
	return ErrRawPasteUnsupported
}

// rawPasteWrite streams the payload within the device's flow control
// windows, after the confirmation has been received.
func (s *Session) rawPasteWrite(payload []byte) error {
	header := s.conn.SoftRead(2, rawPasteHeaderTimeout)
	if len(header) != 2 {
		diagnostics := append(bytes.Clone(header), s.conn.ReadAll()...)
		return &ProtocolError{Message: fmt.Sprintf("could not read raw-paste header, got %q", diagnostics)}
	}
	windowSize := int(binary.LittleEndian.Uint16(header))
	log.Debug().Int("window_size", windowSize).Msg("raw paste started")
	remain := windowSize

	written := 0
	for written < len(payload) {
		for remain == 0 || !s.conn.IncomingIsEmpty() {
			data := s.conn.SoftRead(1, waitOrCrashTimeout)
			switch {
			case len(data) == 1 && data[0] == rawPasteContinue:
				// A new window of data can be sent.
				remain += windowSize
			case len(data) == 1 && data[0] == rawPasteAbort:
				// Abrupt end, most likely a syntax error. Acknowledge
				// it and finish.
				if err := s.Write(EOT); err != nil {
					return err
				}
				log.Warn().Int("written", written).Int("total", len(payload)).
					Msg("abrupt end of raw paste")
				return &ProtocolError{Message: "abrupt end during raw paste"}
			default:
				log.Error().Hex("data", data).Msg("unexpected read during raw paste")
				return &ProtocolError{Message: "unexpected read during raw paste"}
			}
		}

		chunk := payload[written:min(written+remain, len(payload))]
		log.Debug().Int("size", len(chunk)).Msg("writing raw-paste chunk")
		if err := s.Write(chunk); err != nil {
			return err
		}
		remain -= len(chunk)
		written += len(chunk)
	}

	if err := s.Write(EOT); err != nil {
		return err
	}
	ack := s.conn.SoftReadUntil([][]byte{EOT}, waitOrCrashTimeout)
	if !bytes.HasSuffix(ack, EOT) {
		log.Error().Hex("ack", ack).Msg("could not complete raw paste")
		return &ProtocolError{Message: "could not complete raw paste"}
	}
	return nil
}
