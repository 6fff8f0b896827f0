package repl

import "errors"

// ProtocolError reports a structural violation of the REPL framing: a
// bad confirmation, a missing marker, an unexpected raw-paste response
// or a prompt that never became active.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Message
}

// ErrRawPasteUnsupported is returned when the device refuses the
// raw-paste command. The session downgrades to plain raw mode for the
// rest of the connection when it sees this.
var ErrRawPasteUnsupported = errors.New("device does not support raw-paste mode")
