// Package repl implements the device-side REPL protocol: prompt
// detection, the three script submission modes (paste, raw, raw-paste)
// and the output scanner that separates device stdout from stderr.
//
// The byte sequences below must match the firmware exactly. They are
// shared by MicroPython and CircuitPython and are not translated even
// in localized firmware builds.
package repl

import "time"

// Prompt markers.
var (
	// NormalPrompt is the friendly REPL prompt.
	NormalPrompt = []byte(">>> ")

	// FirstRawPrompt is the banner printed when entering raw mode (or
	// after a soft reboot while in raw mode).
	FirstRawPrompt = []byte("raw REPL; CTRL-B to exit\r\n>")

	// W600FirstRawPrompt is the same banner as printed by W600 boards,
	// which emit an extra carriage return.
	W600FirstRawPrompt = []byte("raw REPL; CTRL-B to exit\r\r\n>")

	// RawPrompt is the prompt shown for subsequent raw mode commands.
	RawPrompt = []byte(">")

	// EOT separates output segments in raw mode and terminates scripts.
	EOT = []byte{0x04}

	// OK is the confirmation raw mode sends after accepting a script.
	OK = []byte("OK")
)

// Control bytes understood by the firmware.
var (
	RawModeCmd    = []byte{0x01}
	NormalModeCmd = []byte{0x02}
	InterruptCmd  = []byte{0x03}
	SoftRebootCmd = []byte{0x04}
	PasteModeCmd  = []byte{0x05}
)

// Raw-paste sub-protocol framing.
var (
	rawPasteCommand      = []byte{0x05, 'A', 0x01}
	rawPasteRefusal      = []byte{'R', 0x00}
	rawPasteConfirmation = []byte{'R', 0x01}
)

const (
	rawPasteContinue = 0x01
	rawPasteAbort    = 0x04
)

var (
	lf                  = []byte("\n")
	esc                 = []byte{0x1b}
	st                  = []byte{0x1b, '\\'}
	pasteModeLinePrefix = []byte("=== ")

	// eotRawPrompt closes a raw mode command: second EOT plus the next
	// raw prompt.
	eotRawPrompt = []byte{0x04, '>'}

	// TracebackMarker starts MicroPython error reports. In paste mode it
	// is the only stdout/stderr separation signal available.
	TracebackMarker = []byte("Traceback (most recent call last):")
)

// waitOrCrashTimeout bounds reads for bytes that should appear almost
// immediately. Waiting longer only delays the protocol error report.
const waitOrCrashTimeout = 5 * time.Second
