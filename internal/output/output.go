// Package output provides formatted terminal output for device
// sessions: status lines, live device streams and transfer progress.
package output

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// Object link markers the on-device helper wraps around interactive
// values. A terminal has no use for them, so the stream strips them.
const (
	linkStart = "[ide_object_link="
	linkEnd   = "[/ide_object_link]"
)

// Stats holds session statistics for the debug recap.
type Stats interface {
	GetCommands() int
	GetInterrupts() int
	GetDuration() time.Duration
}

// Output handles formatted output.
type Output struct {
	w        io.Writer
	useColor bool
	debug    bool

	// held carries a possible partial link marker between device
	// stream chunks.
	held string
}

// New creates a new output handler.
func New(w io.Writer) *Output {
	return &Output{
		w:        w,
		useColor: true,
	}
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// color returns the string wrapped in color codes if enabled.
func (o *Output) color(c, s string) string {
	if !o.useColor {
		return s
	}
	return c + s + colorReset
}

// DeviceOut prints a chunk of the device's stdout stream. Link markers
// are stripped; a chunk ending mid-marker is held back until the rest
// arrives.
func (o *Output) DeviceOut(text string) {
	clean, held := stripObjectLinks(o.held + text)
	o.held = held
	if clean != "" {
		o.printf("%s", clean)
	}
}

// DeviceErr prints a chunk of the device's stderr stream in red.
func (o *Output) DeviceErr(text string) {
	o.flushHeld()
	if text != "" {
		o.printf("%s", o.color(colorRed, text))
	}
}

// FlushDevice emits any held-back partial marker. Call when the device
// stream ends.
func (o *Output) FlushDevice() {
	o.flushHeld()
}

func (o *Output) flushHeld() {
	if o.held != "" {
		o.printf("%s", o.held)
		o.held = ""
	}
}

// Progress returns a callback rendering transfer progress for one file
// on a rewritten line. The line is finished when the transfer reaches
// its total.
func (o *Output) Progress(label string) func(done, total int64) {
	return func(done, total int64) {
		if total > 0 {
			o.printf("\r  %s  %s of %s (%d%%)", label,
				FormatSize(done), FormatSize(total), done*100/total)
		} else {
			o.printf("\r  %s  %s", label, FormatSize(done))
		}
		if done >= total {
			o.printf("\n")
		}
	}
}

// Done prints a completed-operation line.
func (o *Output) Done(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorGreen, "✓"), fmt.Sprintf(format, args...))
}

// Failed prints a failed-operation line.
func (o *Output) Failed(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorRed, "✗"), fmt.Sprintf(format, args...))
}

// SessionEnd prints the session recap in debug mode.
func (o *Output) SessionEnd(stats Stats) {
	if !o.debug {
		return
	}

	commands := o.color(colorGreen, fmt.Sprintf("commands=%d", stats.GetCommands()))
	interrupts := o.color(colorYellow, fmt.Sprintf("interrupts=%d", stats.GetInterrupts()))

	o.printf("\n%s %s %s", o.color(colorBold, "SESSION"), commands, interrupts)
	o.printf(" %s\n", o.color(colorGray, fmt.Sprintf("(%.2fs)", stats.GetDuration().Seconds())))
}

// Section prints a section header.
func (o *Output) Section(name string) {
	o.printf("\n%s\n", o.color(colorBold, name))
}

// Field prints an aligned name/value line under a section.
func (o *Output) Field(name, value string) {
	o.printf("  %s %s\n", o.color(colorCyan, fmt.Sprintf("%-14s", name)), value)
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorBlue, "INFO"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorYellow, "WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorRed, "ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.debug {
		o.printf("%s %s\n", o.color(colorGray, "DEBUG"), fmt.Sprintf(format, args...))
	}
}

func (o *Output) printf(format string, args ...any) {
	fmt.Fprintf(o.w, format, args...)
}

// stripObjectLinks removes helper link markers from text. It returns
// the cleaned text and any trailing bytes that might be the start of a
// marker split across chunks.
func stripObjectLinks(text string) (clean, held string) {
	var b strings.Builder
	for {
		i := strings.IndexByte(text, '[')
		if i < 0 {
			b.WriteString(text)
			return b.String(), ""
		}
		b.WriteString(text[:i])
		rest := text[i:]

		n, complete := matchMarker(rest)
		if complete {
			text = rest[n:]
			continue
		}
		if n > 0 {
			return b.String(), rest
		}

		b.WriteByte('[')
		text = rest[1:]
	}
}

// matchMarker classifies a '['-anchored string: (length, true) for a
// complete marker, (1, false) when the text could still become one,
// (0, false) for ordinary output.
func matchMarker(rest string) (int, bool) {
	if strings.HasPrefix(rest, linkStart) {
		tail := rest[len(linkStart):]
		if j := strings.IndexByte(tail, ']'); j >= 0 {
			if isDigits(tail[:j]) {
				return len(linkStart) + j + 1, true
			}
			return 0, false
		}
		if len(tail) < 24 && isDigits(tail) {
			return 1, false
		}
		return 0, false
	}
	if strings.HasPrefix(rest, linkEnd) {
		return len(linkEnd), true
	}
	if len(rest) < len(linkStart) && strings.HasPrefix(linkStart, rest) {
		return 1, false
	}
	if len(rest) < len(linkEnd) && strings.HasPrefix(linkEnd, rest) {
		return 1, false
	}
	return 0, false
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// FormatSize renders a byte count the way a person reads one.
func FormatSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}
