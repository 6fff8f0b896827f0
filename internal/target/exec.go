package target

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/minnykit/minny/internal/pyval"
	"github.com/minnykit/minny/internal/repl"
)

// osErrorRe pulls the errno out of a device traceback's final line,
// e.g. "OSError: [Errno 28] ENOSPC" or "OSError: 28".
var osErrorRe = regexp.MustCompile(`(?m)^OSError:\D*(\d+)`)

// captureBuffer collects scanned output per stream. OSC sequences are
// terminal decorations and are dropped from captures.
type captureBuffer struct {
	stdout strings.Builder
	stderr strings.Builder
}

func (b *captureBuffer) sink(text string, stream repl.Stream) {
	switch stream {
	case repl.StreamStdout:
		b.stdout.WriteString(text)
	case repl.StreamStderr:
		b.stderr.WriteString(text)
	}
}

// captureScan scans to the next prompt, buffering the output instead
// of forwarding it.
func (t *Target) captureScan() (string, string, error) {
	var buf captureBuffer
	_, err := t.session.ScanUntilPrompt(buf.sink, repl.ScanPolicies{})
	return buf.stdout.String(), buf.stderr.String(), err
}

// execWithSink submits a script and forwards its output until the
// device prompts again.
func (t *Target) execWithSink(script string, requireHelper bool, sink repl.Sink) error {
	if requireHelper {
		if err := t.ensureHelper(); err != nil {
			return err
		}
	}
	if err := t.session.Submit(script); err != nil {
		return err
	}
	_, err := t.session.ScanUntilPrompt(sink, repl.ScanPolicies{})
	return err
}

// execCapture submits a script and returns its stdout and stderr.
func (t *Target) execCapture(script string, requireHelper bool) (string, string, error) {
	var buf captureBuffer
	if err := t.execWithSink(script, requireHelper, buf.sink); err != nil {
		return "", "", err
	}
	return buf.stdout.String(), buf.stderr.String(), nil
}

// execWithoutOutput runs a script expected to have only side effects.
// Any output means the script failed.
func (t *Target) execWithoutOutput(script string, requireHelper bool) error {
	out, errText, err := t.execCapture(script, requireHelper)
	if err != nil {
		return err
	}
	if out != "" || errText != "" {
		return newManagementError("Command output was not empty", script, out, errText)
	}
	return nil
}

// scrapeOSError recognizes a traceback that boils down to a single
// OSError and extracts its errno. Errno 0 means the text only looked
// like one.
func scrapeOSError(stderr string) *DeviceOSError {
	m := osErrorRe.FindStringSubmatch(stderr)
	if m == nil {
		return nil
	}
	errno, err := strconv.Atoi(m[1])
	if err != nil || errno == 0 {
		return nil
	}
	return &DeviceOSError{Errno: errno}
}

// execOSError runs a side-effect script whose plausible failure is an
// OSError, converting such tracebacks into DeviceOSError so callers
// can branch on the errno.
func (t *Target) execOSError(script string, requireHelper bool) error {
	err := t.execWithoutOutput(script, requireHelper)
	var me *ManagementError
	if errors.As(err, &me) {
		if oserr := scrapeOSError(me.Stderr); oserr != nil {
			return oserr
		}
	}
	return err
}

// evaluate runs a script that prints exactly one management value and
// parses it. Text around the markers comes from device threads or IRQ
// handlers and is forwarded to the sink.
func (t *Target) evaluate(script string) (any, error) {
	out, errText, err := t.execCapture(script, true)
	if err != nil {
		return nil, err
	}
	if errText != "" {
		return nil, newManagementError("Script produced errors", script, out, errText)
	}
	start := strings.Index(out, mgmtValueStart)
	end := strings.Index(out, mgmtValueEnd)
	if start < 0 || end < start {
		return nil, newManagementError("Management markers missing", script, out, errText)
	}

	prefix := out[:start]
	valueStr := out[start+len(mgmtValueStart) : end]
	suffix := out[end+len(mgmtValueEnd):]

	value, perr := pyval.Parse(valueStr)
	if perr != nil {
		return nil, newManagementError("Could not parse management response", script, out, errText)
	}

	if prefix != "" {
		t.sink(prefix, repl.StreamStdout)
	}
	if suffix != "" {
		t.sink(suffix, repl.StreamStdout)
	}
	return value, nil
}

// wrapMgmt makes an expression print its value between management
// markers.
func wrapMgmt(expr string) string {
	return fmt.Sprintf("__minny_helper.print_mgmt_value(%s)", expr)
}

// quotePath renders a device path as a Python string literal.
func quotePath(path string) string {
	return pyval.QuoteString(path)
}

// ExecuteStreaming runs a user script, forwarding output to the sink
// as it arrives. The helper, the working directory and sys.path may be
// anything afterwards.
func (t *Target) ExecuteStreaming(ctx context.Context, script string, sink repl.Sink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.DrainUnexpectedOutput()
	defer t.markMaybeStale()
	return t.execWithSink(script, false, sink)
}

// Execute runs a user script and returns its captured stdout and
// stderr.
func (t *Target) Execute(ctx context.Context, script string) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	t.DrainUnexpectedOutput()
	defer t.markMaybeStale()
	return t.execCapture(script, false)
}

// ExecuteWithoutOutput runs a management script expected to produce no
// output at all.
func (t *Target) ExecuteWithoutOutput(ctx context.Context, script string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.execWithoutOutput(script, true)
}

// Evaluate computes a Python expression on the device and returns its
// value. Expressions already wrapped in a management print are
// submitted as-is.
func (t *Target) Evaluate(ctx context.Context, expr string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	script := expr
	if !strings.HasPrefix(strings.TrimSpace(expr), "__minny_helper.print_mgmt_value(") {
		script = wrapMgmt(expr)
	}
	return t.evaluate(script)
}

// EvaluateScript runs a multi-line script that prints one management
// value somewhere along the way and returns that value.
func (t *Target) EvaluateScript(ctx context.Context, script string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.evaluate(script)
}

// ExecuteReplEntry runs one interactive entry the way a REPL would:
// the value of an expression entry is echoed and remembered as the
// next entry's "_". Statement entries pass through untouched.
func (t *Target) ExecuteReplEntry(ctx context.Context, source string, sink repl.Sink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.ensureHelper(); err != nil {
		return err
	}
	t.DrainUnexpectedOutput()
	defer t.markMaybeStale()
	return t.execWithSink(instrumentReplEntry(source), false, sink)
}

// instrumentReplEntry wraps a single-expression entry so its value
// prints even where file-grammar submission would swallow it.
func instrumentReplEntry(source string) string {
	entry := strings.TrimSpace(source)
	if entry == "" || strings.HasPrefix(entry, "__minny_helper.") {
		return source
	}
	if entry == "_" {
		entry = "__minny_helper.builtins.globals().get('_', __minny_helper.last_non_none_repl_value)"
	} else if !pyval.IsExpression(entry) {
		return source
	}
	return fmt.Sprintf("__minny_helper.print_repl_value(%s)", entry)
}
