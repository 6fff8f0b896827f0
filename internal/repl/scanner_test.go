package repl

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minnykit/minny/internal/conn"
	"github.com/minnykit/minny/internal/devtest"
)

type sinkRecorder struct {
	stdout strings.Builder
	stderr strings.Builder
	osc    strings.Builder
}

func (r *sinkRecorder) sink(text string, stream Stream) {
	switch stream {
	case StreamStderr:
		r.stderr.WriteString(text)
	case StreamOSC:
		r.osc.WriteString(text)
	default:
		r.stdout.WriteString(text)
	}
}

// newTestSession wires a session to a simulated device and swallows the
// boot prompt, so tests start against a quiet device at its friendly
// prompt.
func newTestSession(t *testing.T, d *devtest.Device, opts ...SessionOption) *Session {
	t.Helper()
	c := conn.New(d)
	t.Cleanup(func() { _ = c.Close() })
	s := NewSession(c, opts...)
	_, err := s.ScanUntilPrompt(func(string, Stream) {}, ScanPolicies{})
	require.NoError(t, err)
	require.Equal(t, NormalPrompt, s.LastPrompt())
	return s
}

func TestScanForwardsOutputUntilActivePrompt(t *testing.T) {
	d := devtest.New()
	s := newTestSession(t, d)

	d.Print("hello\r\nworld\r\n>>> ")

	var rec sinkRecorder
	prompt, err := s.ScanUntilPrompt(rec.sink, ScanPolicies{})
	require.NoError(t, err)
	assert.Equal(t, NormalPrompt, prompt)
	assert.Equal(t, "hello\r\nworld\r\n", rec.stdout.String())
	assert.Empty(t, rec.stderr.String())
}

func TestScanTreatsFollowedPromptAsOutput(t *testing.T) {
	d := devtest.New()
	s := newTestSession(t, d)

	// A program printing its own transcript: the first ">>> " is output
	// because bytes follow it.
	d.Print(">>> print(1)\r\n1\r\n>>> ")

	var rec sinkRecorder
	prompt, err := s.ScanUntilPrompt(rec.sink, ScanPolicies{})
	require.NoError(t, err)
	assert.Equal(t, NormalPrompt, prompt)
	assert.Equal(t, ">>> print(1)\r\n1\r\n", rec.stdout.String())
}

func TestScanSeparatesRawModeStreams(t *testing.T) {
	d := devtest.New()
	s := newTestSession(t, d)

	d.Print("partial result\x04Traceback (most recent call last):\r\nboom\r\n\x04>")

	var rec sinkRecorder
	prompt, err := s.ScanUntilPrompt(rec.sink, ScanPolicies{})
	require.NoError(t, err)
	assert.Equal(t, eotRawPrompt, prompt)
	assert.Equal(t, "partial result", rec.stdout.String())
	assert.Contains(t, rec.stderr.String(), "Traceback")
	assert.Contains(t, rec.stderr.String(), "boom")
}

func TestScanRedirectsPasteModeTraceback(t *testing.T) {
	d := devtest.New()
	s := newTestSession(t, d, WithSubmitMode(SubmitPaste))

	d.Print("ok line\r\nTraceback (most recent call last):\r\nboom\r\n>>> ")

	var rec sinkRecorder
	prompt, err := s.ScanUntilPrompt(rec.sink, ScanPolicies{})
	require.NoError(t, err)
	assert.Equal(t, NormalPrompt, prompt)
	assert.Equal(t, "ok line\r\n", rec.stdout.String())
	assert.Contains(t, rec.stderr.String(), "Traceback")
	assert.Contains(t, rec.stderr.String(), "boom")
}

func TestScanExtractsOSCSequenceAfterPrompt(t *testing.T) {
	d := devtest.New()
	s := newTestSession(t, d)

	d.Print(">>> \x1b]0;Board Title\x1b\\")

	var rec sinkRecorder
	prompt, err := s.ScanUntilPrompt(rec.sink, ScanPolicies{})
	require.NoError(t, err)
	assert.Equal(t, NormalPrompt, prompt)
	assert.Empty(t, rec.stdout.String())
	assert.Equal(t, "\x1b]0;Board Title\x1b\\", rec.osc.String())
}

func TestScanCompletesRawBannerSplitAcrossReads(t *testing.T) {
	d := devtest.New()
	s := newTestSession(t, d)

	d.Print("raw REPL; CTRL-B to exit\r\n")
	go func() {
		time.Sleep(200 * time.Millisecond)
		d.Print(">")
	}()

	var rec sinkRecorder
	prompt, err := s.ScanUntilPrompt(rec.sink, ScanPolicies{})
	require.NoError(t, err)
	assert.Equal(t, FirstRawPrompt, prompt)
	assert.Empty(t, rec.stdout.String())
}

func TestScanFlushesPromptLookalike(t *testing.T) {
	d := devtest.New()
	s := newTestSession(t, d)

	// Ends with a prefix of ">>> " but never completes it.
	d.Print("progress 50%>")
	go func() {
		time.Sleep(700 * time.Millisecond)
		d.Print(">>> ")
	}()

	var rec sinkRecorder
	prompt, err := s.ScanUntilPrompt(rec.sink, ScanPolicies{})
	require.NoError(t, err)
	assert.Equal(t, NormalPrompt, prompt)
	assert.Equal(t, "progress 50%>", rec.stdout.String())
}

func TestScanReassemblesPromptFromOverlap(t *testing.T) {
	d := devtest.New()
	s := newTestSession(t, d)

	d.Print("result\x04")
	go func() {
		time.Sleep(100 * time.Millisecond)
		d.Print(">")
	}()

	var rec sinkRecorder
	prompt, err := s.ScanUntilPrompt(rec.sink, ScanPolicies{})
	require.NoError(t, err)
	assert.Equal(t, eotRawPrompt, prompt)
	assert.Equal(t, "result", rec.stdout.String())
}

func TestScanReportsDeadConnection(t *testing.T) {
	d := devtest.New()
	s := newTestSession(t, d)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = d.Close()
	}()

	_, err := s.ScanUntilPrompt(func(string, Stream) {}, ScanPolicies{})
	require.Error(t, err)
	var commErr *conn.CommunicationError
	assert.ErrorAs(t, err, &commErr)
}

func TestScanAdviceAndPokePolicies(t *testing.T) {
	d := devtest.New()
	s := newTestSession(t, d)

	// Silent device: advice should fire first, then the poke provokes
	// the raw banner, which ends the scan.
	var rec sinkRecorder
	prompt, err := s.ScanUntilPrompt(rec.sink, ScanPolicies{
		AdviceAfter: 100 * time.Millisecond,
		PokeAfter:   300 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, FirstRawPrompt, prompt)
	assert.Contains(t, rec.stderr.String(), "Device is busy or does not respond")
}

func TestScanInterruptTimes(t *testing.T) {
	d := devtest.New(devtest.WithExec(func(string) devtest.ExecResult {
		return devtest.ExecResult{Stdout: "working...", Hang: true}
	}))
	s := newTestSession(t, d, WithSubmitMode(SubmitRaw))

	require.NoError(t, s.Submit("while True: pass\r\n"))

	var rec sinkRecorder
	prompt, err := s.ScanUntilPrompt(rec.sink, ScanPolicies{
		InterruptTimes: []time.Duration{100 * time.Millisecond},
	})
	require.NoError(t, err)
	assert.Equal(t, eotRawPrompt, prompt)
	assert.Equal(t, "working...", rec.stdout.String())
	assert.Contains(t, rec.stderr.String(), "KeyboardInterrupt")
	assert.Equal(t, 1, d.Interrupts())
}

func TestScanOutputTriggeredInterrupt(t *testing.T) {
	d := devtest.New(devtest.WithExec(func(string) devtest.ExecResult {
		return devtest.ExecResult{Stdout: "Press any key to enter the REPL.", Hang: true}
	}))
	s := newTestSession(t, d, WithSubmitMode(SubmitRaw),
		WithInterruptTrigger(func(data []byte) bool {
			return strings.HasSuffix(strings.TrimSpace(string(data)), "any key to enter the REPL.")
		}))

	require.NoError(t, s.Submit("main()\r\n"))

	var rec sinkRecorder
	prompt, err := s.ScanUntilPrompt(rec.sink, ScanPolicies{})
	require.NoError(t, err)
	assert.Equal(t, eotRawPrompt, prompt)
	assert.Contains(t, rec.stderr.String(), "KeyboardInterrupt")
	assert.Equal(t, 1, d.Interrupts())
}

func TestEndsOverlap(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		marker string
		want   int
	}{
		{"no overlap", "abc", ">>> ", 0},
		{"single byte", "abc>", ">>> ", 1},
		{"two bytes", "ab>>", ">>> ", 2},
		{"full marker counts", ">>> ", ">>> ", 4},
		{"data shorter than marker", ">>", ">>> ", 2},
		{"eot prefix", "x\x04", "\x04>", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, endsOverlap([]byte(tt.data), []byte(tt.marker)))
		})
	}
}

func TestDecodeReplacesInvalidUTF8(t *testing.T) {
	assert.Equal(t, "ok", decode([]byte("ok")))
	assert.Equal(t, "a�b", decode([]byte{'a', 0xFF, 'b'}))
}
