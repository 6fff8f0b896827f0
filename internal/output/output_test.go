package output

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestOutput() (*Output, *bytes.Buffer) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)
	return o, &buf
}

func TestColorToggle(t *testing.T) {
	o, _ := newTestOutput()

	assert.Equal(t, "test", o.color(colorGreen, "test"))

	o.SetColor(true)
	assert.Equal(t, "\033[32mtest\033[0m", o.color(colorGreen, "test"))
}

func TestStripObjectLinks(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		want     string
		wantHeld string
	}{
		{
			name: "plain text untouched",
			text: "hello world\n",
			want: "hello world\n",
		},
		{
			name: "wrapped value",
			text: "[ide_object_link=4312]{'a': 1}[/ide_object_link]\n",
			want: "{'a': 1}\n",
		},
		{
			name: "marker inside surrounding output",
			text: "tick [ide_object_link=7]42[/ide_object_link] tock",
			want: "tick 42 tock",
		},
		{
			name:     "start marker split after digits",
			text:     "x[ide_object_link=123",
			want:     "x",
			wantHeld: "[ide_object_link=123",
		},
		{
			name:     "start marker split mid-name",
			text:     "x[ide_obj",
			want:     "x",
			wantHeld: "[ide_obj",
		},
		{
			name:     "end marker split",
			text:     "42[/ide_objec",
			want:     "42",
			wantHeld: "[/ide_objec",
		},
		{
			name: "ordinary brackets pass through",
			text: "matrix[3][4] = [1, 2]",
			want: "matrix[3][4] = [1, 2]",
		},
		{
			name: "bracket run that stops matching",
			text: "[ide_object_link=abc]",
			want: "[ide_object_link=abc]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clean, held := stripObjectLinks(tt.text)
			assert.Equal(t, tt.want, clean)
			assert.Equal(t, tt.wantHeld, held)
		})
	}
}

func TestDeviceOutJoinsSplitMarkers(t *testing.T) {
	o, buf := newTestOutput()

	o.DeviceOut(">>> x\n[ide_object_li")
	o.DeviceOut("nk=99]'value'[/ide_object_link]\n")
	o.FlushDevice()

	assert.Equal(t, ">>> x\n'value'\n", buf.String())
}

func TestFlushDeviceEmitsFalseAlarm(t *testing.T) {
	o, buf := newTestOutput()

	o.DeviceOut("data[")
	assert.Equal(t, "data", buf.String())

	o.FlushDevice()
	assert.Equal(t, "data[", buf.String())
}

func TestDeviceErrColorsAndOrders(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)

	o.DeviceOut("before[")
	o.DeviceErr("Traceback\n")

	assert.Equal(t, "before[\033[31mTraceback\n\033[0m", buf.String())
}

func TestProgress(t *testing.T) {
	o, buf := newTestOutput()

	progress := o.Progress("main.py")
	progress(0, 2048)
	progress(1024, 2048)
	progress(2048, 2048)

	out := buf.String()
	assert.Contains(t, out, "\r  main.py  0 B of 2.0 KB (0%)")
	assert.Contains(t, out, "\r  main.py  1.0 KB of 2.0 KB (50%)")
	assert.Contains(t, out, "\r  main.py  2.0 KB of 2.0 KB (100%)\n")
}

func TestProgressWithoutTotal(t *testing.T) {
	o, buf := newTestOutput()

	o.Progress("boot.py")(512, 0)

	assert.Contains(t, buf.String(), "boot.py  512 B")
}

func TestDoneAndFailed(t *testing.T) {
	o, buf := newTestOutput()

	o.Done("put %s", "main.py")
	o.Failed("rm %s", "boot.py")

	assert.Contains(t, buf.String(), "✓ put main.py\n")
	assert.Contains(t, buf.String(), "✗ rm boot.py\n")
}

func TestSectionAndField(t *testing.T) {
	o, buf := newTestOutput()

	o.Section("Device")
	o.Field("board", "Raspberry Pi Pico")

	assert.Contains(t, buf.String(), "\nDevice\n")
	assert.Contains(t, buf.String(), "board          Raspberry Pi Pico\n")
}

func TestInfoWarnError(t *testing.T) {
	o, buf := newTestOutput()

	o.Info("test %s %d", "message", 42)
	o.Warn("warning %s", "here")
	o.Error("error: %v", "failed")

	assert.Contains(t, buf.String(), "INFO test message 42\n")
	assert.Contains(t, buf.String(), "WARN warning here\n")
	assert.Contains(t, buf.String(), "ERROR error: failed\n")
}

func TestDebugGated(t *testing.T) {
	o, buf := newTestOutput()

	o.Debug("hidden")
	assert.Empty(t, buf.String())

	o.SetDebug(true)
	o.Debug("debug %s", "info")
	assert.Contains(t, buf.String(), "DEBUG debug info\n")
}

// sessionStats implements the Stats interface for testing.
type sessionStats struct {
	commands, interrupts int
	duration             time.Duration
}

func (s *sessionStats) GetCommands() int           { return s.commands }
func (s *sessionStats) GetInterrupts() int         { return s.interrupts }
func (s *sessionStats) GetDuration() time.Duration { return s.duration }

func TestSessionEnd(t *testing.T) {
	o, buf := newTestOutput()

	stats := &sessionStats{commands: 12, interrupts: 1, duration: 2500 * time.Millisecond}

	o.SessionEnd(stats)
	assert.Empty(t, buf.String(), "recap is debug only")

	o.SetDebug(true)
	o.SessionEnd(stats)

	out := buf.String()
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, "commands=12")
	assert.Contains(t, out, "interrupts=1")
	assert.Contains(t, out, "(2.50s)")
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "0 B", FormatSize(0))
	assert.Equal(t, "999 B", FormatSize(999))
	assert.Equal(t, "1.0 KB", FormatSize(1024))
	assert.Equal(t, "1.5 KB", FormatSize(1536))
	assert.Equal(t, "2.0 MB", FormatSize(2*1024*1024))
}
