package devinfo

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minnykit/minny/internal/conn"
	"github.com/minnykit/minny/internal/devtest"
	"github.com/minnykit/minny/internal/repl"
	"github.com/minnykit/minny/internal/target"
)

// execRule maps a script substring to a canned reply.
type execRule struct {
	contains string
	result   devtest.ExecResult
}

// scripted builds a device exec hook: the given rules are checked
// first, then the probes every connection runs get standing answers.
func scripted(rules ...execRule) devtest.ExecFunc {
	return func(script string) devtest.ExecResult {
		for _, r := range rules {
			if strings.Contains(script, r.contains) {
				return r.result
			}
		}
		switch {
		case strings.Contains(script, "unique_id"):
			return devtest.ExecResult{Stdout: `<minny>b'\xde\xad\xbe\xef'</minny>`}
		case strings.Contains(script, "localtime("):
			return devtest.ExecResult{Stdout: "<minny>(2000, 1, 1, 0, 0, 0, 5, 1, 0)</minny>"}
		}
		return devtest.ExecResult{}
	}
}

func newTestTarget(t *testing.T, d *devtest.Device) *target.Target {
	t.Helper()
	c := conn.New(d)
	t.Cleanup(func() { _ = c.Close() })
	tgt, err := target.New(repl.NewSession(c))
	require.NoError(t, err)
	return tgt
}

func TestGather(t *testing.T) {
	d := devtest.New(devtest.WithExec(scripted(
		execRule{contains: "sys.implementation", result: devtest.ExecResult{
			Stdout: "<minny>{'name': 'micropython', 'version': (1, 22, 2), '_mpy': 6406}</minny>"}},
		execRule{contains: "sys.platform", result: devtest.ExecResult{
			Stdout: "<minny>'rp2'</minny>"}},
		execRule{contains: "os.uname", result: devtest.ExecResult{
			Stdout: "<minny>{'sysname': 'rp2', 'release': '1.22.2', " +
				"'version': 'v1.22.2 on 2024-02-22 (GNU 13.2.0 MinSizeRel)', " +
				"'machine': 'Raspberry Pi Pico with RP2040'}</minny>"}},
		execRule{contains: "mem_free", result: devtest.ExecResult{
			Stdout: "<minny>(187712, 4256)</minny>"}},
		execRule{contains: "statvfs", result: devtest.ExecResult{
			Stdout: "<minny>(4096, 4096, 212, 175, 175, 0, 0, 0, 0, 255)</minny>"}},
		execRule{contains: "getmount", result: devtest.ExecResult{
			Stdout: "<minny>'CIRCUITPY'</minny>"}},
	)))
	tgt := newTestTarget(t, d)

	facts, err := Gather(context.Background(), tgt)
	require.NoError(t, err)

	assert.Equal(t, "MicroPython", facts["interpreter"])
	assert.Equal(t, "MicroPython v1.22.2 on 2024-02-22; Raspberry Pi Pico with RP2040", facts["firmware"])
	assert.Equal(t, "deadbeef", facts["board_id"])
	assert.Equal(t, 1970, facts["epoch_year"])
	assert.Equal(t, true, facts["has_directories"])
	assert.Equal(t, "raw_paste", facts["submit_mode"])
	assert.Equal(t, "/", facts["flash_prefix"])
	assert.Contains(t, facts["modules"], "machine")
	assert.Equal(t, "CIRCUITPY", facts["volume_label"])

	assert.Equal(t, "micropython", facts["implementation"])
	assert.Equal(t, "1.22.2", facts["version"])
	assert.Equal(t, int64(6406), facts["mpy_abi"])

	assert.Equal(t, "rp2", facts["platform"])
	assert.Equal(t, "rp2", facts["sysname"])
	assert.Equal(t, "1.22.2", facts["release"])
	assert.Equal(t, "v1.22.2 on 2024-02-22 (GNU 13.2.0 MinSizeRel)", facts["firmware_build"])
	assert.Equal(t, "Raspberry Pi Pico with RP2040", facts["machine"])

	assert.Equal(t, int64(187712), facts["mem_free"])
	assert.Equal(t, int64(4256), facts["mem_alloc"])

	assert.Equal(t, int64(4096*212), facts["flash_total"])
	assert.Equal(t, int64(4096*175), facts["flash_free"])
}

func TestGatherSkipsUnanswerableProbes(t *testing.T) {
	d := devtest.New(devtest.WithExec(scripted(
		execRule{contains: "sys.implementation", result: devtest.ExecResult{
			Stderr: "Traceback (most recent call last):\r\nAttributeError: no attribute 'implementation'\r\n"}},
		execRule{contains: "sys.platform", result: devtest.ExecResult{
			Stdout: "<minny>'rp2'</minny>"}},
		execRule{contains: "os.uname", result: devtest.ExecResult{
			Stdout: "<minny>None</minny>"}},
		execRule{contains: "mem_free", result: devtest.ExecResult{
			Stdout: "<minny>None</minny>"}},
		execRule{contains: "statvfs", result: devtest.ExecResult{
			Stdout: "<minny>None</minny>"}},
	)))
	tgt := newTestTarget(t, d)

	facts, err := Gather(context.Background(), tgt)
	require.NoError(t, err)

	assert.Equal(t, "MicroPython", facts["interpreter"])
	assert.Equal(t, "rp2", facts["platform"])

	assert.NotContains(t, facts, "implementation")
	assert.NotContains(t, facts, "version")
	assert.NotContains(t, facts, "sysname")
	assert.NotContains(t, facts, "mem_free")
	assert.NotContains(t, facts, "flash_total")
}

func TestFirmwareLine(t *testing.T) {
	assert.Equal(t, "MicroPython v1.22.2 on 2024-02-22; Raspberry Pi Pico with RP2040",
		firmwareLine("MicroPython v1.22.2 on 2024-02-22; Raspberry Pi Pico with RP2040\nType \"help()\" for more information.\n"))
	assert.Empty(t, firmwareLine(""))
}

func TestJoinVersion(t *testing.T) {
	assert.Equal(t, "1.22.2", joinVersion([]any{int64(1), int64(22), int64(2)}))
	assert.Equal(t, "8.2.9", joinVersion([]any{int64(8), int64(2), int64(9)}))
}
