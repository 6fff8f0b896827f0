// Package target is the management facade over a device REPL session.
// It installs a helper class on the device, runs scripts through it,
// transfers files over whichever substrate the connection offers and
// keeps track of what the firmware on the other end can do.
package target

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/minnykit/minny/internal/clock"
	"github.com/minnykit/minny/internal/conn/webrepl"
	"github.com/minnykit/minny/internal/repl"
)

// defaultReadOnlyPatterns match the error text MicroPython and
// CircuitPython produce for writes to a read-only filesystem, after
// lowercasing and dash removal.
var defaultReadOnlyPatterns = []string{"readonly", "errno 30", "oserror: 30"}

// helperState tracks whether the device-side helper class is usable.
type helperState int

const (
	// helperMissing means the helper must be installed before use.
	helperMissing helperState = iota

	// helperStale means the helper was installed at some point, but
	// user code or a reset may have removed it. Probe before use.
	helperStale

	// helperReady means the helper answered its last probe.
	helperReady
)

// Target manages one connected device. It is not safe for concurrent
// use; the only method safe to call while another is running is
// InterruptProgram.
type Target struct {
	session *repl.Session
	clk     clock.Clock
	sink    repl.Sink

	reconnect func() (*repl.Session, error)

	localTime   bool
	clean       bool
	interrupt   bool
	roPatterns  []string
	volumeNames []string

	dialect   *Dialect
	welcome   string
	boardID   string
	epochYear int

	helper  helperState
	cwd     string
	sysPath []string
	sysImpl map[any]any

	// roFilesystem latches once a write hits a read-only error. From
	// then on writes go through the local mount without retrying the
	// REPL substrate.
	roFilesystem bool
	mountPoint   string
	ensuredDirs  map[string]bool
}

// Option configures a Target.
type Option func(*Target)

// WithClock substitutes the time source, for tests.
func WithClock(clk clock.Clock) Option {
	return func(t *Target) { t.clk = clk }
}

// WithSink sets the destination for device output that no caller
// captures: boot messages, stray prints between commands, text around
// management replies.
func WithSink(sink repl.Sink) Option {
	return func(t *Target) { t.sink = sink }
}

// WithReconnect supplies a dialer used to re-establish the session
// after a soft reboot severs it. WebREPL closes the socket when the
// device reboots; serial connections survive and never need this.
func WithReconnect(f func() (*repl.Session, error)) Option {
	return func(t *Target) { t.reconnect = f }
}

// WithLocalTime makes clock operations use the host's local time
// instead of UTC. Some users prefer file timestamps in wall time.
func WithLocalTime(local bool) Option {
	return func(t *Target) { t.localTime = local }
}

// WithClean requests a fresh interpreter during connect, discarding
// whatever program was running.
func WithClean(clean bool) Option {
	return func(t *Target) { t.clean = clean }
}

// WithInterrupt makes connect interrupt a possibly running program to
// get to the prompt faster.
func WithInterrupt(interrupt bool) Option {
	return func(t *Target) { t.interrupt = interrupt }
}

// WithReadOnlyPatterns replaces the patterns used to recognize
// read-only filesystem errors, normally sourced from a profile.
func WithReadOnlyPatterns(patterns []string) Option {
	return func(t *Target) {
		if len(patterns) > 0 {
			t.roPatterns = patterns
		}
	}
}

// WithVolumeNames supplies volume labels to search during mount
// discovery when the firmware cannot report its own label.
func WithVolumeNames(names []string) Option {
	return func(t *Target) { t.volumeNames = names }
}

// New takes over a freshly connected session: it gets the device to a
// known prompt, reads the welcome banner, installs the helper class and
// probes the firmware's traits.
func New(sess *repl.Session, opts ...Option) (*Target, error) {
	t := &Target{
		session:     sess,
		clk:         clock.Real{},
		sink:        func(string, repl.Stream) {},
		roPatterns:  defaultReadOnlyPatterns,
		dialect:     &Dialect{},
		ensuredDirs: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := t.processUntilInitialPrompt(t.interrupt || t.clean); err != nil {
		return nil, fmt.Errorf("failed to reach the initial prompt: %w", err)
	}

	if t.clean {
		if err := t.restartInterpreter(); err != nil {
			return nil, fmt.Errorf("failed to restart the interpreter: %w", err)
		}
	}

	welcome, err := t.fetchWelcome()
	if err != nil {
		return nil, fmt.Errorf("failed to read the welcome banner: %w", err)
	}
	t.welcome = welcome
	t.dialect.Welcome = welcome

	if err := t.installHelper(); err != nil {
		return nil, fmt.Errorf("failed to install the management helper: %w", err)
	}

	modules, err := t.fetchBuiltinModules()
	if err != nil {
		return nil, fmt.Errorf("failed to query builtin modules: %w", err)
	}
	t.dialect.Modules = modules
	log.Debug().Strs("modules", modules).Msg("Builtin modules")

	t.boardID, err = t.fetchBoardID()
	if err != nil {
		return nil, fmt.Errorf("failed to query the board id: %w", err)
	}

	t.epochYear, err = t.fetchEpochYear()
	if err != nil {
		return nil, fmt.Errorf("failed to probe the epoch: %w", err)
	}

	// From here on the scanner knows enough to recognize a device that
	// is only waiting for a keypress.
	t.session.SetInterruptTrigger(t.dialect.OutputWarrantsInterrupt)

	log.Info().
		Str("interpreter", t.dialect.InterpreterName()).
		Str("board_id", t.boardID).
		Int("epoch_year", t.epochYear).
		Msg("Connected")
	return t, nil
}

// processUntilInitialPrompt forwards whatever the device is printing
// until a prompt appears. A silent device gets poked almost instantly;
// a busy one gets interrupted when the caller asked for that.
func (t *Target) processUntilInitialPrompt(interrupt bool) error {
	pol := repl.ScanPolicies{
		PokeAfter:   50 * time.Millisecond,
		AdviceAfter: 2 * time.Second,
	}
	if interrupt {
		pol.InterruptTimes = []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond}
		pol.AdviceAfter = pol.InterruptTimes[2] + 2*time.Second
	}
	_, err := t.session.ScanUntilPrompt(t.sink, pol)
	return err
}

// fetchWelcome switches to the friendly REPL and normalizes the banner
// it prints.
func (t *Target) fetchWelcome() (string, error) {
	if err := t.session.Write(repl.NormalModeCmd); err != nil {
		return "", err
	}
	out, _, err := t.captureScan()
	if err != nil {
		return "", err
	}
	welcome := strings.Trim(out, "\r\n >")
	welcome = strings.ReplaceAll(welcome, "\r\n", "\n") + "\n"
	return welcome, nil
}

// ensureHelper makes sure the helper class exists on the device,
// probing first when its fate is uncertain.
func (t *Target) ensureHelper() error {
	switch t.helper {
	case helperReady:
		return nil
	case helperStale:
		out, errText, err := t.execCapture("__minny_helper", false)
		if err != nil {
			return err
		}
		if errText == "" && strings.TrimSpace(out) == "<class '__minny_helper'>" {
			t.helper = helperReady
			return nil
		}
	}
	return t.installHelper()
}

func (t *Target) installHelper() error {
	log.Info().Msg("Installing the management helper")
	script := t.helperScript()
	t.collectGarbageIfTight()
	if err := t.execWithoutOutput(script, false); err != nil {
		return err
	}
	t.collectGarbageIfTight()
	t.helper = helperReady
	return nil
}

// collectGarbageIfTight runs a device-side gc on boards that may fail
// to allocate the helper otherwise.
func (t *Target) collectGarbageIfTight() {
	if !t.dialect.Microbit() {
		return
	}
	if err := t.execWithoutOutput(gcScript, false); err != nil {
		log.Warn().Err(err).Msg("Device-side gc failed")
	}
}

// markReset drops everything that does not survive an interpreter
// restart.
func (t *Target) markReset() {
	t.helper = helperMissing
	t.cwd = ""
	t.sysPath = nil
}

// markMaybeStale records that user code ran: it may have deleted the
// helper, changed directory or touched sys.path, so the caches cannot
// be trusted anymore.
func (t *Target) markMaybeStale() {
	if t.helper == helperReady {
		t.helper = helperStale
	}
	t.cwd = ""
	t.sysPath = nil
}

// fetchBuiltinModules asks the firmware for its module list. The last
// line of help("modules") is a localized "plus any modules on the
// filesystem" trailer, recognized by its single spaces.
func (t *Target) fetchBuiltinModules() ([]string, error) {
	out, errText, err := t.execCapture("__minny_helper.builtins.help('modules')", true)
	if err != nil {
		return nil, err
	}
	if errText != "" || strings.TrimSpace(out) == "" {
		t.sink("Could not query builtin modules, assuming a typical set.\n", repl.StreamStderr)
		return append([]string(nil), fallbackBuiltinModules...), nil
	}

	lines := strings.Split(strings.TrimSpace(strings.ReplaceAll(out, "\r\n", "\n")), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if strings.Count(last, " ") > 0 && !strings.Contains(last, "  ") && !strings.Contains(last, "\t") {
		lines = lines[:len(lines)-1]
	}

	joined := strings.Join(lines, " ")
	joined = strings.ReplaceAll(joined, "/__init__", "")
	joined = strings.ReplaceAll(joined, "__main__", "")
	joined = strings.ReplaceAll(joined, "/", ".")
	return strings.Fields(joined), nil
}

// boardIDScript reads a stable device identifier: the machine unique
// id where available, the CircuitPython board name otherwise.
const boardIDScript = `try:
    from machine import unique_id as __minny_uid
    __minny_helper.print_mgmt_value(__minny_uid())
    del __minny_uid
except ImportError:
    try:
        from board import board_id as __minny_board_id
        __minny_helper.print_mgmt_value(__minny_board_id)
        del __minny_board_id
    except ImportError:
        __minny_helper.print_mgmt_value(None)
`

func (t *Target) fetchBoardID() (string, error) {
	v, err := t.evaluate(boardIDScript)
	if err != nil {
		return "", err
	}
	switch v := v.(type) {
	case []byte:
		return hex.EncodeToString(v), nil
	case string:
		return v, nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("unexpected board id value %v", v)
	}
}

// epochProbeScript asks what the Y2K POSIX timestamp means locally.
// Querying zero would be cleaner, but CircuitPython cannot represent
// times before 2000, so the answer is read off at an offset instead.
const epochProbeScript = `try:
    from time import localtime as __minny_localtime
    __minny_helper.print_mgmt_value(__minny_helper.builtins.tuple(__minny_localtime(%d)))
    del __minny_localtime
except __minny_helper.builtins.Exception as e:
    __minny_helper.print_mgmt_value(__minny_helper.builtins.str(e))
`

// fetchEpochYear decides whether the device counts time from 1970 or
// from 2000. localtime is used because most ports lack gmtime, and it
// is good enough to tell the two epochs apart.
func (t *Target) fetchEpochYear() (int, error) {
	if t.dialect.Microbit() {
		return 0, nil
	}
	if t.dialect.CircuitPython() && !t.dialect.HasModule("rtc") {
		return t.dialect.DefaultEpochYear(), nil
	}

	v, err := t.evaluate(fmt.Sprintf(epochProbeScript, y2000EpochOffset))
	if err != nil {
		return 0, err
	}
	if vals, ok := v.([]any); ok && len(vals) > 0 {
		switch vals[0] {
		case int64(2000), int64(1999):
			return 1970, nil
		case int64(2030), int64(2029):
			return 2000, nil
		}
	}
	year := t.dialect.DefaultEpochYear()
	log.Warn().Interface("result", v).Int("assuming", year).Msg("Could not determine epoch year")
	return year, nil
}

// Welcome returns the normalized banner the device printed on connect.
func (t *Target) Welcome() string {
	return t.welcome
}

// BoardID returns the device identifier, or "" when the firmware
// offers none.
func (t *Target) BoardID() string {
	return t.boardID
}

// Dialect returns the inferred firmware traits.
func (t *Target) Dialect() *Dialect {
	return t.dialect
}

// EpochYear returns 1970 or 2000, or 0 when the device has no clock.
func (t *Target) EpochYear() int {
	return t.epochYear
}

// Session exposes the underlying REPL session.
func (t *Target) Session() *repl.Session {
	return t.session
}

// DirSep is the separator for joining device paths: "/" on devices
// with directories, "" on flat filesystems.
func (t *Target) DirSep() string {
	return t.dialect.PathSep()
}

// Cwd returns the device's working directory, fetching it on first
// use.
func (t *Target) Cwd(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if t.cwd != "" {
		return t.cwd, nil
	}
	if t.dialect.Microbit() {
		return "", nil
	}
	v, err := t.Evaluate(ctx, "__minny_helper.getcwd()")
	if err != nil {
		return "", err
	}
	cwd, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("unexpected getcwd value %v", v)
	}
	t.cwd = cwd
	return cwd, nil
}

// Chdir changes the device's working directory.
func (t *Target) Chdir(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.dialect.SupportsDirectories() {
		return errors.New("this device does not have directories")
	}
	if err := t.execWithSink(fmt.Sprintf("__minny_helper.chdir(%s)", quotePath(path)), true, t.sink); err != nil {
		return err
	}
	t.cwd = path
	return nil
}

// SysPath returns the device's sys.path, fetching it on first use.
func (t *Target) SysPath(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.sysPath != nil {
		return t.sysPath, nil
	}
	if !t.dialect.SupportsDirectories() {
		t.sysPath = []string{}
		return t.sysPath, nil
	}
	v, err := t.Evaluate(ctx, "__minny_helper.sys.path")
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected sys.path value %v", v)
	}
	path := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected sys.path entry %v", item)
		}
		path = append(path, s)
	}
	t.sysPath = path
	return path, nil
}

// SysImplementation returns name, version and mpy details of the
// firmware, as reported by sys.implementation.
func (t *Target) SysImplementation(ctx context.Context) (map[any]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.sysImpl != nil {
		return t.sysImpl, nil
	}
	v, err := t.Evaluate(ctx,
		"{key: __minny_helper.builtins.getattr(__minny_helper.sys.implementation, key, None) for key in ['name', 'version', '_mpy']}")
	if err != nil {
		return nil, err
	}
	impl, ok := v.(map[any]any)
	if !ok {
		return nil, fmt.Errorf("unexpected sys.implementation value %v", v)
	}
	t.sysImpl = impl
	return impl, nil
}

// SendInput forwards a line of user input to the program running on
// the device. Text must end with a newline.
func (t *Target) SendInput(text string) error {
	return t.session.SubmitInput(text)
}

// InterruptProgram sends Ctrl-C. Safe to call while another operation
// is scanning for output.
func (t *Target) InterruptProgram() error {
	return t.session.Interrupt()
}

// DrainUnexpectedOutput forwards bytes the device produced between
// commands. A prompt at the tail means the device reset behind our
// back, so the helper and the cached paths are dropped and the next
// command re-probes.
func (t *Target) DrainUnexpectedOutput() {
	if t.session.DrainUnexpectedOutput(t.sink) {
		log.Info().Msg("Device seems to have been reset")
		t.markReset()
	}
}

// SoftReboot reboots the interpreter from the friendly REPL, which
// also runs the stored main program (main.py, or code.py on
// CircuitPython). The caller decides what to do with the boot output,
// typically by scanning it to a sink.
func (t *Target) SoftReboot(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.session.EnsureNormalMode(false); err != nil {
		return err
	}
	if err := t.session.Write(repl.SoftRebootCmd); err != nil {
		return err
	}
	t.markReset()
	return t.checkReconnect()
}

// RestartInterpreter produces a clean interpreter without running the
// stored main program, ending at a prompt.
func (t *Target) RestartInterpreter(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.restartInterpreter()
}

func (t *Target) restartInterpreter() error {
	defer t.markReset()

	if t.dialect.CircuitPython() {
		// CircuitPython runs code.py after a soft reboot even in raw
		// mode, but toggling between friendly and raw REPL
		// reinitializes the VM and the hardware without running it.
		log.Info().Msg("Recreating the interpreter by toggling REPL modes")
		if err := t.session.EnsureNormalMode(false); err != nil {
			return err
		}
		return t.session.EnsureRawMode()
	}

	log.Info().Msg("Soft-rebooting in raw mode")
	if err := t.session.EnsureRawMode(); err != nil {
		return err
	}
	if err := t.session.Write(repl.SoftRebootCmd); err != nil {
		return err
	}
	if ack := t.session.Conn().SoftRead(2, 100*time.Millisecond); !bytes.Equal(ack, repl.OK) {
		log.Warn().Hex("got", ack).Msg("Unexpected response to soft reboot")
	}
	if err := t.checkReconnect(); err != nil {
		return err
	}
	_, err := t.session.ScanUntilPrompt(t.sink, repl.ScanPolicies{})
	return err
}

// checkReconnect re-dials connections that do not survive a reboot.
func (t *Target) checkReconnect() error {
	if t.reconnect == nil {
		return nil
	}
	if _, ok := t.session.Conn().Backend().(*webrepl.Backend); !ok {
		return nil
	}
	// Give the device time to take its network interface down and up.
	t.clk.Sleep(time.Second)
	log.Info().Msg("Reconnecting to WebREPL")
	_ = t.session.Conn().Close()
	sess, err := t.reconnect()
	if err != nil {
		return fmt.Errorf("failed to reconnect after soft reboot: %w", err)
	}
	t.session = sess
	return nil
}

// Close returns the REPL to normal mode so the device is pleasant to
// use over a plain terminal afterwards, then closes the connection.
func (t *Target) Close() error {
	werr := t.session.Write(repl.NormalModeCmd)
	cerr := t.session.Conn().Close()
	if werr != nil && !errors.Is(werr, cerr) {
		return werr
	}
	return cerr
}

// overWebREPL reports whether the session runs over the WebREPL
// transport, which offers its own binary file protocol and drops the
// socket on reboot.
func (t *Target) overWebREPL() bool {
	_, ok := t.session.Conn().Backend().(*webrepl.Backend)
	return ok
}

// containsReadOnlyError matches error text against the read-only
// filesystem patterns, ignoring case and dashes.
func (t *Target) containsReadOnlyError(s string) bool {
	canonic := strings.ToLower(strings.ReplaceAll(s, "-", ""))
	for _, pattern := range t.roPatterns {
		if strings.Contains(canonic, pattern) {
			return true
		}
	}
	return false
}
