package target

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// clockSkewTolerance is how far the clocks may drift before sync
// validation complains. File timestamps have two-second resolution on
// FAT, so exact agreement is not expected anyway.
const clockSkewTolerance = 10 * time.Second

const cpClockSetter = `from rtc import RTC as __minny_RTC
__minny_RTC().datetime = %s
del __minny_RTC
`

const mpClockSetter = `from machine import RTC as __minny_RTC
try:
    __minny_RTC().datetime(%s)
except:
    __minny_RTC().init(%s)
finally:
    del __minny_RTC
`

const cpTimetupleFetch = `from rtc import RTC as __minny_RTC
__minny_helper.print_mgmt_value(__minny_helper.builtins.tuple(__minny_RTC().datetime)[:6])
del __minny_RTC
`

const mpTimetupleFetch = `from machine import RTC as __minny_RTC
try:
    __minny_temp = __minny_helper.builtins.tuple(__minny_RTC().datetime())
    __minny_temp = __minny_temp[0:3] + __minny_temp[4:7]
except:
    __minny_temp = __minny_helper.builtins.tuple(__minny_RTC().now())[:6]
__minny_helper.print_mgmt_value(__minny_temp)
del __minny_RTC
del __minny_temp
`

// clockOpScript wraps an RTC operation so a missing module or a
// hardware problem comes back as an error string instead of a
// traceback.
const clockOpScript = `try:
%s
    __minny_helper.print_mgmt_value(True)
except __minny_helper.builtins.Exception as e:
    __minny_helper.print_mgmt_value(__minny_helper.builtins.str(e))
`

const clockReadScript = `try:
%s
except __minny_helper.builtins.Exception as e:
    __minny_helper.print_mgmt_value(__minny_helper.builtins.str(e))
`

// rtcTime is the host time the device clock gets compared to and set
// from.
func (t *Target) rtcTime() time.Time {
	now := t.clk.Now()
	if t.localTime {
		return now.Local()
	}
	return now.UTC()
}

// pyTimetuple renders a time as a Python 9-element timetuple with its
// Monday-based weekday.
func pyTimetuple(now time.Time) string {
	wday := (int(now.Weekday()) + 6) % 7
	return fmt.Sprintf("(%d, %d, %d, %d, %d, %d, %d, %d, -1)",
		now.Year(), int(now.Month()), now.Day(),
		now.Hour(), now.Minute(), now.Second(),
		wday, now.YearDay())
}

// pyMachineDatetime renders the 8-tuple machine.RTC.datetime takes.
// Ports that care about the weekday field recompute it anyway.
func pyMachineDatetime(now time.Time) string {
	wday := (int(now.Weekday()) + 6) % 7
	return fmt.Sprintf("(%d, %d, %d, %d, %d, %d, %d, 0)",
		now.Year(), int(now.Month()), now.Day(), wday,
		now.Hour(), now.Minute(), now.Second())
}

// pyMachineInit renders the fallback 8-tuple for machine.RTC.init,
// found on ports whose datetime method is read-only.
func pyMachineInit(now time.Time) string {
	return fmt.Sprintf("(%d, %d, %d, %d, %d, %d, 0, 0)",
		now.Year(), int(now.Month()), now.Day(),
		now.Hour(), now.Minute(), now.Second())
}

func indentLines(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "\n")
}

// SyncClock sets the device's real-time clock from the host's.
func (t *Target) SyncClock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.dialect.Microbit() {
		return errors.New("this device has no real-time clock")
	}

	now := t.rtcTime()
	var setter string
	if t.dialect.CircuitPython() {
		if !t.dialect.HasModule("rtc") {
			return errors.New("cannot sync the clock: this firmware lacks the rtc module")
		}
		setter = fmt.Sprintf(cpClockSetter, pyTimetuple(now))
	} else {
		// RTC.init is the PyCom spelling, RTC.datetime everyone else's.
		setter = fmt.Sprintf(mpClockSetter, pyMachineDatetime(now), pyMachineInit(now))
	}

	v, err := t.EvaluateScript(ctx, fmt.Sprintf(clockOpScript, indentLines(setter, "    ")))
	if err != nil {
		return err
	}
	if msg, ok := v.(string); ok {
		return fmt.Errorf("could not sync device clock: %s", msg)
	}
	log.Info().Time("time", now).Msg("Synced device clock")
	return nil
}

// deviceTimetuple reads (year, month, day, hour, minute, second) from
// the device's RTC.
func (t *Target) deviceTimetuple(ctx context.Context) ([6]int, error) {
	var out [6]int
	if t.dialect.Microbit() {
		return out, errors.New("this device has no real-time clock")
	}

	fetch := mpTimetupleFetch
	if t.dialect.CircuitPython() {
		fetch = cpTimetupleFetch
	}
	v, err := t.EvaluateScript(ctx, fmt.Sprintf(clockReadScript, indentLines(fetch, "    ")))
	if err != nil {
		return out, err
	}
	if msg, ok := v.(string); ok {
		return out, fmt.Errorf("could not read device clock: %s", msg)
	}
	vals, ok := v.([]any)
	if !ok || len(vals) != 6 {
		return out, fmt.Errorf("unexpected device time %v", v)
	}
	for i, item := range vals {
		n, ok := item.(int64)
		if !ok {
			return out, fmt.Errorf("unexpected device time %v", v)
		}
		out[i] = int(n)
	}
	return out, nil
}

// fieldsAsUTC reinterprets clock fields as a UTC instant so two
// wall-time readings subtract cleanly.
func fieldsAsUTC(x time.Time) time.Time {
	return time.Date(x.Year(), x.Month(), x.Day(), x.Hour(), x.Minute(), x.Second(), 0, time.UTC)
}

// ClockDelta reports how far the device clock runs ahead of the
// host's. Expect a negative fraction of a second right after a sync,
// since setting the clock itself takes a few round-trips.
func (t *Target) ClockDelta(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	remote, err := t.deviceTimetuple(ctx)
	if err != nil {
		return 0, err
	}
	deviceTime := time.Date(remote[0], time.Month(remote[1]), remote[2],
		remote[3], remote[4], remote[5], 0, time.UTC)
	return deviceTime.Sub(fieldsAsUTC(t.rtcTime())), nil
}

// ValidateClock warns when the device and host clocks disagree
// noticeably.
func (t *Target) ValidateClock(ctx context.Context) {
	delta, err := t.ClockDelta(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not validate device clock")
		return
	}
	if delta < -clockSkewTolerance || delta > clockSkewTolerance {
		log.Warn().Dur("delta", delta).Msg("Device clock differs from the host clock")
	}
}
