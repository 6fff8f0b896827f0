package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/minnykit/minny/internal/conn"
	"github.com/minnykit/minny/internal/output"
	"github.com/minnykit/minny/internal/profile"
	"github.com/minnykit/minny/internal/repl"
	"github.com/minnykit/minny/internal/target"
)

// device bundles what a connected command works with. tgt is nil for
// dir: targets, which only offer the file surface.
type device struct {
	out  *output.Output
	prof *profile.Profile
	mgr  target.Manager
	tgt  *target.Target
}

// Close tears the connection down and flushes held device output.
func (d *device) Close() {
	if d.tgt != nil {
		if err := d.tgt.Close(); err != nil {
			log.Debug().Err(err).Msg("close failed")
		}
	}
	d.out.FlushDevice()
}

// loadProfile reads the --profile file or falls back to the defaults.
func loadProfile() (*profile.Profile, error) {
	if profilePath == "" {
		return profile.Default(), nil
	}
	return profile.ParseFile(profilePath)
}

// newOutput builds the terminal writer honoring the global flags.
func newOutput() *output.Output {
	out := output.New(os.Stdout)
	out.SetColor(!noColor)
	out.SetDebug(debug)
	return out
}

// openManager connects to whatever --port names. dir: targets get the
// local stand-in, everything else speaks the REPL protocol.
func openManager() (*device, error) {
	out := newOutput()

	prof, err := loadProfile()
	if err != nil {
		return nil, err
	}

	if rest, ok := strings.CutPrefix(port, "dir:"); ok {
		local, err := target.NewLocalDir(rest)
		if err != nil {
			return nil, err
		}
		return &device{out: out, prof: prof, mgr: local}, nil
	}

	tgt, err := connect(out, prof)
	if err != nil {
		return nil, err
	}
	return &device{out: out, prof: prof, mgr: tgt, tgt: tgt}, nil
}

// openTarget is openManager for commands that need a real device.
func openTarget() (*device, error) {
	dev, err := openManager()
	if err != nil {
		return nil, err
	}
	if dev.tgt == nil {
		return nil, fmt.Errorf("%s is a directory target; this command needs a device", port)
	}
	return dev, nil
}

// connect dials the port and brings the device to a managed state.
func connect(out *output.Output, prof *profile.Profile) (*target.Target, error) {
	connOpts := conn.Options{
		BaudRate: baudRate,
		Password: password,
		USBIDs:   prof.USBIDs(),
	}
	if connOpts.BaudRate == 0 {
		connOpts.BaudRate = prof.BaudRate
	}

	sessOpts, err := sessionOptions(prof)
	if err != nil {
		return nil, err
	}

	c, err := conn.Open(port, connOpts)
	if err != nil {
		return nil, err
	}

	tgtOpts := []target.Option{
		target.WithSink(deviceSink(out)),
		target.WithInterrupt(interrupt),
		target.WithClean(clean),
		target.WithLocalTime(clockLocal),
		target.WithReadOnlyPatterns(prof.ReadOnlyPatterns),
		target.WithVolumeNames(prof.VolumeNames),
	}
	if scheme, _ := conn.SplitSpec(port); scheme == "ws" {
		tgtOpts = append(tgtOpts, target.WithReconnect(func() (*repl.Session, error) {
			reconn, err := conn.Open(port, connOpts)
			if err != nil {
				return nil, err
			}
			return repl.NewSession(reconn, sessOpts...), nil
		}))
	}

	tgt, err := target.New(repl.NewSession(c, sessOpts...), tgtOpts...)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return tgt, nil
}

// sessionOptions turns profile tuning into session options.
func sessionOptions(prof *profile.Profile) ([]repl.SessionOption, error) {
	var opts []repl.SessionOption
	if prof.SubmitMode != "" {
		mode, err := repl.ParseSubmitMode(prof.SubmitMode)
		if err != nil {
			return nil, err
		}
		opts = append(opts, repl.WithSubmitMode(mode))
	}
	if prof.WriteBlockSize > 0 {
		opts = append(opts, repl.WithWriteBlockSize(prof.WriteBlockSize))
	}
	if prof.WriteBlockDelayMS > 0 {
		opts = append(opts, repl.WithWriteBlockDelay(prof.WriteBlockDelay()))
	}
	return opts, nil
}

// deviceSink routes device output to the terminal. OSC sequences are
// dropped: they are window-title noise outside a full terminal
// emulator.
func deviceSink(out *output.Output) repl.Sink {
	return func(text string, stream repl.Stream) {
		switch stream {
		case repl.StreamStderr:
			out.DeviceErr(text)
		case repl.StreamStdout:
			out.DeviceOut(text)
		}
	}
}
