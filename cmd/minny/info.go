package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/minnykit/minny/internal/conn/serial"
	"github.com/minnykit/minny/internal/output"
	"github.com/minnykit/minny/pkg/devinfo"
)

var clockLocal bool

func init() {
	clockCmd.PersistentFlags().BoolVar(&clockLocal, "local", false, "Use the host's local time instead of UTC")
	clockCmd.AddCommand(clockSyncCmd, clockCheckCmd)
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show device and firmware details",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		dev, err := openTarget()
		if err != nil {
			return err
		}
		defer dev.Close()

		facts, err := devinfo.Gather(ctx, dev.tgt)
		if err != nil {
			return err
		}

		printFacts(dev.out, "Device", facts,
			"interpreter", "firmware", "version", "mpy_abi", "board_id",
			"platform", "machine", "sysname", "release", "firmware_build",
			"epoch_year", "has_directories", "submit_mode", "flash_prefix",
			"volume_label")
		printSizes(dev.out, "Memory", facts, "mem_free", "mem_alloc")
		printSizes(dev.out, "Storage", facts, "flash_total", "flash_free")
		printModules(dev.out, facts)
		return nil
	},
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := newOutput()

		prof, err := loadProfile()
		if err != nil {
			return err
		}

		infos, err := serial.ListPorts(prof.USBIDs())
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			out.Info("No serial ports found")
			return nil
		}

		for _, info := range infos {
			var details []string
			if info.VIDPID != "" {
				if name := prof.DeviceName(info.VIDPID); name != "" {
					details = append(details, name)
				} else {
					details = append(details, info.VIDPID)
				}
			}
			if info.Product != "" {
				details = append(details, info.Product)
			}
			if info.SerialNumber != "" {
				details = append(details, "serial "+info.SerialNumber)
			}

			line := info.Name
			if len(details) > 0 {
				line += "  (" + strings.Join(details, ", ") + ")"
			}
			fmt.Println(line)
		}
		return nil
	},
}

var clockCmd = &cobra.Command{
	Use:   "clock",
	Short: "Compare or set the device clock",
	Args:  cobra.NoArgs,
	RunE:  checkClock,
}

var clockSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Set the device clock from the host clock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		dev, err := openTarget()
		if err != nil {
			return err
		}
		defer dev.Close()

		if err := dev.tgt.SyncClock(ctx); err != nil {
			return err
		}
		dev.out.Done("device clock set")
		return nil
	},
}

var clockCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare the device clock with the host clock",
	Args:  cobra.NoArgs,
	RunE:  checkClock,
}

func checkClock(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	dev, err := openTarget()
	if err != nil {
		return err
	}
	defer dev.Close()

	delta, err := dev.tgt.ClockDelta(ctx)
	if err != nil {
		return err
	}

	d := delta.Round(time.Second)
	switch {
	case d == 0:
		dev.out.Done("device clock matches the host clock")
	case d > 0:
		dev.out.Warn("device clock is %s ahead of the host clock", d)
	default:
		dev.out.Warn("device clock is %s behind the host clock", -d)
	}
	return nil
}

// printFacts renders the listed facts in a fixed order, skipping ones
// the device could not answer.
func printFacts(out *output.Output, section string, facts map[string]any, keys ...string) {
	var lines [][2]string
	for _, key := range keys {
		if v, ok := facts[key]; ok {
			lines = append(lines, [2]string{key, fmt.Sprintf("%v", v)})
		}
	}
	if len(lines) == 0 {
		return
	}

	out.Section(section)
	for _, line := range lines {
		out.Field(line[0], line[1])
	}
}

// printModules renders the builtin module list the way the firmware's
// own help("modules") does, a few names per row.
func printModules(out *output.Output, facts map[string]any) {
	modules, ok := facts["modules"].([]string)
	if !ok || len(modules) == 0 {
		return
	}
	modules = append([]string(nil), modules...)
	sort.Strings(modules)

	out.Section("Modules")
	for i := 0; i < len(modules); i += 4 {
		end := i + 4
		if end > len(modules) {
			end = len(modules)
		}
		var row strings.Builder
		for _, name := range modules[i:end] {
			fmt.Fprintf(&row, "%-18s", name)
		}
		fmt.Printf("  %s\n", strings.TrimRight(row.String(), " "))
	}
}

// printSizes is printFacts for byte-count facts.
func printSizes(out *output.Output, section string, facts map[string]any, keys ...string) {
	var lines [][2]string
	for _, key := range keys {
		if v, ok := facts[key].(int64); ok {
			lines = append(lines, [2]string{key, output.FormatSize(v)})
		}
	}
	if len(lines) == 0 {
		return
	}

	out.Section(section)
	for _, line := range lines {
		out.Field(line[0], line[1])
	}
}
