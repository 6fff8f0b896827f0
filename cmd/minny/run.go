package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/minnykit/minny/internal/repl"
	"github.com/minnykit/minny/internal/target"
)

var resetFollow bool

func init() {
	resetCmd.Flags().BoolVar(&resetFollow, "follow", false, "Stream boot output after the reboot")
}

var execCmd = &cobra.Command{
	Use:   "exec code",
	Short: "Run Python code on the device",
	Long: `Run Python code on the device and stream its output.

Pass - as the code to read it from stdin. Ctrl-C interrupts the
running code instead of the command.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code := args[0]
		if code == "-" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			code = string(data)
		}

		dev, err := openTarget()
		if err != nil {
			return err
		}
		defer dev.Close()

		stop := forwardInterrupts(dev.tgt, nil)
		defer stop()

		return dev.tgt.ExecuteStreaming(context.Background(), code, deviceSink(dev.out))
	},
}

var evalCmd = &cobra.Command{
	Use:   "eval expression",
	Short: "Evaluate a Python expression and print its value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := openTarget()
		if err != nil {
			return err
		}
		defer dev.Close()

		stop := forwardInterrupts(dev.tgt, nil)
		defer stop()

		return dev.tgt.ExecuteReplEntry(context.Background(), args[0], deviceSink(dev.out))
	},
}

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Open an interactive prompt on the device",
	Long: `Open an interactive prompt on the device.

A line ending in a colon starts a block; finish the block with a
blank line. Ctrl-C interrupts code running on the device, Ctrl-D or
"exit" leaves the prompt.`,
	Args: cobra.NoArgs,
	RunE: runRepl,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Soft-reboot the device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := openTarget()
		if err != nil {
			return err
		}
		defer dev.Close()

		stop := forwardInterrupts(dev.tgt, nil)
		defer stop()

		if err := dev.tgt.SoftReboot(context.Background()); err != nil {
			return err
		}
		if !resetFollow {
			return nil
		}

		_, err = dev.tgt.Session().ScanUntilPrompt(deviceSink(dev.out), repl.ScanPolicies{})
		return err
	},
}

// replStats counts what happened during an interactive session.
type replStats struct {
	commands   int
	interrupts int
	started    time.Time
}

func (s *replStats) GetCommands() int           { return s.commands }
func (s *replStats) GetInterrupts() int         { return s.interrupts }
func (s *replStats) GetDuration() time.Duration { return time.Since(s.started) }

func runRepl(cmd *cobra.Command, args []string) error {
	dev, err := openTarget()
	if err != nil {
		return err
	}
	defer dev.Close()

	stats := &replStats{started: time.Now()}
	stop := forwardInterrupts(dev.tgt, func() { stats.interrupts++ })
	defer stop()

	if line := firstLine(dev.tgt.Welcome()); line != "" {
		fmt.Println(line)
	}
	dev.out.Info("Submitting in %s mode. Exit with Ctrl-D.", dev.tgt.Session().Mode())

	ctx := context.Background()
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(">>> ")
		if !scanner.Scan() {
			fmt.Println()
			break
		}
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if trimmed == "exit" {
			break
		}

		source := line
		if strings.HasSuffix(trimmed, ":") {
			block := []string{line}
			for {
				fmt.Print("... ")
				if !scanner.Scan() {
					break
				}
				next := scanner.Text()
				if strings.TrimSpace(next) == "" {
					break
				}
				block = append(block, next)
			}
			source = strings.Join(block, "\n")
		}

		stats.commands++
		if err := dev.tgt.ExecuteReplEntry(ctx, source, deviceSink(dev.out)); err != nil {
			dev.out.Error("%v", err)
		}
		dev.out.FlushDevice()
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	dev.out.SessionEnd(stats)
	return nil
}

// forwardInterrupts turns Ctrl-C into a device interrupt for the
// duration of an interactive command. The returned func restores the
// default handling.
func forwardInterrupts(tgt *target.Target, onInterrupt func()) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-sigCh:
				if err := tgt.InterruptProgram(); err != nil {
					log.Debug().Err(err).Msg("interrupt failed")
				}
				if onInterrupt != nil {
					onInterrupt()
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// firstLine cuts text at its first newline.
func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}
