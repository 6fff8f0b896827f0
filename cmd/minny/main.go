// Package main is the entrypoint for the minny CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	// Import backends to register their port-spec schemes
	_ "github.com/minnykit/minny/internal/conn/dockerexec"
	_ "github.com/minnykit/minny/internal/conn/serial"
	_ "github.com/minnykit/minny/internal/conn/subproc"
	_ "github.com/minnykit/minny/internal/conn/webrepl"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	debug       bool
	noColor     bool
	port        string
	profilePath string
	password    string
	baudRate    int
	interrupt   bool
	clean       bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "minny",
	Short: "Minny - MicroPython and CircuitPython device management",
	Long: `Minny talks to MicroPython-family boards over their REPL: run code,
move files around, inspect the device and keep its clock honest.

Ports are serial paths (/dev/ttyACM0, COM3, or auto to probe USB),
ws://host:8266 for WebREPL, exec:micropython for a local interpreter,
docker:NAME for one inside a container, and dir:PATH to treat a local
directory as the device filesystem.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output with protocol details")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVarP(&port, "port", "p", "auto", "Port spec (serial path, auto, ws://, exec:, docker:, dir:)")
	rootCmd.PersistentFlags().StringVar(&profilePath, "profile", "", "YAML tuning profile for unusual boards")
	rootCmd.PersistentFlags().StringVar(&password, "password", "", "WebREPL password")
	rootCmd.PersistentFlags().IntVar(&baudRate, "baud", 0, "Serial baud rate (default 115200)")
	rootCmd.PersistentFlags().BoolVarP(&interrupt, "interrupt", "i", false, "Interrupt a running program when connecting")
	rootCmd.PersistentFlags().BoolVar(&clean, "clean", false, "Restart the interpreter when connecting")

	// Add subcommands
	rootCmd.AddCommand(lsCmd, catCmd, getCmd, putCmd, rmCmd, mkdirCmd)
	rootCmd.AddCommand(execCmd, evalCmd, replCmd, resetCmd)
	rootCmd.AddCommand(infoCmd, portsCmd, clockCmd)
}

// setupLogging points zerolog at stderr so command output on stdout
// stays clean.
func setupLogging() {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: noColor})
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
		cancel()
	}()

	return ctx, cancel
}
