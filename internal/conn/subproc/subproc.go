// Package subproc provides a backend that drives a locally executed
// MicroPython interpreter over its stdio pipes. It backs the exec: port
// spec and the container-based integration workflow, where no serial
// hardware is involved.
package subproc

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/minnykit/minny/internal/conn"
)

func init() {
	conn.Register("exec", func(rest string, opts conn.Options) (conn.Backend, error) {
		argv := strings.Fields(rest)
		if len(argv) == 0 {
			return nil, fmt.Errorf("exec spec needs a command, e.g. exec:micropython -i")
		}
		return Start(argv)
	})
}

// Backend runs an interpreter process and exposes its merged stdout/stderr
// as the read side and its stdin as the write side.
type Backend struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	outRead *os.File
	desc    string
}

// Start launches the interpreter. Stdout and stderr share one pipe so
// tracebacks arrive in stream order, the same way they would over a serial
// console.
func Start(argv []string) (*Backend, error) {
	outRead, outWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = outWrite
	cmd.Stderr = outWrite
	cmd.Env = append(os.Environ(), "TERM=dumb")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		outRead.Close()
		outWrite.Close()
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		outRead.Close()
		outWrite.Close()
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	// The parent's copy of the write end must go away so the read end
	// reaches EOF when the child exits.
	outWrite.Close()

	log.Info().Str("command", strings.Join(argv, " ")).Int("pid", cmd.Process.Pid).Msg("interpreter started")

	return &Backend{
		cmd:     cmd,
		stdin:   stdin,
		outRead: outRead,
		desc:    "exec:" + strings.Join(argv, " "),
	}, nil
}

// Read blocks on the interpreter's output pipe. A dead child surfaces as
// EOF, which becomes the connection's sticky error.
func (b *Backend) Read(p []byte) (int, error) {
	n, err := b.outRead.Read(p)
	if err == io.EOF {
		err = fmt.Errorf("interpreter exited: %w", io.EOF)
	}
	return n, err
}

// Write sends bytes to the interpreter's stdin.
func (b *Backend) Write(p []byte) (int, error) {
	return b.stdin.Write(p)
}

// Close terminates the interpreter and releases the pipes. The child gets
// SIGTERM first; Wait reaps it regardless of how it ends.
func (b *Backend) Close() error {
	b.stdin.Close()
	if b.cmd.Process != nil {
		_ = b.cmd.Process.Signal(syscall.SIGTERM)
	}
	err := b.cmd.Wait()
	b.outRead.Close()

	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// Nonzero exit or signal death is normal for a killed REPL.
			return nil
		}
		return fmt.Errorf("failed to stop interpreter: %w", err)
	}
	return nil
}

// String returns the exec spec for logs.
func (b *Backend) String() string {
	return b.desc
}

// Ensure Backend implements the conn.Backend interface.
var _ conn.Backend = (*Backend)(nil)
