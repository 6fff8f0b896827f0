// Package dockerexec provides a backend that drives a MicroPython REPL
// inside a running Docker container. It lets the full protocol stack run
// against the interpreter's Unix port in CI, with no serial hardware.
package dockerexec

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/minnykit/minny/internal/conn"
	"github.com/minnykit/minny/internal/conn/subproc"
)

// DefaultCommand is the interpreter invocation used when the spec names
// only a container.
const DefaultCommand = "micropython -i"

func init() {
	conn.Register("docker", func(rest string, opts conn.Options) (conn.Backend, error) {
		return New(rest)
	})
}

// New attaches to a container and starts the interpreter in it. The spec
// is "container" or "container/command with args".
func New(spec string) (conn.Backend, error) {
	container, command := splitSpec(spec)
	if container == "" {
		return nil, fmt.Errorf("docker spec needs a container name, e.g. docker:mpy")
	}

	if err := checkContainer(container); err != nil {
		return nil, err
	}

	argv := append([]string{"docker", "exec", "-i", container}, strings.Fields(command)...)
	return subproc.Start(argv)
}

// splitSpec separates the container name from an optional command override.
func splitSpec(spec string) (container, command string) {
	container, command, found := strings.Cut(spec, "/")
	if !found || command == "" {
		command = DefaultCommand
	}
	return container, command
}

// checkContainer verifies docker is available and the container is running.
func checkContainer(container string) error {
	if _, err := exec.LookPath("docker"); err != nil {
		return fmt.Errorf("docker command not found: %w", err)
	}

	cmd := exec.Command("docker", "inspect", "-f", "{{.State.Running}}", container)
	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("container '%s' not found or not accessible: %w", container, err)
	}

	if strings.TrimSpace(string(output)) != "true" {
		return fmt.Errorf("container '%s' is not running", container)
	}

	return nil
}
