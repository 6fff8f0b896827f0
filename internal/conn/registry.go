package conn

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Options carries backend construction settings shared by all schemes.
// Backends read the fields they understand and ignore the rest.
type Options struct {
	// BaudRate for serial ports; 0 means the 115200 default.
	BaudRate int

	// Password for WebREPL authentication.
	Password string

	// USBIDs ranks candidate serial ports during auto detection,
	// as "VID:PID" uppercase hex strings.
	USBIDs []string
}

// Factory builds a backend from the portion of a port spec after the
// scheme prefix.
type Factory func(rest string, opts Options) (Backend, error)

// registry maps port-spec schemes to backend factories.
var (
	registry   = make(map[string]Factory)
	registryMu sync.RWMutex
)

// Register adds a backend factory for a scheme. It panics if the scheme is
// already registered.
func Register(scheme string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[scheme]; exists {
		panic(fmt.Sprintf("backend scheme %q is already registered", scheme))
	}
	registry[scheme] = f
}

// factory retrieves the backend factory for a scheme. Returns nil if the
// scheme is not registered.
func factory(scheme string) Factory {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[scheme]
}

// Schemes returns the registered scheme names, sorted.
func Schemes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SplitSpec resolves a port spec into a scheme and the remainder the
// factory consumes.
//
// Recognized forms:
//
//	auto                   probe USB serial ports          -> serial
//	/dev/ttyACM0, COM3     explicit serial port            -> serial
//	exec:micropython -i    local interpreter subprocess    -> exec
//	docker:NAME            interpreter inside a container  -> docker
//	ws://host:8266         WebREPL websocket               -> ws
func SplitSpec(spec string) (scheme, rest string) {
	switch {
	case strings.HasPrefix(spec, "ws://"), strings.HasPrefix(spec, "wss://"):
		return "ws", spec
	case strings.HasPrefix(spec, "exec:"):
		return "exec", strings.TrimPrefix(spec, "exec:")
	case strings.HasPrefix(spec, "docker:"):
		return "docker", strings.TrimPrefix(spec, "docker:")
	default:
		return "serial", spec
	}
}

// Open resolves a port spec, builds the backend, and wraps it in a
// buffered connection.
func Open(spec string, opts Options, connOpts ...Option) (*Conn, error) {
	scheme, rest := SplitSpec(spec)

	f := factory(scheme)
	if f == nil {
		return nil, fmt.Errorf("no backend registered for scheme %q (have %s)",
			scheme, strings.Join(Schemes(), ", "))
	}

	backend, err := f(rest, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", spec, err)
	}

	return New(backend, connOpts...), nil
}
