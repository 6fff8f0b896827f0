// Package serial provides the serial-port backend for device connections.
package serial

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/minnykit/minny/internal/conn"
)

// DefaultBaudRate is the REPL baud rate used by every supported board.
const DefaultBaudRate = 115200

func init() {
	conn.Register("serial", New)
}

// Backend is a serial-port connection to a device.
type Backend struct {
	port serial.Port
	path string
}

// New opens a serial backend for the given port spec. The spec "auto"
// probes USB serial ports and picks the most likely device candidate.
func New(rest string, opts conn.Options) (conn.Backend, error) {
	path := rest
	if path == "" || path == "auto" {
		detected, err := DetectPort(opts.USBIDs)
		if err != nil {
			return nil, err
		}
		path = detected
	}

	baud := opts.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}

	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}

	log.Info().Str("port", path).Int("baud", baud).Msg("serial port opened")

	return &Backend{port: port, path: path}, nil
}

// Read blocks until bytes arrive. Close unblocks it with a port-closed
// error, which the connection records as its sticky error.
func (b *Backend) Read(p []byte) (int, error) {
	n, err := b.port.Read(p)
	if err != nil && isDisconnection(err) {
		err = fmt.Errorf("serial device lost: %w", err)
	}
	return n, err
}

// Write sends bytes to the device.
func (b *Backend) Write(p []byte) (int, error) {
	return b.port.Write(p)
}

// Close shuts the port down, unblocking any pending read.
func (b *Backend) Close() error {
	return b.port.Close()
}

// String returns the port spec for logs.
func (b *Backend) String() string {
	return "serial:" + b.path
}

// isDisconnection reports whether the error means the device went away
// rather than a transient or configuration problem.
func isDisconnection(err error) bool {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return true
		}
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, hint := range []string{"no such file", "device not configured", "input/output error", "device disconnected"} {
		if strings.Contains(errStr, hint) {
			return true
		}
	}
	return false
}

// PortInfo describes one enumerated serial port.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VIDPID       string
	SerialNumber string
	Product      string
	Known        bool
}

// ListPorts enumerates serial ports, marking the ones whose USB id appears
// in the known-device table.
func ListPorts(knownIDs []string) ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	known := make(map[string]bool, len(knownIDs))
	for _, id := range knownIDs {
		known[strings.ToUpper(id)] = true
	}

	infos := make([]PortInfo, 0, len(details))
	for _, d := range details {
		info := PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		}
		if d.IsUSB {
			info.VIDPID = strings.ToUpper(d.VID + ":" + d.PID)
			info.Known = known[info.VIDPID]
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// DetectPort picks the port a MicroPython board is most likely attached to:
// first a port with a known USB id, then the sole USB serial port. Anything
// more ambiguous is an error telling the user to name the port explicitly.
func DetectPort(knownIDs []string) (string, error) {
	infos, err := ListPorts(knownIDs)
	if err != nil {
		return "", err
	}

	var usb []PortInfo
	for _, info := range infos {
		if info.Known {
			log.Debug().Str("port", info.Name).Str("usb_id", info.VIDPID).Msg("detected known device")
			return info.Name, nil
		}
		if info.IsUSB {
			usb = append(usb, info)
		}
	}

	if len(usb) == 1 {
		log.Debug().Str("port", usb[0].Name).Msg("assuming sole USB serial port is the device")
		return usb[0].Name, nil
	}
	if len(usb) == 0 {
		return "", errors.New("no USB serial ports found; is the device plugged in?")
	}

	names := make([]string, len(usb))
	for i, info := range usb {
		names[i] = info.Name
	}
	return "", fmt.Errorf("multiple USB serial ports found (%s); specify the port explicitly",
		strings.Join(names, ", "))
}

// Ensure Backend implements the conn.Backend interface.
var _ conn.Backend = (*Backend)(nil)
