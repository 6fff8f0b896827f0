// Package profile loads optional YAML tuning profiles for boards the
// built-in defaults do not cover.
package profile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile tunes connection and transfer behavior for a device family.
// The zero value changes nothing; every field set overrides or extends
// one default.
type Profile struct {
	// Name describes the profile in logs and error messages.
	Name string `yaml:"name"`

	// SubmitMode forces a script submission protocol instead of the
	// negotiated one: raw_paste, raw or paste.
	SubmitMode string `yaml:"submit_mode"`

	// BaudRate overrides the serial baud rate (default 115200).
	BaudRate int `yaml:"baud_rate"`

	// WriteBlockSize is the largest chunk of script bytes sent to the
	// device in one write (default 255).
	WriteBlockSize int `yaml:"write_block_size"`

	// WriteBlockDelayMS is milliseconds to pause between script blocks.
	// Slow firmware drops bytes when blocks arrive back to back.
	WriteBlockDelayMS int `yaml:"write_block_delay_ms"`

	// ReadOnlyPatterns replaces the built-in list of substrings that
	// mark an OSError as a read-only filesystem complaint.
	ReadOnlyPatterns []string `yaml:"readonly_patterns"`

	// USBDevices extends the table of USB ids recognized during port
	// auto detection.
	USBDevices []USBDevice `yaml:"usb_devices"`

	// VolumeNames lists volume labels to search for the device's
	// mounted filesystem when the firmware cannot report one itself.
	VolumeNames []string `yaml:"volume_names"`
}

// USBDevice is one VID:PID entry in the known-device table.
type USBDevice struct {
	// ID is the USB vendor and product id in VID:PID hex form,
	// e.g. 2E8A:0005.
	ID string `yaml:"id"`

	// Name labels the entry in port listings.
	Name string `yaml:"name"`
}

// defaultUSBDevices are boards recognized without any profile.
var defaultUSBDevices = []USBDevice{
	{ID: "2E8A:0005", Name: "Raspberry Pi Pico"},
}

// submitModes are the accepted submit_mode spellings. The empty string
// means negotiate as usual.
var submitModes = map[string]bool{
	"":          true,
	"raw_paste": true,
	"raw-paste": true,
	"raw":       true,
	"paste":     true,
}

// Default returns the profile used when no file is given.
func Default() *Profile {
	return &Profile{}
}

// ParseFile loads a profile from a YAML file.
func ParseFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	profile, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	return profile, nil
}

// Parse parses and validates a profile from YAML data.
func Parse(data []byte) (*Profile, error) {
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("invalid profile format: %w", err)
	}

	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

// Validate checks the profile for the errors a typo would cause.
func (p *Profile) Validate() error {
	if !submitModes[p.SubmitMode] {
		return fmt.Errorf("invalid submit_mode: %s (must be raw_paste, raw or paste)", p.SubmitMode)
	}

	if p.BaudRate < 0 {
		return fmt.Errorf("baud_rate cannot be negative")
	}
	if p.WriteBlockSize < 0 {
		return fmt.Errorf("write_block_size cannot be negative")
	}
	if p.WriteBlockDelayMS < 0 {
		return fmt.Errorf("write_block_delay_ms cannot be negative")
	}

	for i, dev := range p.USBDevices {
		if err := dev.Validate(); err != nil {
			name := dev.Name
			if name == "" {
				name = fmt.Sprintf("usb device %d", i+1)
			}
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	for _, name := range p.VolumeNames {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("volume_names cannot contain empty entries")
		}
	}

	return nil
}

// Validate checks the VID:PID format.
func (d *USBDevice) Validate() error {
	vid, pid, ok := strings.Cut(d.ID, ":")
	if !ok {
		return fmt.Errorf("usb id %q is not in VID:PID form", d.ID)
	}
	for _, part := range []string{vid, pid} {
		if _, err := strconv.ParseUint(part, 16, 16); err != nil {
			return fmt.Errorf("usb id %q is not hexadecimal VID:PID", d.ID)
		}
	}
	return nil
}

// USBIDs returns every VID:PID the profile recognizes, the built-in
// table included, uppercased for comparison.
func (p *Profile) USBIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, dev := range p.devices() {
		id := strings.ToUpper(dev.ID)
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// DeviceName returns the table name for a VID:PID, or "" when the id
// is not recognized. Profile entries shadow built-in ones.
func (p *Profile) DeviceName(vidpid string) string {
	id := strings.ToUpper(vidpid)
	for _, dev := range p.devices() {
		if strings.ToUpper(dev.ID) == id {
			return dev.Name
		}
	}
	return ""
}

// devices returns the profile's USB table with the built-in entries
// appended.
func (p *Profile) devices() []USBDevice {
	devices := make([]USBDevice, 0, len(p.USBDevices)+len(defaultUSBDevices))
	devices = append(devices, p.USBDevices...)
	devices = append(devices, defaultUSBDevices...)
	return devices
}

// WriteBlockDelay returns the configured inter-block pause.
func (p *Profile) WriteBlockDelay() time.Duration {
	return time.Duration(p.WriteBlockDelayMS) * time.Millisecond
}

// String returns the profile name for logs.
func (p *Profile) String() string {
	if p.Name == "" {
		return "default"
	}
	return p.Name
}
