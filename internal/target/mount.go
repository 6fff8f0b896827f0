package target

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// mountEnvVar overrides mount discovery for setups the label search
// cannot see, e.g. custom mount points or network shares.
const mountEnvVar = "MINNY_MOUNT"

// volumeLabelScript reads the CircuitPython volume label. Other
// firmware lacks the storage module and answers None.
const volumeLabelScript = `try:
    from storage import getmount as __minny_getmount
    try:
        __minny_result = __minny_getmount("/").label
    finally:
        del __minny_getmount
except __minny_helper.builtins.ImportError:
    __minny_result = None
except __minny_helper.builtins.OSError:
    __minny_result = None

__minny_helper.print_mgmt_value(__minny_result)

del __minny_result
`

// VolumeLabel asks the device what label its flash is mounted under on
// the host, or "" when it does not know.
func (t *Target) VolumeLabel(ctx context.Context) (string, error) {
	v, err := t.EvaluateScript(ctx, volumeLabelScript)
	if err != nil {
		return "", err
	}
	label, _ := v.(string)
	return label, nil
}

// volumeGlobs are the places desktop systems automount flash drives.
func volumeGlobs(label string) []string {
	return []string{
		"/media/*/" + label,
		"/run/media/*/" + label,
		"/Volumes/" + label,
	}
}

// findVolumesByLabel returns existing directories matching the label.
func findVolumesByLabel(label string) []string {
	var found []string
	for _, pattern := range volumeGlobs(label) {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && info.IsDir() {
				found = append(found, m)
			}
		}
	}
	return found
}

// fsMount locates the host directory where the device's flash is
// mounted. The result is cached as long as it keeps existing. Set
// MINNY_MOUNT to skip discovery.
func (t *Target) fsMount(ctx context.Context) (string, error) {
	if override := os.Getenv(mountEnvVar); override != "" {
		if info, err := os.Stat(override); err != nil || !info.IsDir() {
			return "", fmt.Errorf("%s=%s does not point to a directory", mountEnvVar, override)
		}
		return override, nil
	}
	if t.mountPoint != "" {
		if info, err := os.Stat(t.mountPoint); err == nil && info.IsDir() {
			return t.mountPoint, nil
		}
		t.mountPoint = ""
	}

	label, err := t.VolumeLabel(ctx)
	if err != nil {
		return "", err
	}

	var candidates []string
	switch {
	case label != "":
		candidates = findVolumesByLabel(label)
		if len(candidates) == 0 {
			return "", fmt.Errorf("could not find volume %q; set %s to help out", label, mountEnvVar)
		}
	case len(t.volumeNames) > 0:
		for _, name := range t.volumeNames {
			candidates = append(candidates, findVolumesByLabel(name)...)
		}
		if len(candidates) == 0 {
			return "", fmt.Errorf("could not find a volume named %s; set %s to help out",
				strings.Join(t.volumeNames, " or "), mountEnvVar)
		}
	default:
		return "", fmt.Errorf("this device does not expose its filesystem; set %s to help out", mountEnvVar)
	}

	switch len(candidates) {
	case 1:
		t.mountPoint = candidates[0]
		log.Info().Str("mount", t.mountPoint).Msg("Using mounted filesystem")
		return t.mountPoint, nil
	default:
		return "", fmt.Errorf("found several possible mount points: %s", strings.Join(candidates, ", "))
	}
}

// mountedPath maps a device path to the corresponding host path under
// the mount.
func (t *Target) mountedPath(ctx context.Context, devicePath string) (string, error) {
	mount, err := t.fsMount(ctx)
	if err != nil {
		return "", err
	}
	prefix := t.dialect.FlashPrefix()
	if !strings.HasPrefix(devicePath, prefix) {
		return "", fmt.Errorf("%s does not start with the flash prefix %q", devicePath, prefix)
	}
	rel := strings.TrimPrefix(devicePath, prefix)
	return filepath.Join(mount, filepath.FromSlash(rel)), nil
}

// trySyncLocalFilesystem pushes the host page cache out to the device.
// Failing quietly is fine since every mount write already fsyncs.
func trySyncLocalFilesystem() {
	if err := exec.Command("sync").Run(); err != nil {
		log.Debug().Err(err).Msg("sync failed")
	}
}
