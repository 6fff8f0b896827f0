package target

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minnykit/minny/internal/devtest"
)

const rawPyboardWelcome = "MicroPython v1.19.1 on 2022-06-18; PYBv1.1 with STM32F405RG\r\n" +
	"Type \"help()\" for more information.\r\n"

func TestMountedPathUsesEnvOverride(t *testing.T) {
	mount := t.TempDir()
	t.Setenv("MINNY_MOUNT", mount)

	d := devtest.New(devtest.WithExec(execScripted()))
	tgt := newTestTarget(t, d)

	local, err := tgt.mountedPath(context.Background(), "/lib/util.py")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(mount, "lib", "util.py"), local)
}

func TestMountedPathStripsFlashPrefix(t *testing.T) {
	mount := t.TempDir()
	t.Setenv("MINNY_MOUNT", mount)

	d := devtest.New(
		devtest.WithWelcome(rawPyboardWelcome),
		devtest.WithExec(execScripted()))
	tgt := newTestTarget(t, d)
	require.Equal(t, "/flash/", tgt.Dialect().FlashPrefix())

	local, err := tgt.mountedPath(context.Background(), "/flash/main.py")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(mount, "main.py"), local)

	_, err = tgt.mountedPath(context.Background(), "/main.py")
	assert.ErrorContains(t, err, "does not start with the flash prefix")
}

func TestFsMountRejectsEnvOverrideFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	t.Setenv("MINNY_MOUNT", file)

	d := devtest.New(devtest.WithExec(execScripted()))
	tgt := newTestTarget(t, d)

	_, err := tgt.fsMount(context.Background())
	assert.ErrorContains(t, err, "does not point to a directory")
}

func TestFsMountNeedsVolumeLabel(t *testing.T) {
	t.Setenv("MINNY_MOUNT", "")

	d := devtest.New(devtest.WithExec(execScripted(
		execRule{contains: "from storage import getmount", result: devtest.ExecResult{
			Stdout: "<minny>None</minny>"}},
	)))
	tgt := newTestTarget(t, d)

	_, err := tgt.fsMount(context.Background())
	assert.ErrorContains(t, err, "does not expose its filesystem")
}

func TestFsMountReportsMissingVolume(t *testing.T) {
	t.Setenv("MINNY_MOUNT", "")

	d := devtest.New(devtest.WithExec(execScripted(
		execRule{contains: "from storage import getmount", result: devtest.ExecResult{
			Stdout: "<minny>'NODEVICE123'</minny>"}},
	)))
	tgt := newTestTarget(t, d)

	_, err := tgt.fsMount(context.Background())
	assert.ErrorContains(t, err, `could not find volume "NODEVICE123"`)
}

func TestFsMountSearchesConfiguredVolumeNames(t *testing.T) {
	t.Setenv("MINNY_MOUNT", "")

	d := devtest.New(devtest.WithExec(execScripted(
		execRule{contains: "from storage import getmount", result: devtest.ExecResult{
			Stdout: "<minny>None</minny>"}},
	)))
	tgt := newTestTarget(t, d, WithVolumeNames([]string{"NOMINNYVOL"}))

	_, err := tgt.fsMount(context.Background())
	assert.ErrorContains(t, err, "could not find a volume named NOMINNYVOL")
}
