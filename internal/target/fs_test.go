package target

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minnykit/minny/internal/devtest"
)

func TestStatFile(t *testing.T) {
	d := devtest.New(devtest.WithExec(execScripted(
		execRule{contains: `os.stat("main.py")`, result: devtest.ExecResult{
			Stdout: "<minny>(33188, 0, 0, 0, 0, 0, 12, 695000000, 695000000, 695000000)</minny>"}},
	)))
	tgt := newTestTarget(t, d)

	info, err := tgt.Stat(context.Background(), "main.py")
	require.NoError(t, err)
	assert.Equal(t, "main.py", info.Name())
	assert.Equal(t, int64(12), info.Size())
	assert.Equal(t, fs.FileMode(0o644), info.Mode())
	assert.False(t, info.IsDir())
	assert.True(t, info.ModTime().Equal(time.Unix(695000000, 0)))
}

func TestStatDir(t *testing.T) {
	d := devtest.New(devtest.WithExec(execScripted(
		execRule{contains: `os.stat("/lib")`, result: devtest.ExecResult{
			Stdout: "<minny>(16384, 0, 0, 0, 0, 0, 0, 0, 0, 0)</minny>"}},
	)))
	tgt := newTestTarget(t, d)

	info, err := tgt.Stat(context.Background(), "/lib")
	require.NoError(t, err)
	assert.Equal(t, "lib", info.Name())
	assert.True(t, info.IsDir())
	assert.True(t, info.ModTime().IsZero())
}

func TestStatMissing(t *testing.T) {
	d := devtest.New(devtest.WithExec(execScripted(
		execRule{contains: `os.stat("nope")`, result: devtest.ExecResult{
			Stdout: "<minny>None</minny>"}},
	)))
	tgt := newTestTarget(t, d)

	_, err := tgt.Stat(context.Background(), "nope")
	require.ErrorIs(t, err, fs.ErrNotExist)
	var perr *fs.PathError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "stat", perr.Op)
}

func TestStatShiftsY2KTimestamps(t *testing.T) {
	d := devtest.New(devtest.WithExec(execScripted(
		execRule{contains: "localtime(", result: devtest.ExecResult{
			Stdout: "<minny>(2030, 1, 1, 0, 0, 0, 5, 1, 0)</minny>"}},
		execRule{contains: `os.stat("main.py")`, result: devtest.ExecResult{
			Stdout: "<minny>(33188, 0, 0, 0, 0, 0, 12, 100, 100, 100)</minny>"}},
	)))
	tgt := newTestTarget(t, d)
	require.Equal(t, 2000, tgt.EpochYear())

	info, err := tgt.Stat(context.Background(), "main.py")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(time.Unix(100+y2000EpochOffset, 0)))
}

func TestListDirSortsNames(t *testing.T) {
	d := devtest.New(devtest.WithExec(execScripted(
		execRule{contains: `listdir("/")`, result: devtest.ExecResult{
			Stdout: "<minny>['main.py', 'boot.py', 'lib']</minny>"}},
	)))
	tgt := newTestTarget(t, d)

	names, err := tgt.ListDir(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"boot.py", "lib", "main.py"}, names)
}

func TestListDirMissing(t *testing.T) {
	d := devtest.New(devtest.WithExec(execScripted(
		execRule{contains: `listdir("/gone")`, result: devtest.ExecResult{
			Stderr: "Traceback (most recent call last):\r\nOSError: [Errno 2] ENOENT\r\n"}},
	)))
	tgt := newTestTarget(t, d)

	_, err := tgt.ListDir(context.Background(), "/gone")
	require.ErrorIs(t, err, fs.ErrNotExist)
	var perr *fs.PathError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "listdir", perr.Op)
	assert.Equal(t, "/gone", perr.Path)
}

func TestMkdirSkipsRootAndCachesEnsuredDirs(t *testing.T) {
	d := devtest.New(devtest.WithExec(execScripted()))
	tgt := newTestTarget(t, d)
	ctx := context.Background()

	require.NoError(t, tgt.Mkdir(ctx, "/"))
	assert.Equal(t, 0, countScripts(d, "os.mkdir("))

	require.NoError(t, tgt.Mkdir(ctx, "/lib"))
	require.NoError(t, tgt.Mkdir(ctx, "/lib"))
	require.NoError(t, tgt.Mkdir(ctx, "/lib/"))
	assert.Equal(t, 1, countScripts(d, `os.stat("/lib") and None`))
}

func TestMakeDirsWalksComponents(t *testing.T) {
	d := devtest.New(devtest.WithExec(execScripted()))
	tgt := newTestTarget(t, d)
	ctx := context.Background()

	require.NoError(t, tgt.MakeDirs(ctx, "/a/b"))
	assert.Equal(t, 1, countScripts(d, `os.stat("/a") and None`))
	assert.Equal(t, 1, countScripts(d, `os.stat("/a/b") and None`))

	require.NoError(t, tgt.MakeDirs(ctx, "/a/b"))
	assert.Equal(t, 1, countScripts(d, `os.stat("/a/b") and None`))
}

func TestRemoveFileIfExists(t *testing.T) {
	d := devtest.New(devtest.WithExec(execScripted(
		execRule{contains: `os.remove("gone.py")`, result: devtest.ExecResult{
			Stderr: "Traceback (most recent call last):\r\nOSError: [Errno 2] ENOENT\r\n"}},
		execRule{contains: `os.remove("locked.py")`, result: devtest.ExecResult{
			Stderr: "Traceback (most recent call last):\r\nOSError: 13\r\n"}},
	)))
	tgt := newTestTarget(t, d)
	ctx := context.Background()

	removed, err := tgt.RemoveFileIfExists(ctx, "old.py")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = tgt.RemoveFileIfExists(ctx, "gone.py")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = tgt.RemoveFileIfExists(ctx, "locked.py")
	var oserr *DeviceOSError
	require.ErrorAs(t, err, &oserr)
	assert.Equal(t, 13, oserr.Errno)
}

func TestRemoveDirIfEmpty(t *testing.T) {
	d := devtest.New(devtest.WithExec(execScripted(
		execRule{contains: `__minny_helper.rmdir("/full")`, result: devtest.ExecResult{
			Stderr: "Traceback (most recent call last):\r\nOSError: [Errno 39] ENOTEMPTY\r\n"}},
	)))
	tgt := newTestTarget(t, d)
	ctx := context.Background()

	require.NoError(t, tgt.Mkdir(ctx, "/empty"))
	assert.Equal(t, 1, countScripts(d, `os.stat("/empty") and None`))

	removed, err := tgt.RemoveDirIfEmpty(ctx, "/empty")
	require.NoError(t, err)
	assert.True(t, removed)

	// Removing invalidated the ensured-directory cache.
	require.NoError(t, tgt.Mkdir(ctx, "/empty"))
	assert.Equal(t, 2, countScripts(d, `os.stat("/empty") and None`))

	removed, err = tgt.RemoveDirIfEmpty(ctx, "/full")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRmdirReportsDeviceErrno(t *testing.T) {
	d := devtest.New(devtest.WithExec(execScripted(
		execRule{contains: `os.rmdir("/locked")`, result: devtest.ExecResult{
			Stderr: "Traceback (most recent call last):\r\nOSError: 13\r\n"}},
	)))
	tgt := newTestTarget(t, d)

	require.NoError(t, tgt.Rmdir(context.Background(), "/empty"))

	err := tgt.Rmdir(context.Background(), "/locked")
	var oserr *DeviceOSError
	require.ErrorAs(t, err, &oserr)
	assert.Equal(t, 13, oserr.Errno)
}

func TestRemoveRecursiveDeletesDeepestFirst(t *testing.T) {
	d := devtest.New(devtest.WithExec(execScripted()))
	tgt := newTestTarget(t, d)
	ctx := context.Background()

	require.NoError(t, tgt.Mkdir(ctx, "/x"))
	require.NoError(t, tgt.RemoveRecursive(ctx, "/lib", "/lib/sub"))

	assert.Equal(t, 1, countScripts(d, `["/lib/sub", "/lib"]`))
	assert.Equal(t, 1, countScripts(d, "__minny_delete"))

	// The whole ensured-directory cache is gone afterwards.
	require.NoError(t, tgt.Mkdir(ctx, "/x"))
	assert.Equal(t, 2, countScripts(d, `os.stat("/x") and None`))
}

func TestRemoveRecursiveFallsBackToMount(t *testing.T) {
	mount := t.TempDir()
	t.Setenv("MINNY_MOUNT", mount)
	require.NoError(t, os.MkdirAll(filepath.Join(mount, "lib", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(mount, "lib", "sub", "x.py"), []byte("pass\n"), 0o644))

	d := devtest.New(devtest.WithExec(execScripted(
		execRule{contains: "__minny_delete", result: devtest.ExecResult{
			Stderr: "Traceback (most recent call last):\r\n" +
				"OSError: [Errno 30] Read-only filesystem\r\n"}},
	)))
	tgt := newTestTarget(t, d)

	require.NoError(t, tgt.RemoveRecursive(context.Background(), "/lib"))
	assert.NoDirExists(t, filepath.Join(mount, "lib"))
}

func TestFlatFilesystemDevice(t *testing.T) {
	d := devtest.New(
		devtest.WithWelcome(microbitWelcome),
		devtest.WithExec(execScripted(
			execRule{contains: `os.size("main.py")`, result: devtest.ExecResult{
				Stdout: "<minny>12</minny>"}},
			execRule{exact: "__minny_helper.print_mgmt_value(__minny_helper.listdir())",
				result: devtest.ExecResult{Stdout: "<minny>['b.py', 'a.py']</minny>"}},
		)))
	tgt := newTestTarget(t, d)
	ctx := context.Background()

	require.True(t, tgt.Dialect().Microbit())
	assert.Equal(t, "", tgt.DirSep())
	assert.Equal(t, 0, tgt.EpochYear())

	// Tight memory boards gc around the helper install.
	assert.Equal(t, 2, countScripts(d, "import gc as __minny_gc"))

	info, err := tgt.Stat(ctx, "main.py")
	require.NoError(t, err)
	assert.Equal(t, int64(12), info.Size())
	assert.False(t, info.IsDir())

	names, err := tgt.ListDir(ctx, "anything")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py", "b.py"}, names)

	cwd, err := tgt.Cwd(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", cwd)
	assert.Equal(t, 0, countScripts(d, "getcwd"))

	assert.EqualError(t, tgt.MakeDirs(ctx, "/x"), "this device does not have directories")
	assert.EqualError(t, tgt.Chdir(ctx, "/x"), "this device does not have directories")
	_, err = tgt.RemoveDirIfEmpty(ctx, "/x")
	assert.EqualError(t, err, "this device does not have directories")

	require.NoError(t, tgt.RemoveRecursive(ctx, "a.py", "longer.py"))
	assert.Equal(t, 1, countScripts(d, `["longer.py", "a.py"]`))
	assert.Equal(t, 0, countScripts(d, "__minny_delete"))
}

func TestUnixDirnameBasename(t *testing.T) {
	tests := []struct {
		path string
		dir  string
		base string
	}{
		{"/", "/", ""},
		{"/main.py", "/", "main.py"},
		{"/lib/util.py", "/lib", "util.py"},
		{"/lib/", "/", "lib"},
		{"/a/b/", "/a", "b"},
		{"main.py", "", "main.py"},
		{"lib/x.py", "lib", "x.py"},
	}
	for _, tc := range tests {
		dir, base := UnixDirnameBasename(tc.path)
		assert.Equal(t, tc.dir, dir, tc.path)
		assert.Equal(t, tc.base, base, tc.path)
	}
}

func TestJoinRemotePath(t *testing.T) {
	tests := []struct {
		sep  string
		dir  string
		name string
		want string
	}{
		{"", "/ignored", "x.py", "x.py"},
		{"/", "", "x.py", "x.py"},
		{"/", "/", "x.py", "/x.py"},
		{"/", "/lib", "x.py", "/lib/x.py"},
		{"/", "/lib/", "x.py", "/lib/x.py"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, JoinRemotePath(tc.sep, tc.dir, tc.name), tc.dir)
	}
}
