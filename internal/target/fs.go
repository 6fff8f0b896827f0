package target

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// statScript prints the stat result, or None for a missing path so
// the caller can tell "not there" apart from "broke".
const statScript = `try:
    __minny_helper.print_mgmt_value(__minny_helper.os.%s(%s))
except __minny_helper.builtins.OSError as e:
    if e.args[0] == 2:
        __minny_helper.print_mgmt_value(None)
    else:
        raise
`

// mkdirScript creates a directory unless something already sits at the
// path. The "and None" keeps the stat result from echoing when the
// script travels in paste mode.
const mkdirScript = `try:
    __minny_helper.os.stat(%[1]s) and None
except __minny_helper.builtins.OSError:
    __minny_helper.os.mkdir(%[1]s)
`

// flatDeleteScript removes plain files on filesystems without
// directories.
const flatDeleteScript = `for __minny_path in %s:
    __minny_helper.os.remove(__minny_path)

del __minny_path
`

// recursiveDeleteScript removes files and whole trees device-side, so
// one round-trip covers any number of entries.
const recursiveDeleteScript = `def __minny_delete(path):
    if __minny_helper.os.stat(path)[0] & 0o170000 == 0o040000:
        for __minny_name in __minny_helper.listdir(path):
            __minny_delete(path + "/" + __minny_name)
        __minny_helper.rmdir(path)
    else:
        __minny_helper.os.remove(path)

for __minny_path in %s:
    __minny_delete(__minny_path)

del __minny_path
del __minny_delete
`

// UnixDirnameBasename splits a device path into its directory and base
// name. Flat-filesystem names have an empty directory.
func UnixDirnameBasename(path string) (string, string) {
	if path == "/" {
		return "/", ""
	}
	if !strings.Contains(path, "/") {
		return "", path
	}
	path = strings.TrimRight(path, "/")
	i := strings.LastIndex(path, "/")
	dir, base := path[:i], path[i+1:]
	if dir == "" {
		dir = "/"
	}
	return dir, base
}

// JoinRemotePath joins a device directory and a name. With an empty
// separator, as on flat filesystems, the name stands alone.
func JoinRemotePath(sep, dir, name string) string {
	if sep == "" || dir == "" {
		return name
	}
	if dir == "/" {
		return "/" + name
	}
	return strings.TrimRight(dir, sep) + sep + name
}

// pyPathList renders paths as a Python list literal.
func pyPathList(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = quotePath(p)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// ListDir returns the sorted names inside a directory. On flat
// filesystems the path is ignored and the root listing is returned.
func (t *Target) ListDir(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	expr := "__minny_helper.listdir()"
	if t.dialect.SupportsDirectories() {
		expr = fmt.Sprintf("__minny_helper.listdir(%s)", quotePath(path))
	}
	v, err := t.Evaluate(ctx, expr)
	if err != nil {
		var me *ManagementError
		if errors.As(err, &me) {
			if oserr := scrapeOSError(me.Stderr); oserr != nil && oserr.Errno == int(syscall.ENOENT) {
				return nil, &fs.PathError{Op: "listdir", Path: path, Err: fs.ErrNotExist}
			}
		}
		return nil, err
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected listdir value %v", v)
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		name, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected listdir entry %v", item)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Stat describes a device file or directory. Missing paths yield an
// error satisfying errors.Is(err, fs.ErrNotExist).
func (t *Target) Stat(ctx context.Context, path string) (*FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fn := "stat"
	if !t.dialect.SupportsDirectories() {
		// micro:bit has os.size instead of os.stat.
		fn = "size"
	}
	v, err := t.EvaluateScript(ctx, fmt.Sprintf(statScript, fn, quotePath(path)))
	if err != nil {
		return nil, err
	}
	_, base := UnixDirnameBasename(path)
	switch v := v.(type) {
	case nil:
		return nil, &fs.PathError{Op: "stat", Path: path, Err: fs.ErrNotExist}
	case int64:
		return &FileInfo{name: base, size: v, mode: 0o644}, nil
	case []any:
		return t.fileInfoFromStat(base, v)
	default:
		return nil, fmt.Errorf("unexpected stat value %v", v)
	}
}

func (t *Target) fileInfoFromStat(name string, vals []any) (*FileInfo, error) {
	if len(vals) < 9 {
		return nil, fmt.Errorf("unexpected stat tuple %v", vals)
	}
	rawMode, modeOK := vals[0].(int64)
	size, sizeOK := vals[6].(int64)
	if !modeOK || !sizeOK {
		return nil, fmt.Errorf("unexpected stat tuple %v", vals)
	}
	info := &FileInfo{name: name, size: size, mode: modeFromStat(rawMode)}
	if secs, ok := vals[8].(int64); ok && secs > 0 {
		var off int64
		if t.epochYear == 2000 {
			off = y2000EpochOffset
		}
		info.modTime = time.Unix(secs+off, 0).UTC()
	}
	return info, nil
}

// Mkdir creates a directory whose parent exists. An existing directory
// at the path is fine. A read-only filesystem redirects the call to
// the mount without latching, since stat-only probes also come through
// here.
func (t *Target) Mkdir(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if path == "/" {
		return nil
	}
	path = strings.TrimRight(path, "/")
	if t.ensuredDirs[path] {
		return nil
	}

	if t.roFilesystem {
		if err := t.mkdirViaMount(ctx, path); err != nil {
			return err
		}
	} else if err := t.mkdirViaREPL(path); err != nil {
		if !errors.Is(err, errReadOnlyFilesystem) {
			return err
		}
		if err := t.mkdirViaMount(ctx, path); err != nil {
			return err
		}
	}

	if err := t.syncRemoteFilesystem(); err != nil {
		return err
	}
	t.ensuredDirs[path] = true
	return nil
}

func (t *Target) mkdirViaREPL(path string) error {
	err := t.execWithoutOutput(fmt.Sprintf(mkdirScript, quotePath(path)), true)
	var me *ManagementError
	if errors.As(err, &me) && t.containsReadOnlyError(me.Stdout+me.Stderr) {
		return errReadOnlyFilesystem
	}
	return err
}

func (t *Target) mkdirViaMount(ctx context.Context, path string) error {
	localPath, err := t.mountedPath(ctx, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(localPath, 0o755); err != nil {
		return err
	}
	trySyncLocalFilesystem()
	return nil
}

// MakeDirs creates a directory and any missing parents.
func (t *Target) MakeDirs(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.dialect.SupportsDirectories() {
		return errors.New("this device does not have directories")
	}
	path = strings.TrimRight(path, "/")
	if path == "" {
		return nil
	}

	current := ""
	rest := path
	if strings.HasPrefix(path, "/") {
		current = "/"
		rest = path[1:]
	}
	for i, part := range strings.Split(rest, "/") {
		if i > 0 {
			current += "/"
		}
		current += part
		if err := t.Mkdir(ctx, current); err != nil {
			return err
		}
	}
	return nil
}

// RemoveFileIfExists deletes a file, reporting whether anything was
// there to delete.
func (t *Target) RemoveFileIfExists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var removed bool
	var err error
	if t.roFilesystem {
		removed, err = t.removeFileViaMount(ctx, path)
	} else {
		removed, err = t.removeFileViaREPL(path)
		if errors.Is(err, errReadOnlyFilesystem) {
			log.Info().Str("path", path).Msg("Filesystem is read-only, deleting via the mount")
			t.roFilesystem = true
			removed, err = t.removeFileViaMount(ctx, path)
		}
	}
	if err != nil {
		return false, err
	}
	return removed, t.syncRemoteFilesystem()
}

func (t *Target) removeFileViaREPL(path string) (bool, error) {
	err := t.execWithoutOutput(fmt.Sprintf("__minny_helper.os.remove(%s)", quotePath(path)), true)
	if err == nil {
		return true, nil
	}
	var me *ManagementError
	if errors.As(err, &me) {
		if t.containsReadOnlyError(me.Stdout + me.Stderr) {
			return false, errReadOnlyFilesystem
		}
		if oserr := scrapeOSError(me.Stderr); oserr != nil {
			if oserr.Errno == int(syscall.ENOENT) || oserr.Errno == int(syscall.ENODEV) {
				return false, nil
			}
			return false, oserr
		}
	}
	return false, err
}

func (t *Target) removeFileViaMount(ctx context.Context, path string) (bool, error) {
	localPath, err := t.mountedPath(ctx, path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(localPath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !info.Mode().IsRegular() {
		return false, fmt.Errorf("%s is not a regular file", path)
	}
	if err := os.Remove(localPath); err != nil {
		return false, err
	}
	trySyncLocalFilesystem()
	return true, nil
}

// RemoveDirIfEmpty deletes a directory if nothing is inside, reporting
// whether it did.
func (t *Target) RemoveDirIfEmpty(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !t.dialect.SupportsDirectories() {
		return false, errors.New("this device does not have directories")
	}

	var removed bool
	var err error
	if t.roFilesystem {
		removed, err = t.removeDirViaMount(ctx, path)
	} else {
		removed, err = t.removeDirViaREPL(path)
		if errors.Is(err, errReadOnlyFilesystem) {
			log.Info().Str("path", path).Msg("Filesystem is read-only, deleting via the mount")
			t.roFilesystem = true
			removed, err = t.removeDirViaMount(ctx, path)
		}
	}
	if err != nil {
		return false, err
	}
	if removed {
		delete(t.ensuredDirs, strings.TrimRight(path, "/"))
	}
	return removed, t.syncRemoteFilesystem()
}

func (t *Target) removeDirViaREPL(path string) (bool, error) {
	err := t.execWithoutOutput(fmt.Sprintf("__minny_helper.rmdir(%s)", quotePath(path)), true)
	if err == nil {
		return true, nil
	}
	var me *ManagementError
	if errors.As(err, &me) {
		if t.containsReadOnlyError(me.Stdout + me.Stderr) {
			return false, errReadOnlyFilesystem
		}
		if oserr := scrapeOSError(me.Stderr); oserr != nil {
			// Some ports report ENOTEMPTY with the Linux number
			// regardless of what the host calls it.
			if oserr.Errno == int(syscall.ENOTEMPTY) || oserr.Errno == 39 {
				return false, nil
			}
			return false, oserr
		}
	}
	return false, err
}

func (t *Target) removeDirViaMount(ctx context.Context, path string) (bool, error) {
	localPath, err := t.mountedPath(ctx, path)
	if err != nil {
		return false, err
	}
	entries, err := os.ReadDir(localPath)
	if err != nil {
		return false, err
	}
	if len(entries) > 0 {
		return false, nil
	}
	if err := os.Remove(localPath); err != nil {
		return false, err
	}
	trySyncLocalFilesystem()
	return true, nil
}

// Rmdir removes an empty directory, failing when something is inside.
func (t *Target) Rmdir(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.execOSError(fmt.Sprintf("__minny_helper.os.rmdir(%s)", quotePath(path)), true); err != nil {
		return err
	}
	delete(t.ensuredDirs, strings.TrimRight(path, "/"))
	return t.syncRemoteFilesystem()
}

// RemoveRecursive deletes files and whole directory trees. Longer
// paths go first, so nested arguments disappear before their parents.
func (t *Target) RemoveRecursive(ctx context.Context, paths ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}
	ordered := append([]string(nil), paths...)
	sort.Slice(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })

	var err error
	if t.roFilesystem {
		err = t.removeRecursiveViaMount(ctx, ordered)
	} else {
		err = t.removeRecursiveViaREPL(ordered)
		var me *ManagementError
		if errors.As(err, &me) && t.containsReadOnlyError(me.Stdout+me.Stderr) {
			log.Info().Msg("Filesystem is read-only, deleting via the mount")
			t.roFilesystem = true
			err = t.removeRecursiveViaMount(ctx, ordered)
		}
	}
	if err != nil {
		return err
	}
	t.ensuredDirs = make(map[string]bool)
	return t.syncRemoteFilesystem()
}

func (t *Target) removeRecursiveViaREPL(paths []string) error {
	script := fmt.Sprintf(recursiveDeleteScript, pyPathList(paths))
	if !t.dialect.SupportsDirectories() {
		script = fmt.Sprintf(flatDeleteScript, pyPathList(paths))
	}
	return t.execWithoutOutput(script, true)
}

func (t *Target) removeRecursiveViaMount(ctx context.Context, paths []string) error {
	for _, p := range paths {
		localPath, err := t.mountedPath(ctx, p)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(localPath); err != nil {
			return err
		}
	}
	trySyncLocalFilesystem()
	return nil
}

// syncRemoteFilesystem flushes the device's filesystem cache where the
// firmware exposes os.sync.
func (t *Target) syncRemoteFilesystem() error {
	return t.execWithoutOutput(syncFilesystemScript, true)
}
