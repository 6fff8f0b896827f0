package target

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalDir adapts a host directory to the Manager interface, so the
// same commands work against dir: targets as against devices. Handy
// for preparing a tree before copying it over, and for tests.
type LocalDir struct {
	root string
}

// NewLocalDir wraps an existing directory.
func NewLocalDir(root string) (*LocalDir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	return &LocalDir{root: abs}, nil
}

// resolve maps a manager path to a host path, refusing escapes from
// the root.
func (d *LocalDir) resolve(path string) (string, error) {
	rel := strings.TrimPrefix(path, "/")
	full := filepath.Join(d.root, filepath.FromSlash(rel))
	if full != d.root && !strings.HasPrefix(full, d.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the target directory", path)
	}
	return full, nil
}

// Cwd returns "/", the root of the wrapped directory.
func (d *LocalDir) Cwd(context.Context) (string, error) { return "/", nil }

// DirSep returns "/".
func (d *LocalDir) DirSep() string { return "/" }

// ListDir returns the sorted names inside a directory.
func (d *LocalDir) ListDir(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := d.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

// Stat describes a file or directory.
func (d *LocalDir) Stat(ctx context.Context, path string) (*FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := d.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		name:    info.Name(),
		size:    info.Size(),
		mode:    info.Mode(),
		modTime: info.ModTime(),
	}, nil
}

// ReadFile streams a file into sink and returns the byte count.
func (d *LocalDir) ReadFile(ctx context.Context, path string, sink io.Writer, progress ProgressFunc) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	full, err := d.resolve(path)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(full)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	total := info.Size()

	var read int64
	block := make([]byte, localBlockSize)
	for {
		if progress != nil {
			progress(read, total)
		}
		n, rerr := f.Read(block)
		if n > 0 {
			if _, werr := sink.Write(block[:n]); werr != nil {
				return read, werr
			}
			read += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return read, rerr
		}
	}
	if progress != nil {
		progress(read, total)
	}
	return read, nil
}

// WriteFile creates or replaces a file from src.
func (d *LocalDir) WriteFile(ctx context.Context, path string, src io.Reader, size int64, progress ProgressFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := d.resolve(path)
	if err != nil {
		return err
	}
	return writeLocalFile(full, src, size, progress)
}

// Mkdir creates a directory whose parent exists. An existing
// directory at the path is fine.
func (d *LocalDir) Mkdir(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := d.resolve(path)
	if err != nil {
		return err
	}
	err = os.Mkdir(full, 0o755)
	if errors.Is(err, fs.ErrExist) {
		info, serr := os.Stat(full)
		if serr == nil && info.IsDir() {
			return nil
		}
	}
	return err
}

// MakeDirs creates a directory and any missing parents.
func (d *LocalDir) MakeDirs(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := d.resolve(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, 0o755)
}

// RemoveFileIfExists deletes a file, reporting whether anything was
// there to delete.
func (d *LocalDir) RemoveFileIfExists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	full, err := d.resolve(path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, fmt.Errorf("%s is a directory", path)
	}
	if err := os.Remove(full); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveDirIfEmpty deletes a directory if nothing is inside, reporting
// whether it did.
func (d *LocalDir) RemoveDirIfEmpty(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	full, err := d.resolve(path)
	if err != nil {
		return false, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return false, err
	}
	if len(entries) > 0 {
		return false, nil
	}
	return true, os.Remove(full)
}

// RemoveRecursive deletes files and whole directory trees.
func (d *LocalDir) RemoveRecursive(ctx context.Context, paths ...string) error {
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		full, err := d.resolve(path)
		if err != nil {
			return err
		}
		if full == d.root {
			return fmt.Errorf("refusing to delete the target directory itself")
		}
		if err := os.RemoveAll(full); err != nil {
			return err
		}
	}
	return nil
}

// FileCRC32 computes the checksum a device would report for the same
// content.
func (d *LocalDir) FileCRC32(ctx context.Context, path string) (uint32, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	full, err := d.resolve(path)
	if err != nil {
		return 0, false, err
	}
	f, err := os.Open(full)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return 0, false, err
	}
	return h.Sum32(), true, nil
}
