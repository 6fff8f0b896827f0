package target

import (
	"context"
	"io"
	"io/fs"
	"time"
)

// ProgressFunc reports transfer progress. done counts bytes moved so
// far, total is the expected final count. Implementations call it at
// least once at the start and once after the last byte.
type ProgressFunc func(done, total int64)

// Manager is the filesystem surface shared by a connected device and
// the local-directory stand-in used for dir: targets.
type Manager interface {
	// Cwd returns the working directory all relative paths resolve
	// against.
	Cwd(ctx context.Context) (string, error)

	// DirSep is the separator for joining paths, "" on flat
	// filesystems.
	DirSep() string

	// ListDir returns the names inside a directory, without "." and
	// "..".
	ListDir(ctx context.Context, path string) ([]string, error)

	// Stat describes a file or directory. A missing path yields an
	// error satisfying errors.Is(err, fs.ErrNotExist).
	Stat(ctx context.Context, path string) (*FileInfo, error)

	// ReadFile streams a file into sink and returns the byte count.
	ReadFile(ctx context.Context, path string, sink io.Writer, progress ProgressFunc) (int64, error)

	// WriteFile creates or replaces a file from src, which must yield
	// exactly size bytes.
	WriteFile(ctx context.Context, path string, src io.Reader, size int64, progress ProgressFunc) error

	// Mkdir creates a directory whose parent already exists. An
	// existing directory at the path is not an error.
	Mkdir(ctx context.Context, path string) error

	// MakeDirs creates a directory and any missing parents.
	MakeDirs(ctx context.Context, path string) error

	// RemoveFileIfExists deletes a file, reporting whether anything
	// was there to delete.
	RemoveFileIfExists(ctx context.Context, path string) (bool, error)

	// RemoveDirIfEmpty deletes a directory if nothing is inside,
	// reporting whether it did.
	RemoveDirIfEmpty(ctx context.Context, path string) (bool, error)

	// RemoveRecursive deletes files and whole directory trees.
	RemoveRecursive(ctx context.Context, paths ...string) error

	// FileCRC32 returns the CRC32 checksum of a file, or ok=false
	// when the filesystem cannot compute one.
	FileCRC32(ctx context.Context, path string) (crc uint32, ok bool, err error)
}

var (
	_ Manager = (*Target)(nil)
	_ Manager = (*LocalDir)(nil)
)

// FileInfo describes one file or directory.
type FileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
}

var _ fs.FileInfo = (*FileInfo)(nil)

// Name returns the base name.
func (fi *FileInfo) Name() string { return fi.name }

// Size returns the length in bytes.
func (fi *FileInfo) Size() int64 { return fi.size }

// Mode returns the mode bits.
func (fi *FileInfo) Mode() fs.FileMode { return fi.mode }

// ModTime returns the modification time, or the zero time when the
// filesystem does not record one.
func (fi *FileInfo) ModTime() time.Time { return fi.modTime }

// IsDir reports whether this is a directory.
func (fi *FileInfo) IsDir() bool { return fi.mode.IsDir() }

// Sys returns nil.
func (fi *FileInfo) Sys() any { return nil }

// modeFromStat converts a Python os.stat st_mode into mode bits.
func modeFromStat(raw int64) fs.FileMode {
	mode := fs.FileMode(raw & 0o777)
	if raw&0o170000 == 0o040000 {
		mode |= fs.ModeDir
	}
	return mode
}
