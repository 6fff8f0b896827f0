package target

import (
	"bytes"
	"context"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocalDir(t *testing.T) (*LocalDir, string) {
	t.Helper()
	root := t.TempDir()
	d, err := NewLocalDir(root)
	require.NoError(t, err)
	return d, root
}

func TestNewLocalDirRequiresDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := NewLocalDir(file)
	assert.ErrorContains(t, err, "is not a directory")

	_, err = NewLocalDir(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestLocalDirRoundTrip(t *testing.T) {
	d, _ := newTestLocalDir(t)
	ctx := context.Background()

	require.NoError(t, d.MakeDirs(ctx, "/lib/sub"))
	require.NoError(t, d.WriteFile(ctx, "/lib/sub/x.py", strings.NewReader("pass\n"), 5, nil))

	var buf bytes.Buffer
	n, err := d.ReadFile(ctx, "/lib/sub/x.py", &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "pass\n", buf.String())

	names, err := d.ListDir(ctx, "/lib")
	require.NoError(t, err)
	assert.Equal(t, []string{"sub"}, names)

	info, err := d.Stat(ctx, "/lib/sub/x.py")
	require.NoError(t, err)
	assert.Equal(t, "x.py", info.Name())
	assert.Equal(t, int64(5), info.Size())
	assert.False(t, info.IsDir())

	cwd, err := d.Cwd(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/", cwd)
	assert.Equal(t, "/", d.DirSep())
}

func TestLocalDirRefusesEscapes(t *testing.T) {
	d, _ := newTestLocalDir(t)
	ctx := context.Background()

	_, err := d.Stat(ctx, "../outside")
	assert.ErrorContains(t, err, "outside the target directory")

	err = d.WriteFile(ctx, "/../evil.py", strings.NewReader("x"), 1, nil)
	assert.ErrorContains(t, err, "outside the target directory")
}

func TestLocalDirMkdir(t *testing.T) {
	d, root := newTestLocalDir(t)
	ctx := context.Background()

	require.NoError(t, d.Mkdir(ctx, "/lib"))
	require.NoError(t, d.Mkdir(ctx, "/lib"))
	assert.DirExists(t, filepath.Join(root, "lib"))

	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0o644))
	assert.Error(t, d.Mkdir(ctx, "/f"))
}

func TestLocalDirRemoveSemantics(t *testing.T) {
	d, root := newTestLocalDir(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.py"), []byte("pass\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "lib", "sub"), 0o755))

	removed, err := d.RemoveFileIfExists(ctx, "/a.py")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = d.RemoveFileIfExists(ctx, "/a.py")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = d.RemoveFileIfExists(ctx, "/lib")
	assert.ErrorContains(t, err, "is a directory")

	removed, err = d.RemoveDirIfEmpty(ctx, "/lib")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = d.RemoveDirIfEmpty(ctx, "/lib/sub")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestLocalDirRemoveRecursive(t *testing.T) {
	d, root := newTestLocalDir(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "lib", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "lib", "x.py"), []byte("pass\n"), 0o644))

	require.NoError(t, d.RemoveRecursive(ctx, "/lib"))
	assert.NoDirExists(t, filepath.Join(root, "lib"))

	assert.ErrorContains(t, d.RemoveRecursive(ctx, "/"),
		"refusing to delete the target directory")
}

func TestLocalDirFileCRC32(t *testing.T) {
	d, root := newTestLocalDir(t)
	content := []byte("123456789")
	require.NoError(t, os.WriteFile(filepath.Join(root, "data.bin"), content, 0o644))

	crc, ok, err := d.FileCRC32(context.Background(), "data.bin")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, crc32.ChecksumIEEE(content), crc)
	assert.Equal(t, uint32(0xcbf43926), crc)
}
