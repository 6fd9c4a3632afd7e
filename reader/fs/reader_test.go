package fs

import (
	"context"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/assetcache"
	"github.com/meigma/assetcache/internal/testutil"
)

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o600))
}

func newReader(t *testing.T, dir string, opts ...Option) *Reader {
	t.Helper()
	r, err := New(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestReaderOpen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "textures/grass.bin", []byte("green"))
	r := newReader(t, dir)

	obj, err := r.Open(context.Background(), "textures/grass.bin")
	require.NoError(t, err)
	defer obj.Close()

	size, ok := obj.Size()
	assert.True(t, ok)
	assert.Equal(t, int64(5), size)

	got, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, "green", string(got))

	_, err = obj.Seek(2, io.SeekStart)
	require.NoError(t, err)
	got, err = io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, "een", string(got))
}

func TestReaderWithExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "mesh.zst", []byte("compressed"))
	r := newReader(t, dir, WithExtension(".zst"))

	obj, err := r.Open(context.Background(), "mesh")
	require.NoError(t, err)
	obj.Close()
}

func TestReaderErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	r := newReader(t, dir)
	ctx := context.Background()

	_, err := r.Open(ctx, "missing")
	require.ErrorIs(t, err, iofs.ErrNotExist)

	_, err = r.Open(ctx, "sub")
	require.Error(t, err)

	for _, key := range []assetcache.Key{"", "/etc/passwd", "../escape", "a/../b", "./a"} {
		_, err = r.Open(ctx, key)
		require.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = r.Open(cancelled, "missing")
	require.ErrorIs(t, err, context.Canceled)
}

func TestReaderSymlinkEscape(t *testing.T) {
	t.Parallel()

	outside := t.TempDir()
	writeFile(t, outside, "secret", []byte("secret"))
	dir := t.TempDir()
	if err := os.Symlink(filepath.Join(outside, "secret"), filepath.Join(dir, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	r := newReader(t, dir)

	_, err := r.Open(context.Background(), "link")
	require.Error(t, err)
}

func TestNewRejectsMissingDir(t *testing.T) {
	t.Parallel()

	_, err := New("")
	require.Error(t, err)
	_, err = New(filepath.Join(t.TempDir(), "nope"))
	require.ErrorIs(t, err, iofs.ErrNotExist)
}

func TestReaderWithCache(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", []byte("  alpha  "))
	r := newReader(t, dir)

	dec := &testutil.StringDecoder{Normalize: true}
	c, err := assetcache.New[string](r, dec)
	require.NoError(t, err)

	v, err := c.Get(context.Background(), "a.txt", assetcache.AlwaysCacheIfAbsent)
	require.NoError(t, err)
	assert.Equal(t, "alpha", v)

	// Later edits are not observed until the key is invalidated.
	writeFile(t, dir, "a.txt", []byte("beta"))
	v, err = c.Get(context.Background(), "a.txt", assetcache.AlwaysCacheIfAbsent)
	require.NoError(t, err)
	assert.Equal(t, "alpha", v)

	c.Invalidate("a.txt")
	v, err = c.Get(context.Background(), "a.txt", assetcache.AlwaysCacheIfAbsent)
	require.NoError(t, err)
	assert.Equal(t, "beta", v)
}
