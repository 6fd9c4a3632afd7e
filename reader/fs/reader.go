// Package fs provides an assetcache Reader over a local directory.
//
// Keys are slash-separated paths relative to the root directory. The root is
// opened with os.OpenRoot, so keys containing ".." or symlinks that lead
// outside the directory fail instead of reaching other files.
package fs //nolint:revive // intentional naming for domain clarity

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path"
	"strings"

	"github.com/meigma/assetcache"
)

// ErrInvalidKey is returned for keys that are not clean relative paths.
var ErrInvalidKey = errors.New("fs reader: invalid key")

// Reader opens assets from a directory. It is safe for concurrent use.
type Reader struct {
	root      *os.Root
	extension string
}

// Interface compliance.
var _ assetcache.Reader = (*Reader)(nil)

// Option configures a Reader.
type Option func(*Reader)

// WithExtension appends ext to every key before opening, for trees where
// keys omit a common suffix such as ".zst".
func WithExtension(ext string) Option {
	return func(r *Reader) {
		r.extension = ext
	}
}

// New opens dir as the reader root.
func New(dir string, opts ...Option) (*Reader, error) {
	if dir == "" {
		return nil, errors.New("fs reader: root dir is empty")
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open root %s: %w", dir, err)
	}
	r := &Reader{root: root}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close releases the root directory handle.
func (r *Reader) Close() error {
	return r.root.Close()
}

// Open opens the file for key. Missing files return an error wrapping
// io/fs.ErrNotExist; directories are rejected.
func (r *Reader) Open(ctx context.Context, key assetcache.Key) (assetcache.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := r.name(key)
	if err != nil {
		return nil, err
	}

	f, err := r.root.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, &iofs.PathError{Op: "open", Path: name, Err: errors.New("not a regular file")}
	}
	return &object{File: f, size: info.Size()}, nil
}

func (r *Reader) name(key assetcache.Key) (string, error) {
	p := string(key)
	if p == "" || strings.HasPrefix(p, "/") || path.Clean(p) != p || !iofs.ValidPath(p) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return p + r.extension, nil
}

// object is an opened file with the size captured at open time.
type object struct {
	*os.File
	size int64
}

func (o *object) Size() (int64, bool) { return o.size, true }
