// Package cas provides a content-addressed assetcache Reader.
//
// Assets are stored by digest in a sharded directory layout:
//
//	<dir>/<algorithm>/<first hex chars>/<hex>
//
// Keys are digest strings such as "sha256:ab12...". Because content is
// immutable under its digest, an asset never needs invalidating once cached.
// Files are verified against their digest when opened unless verification
// is disabled.
package cas

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/assetcache"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
)

var (
	// ErrInvalidKey is returned for keys that are not valid digests.
	ErrInvalidKey = errors.New("cas: key is not a valid digest")

	// ErrDigestMismatch is returned when stored content does not match its digest.
	ErrDigestMismatch = errors.New("cas: digest mismatch")
)

// Store reads and writes assets by digest. It is safe for concurrent use.
type Store struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
	algorithm      digest.Algorithm
	verify         bool
}

// Interface compliance.
var _ assetcache.Reader = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(s *Store) {
		s.shardPrefixLen = n
	}
}

// WithDirPerm sets the permissions used for created directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// WithAlgorithm sets the digest algorithm used by Put. Defaults to sha256.
func WithAlgorithm(alg digest.Algorithm) Option {
	return func(s *Store) {
		s.algorithm = alg
	}
}

// WithVerify controls digest verification on Open. Enabled by default.
func WithVerify(verify bool) Option {
	return func(s *Store) {
		s.verify = verify
	}
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cas: store dir is empty")
	}
	s := &Store{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
		algorithm:      digest.Canonical,
		verify:         true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.shardPrefixLen < 0 {
		return nil, errors.New("cas: shard prefix length must be >= 0")
	}
	if !s.algorithm.Available() {
		return nil, fmt.Errorf("cas: digest algorithm %q unavailable", s.algorithm)
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, err
	}
	return s, nil
}

// Open opens the asset addressed by key.
func (s *Store) Open(ctx context.Context, key assetcache.Key) (assetcache.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dgst, err := key.Digest()
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidKey, key, err)
	}
	path, err := s.path(dgst)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path) //nolint:gosec // path is derived from a validated digest
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if s.verify {
		if err := verifyFile(f, dgst); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &object{File: f, size: info.Size()}, nil
}

// Put stores data and returns its key. Storing existing content is a no-op.
func (s *Store) Put(data []byte) (assetcache.Key, error) {
	dgst := s.algorithm.FromBytes(data)
	if err := s.write(dgst, bytes.NewReader(data)); err != nil {
		return "", err
	}
	return assetcache.DigestKey(dgst), nil
}

// PutReader stores the content of r, which must match dgst.
func (s *Store) PutReader(dgst digest.Digest, r io.Reader) error {
	if err := dgst.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return s.write(dgst, r)
}

// Delete removes the asset addressed by key. Missing assets are not an error.
func (s *Store) Delete(key assetcache.Key) error {
	dgst, err := key.Digest()
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidKey, key, err)
	}
	path, err := s.path(dgst)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) write(dgst digest.Digest, r io.Reader) error {
	path, err := s.path(dgst)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "put-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	verifier := dgst.Verifier()
	if _, err := io.Copy(tmp, io.TeeReader(r, verifier)); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if !verifier.Verified() {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: %s", ErrDigestMismatch, dgst)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		if _, statErr := os.Stat(path); statErr == nil {
			return nil
		}
		return err
	}
	return nil
}

func (s *Store) path(dgst digest.Digest) (string, error) {
	if err := dgst.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	hexHash := dgst.Encoded()
	base := filepath.Join(s.dir, string(dgst.Algorithm()))
	if s.shardPrefixLen <= 0 {
		return filepath.Join(base, hexHash), nil
	}
	prefixLen := min(s.shardPrefixLen, len(hexHash))
	return filepath.Join(base, hexHash[:prefixLen], hexHash), nil
}

func verifyFile(f *os.File, dgst digest.Digest) error {
	verifier := dgst.Verifier()
	if _, err := io.Copy(verifier, f); err != nil {
		return err
	}
	if !verifier.Verified() {
		return fmt.Errorf("%w: %s", ErrDigestMismatch, dgst)
	}
	_, err := f.Seek(0, io.SeekStart)
	return err
}

type object struct {
	*os.File
	size int64
}

func (o *object) Size() (int64, bool) { return o.size, true }
