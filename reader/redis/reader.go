// Package redis provides an assetcache Reader over Redis string values.
//
// Each asset is stored as one string value. Objects read it in chunks with
// GETRANGE, so decoders that only inspect a header do not transfer the whole
// value.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/meigma/assetcache"
)

const defaultChunkSize = 256 << 10

// Reader opens assets stored in Redis. It is safe for concurrent use.
type Reader struct {
	client    goredis.UniversalClient
	prefix    string
	chunkSize int64
}

// Interface compliance.
var _ assetcache.Reader = (*Reader)(nil)

// Option configures a Reader.
type Option func(*Reader)

// WithKeyPrefix prepends prefix to every asset key.
func WithKeyPrefix(prefix string) Option {
	return func(r *Reader) {
		r.prefix = prefix
	}
}

// WithChunkSize sets how many bytes each GETRANGE fetches. Defaults to 256 KiB.
func WithChunkSize(n int64) Option {
	return func(r *Reader) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

// New wraps an existing client. The caller keeps ownership of the client.
func New(client goredis.UniversalClient, opts ...Option) (*Reader, error) {
	if client == nil {
		return nil, errors.New("redis reader: client is nil")
	}
	r := &Reader{client: client, chunkSize: defaultChunkSize}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr, password string, db int, opts ...Option) (*Reader, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return New(client, opts...)
}

// Close closes the underlying client.
func (r *Reader) Close() error {
	return r.client.Close()
}

// Open checks that key exists and returns an Object sized by STRLEN.
func (r *Reader) Open(ctx context.Context, key assetcache.Key) (assetcache.Object, error) {
	name := r.name(key)

	var exists *goredis.IntCmd
	var length *goredis.IntCmd
	_, err := r.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		exists = p.Exists(ctx, name)
		length = p.StrLen(ctx, name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis open %s: %w", key, err)
	}
	if exists.Val() == 0 {
		return nil, fmt.Errorf("redis open %s: %w", key, fs.ErrNotExist)
	}
	return &object{
		ctx:       ctx,
		client:    r.client,
		name:      name,
		size:      length.Val(),
		chunkSize: r.chunkSize,
	}, nil
}

// Put stores data under key.
func (r *Reader) Put(ctx context.Context, key assetcache.Key, data []byte) error {
	if err := r.client.Set(ctx, r.name(key), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (r *Reader) Delete(ctx context.Context, key assetcache.Key) error {
	if err := r.client.Del(ctx, r.name(key)).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

func (r *Reader) name(key assetcache.Key) string {
	return r.prefix + string(key)
}

// object reads one value through GETRANGE. The size is fixed at open; a
// value replaced while open yields ErrUnexpectedEOF or mixed content.
type object struct {
	ctx       context.Context //nolint:containedctx // Read and Seek carry no context
	client    goredis.UniversalClient
	name      string
	size      int64
	chunkSize int64

	off int64
	buf []byte
}

func (o *object) Size() (int64, bool) { return o.size, true }

func (o *object) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(o.buf) == 0 {
		if o.off >= o.size {
			return 0, io.EOF
		}
		n := min(o.chunkSize, o.size-o.off)
		chunk, err := o.getRange(o.off, n)
		if err != nil {
			return 0, err
		}
		o.buf = chunk
	}
	n := copy(p, o.buf)
	o.buf = o.buf[n:]
	o.off += int64(n)
	return n, nil
}

func (o *object) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = o.off + offset
	case io.SeekEnd:
		abs = o.size + offset
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("seek to %d: negative position", abs)
	}
	if abs != o.off {
		o.buf = nil
		o.off = abs
	}
	return abs, nil
}

// ReadAt reads len(p) bytes at off with a single GETRANGE.
func (o *object) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off >= o.size {
		return 0, io.EOF
	}
	want := min(int64(len(p)), o.size-off)
	chunk, err := o.getRange(off, want)
	if err != nil {
		return 0, err
	}
	n := copy(p, chunk)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (o *object) Close() error {
	o.buf = nil
	return nil
}

func (o *object) getRange(off, n int64) ([]byte, error) {
	b, err := o.client.GetRange(o.ctx, o.name, off, off+n-1).Bytes()
	if err != nil {
		return nil, fmt.Errorf("redis getrange %s: %w", o.name, err)
	}
	if int64(len(b)) < n {
		return nil, io.ErrUnexpectedEOF
	}
	return b, nil
}
