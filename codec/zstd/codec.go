// Package zstd provides an assetcache Decoder for zstd-compressed assets.
//
// Decoded values are the decompressed bytes. The pass-through path streams
// directly from the source object, so large assets that will not be cached
// are never buffered in compressed form. The cache-populating path
// decompresses an in-memory buffer and returns a capacity-trimmed copy of
// it for the encoded tier.
package zstd

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/meigma/assetcache"
)

// magic is the little-endian zstd frame magic number 0xFD2FB528.
var magic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	// ErrNotZstd is returned for input that does not start with a zstd frame.
	ErrNotZstd = errors.New("zstd: input is not a zstd frame")

	// ErrTooLarge is returned when decompressed output exceeds the limit.
	ErrTooLarge = errors.New("zstd: decompressed size exceeds limit")
)

// Decoder decompresses zstd frames. It is safe for concurrent use.
type Decoder struct {
	pool        *decoderPool
	maxSize     int64
	rawFallback bool
}

// Interface compliance.
var _ assetcache.Decoder[[]byte] = (*Decoder)(nil)

// Option configures a Decoder.
type Option func(*config)

type config struct {
	maxMemory   uint64
	maxSize     int64
	concurrency int
	lowmem      bool
	rawFallback bool
}

// WithMaxMemory limits the memory a single decoder may use, including the
// decompressed output of DecodeBytes. Zero means no limit.
func WithMaxMemory(n uint64) Option {
	return func(c *config) {
		c.maxMemory = n
	}
}

// WithMaxSize rejects assets whose decompressed size exceeds n bytes.
// Values <= 0 disable the limit.
func WithMaxSize(n int64) Option {
	return func(c *config) {
		c.maxSize = n
	}
}

// WithConcurrency sets the decoder concurrency level. Defaults to 1.
func WithConcurrency(n int) Option {
	return func(c *config) {
		if n < 0 {
			n = 0
		}
		c.concurrency = n
	}
}

// WithLowmem enables low-memory mode for decoders.
func WithLowmem(b bool) Option {
	return func(c *config) {
		c.lowmem = b
	}
}

// WithRawFallback treats input without a zstd frame header as already
// uncompressed instead of failing with ErrNotZstd.
func WithRawFallback() Option {
	return func(c *config) {
		c.rawFallback = true
	}
}

// NewDecoder creates a zstd Decoder.
func NewDecoder(opts ...Option) *Decoder {
	cfg := config{concurrency: 1}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	return &Decoder{
		pool:        newDecoderPool(cfg.maxMemory, cfg.concurrency, cfg.lowmem),
		maxSize:     cfg.maxSize,
		rawFallback: cfg.rawFallback,
	}
}

// Decode streams a zstd frame from src. It peeks at the frame header and
// rewinds before decompressing.
func (d *Decoder) Decode(src io.ReadSeeker) ([]byte, error) {
	header := make([]byte, len(magic))
	n, err := io.ReadFull(src, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind: %w", err)
	}
	if !bytes.Equal(header[:n], magic) {
		if !d.rawFallback {
			return nil, ErrNotZstd
		}
		return d.readLimited(src)
	}

	dec, release, err := d.pool.get(src)
	if err != nil {
		return nil, err
	}
	defer release()
	return d.readLimited(dec)
}

// DecodeBytes decompresses b and returns the buffer to retain. Buffers with
// spare capacity are copied so the encoded tier holds exactly what it
// accounts for.
func (d *Decoder) DecodeBytes(b []byte) ([]byte, []byte, error) {
	keep := b
	if cap(b) > len(b) {
		keep = make([]byte, len(b))
		copy(keep, b)
	}

	if !bytes.HasPrefix(b, magic) {
		if !d.rawFallback {
			return nil, nil, ErrNotZstd
		}
		if d.maxSize > 0 && int64(len(b)) > d.maxSize {
			return nil, nil, ErrTooLarge
		}
		return bytes.Clone(b), keep, nil
	}

	dec, release, err := d.pool.get(nil)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	out, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, nil, err
	}
	if d.maxSize > 0 && int64(len(out)) > d.maxSize {
		return nil, nil, ErrTooLarge
	}
	return out, keep, nil
}

func (d *Decoder) readLimited(r io.Reader) ([]byte, error) {
	if d.maxSize <= 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, d.maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > d.maxSize {
		return nil, ErrTooLarge
	}
	return out, nil
}

// Encode compresses b into a single zstd frame. It is a convenience for
// producing assets and tests; the cache itself never encodes.
func Encode(b []byte, level zstd.EncoderLevel) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithZeroFrames(true))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(b, nil), nil
}
