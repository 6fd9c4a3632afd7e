package assetcache

import (
	"bytes"
	"context"
	"io"
)

// Reader supplies encoded bytes for a key. Implementations must be safe for
// concurrent use.
type Reader interface {
	// Open returns a handle on the encoded bytes for key. Missing keys
	// should return an error wrapping fs.ErrNotExist.
	Open(ctx context.Context, key Key) (Object, error)
}

// Object is an opened asset. It supports seeking so decoders can inspect
// headers and rewind without re-fetching. The cache always closes objects
// it opens.
type Object interface {
	io.ReadSeeker
	io.Closer

	// Size returns the encoded length if the source knows it up front.
	Size() (int64, bool)
}

// Decoder converts encoded bytes into a value of type V.
//
// Decode and DecodeBytes must produce equivalent values for the same
// input: callers observe one or the other depending on caching policy.
type Decoder[V any] interface {
	// Decode is the pass-through path, used when the result will not be
	// cached. It may consume src.
	Decode(src io.ReadSeeker) (V, error)

	// DecodeBytes is the cache-populating path. It returns the decoded value
	// and the buffer to retain in the encoded tier, which may be b itself or
	// a normalized copy.
	DecodeBytes(b []byte) (V, []byte, error)
}

// DecoderFunc adapts a plain bytes-to-value function into a Decoder.
// Decode reads the whole stream and DecodeBytes keeps the input buffer.
type DecoderFunc[V any] func(b []byte) (V, error)

// Decode reads src to the end and decodes the result.
func (f DecoderFunc[V]) Decode(src io.ReadSeeker) (V, error) {
	b, err := io.ReadAll(src)
	if err != nil {
		var zero V
		return zero, err
	}
	return f(b)
}

// DecodeBytes decodes b and returns it unchanged as the buffer to retain.
func (f DecoderFunc[V]) DecodeBytes(b []byte) (V, []byte, error) {
	v, err := f(b)
	if err != nil {
		return v, nil, err
	}
	return v, b, nil
}

// NewBytesObject wraps an in-memory buffer as an Object.
func NewBytesObject(b []byte) Object {
	return &bytesObject{Reader: bytes.NewReader(b), size: int64(len(b))}
}

type bytesObject struct {
	*bytes.Reader
	size int64
}

func (o *bytesObject) Size() (int64, bool) { return o.size, true }
func (o *bytesObject) Close() error        { return nil }
