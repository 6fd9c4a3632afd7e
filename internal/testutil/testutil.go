// Package testutil provides in-memory readers and decoders for tests.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/meigma/assetcache"
)

// MockReader implements assetcache.Reader over an in-memory map and counts
// how often each key is opened.
type MockReader struct {
	mu          sync.RWMutex
	data        map[assetcache.Key][]byte
	failures    map[assetcache.Key]error
	opens       map[assetcache.Key]int
	hideSize    bool
	gate        chan struct{}
	totalOpens  atomic.Int64
	closedCount atomic.Int64
}

// NewMockReader returns a reader serving the provided contents.
func NewMockReader(files map[string][]byte) *MockReader {
	r := &MockReader{
		data:     make(map[assetcache.Key][]byte, len(files)),
		failures: make(map[assetcache.Key]error),
		opens:    make(map[assetcache.Key]int),
	}
	for k, v := range files {
		r.data[assetcache.Key(k)] = v
	}
	return r
}

// Set stores content for key.
func (r *MockReader) Set(key string, content []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[assetcache.Key(key)] = content
}

// Fail makes every Open of key return err until cleared with a nil err.
func (r *MockReader) Fail(key string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, assetcache.Key(key))
		return
	}
	r.failures[assetcache.Key(key)] = err
}

// HideSize makes opened objects report an unknown size.
func (r *MockReader) HideSize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hideSize = true
}

// Block makes Open wait until Release is called or the context ends.
func (r *MockReader) Block() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = make(chan struct{})
}

// Release unblocks all pending and future Open calls.
func (r *MockReader) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gate != nil {
		close(r.gate)
		r.gate = nil
	}
}

// Open implements assetcache.Reader.
func (r *MockReader) Open(ctx context.Context, key assetcache.Key) (assetcache.Object, error) {
	r.mu.Lock()
	r.opens[key]++
	gate := r.gate
	r.mu.Unlock()
	r.totalOpens.Add(1)

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if err, ok := r.failures[key]; ok {
		return nil, err
	}
	content, ok := r.data[key]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", key, fs.ErrNotExist)
	}
	return &MockObject{
		Reader:   bytes.NewReader(content),
		size:     int64(len(content)),
		hideSize: r.hideSize,
		closed:   &r.closedCount,
	}, nil
}

// Opens returns how often key was opened.
func (r *MockReader) Opens(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.opens[assetcache.Key(key)]
}

// TotalOpens returns the number of Open calls across all keys.
func (r *MockReader) TotalOpens() int64 {
	return r.totalOpens.Load()
}

// Closed returns how many opened objects have been closed.
func (r *MockReader) Closed() int64 {
	return r.closedCount.Load()
}

// MockObject is the object returned by MockReader.
type MockObject struct {
	*bytes.Reader
	size     int64
	hideSize bool
	closed   *atomic.Int64
}

// Size implements assetcache.Object.
func (o *MockObject) Size() (int64, bool) {
	if o.hideSize {
		return 0, false
	}
	return o.size, true
}

// Close implements io.Closer.
func (o *MockObject) Close() error {
	if o.closed != nil {
		o.closed.Add(1)
	}
	return nil
}

// ErrMalformed is returned by StringDecoder for inputs starting with "!".
var ErrMalformed = errors.New("malformed input")

// StringDecoder decodes bytes into strings and counts calls per path.
// Inputs starting with "!" are treated as malformed. When Normalize is set,
// DecodeBytes returns a trimmed copy of the input as the buffer to retain.
type StringDecoder struct {
	Normalize bool

	decodes     atomic.Int64
	decodeBytes atomic.Int64
}

// Decode implements the pass-through decode path.
func (d *StringDecoder) Decode(src io.ReadSeeker) (string, error) {
	d.decodes.Add(1)
	b, err := io.ReadAll(src)
	if err != nil {
		return "", err
	}
	return decodeString(b)
}

// DecodeBytes implements the cache-populating decode path.
func (d *StringDecoder) DecodeBytes(b []byte) (string, []byte, error) {
	d.decodeBytes.Add(1)
	s, err := decodeString(b)
	if err != nil {
		return "", nil, err
	}
	if d.Normalize {
		return s, []byte(s), nil
	}
	return s, b, nil
}

// Decodes returns the number of pass-through decodes.
func (d *StringDecoder) Decodes() int64 { return d.decodes.Load() }

// DecodeBytesCalls returns the number of cache-populating decodes.
func (d *StringDecoder) DecodeBytesCalls() int64 { return d.decodeBytes.Load() }

func decodeString(b []byte) (string, error) {
	if bytes.HasPrefix(b, []byte("!")) {
		return "", ErrMalformed
	}
	return strings.TrimSpace(string(b)), nil
}
