// Package http provides an assetcache Reader backed by an HTTP origin.
//
// Keys are slash-separated paths resolved against a base URL. Objects are
// served with range requests: sequential reads stream a single open-ended
// range, and seeking drops the stream so the next read starts a new range
// at the new offset. Origins that ignore range requests are still supported;
// their responses are buffered in memory.
package http //nolint:revive // intentional naming for domain clarity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	nethttp "net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/meigma/assetcache"
)

// ErrInvalidKey is returned for keys that are not clean relative paths.
var ErrInvalidKey = errors.New("http reader: invalid key")

// Reader opens assets from an HTTP origin.
type Reader struct {
	base                  *url.URL
	client                *nethttp.Client
	headers               nethttp.Header
	useConditionalHeaders bool
}

// Interface compliance.
var _ assetcache.Reader = (*Reader)(nil)

// Option configures a Reader.
type Option func(*Reader)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(r *Reader) {
		r.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(r *Reader) {
		if headers == nil {
			return
		}
		r.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(r *Reader) {
		if r.headers == nil {
			r.headers = make(nethttp.Header)
		}
		r.headers.Set(key, value)
	}
}

// WithConditionalHeaders pins every range request of an object to the
// ETag seen when it was opened, so a changed origin is detected instead of
// mixing bytes from two versions. Disabled by default because some origins
// reject conditional range requests.
func WithConditionalHeaders() Option {
	return func(r *Reader) {
		r.useConditionalHeaders = true
	}
}

// New creates a Reader resolving keys against baseURL.
func New(baseURL string, opts ...Option) (*Reader, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	r := &Reader{
		base:   base,
		client: nethttp.DefaultClient,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = nethttp.DefaultClient
	}
	return r, nil
}

// Open learns the object size with a one-byte range request and returns an
// Object that fetches data lazily.
func (r *Reader) Open(ctx context.Context, key assetcache.Key) (assetcache.Object, error) {
	target, err := r.resolve(key)
	if err != nil {
		return nil, err
	}

	req, err := r.newRequest(ctx, nethttp.MethodGet, target, "")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
		size, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return nil, err
		}
		return &object{
			ctx:    ctx,
			reader: r,
			url:    target,
			size:   size,
			etag:   resp.Header.Get("ETag"),
		}, nil
	case nethttp.StatusOK:
		// Origin ignored the range header and sent the whole body.
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		return assetcache.NewBytesObject(data), nil
	case nethttp.StatusRequestedRangeNotSatisfiable:
		// Zero-length objects cannot satisfy bytes=0-0.
		return assetcache.NewBytesObject(nil), nil
	case nethttp.StatusNotFound, nethttp.StatusGone:
		return nil, fmt.Errorf("open %s: %w", key, fs.ErrNotExist)
	default:
		return nil, fmt.Errorf("open %s: %s", key, resp.Status)
	}
}

func (r *Reader) resolve(key assetcache.Key) (string, error) {
	p := string(key)
	if p == "" || strings.HasPrefix(p, "/") || path.Clean(p) != p || p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	rel := &url.URL{Path: p}
	return r.base.ResolveReference(rel).String(), nil
}

func (r *Reader) newRequest(ctx context.Context, method, target, etag string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range r.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	if r.useConditionalHeaders && etag != "" && req.Header.Get("If-Match") == "" {
		req.Header.Set("If-Match", etag)
	}
	return req, nil
}

// readRange returns the body of a range request for [off, off+length).
func (r *Reader) readRange(ctx context.Context, target, etag string, off, length int64) (io.ReadCloser, error) {
	req, err := r.newRequest(ctx, nethttp.MethodGet, target, etag)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+length-1))

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
		return &rangeReadCloser{
			body:   resp.Body,
			reader: io.LimitReader(resp.Body, length),
		}, nil
	case nethttp.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, io.EOF
	case nethttp.StatusPreconditionFailed:
		resp.Body.Close()
		return nil, fmt.Errorf("range request: object changed since open: %s", resp.Status)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("range request failed: %s", resp.Status)
	}
}

// object reads one remote asset. Sequential reads share one streaming
// range; Seek and ReadAt issue new ranges.
type object struct {
	ctx    context.Context //nolint:containedctx // Read and Seek carry no context
	reader *Reader
	url    string
	size   int64
	etag   string

	off  int64
	body io.ReadCloser
}

func (o *object) Size() (int64, bool) { return o.size, true }

func (o *object) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if o.off >= o.size {
		return 0, io.EOF
	}
	if o.body == nil {
		body, err := o.reader.readRange(o.ctx, o.url, o.etag, o.off, o.size-o.off)
		if err != nil {
			return 0, err
		}
		o.body = body
	}
	n, err := o.body.Read(p)
	o.off += int64(n)
	if errors.Is(err, io.EOF) && o.off < o.size {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
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
		o.dropBody()
		o.off = abs
	}
	return abs, nil
}

// ReadAt reads len(p) bytes at off with a dedicated range request.
func (o *object) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= o.size {
		return 0, io.EOF
	}
	expected := int64(len(p))
	if off+expected > o.size {
		expected = o.size - off
	}

	body, err := o.reader.readRange(o.ctx, o.url, o.etag, off, expected)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	n, err := io.ReadFull(body, p[:expected])
	if err != nil {
		return n, err
	}
	if expected < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

func (o *object) Close() error {
	o.dropBody()
	return nil
}

func (o *object) dropBody() {
	if o.body != nil {
		_ = o.body.Close()
		o.body = nil
	}
}

type rangeReadCloser struct {
	body   io.ReadCloser
	reader io.Reader
}

func (r *rangeReadCloser) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

func (r *rangeReadCloser) Close() error {
	return r.body.Close()
}

func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	parts := strings.SplitN(strings.TrimPrefix(value, "bytes "), "/", 2)
	if len(parts) != 2 || parts[1] == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return size, nil
}
