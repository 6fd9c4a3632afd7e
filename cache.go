package assetcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/assetcache/tier"
)

const tracerName = "github.com/meigma/assetcache"

// maxPrealloc bounds the buffer allocated up front from a reported size.
// Larger objects grow their buffer as bytes actually arrive.
const maxPrealloc = 1 << 20

// Cache holds assets in an encoded tier and a decoded tier and decodes on
// miss. It is safe for concurrent use.
//
// Cache uses singleflight to deduplicate concurrent Get calls for the same
// absent key, so only one of them reads and decodes the asset.
type Cache[V any] struct {
	reader  Reader
	decoder Decoder[V]

	encoded *tier.LRU[Key, []byte]
	decoded *tier.LRU[Key, V]

	pinMu  sync.RWMutex
	pinned map[Key]V

	track   func(V, func()) func() (V, bool)
	weakMu  sync.Mutex
	weak    map[Key]weakEntry[V]
	weakSeq uint64

	cost     func(V) int64
	policy   Policy
	flight   singleflight.Group
	logger   *slog.Logger
	tracer   trace.Tracer
	counters counters
}

type weakEntry[V any] struct {
	value func() (V, bool)
	seq   uint64
}

// flightResult is shared between the leader of a flight and its waiters.
type flightResult[V any] struct {
	value  V
	cached bool
}

// New creates a Cache reading encoded bytes from r and decoding them with d.
func New[V any](r Reader, d Decoder[V], opts ...Option) (*Cache[V], error) {
	if r == nil {
		return nil, ErrNilReader
	}
	if d == nil {
		return nil, ErrNilDecoder
	}

	o := options{
		encodedBudget: DefaultEncodedBudget,
		decodedBudget: DefaultDecodedBudget,
		policy:        AlwaysCacheIfAbsent,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&o)
	}
	if o.encodedBudget < 0 || o.decodedBudget < 0 {
		return nil, ErrInvalidBudget
	}

	c := &Cache[V]{
		reader:  r,
		decoder: d,
		pinned:  make(map[Key]V),
		weak:    make(map[Key]weakEntry[V]),
		cost:    func(V) int64 { return 1 },
		policy:  o.policy,
		logger:  o.logger,
		tracer:  o.tracer,
	}
	if c.policy == nil {
		c.policy = AlwaysCacheIfAbsent
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	if o.costFunc != nil {
		fn, ok := o.costFunc.(func(V) int64)
		if !ok {
			return nil, fmt.Errorf("%w: cost func is %T", ErrOptionType, o.costFunc)
		}
		c.cost = fn
	}
	var hook func(Key, V, tier.EvictReason)
	if o.evictHook != nil {
		fn, ok := o.evictHook.(func(Key, V, tier.EvictReason))
		if !ok {
			return nil, fmt.Errorf("%w: evict hook is %T", ErrOptionType, o.evictHook)
		}
		hook = fn
	}
	if o.weakRef != nil {
		fn, ok := o.weakRef.(func(V, func()) func() (V, bool))
		if !ok {
			return nil, fmt.Errorf("%w: weak recovery is %T", ErrOptionType, o.weakRef)
		}
		c.track = fn
	}

	c.encoded = tier.New(o.encodedBudget,
		tier.WithMaxEntryCost[Key, []byte](o.maxEncodedEntry),
		tier.WithEvictHook(func(k Key, _ []byte, reason tier.EvictReason) {
			c.onEvict("encoded", k, reason)
		}),
	)
	c.decoded = tier.New(o.decodedBudget,
		tier.WithMaxEntryCost[Key, V](o.maxDecodedEntry),
		tier.WithEvictHook(func(k Key, v V, reason tier.EvictReason) {
			c.onEvict("decoded", k, reason)
			// A replaced value may still be held by an earlier caller.
			if hook != nil && reason != tier.EvictReplace {
				hook(k, v, reason)
			}
		}),
	)
	return c, nil
}

// Get returns the decoded value for key.
//
// The pinned set and decoded tier are checked first, then the encoded tier,
// and finally the asset is opened through the Reader. The policy decides
// whether a freshly read asset populates the tiers; a nil policy uses the
// cache default.
//
// Read failures are returned as *ReadError and decode failures as
// *DecodeError. Neither leaves a partial entry in any tier.
func (c *Cache[V]) Get(ctx context.Context, key Key, policy Policy) (V, error) {
	if policy == nil {
		policy = c.policy
	}
	if v, ok := c.lookup(key); ok {
		c.counters.decodedHits.Add(1)
		return v, nil
	}

	leader := false
	ch := c.flight.DoChan(string(key), func() (any, error) {
		leader = true
		return c.resolve(ctx, key, policy)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}

	if leader {
		return unwrapResult[V](res)
	}

	// Waiters take the leader's value only when it went into the cache.
	// A failed or pass-through leader sends them down their own path.
	if res.Err == nil {
		if r, ok := res.Val.(flightResult[V]); ok && r.cached {
			return r.value, nil
		}
	}
	c.logger.Debug("retrying outside flight", "key", key, "leader_error", res.Err)
	r, err := c.resolve(ctx, key, policy)
	if err != nil {
		var zero V
		return zero, err
	}
	return r.value, nil
}

// Pin stores v for key outside both tiers. Pinned values are never evicted
// and are only removed by Invalidate or Clear.
func (c *Cache[V]) Pin(key Key, v V) {
	c.pinMu.Lock()
	c.pinned[key] = v
	c.pinMu.Unlock()
	c.remember(key, v)
}

// Invalidate removes key from the pinned set and from both tiers. The
// removals are independent; a concurrent Get may repopulate a tier in
// between. It reports whether anything was removed.
func (c *Cache[V]) Invalidate(key Key) bool {
	c.pinMu.Lock()
	_, pinned := c.pinned[key]
	delete(c.pinned, key)
	c.pinMu.Unlock()

	c.weakMu.Lock()
	_, weak := c.weak[key]
	delete(c.weak, key)
	c.weakMu.Unlock()

	decoded := c.decoded.Invalidate(key)
	encoded := c.encoded.Invalidate(key)
	return pinned || weak || decoded || encoded
}

// Clear empties the pinned set and both tiers.
func (c *Cache[V]) Clear() {
	c.pinMu.Lock()
	c.pinned = make(map[Key]V)
	c.pinMu.Unlock()

	c.weakMu.Lock()
	c.weak = make(map[Key]weakEntry[V])
	c.weakMu.Unlock()

	c.decoded.Clear()
	c.encoded.Clear()
}

// Contains reports which tiers currently hold key, without changing recency.
func (c *Cache[V]) Contains(key Key) (encoded, decoded bool) {
	_, encoded = c.encoded.Peek(key)
	_, decoded = c.decoded.Peek(key)
	return encoded, decoded
}

func (c *Cache[V]) lookup(key Key) (V, bool) {
	c.pinMu.RLock()
	v, ok := c.pinned[key]
	c.pinMu.RUnlock()
	if ok {
		return v, true
	}
	if v, ok := c.decoded.Get(key); ok {
		return v, true
	}
	return c.recoverWeak(key)
}

// remember records a weak reference to v so it can be returned while
// something outside the cache keeps it alive.
func (c *Cache[V]) remember(key Key, v V) {
	if c.track == nil {
		return
	}
	c.weakMu.Lock()
	defer c.weakMu.Unlock()
	c.weakSeq++
	seq := c.weakSeq
	get := c.track(v, func() { c.forget(key, seq) })
	if get == nil {
		return
	}
	c.weak[key] = weakEntry[V]{value: get, seq: seq}
}

// forget drops the weak reference for key if it is still the one
// recorded under seq.
func (c *Cache[V]) forget(key Key, seq uint64) {
	c.weakMu.Lock()
	defer c.weakMu.Unlock()
	if e, ok := c.weak[key]; ok && e.seq == seq {
		delete(c.weak, key)
	}
}

func (c *Cache[V]) recoverWeak(key Key) (V, bool) {
	c.weakMu.Lock()
	e, ok := c.weak[key]
	c.weakMu.Unlock()
	if !ok {
		var zero V
		return zero, false
	}
	v, alive := e.value()
	if !alive {
		c.forget(key, e.seq)
		return v, false
	}
	c.counters.weakRecoveries.Add(1)
	return v, true
}

// resolve runs the miss path: re-check the tiers, decode from the encoded
// tier if possible, otherwise read through the Reader.
func (c *Cache[V]) resolve(ctx context.Context, key Key, policy Policy) (flightResult[V], error) {
	// Another request may have populated the tiers since the first check.
	if v, ok := c.lookup(key); ok {
		c.counters.decodedHits.Add(1)
		return flightResult[V]{value: v, cached: true}, nil
	}
	if b, ok := c.encoded.Get(key); ok {
		c.counters.encodedHits.Add(1)
		v, err := c.decodeEncoded(ctx, key, b)
		if err != nil {
			return flightResult[V]{}, err
		}
		return flightResult[V]{value: v, cached: true}, nil
	}

	c.counters.misses.Add(1)
	return c.fetch(ctx, key, policy)
}

// decodeEncoded decodes a buffer already held by the encoded tier and
// inserts the result into the decoded tier. A normalized buffer returned by
// the decoder replaces the stored one.
func (c *Cache[V]) decodeEncoded(ctx context.Context, key Key, b []byte) (V, error) {
	_, span := c.tracer.Start(ctx, "assetcache.decode_bytes",
		trace.WithAttributes(
			attribute.String("assetcache.key", string(key)),
			attribute.Bool("assetcache.encoded_hit", true),
		))
	defer span.End()

	v, keep, err := c.decoder.DecodeBytes(b)
	if err != nil {
		c.counters.decodeErrors.Add(1)
		recordError(span, err)
		var zero V
		return zero, &DecodeError{Key: key, Err: err}
	}
	c.counters.decodes.Add(1)

	c.putDecoded(key, v)
	if !sameBuffer(b, keep) {
		c.putEncoded(key, keep)
	}
	c.remember(key, v)
	return v, nil
}

// fetch opens the asset through the Reader and decodes it on the path the
// policy selects.
func (c *Cache[V]) fetch(ctx context.Context, key Key, policy Policy) (flightResult[V], error) {
	ctx, span := c.tracer.Start(ctx, "assetcache.fetch",
		trace.WithAttributes(attribute.String("assetcache.key", string(key))))
	defer span.End()

	obj, err := c.reader.Open(ctx, key)
	if err != nil {
		c.counters.readErrors.Add(1)
		recordError(span, err)
		return flightResult[V]{}, &ReadError{Key: key, Err: err}
	}
	defer func() {
		if cerr := obj.Close(); cerr != nil {
			c.logger.Debug("close object", "key", key, "error", cerr)
		}
	}()

	size, known := obj.Size()
	meta := Meta{Key: key, Size: size, SizeKnown: known}
	if known {
		span.SetAttributes(attribute.Int64("assetcache.size", size))
	}

	if !policy.ShouldCache(meta) {
		span.SetAttributes(attribute.Bool("assetcache.cached", false))
		v, err := c.decoder.Decode(obj)
		if err != nil {
			c.counters.decodeErrors.Add(1)
			recordError(span, err)
			return flightResult[V]{}, &DecodeError{Key: key, Err: err}
		}
		c.counters.passThrough.Add(1)
		c.remember(key, v)
		return flightResult[V]{value: v}, nil
	}

	span.SetAttributes(attribute.Bool("assetcache.cached", true))
	b, err := readObject(obj, meta)
	if err != nil {
		c.counters.readErrors.Add(1)
		recordError(span, err)
		return flightResult[V]{}, &ReadError{Key: key, Err: err}
	}
	v, keep, err := c.decoder.DecodeBytes(b)
	if err != nil {
		c.counters.decodeErrors.Add(1)
		recordError(span, err)
		return flightResult[V]{}, &DecodeError{Key: key, Err: err}
	}
	c.counters.decodes.Add(1)

	c.putEncoded(key, keep)
	c.putDecoded(key, v)
	c.remember(key, v)
	return flightResult[V]{value: v, cached: true}, nil
}

func (c *Cache[V]) putEncoded(key Key, b []byte) {
	if err := c.encoded.Put(key, b, int64(len(b))); err != nil {
		c.rejected("encoded", key, int64(len(b)), err)
	}
}

func (c *Cache[V]) putDecoded(key Key, v V) {
	cost := c.cost(v)
	if err := c.decoded.Put(key, v, cost); err != nil {
		c.rejected("decoded", key, cost, err)
	}
}

// rejected records a tier refusing an entry. Capacity rejections are a
// normal condition under memory pressure and never reach the caller.
func (c *Cache[V]) rejected(tierName string, key Key, cost int64, err error) {
	c.counters.rejections.Add(1)
	level := slog.LevelDebug
	if !errors.Is(err, tier.ErrCapacityExceeded) {
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "entry not cached",
		"tier", tierName, "key", key, "cost", cost, "error", err)
}

func (c *Cache[V]) onEvict(tierName string, key Key, reason tier.EvictReason) {
	if reason != tier.EvictCapacity {
		return
	}
	c.counters.evictions.Add(1)
	c.logger.Debug("entry evicted", "tier", tierName, "key", key)
}

// readObject reads the whole object. A known size is checked against the
// stream rather than trusted: only a bounded buffer is allocated up front,
// and a stream shorter or longer than reported is an error.
func readObject(obj Object, meta Meta) ([]byte, error) {
	if !meta.SizeKnown {
		return io.ReadAll(obj)
	}
	if meta.Size < 0 {
		return nil, fmt.Errorf("%w: reported %d bytes", ErrSizeMismatch, meta.Size)
	}

	var buf []byte
	if meta.Size <= maxPrealloc {
		buf = make([]byte, meta.Size)
		if _, err := io.ReadFull(obj, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: stream ended before %d bytes", ErrSizeMismatch, meta.Size)
			}
			return nil, err
		}
	} else {
		b, err := io.ReadAll(io.LimitReader(obj, meta.Size))
		if err != nil {
			return nil, err
		}
		if int64(len(b)) != meta.Size {
			return nil, fmt.Errorf("%w: read %d of %d bytes", ErrSizeMismatch, len(b), meta.Size)
		}
		buf = b
	}

	if meta.Size < math.MaxInt64 {
		var extra [1]byte
		_, err := io.ReadFull(obj, extra[:])
		switch {
		case errors.Is(err, io.EOF):
		case err == nil:
			return nil, fmt.Errorf("%w: stream longer than %d bytes", ErrSizeMismatch, meta.Size)
		default:
			return nil, err
		}
	}
	return buf, nil
}

// sameBuffer reports whether a and b are the same slice of memory.
func sameBuffer(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return &a[0] == &b[0]
}

func unwrapResult[V any](res singleflight.Result) (V, error) {
	if res.Err != nil {
		var zero V
		return zero, res.Err
	}
	r, _ := res.Val.(flightResult[V]) //nolint:errcheck // type assertion always succeeds when err is nil
	return r.value, nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
