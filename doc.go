// Package assetcache caches expensive-to-produce assets in two linked forms.
//
// Each asset is held as compact encoded bytes (read from a slow source such
// as a disk, an HTTP origin, or Redis) and as a decoded, ready-to-use value.
// The two forms live in independent least-recently-used tiers, each evicted
// under its own budget:
//   - Encoded tier: byte buffers, budgeted by total byte length
//   - Decoded tier: decoded values, budgeted by a caller-supplied cost function
//
// An asset may be resident decoded only, encoded only, both, or neither.
//
// # Quick Start
//
// Build a cache over a directory of zstd-compressed files:
//
//	r, err := fs.New("/var/lib/assets")
//	if err != nil {
//	    return err
//	}
//	c, err := assetcache.New[[]byte](r, zstd.NewDecoder(),
//	    assetcache.WithEncodedBudget(64<<20),
//	    assetcache.WithDecodedBudget(256<<20),
//	    assetcache.WithCostFunc(func(b []byte) int64 { return int64(len(b)) }),
//	)
//	if err != nil {
//	    return err
//	}
//	data, err := c.Get(ctx, "textures/grass.zst", assetcache.AlwaysCacheIfAbsent)
//
// # Decode Paths
//
// A [Decoder] offers two entry points. DecodeBytes is used whenever the
// result is about to be cached and may return a normalized buffer to keep
// in the encoded tier. Decode is used when the caller's [Policy] declines
// caching and may consume the source stream directly.
//
// # Concurrency
//
// A Cache is safe for concurrent use. Concurrent requests for the same
// absent key are collapsed so that only one of them reads and decodes the
// asset. No lock is held while a Reader or Decoder runs.
package assetcache
