package assetcache

// Policy decides, per request, whether a freshly read asset is worth
// caching. When it returns false the asset is decoded on the pass-through
// path and neither tier is touched.
type Policy interface {
	ShouldCache(m Meta) bool
}

// PolicyFunc adapts a function into a Policy.
type PolicyFunc func(m Meta) bool

// ShouldCache calls f.
func (f PolicyFunc) ShouldCache(m Meta) bool { return f(m) }

type constPolicy bool

func (p constPolicy) ShouldCache(Meta) bool { return bool(p) }

var (
	// AlwaysCacheIfAbsent populates both tiers on every miss.
	AlwaysCacheIfAbsent Policy = constPolicy(true)

	// NeverCache decodes on the pass-through path and leaves tiers alone.
	NeverCache Policy = constPolicy(false)
)

// CacheIf caches when pred reports true.
func CacheIf(pred func(m Meta) bool) Policy {
	if pred == nil {
		return NeverCache
	}
	return PolicyFunc(pred)
}

// CacheIfSizeAtMost caches assets whose encoded size is known and at most
// n bytes. Assets of unknown size are not cached.
func CacheIfSizeAtMost(n int64) Policy {
	return PolicyFunc(func(m Meta) bool {
		return m.SizeKnown && m.Size <= n
	})
}
