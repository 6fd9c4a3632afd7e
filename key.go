package assetcache

import "github.com/opencontainers/go-digest"

// Key identifies an asset in both tiers. Equal keys must refer to the same
// logical asset. Typical keys are slash-separated paths or content digests.
type Key string

// DigestKey returns the key for content addressed by d.
func DigestKey(d digest.Digest) Key {
	return Key(d.String())
}

// Digest parses k as a content digest.
func (k Key) Digest() (digest.Digest, error) {
	return digest.Parse(string(k))
}

// String returns the key as a string.
func (k Key) String() string {
	return string(k)
}

// Meta describes an opened asset before it is decoded. Policies use it to
// decide whether the asset is worth caching.
type Meta struct {
	Key Key

	// Size is the encoded length in bytes. Only meaningful when SizeKnown.
	Size      int64
	SizeKnown bool
}
