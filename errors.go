package assetcache

import (
	"errors"
	"fmt"
)

// Sentinel errors for cache operations.
var (
	// ErrRead matches any error raised while obtaining encoded bytes.
	ErrRead = errors.New("assetcache: read failed")

	// ErrDecode matches any error raised while decoding encoded bytes.
	ErrDecode = errors.New("assetcache: decode failed")

	// ErrNilReader is returned by New when no Reader is supplied.
	ErrNilReader = errors.New("assetcache: reader is nil")

	// ErrNilDecoder is returned by New when no Decoder is supplied.
	ErrNilDecoder = errors.New("assetcache: decoder is nil")

	// ErrInvalidBudget is returned by New for negative budgets.
	ErrInvalidBudget = errors.New("assetcache: budget must be >= 0")

	// ErrSizeMismatch is wrapped by a ReadError when an object's content
	// does not match the size it reported.
	ErrSizeMismatch = errors.New("assetcache: object size mismatch")

	// ErrOptionType is returned by New when a typed option was built for a
	// different value type than the Cache.
	ErrOptionType = errors.New("assetcache: option value type does not match cache")
)

// ReadError reports a failure to obtain the encoded bytes for a key.
// Tiers are never modified when a ReadError is returned.
type ReadError struct {
	Key Key
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("assetcache: read %q: %v", e.Key, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Is reports whether target is ErrRead.
func (e *ReadError) Is(target error) bool { return target == ErrRead }

// DecodeError reports a failure to decode the encoded bytes for a key.
// Tiers are never modified when a DecodeError is returned.
type DecodeError struct {
	Key Key
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("assetcache: decode %q: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is reports whether target is ErrDecode.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }
